package scan

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// PTType is a set of page table detection heuristics.
type PTType uint32

const (
	PTWindows PTType = 1 << iota
	PTGeneric
	PTHyperV
	PTFreeBSD
	PTOpenBSD
	PTNetBSD
	PTLinuxS
	PTVMCS

	// PTAll selects every process detector (VMCS needs a populated scan set and is never implied)
	PTAll = PTWindows | PTGeneric | PTHyperV | PTFreeBSD | PTOpenBSD | PTNetBSD | PTLinuxS
)

var ptTypeNames = []struct {
	t    PTType
	name string
}{
	{PTWindows, "Windows"},
	{PTGeneric, "Generic"},
	{PTHyperV, "HyperV"},
	{PTFreeBSD, "FreeBSD"},
	{PTOpenBSD, "OpenBSD"},
	{PTNetBSD, "NetBSD"},
	{PTLinuxS, "LinuxS"},
	{PTVMCS, "VMCS"},
}

var ptTypeAliases = map[string]PTType{
	"all":     PTAll,
	"windows": PTWindows,
	"win":     PTWindows,
	"generic": PTGeneric,
	"hyperv":  PTHyperV,
	"hv":      PTHyperV,
	"freebsd": PTFreeBSD,
	"openbsd": PTOpenBSD,
	"netbsd":  PTNetBSD,
	"linuxs":  PTLinuxS,
	"linux":   PTLinuxS,
	"vmcs":    PTVMCS,
}

// Has reports whether every type in o is part of t.
func (t PTType) Has(o PTType) bool {
	return o != 0 && t&o == o
}

// Types splits the set into its single types, in detector order.
func (t PTType) Types() []PTType {
	var out []PTType
	for _, n := range ptTypeNames {
		if t.Has(n.t) {
			out = append(out, n.t)
		}
	}
	return out
}

func (t PTType) String() string {
	if t == 0 {
		return "None"
	}
	var names []string
	for _, n := range ptTypeNames {
		if t.Has(n.t) {
			names = append(names, n.name)
		}
	}
	if rest := t &^ (PTAll | PTVMCS); rest != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(rest)))
	}
	return strings.Join(names, "|")
}

// MarshalText implements encoding.TextMarshaler.
func (t PTType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *PTType) UnmarshalText(text []byte) error {
	v, err := ParsePTType(strings.Split(string(text), "|")...)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParsePTType parses detector names (case insensitive, comma separated values allowed).
func ParsePTType(names ...string) (PTType, error) {
	var t PTType
	for _, name := range names {
		for _, n := range strings.Split(name, ",") {
			n = strings.ToLower(strings.TrimSpace(n))
			if n == "" || n == "none" {
				continue
			}
			v, ok := ptTypeAliases[n]
			if !ok {
				return 0, errors.Errorf("unknown page table type %q", n)
			}
			t |= v
		}
	}
	return t, nil
}

// Mode is the paging mode of a detected page table
type Mode int

// ModeLevel4 is 4-level (PML4) paging
const ModeLevel4 Mode = 2

// DetectedProc is one candidate root page table.
type DetectedProc struct {
	// FileOffset is where the page was found and identifies the record
	FileOffset int64 `json:"file_offset" yaml:"file_offset"`
	// CR3 is the physical address of the paging root claimed by the page
	CR3 uint64 `json:"cr3" yaml:"cr3"`
	// Diff is FileOffset - CR3
	Diff int64  `json:"diff" yaml:"diff"`
	Mode Mode   `json:"mode" yaml:"mode"`
	Type PTType `json:"type" yaml:"type"`
	// Group is the detection time group of LinuxS page tables (-1 for every other type)
	Group int `json:"group" yaml:"group"`
	// TopPageTablePage holds every non-zero entry of the page keyed by table index
	TopPageTablePage map[int]uint64 `json:"top_page_table_page" yaml:"top_page_table_page"`
	// AddressSpaceID is assigned by GroupAddressSpaces (0 until then)
	AddressSpaceID int `json:"address_space_id" yaml:"address_space_id"`
	// VMCSID references the VMCS whose EPTP governs this process (0 for none)
	VMCSID uint64 `json:"vmcs_id,omitempty" yaml:"vmcs_id,omitempty"`
}

// Fingerprint returns a copy of the sparse top level page.
func (dp *DetectedProc) Fingerprint() map[int]uint64 {
	m := make(map[int]uint64, len(dp.TopPageTablePage))
	for k, v := range dp.TopPageTablePage {
		m[k] = v
	}
	return m
}

// KernelFingerprint returns the distinct entry values of the kernel half of the
// page, leaving out the self-referencing slots, in ascending order.
func (dp *DetectedProc) KernelFingerprint() []uint64 {
	set := kernelSet(dp)
	out := make([]uint64, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// FileOffsetOf maps a physical address into the image assuming one contiguous physical run.
func (dp *DetectedProc) FileOffsetOf(pa uint64) int64 {
	return int64(pa) + dp.Diff
}

func (dp *DetectedProc) String() string {
	return fmt.Sprintf("%s CR3 %#012x @ %#x diff %#x entries %d", dp.Type, dp.CR3, dp.FileOffset, dp.Diff, len(dp.TopPageTablePage))
}

// RevisionID is the VMCS revision identifier (low 31 bits of the first VMCS word)
type RevisionID uint32

const (
	RevisionVMwareNested RevisionID = 0x00000001
	RevisionIntel0D      RevisionID = 0x0000000D
	RevisionIntel0E      RevisionID = 0x0000000E
	RevisionIntel0F      RevisionID = 0x0000000F
	RevisionIntel10      RevisionID = 0x00000010
	RevisionIntel11      RevisionID = 0x00000011
	RevisionIntel12      RevisionID = 0x00000012
	RevisionIntel04      RevisionID = 0x00000004
)

// Known reports whether the revision is one seen in the wild.
func (r RevisionID) Known() bool {
	switch r {
	case RevisionVMwareNested, RevisionIntel04, RevisionIntel0D, RevisionIntel0E,
		RevisionIntel0F, RevisionIntel10, RevisionIntel11, RevisionIntel12:
		return true
	}
	return false
}

func (r RevisionID) String() string {
	if r == RevisionVMwareNested {
		return "VMwareNested"
	}
	if r.Known() {
		return fmt.Sprintf("Intel(%#x)", uint32(r))
	}
	return fmt.Sprintf("Unknown(%#x)", uint32(r))
}

// AbortCode is the VMX-abort indicator stored after the revision identifier
type AbortCode uint32

const (
	AbortNone AbortCode = iota
	AbortSaveGuestMSR
	AbortHostPDPTE
	AbortVMCSCorrupt
	AbortLoadHostMSR
	AbortMachineCheck
	AbortHostLegacyMode
)

// Known reports whether the abort indicator is one of the architecturally defined values.
func (a AbortCode) Known() bool {
	return a <= AbortHostLegacyMode
}

func (a AbortCode) String() string {
	switch a {
	case AbortNone:
		return "None"
	case AbortSaveGuestMSR:
		return "SaveGuestMSR"
	case AbortHostPDPTE:
		return "HostPDPTE"
	case AbortVMCSCorrupt:
		return "VMCSCorrupt"
	case AbortLoadHostMSR:
		return "LoadHostMSR"
	case AbortMachineCheck:
		return "MachineCheck"
	case AbortHostLegacyMode:
		return "HostLegacyMode"
	default:
		return fmt.Sprintf("Unknown(%#x)", uint32(a))
	}
}

// VMCS is one candidate hypervisor control structure.
type VMCS struct {
	// ID is unique within a scan and assigned in file order
	ID uint64 `json:"id" yaml:"id"`
	// Offset is the file offset of the VMCS page
	Offset     int64      `json:"offset" yaml:"offset"`
	RevisionID RevisionID `json:"revision_id" yaml:"revision_id"`
	AbortCode  AbortCode  `json:"abort_code" yaml:"abort_code"`
	EPTP       uint64     `json:"eptp" yaml:"eptp"`
	GuestCR3   uint64     `json:"guest_cr3" yaml:"guest_cr3"`
	// Owner is the FileOffset of the DetectedProc whose CR3 matched
	Owner int64 `json:"owner" yaml:"owner"`
}

func (v *VMCS) String() string {
	return fmt.Sprintf("VMCS %d @ %#x EPTP %#x guest CR3 %#x rev %s abort %s", v.ID, v.Offset, v.EPTP, v.GuestCR3, v.RevisionID, v.AbortCode)
}
