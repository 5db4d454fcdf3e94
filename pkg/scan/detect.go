package scan

import (
	"github.com/vtfind/vtfind/pkg/paging"
)

// Match describes a page accepted by a Detector.
type Match struct {
	CR3   uint64
	Group int
}

// Detector classifies a candidate page as a root page table of one platform.
//
// Match must treat every bit pattern as ordinary data and must not keep blk
// past its return.
type Detector interface {
	Type() PTType
	Match(offset int64, blk *paging.Block) (Match, bool)
}

// NewDetectors returns the detectors selected by types, in detector order.
// limit is the exclusive upper bound for extracted roots (the image file size).
// VMCS is not a page table detector and is ignored here.
func NewDetectors(types PTType, limit uint64, conf *Config) ([]Detector, error) {
	var ds []Detector
	for _, t := range types.Types() {
		switch t {
		case PTWindows:
			ds = append(ds, windowsDetector{})
		case PTGeneric:
			ds = append(ds, genericDetector{limit: limit})
		case PTHyperV:
			ds = append(ds, hypervDetector{})
		case PTFreeBSD:
			ds = append(ds, freebsdDetector{})
		case PTOpenBSD:
			ds = append(ds, openbsdDetector{})
		case PTNetBSD:
			ds = append(ds, netbsdDetector{})
		case PTLinuxS:
			d, err := newLinuxDetector(conf.LinuxCacheSize)
			if err != nil {
				return nil, err
			}
			ds = append(ds, d)
		}
	}
	return ds, nil
}

// Evaluate runs d against blk and returns the record for an accepted page.
func Evaluate(d Detector, offset int64, blk *paging.Block) *DetectedProc {
	m, ok := d.Match(offset, blk)
	if !ok {
		return nil
	}
	group := -1
	if d.Type() == PTLinuxS {
		group = m.Group
	}
	return &DetectedProc{
		FileOffset:       offset,
		CR3:              m.CR3,
		Diff:             offset - int64(m.CR3),
		Mode:             ModeLevel4,
		Type:             d.Type(),
		Group:            group,
		TopPageTablePage: blk.Sparse(),
	}
}

// rootEntry is the x86-64 PML4 entry test shared by the Windows, Hyper-V and
// generic detectors: present+rw+accessed(+dirty) low byte and no reserved bits.
func rootEntry(e paging.Entry, reserved uint64) bool {
	return e.LowByteIn(0x63, 0x67) && !e.HasReserved(reserved)
}

// bsdEntry is the entry test used by the BSD detectors: present, rw, accessed, not PS.
func bsdEntry(e paging.Entry) bool {
	return e.Is(0xF3, 0x63)
}

type windowsDetector struct{}

func (windowsDetector) Type() PTType { return PTWindows }

func (windowsDetector) Match(_ int64, blk *paging.Block) (Match, bool) {
	self := blk.Entry(0x1ED)
	if !blk.Entry(0).Is(0xFDF, 0x847) || !rootEntry(self, paging.ReservedMask) {
		return Match{}, false
	}
	return Match{CR3: self.Addr()}, true
}

type genericDetector struct {
	limit uint64
}

func (genericDetector) Type() PTType { return PTGeneric }

// Match keeps the qualifying kernel half entry with the smallest diff.
func (g genericDetector) Match(offset int64, blk *paging.Block) (Match, bool) {
	if !blk.Entry(0).Is(0xFF, 0x63) || blk[0x1FF] != 0 {
		return Match{}, false
	}

	var (
		best     Match
		bestDiff int64
		found    bool
	)
	for i := 0x1FF; i > 0xFF; i-- {
		e := blk.Entry(i)
		if !rootEntry(e, paging.ReservedMask) {
			continue
		}
		cr3 := e.Addr()
		if cr3 == 0 || cr3 >= g.limit {
			continue
		}
		if diff := offset - int64(cr3); !found || diff < bestDiff {
			best, bestDiff, found = Match{CR3: cr3}, diff, true
		}
	}
	return best, found
}

type hypervDetector struct{}

func (hypervDetector) Type() PTType { return PTHyperV }

func (hypervDetector) Match(_ int64, blk *paging.Block) (Match, bool) {
	self := blk.Entry(0x1FE)
	if !blk.Entry(0).Is(0xFFF, 0x063) || blk[0x1FF] != 0 || !rootEntry(self, paging.ReservedMaskNX) || self.Addr() == 0 {
		return Match{}, false
	}
	return Match{CR3: self.Addr()}, true
}

type freebsdDetector struct{}

func (freebsdDetector) Type() PTType { return PTFreeBSD }

func (freebsdDetector) Match(_ int64, blk *paging.Block) (Match, bool) {
	self := blk.Entry(0x100)
	if !blk.Entry(0).Is(0xFF, 0x67) || !blk.Entry(0xFF).Is(0xFF, 0x67) {
		return Match{}, false
	}
	if !self.Is(0xFF, 0x63) || self.HasReserved(paging.HighMask) {
		return Match{}, false
	}
	return Match{CR3: self.Addr()}, true
}

type openbsdDetector struct{}

func (openbsdDetector) Type() PTType { return PTOpenBSD }

// OpenBSD amd64 L4 slots: 255 recursive PTE, 256 kernel, 510 direct map, 511 kernel base.
func (openbsdDetector) Match(_ int64, blk *paging.Block) (Match, bool) {
	self := blk.Entry(255)
	if !bsdEntry(blk.Entry(510)) || !bsdEntry(blk.Entry(256)) || !bsdEntry(blk.Entry(254)) {
		return Match{}, false
	}
	if !bsdEntry(self) || self.HasReserved(paging.HighMask) {
		return Match{}, false
	}
	return Match{CR3: self.Addr()}, true
}

type netbsdDetector struct{}

func (netbsdDetector) Type() PTType { return PTNetBSD }

func (netbsdDetector) Match(_ int64, blk *paging.Block) (Match, bool) {
	self := blk.Entry(255)
	if !bsdEntry(blk.Entry(511)) || !(bsdEntry(blk.Entry(320)) || bsdEntry(blk.Entry(256))) {
		return Match{}, false
	}
	if !bsdEntry(self) || self.HasReserved(paging.HighMask) {
		return Match{}, false
	}
	return Match{CR3: self.Addr()}, true
}
