package image

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/vtfind/vtfind/pkg/paging"
)

const (
	dumpSignature  = "PAGE"
	dumpValid64    = "DU64"
	dumpHeaderSize = 0x2000
	dumpTypeOffset = 0xF98
	dumpRunsOffset = 0x98
	dumpMaxRuns    = (dumpTypeOffset - dumpRunsOffset) / 16
)

// DumpType is the Windows crash dump type
type DumpType uint32

const (
	DumpTypeFull    DumpType = 1
	DumpTypeSummary DumpType = 2
	DumpTypeHeader  DumpType = 3
	DumpTypeBitmap  DumpType = 5
)

func (t DumpType) String() string {
	switch t {
	case DumpTypeFull:
		return "full"
	case DumpTypeSummary:
		return "summary"
	case DumpTypeHeader:
		return "header"
	case DumpTypeBitmap:
		return "bitmap"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

var (
	// ErrUnsupportedDump is returned for crash dumps whose memory is not stored as contiguous runs
	ErrUnsupportedDump = errors.New("unsupported crash dump type")

	errNotCrashDump = errors.New("not a crash dump")
)

// PhysicalRun is one contiguous range of physical pages stored in a dump.
type PhysicalRun struct {
	BasePage  uint64
	PageCount uint64
}

type dumpHeader64 struct {
	Signature           [4]byte
	ValidDump           [4]byte
	MajorVersion        uint32
	MinorVersion        uint32
	DirectoryTableBase  uint64
	PfnDataBase         uint64
	PsLoadedModuleList  uint64
	PsActiveProcessHead uint64
	MachineImageType    uint32
	NumberProcessors    uint32
	BugCheckCode        uint32
	_                   uint32
	BugCheckParameters  [4]uint64
	VersionUser         [32]byte
	KdDebuggerDataBlock uint64
	NumberOfRuns        uint32
	_                   uint32
	NumberOfPages       uint64
}

// CrashDumpHeader is the subset of a 64-bit Windows crash dump header needed to locate physical memory.
type CrashDumpHeader struct {
	MajorVersion       uint32
	MinorVersion       uint32
	DirectoryTableBase uint64
	MachineImageType   uint32
	NumberProcessors   uint32
	BugCheckCode       uint32
	Type               DumpType
	NumberOfPages      uint64
	Runs               []PhysicalRun
}

// ParseCrashDump parses a 64-bit Windows crash dump header.
func ParseCrashDump(r io.ReaderAt) (*CrashDumpHeader, error) {
	buf := make([]byte, dumpHeaderSize)
	if n, _ := r.ReadAt(buf, 0); n < dumpHeaderSize {
		return nil, errNotCrashDump
	}

	var h dumpHeader64
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &h); err != nil {
		return nil, errors.Wrap(err, "failed to read crash dump header")
	}
	if string(h.Signature[:]) != dumpSignature || string(h.ValidDump[:]) != dumpValid64 {
		return nil, errNotCrashDump
	}

	hdr := &CrashDumpHeader{
		MajorVersion:       h.MajorVersion,
		MinorVersion:       h.MinorVersion,
		DirectoryTableBase: h.DirectoryTableBase,
		MachineImageType:   h.MachineImageType,
		NumberProcessors:   h.NumberProcessors,
		BugCheckCode:       h.BugCheckCode,
		Type:               DumpType(binary.LittleEndian.Uint32(buf[dumpTypeOffset:])),
		NumberOfPages:      h.NumberOfPages,
	}
	if hdr.Type != DumpTypeFull {
		return nil, errors.Wrapf(ErrUnsupportedDump, "%s dump", hdr.Type)
	}
	if h.NumberOfRuns > dumpMaxRuns {
		return nil, errors.Errorf("crash dump claims %d physical memory runs (max %d)", h.NumberOfRuns, dumpMaxRuns)
	}

	hdr.Runs = make([]PhysicalRun, h.NumberOfRuns)
	if err := binary.Read(bytes.NewReader(buf[dumpRunsOffset:]), binary.LittleEndian, hdr.Runs); err != nil {
		return nil, errors.Wrap(err, "failed to read physical memory runs")
	}

	return hdr, nil
}

// DataOffset is the file offset of the first physical page.
func (h *CrashDumpHeader) DataOffset() int64 {
	return dumpHeaderSize
}

// DataSize is the number of bytes of physical memory stored after the header.
func (h *CrashDumpHeader) DataSize() int64 {
	var pages uint64
	for _, r := range h.Runs {
		pages += r.PageCount
	}
	return int64(pages) * paging.PageSize
}

// KnownCR3 is the kernel page table root recorded by the OS when the dump was written.
func (h *CrashDumpHeader) KnownCR3() uint64 {
	return h.DirectoryTableBase & paging.AddrMask
}
