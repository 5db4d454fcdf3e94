package paging

// EPT memory types allowed in the EPTP
const (
	EPTMemTypeUC = 0
	EPTMemTypeWB = 6
)

const (
	eptpMemTypeMask   = 0x7
	eptpWalkShift     = 3
	eptpWalkMask      = 0x7
	eptpADBit         = 1 << 6
	eptpFourLevelWalk = 3
	eptpPFNMask       = 0x000FFFFFFFFFF000

	// bits 11:7 and 63:52
	eptpReserved = 0xFFF0000000000F80
)

// EPTP is an extended page table pointer as stored in a VMCS.
type EPTP uint64

// MemType is the paging-structure memory type (bits 2:0).
func (e EPTP) MemType() uint64 {
	return uint64(e) & eptpMemTypeMask
}

// WalkLength is the EPT page-walk length (bits 5:3 plus one).
func (e EPTP) WalkLength() int {
	return int((uint64(e)>>eptpWalkShift)&eptpWalkMask) + 1
}

// AccessedDirty reports whether EPT accessed/dirty flags are enabled (bit 6).
func (e EPTP) AccessedDirty() bool {
	return uint64(e)&eptpADBit != 0
}

// Addr is the physical address of the EPT PML4 table.
func (e EPTP) Addr() uint64 {
	return uint64(e) & eptpPFNMask
}

// Valid reports whether the value satisfies every EPTP encoding constraint:
// UC or WB memory type, a 4-level walk, clear reserved bits and a non-zero table address.
func (e EPTP) Valid() bool {
	switch e.MemType() {
	case EPTMemTypeUC, EPTMemTypeWB:
	default:
		return false
	}
	if (uint64(e)>>eptpWalkShift)&eptpWalkMask != eptpFourLevelWalk {
		return false
	}
	if uint64(e)&eptpReserved != 0 {
		return false
	}
	return e.Addr() != 0
}
