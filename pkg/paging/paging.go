// Package paging contains the x86-64 paging primitives used to classify raw
// physical pages as page tables or hypervisor control structures.
package paging

import "encoding/binary"

const (
	// PageSize is the size of a physical page in bytes
	PageSize = 0x1000
	// EntriesPerTable is the number of 64-bit entries in one paging structure
	EntriesPerTable = PageSize / 8
)

const (
	// AddrMask extracts the 4KB aligned physical address of a paging entry
	AddrMask uint64 = 0xFFFFFFFFF000
	// HighMask covers the bits above the physical address up to (not including) the NX bit
	HighMask uint64 = 0x7FFF000000000000
	// ReservedMask covers the high bits plus PS (bit 7) and bit 10; neither may be set on a PML4 entry
	ReservedMask uint64 = 0x7FFF000000000480
	// ReservedMaskNX is ReservedMask including the NX bit
	ReservedMaskNX uint64 = 0xFFFF000000000480
)

// Entry flag bits
const (
	FlagPresent Entry = 1 << iota
	FlagRW
	FlagUser
	FlagPWT
	FlagPCD
	FlagAccessed
	FlagDirty
	FlagPS
	FlagGlobal
)

// Entry is a single 64-bit paging structure entry
type Entry uint64

// Addr returns the 4KB aligned physical address the entry points to.
func (e Entry) Addr() uint64 {
	return uint64(e) & AddrMask
}

// Flags returns the entry bits selected by mask.
func (e Entry) Flags(mask uint64) uint64 {
	return uint64(e) & mask
}

// Is reports whether the bits selected by mask equal want.
func (e Entry) Is(mask, want uint64) bool {
	return uint64(e)&mask == want
}

// LowByteIn reports whether the low 8 bits of the entry are one of vals.
func (e Entry) LowByteIn(vals ...uint64) bool {
	lo := uint64(e) & 0xff
	for _, v := range vals {
		if lo == v {
			return true
		}
	}
	return false
}

// HasReserved reports whether any bit of mask is set in the entry.
func (e Entry) HasReserved(mask uint64) bool {
	return uint64(e)&mask != 0
}

// Block is one candidate page interpreted as 512 little-endian 64-bit entries.
type Block [EntriesPerTable]uint64

// Entry returns the i'th entry of the block.
func (b *Block) Entry(i int) Entry {
	return Entry(b[i])
}

// Decode fills the block from a raw 4096 byte page.
func (b *Block) Decode(page []byte) {
	_ = page[PageSize-1]
	for i := range b {
		b[i] = binary.LittleEndian.Uint64(page[i*8:])
	}
}

// Encode writes the block into a raw 4096 byte page.
func (b *Block) Encode(page []byte) {
	_ = page[PageSize-1]
	for i, v := range b {
		binary.LittleEndian.PutUint64(page[i*8:], v)
	}
}

// IsZero reports whether every entry in [start, end) is zero.
func (b *Block) IsZero(start, end int) bool {
	for _, v := range b[start:end] {
		if v != 0 {
			return false
		}
	}
	return true
}

// Equal reports whether entries [start, end) of both blocks are identical.
func (b *Block) Equal(o *Block, start, end int) bool {
	for i := start; i < end; i++ {
		if b[i] != o[i] {
			return false
		}
	}
	return true
}

// Count returns the number of entries equal to v.
func (b *Block) Count(v uint64) int {
	n := 0
	for _, e := range b {
		if e == v {
			n++
		}
	}
	return n
}

// Index returns the first index >= from holding v, or -1.
func (b *Block) Index(v uint64, from int) int {
	for i := from; i < len(b); i++ {
		if b[i] == v {
			return i
		}
	}
	return -1
}

// Sparse returns every non-zero entry keyed by its table index.
func (b *Block) Sparse() map[int]uint64 {
	m := make(map[int]uint64)
	for i, v := range b {
		if v != 0 {
			m[i] = v
		}
	}
	return m
}
