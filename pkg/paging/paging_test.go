package paging

import (
	"reflect"
	"testing"
)

func TestEntry(t *testing.T) {
	tests := []struct {
		name     string
		e        Entry
		wantAddr uint64
		root     bool
	}{
		{
			name:     "windows self map",
			e:        0x123456789063,
			wantAddr: 0x123456789000,
			root:     true,
		},
		{
			name:     "dirty",
			e:        0x1000067,
			wantAddr: 0x1000000,
			root:     true,
		},
		{
			name:     "large page",
			e:        0x10000E3,
			wantAddr: 0x1000000,
			root:     false,
		},
		{
			name:     "nx",
			e:        0x8000000001000063,
			wantAddr: 0x1000000,
			root:     true,
		},
		{
			name:     "high bits",
			e:        0x0001000001000063,
			wantAddr: 0x1000000,
			root:     false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.e.Addr(); got != tt.wantAddr {
				t.Errorf("Entry.Addr() = %#x, want %#x", got, tt.wantAddr)
			}
			root := tt.e.LowByteIn(0x63, 0x67) && !tt.e.HasReserved(ReservedMask)
			if root != tt.root {
				t.Errorf("root entry = %v, want %v", root, tt.root)
			}
		})
	}
}

func TestEntryNXReserved(t *testing.T) {
	e := Entry(0x8000000001000063)
	if e.HasReserved(ReservedMask) {
		t.Errorf("ReservedMask must allow NX")
	}
	if !e.HasReserved(ReservedMaskNX) {
		t.Errorf("ReservedMaskNX must reject NX")
	}
}

func TestBlockRoundTrip(t *testing.T) {
	var b Block
	b[0] = 0x847
	b[0x1ED] = 0x123456789063
	b[511] = ^uint64(0)

	page := make([]byte, PageSize)
	b.Encode(page)
	if page[0] != 0x47 || page[1] != 0x08 {
		t.Fatalf("Encode() is not little endian: % x", page[:8])
	}

	var got Block
	got.Decode(page)
	if got != b {
		t.Errorf("Decode(Encode()) mismatch")
	}
}

func TestBlockHelpers(t *testing.T) {
	var b Block
	b[3] = 7
	b[10] = 7
	b[20] = 9

	if b.IsZero(0, 3) != true || b.IsZero(0, 4) != false {
		t.Errorf("IsZero() boundaries are wrong")
	}
	if got := b.Count(7); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
	if got := b.Index(7, 4); got != 10 {
		t.Errorf("Index() = %d, want 10", got)
	}
	if got := b.Index(8, 0); got != -1 {
		t.Errorf("Index() = %d, want -1", got)
	}
	want := map[int]uint64{3: 7, 10: 7, 20: 9}
	if got := b.Sparse(); !reflect.DeepEqual(got, want) {
		t.Errorf("Sparse() = %v, want %v", got, want)
	}

	o := b
	o[100] = 1
	if !b.Equal(&o, 0, 100) || b.Equal(&o, 0, 101) {
		t.Errorf("Equal() boundaries are wrong")
	}
}

func TestEPTP(t *testing.T) {
	tests := []struct {
		name string
		e    EPTP
		want bool
	}{
		{"wb 4-level", 0x1234501E, true},
		{"wb 4-level ad", 0x1234505E, true},
		{"uc 4-level", 0x12345018, true},
		{"wt memtype", 0x1234501C, false},
		{"5-level", 0x12345026, false},
		{"reserved low", 0x1234509E, false},
		{"reserved high", 0x001000001234501E, false},
		{"zero address", 0x1E, false},
		{"all ones", EPTP(^uint64(0)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.e.Valid(); got != tt.want {
				t.Errorf("EPTP(%#x).Valid() = %v, want %v", uint64(tt.e), got, tt.want)
			}
		})
	}

	e := EPTP(0x1234505E)
	if e.MemType() != EPTMemTypeWB || e.WalkLength() != 4 || !e.AccessedDirty() || e.Addr() != 0x12345000 {
		t.Errorf("EPTP(%#x) decoded as memtype %d walk %d ad %v addr %#x", uint64(e), e.MemType(), e.WalkLength(), e.AccessedDirty(), e.Addr())
	}
}
