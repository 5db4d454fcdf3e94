package scan

import (
	"testing"

	"github.com/vtfind/vtfind/pkg/paging"
)

func vmcsPage(rev RevisionID, abort AbortCode, links int, words map[int]uint64) *paging.Block {
	var b paging.Block
	b[0] = uint64(rev) | uint64(abort)<<32
	for i := 0; i < links; i++ {
		b[400+i] = linkPointer
	}
	for i, v := range words {
		b[i] = v
	}
	return &b
}

func TestVMCSTask(t *testing.T) {
	const (
		cr3A  = 0x1AD000
		cr3B  = 0x2BE000
		eptp1 = 0x1234501E
		eptp2 = 0x5678005E
	)
	set := []*DetectedProc{
		{FileOffset: 0x1000, CR3: cr3A},
		{FileOffset: 0x2000, CR3: cr3B},
	}

	tests := []struct {
		name  string
		blk   *paging.Block
		want  []VMCS
		limit uint64
	}{
		{
			name: "single candidate",
			blk:  vmcsPage(RevisionIntel12, AbortNone, 2, map[int]uint64{30: cr3A, 90: eptp1}),
			want: []VMCS{{RevisionID: RevisionIntel12, EPTP: eptp1, GuestCR3: cr3A, Owner: 0x1000}},
		},
		{
			name: "both guests",
			blk:  vmcsPage(RevisionIntel0E, AbortNone, 1, map[int]uint64{30: cr3A, 31: cr3B, 90: eptp1}),
			want: []VMCS{
				{RevisionID: RevisionIntel0E, EPTP: eptp1, GuestCR3: cr3A, Owner: 0x1000},
				{RevisionID: RevisionIntel0E, EPTP: eptp1, GuestCR3: cr3B, Owner: 0x2000},
			},
		},
		{
			name: "ambiguous candidates",
			blk:  vmcsPage(RevisionIntel12, AbortNone, 2, map[int]uint64{30: cr3A, 90: eptp1, 91: eptp2}),
		},
		{
			name: "nested prefers index 14",
			blk:  vmcsPage(RevisionVMwareNested, AbortNone, 2, map[int]uint64{14: eptp2, 30: cr3A, 90: eptp1}),
			want: []VMCS{{RevisionID: RevisionVMwareNested, EPTP: eptp2, GuestCR3: cr3A, Owner: 0x1000}},
		},
		{
			name:  "candidate beyond file",
			blk:   vmcsPage(RevisionIntel12, AbortNone, 2, map[int]uint64{30: cr3A, 90: eptp1}),
			limit: 0x10000000,
		},
		{
			name: "guest cr3 only in header",
			blk:  vmcsPage(RevisionID(cr3A&0xffffffff), AbortNone, 2, map[int]uint64{90: eptp1}),
		},
		{
			name: "no link pointer",
			blk:  vmcsPage(RevisionIntel12, AbortNone, 0, map[int]uint64{30: cr3A, 90: eptp1}),
		},
		{
			name: "33 link pointers",
			blk:  vmcsPage(RevisionIntel12, AbortNone, 33, map[int]uint64{30: cr3A, 90: eptp1}),
		},
		{
			name: "32 link pointers",
			blk:  vmcsPage(RevisionIntel12, AbortNone, 32, map[int]uint64{30: cr3A, 90: eptp1}),
			want: []VMCS{{RevisionID: RevisionIntel12, EPTP: eptp1, GuestCR3: cr3A, Owner: 0x1000}},
		},
		{
			name: "unknown abort",
			blk:  vmcsPage(RevisionIntel12, AbortCode(0x99), 2, map[int]uint64{30: cr3A, 90: eptp1}),
		},
		{
			name: "unknown revision",
			blk:  vmcsPage(RevisionID(0x7777), AbortVMCSCorrupt, 2, map[int]uint64{30: cr3A, 90: eptp1}),
			want: []VMCS{{RevisionID: 0x7777, AbortCode: AbortVMCSCorrupt, EPTP: eptp1, GuestCR3: cr3A, Owner: 0x1000}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limit := tt.limit
			if limit == 0 {
				limit = 1 << 40
			}
			hv := &HVLayer{}
			task := &vmcsTask{set: set, limit: limit, workers: 4, hv: hv}
			task.run(0x5000, tt.blk)
			task.commit(0x5000)

			got := hv.Snapshot()
			if len(got) != len(tt.want) {
				t.Fatalf("vmcsTask found %d records, want %d", len(got), len(tt.want))
			}
			for i, v := range got {
				want := tt.want[i]
				want.ID = uint64(i + 1)
				want.Offset = 0x5000
				if *v != want {
					t.Errorf("vmcsTask record %d = %+v, want %+v", i, *v, want)
				}
			}
		})
	}
}

func TestBuildScanSet(t *testing.T) {
	procs := []*DetectedProc{
		{FileOffset: 0x1000, CR3: 0x5000},
		{FileOffset: 0x2000, CR3: 0},
		{FileOffset: 0x3000, CR3: 0x5000},
		{FileOffset: 0x4000, CR3: 0x6000},
	}
	set := buildScanSet(procs)
	if len(set) != 2 || set[0].FileOffset != 0x1000 || set[1].FileOffset != 0x4000 {
		t.Errorf("buildScanSet() = %v", set)
	}
}

func TestHVLayerUnique(t *testing.T) {
	var hv HVLayer
	hv.Add(&VMCS{EPTP: 0x101E, Offset: 0x1000})
	hv.Add(&VMCS{EPTP: 0x201E, Offset: 0x2000})
	hv.Add(&VMCS{EPTP: 0x101E, Offset: 0x3000})

	u := hv.Unique()
	if len(u) != 2 || u[0].ID != 1 || u[1].ID != 2 {
		t.Errorf("Unique() = %v", u)
	}
	if v, ok := hv.Get(3); !ok || v.Offset != 0x3000 {
		t.Errorf("Get(3) = %v, %v", v, ok)
	}

	hv.Add(&VMCS{ID: 10, EPTP: 0x301E})
	hv.Add(&VMCS{EPTP: 0x401E})
	if v, ok := hv.Get(11); !ok || v.EPTP != 0x401E {
		t.Errorf("Add() after a restored ID assigned %v", v)
	}
}
