package scan

import (
	"cmp"
	"slices"
)

// Recursive mapping slots that differ per process and carry no kernel signal.
var magicIndices = map[int]bool{0x100: true, 0x1ED: true, 0x1FE: true}

// groupThreshold is the share of the reference kernel set a process must hold to join its group.
const groupThreshold = 0.50

// Group is one address space: page tables believed to share a kernel image.
type Group struct {
	ID      int             `json:"id" yaml:"id"`
	Members []*DetectedProc `json:"members" yaml:"members"`
	// VMCSID is the VMCS linked to the group (0 for none)
	VMCSID uint64 `json:"vmcs_id,omitempty" yaml:"vmcs_id,omitempty"`
}

// Has reports whether the process at offset is a member of g.
func (g *Group) Has(offset int64) bool {
	return slices.ContainsFunc(g.Members, func(dp *DetectedProc) bool {
		return dp.FileOffset == offset
	})
}

func sortByCR3(procs []*DetectedProc) {
	slices.SortStableFunc(procs, func(a, b *DetectedProc) int {
		if c := cmp.Compare(a.CR3, b.CR3); c != 0 {
			return c
		}
		return cmp.Compare(a.FileOffset, b.FileOffset)
	})
}

func kernelSet(dp *DetectedProc) map[uint64]struct{} {
	set := make(map[uint64]struct{})
	for k, v := range dp.TopPageTablePage {
		if k > 0xFF && !magicIndices[k] {
			set[v] = struct{}{}
		}
	}
	return set
}

// overlap is |cand ∩ ref| / |ref|.
func overlap(ref, cand map[uint64]struct{}) float64 {
	if len(ref) == 0 {
		return 0
	}
	n := 0
	for v := range cand {
		if _, ok := ref[v]; ok {
			n++
		}
	}
	return float64(n) / float64(len(ref))
}

// Correlate clusters procs into address spaces and links every VMCS
// in vmcss to the group of its owner. Members get AddressSpaceID and VMCSID
// set in place; groups are returned with dense IDs starting at 1.
func Correlate(procs []*DetectedProc, vmcss []*VMCS) []*Group {
	procs = slices.Clone(procs)
	sortByCR3(procs)

	sets := make([]map[uint64]struct{}, len(procs))
	for i, dp := range procs {
		dp.AddressSpaceID = 0
		dp.VMCSID = 0
		sets[i] = kernelSet(dp)
	}

	var groups []*Group
	for seed, dp := range procs {
		if dp.AddressSpaceID != 0 {
			continue
		}
		g := &Group{ID: len(groups) + 1}
		ref := sets[seed]
		for i := seed; i < len(procs); i++ {
			if procs[i].AddressSpaceID != 0 {
				continue
			}
			if i == seed || overlap(ref, sets[i]) > groupThreshold {
				procs[i].AddressSpaceID = g.ID
				g.Members = append(g.Members, procs[i])
			}
		}
		groups = append(groups, g)
	}

	for _, v := range vmcss {
		for _, g := range groups {
			if !g.Has(v.Owner) {
				continue
			}
			g.VMCSID = v.ID
			for _, dp := range g.Members {
				dp.VMCSID = v.ID
			}
			break
		}
	}
	return groups
}
