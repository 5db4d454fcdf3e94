package scan

import (
	"slices"
	"sync"

	"github.com/apex/log"
	"github.com/vtfind/vtfind/pkg/paging"
	"golang.org/x/sync/errgroup"
)

const (
	// linkPointer is the value of an unused VMCS link pointer field
	linkPointer = ^uint64(0)
	// maxLinkPointers rejects pages too noisy to be a VMCS
	maxLinkPointers = 32
	// nestedEPTPIndex is where the VMware nested layout keeps the EPTP
	nestedEPTPIndex = 14
)

// vmcsHeader decodes the revision identifier and abort indicator of the first VMCS word.
func vmcsHeader(blk *paging.Block) (RevisionID, AbortCode) {
	return RevisionID(blk[0] & 0xffffffff), AbortCode((blk[0] >> 32) & 0x7fffffff)
}

// vmcsShape reports whether the page header and link pointer count are
// plausible for a VMCS.
func vmcsShape(blk *paging.Block) bool {
	if _, abort := vmcsHeader(blk); !abort.Known() {
		return false
	}
	links := 0
	for _, v := range blk {
		if v == linkPointer {
			if links++; links > maxLinkPointers {
				return false
			}
		}
	}
	return links > 0
}

// eptpCandidates returns, in page order and without duplicates, every
// value of the page that is a valid EPTP below limit.
func eptpCandidates(blk *paging.Block, limit uint64) []uint64 {
	var out []uint64
	for _, v := range blk {
		if v == 0 || v >= limit || !paging.EPTP(v).Valid() {
			continue
		}
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// resolveEPTP picks the EPTP for a matched VMCS: the VMware nested layout
// slot when it holds a candidate, otherwise the only candidate.
func resolveEPTP(rev RevisionID, blk *paging.Block, cands []uint64) (uint64, bool) {
	if rev == RevisionVMwareNested && slices.Contains(cands, blk[nestedEPTPIndex]) {
		return blk[nestedEPTPIndex], true
	}
	if len(cands) == 1 {
		return cands[0], true
	}
	return 0, false
}

// vmcsTask is the second pass heuristic: it looks for hypervisor control
// blocks holding one of the CR3 values of the scan set.
type vmcsTask struct {
	set     []*DetectedProc
	limit   uint64
	workers int
	verbose bool
	hv      *HVLayer
	pending []*VMCS
}

func (t *vmcsTask) run(offset int64, blk *paging.Block) {
	t.pending = t.pending[:0]
	if !vmcsShape(blk) {
		return
	}
	rev, abort := vmcsHeader(blk)

	var (
		once  sync.Once
		cands []uint64
	)
	found := make([]*VMCS, len(t.set))

	var g errgroup.Group
	g.SetLimit(t.workers)
	for i, dp := range t.set {
		g.Go(func() error {
			if blk.Index(dp.CR3, 1) < 0 {
				return nil
			}
			once.Do(func() { cands = eptpCandidates(blk, t.limit) })
			eptp, ok := resolveEPTP(rev, blk, cands)
			if !ok {
				return nil
			}
			found[i] = &VMCS{
				Offset:     offset,
				RevisionID: rev,
				AbortCode:  abort,
				EPTP:       eptp,
				GuestCR3:   dp.CR3,
				Owner:      dp.FileOffset,
			}
			return nil
		})
	}
	g.Wait()

	for _, v := range found {
		if v != nil {
			t.pending = append(t.pending, v)
		}
	}
}

func (t *vmcsTask) commit(int64) {
	for _, v := range t.pending {
		t.hv.Add(v)
		if t.verbose {
			log.WithFields(log.Fields{
				"offset":    v.Offset,
				"eptp":      v.EPTP,
				"guest_cr3": v.GuestCR3,
				"revision":  v.RevisionID,
			}).Info("Hypervisor VMCS")
		}
	}
	t.pending = t.pending[:0]
}

// buildScanSet keeps the first detected page table (lowest file offset) for
// every distinct non-zero CR3.
func buildScanSet(procs []*DetectedProc) []*DetectedProc {
	seen := make(map[uint64]bool)
	var set []*DetectedProc
	for _, dp := range procs {
		if dp.CR3 == 0 || seen[dp.CR3] {
			continue
		}
		seen[dp.CR3] = true
		set = append(set, dp)
	}
	return set
}
