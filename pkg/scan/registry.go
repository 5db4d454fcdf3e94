package scan

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
)

// Registry is the insert-once set of detected page tables keyed by file offset.
type Registry struct {
	m sync.Map
	n atomic.Int64
}

// Insert stores dp unless a record already exists at its file offset.
// It reports whether dp was stored.
func (r *Registry) Insert(dp *DetectedProc) bool {
	if _, loaded := r.m.LoadOrStore(dp.FileOffset, dp); loaded {
		return false
	}
	r.n.Add(1)
	return true
}

// Has reports whether a record exists at offset.
func (r *Registry) Has(offset int64) bool {
	_, ok := r.m.Load(offset)
	return ok
}

// Get returns the record at offset.
func (r *Registry) Get(offset int64) (*DetectedProc, bool) {
	v, ok := r.m.Load(offset)
	if !ok {
		return nil, false
	}
	return v.(*DetectedProc), true
}

// Len is the number of records.
func (r *Registry) Len() int {
	return int(r.n.Load())
}

// Reset drops every record.
func (r *Registry) Reset() {
	r.m.Clear()
	r.n.Store(0)
}

// Snapshot returns every record ordered by file offset.
func (r *Registry) Snapshot() []*DetectedProc {
	out := make([]*DetectedProc, 0, r.Len())
	r.m.Range(func(_, v any) bool {
		out = append(out, v.(*DetectedProc))
		return true
	})
	slices.SortFunc(out, func(a, b *DetectedProc) int {
		return cmp.Compare(a.FileOffset, b.FileOffset)
	})
	return out
}

// HVLayer is the append-only list of VMCS records found by the VMCS pass.
type HVLayer struct {
	mu   sync.RWMutex
	list []*VMCS
	next uint64
}

// Add appends v, assigning the next record ID when v has none.
func (h *HVLayer) Add(v *VMCS) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v.ID == 0 {
		h.next++
		v.ID = h.next
	} else if v.ID > h.next {
		h.next = v.ID
	}
	h.list = append(h.list, v)
}

// Reset drops every record and restarts ID assignment.
func (h *HVLayer) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.list = nil
	h.next = 0
}

// Len is the number of records.
func (h *HVLayer) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.list)
}

// Snapshot returns the records in insertion order.
func (h *HVLayer) Snapshot() []*VMCS {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.list)
}

// Unique returns the first record seen for every distinct EPTP.
func (h *HVLayer) Unique() []*VMCS {
	seen := make(map[uint64]bool)
	var out []*VMCS
	for _, v := range h.Snapshot() {
		if seen[v.EPTP] {
			continue
		}
		seen[v.EPTP] = true
		out = append(out, v)
	}
	return out
}

// Get returns the record with the given ID.
func (h *HVLayer) Get(id uint64) (*VMCS, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, v := range h.list {
		if v.ID == id {
			return v, true
		}
	}
	return nil, false
}
