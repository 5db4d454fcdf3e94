package scan

import (
	"fmt"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

var (
	// ErrNoScanSet is returned by the VMCS pass when no page table was detected before it.
	ErrNoScanSet = errors.New("no detected page tables to search VMCS pages for")

	ErrEPTPNotFound = errors.New("EPTP not found")
	ErrRunMismatch  = errors.New("physical run mismatch")
	ErrPageNotFound = errors.New("page not found")
)

// WalkError is a page table walker failure for one process.
type WalkError struct {
	Kind    error
	Address uint64
}

func (e *WalkError) Error() string {
	return fmt.Sprintf("%v at %#x", e.Kind, e.Address)
}

// Is lets errors.Is match the walker error kind.
func (e *WalkError) Is(target error) bool {
	return target == e.Kind
}

// Walker translates the address space of a detected process. Walk returns the
// number of pages it recovered.
type Walker interface {
	Walk(dp *DetectedProc, eptp uint64) (int, error)
}

// Extraction is the outcome of walking one process.
type Extraction struct {
	Proc  *DetectedProc
	Pages int
}

// ExtractAddressSpaces walks every grouped process (optionally filtered by
// type). Walker failures are logged and the process skipped.
func (s *Scanner) ExtractAddressSpaces(w Walker, filter PTType) []Extraction {
	var out []Extraction
	for _, g := range s.Groups() {
		var eptp uint64
		if v, ok := s.hv.Get(g.VMCSID); ok {
			eptp = v.EPTP
		}
		for _, dp := range g.Members {
			if filter != 0 && !filter.Has(dp.Type) {
				continue
			}
			n, err := w.Walk(dp, eptp)
			if err != nil {
				log.WithError(err).WithFields(log.Fields{
					"cr3":    fmt.Sprintf("%#x", dp.CR3),
					"offset": fmt.Sprintf("%#x", dp.FileOffset),
					"group":  g.ID,
				}).Warn("Skipping address space")
				continue
			}
			out = append(out, Extraction{Proc: dp, Pages: n})
		}
	}
	return out
}
