// Package scan finds root page tables and VMCS pages in physical memory
// images and correlates them into address spaces.
package scan

import (
	"context"
	"fmt"
	"slices"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/vtfind/vtfind/pkg/image"
	"github.com/vtfind/vtfind/pkg/paging"
)

// Phase is the last completed stage of a scan
type Phase int

const (
	PhaseNone Phase = iota
	PhaseDetect
	PhaseVMCS
	PhaseGroup
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseDetect:
		return "detect"
	case PhaseVMCS:
		return "vmcs"
	case PhaseGroup:
		return "group"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Scanner owns the detection state of one image. Its methods must not be
// called concurrently.
type Scanner struct {
	conf   *Config
	img    *image.Image
	engine *Engine

	procs Registry
	hv    HVLayer
	linux *linuxDetector

	scanSet []*DetectedProc
	groups  []*Group
	phase   Phase
}

// NewScanner returns a scanner over img.
func NewScanner(img *image.Image, conf *Config) (*Scanner, error) {
	if conf == nil {
		conf = DefaultConfig()
	}
	engine, err := NewEngine(img, conf)
	if err != nil {
		return nil, err
	}
	linux, err := newLinuxDetector(conf.LinuxCacheSize)
	if err != nil {
		return nil, err
	}
	return &Scanner{
		conf:   conf,
		img:    img,
		engine: engine,
		linux:  linux,
	}, nil
}

// Image returns the scanned image.
func (s *Scanner) Image() *image.Image { return s.img }

// Phase returns the last completed phase.
func (s *Scanner) Phase() Phase { return s.phase }

// procTask runs one page table detector and inserts its match at commit.
type procTask struct {
	d        Detector
	reg      *Registry
	stateful bool
	verbose  bool
	pending  *DetectedProc
}

func (t *procTask) run(offset int64, blk *paging.Block) {
	t.pending = nil
	// stateless detectors would only produce a duplicate
	if !t.stateful && t.reg.Has(offset) {
		return
	}
	t.pending = Evaluate(t.d, offset, blk)
}

func (t *procTask) commit(int64) {
	dp := t.pending
	t.pending = nil
	if dp == nil || !t.reg.Insert(dp) || !t.verbose {
		return
	}
	log.WithFields(log.Fields{
		"type":   dp.Type,
		"offset": fmt.Sprintf("%#x", dp.FileOffset),
		"cr3":    fmt.Sprintf("%#x", dp.CR3),
		"diff":   fmt.Sprintf("%#x", dp.Diff),
	}).Info("Detected page table")
}

func (s *Scanner) detectors(types PTType) ([]Detector, error) {
	ds, err := NewDetectors(types&^(PTLinuxS|PTVMCS), uint64(s.img.FileSize), s.conf)
	if err != nil {
		return nil, err
	}
	if types.Has(PTLinuxS) {
		ds = append(ds, s.linux)
	}
	return ds, nil
}

// Analyze scans the image for the page tables selected by types and returns
// the number of detected page tables. When exitAfter is positive the scan
// ends after the page at which that many have been detected. When types
// includes PTVMCS the VMCS pass follows a complete detection pass.
// Scanning again is idempotent: records already present are kept.
func (s *Scanner) Analyze(ctx context.Context, types PTType, exitAfter int) (int, error) {
	ds, err := s.detectors(types)
	if err != nil {
		return 0, err
	}
	if len(ds) > 0 {
		tasks := make([]pageTask, 0, len(ds))
		for _, d := range ds {
			tasks = append(tasks, &procTask{
				d:        d,
				reg:      &s.procs,
				stateful: d.Type() == PTLinuxS,
				verbose:  s.conf.Verbose,
			})
		}

		var stop func() bool
		if exitAfter > 0 {
			stop = func() bool { return s.procs.Len() >= exitAfter }
		}

		log.WithFields(log.Fields{
			"types":  types &^ PTVMCS,
			"region": fmt.Sprintf("%#x-%#x", s.img.Base, s.img.End()),
		}).Debug("Scanning for page tables")

		stopped, err := s.engine.Run(ctx, tasks, stop)
		if err != nil {
			return s.procs.Len(), errors.Wrap(err, "page table scan failed")
		}
		s.scanSet = buildScanSet(s.procs.Snapshot())
		if stopped {
			log.WithField("count", s.procs.Len()).Debug("Page table scan stopped early")
			return s.procs.Len(), nil
		}
		s.phase = max(s.phase, PhaseDetect)
	}

	if types.Has(PTVMCS) {
		if _, err := s.VMCSScan(ctx); err != nil {
			return s.procs.Len(), err
		}
	}
	return s.procs.Len(), nil
}

// ScanSet returns the first detected page table of every distinct CR3.
func (s *Scanner) ScanSet() []*DetectedProc {
	return slices.Clone(s.scanSet)
}

// VMCSScan rescans the image for VMCS pages holding a CR3 of the scan set and
// returns the number of VMCS records found. Earlier VMCS results are replaced.
func (s *Scanner) VMCSScan(ctx context.Context) (int, error) {
	if len(s.scanSet) == 0 {
		s.scanSet = buildScanSet(s.procs.Snapshot())
	}
	if len(s.scanSet) == 0 {
		return 0, ErrNoScanSet
	}

	log.WithField("cr3s", len(s.scanSet)).Debug("Scanning for VMCS pages")

	s.hv.Reset()
	task := &vmcsTask{
		set:     s.scanSet,
		limit:   uint64(s.img.FileSize),
		workers: s.conf.Workers,
		verbose: s.conf.Verbose,
		hv:      &s.hv,
	}
	if _, err := s.engine.Run(ctx, []pageTask{task}, nil); err != nil {
		return s.hv.Len(), errors.Wrap(err, "VMCS scan failed")
	}
	s.phase = max(s.phase, PhaseVMCS)
	return s.hv.Len(), nil
}

// GroupAddressSpaces clusters the detected page tables whose type is in
// filter (every type when filter is 0) and links the de-duplicated VMCS
// records to their groups.
func (s *Scanner) GroupAddressSpaces(filter PTType) []*Group {
	var eligible []*DetectedProc
	for _, dp := range s.procs.Snapshot() {
		dp.AddressSpaceID = 0
		dp.VMCSID = 0
		if filter == 0 || filter.Has(dp.Type) {
			eligible = append(eligible, dp)
		}
	}
	s.groups = Correlate(eligible, s.hv.Unique())
	s.phase = PhaseGroup
	return s.groups
}

// Processes returns the detected page tables ordered by file offset.
func (s *Scanner) Processes() []*DetectedProc { return s.procs.Snapshot() }

// Process returns the page table detected at a file offset.
func (s *Scanner) Process(offset int64) (*DetectedProc, bool) { return s.procs.Get(offset) }

// VMCSs returns the VMCS records in file order.
func (s *Scanner) VMCSs() []*VMCS { return s.hv.Snapshot() }

// UniqueVMCSs returns the first VMCS record of every distinct EPTP.
func (s *Scanner) UniqueVMCSs() []*VMCS { return s.hv.Unique() }

// VMCS returns the VMCS record with the given ID.
func (s *Scanner) VMCS(id uint64) (*VMCS, bool) { return s.hv.Get(id) }

// Groups returns the address spaces of the last grouping.
func (s *Scanner) Groups() []*Group { return slices.Clone(s.groups) }

// Restore replaces the scanner state with records saved after phase. Group
// membership is rebuilt from the records' AddressSpaceID when phase is
// PhaseGroup.
func (s *Scanner) Restore(phase Phase, procs []*DetectedProc, vmcss []*VMCS) {
	s.procs.Reset()
	s.hv.Reset()
	s.groups = nil

	var blk paging.Block
	for _, dp := range procs {
		s.procs.Insert(dp)
		if dp.Type == PTLinuxS && dp.Group >= 0 {
			clear(blk[:])
			for i, v := range dp.TopPageTablePage {
				if i >= 0 && i < paging.EntriesPerTable {
					blk[i] = v
				}
			}
			s.linux.remember(&blk, dp.Group)
		}
	}
	for _, v := range vmcss {
		s.hv.Add(v)
	}
	s.scanSet = buildScanSet(s.procs.Snapshot())

	if phase >= PhaseGroup {
		byID := make(map[int]*Group)
		for _, dp := range s.procs.Snapshot() {
			if dp.AddressSpaceID == 0 {
				continue
			}
			g, ok := byID[dp.AddressSpaceID]
			if !ok {
				g = &Group{ID: dp.AddressSpaceID, VMCSID: dp.VMCSID}
				byID[dp.AddressSpaceID] = g
				s.groups = append(s.groups, g)
			}
			g.Members = append(g.Members, dp)
		}
		slices.SortFunc(s.groups, func(a, b *Group) int { return a.ID - b.ID })
		for _, g := range s.groups {
			sortByCR3(g.Members)
		}
	}
	s.phase = phase
}
