// Package scan contains the scan command pipeline.
package scan

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/vtfind/vtfind/internal/db"
	"github.com/vtfind/vtfind/internal/model"
	"github.com/vtfind/vtfind/pkg/image"
	pscan "github.com/vtfind/vtfind/pkg/scan"
)

// bytes hashed at each end of the image to recognize it again
const imageKeySpan = 1 << 20

// Config is the scan command configuration.
type Config struct {
	// path to the memory image
	Image string `json:"image,omitempty"`
	// page table types to detect (VMCS adds the VMCS pass)
	Types pscan.PTType `json:"types,omitempty"`
	// stop the detection pass once this many page tables were found
	ExitAfter int `json:"exit_after,omitempty"`
	// override the physical memory region found in the container
	Base int64 `json:"base,omitempty"`
	Size int64 `json:"size,omitempty"`
	// ignore any checkpoint and scan again
	Force bool `json:"force,omitempty"`
	// scan engine configuration
	Scan *pscan.Config `json:"-"`
	// checkpoint database (nil disables checkpoints)
	DB db.Database `json:"-"`
	// hexdump every page holding a VMCS here before the image is closed
	VMCSDump io.Writer `json:"-"`

	// OnPhase is called when a phase starts and again (done=true) when it ends
	OnPhase func(p pscan.Phase, done bool) `json:"-"`
	// OnProgress receives the scan percentage of the running phase
	OnProgress func(p pscan.Phase, percent int) `json:"-"`
}

// Result is the outcome of a scan.
type Result struct {
	ID       string                `json:"id,omitempty" yaml:"id,omitempty"`
	Image    string                `json:"image" yaml:"image"`
	Format   string                `json:"format" yaml:"format"`
	Base     int64                 `json:"base" yaml:"base"`
	Size     int64                 `json:"size" yaml:"size"`
	KnownCR3 uint64                `json:"known_cr3,omitempty" yaml:"known_cr3,omitempty"`
	Phase    string                `json:"phase" yaml:"phase"`
	Resumed  bool                  `json:"resumed" yaml:"resumed"`
	Procs    []*pscan.DetectedProc `json:"procs" yaml:"procs"`
	VMCSs    []*pscan.VMCS         `json:"vmcs,omitempty" yaml:"vmcs,omitempty"`
	Groups   []*pscan.Group        `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// ImageKey identifies the contents of an image without reading all of it.
func ImageKey(img *image.Image) (string, error) {
	h := xxhash.New()

	var hdr [24]byte
	binary.LittleEndian.PutUint64(hdr[0:], uint64(img.FileSize))
	binary.LittleEndian.PutUint64(hdr[8:], uint64(img.Base))
	binary.LittleEndian.PutUint64(hdr[16:], uint64(img.Size))
	h.Write(hdr[:])

	span := min(int64(imageKeySpan), img.FileSize)
	for _, off := range []int64{0, img.FileSize - span} {
		if _, err := io.Copy(h, io.NewSectionReader(img, off, span)); err != nil {
			return "", fmt.Errorf("failed to hash image: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (c *Config) openImage() (*image.Image, error) {
	img, err := image.Open(c.Image)
	if err != nil {
		return nil, err
	}
	if c.Base > 0 || c.Size > 0 {
		base := img.Base
		if c.Base > 0 {
			base = c.Base
		}
		size := img.FileSize - base
		if c.Size > 0 {
			size = c.Size
		}
		if base < 0 || size <= 0 || base+size > img.FileSize {
			img.Close()
			return nil, fmt.Errorf("region %#x+%#x is outside of %s (%#x bytes)", base, size, c.Image, img.FileSize)
		}
		img.Base, img.Size = base, size
	}
	return img, nil
}

type pipeline struct {
	conf    *Config
	img     *image.Image
	scanner *pscan.Scanner
	cp      *model.Scan
	types   pscan.PTType
}

// Run scans the image, resuming from its checkpoint when one exists.
func Run(ctx context.Context, conf *Config) (*Result, error) {
	if conf.Scan == nil {
		conf.Scan = pscan.DefaultConfig()
	}
	types := conf.Types
	if types&^pscan.PTVMCS == 0 {
		// the VMCS pass needs detected page tables
		types |= pscan.PTAll
	}

	img, err := conf.openImage()
	if err != nil {
		return nil, err
	}
	defer img.Close()

	s, err := pscan.NewScanner(img, conf.Scan)
	if err != nil {
		return nil, err
	}
	p := &pipeline{conf: conf, img: img, scanner: s, types: types}

	res := &Result{
		Image:  img.Path,
		Format: img.Format.String(),
		Base:   img.Base,
		Size:   img.Size,
	}
	if img.Header != nil {
		res.KnownCR3 = img.Header.KnownCR3()
	}

	if conf.DB != nil {
		if res.Resumed, err = p.resume(); err != nil {
			return nil, err
		}
		res.ID = p.cp.ID
	}

	if err := p.run(ctx); err != nil {
		return nil, err
	}

	if conf.VMCSDump != nil {
		seen := make(map[int64]bool)
		for _, v := range s.VMCSs() {
			if seen[v.Offset] {
				continue
			}
			seen[v.Offset] = true
			if err := DumpVMCS(conf.VMCSDump, img, v); err != nil {
				return nil, err
			}
		}
	}

	res.Phase = s.Phase().String()
	res.Procs = s.Processes()
	res.VMCSs = s.VMCSs()
	res.Groups = s.Groups()
	return res, nil
}

func (p *pipeline) resume() (bool, error) {
	key, err := ImageKey(p.img)
	if err != nil {
		return false, err
	}

	cp, err := p.conf.DB.GetByImage(key)
	switch {
	case errors.Is(err, model.ErrNotFound):
		p.cp = p.newCheckpoint(uuid.NewString(), key)
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	if p.conf.Force || cp.Types != p.types.String() {
		log.WithFields(log.Fields{
			"id":    cp.ID,
			"types": cp.Types,
			"force": p.conf.Force,
		}).Debug("Discarding checkpoint")
		p.cp = p.newCheckpoint(cp.ID, key)
		return false, nil
	}

	procs, vmcss, err := cp.Records()
	if err != nil {
		return false, fmt.Errorf("failed to decode checkpoint %s: %w", cp.ID, err)
	}
	p.scanner.Restore(pscan.Phase(cp.Phase), procs, vmcss)
	p.cp = cp

	log.WithFields(log.Fields{
		"id":    cp.ID,
		"phase": pscan.Phase(cp.Phase),
		"procs": len(procs),
		"vmcs":  len(vmcss),
	}).Info("Resuming from checkpoint")
	return true, nil
}

func (p *pipeline) newCheckpoint(id, key string) *model.Scan {
	return &model.Scan{
		ID:       id,
		Path:     p.img.Path,
		ImageKey: key,
		Format:   p.img.Format.String(),
		FileSize: p.img.FileSize,
		Base:     p.img.Base,
		Size:     p.img.Size,
		Types:    p.types.String(),
	}
}

func (p *pipeline) checkpoint() error {
	if p.cp == nil {
		return nil
	}
	p.cp.Phase = int(p.scanner.Phase())
	if err := p.cp.SetRecords(p.scanner.Processes(), p.scanner.VMCSs()); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := p.conf.DB.Save(p.cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	log.WithFields(log.Fields{"id": p.cp.ID, "phase": p.scanner.Phase()}).Debug("Saved checkpoint")
	return nil
}

func (p *pipeline) phase(ph pscan.Phase, fn func() error) error {
	if p.conf.OnPhase != nil {
		p.conf.OnPhase(ph, false)
	}
	if p.conf.OnProgress != nil {
		p.conf.Scan.Progress = func(pct int) { p.conf.OnProgress(ph, pct) }
	}
	err := fn()
	p.conf.Scan.Progress = nil
	if p.conf.OnPhase != nil {
		p.conf.OnPhase(ph, true)
	}
	return err
}

func (p *pipeline) run(ctx context.Context) error {
	s := p.scanner

	if s.Phase() < pscan.PhaseDetect {
		if err := p.phase(pscan.PhaseDetect, func() error {
			_, err := s.Analyze(ctx, p.types&^pscan.PTVMCS, p.conf.ExitAfter)
			return err
		}); err != nil {
			return err
		}
		if s.Phase() < pscan.PhaseDetect {
			log.WithField("count", len(s.Processes())).Warn("Detection stopped early, skipping checkpoint and later phases")
			return nil
		}
		if err := p.checkpoint(); err != nil {
			return err
		}
	}

	if p.types.Has(pscan.PTVMCS) && s.Phase() < pscan.PhaseVMCS {
		err := p.phase(pscan.PhaseVMCS, func() error {
			_, err := s.VMCSScan(ctx)
			return err
		})
		switch {
		case errors.Is(err, pscan.ErrNoScanSet):
			log.Warn("No page tables detected, skipping the VMCS pass")
		case err != nil:
			return err
		default:
			if err := p.checkpoint(); err != nil {
				return err
			}
		}
	}

	if s.Phase() < pscan.PhaseGroup {
		p.phase(pscan.PhaseGroup, func() error {
			s.GroupAddressSpaces(p.types &^ pscan.PTVMCS)
			return nil
		})
		if err := p.checkpoint(); err != nil {
			return err
		}
	}
	return nil
}
