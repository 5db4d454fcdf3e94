// Package image opens physical memory images and locates the region holding
// physical memory inside container formats.
package image

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/vtfind/vtfind/pkg/paging"
	"golang.org/x/exp/mmap"
)

// Format is the container format of a memory image
type Format int

const (
	// FormatRaw is a bare physical memory image
	FormatRaw Format = iota
	// FormatCrashDump is a Windows full memory crash dump
	FormatCrashDump
	// FormatVMware is a VMware .vmem (possibly reached through a .vmss/.vmsn snapshot)
	FormatVMware
)

func (f Format) String() string {
	switch f {
	case FormatRaw:
		return "raw"
	case FormatCrashDump:
		return "crashdump"
	case FormatVMware:
		return "vmware"
	default:
		return "unknown"
	}
}

// Image is a read-only view of a memory image file.
//
// Offsets passed to ReadAt are absolute file offsets; the physical memory
// region is [Base, Base+Size).
type Image struct {
	Path     string
	Format   Format
	FileSize int64
	Base     int64
	Size     int64
	Header   *CrashDumpHeader

	r      io.ReaderAt
	closer io.Closer
}

// New wraps r as a raw image of the given size.
func New(r io.ReaderAt, size int64) *Image {
	return &Image{
		Format:   FormatRaw,
		FileSize: size,
		Size:     size,
		r:        r,
	}
}

// Open maps the file at path read-only and detects its container format.
func Open(path string) (*Image, error) {
	path = filepath.Clean(path)

	format := FormatRaw
	switch strings.ToLower(filepath.Ext(path)) {
	case ".vmss", ".vmsn":
		vmem := strings.TrimSuffix(path, filepath.Ext(path)) + ".vmem"
		if _, err := os.Stat(vmem); err == nil {
			log.WithField("vmem", vmem).Debug("Using snapshot memory file")
			path = vmem
			format = FormatVMware
		} else {
			log.Warnf("no .vmem found next to %s, scanning it as a raw image", filepath.Base(path))
		}
	case ".vmem":
		format = FormatVMware
	}

	ra, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %s", path)
	}

	img := &Image{
		Path:     path,
		Format:   format,
		FileSize: int64(ra.Len()),
		r:        ra,
		closer:   ra,
	}
	img.Size = img.FileSize

	if format == FormatRaw {
		hdr, err := ParseCrashDump(io.NewSectionReader(ra, 0, img.FileSize))
		switch {
		case err == nil:
			img.Format = FormatCrashDump
			img.Header = hdr
			img.Base = hdr.DataOffset()
			img.Size = min(hdr.DataSize(), img.FileSize-img.Base)
		case errors.Is(err, ErrUnsupportedDump):
			ra.Close()
			return nil, err
		}
	}

	return img, nil
}

// ReadAt reads len(p) bytes at the absolute file offset off.
func (i *Image) ReadAt(p []byte, off int64) (int, error) {
	return i.r.ReadAt(p, off)
}

// ReadPage reads the page at file offset off into blk.
func (i *Image) ReadPage(off int64, blk *paging.Block) error {
	var page [paging.PageSize]byte
	if n, err := i.r.ReadAt(page[:], off); n < len(page) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return errors.Wrapf(err, "failed to read page at %#x", off)
	}
	blk.Decode(page[:])
	return nil
}

// End is the file offset just past the physical memory region.
func (i *Image) End() int64 {
	return i.Base + i.Size
}

// Close releases the mapping.
func (i *Image) Close() error {
	if i.closer == nil {
		return nil
	}
	return i.closer.Close()
}
