package scan

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/vtfind/vtfind/internal/colors"
	"github.com/vtfind/vtfind/internal/db"
	"github.com/vtfind/vtfind/internal/model"
	"github.com/vtfind/vtfind/pkg/image"
)

// Info describes an image and its checkpoint.
type Info struct {
	Path       string                 `json:"path"`
	Format     string                 `json:"format"`
	FileSize   int64                  `json:"file_size"`
	Base       int64                  `json:"base"`
	Size       int64                  `json:"size"`
	Key        string                 `json:"key"`
	Header     *image.CrashDumpHeader `json:"crash_dump,omitempty"`
	Checkpoint *model.Scan            `json:"checkpoint,omitempty"`
}

// Describe opens the image at path and looks up its checkpoint in d (when not nil).
func Describe(path string, d db.Database) (*Info, error) {
	img, err := image.Open(path)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	key, err := ImageKey(img)
	if err != nil {
		return nil, err
	}
	info := &Info{
		Path:     img.Path,
		Format:   img.Format.String(),
		FileSize: img.FileSize,
		Base:     img.Base,
		Size:     img.Size,
		Key:      key,
		Header:   img.Header,
	}
	if d != nil {
		cp, err := d.GetByImage(key)
		switch {
		case err == nil:
			cp.Procs, cp.VMCSs = nil, nil
			info.Checkpoint = cp
		case !errors.Is(err, model.ErrNotFound):
			return nil, fmt.Errorf("failed to read checkpoint: %w", err)
		}
	}
	return info, nil
}

func (i *Info) Write(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", colors.Header().Sprint("Image:   "), i.Path)
	fmt.Fprintf(w, "%s %s\n", colors.Header().Sprint("Format:  "), i.Format)
	fmt.Fprintf(w, "%s %s (%#x)\n", colors.Header().Sprint("Size:    "), humanize.IBytes(uint64(i.FileSize)), i.FileSize)
	fmt.Fprintf(w, "%s %#x-%#x (%s)\n", colors.Header().Sprint("Memory:  "), i.Base, i.Base+i.Size, humanize.IBytes(uint64(i.Size)))
	fmt.Fprintf(w, "%s %s\n", colors.Header().Sprint("Key:     "), i.Key)
	if h := i.Header; h != nil {
		fmt.Fprintf(w, "\n%s\n", colors.Bold().Sprint("Crash dump"))
		fmt.Fprintf(w, "  Version:     %d.%d\n", h.MajorVersion, h.MinorVersion)
		fmt.Fprintf(w, "  Type:        %s\n", h.Type)
		fmt.Fprintf(w, "  Processors:  %d\n", h.NumberProcessors)
		fmt.Fprintf(w, "  BugCheck:    %#x\n", h.BugCheckCode)
		fmt.Fprintf(w, "  DTB:         %s\n", colors.CR3().Sprintf("%#x", h.KnownCR3()))
		for _, r := range h.Runs {
			fmt.Fprintf(w, "  Run:         %#x-%#x (%d pages)\n", r.BasePage<<12, (r.BasePage+r.PageCount)<<12, r.PageCount)
		}
	}
	if cp := i.Checkpoint; cp != nil {
		fmt.Fprintf(w, "\n%s %s (%s, %s)\n", colors.Bold().Sprint("Checkpoint"), cp.ID, cp.Types, humanize.Time(cp.UpdatedAt))
	}
}
