package scan

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/vtfind/vtfind/internal/colors"
	"github.com/vtfind/vtfind/internal/utils"
	"github.com/vtfind/vtfind/pkg/image"
	"github.com/vtfind/vtfind/pkg/paging"
	pscan "github.com/vtfind/vtfind/pkg/scan"
	"gopkg.in/yaml.v3"
)

// Output formats
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// Render writes the result in the requested format.
func Render(w io.Writer, r *Result, format string) error {
	switch strings.ToLower(format) {
	case "", FormatTable:
		return renderTable(w, r)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (expected %s, %s or %s)", format, FormatTable, FormatJSON, FormatYAML)
	}
}

func renderTable(w io.Writer, r *Result) error {
	fmt.Fprintf(w, "%s %s (%s, region %#x-%#x, %s)\n",
		colors.Header().Sprint("Image:"), r.Image, r.Format, r.Base, r.Base+r.Size, humanize.IBytes(uint64(r.Size)))
	if r.KnownCR3 != 0 {
		fmt.Fprintf(w, "%s %s\n", colors.Header().Sprint("Crash dump CR3:"), colors.CR3().Sprintf("%#x", r.KnownCR3))
	}
	fmt.Fprintf(w, "%s %s\n\n", colors.Header().Sprint("Phase:"), r.Phase)

	if len(r.Procs) == 0 {
		fmt.Fprintln(w, colors.Warn().Sprint("No page tables found"))
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	fmt.Fprintln(tw, "OFFSET\tCR3\tDIFF\tTYPE\tGROUP\tAS\tVMCS\tENTRIES")
	fmt.Fprintln(tw, "------\t---\t----\t----\t-----\t--\t----\t-------")
	for _, dp := range r.Procs {
		cr3 := colors.CR3().Sprintf("%#x", dp.CR3)
		if r.KnownCR3 != 0 && dp.CR3 == r.KnownCR3 {
			cr3 += colors.Warn().Sprint(" (dump)")
		}
		fmt.Fprintf(tw, "%s\t%s\t%#x\t%s\t%s\t%s\t%s\t%d\n",
			colors.Offset().Sprintf("%#x", dp.FileOffset),
			cr3,
			dp.Diff,
			colors.Type(dp.Type).Sprint(dp.Type),
			optional(dp.Group >= 0, dp.Group),
			optional(dp.AddressSpaceID > 0, dp.AddressSpaceID),
			optional(dp.VMCSID > 0, dp.VMCSID),
			len(dp.TopPageTablePage),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.VMCSs) > 0 {
		fmt.Fprintf(w, "\n%s\n", colors.Header().Sprint("VMCS"))
		tw = tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
		fmt.Fprintln(tw, "ID\tOFFSET\tREVISION\tABORT\tEPTP\tGUEST CR3\tOWNER")
		fmt.Fprintln(tw, "--\t------\t--------\t-----\t----\t---------\t-----")
		for _, v := range r.VMCSs {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%#x\n",
				v.ID,
				colors.Offset().Sprintf("%#x", v.Offset),
				v.RevisionID,
				v.AbortCode,
				colors.EPTP().Sprintf("%#x", v.EPTP),
				colors.CR3().Sprintf("%#x", v.GuestCR3),
				v.Owner,
			)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(r.Groups) > 0 {
		fmt.Fprintf(w, "\n%s\n", colors.Header().Sprint("Address spaces"))
		RenderGroups(w, r.Groups, r.VMCSs)
	}
	return nil
}

func optional(ok bool, v any) string {
	if !ok {
		return "-"
	}
	return fmt.Sprint(v)
}

// RenderGroups writes one line per address space followed by its member roots.
func RenderGroups(w io.Writer, groups []*pscan.Group, vmcss []*pscan.VMCS) {
	byID := make(map[uint64]*pscan.VMCS, len(vmcss))
	for _, v := range vmcss {
		byID[v.ID] = v
	}
	for _, g := range groups {
		line := fmt.Sprintf("%s %d: %d page tables", colors.Bold().Sprint("AS"), g.ID, len(g.Members))
		if v, ok := byID[g.VMCSID]; ok {
			line += fmt.Sprintf(" (VMCS %d, EPTP %s)", v.ID, colors.EPTP().Sprintf("%#x", v.EPTP))
		}
		fmt.Fprintln(w, line)
		for _, dp := range g.Members {
			fmt.Fprintf(w, "    %s %s @ %s diff %#x\n",
				colors.Type(dp.Type).Sprintf("%-8s", dp.Type),
				colors.CR3().Sprintf("%#x", dp.CR3),
				colors.Offset().Sprintf("%#x", dp.FileOffset),
				dp.Diff)
		}
	}
}

// DumpVMCS writes the VMCS page as 64-bit words with the link pointer, EPTP
// and guest CR3 highlighted.
func DumpVMCS(w io.Writer, img *image.Image, v *pscan.VMCS) error {
	page := make([]byte, paging.PageSize)
	if n, err := img.ReadAt(page, v.Offset); n < len(page) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return errors.Wrapf(err, "failed to read VMCS %d at %#x", v.ID, v.Offset)
	}
	fmt.Fprintf(w, "%s\n", colors.Header().Sprint(v))
	return utils.QwordDump(w, page, uint64(v.Offset), map[uint64]*color.Color{
		^uint64(0): colors.Link(),
		v.EPTP:     colors.EPTP(),
		v.GuestCR3: colors.CR3(),
	})
}
