// Package colors provides the color palette used by the vtfind output.
//
// Colors are disabled when stdout is not a terminal; this comes from the
// fatih/color library. Use Init() to override it from the --color flag.
package colors

import (
	"github.com/fatih/color"
	"github.com/vtfind/vtfind/pkg/scan"
)

// Init overrides the auto-detected color setting.
//   - forceColor == nil: keep the auto-detected value
//   - forceColor == true: force colors on
//   - forceColor == false: force colors off
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

// Enabled returns true if colors are currently enabled.
func Enabled() bool {
	return !color.NoColor
}

func Bold() *color.Color   { return color.New(color.Bold) }
func Faint() *color.Color  { return color.New(color.Faint) }
func Header() *color.Color { return color.New(color.Bold, color.FgHiBlue) }

// Gutter is used for dump line addresses
func Gutter() *color.Color { return color.New(color.Italic, color.Faint) }

// Zero is used for empty words
func Zero() *color.Color { return color.New(color.Faint, color.FgHiBlue) }

// Offset is used for file offsets
func Offset() *color.Color { return color.New(color.FgHiBlue) }

// CR3 is used for page table roots
func CR3() *color.Color { return color.New(color.Bold, color.FgHiGreen) }

// EPTP is used for extended page table pointers
func EPTP() *color.Color { return color.New(color.Bold, color.FgHiMagenta) }

// Link is used for the VMCS link pointer
func Link() *color.Color { return color.New(color.Faint, color.FgYellow) }

// Warn is used for records that need a second look
func Warn() *color.Color { return color.New(color.Bold, color.FgHiYellow) }

// Type returns the color of a page table type.
func Type(t scan.PTType) *color.Color {
	switch t {
	case scan.PTWindows:
		return color.New(color.FgHiCyan)
	case scan.PTGeneric:
		return color.New(color.FgWhite)
	case scan.PTHyperV:
		return color.New(color.FgHiMagenta)
	case scan.PTFreeBSD:
		return color.New(color.FgHiRed)
	case scan.PTOpenBSD:
		return color.New(color.FgYellow)
	case scan.PTNetBSD:
		return color.New(color.FgRed)
	case scan.PTLinuxS:
		return color.New(color.FgHiYellow)
	default:
		return color.New(color.Faint)
	}
}
