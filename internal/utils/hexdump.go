// Package utils contains output helpers shared by the commands.
package utils

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/vtfind/vtfind/internal/colors"
)

const qwordsPerLine = 4

var (
	colorOffset = colors.Gutter().SprintFunc()
	colorZero   = colors.Zero().SprintFunc()
)

// QwordDump writes data as rows of little-endian 64-bit words, each row
// prefixed with its offset from base. Words found in marks are printed with
// their color; zero words are faint.
func QwordDump(w io.Writer, data []byte, base uint64, marks map[uint64]*color.Color) error {
	var line strings.Builder
	for off := 0; off+8 <= len(data); off += 8 {
		if off%(qwordsPerLine*8) == 0 {
			line.Reset()
			line.WriteString(colorOffset(fmt.Sprintf("%016x:", base+uint64(off))))
		}

		v := binary.LittleEndian.Uint64(data[off:])
		word := fmt.Sprintf("%016x", v)
		switch c, ok := marks[v]; {
		case ok:
			word = c.Sprint(word)
		case v == 0:
			word = colorZero(word)
		}
		line.WriteString("  ")
		line.WriteString(word)

		if off%(qwordsPerLine*8) == (qwordsPerLine-1)*8 || off+16 > len(data) {
			line.WriteByte('\n')
			if _, err := io.WriteString(w, line.String()); err != nil {
				return err
			}
		}
	}
	return nil
}

// QwordDumpString returns the QwordDump of data.
func QwordDumpString(data []byte, base uint64, marks map[uint64]*color.Color) string {
	var sb strings.Builder
	QwordDump(&sb, data, base, marks)
	return sb.String()
}
