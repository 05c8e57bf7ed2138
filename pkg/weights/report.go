// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package weights

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// FormatDims formats dimensions as "[d0, d1, ...]".
func FormatDims(dims []int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// ReportLine formats one entry as "<name> @ <address> | size: <n> bytes | shape: [...]",
// with the name left-aligned in 30 columns.
func ReportLine(e *Entry) string {
	return fmt.Sprintf("%-30s @ %#x | size: %d bytes | shape: %s", e.Name, e.Address, e.Size, FormatDims(e.Shape.Dimensions))
}

// WriteReport writes one ReportLine per weight, followed by a line with the total size.
func (in *Inspector) WriteReport(w io.Writer) error {
	for _, e := range in.entries {
		if _, err := fmt.Fprintln(w, ReportLine(e)); err != nil {
			return errors.Wrap(err, "failed to write weights report")
		}
	}
	total := in.TotalBytes()
	_, err := fmt.Fprintf(w, "Total: %d bytes (%s) in %d tensors\n", total, humanize.IBytes(uint64(total)), len(in.entries))
	return errors.Wrap(err, "failed to write weights report")
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	bufferRowStyle = lipgloss.NewStyle().Italic(true).
			Foreground(lipgloss.AdaptiveColor{Light: "8", Dark: "7"}).
			PaddingLeft(1).PaddingRight(1)
)

// RenderTable renders the weights as a table, one row per weight. Non-trainable weights are rendered in italic.
func (in *Inspector) RenderTable() string {
	// Name, Address, Shape are left-aligned; DType, Elements and Bytes are right-aligned.
	alignments := []lipgloss.Position{lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Right}
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case !in.entries[row].Trainable:
				s = bufferRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			return s.Align(alignments[col])
		})
	table.Headers("Name", "Address", "Shape", "DType", "Elements", "Bytes")
	for _, e := range in.entries {
		table.Row(
			e.Name,
			fmt.Sprintf("%#x", e.Address),
			FormatDims(e.Shape.Dimensions),
			e.Shape.DType.String(),
			humanize.Comma(int64(e.Shape.Size())),
			humanize.IBytes(uint64(e.Size)),
		)
	}
	total := in.TotalBytes()
	return table.Render() + fmt.Sprintf("\nTotal: %s (%s bytes) in %d tensors", humanize.IBytes(uint64(total)),
		humanize.Comma(int64(total)), len(in.entries))
}
