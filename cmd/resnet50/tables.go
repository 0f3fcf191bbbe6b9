package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	totalRowStyle = lipgloss.NewStyle().Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// newTable creates a table with the given header and column alignments (the last alignment is used
// for the remaining columns). If lastIsTotal, the last row added is highlighted.
func newTable(header []string, numRows int, lastIsTotal bool, alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Headers(header...).
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case lastIsTotal && row == numRows-1:
				s = totalRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}
