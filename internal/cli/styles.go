package cli

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	red  = lipgloss.Color("9")
	grey = lipgloss.Color("8")
	blue = lipgloss.Color("4")
)

// styles are bound to one writer so colour is only emitted on terminals.
type styles struct {
	errText lipgloss.Style
	muted   lipgloss.Style
	thought lipgloss.Style
	header  lipgloss.Style
	cell    lipgloss.Style
}

func newStyles(w io.Writer) *styles {
	r := lipgloss.NewRenderer(w)
	return &styles{
		errText: r.NewStyle().Foreground(red),
		muted:   r.NewStyle().Foreground(grey),
		thought: r.NewStyle().Foreground(grey).Faint(true).Italic(true),
		header:  r.NewStyle().Bold(true).Foreground(blue).PaddingRight(2),
		cell:    r.NewStyle().PaddingRight(2),
	}
}

// table renders rows under headers with no borders.
func (s *styles) table(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).BorderBottom(false).BorderLeft(false).BorderRight(false).
		BorderColumn(false).BorderHeader(false).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.header
			}
			return s.cell
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}
