package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}

func printTable(w io.Writer, title string, headers []string, rows [][]string) {
	if title != "" {
		_, _ = fmt.Fprintln(w, titleStyle.Render(title))
	}
	_, _ = fmt.Fprintln(w, renderTable(headers, rows))
}

func percent(ratio float64) string {
	return fmt.Sprintf("%.2f%%", 100*ratio)
}
