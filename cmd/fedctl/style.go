package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(14)

	valueStyle = lipgloss.NewStyle().Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	dangerStyle = lipgloss.NewStyle().
			Foreground(dangerColor).
			Bold(true)

	tagStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)
)

// fields renders label/value pairs as an aligned panel under title.
func fields(title string, kv ...string) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	for i := 0; i+1 < len(kv); i += 2 {
		b.WriteString("\n")
		b.WriteString(labelStyle.Render(kv[i]))
		b.WriteString(valueStyle.Render(kv[i+1]))
	}
	return panelStyle.Render(b.String())
}

func statsTable(rows ...[]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(mutedColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Foreground(secondaryColor).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("QUEUE", "PROCESSED", "RETRIED", "FAILED").
		Rows(rows...).
		Render()
}

func tags(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = "#" + n
	}
	return tagStyle.Render(strings.Join(out, " "))
}

func success(format string, args ...any) {
	fmt.Println(successStyle.Render("✓ ") + fmt.Sprintf(format, args...))
}
