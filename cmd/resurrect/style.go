package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/resurrect/internal/restoration"
)

var (
	accentColor  = lipgloss.Color("#50FA7B")
	warningColor = lipgloss.Color("#FFB86C")
	dangerColor  = lipgloss.Color("#FF5555")
	mutedColor   = lipgloss.Color("#6272A4")
	headerColor  = lipgloss.Color("#8BE9FD")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(headerColor)
	labelStyle = lipgloss.NewStyle().Foreground(mutedColor).Width(22)
	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
	warnStyle  = lipgloss.NewStyle().Foreground(warningColor)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(headerColor).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// newTable returns a bordered table with the shared header style.
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(mutedColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

// statusStyle colours a status by how it ended or whether it needs attention.
func statusStyle(s restoration.Status) lipgloss.Style {
	switch s {
	case restoration.StatusCompleted:
		return lipgloss.NewStyle().Foreground(accentColor)
	case restoration.StatusFailed:
		return lipgloss.NewStyle().Foreground(dangerColor)
	case restoration.StatusAwaitingApproval:
		return lipgloss.NewStyle().Foreground(warningColor)
	case restoration.StatusCancelled:
		return mutedStyle
	default:
		return lipgloss.NewStyle()
	}
}

func renderStatus(s restoration.Status) string {
	return statusStyle(s).Render(string(s))
}

// field prints one aligned label/value line.
func field(w io.Writer, label string, value interface{}) {
	fmt.Fprintf(w, "%s %v\n", labelStyle.Render(label+":"), value)
}

func formatMoney(v float64) string {
	return "$" + humanize.FormatFloat("#,###.##", v)
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// formatMinutes renders a restore time such as "12h5m" or "3d 2h".
func formatMinutes(m int) string {
	d := time.Duration(m) * time.Minute
	if d >= 48*time.Hour {
		days := int(d / (24 * time.Hour))
		hours := int((d % (24 * time.Hour)) / time.Hour)
		return fmt.Sprintf("%dd %dh", days, hours)
	}
	return formatDuration(d)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	if d < time.Minute {
		return "<1m"
	}
	s := d.String()
	// Drop the trailing "0s" that Duration.String always prints.
	if len(s) > 2 && s[len(s)-2:] == "0s" {
		s = s[:len(s)-2]
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format("2006-01-02 15:04"), humanize.Time(t))
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
