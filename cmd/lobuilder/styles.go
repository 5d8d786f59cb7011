package main

import (
	"io"
	"os"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"lobuilder/internal/verdict"
)

// Palette
var (
	colorGood    = lipgloss.Color("#8BC34A") // Lime Green
	colorRevise  = lipgloss.Color("#e53935") // Red
	colorImprove = lipgloss.Color("#FFC107") // Yellow
	colorUnknown = lipgloss.Color("#9e9e9e")
	colorInfo    = lipgloss.Color("#2196F3")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorInfo)
	mutedStyle   = lipgloss.NewStyle().Faint(true)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorRevise)
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(colorGood)
	outcomeStyle = lipgloss.NewStyle().PaddingLeft(2)
	detailStyle  = lipgloss.NewStyle().PaddingLeft(4)
	badgeBase    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
)

// badge renders a status as a colored label.
func badge(s verdict.Status) string {
	c := colorUnknown
	switch s {
	case verdict.Good:
		c = colorGood
	case verdict.NeedsRevision:
		c = colorRevise
	case verdict.CouldImprove:
		c = colorImprove
	}
	return badgeBase.Foreground(c).Render(string(s))
}

// plainOutput reports whether w should get unstyled text: anything but a
// terminal, or NO_COLOR set.
func plainOutput(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return true
	}
	f, ok := w.(*os.File)
	if !ok {
		return true
	}
	fi, err := f.Stat()
	if err != nil {
		return true
	}
	return fi.Mode()&os.ModeCharDevice == 0
}

// renderMarkdown renders md for the terminal w, returning md unchanged when
// rendering is unavailable.
func renderMarkdown(w io.Writer, md string) string {
	if plainOutput(w) {
		return md
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}
