// Package ui provides terminal output styling for the feedsyncd CLI.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	accent = lipgloss.Color("#60A5FA") // Blue
	pass   = lipgloss.Color("#10B981") // Green
	warn   = lipgloss.Color("#F59E0B") // Amber
	errCol = lipgloss.Color("#EF4444") // Red
	muted  = lipgloss.Color("#6B7280") // Gray

	accentStyle = lipgloss.NewStyle().Foreground(accent)
	passStyle   = lipgloss.NewStyle().Foreground(pass)
	warnStyle   = lipgloss.NewStyle().Foreground(warn)
	errStyle    = lipgloss.NewStyle().Foreground(errCol).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(muted)
	titleStyle  = lipgloss.NewStyle().Bold(true)
)

// RenderAccent styles informational markers.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass styles success markers.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn styles warning markers.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderErr styles error markers.
func RenderErr(s string) string { return errStyle.Render(s) }

// RenderMuted styles secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderTitle styles headings.
func RenderTitle(s string) string { return titleStyle.Render(s) }
