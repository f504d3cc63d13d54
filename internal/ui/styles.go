package ui

import "github.com/charmbracelet/lipgloss"

var (
	dimColor     = lipgloss.Color("7")
	accentColor  = lipgloss.Color("12")
	successColor = lipgloss.Color("10")
	dangerColor  = lipgloss.Color("9")

	userStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	assistantStyle = lipgloss.NewStyle().
			Foreground(accentColor)

	dimStyle = lipgloss.NewStyle().
			Foreground(dimColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(dangerColor)

	statusStyle = lipgloss.NewStyle().
			Foreground(dimColor)
)
