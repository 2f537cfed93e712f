// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tui

import "github.com/charmbracelet/lipgloss"

// Palette. Everything on screen derives from these four.
var (
	ColorIce   = lipgloss.Color("51")
	ColorDeep  = lipgloss.Color("24")
	ColorFaint = lipgloss.Color("240")
	ColorText  = lipgloss.Color("250")
)

var (
	StyleApp = lipgloss.NewStyle().Padding(0, 1)

	StyleTopBar = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(ColorDeep).
			MarginBottom(1)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorIce).
			MarginBottom(1)

	StyleCard = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorDeep).
			Padding(0, 2).
			MarginRight(1)

	StyleTitle    = lipgloss.NewStyle().Bold(true).Foreground(ColorIce)
	StyleSubtitle = lipgloss.NewStyle().Foreground(ColorText)
	StyleSubtle   = lipgloss.NewStyle().Foreground(ColorFaint)

	StyleMenuKey        = lipgloss.NewStyle().Foreground(ColorIce)
	StyleMenuItem       = lipgloss.NewStyle().Padding(0, 1).Foreground(ColorText)
	StyleMenuItemActive = lipgloss.NewStyle().Padding(0, 1).Bold(true).
				Foreground(ColorIce).Background(ColorDeep)

	StyleStatusGood = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	StyleStatusWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	StyleStatusBad  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)
