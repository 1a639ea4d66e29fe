package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/shopfloor/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Width(12)

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPending  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	roleUser      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	roleAssistant = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	roleTool      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208"))
)

func renderStatus(s models.InstanceStatus) string {
	switch s {
	case models.InstanceStatusRunning:
		return statusRunning.Render(string(s))
	case models.InstanceStatusComplete:
		return statusComplete.Render(string(s))
	case models.InstanceStatusFailed:
		return statusFailed.Render(string(s))
	}
	return statusPending.Render(string(s))
}

func renderStepStatus(s models.StepStatus) string {
	switch s {
	case models.StepStatusComplete:
		return statusComplete.Render(string(s))
	case models.StepStatusFailed:
		return statusFailed.Render(string(s))
	}
	return statusRunning.Render(string(s))
}

func renderRole(r models.Role) string {
	switch r {
	case models.RoleUser:
		return roleUser.Render(string(r))
	case models.RoleTool:
		return roleTool.Render(string(r))
	}
	return roleAssistant.Render(string(r))
}

func label(s string) string {
	return labelStyle.Render(s + ":")
}
