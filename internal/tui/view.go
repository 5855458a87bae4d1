package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00d7ff")).MarginBottom(1)
	itemStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#000000")).Background(lipgloss.Color("#00d7ff")).Bold(true)
	descStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#808080")).PaddingLeft(2)
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#87d7af"))
	valueStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffd700")).Bold(true)
	hintStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#5fafff")).MarginTop(1)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5f5f")).Bold(true).MarginTop(1)
)

func checkbox(on bool) string {
	if on {
		return "[x] "
	}
	return "[ ] "
}

func (m Model) line(b *strings.Builder, i int, text string) {
	if i == m.cursor {
		b.WriteString(selectedStyle.Render(text))
	} else {
		b.WriteString(itemStyle.Render(text))
	}
	b.WriteString("\n")
}

func (m Model) footer(b *strings.Builder, hint string) {
	b.WriteString("\n")
	b.WriteString(hintStyle.Render(hint))
	b.WriteString("\n")
	if m.lastError != "" {
		b.WriteString(errorStyle.Render("⚠ " + m.lastError))
		b.WriteString("\n")
	}
}

func (m Model) renderServers() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("vmenergy · Servers"))
	b.WriteString("\n\n")

	if len(m.servers) == 0 {
		b.WriteString(descStyle.Render("No servers in inventory"))
		b.WriteString("\n")
	}
	for i, s := range m.servers {
		m.line(&b, i, fmt.Sprintf("%s%s (%s)", checkbox(m.selectedServers[s.Key()]), s.Name, s.IP))
		b.WriteString(descStyle.Render(fmt.Sprintf("%d VMs", len(s.VMs))))
		b.WriteString("\n")
	}

	m.footer(&b, "Move: ↑/↓ | Toggle: Space | All: a | Reload: r | Next: Enter | Help: ? | Quit: q")
	return b.String()
}

func (m Model) renderVMs() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("vmenergy · VMs"))
	b.WriteString("\n\n")

	rows := m.vmRows()
	current := ""
	for i, row := range rows {
		if row.server != current {
			current = row.server
			b.WriteString(labelStyle.Render(current))
			b.WriteString("\n")
		}
		m.line(&b, i, fmt.Sprintf("  %s%s (%s)", checkbox(m.selectedVMs[vmKey(row.server, row.vm.Name)]), row.vm.Name, row.vm.IP))
	}
	if len(rows) == 0 {
		b.WriteString(descStyle.Render("Selected servers have no VMs"))
		b.WriteString("\n")
	}
	b.WriteString(descStyle.Render("Servers without selected VMs count in full"))
	b.WriteString("\n")

	m.footer(&b, "Move: ↑/↓ | Toggle: Space | Back: Esc | Next: Enter")
	return b.String()
}

func (m Model) renderRange() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("vmenergy · Date range (UTC)"))
	b.WriteString("\n\n")

	field := func(label, value string, active bool) {
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-6s", label)))
		b.WriteString(" ")
		if active {
			b.WriteString(selectedStyle.Render(value + "▏"))
		} else {
			b.WriteString(itemStyle.Render(value))
		}
		b.WriteString("\n")
	}
	field("Start", m.start, !m.editingEnd)
	field("End", m.end, m.editingEnd)

	if m.loading {
		b.WriteString("\n")
		b.WriteString(descStyle.Render("Computing..."))
		b.WriteString("\n")
	}
	m.footer(&b, "Format: YYYY-MM-DD HH:MM | Switch: Tab | Compute: Enter | Back: Esc")
	return b.String()
}

func (m Model) renderResult() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("vmenergy · Energy"))
	b.WriteString("\n\n")

	b.WriteString(labelStyle.Render("Range "))
	b.WriteString(itemStyle.Render(m.start + " → " + m.end))
	b.WriteString("\n")
	if m.hasResult {
		b.WriteString(labelStyle.Render("Total "))
		b.WriteString(valueStyle.Render(formatWh(m.result)))
		b.WriteString("\n")
	}

	m.footer(&b, "New query: r | Edit range: Enter | Quit: q")
	return b.String()
}

func (m Model) renderHelp() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("vmenergy · Help"))
	b.WriteString("\n\n")
	for _, line := range []string{
		"1. Select one or more servers",
		"2. Select VMs; a server with none selected is counted whole",
		"3. Enter a UTC date range",
		"4. Energy is attributed to VMs by their CPU share",
	} {
		b.WriteString(itemStyle.Render(line))
		b.WriteString("\n")
	}
	b.WriteString(hintStyle.Render("Back: Esc"))
	b.WriteString("\n")
	return b.String()
}
