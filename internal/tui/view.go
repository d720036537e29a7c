package tui

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/zpdzap/drydock/internal/agent"
)

func (m model) View() string {
	if m.quitting {
		return ""
	}

	// Header, always shown
	title := "drydock"
	if !m.connected {
		title += " (polling)"
	}
	quip := quipStyle.Render(m.quip)
	gap := m.width - lipgloss.Width(title) - lipgloss.Width(quip) - 4
	if gap < 1 {
		gap = 1
	}
	header := headerStyle.Width(m.width).Render(title + strings.Repeat(" ", gap) + quip)

	if len(m.runs) == 0 {
		return m.renderEmptyState(header)
	}
	return m.renderSplitView(header)
}

func (m model) renderEmptyState(header string) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(dividerStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")
	b.WriteString(emptyStyle.Render("No runs yet. Press s or / to start one."))
	b.WriteString("\n\n")

	if m.commanding {
		b.WriteString(hotkeysStyle.Render("[enter] execute  [esc] cancel"))
	} else {
		b.WriteString(hotkeysStyle.Render("[s]tart  [p]ull image  [?] help  [q] quit"))
	}
	b.WriteString("\n")
	b.WriteString(dividerStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")

	m.renderStatusAndInput(&b)

	if m.showHelp {
		return m.renderHelpOverlay(b.String())
	}
	return b.String()
}

func (m model) renderSplitView(header string) string {
	var b strings.Builder

	b.WriteString(header)
	b.WriteString("\n")

	// Run list, one line per run, capped at a third of the screen.
	listHeight := min(len(m.runs), max(3, m.height/3))
	start := 0
	if m.cursor >= listHeight {
		start = m.cursor - listHeight + 1
	}
	for i := start; i < start+listHeight && i < len(m.runs); i++ {
		b.WriteString(m.renderRun(i, m.runs[i]))
		b.WriteString("\n")
	}

	b.WriteString(dividerStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")

	footerLines := 4 // hotkeys + divider + status + pull
	if m.commanding {
		footerLines++
	}
	previewHeight := max(3, m.height-1-listHeight-1-footerLines)
	b.WriteString(m.renderPreview(previewHeight))

	b.WriteString(dividerStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")

	switch {
	case m.commanding:
		b.WriteString(hotkeysStyle.Render("[enter] execute  [esc] cancel"))
	case m.confirmStop:
		b.WriteString(confirmStyle.Render(fmt.Sprintf("Stop %s? Press x again to confirm, any other key to cancel", shortID(m.confirmStopID))))
	default:
		b.WriteString(hotkeysStyle.Render("[↑↓] select  [s]tart  [n]udge  [f]ollow up  [x] stop  [r]eload  [p]ull  [?] help"))
	}
	b.WriteString("\n")

	m.renderStatusAndInput(&b)

	if m.showHelp {
		return m.renderHelpOverlay(b.String())
	}
	return b.String()
}

func (m model) renderPreview(height int) string {
	var b strings.Builder
	pad := func(written int) {
		for i := written; i < height; i++ {
			b.WriteString("\n")
		}
	}

	run, ok := m.selected()
	if !ok {
		b.WriteString(previewEmptyStyle.Render("No run selected"))
		b.WriteString("\n")
		pad(1)
		return b.String()
	}

	written := 0
	if run.Reason != "" || run.Warning != "" {
		b.WriteString(m.renderReason(run))
		b.WriteString("\n")
		written++
	}

	t := m.transcripts[run.ID]
	if t == nil || len(t.lines) == 0 {
		text := "Waiting for output..."
		if m.loading[run.ID] {
			text = "Loading transcript..."
		}
		b.WriteString(previewEmptyStyle.Render(text))
		b.WriteString("\n")
		pad(written + 1)
		return b.String()
	}

	for _, line := range t.tail(height - written) {
		b.WriteString(previewStyle.Render(truncate(line, m.width-4)))
		b.WriteString("\n")
		written++
	}
	pad(written)
	return b.String()
}

func (m model) renderReason(run agent.Run) string {
	if run.Reason != "" {
		style := taskStyle
		if run.State == agent.StateFailed {
			style = errorStyle
		}
		return style.Render(truncate(run.Reason, m.width-4))
	}
	return confirmStyle.Render(truncate("warning: "+run.Warning, m.width-4))
}

func (m model) renderRun(index int, run agent.Run) string {
	cursor := "  "
	nStyle := nameStyle
	if index == m.cursor {
		cursor = "▸ "
		nStyle = selectedNameStyle
	}

	icon, iStyle := stateIcon(run.State)
	parts := []string{
		fmt.Sprintf("  %s%s %s", cursor, iStyle.Render(icon), nStyle.Render(shortID(run.ID))),
		iStyle.Render(string(run.State)),
		repoStyle.Render(filepath.Base(run.Repo) + "@" + run.Branch),
	}
	if run.Loop {
		parts = append(parts, taskStyle.Render(fmt.Sprintf("iter %d/%d", run.Iterations, run.MaxIterations)))
	}
	if t := m.transcripts[run.ID]; t != nil && t.nudges > 0 {
		parts = append(parts, taskStyle.Render(fmt.Sprintf("%d nudge%s", t.nudges, plural(t.nudges))))
	}
	if run.Source != "" && run.Source != "user" {
		parts = append(parts, taskStyle.Render(run.Source))
	}
	if !run.CreatedAt.IsZero() {
		parts = append(parts, taskStyle.Render(humanize.Time(run.CreatedAt)))
	}
	if pr := run.LatestPRURL(); pr != "" {
		parts = append(parts, prStyle.Render(pr))
	}
	return strings.Join(parts, "  ")
}

// stateIcon returns the status icon and style for a run state.
func stateIcon(state agent.State) (string, lipgloss.Style) {
	switch state {
	case agent.StateSpawning:
		return "◌", statusOther
	case agent.StatePlanning:
		return "◎", stateWaiting
	case agent.StateExecuting:
		return "●", stateWorking
	case agent.StateReadyForReview:
		return "★", stateReview
	case agent.StateCompleted:
		return "✓", stateDone
	case agent.StateStopped:
		return "○", statusStopped
	case agent.StateFailed:
		return "✗", statusStopped
	}
	return "?", statusOther
}

func (m model) renderStatusAndInput(b *strings.Builder) {
	if m.message != "" {
		if m.isError {
			b.WriteString(errorStyle.Render(m.message))
		} else {
			b.WriteString(messageStyle.Render(m.message))
		}
		b.WriteString("\n")
	}
	if m.pull != "" {
		b.WriteString(statsStyle.Render(m.pull))
		b.WriteString("\n")
	}
	if m.commanding {
		b.WriteString("  ")
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}
}

func (m model) renderHelpOverlay(base string) string {
	help := strings.Join([]string{
		helpHeaderStyle.Render("Navigation"),
		helpKeyStyle.Render("  ↑/k  ↓/j") + helpDescStyle.Render("   Select run"),
		helpKeyStyle.Render("  r") + helpDescStyle.Render("           Reload transcript"),
		"",
		helpHeaderStyle.Render("Actions"),
		helpKeyStyle.Render("  s") + helpDescStyle.Render("           Start a new run"),
		helpKeyStyle.Render("  n") + helpDescStyle.Render("           Nudge selected run"),
		helpKeyStyle.Render("  f") + helpDescStyle.Render("           Follow up on selected run"),
		helpKeyStyle.Render("  x") + helpDescStyle.Render("           Stop selected run"),
		helpKeyStyle.Render("  p") + helpDescStyle.Render("           Pull the selected image"),
		"",
		helpHeaderStyle.Render("Commands"),
		helpKeyStyle.Render("  /") + helpDescStyle.Render("           Open command bar"),
		helpDescStyle.Render("  /start <repo> [--loop] [--plan] <prompt>"),
		helpDescStyle.Render("  /stop <run>"),
		helpDescStyle.Render("  /nudge <run> <message>"),
		helpDescStyle.Render("  /followup <run> <prompt>"),
		helpDescStyle.Render("  /cron run <job>"),
		helpDescStyle.Render("  /pull [image]"),
		"",
		helpKeyStyle.Render("  q") + helpDescStyle.Render("  quit") + "     " + helpKeyStyle.Render("?") + helpDescStyle.Render("  close this help"),
	}, "\n")

	modal := helpStyle.Render(help)

	// Center the modal over the base view
	modalWidth := lipgloss.Width(modal)
	modalHeight := lipgloss.Height(modal)
	xOffset := max(0, (m.width-modalWidth)/2)
	yOffset := max(0, (m.height-modalHeight)/2)

	baseLines := strings.Split(base, "\n")
	for len(baseLines) < yOffset+modalHeight {
		baseLines = append(baseLines, "")
	}
	padding := strings.Repeat(" ", xOffset)
	for i, mLine := range strings.Split(modal, "\n") {
		baseLines[yOffset+i] = padding + mLine + strings.Repeat(" ", max(0, m.width-xOffset-lipgloss.Width(mLine)))
	}
	return strings.Join(baseLines, "\n")
}

// truncate cuts s to at most width cells.
func truncate(s string, width int) string {
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 && lipgloss.Width(string(runes)) > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
