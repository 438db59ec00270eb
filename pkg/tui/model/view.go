package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/modoterra/nodelog/pkg/core"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusStopped = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusRestart = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)

	activePaneStyle = paneStyle.
			BorderForeground(lipgloss.Color("205"))

	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// View renders the TUI.
func (a App) View() string {
	if a.width == 0 || a.height == 0 {
		return "loading..."
	}

	// Editor overlay
	if a.mode == ModeEditor && a.editor != nil {
		editorView := a.editor.View(a.width - 4)
		return paneStyle.Width(a.width - 4).Height(a.height - 2).Render(editorView)
	}

	statusBarH := 2
	logPaneH := max(a.height/4, 5)
	mainH := a.height - logPaneH - statusBarH - 2
	listW := a.width*2/5 - 2
	detailW := a.width - listW - 4

	// List pane
	list := a.renderList(listW, mainH)
	listPane := a.paneBox(PaneList, a.listTitle(), list, listW, mainH)

	// Detail pane
	detail := a.renderDetail(detailW, mainH)
	detailPane := a.paneBox(PaneDetail, " Detail ", detail, detailW, mainH)

	// Top row
	topRow := lipgloss.JoinHorizontal(lipgloss.Top, listPane, detailPane)

	// Log pane
	logs := a.renderLogs(a.width-4, logPaneH)
	logPane := a.paneBox(PaneLogs, a.logTitle(), logs, a.width-4, logPaneH)

	// Status bar
	statusBar := a.renderStatusBar()

	return lipgloss.JoinVertical(lipgloss.Left, topRow, logPane, statusBar)
}

func (a App) listTitle() string {
	if a.node == "" {
		return " Workers "
	}
	return " Workers @ " + a.node + " "
}

func (a App) paneBox(pane Pane, title, content string, w, h int) string {
	style := paneStyle
	if a.activePane == pane {
		style = activePaneStyle
	}
	return style.Width(w).Height(h).Render(
		titleStyle.Render(title) + "\n" + content,
	)
}

func (a App) renderList(w, h int) string {
	workers := a.filteredWorkers()
	if len(workers) == 0 {
		return dimStyle.Render("no workers")
	}

	var b strings.Builder
	maxVisible := h - 2
	start := 0
	if a.selectedIdx >= maxVisible {
		start = a.selectedIdx - maxVisible + 1
	}

	for i := start; i < len(workers) && i-start < maxVisible; i++ {
		worker := workers[i]
		indicator := statusIndicator(worker.Status)
		name := truncate(worker.ID, w-6)
		line := fmt.Sprintf(" %s %-*s", indicator, w-6, name)

		if i == a.selectedIdx {
			line = selectedStyle.Width(w).Render(line)
		}
		b.WriteString(line + "\n")
	}

	if a.mode == ModeSearch {
		b.WriteString("\n" + a.search.View())
	}

	return b.String()
}

func (a App) renderDetail(w, h int) string {
	worker := a.selectedWorker()
	if worker == nil {
		return dimStyle.Render("select a worker")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ID:        %s\n", worker.ID)
	fmt.Fprintf(&b, "Kind:      %s\n", worker.Kind)
	fmt.Fprintf(&b, "Status:    %s\n", colorStatus(worker.Status))
	if worker.Who != "" {
		fmt.Fprintf(&b, "Owner:     %s\n", worker.Who)
	}
	if worker.PID > 0 {
		fmt.Fprintf(&b, "PID:       %d\n", worker.PID)
	}
	if !worker.Created.IsZero() {
		fmt.Fprintf(&b, "Created:   %s\n", worker.Created.Format(time.DateTime))
	}
	if worker.Connected != nil {
		fmt.Fprintf(&b, "Connected: %s\n", worker.Connected.Format(time.DateTime))
	}
	if worker.Started != nil {
		fmt.Fprintf(&b, "Started:   %s\n", worker.Started.Format(time.DateTime))
	}
	if worker.Restarts > 0 {
		fmt.Fprintf(&b, "Restarts:  %d\n", worker.Restarts)
	}
	if worker.CPUPct > 0 {
		fmt.Fprintf(&b, "CPU:       %.1f%%\n", worker.CPUPct)
	}
	if worker.MemBytes > 0 {
		fmt.Fprintf(&b, "Memory:    %s\n", formatBytes(worker.MemBytes))
	}
	if worker.UptimeSec > 0 {
		fmt.Fprintf(&b, "Uptime:    %s\n", formatDuration(worker.UptimeSec))
	}
	if worker.Topic != "" {
		fmt.Fprintf(&b, "Topic:     %s\n", dimStyle.Render(truncate(worker.Topic, w-11)))
	}

	return b.String()
}

func (a App) renderLogs(w, h int) string {
	if len(a.logEntries) == 0 {
		return dimStyle.Render("no log output")
	}

	start := 0
	if len(a.logEntries) > h-1 {
		start = len(a.logEntries) - h + 1
	}

	var b strings.Builder
	for i := start; i < len(a.logEntries); i++ {
		b.WriteString(truncate(formatEntry(a.logEntries[i]), w) + "\n")
	}
	return b.String()
}

func formatEntry(e core.LogEntry) string {
	var b strings.Builder
	if e.TsUnixMs > 0 {
		b.WriteString(dimStyle.Render(time.UnixMilli(e.TsUnixMs).Format(time.TimeOnly)) + " ")
	}
	if e.Level != "" {
		b.WriteString(levelStyle(e.Level).Render(fmt.Sprintf("%-5s", strings.ToUpper(string(e.Level)))) + " ")
	}
	if e.Namespace != "" {
		b.WriteString(dimStyle.Render("["+e.Namespace+"]") + " ")
	}
	b.WriteString(e.Text)
	return b.String()
}

func levelStyle(l core.Level) lipgloss.Style {
	switch l {
	case core.LevelWarn:
		return statusRestart
	case core.LevelError, core.LevelCritical:
		return statusFailed
	case core.LevelInfo:
		return statusRunning
	default:
		return dimStyle
	}
}

func (a App) logTitle() string {
	title := " Logs "
	if a.logPaused {
		title += dimStyle.Render("[PAUSED]") + " "
	}
	return title
}

func (a App) renderStatusBar() string {
	left := a.statusMsg
	right := "j/k:nav tab:pane /:search r:restart s:stop t:start a:add d:remove q:quit"
	if a.mode == ModeSearch {
		right = "enter:apply esc:cancel"
	}
	if a.mode == ModeEditor {
		right = "tab:next field enter:start esc:cancel"
	}

	gap := a.width - len(left) - len(right)
	if gap < 1 {
		gap = 1
	}
	return helpStyle.Render(left + strings.Repeat(" ", gap) + right)
}

func statusIndicator(status core.Status) string {
	switch status {
	case core.StatusStarted:
		return statusRunning.Render("●")
	case core.StatusConnected, core.StatusStarting:
		return statusRestart.Render("◐")
	case core.StatusExited:
		return statusStopped.Render("○")
	default:
		return dimStyle.Render("·")
	}
}

func colorStatus(status core.Status) string {
	switch status {
	case core.StatusStarted:
		return statusRunning.Render(string(status))
	case core.StatusConnected, core.StatusStarting:
		return statusRestart.Render(string(status))
	case core.StatusExited:
		return statusStopped.Render(string(status))
	case "":
		return dimStyle.Render("registered")
	default:
		return dimStyle.Render(string(status))
	}
}

// truncate shortens s to maxLen display cells, keeping escape sequences intact.
func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	return ansi.Truncate(s, maxLen, "...")
}

func formatBytes(b uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func formatDuration(sec uint64) string {
	if sec < 60 {
		return fmt.Sprintf("%ds", sec)
	}
	if sec < 3600 {
		return fmt.Sprintf("%dm%ds", sec/60, sec%60)
	}
	return fmt.Sprintf("%dh%dm", sec/3600, (sec%3600)/60)
}
