package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/fentz26/ainews/internal/models"
	"github.com/fentz26/ainews/internal/process"
)

func renderProcess(st *process.Status, width int) string {
	var b strings.Builder
	b.WriteString(panelTitleStyle.Render("Crawl process") + "\n")
	if st == nil {
		b.WriteString(labelStyle.Render("process manager disabled") + "\n")
		return b.String()
	}

	b.WriteString(fmt.Sprintf("%s %s", labelStyle.Render("State:"), formatState(st.State)))
	if st.PID != 0 {
		b.WriteString(labelStyle.Render(fmt.Sprintf("  pid %d", st.PID)))
	}
	b.WriteString("\n")
	if st.StartTime != nil {
		uptime := time.Duration(st.UptimeSeconds) * time.Second
		b.WriteString(fmt.Sprintf("%s %s (started %s)\n", labelStyle.Render("Uptime:"), uptime, humanize.Time(*st.StartTime)))
	}

	p := st.Progress
	if p.CurrentSource != "" {
		b.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Source:"), p.CurrentSource))
	}
	b.WriteString(fmt.Sprintf("%s %d/%d  %s\n", labelStyle.Render("Sources:"), p.ProcessedSources, p.TotalSources,
		progressBar(p.Percent, max(10, width-24))))
	b.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Articles:"), humanize.Comma(int64(p.TotalArticles))))

	if st.Memory != nil {
		b.WriteString(fmt.Sprintf("%s %s rss, %.1f%% cpu\n", labelStyle.Render("Memory:"),
			humanize.IBytes(uint64(st.Memory.RSSMB*1024*1024)), st.Memory.CPUPercent))
	}

	recovery := "off"
	if st.Recovery.Enabled {
		recovery = fmt.Sprintf("%d/%d attempts", st.Recovery.Attempts, st.Recovery.MaxAttempts)
		if st.Recovery.Pending {
			recovery += ", restart pending"
		}
	}
	b.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Recovery:"), recovery))

	names := make([]string, 0, len(st.Breakers))
	for name := range st.Breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		bs := st.Breakers[name]
		style := lipgloss.NewStyle().Foreground(successColor)
		if bs.IsOpen {
			style = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString(fmt.Sprintf("%s %s (%d failures)\n", labelStyle.Render("Breaker "+name+":"),
			style.Render(bs.State.String()), bs.Failures))
	}

	if st.LastError != "" {
		b.WriteString(lipgloss.NewStyle().Foreground(errorColor).Render("Last error: "+truncate(st.LastError, width)) + "\n")
	}
	return b.String()
}

func renderSessions(stats *models.SessionStats) string {
	var b strings.Builder
	b.WriteString(panelTitleStyle.Render("Workers") + "\n")
	if stats == nil {
		b.WriteString(labelStyle.Render("no data") + "\n")
		return b.String()
	}

	for _, s := range []models.SessionStatus{models.SessionStatusActive, models.SessionStatusCompleted, models.SessionStatusAbandoned} {
		b.WriteString(fmt.Sprintf("%s %d\n", labelStyle.Render(fmt.Sprintf("%-10s", string(s)+":")), stats.Sessions[s]))
	}
	b.WriteString(fmt.Sprintf("%s %d\n\n", labelStyle.Render("Live locks:"), stats.LiveLocks))

	b.WriteString(panelTitleStyle.Render("Articles") + "\n")
	for _, s := range []models.ArticleStatus{models.ArticleStatusPending, models.ArticleStatusParsed, models.ArticleStatusPublished, models.ArticleStatusFailed} {
		b.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", string(s)+":")),
			humanize.Comma(int64(stats.Articles[s]))))
	}
	return b.String()
}

func formatState(s process.State) string {
	switch s {
	case process.StateRunning:
		return lipgloss.NewStyle().Foreground(successColor).Render("● RUNNING")
	case process.StatePaused:
		return lipgloss.NewStyle().Foreground(warningColor).Render("◐ PAUSED")
	case process.StateStopping:
		return lipgloss.NewStyle().Foreground(warningColor).Render("◑ STOPPING")
	case process.StateError:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ ERROR")
	case process.StateStopped:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("○ STOPPED")
	default:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("○ IDLE")
	}
}

// progressBar renders pct (0-100) as a bar of width cells.
func progressBar(pct float64, width int) string {
	if width <= 0 {
		return ""
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(pct / 100 * float64(width))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return lipgloss.NewStyle().Foreground(primaryColor).Render(bar) + fmt.Sprintf(" %5.1f%%", pct)
}

func operationColumns(width int) []table.Column {
	details := max(20, width-56)
	return []table.Column{
		{Title: "WHEN", Width: 14},
		{Title: "LEVEL", Width: 6},
		{Title: "OPERATION", Width: 28},
		{Title: "DETAILS", Width: details},
	}
}

func operationRows(ops []models.OperationRecord, width int) []table.Row {
	details := operationColumns(width)[3].Width
	rows := make([]table.Row, 0, len(ops))
	for _, op := range ops {
		rows = append(rows, table.Row{
			humanize.Time(op.CreatedAt),
			op.Level,
			op.Name,
			truncate(op.Fields, details),
		})
	}
	return rows
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
