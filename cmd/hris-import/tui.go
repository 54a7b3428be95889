package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Sternrassler/hris-importer/pkg/queue"
	"github.com/Sternrassler/hris-importer/pkg/upload"
)

const statusRefreshInterval = 250 * time.Millisecond

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF")).
			MarginBottom(1)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Width(18)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#EEEEEE"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
	hintStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")).MarginTop(1)
)

type progressMsg upload.Progress

type statsMsg queue.Diagnostics

type progressClosedMsg struct{}

// statusModel shows upload progress and live queue diagnostics.
type statusModel struct {
	mode     upload.Mode
	updates  <-chan upload.Progress
	stats    func() queue.Diagnostics
	cancel   func()
	bar      progress.Model
	last     upload.Progress
	diag     queue.Diagnostics
	finished bool
}

func newStatusModel(mode upload.Mode, updates <-chan upload.Progress, stats func() queue.Diagnostics, cancel func()) statusModel {
	return statusModel{
		mode:    mode,
		updates: updates,
		stats:   stats,
		cancel:  cancel,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(48)),
		diag:    stats(),
	}
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(m.waitForProgress(), m.scheduleStatsRefresh())
}

func (m statusModel) waitForProgress() tea.Cmd {
	return func() tea.Msg {
		p, ok := <-m.updates
		if !ok {
			return progressClosedMsg{}
		}
		return progressMsg(p)
	}
}

func (m statusModel) scheduleStatsRefresh() tea.Cmd {
	return tea.Tick(statusRefreshInterval, func(time.Time) tea.Msg {
		return statsMsg(m.stats())
	})
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if !m.finished {
				m.cancel()
			}
			return m, tea.Quit
		}
	case progressMsg:
		m.last = upload.Progress(msg)
		if m.last.State == upload.StateCompleted || m.last.State == upload.StateHalted {
			m.finished = true
		}
		return m, m.waitForProgress()
	case progressClosedMsg:
		m.finished = true
		return m, nil
	case statsMsg:
		m.diag = queue.Diagnostics(msg)
		return m, m.scheduleStatsRefresh()
	case tea.WindowSizeMsg:
		m.bar.Width = min(max(msg.Width-20, 20), 80)
	}
	return m, nil
}

func (m statusModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("HRIS IMPORT · %s", m.mode)))
	b.WriteString("\n")
	b.WriteString(m.bar.ViewAs(m.last.Fraction()))
	b.WriteString("\n\n")

	rows := [][2]string{
		{"records", fmt.Sprintf("%d / %d", m.last.Done(), m.last.Total)},
		{"created", okStyle.Render(fmt.Sprint(m.last.Completed))},
		{"failed", failStyle.Render(fmt.Sprint(m.last.Failed))},
		{"batch", fmt.Sprintf("%d / %d", m.last.CurrentBatch, m.last.TotalBatches)},
		{"state", m.last.State.String()},
	}
	b.WriteString(boxStyle.Render(renderRows(rows)))
	b.WriteString("\n")

	since := "never"
	if m.diag.SinceLastError > 0 {
		since = m.diag.SinceLastError.Truncate(time.Second).String() + " ago"
	}
	queueRows := [][2]string{
		{"speed", m.diag.Speed.String()},
		{"pending", fmt.Sprint(m.diag.QueueLength)},
		{"in flight", fmt.Sprint(m.diag.ActiveRequests)},
		{"free permits", fmt.Sprint(m.diag.AvailablePermits)},
		{"this second", fmt.Sprintf("%d / %d", m.diag.PerSecond.Count, m.diag.PerSecond.Limit)},
		{"this minute", fmt.Sprintf("%d / %d", m.diag.PerMinute.Count, m.diag.PerMinute.Limit)},
		{"last error", since},
	}
	b.WriteString(boxStyle.Render(renderRows(queueRows)))

	hint := "q: cancel upload"
	if m.finished {
		hint = "upload finished · q: quit"
	}
	b.WriteString("\n")
	b.WriteString(hintStyle.Render(hint))
	return b.String()
}

func renderRows(rows [][2]string) string {
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, labelStyle.Render(r[0])+valueStyle.Render(r[1]))
	}
	return strings.Join(lines, "\n")
}
