// Package tui renders the live schedule dashboard for `dl watch`. A
// 1-second tick drives the timing engine and refreshes the view; the
// engine's reminder callback surfaces as a banner.
package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"dayline/internal/clock"
	"dayline/internal/domain"
	"dayline/internal/engine"
	"dayline/internal/store"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Bold(true)

	graceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F7DC6F")).
			Bold(true)

	overdueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6C6C6C"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD")).
			Padding(0, 2)

	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#1A1A1A")).
			Background(lipgloss.Color("#F7DC6F")).
			Padding(0, 1)
)

type reminderLatch struct {
	mu  sync.Mutex
	msg string
}

func (l *reminderLatch) set(msg string) {
	l.mu.Lock()
	l.msg = msg
	l.mu.Unlock()
}

func (l *reminderLatch) take() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := l.msg
	l.msg = ""
	return msg
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type model struct {
	engine    *engine.Engine
	store     *store.Store
	latch     *reminderLatch
	width     int
	height    int
	now       time.Time
	attention *engine.Attention
	blocks    []domain.TimeBlock
	history   []domain.HistoryRecord
	banner    string
	bannerTTL time.Time
	err       error
}

// Run blocks until the user quits the dashboard.
func Run(e *engine.Engine, st *store.Store) error {
	latch := &reminderLatch{}
	e.OnReminder(func(b domain.TimeBlock, next *domain.TimeBlock) {
		msg := fmt.Sprintf("⏰ %q scheduled to end at %s", b.Activity, b.EndTime)
		if next != nil {
			msg += fmt.Sprintf(" - up next: %q at %s", next.Activity, next.StartTime)
		}
		latch.set(msg)
	})
	m := model{engine: e, store: st, latch: latch, now: e.Now()}
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "f":
			if m.attention != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				m.err = m.engine.FinishBlock(ctx, m.attention.Block.ID, m.engine.Now())
				cancel()
			}
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		m.now = m.engine.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.engine.Tick(ctx, m.now); err != nil {
			m.err = err
		}
		day := clock.Day(m.now)
		if blocks, err := m.store.BlocksForDay(ctx, day); err == nil {
			m.blocks = blocks
		}
		m.attention = m.engine.Snapshot(m.now)
		if recs, err := m.store.HistoryForDay(ctx, day); err == nil {
			m.history = recs
		}
		cancel()
		if msg := m.latch.take(); msg != "" {
			m.banner = msg
			m.bannerTTL = m.now.Add(30 * time.Second)
		}
		if m.banner != "" && m.now.After(m.bannerTTL) {
			m.banner = ""
		}
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("dayline  %s %s", clock.Day(m.now), m.now.Format("15:04:05"))))
	b.WriteString("\n\n")

	if m.banner != "" {
		b.WriteString(bannerStyle.Render(m.banner))
		b.WriteString("\n\n")
	}

	b.WriteString(boxStyle.Render(m.attentionView()))
	b.WriteString("\n\n")

	b.WriteString("Today's blocks\n")
	if len(m.blocks) == 0 {
		b.WriteString(dimStyle.Render("  nothing scheduled"))
		b.WriteString("\n")
	}
	for _, blk := range m.blocks {
		b.WriteString(fmt.Sprintf("  %s-%s  %-24s %s\n", blk.StartTime, blk.EndTime, blk.Activity, statusLabel(blk)))
	}

	if len(m.history) > 0 {
		b.WriteString("\nFinished\n")
		for _, rec := range m.history {
			line := fmt.Sprintf("  %s-%s  %-24s %s at %s", rec.ScheduledStart, rec.ScheduledEnd, rec.Activity, rec.Outcome, rec.ActualEnd)
			if rec.Outcome == "overtime" {
				b.WriteString(overdueStyle.Render(line))
			} else {
				b.WriteString(dimStyle.Render(line))
			}
			b.WriteString("\n")
		}
	}

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(overdueStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("f finish current · q quit"))
	return b.String()
}

func (m model) attentionView() string {
	if m.attention == nil {
		return dimStyle.Render("No block needs attention right now")
	}
	att := m.attention
	switch att.State {
	case engine.StateRunning:
		return runningStyle.Render(fmt.Sprintf("▶ %s  (until %s)", att.Block.Activity, att.Block.EndTime))
	case engine.StateGrace:
		return graceStyle.Render(fmt.Sprintf("◌ %s ended at %s - finish now to stay on time (%s past)",
			att.Block.Activity, att.Block.EndTime, clock.FormatDuration(att.MinutesPastDue)))
	case engine.StateOverdue:
		return overdueStyle.Render(fmt.Sprintf("✗ %s is overdue by %s - will auto-resolve as overtime",
			att.Block.Activity, clock.FormatDuration(att.MinutesPastDue)))
	default:
		return dimStyle.Render(fmt.Sprintf("%s starts at %s", att.Block.Activity, att.Block.StartTime))
	}
}

func statusLabel(b domain.TimeBlock) string {
	switch b.Status {
	case "active":
		return runningStyle.Render(b.Status)
	case "overtimed":
		return overdueStyle.Render(b.Status)
	case "completed":
		return dimStyle.Render(b.Status)
	default:
		return b.Status
	}
}
