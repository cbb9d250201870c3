package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/foundation"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/supervisor"
)

var (
	title   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	label   = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	value   = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	good    = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	warn    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	dimmer  = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	ball    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("16")).Background(lipgloss.Color("220")).Padding(0, 1)
	framing = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("86")).Padding(0, 1)
)

const barWidth = 30

// statusSource is the read side of the bridge the view polls
type statusSource interface {
	Frame() *foundation.Frame
	Phase(now time.Time) (foundation.Phase, float64)
	RunID() string
	Stats() supervisor.Stats
}

type statusModel struct {
	source   statusSource
	commands chan<- foundation.Command

	maxNumber  int
	luckyCount int

	phase    foundation.Phase
	progress float64
	runID    string
	numbers  []int
	stats    supervisor.Stats
	notice   string
}

type refreshMsg time.Time

func refresh() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func newStatusModel(source statusSource, commands chan<- foundation.Command, maxNumber, luckyCount int) statusModel {
	return statusModel{source: source, commands: commands, maxNumber: maxNumber, luckyCount: luckyCount}
}

func (m statusModel) Init() tea.Cmd { return refresh() }

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "d", " ":
			m.notice = m.send(foundation.DrawCommand{})
		case "n":
			m.notice = m.send(foundation.StartCommand{MaxNumber: m.maxNumber, LuckyCount: m.luckyCount})
		case "r":
			m.notice = m.send(foundation.ResetCommand{})
		}
		return m, nil
	case refreshMsg:
		m.phase, m.progress = m.source.Phase(time.Time(msg))
		m.runID = m.source.RunID()
		m.stats = m.source.Stats()
		m.numbers = nil
		if frame := m.source.Frame(); frame != nil && frame.RunID == m.runID {
			m.numbers = frame.Numbers
		}
		return m, refresh()
	}
	return m, nil
}

func (m statusModel) send(cmd foundation.Command) string {
	select {
	case m.commands <- cmd:
		return "sent " + string(cmd.Kind())
	default:
		return "command queue full"
	}
}

func (m statusModel) View() string {
	var b strings.Builder

	b.WriteString(title.Render("cosmic lottery"))
	b.WriteString("\n\n")

	run := m.runID
	if run == "" {
		run = "idle"
	}
	row(&b, "run", value.Render(run))
	row(&b, "phase", value.Render(m.phase.String()))
	row(&b, "progress", progressBar(m.progress))

	mode := good.Render(m.stats.Mode)
	if m.stats.Breaker != "closed" {
		mode = warn.Render(m.stats.Mode + " (breaker " + m.stats.Breaker + ")")
	}
	row(&b, "mode", mode)
	row(&b, "updates", value.Render(fmt.Sprintf("%d done, %d dropped, %d throttled",
		m.stats.Updates, m.stats.Dropped, m.stats.Throttled)))
	row(&b, "latency", value.Render(m.stats.LastLatency.Round(time.Microsecond).String()))
	if m.stats.WorkerFailures > 0 {
		row(&b, "failures", warn.Render(fmt.Sprintf("%d (restarts %d)", m.stats.WorkerFailures, m.stats.WorkerRestarts)))
	}

	b.WriteString("\n")
	if len(m.numbers) > 0 {
		balls := make([]string, len(m.numbers))
		for i, n := range m.numbers {
			balls[i] = ball.Render(fmt.Sprint(n))
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Center, balls...))
	} else {
		b.WriteString(dimmer.Render(fmt.Sprintf("%d of %d", m.luckyCount, m.maxNumber)))
	}
	b.WriteString("\n\n")

	if m.notice != "" {
		b.WriteString(label.Render(m.notice))
		b.WriteString("\n")
	}
	b.WriteString(dimmer.Render("d draw · n new run · r reset · q quit"))
	return framing.Render(b.String())
}

func row(b *strings.Builder, name, val string) {
	b.WriteString(label.Render(fmt.Sprintf("%-9s", name)))
	b.WriteString(val)
	b.WriteString("\n")
}

func progressBar(p float64) string {
	filled := int(p * barWidth)
	if filled < 0 {
		filled = 0
	}
	if filled > barWidth {
		filled = barWidth
	}
	return good.Render(strings.Repeat("█", filled)) +
		dimmer.Render(strings.Repeat("░", barWidth-filled)) +
		value.Render(fmt.Sprintf(" %3.0f%%", p*100))
}

// runStatusView blocks until the user quits or ctx ends
func runStatusView(ctx context.Context, source statusSource, commands chan<- foundation.Command, maxNumber, luckyCount int) error {
	program := tea.NewProgram(newStatusModel(source, commands, maxNumber, luckyCount), tea.WithContext(ctx), tea.WithAltScreen())
	_, err := program.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
