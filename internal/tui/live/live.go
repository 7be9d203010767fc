// Package live renders the in-progress run dashboard.
package live

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/stats"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/tui/components"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/tui/styles"
)

// RunDoneMsg ends the dashboard when the run finishes.
type RunDoneMsg struct{}

type Model struct {
	Stats    stats.Snapshot
	Progress progress.Model

	TokenLine components.Sparkline
	TTFTLine  components.Sparkline

	StartTime  time.Time
	Duration   time.Duration
	LastUpdate time.Time
	LastTokens uint64

	Updates stats.SnapshotChan

	Width int
	Done  bool
}

func NewModel(totalDur time.Duration, updates stats.SnapshotChan) Model {
	return Model{
		Progress:   progress.New(progress.WithDefaultGradient()),
		TokenLine:  components.NewSparkline(40, "Tokens/sec", styles.Active),
		TTFTLine:   components.NewSparkline(40, "TTFT P90 (ms)", styles.Warn),
		StartTime:  time.Now(),
		Duration:   totalDur,
		LastUpdate: time.Now(),
		Updates:    updates,
	}
}

func (m Model) Init() tea.Cmd {
	return m.waitForSnapshot()
}

func (m Model) waitForSnapshot() tea.Cmd {
	return func() tea.Msg {
		s, ok := <-m.Updates
		if !ok {
			return RunDoneMsg{}
		}
		return s
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case stats.Snapshot:
		now := time.Now()
		dt := now.Sub(m.LastUpdate).Seconds()
		if dt < 0.01 {
			dt = 0.01
		}

		tps := float64(msg.Tokens-m.LastTokens) / dt
		m.TokenLine.Add(uint64(tps))
		m.TTFTLine.Add(uint64(msg.P90TTFTMs))

		m.Stats = msg
		m.LastTokens = msg.Tokens
		m.LastUpdate = now

		var pct float64
		if m.Duration > 0 {
			pct = float64(time.Since(m.StartTime)) / float64(m.Duration)
			if pct > 1.0 {
				pct = 1.0
			}
		}
		return m, tea.Batch(m.Progress.SetPercent(pct), m.waitForSnapshot())

	case RunDoneMsg:
		m.Done = true
		return m, tea.Quit

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Progress.Width = msg.Width - 4

		half := (msg.Width / 2) - 4
		if half < 10 {
			half = 10
		}
		m.TokenLine.Width = half
		m.TTFTLine.Width = half
		return m, nil

	case progress.FrameMsg:
		prog, cmd := m.Progress.Update(msg)
		m.Progress = prog.(progress.Model)
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	s := strings.Builder{}

	s.WriteString(styles.Title.Render("llmbench"))
	s.WriteString("\n\n")

	reqs := m.Stats.Requests
	errRate := 0.0
	if reqs > 0 {
		errRate = (float64(m.Stats.Fail) / float64(reqs)) * 100
	}

	var errColor lipgloss.Style
	if errRate > 5.0 {
		errColor = styles.Error
	} else if errRate > 1.0 {
		errColor = styles.Warn
	} else {
		errColor = styles.Active
	}

	col1 := fmt.Sprintf("REQ: %d\nINF: %d", reqs, m.Stats.Inflight)
	col2 := fmt.Sprintf("ERR: %.2f%%\nFAIL: %d", errRate, m.Stats.Fail)

	sat := m.Stats.Saturation * 100
	satStyle := styles.Active
	if sat > 10 {
		satStyle = styles.Warn
	}
	if sat > 50 {
		satStyle = styles.Error
	}
	col3 := fmt.Sprintf(
		"SAT: %s\nLAG: %.2f ms",
		satStyle.Render(fmt.Sprintf("%.1f%%", sat)),
		m.Stats.AvgQueueWaitMs,
	)

	grid := lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(col1),
		styles.Box.Render(errColor.Render(col2)),
		styles.Box.Render(col3),
	)
	s.WriteString(grid)
	s.WriteString("\n\n")

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(m.TokenLine.View()),
		styles.Box.Render(m.TTFTLine.View()),
	))
	s.WriteString("\n\n")

	latencies := fmt.Sprintf(
		"TTFT  P50: %.1f ms | P90: %.1f ms | P99: %.1f ms\nE2E   P50: %.1f ms | P90: %.1f ms | P99: %.1f ms | Max: %d ms",
		m.Stats.P50TTFTMs,
		m.Stats.P90TTFTMs,
		m.Stats.P99TTFTMs,
		m.Stats.P50CompletionMs,
		m.Stats.P90CompletionMs,
		m.Stats.P99CompletionMs,
		m.Stats.MaxCompletionMs,
	)
	width := m.Width - 4
	if width < 20 {
		width = 60
	}
	s.WriteString(styles.Box.Width(width).Render(latencies))
	s.WriteString("\n\n")

	s.WriteString(m.Progress.View())
	s.WriteString("\n")
	s.WriteString(styles.Subtle.Render("press q to stop"))

	return s.String()
}
