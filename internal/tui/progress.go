// Package tui shows live run progress in the terminal.
package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/metalagman/appforge/internal/gate"
	"github.com/metalagman/appforge/internal/model"
	"github.com/metalagman/appforge/internal/pipeline"
	"github.com/rs/zerolog/log"
)

type stageStartedMsg struct {
	stage   model.StageID
	attempt int
}

type stageFinishedMsg struct{ decision gate.Decision }

type runFinishedMsg struct{ status string }

var (
	doneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#3FB950"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#D29922"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F85149"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#8B949E"))
)

// Model is the bubbletea model for a single run.
type Model struct {
	spinner spinner.Model
	request string
	current model.StageID
	attempt int
	lines   []string
	done    bool
}

// NewModel creates the progress model.
func NewModel(request string) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return Model{spinner: s, request: request}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case stageStartedMsg:
		m.current = msg.stage
		m.attempt = msg.attempt
		return m, nil
	case stageFinishedMsg:
		m.lines = append(m.lines, decisionLine(msg.decision))
		m.current = ""
		return m, nil
	case runFinishedMsg:
		m.done = true
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(mutedStyle.Render("request: "+truncate(m.request, 72)) + "\n")
	for _, line := range m.lines {
		b.WriteString(line + "\n")
	}
	if !m.done && m.current != "" {
		label := m.current.String()
		if m.attempt > 0 {
			label = fmt.Sprintf("%s (retry %d)", label, m.attempt)
		}
		b.WriteString(m.spinner.View() + " " + label + "\n")
	}
	return b.String()
}

func decisionLine(d gate.Decision) string {
	var mark string
	switch d.Outcome {
	case gate.OutcomeApproved:
		mark = doneStyle.Render("✓")
	case gate.OutcomeRetry, gate.OutcomeEscalate:
		mark = warnStyle.Render("↻")
	case gate.OutcomeAborted:
		mark = errStyle.Render("✗")
	default:
		mark = warnStyle.Render("!")
	}
	line := fmt.Sprintf("%s %-16s %s", mark, d.Stage, mutedStyle.Render(string(d.Outcome)))
	if d.Critical > 0 {
		line += mutedStyle.Render(fmt.Sprintf(" %d critical", d.Critical))
	}
	return line
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Progress runs the model in a bubbletea program and feeds it pipeline events.
type Progress struct {
	pipeline.NopObserver

	program *tea.Program
	wg      sync.WaitGroup
}

var _ pipeline.Observer = (*Progress)(nil)

// Start launches the progress display on out.
func Start(out io.Writer, request string) *Progress {
	p := &Progress{
		program: tea.NewProgram(NewModel(request), tea.WithOutput(out), tea.WithInput(nil)),
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.program.Run(); err != nil {
			log.Debug().Err(err).Msg("progress display stopped")
		}
	}()
	return p
}

// StageStarted implements pipeline.Observer.
func (p *Progress) StageStarted(_ string, stage model.StageID, attempt int) {
	p.program.Send(stageStartedMsg{stage: stage, attempt: attempt})
}

// StageFinished implements pipeline.Observer.
func (p *Progress) StageFinished(_ string, d gate.Decision) {
	p.program.Send(stageFinishedMsg{decision: d})
}

// RunFinished implements pipeline.Observer.
func (p *Progress) RunFinished(res pipeline.Result) {
	p.program.Send(runFinishedMsg{status: res.Status})
}

// Wait blocks until the display has exited.
func (p *Progress) Wait() {
	p.wg.Wait()
}

// Stop ends the display early.
func (p *Progress) Stop() {
	p.program.Quit()
	p.wg.Wait()
}
