package tui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/metalagman/appforge/internal/gate"
	"github.com/metalagman/appforge/internal/model"
	"github.com/stretchr/testify/assert"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	if !ok {
		t.Fatalf("unexpected model type %T", next)
	}
	return nm, cmd
}

func TestModelTracksStages(t *testing.T) {
	t.Parallel()

	m := NewModel("build a todo app")
	m, _ = update(t, m, stageStartedMsg{stage: model.StageGenerate, attempt: 1})
	assert.Contains(t, m.View(), "generate (retry 1)")

	m, _ = update(t, m, stageFinishedMsg{decision: gate.Decision{
		Stage: model.StageGenerate, Outcome: gate.OutcomeRetry, Critical: 2,
	}})
	view := m.View()
	assert.Contains(t, view, "NEEDS_RETRY")
	assert.Contains(t, view, "2 critical")
	assert.NotContains(t, view, "retry 1")

	m, cmd := update(t, m, runFinishedMsg{status: "completed"})
	assert.True(t, m.done)
	assert.NotNil(t, cmd)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a b", truncate("a\n  b", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
