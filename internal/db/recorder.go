package db

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/metalagman/appforge/internal/gate"
	"github.com/metalagman/appforge/internal/model"
	"github.com/metalagman/appforge/internal/pipeline"
	"github.com/rs/zerolog/log"
)

const writeTimeout = 5 * time.Second

// Recorder writes pipeline progress to the store. Write failures are
// logged and never interrupt a run.
type Recorder struct {
	pipeline.NopObserver

	store *Store
	mu    sync.Mutex
	steps map[string]int
}

var _ pipeline.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store, steps: make(map[string]int)}
}

// RunStarted implements pipeline.Observer.
func (r *Recorder) RunStarted(v model.View) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.store.CreateRun(ctx, v.RunID, v.RequestText, time.Now()); err != nil {
		log.Warn().Err(err).Str("run_id", v.RunID).Msg("history: record run start")
	}
}

// StageFinished implements pipeline.Observer.
func (r *Recorder) StageFinished(runID string, d gate.Decision) {
	r.mu.Lock()
	r.steps[runID]++
	step := r.steps[runID]
	r.mu.Unlock()

	rec := StageRecord{
		RunID:     runID,
		StepIndex: step,
		Stage:     d.Stage.String(),
		Outcome:   string(d.Outcome),
		Next:      d.Next.String(),
		Attempt:   d.Attempt,
		Issues:    d.Issues,
		Critical:  d.Critical,
		Dropped:   d.Dropped,
		Duration:  d.Duration,
	}
	var events []Event
	if d.Err != nil {
		rec.Error = d.Err.Error()
		data, _ := json.Marshal(map[string]string{"class": gate.ErrorClass(d.Err)})
		events = append(events, Event{Type: "stage_degraded", Message: d.Stage.String(), DataJSON: string(data)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.store.CommitStage(ctx, rec, events...); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Str("stage", rec.Stage).Msg("history: record stage")
	}
}

// RunFinished implements pipeline.Observer.
func (r *Recorder) RunFinished(res pipeline.Result) {
	r.mu.Lock()
	delete(r.steps, res.RunID)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := r.store.FinishRun(ctx, res.RunID, RunUpdate{
		Status:     res.Status,
		Reason:     res.Reason,
		Scope:      string(res.Classification.Scope),
		OutputDir:  res.OutputDir,
		Steps:      len(res.Decisions),
		Caveats:    res.Caveats,
		FinishedAt: res.FinishedAt,
	})
	if err != nil {
		log.Warn().Err(err).Str("run_id", res.RunID).Msg("history: record run finish")
	}
}
