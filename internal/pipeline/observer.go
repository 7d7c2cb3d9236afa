package pipeline

import (
	"github.com/metalagman/appforge/internal/gate"
	"github.com/metalagman/appforge/internal/model"
)

// Observer receives run progress. Calls are made from the controller
// goroutine and must not block for long.
type Observer interface {
	RunStarted(view model.View)
	StageStarted(runID string, stage model.StageID, attempt int)
	StageFinished(runID string, d gate.Decision)
	RunFinished(res Result)
}

// Observers fans events out to several observers in order.
type Observers []Observer

// RunStarted implements Observer.
func (o Observers) RunStarted(view model.View) {
	for _, obs := range o {
		obs.RunStarted(view)
	}
}

// StageStarted implements Observer.
func (o Observers) StageStarted(runID string, stage model.StageID, attempt int) {
	for _, obs := range o {
		obs.StageStarted(runID, stage, attempt)
	}
}

// StageFinished implements Observer.
func (o Observers) StageFinished(runID string, d gate.Decision) {
	for _, obs := range o {
		obs.StageFinished(runID, d)
	}
}

// RunFinished implements Observer.
func (o Observers) RunFinished(res Result) {
	for _, obs := range o {
		obs.RunFinished(res)
	}
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

// RunStarted implements Observer.
func (NopObserver) RunStarted(model.View) {}

// StageStarted implements Observer.
func (NopObserver) StageStarted(string, model.StageID, int) {}

// StageFinished implements Observer.
func (NopObserver) StageFinished(string, gate.Decision) {}

// RunFinished implements Observer.
func (NopObserver) RunFinished(Result) {}
