// Package metrics exposes pipeline and model call metrics for Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/metalagman/appforge/internal/gate"
	"github.com/metalagman/appforge/internal/llm"
	"github.com/metalagman/appforge/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "appforge"

// Metrics holds the collectors. It observes runs and wraps generators.
type Metrics struct {
	pipeline.NopObserver

	registry      *prometheus.Registry
	runs          *prometheus.CounterVec
	stageOutcomes *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	droppedIssues prometheus.Counter
	modelCalls    *prometheus.CounterVec
	modelDuration *prometheus.HistogramVec
}

var _ pipeline.Observer = (*Metrics)(nil)

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by status.",
		}, []string{"status"}),
		stageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_outcomes_total",
			Help:      "Gate outcomes by stage.",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"stage"}),
		droppedIssues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_issues_total",
			Help:      "Issues discarded because they named files that were never generated.",
		}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Model calls by backend, stage and result.",
		}, []string{"backend", "stage", "result"}),
		modelDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Model call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"backend"}),
	}
	m.registry.MustRegister(
		m.runs, m.stageOutcomes, m.stageDuration, m.droppedIssues, m.modelCalls, m.modelDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// StageFinished implements pipeline.Observer.
func (m *Metrics) StageFinished(_ string, d gate.Decision) {
	m.stageOutcomes.WithLabelValues(d.Stage.String(), string(d.Outcome)).Inc()
	m.stageDuration.WithLabelValues(d.Stage.String()).Observe(d.Duration.Seconds())
	if d.Dropped > 0 {
		m.droppedIssues.Add(float64(d.Dropped))
	}
}

// RunFinished implements pipeline.Observer.
func (m *Metrics) RunFinished(res pipeline.Result) {
	m.runs.WithLabelValues(res.Status).Inc()
}

// Instrument wraps a generator with call counters. Its signature matches
// backend.Middleware.
func (m *Metrics) Instrument(name string, g llm.Generator) llm.Generator {
	return llm.GeneratorFunc(func(ctx context.Context, p llm.Prompt) (string, error) {
		started := time.Now()
		out, err := g.Generate(ctx, p)
		m.modelDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
		m.modelCalls.WithLabelValues(name, p.Stage.String(), callResult(err)).Inc()
		return out, err
	})
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, llm.ErrModelRateLimited):
		return "rate_limited"
	case errors.Is(err, llm.ErrModelTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
