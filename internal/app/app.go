// Package app assembles the generation pipeline from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/metalagman/appforge/internal/config"
	"github.com/metalagman/appforge/internal/db"
	"github.com/metalagman/appforge/internal/gate"
	"github.com/metalagman/appforge/internal/llm"
	"github.com/metalagman/appforge/internal/llm/backend"
	"github.com/metalagman/appforge/internal/metrics"
	"github.com/metalagman/appforge/internal/model"
	"github.com/metalagman/appforge/internal/packager"
	"github.com/metalagman/appforge/internal/pipeline"
	"github.com/metalagman/appforge/internal/stages"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

// App is a started pipeline with its supporting services.
type App struct {
	Controller *pipeline.Controller
	// Store is nil when history is disabled.
	Store   *db.Store
	Metrics *metrics.Metrics

	fx *fx.App
}

// Option customizes New.
type Option func(*options)

type options struct {
	gen       llm.Generator
	fs        afero.Fs
	observers []pipeline.Observer
}

// WithGenerator replaces the configured model backends with g.
func WithGenerator(g llm.Generator) Option {
	return func(o *options) { o.gen = g }
}

// WithFs sets the filesystem packaged runs are written to.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithObservers adds pipeline observers.
func WithObservers(obs ...pipeline.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs...) }
}

type observerOut struct {
	fx.Out

	Observer pipeline.Observer `group:"observers"`
}

type controllerParams struct {
	fx.In

	Config    config.Config
	Stages    []gate.Stage
	Observers []pipeline.Observer `group:"observers"`
}

// New builds and starts the application.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{}
	a.fx = fx.New(
		fx.WithLogger(func() fxevent.Logger { return eventLogger{} }),
		fx.Supply(cfg),
		fx.Provide(
			metrics.New,
			provideStore,
			func(cfg config.Config, m *metrics.Metrics) (llm.Generator, error) {
				if o.gen != nil {
					return m.Instrument("custom", o.gen), nil
				}
				return backend.NewRouter(ctx, cfg, m.Instrument)
			},
			func(cfg config.Config, gen llm.Generator) []gate.Stage {
				return buildStages(cfg, gen, o.fs)
			},
			func(m *metrics.Metrics) observerOut { return observerOut{Observer: m} },
			provideRecorder,
			func(p controllerParams) (*pipeline.Controller, error) {
				return pipeline.New(p.Stages, Options(p.Config), append(p.Observers, o.observers...)...)
			},
		),
		fx.Invoke(serveMetrics),
		fx.Populate(&a.Controller, &a.Store, &a.Metrics),
	)
	if err := a.fx.Err(); err != nil {
		return nil, fmt.Errorf("assemble app: %w", err)
	}
	if err := a.fx.Start(ctx); err != nil {
		return nil, fmt.Errorf("start app: %w", err)
	}
	return a, nil
}

// Run executes one request.
func (a *App) Run(ctx context.Context, request string, blueprint model.Blueprint) (pipeline.Result, error) {
	return a.Controller.Run(ctx, request, blueprint)
}

// Close stops background services and closes the history database.
func (a *App) Close(ctx context.Context) error {
	return a.fx.Stop(ctx)
}

// Options maps configuration onto controller options.
func Options(cfg config.Config) pipeline.Options {
	budgets := gate.Budgets{MaxRetries: cfg.Budgets.MaxRetries}
	if len(cfg.Budgets.StageRetries) > 0 {
		budgets.StageRetries = make(map[model.StageID]int, len(cfg.Budgets.StageRetries))
		for stage, n := range cfg.Budgets.StageRetries {
			budgets.StageRetries[model.StageID(stage)] = n
		}
	}
	return pipeline.Options{
		ScanMode: cfg.Scan.Mode,
		Budgets:  budgets,
		Policies: gate.DefaultPolicies,
		MaxSteps: cfg.Budgets.MaxSteps,
	}
}

func buildStages(cfg config.Config, gen llm.Generator, fs afero.Fs) []gate.Stage {
	return []gate.Stage{
		stages.NewScope(gen),
		stages.NewPlan(gen, stages.DefaultMaxFiles),
		stages.NewGenerate(gen, cfg.Generation.Concurrency),
		stages.NewSyntaxScan(nil),
		stages.NewIntegrationScan(gen),
		stages.NewDependencies(),
		stages.NewAudit(gen, gen),
		stages.NewPackage(packager.New(fs, cfg.Output.Dir)),
	}
}

func provideStore(lc fx.Lifecycle, cfg config.Config) (*db.Store, error) {
	if !cfg.History.Enabled {
		return nil, nil
	}
	sqlDB, err := db.Open(cfg.History.DBPath)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		return sqlDB.Close()
	}})
	return db.NewStore(sqlDB), nil
}

func provideRecorder(store *db.Store) observerOut {
	if store == nil {
		return observerOut{Observer: pipeline.NopObserver{}}
	}
	return observerOut{Observer: db.NewRecorder(store)}
}

func serveMetrics(lc fx.Lifecycle, cfg config.Config, m *metrics.Metrics) {
	if cfg.Metrics.Addr == "" {
		return
	}
	var (
		cancel context.CancelFunc
		done   = make(chan struct{})
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				if err := m.Serve(ctx, cfg.Metrics.Addr); err != nil {
					log.Error().Err(err).Msg("metrics server failed")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

// eventLogger routes container events to the global logger.
type eventLogger struct{}

func (eventLogger) LogEvent(e fxevent.Event) {
	switch e := e.(type) {
	case *fxevent.Provided:
		if e.Err != nil {
			log.Error().Err(e.Err).Msg("fx: provide failed")
		}
	case *fxevent.Invoked:
		if e.Err != nil {
			log.Error().Err(e.Err).Str("function", e.FunctionName).Msg("fx: invoke failed")
		}
	case *fxevent.Started:
		if e.Err != nil {
			log.Error().Err(e.Err).Msg("fx: start failed")
			return
		}
		log.Debug().Msg("app started")
	case *fxevent.Stopped:
		if e.Err != nil {
			log.Error().Err(e.Err).Msg("fx: stop failed")
		}
	}
}
