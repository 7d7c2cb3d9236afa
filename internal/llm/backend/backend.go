// Package backend builds model generators from configuration.
package backend

import (
	"context"
	"fmt"
	"sort"

	"github.com/metalagman/appforge/internal/config"
	"github.com/metalagman/appforge/internal/llm"
	"github.com/metalagman/appforge/internal/llm/execagent"
	"github.com/metalagman/appforge/internal/llm/gemini"
	"github.com/metalagman/appforge/internal/llm/openaiapi"
	"github.com/metalagman/appforge/internal/model"
)

// Middleware decorates a named generator.
type Middleware func(name string, g llm.Generator) llm.Generator

// New creates the generator for one model config, wrapped with retries
// and call logging.
func New(ctx context.Context, mc config.ModelConfig, mw ...Middleware) (llm.Generator, error) {
	var (
		g   llm.Generator
		err error
	)
	switch mc.Provider {
	case "openai":
		g, err = openaiapi.NewClient(openaiapi.Config{
			Model:     mc.Model,
			BaseURL:   mc.BaseURL,
			APIKeyEnv: mc.APIKeyEnv,
			Timeout:   mc.Timeout,
		}, nil)
	case "gemini":
		g, err = gemini.NewClient(ctx, gemini.Config{
			Model:     mc.Model,
			BaseURL:   mc.BaseURL,
			APIKeyEnv: mc.APIKeyEnv,
			Timeout:   mc.Timeout,
		}, nil)
	case "exec":
		agent := mc.Agent
		if agent == "" {
			agent = "exec"
		}
		g, err = execagent.NewClient(execagent.Config{
			Type:   agent,
			Cmd:    mc.Cmd,
			Model:  mc.Model,
			UseTTY: mc.UseTTY != nil && *mc.UseTTY,
		})
	default:
		return nil, fmt.Errorf("unsupported model provider %q", mc.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s backend: %w", mc.Provider, err)
	}

	name := Name(mc)
	retry := llm.DefaultRetryConfig()
	if mc.Retries > 0 {
		retry.MaxAttempts = mc.Retries
	}
	g = llm.WithRetry(g, retry)
	for _, m := range mw {
		g = m(name, g)
	}
	return llm.Logged(name, g), nil
}

// NewRouter builds the default generator and any per-stage overrides.
func NewRouter(ctx context.Context, cfg config.Config, mw ...Middleware) (*llm.Router, error) {
	def, err := New(ctx, cfg.Model, mw...)
	if err != nil {
		return nil, err
	}
	r := &llm.Router{Default: def, ByStage: make(map[model.StageID]llm.Generator, len(cfg.StageModels))}

	stages := make([]string, 0, len(cfg.StageModels))
	for stage := range cfg.StageModels {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	for _, stage := range stages {
		g, err := New(ctx, cfg.StageModels[stage], mw...)
		if err != nil {
			return nil, fmt.Errorf("stage_models.%s: %w", stage, err)
		}
		r.ByStage[model.StageID(stage)] = g
	}
	return r, nil
}

// Name is a short label for a backend, used in logs and metrics.
func Name(mc config.ModelConfig) string {
	switch {
	case mc.Provider == "exec" && mc.Agent != "":
		return "exec/" + mc.Agent
	case mc.Model != "":
		return mc.Provider + "/" + mc.Model
	default:
		return mc.Provider
	}
}
