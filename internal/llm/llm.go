// Package llm defines the model invocation contract used by pipeline stages.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/metalagman/appforge/internal/model"
	"github.com/rs/zerolog/log"
)

// Model failure families. Backends wrap their errors with one of these.
var (
	ErrModelUnavailable = errors.New("model unavailable")
	ErrModelTimeout     = errors.New("model timeout")
	ErrModelRateLimited = errors.New("model rate limited")
)

// Prompt is a single model request.
type Prompt struct {
	Stage  model.StageID
	System string
	User   string
	// Schema is an optional JSON schema the reply must satisfy.
	Schema string
}

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, p Prompt) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, p Prompt) (string, error) {
	return f(ctx, p)
}

// ClassifyStatus wraps err with the failure family matching an HTTP status.
func ClassifyStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrModelRateLimited, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %w", ErrModelTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
}

// Classify wraps a transport error that carries no status code.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrModelUnavailable) || errors.Is(err, ErrModelTimeout) || errors.Is(err, ErrModelRateLimited) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrModelTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrModelUnavailable, err)
}

// FriendlyMessage renders a model error for end users.
func FriendlyMessage(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, ErrModelRateLimited):
		return "The model provider is rate limiting requests. Please wait a moment and try again."
	case errors.Is(err, ErrModelTimeout):
		return "The model did not respond in time. Please try again."
	case strings.Contains(msg, "401") || strings.Contains(msg, "api key"):
		return "Authentication with the model provider failed. Check your API key."
	case strings.Contains(msg, "connection"):
		return "Could not connect to the model provider. Check your network connection."
	default:
		return "The model provider returned an error: " + err.Error()
	}
}

// Router sends each prompt to the generator configured for its stage.
type Router struct {
	Default Generator
	ByStage map[model.StageID]Generator
}

// Generate dispatches p by stage.
func (r *Router) Generate(ctx context.Context, p Prompt) (string, error) {
	g := r.Default
	if sg, ok := r.ByStage[p.Stage]; ok && sg != nil {
		g = sg
	}
	if g == nil {
		return "", fmt.Errorf("%w: no generator configured for stage %s", ErrModelUnavailable, p.Stage)
	}
	return g.Generate(ctx, p)
}

// Logged wraps g with per-call debug logging and request ids.
func Logged(name string, g Generator) Generator {
	return GeneratorFunc(func(ctx context.Context, p Prompt) (string, error) {
		requestID := uuid.NewString()
		started := time.Now()
		log.Debug().
			Str("backend", name).
			Str("request_id", requestID).
			Str("stage", p.Stage.String()).
			Int("prompt_chars", len(p.System)+len(p.User)).
			Msg("model call started")

		out, err := g.Generate(ctx, p)

		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("backend", name).
			Str("request_id", requestID).
			Str("stage", p.Stage.String()).
			Int("response_chars", len(out)).
			Dur("duration", time.Since(started)).
			Msg("model call finished")
		return out, err
	})
}
