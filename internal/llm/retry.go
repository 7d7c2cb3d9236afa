package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// RetryConfig controls retries of rate limited or unavailable model calls.
type RetryConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryConfig returns the retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

func (c RetryConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BackoffBase
	b.RandomizationFactor = 0.25
	if c.BackoffMultiplier >= 1 {
		b.Multiplier = c.BackoffMultiplier
	}
	if c.MaxBackoff > 0 {
		b.MaxInterval = c.MaxBackoff
	}
	return b
}

// WithRetry retries transient failures of g. Timeouts are not retried:
// the backend already spent its time budget.
func WithRetry(g Generator, cfg RetryConfig) Generator {
	if cfg.MaxAttempts <= 1 {
		return g
	}
	return GeneratorFunc(func(ctx context.Context, p Prompt) (string, error) {
		attempt := 0
		out, err := backoff.Retry(ctx, func() (string, error) {
			attempt++
			out, err := g.Generate(ctx, p)
			if err != nil && !transient(err) {
				return "", backoff.Permanent(err)
			}
			return out, err
		},
			backoff.WithBackOff(cfg.backOff()),
			backoff.WithMaxTries(uint(cfg.MaxAttempts)),
			backoff.WithNotify(func(err error, wait time.Duration) {
				log.Debug().
					Err(err).
					Str("stage", p.Stage.String()).
					Int("attempt", attempt).
					Int("max_attempts", cfg.MaxAttempts).
					Dur("backoff", wait).
					Msg("model call failed, retrying")
			}),
		)
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return "", Classify(err)
		}
		return out, err
	})
}

func transient(err error) bool {
	return errors.Is(err, ErrModelRateLimited) || errors.Is(err, ErrModelUnavailable)
}
