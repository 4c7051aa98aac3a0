// Package retry drives the fixed-delay attempt loop used for step dispatch.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	opxlog "github.com/opx-labs/opx/pkg/opx/v1/log"
)

// Operation is one attempt of the retried work.
type Operation func(ctx context.Context, attempt int) error

// Sleeper performs the cooperative inter-attempt delay. The coordinator's
// bounded Sleep satisfies it, keeping delays responsive to cancellation.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Config controls one retried operation.
type Config struct {
	// Attempts is the total number of attempts including the first.
	Attempts int
	// Delay is the fixed pause between attempts.
	Delay time.Duration
	// StepID names the work in log lines.
	StepID string
}

// permanentError wraps an error that must not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an error as non-retryable: the attempt loop stops
// immediately and returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Helper runs operations under a retry policy.
type Helper struct {
	log     opxlog.Logger
	sleeper Sleeper
}

// NewHelper creates a retry helper. The sleeper may be nil, in which case
// delays fall back to a plain context-aware wait.
func NewHelper(log opxlog.Logger, sleeper Sleeper) *Helper {
	if log == nil {
		panic("retry.NewHelper requires a non-nil logger")
	}
	return &Helper{log: log, sleeper: sleeper}
}

// Do runs op up to cfg.Attempts times, sleeping cfg.Delay between failures.
// It returns the number of attempts actually made and the final error (nil on
// success). A Permanent error, or a cancelled delay, stops the loop early.
func (h *Helper) Do(ctx context.Context, cfg Config, op Operation) (int, error) {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}

	logPrefix := ""
	if cfg.StepID != "" {
		logPrefix = fmt.Sprintf("step=%s ", cfg.StepID)
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if ctx.Err() != nil {
			h.log.Warnf("%sAttempt %d/%d cancelled before start: %v", logPrefix, attempt, cfg.Attempts, ctx.Err())
			if lastErr == nil {
				return attempt - 1, ctx.Err()
			}
			return attempt - 1, lastErr
		}

		err := op(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				h.log.Infof("%sOperation succeeded on attempt %d/%d", logPrefix, attempt, cfg.Attempts)
			}
			return attempt, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			h.log.Debugf("%sAttempt %d/%d failed permanently: %v", logPrefix, attempt, cfg.Attempts, perm.err)
			return attempt, perm.err
		}

		lastErr = err
		if attempt == cfg.Attempts {
			break
		}

		h.log.Warnf("%sAttempt %d/%d failed: %v. Retrying in %s", logPrefix, attempt, cfg.Attempts, err, cfg.Delay)
		if cfg.Delay > 0 {
			if sleepErr := h.sleep(ctx, cfg.Delay); sleepErr != nil {
				return attempt, sleepErr
			}
		}
	}
	return cfg.Attempts, lastErr
}

func (h *Helper) sleep(ctx context.Context, d time.Duration) error {
	if h.sleeper != nil {
		return h.sleeper.Sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
