package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrNoCandidates is returned when a chain has nothing to try.
var ErrNoCandidates = errors.New("no providers configured")

// Candidate is one named implementation of a capability.
type Candidate[T any] struct {
	Name  string
	Value T
}

// Attempt records the outcome of trying one candidate.
type Attempt struct {
	Provider string
	Err      error
	Duration time.Duration
}

// Error is returned when every candidate failed. It lists each attempt in order.
type Error struct {
	Capability string
	Attempts   []Attempt
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return fmt.Sprintf("all %s providers failed (%s)", e.Capability, strings.Join(parts, "; "))
}

// Unwrap exposes every attempt error to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		out = append(out, a.Err)
	}
	return out
}

// Run tries candidates in order and returns the first success. Each failure is
// logged and kept; if all fail the returned error is an *Error.
func Run[T, R any](ctx context.Context, capability string, log *slog.Logger, candidates []Candidate[T], call func(context.Context, T) (R, error)) (R, []Attempt, error) {
	var zero R
	if len(candidates) == 0 {
		return zero, nil, fmt.Errorf("%s: %w", capability, ErrNoCandidates)
	}
	attempts := make([]Attempt, 0, len(candidates))
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, Attempt{Provider: c.Name, Err: err})
			return zero, attempts, &Error{Capability: capability, Attempts: attempts}
		}
		start := time.Now()
		res, err := call(ctx, c.Value)
		a := Attempt{Provider: c.Name, Err: err, Duration: time.Since(start)}
		if err == nil {
			return res, append(attempts, a), nil
		}
		attempts = append(attempts, a)
		if log != nil {
			log.Warn("provider failed", "capability", capability, "provider", c.Name, "err", err, "duration", a.Duration)
		}
	}
	return zero, attempts, &Error{Capability: capability, Attempts: attempts}
}

// Names lists candidate names in order.
func Names[T any](candidates []Candidate[T]) []string {
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.Name
	}
	return out
}
