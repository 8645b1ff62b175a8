package dblock

import (
	"log/slog"
	"time"
)

// DefaultWaitTimeout bounds how long one request may wait for a page.
const DefaultWaitTimeout = 10 * time.Second

type Option func(*LockManager)

func WithLogger(logger *slog.Logger) Option {
	return func(lm *LockManager) {
		lm.logger = logger
	}
}

// WithWaitTimeout sets the per-request wait bound. Zero disables it and leaves
// only the caller's context.
func WithWaitTimeout(d time.Duration) Option {
	return func(lm *LockManager) {
		lm.waitTimeout = d
	}
}

func WithMetrics(m *Metrics) Option {
	return func(lm *LockManager) {
		lm.metrics = m
	}
}
