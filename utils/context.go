package utils

import (
	"context"
	"time"
)

const (
	// DefaultTimeout bounds job store reads and writes
	DefaultTimeout = 10 * time.Second

	// ShortTimeout bounds health probes
	ShortTimeout = 2 * time.Second
)

func WithTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultTimeout)
}

func WithShortTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, ShortTimeout)
}

// Detached returns a context that keeps the values of parent (trace span,
// request id) but is not cancelled with it, bounded by DefaultTimeout.
func Detached(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), DefaultTimeout)
}
