// Package ratelimit counts requests per caller in fixed windows.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

var ErrRateLimited = errors.New("rate limit exceeded")

const (
	DefaultRequests = 2
	DefaultWindow   = 60 * time.Second
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until the window resets; zero when allowed.
	RetryAfter time.Duration
}

// Limiter admits at most a fixed number of requests per key per window. The
// check and the increment happen atomically, so concurrent callers with the
// same key never both take the last slot.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

// Policy is the limit applied to every key.
type Policy struct {
	Requests int
	Window   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Requests: DefaultRequests, Window: DefaultWindow}
}

func (p Policy) normalize() Policy {
	if p.Requests <= 0 {
		p.Requests = DefaultRequests
	}
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}
	return p
}
