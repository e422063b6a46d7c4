package ratelimit

import (
	"net"

	"rocketcaster/pkg/gemini"

	"go.uber.org/zap"
)

// KeyFunc picks the counter a request is charged to.
type KeyFunc func(r *gemini.Request) string

// RemoteIP keys requests by the caller's address without the port.
func RemoteIP(r *gemini.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware guards a handler with a Limiter. Rejected requests get 44 SLOW
// DOWN with the seconds left in the window.
type Middleware struct {
	limiter  Limiter
	key      KeyFunc
	logger   *zap.Logger
	onReject func(r *gemini.Request)
}

func NewMiddleware(limiter Limiter, key KeyFunc, logger *zap.Logger) *Middleware {
	if key == nil {
		key = RemoteIP
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		limiter: limiter,
		key:     key,
		logger:  logger,
	}
}

// OnReject registers a callback run for every rejected request.
func (m *Middleware) OnReject(fn func(r *gemini.Request)) {
	m.onReject = fn
}

func (m *Middleware) Wrap(next gemini.Handler) gemini.Handler {
	return gemini.HandlerFunc(func(w gemini.ResponseWriter, r *gemini.Request) {
		key := m.key(r)

		decision, err := m.limiter.Allow(r.Context(), key)
		if err != nil {
			m.logger.Error("Rate limiter unavailable",
				zap.String("request_id", r.ID),
				zap.Error(err))
			gemini.Error(w, gemini.StatusTemporaryFailure, "Rate limiter unavailable")
			return
		}

		if !decision.Allowed {
			m.logger.Info("Rate limited",
				zap.String("request_id", r.ID),
				zap.String("key", key),
				zap.Duration("retry_after", decision.RetryAfter))
			if m.onReject != nil {
				m.onReject(r)
			}
			gemini.SlowDown(w, decision.RetryAfter)
			return
		}

		next.ServeGemini(w, r)
	})
}
