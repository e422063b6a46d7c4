// Package forum implements the rocketcaster pages and actions on top of the
// stores, the podcast directory and the streaming proxy.
package forum

import (
	"bytes"
	"errors"
	"strconv"
	"time"

	"rocketcaster/pkg/auth"
	"rocketcaster/pkg/directory"
	"rocketcaster/pkg/gemini"
	"rocketcaster/pkg/mention"
	"rocketcaster/pkg/proxy"
	"rocketcaster/pkg/ratelimit"
	"rocketcaster/pkg/render"
	"rocketcaster/pkg/store"

	"go.uber.org/zap"
)

// Metrics receives forum events. admin.Metrics implements it.
type Metrics interface {
	NotificationsCreated(n int)
	IdentityRegistered()
	RequestRateLimited()
}

type nopMetrics struct{}

func (nopMetrics) NotificationsCreated(int) {}
func (nopMetrics) IdentityRegistered()      {}
func (nopMetrics) RequestRateLimited()      {}

// Deps are the collaborators a Forum is built from.
type Deps struct {
	Store     store.Store
	Directory directory.Directory
	Renderer  *render.Renderer
	Streamer  *proxy.Streamer
	Limiter   ratelimit.Limiter
	Metrics   Metrics
	Logger    *zap.Logger

	RecentPosts int
}

type Forum struct {
	store       store.Store
	directory   directory.Directory
	renderer    *render.Renderer
	streamer    *proxy.Streamer
	limiter     ratelimit.Limiter
	notifier    *mention.Notifier
	metrics     Metrics
	logger      *zap.Logger
	recentPosts int
	now         func() time.Time
}

func New(deps Deps) (*Forum, error) {
	if deps.Store == nil {
		return nil, errors.New("forum: store is required")
	}
	if deps.Directory == nil {
		return nil, errors.New("forum: directory is required")
	}
	if deps.Streamer == nil || deps.Limiter == nil {
		return nil, errors.New("forum: streamer and limiter are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.RecentPosts <= 0 {
		deps.RecentPosts = 15
	}
	if deps.Renderer == nil {
		r, err := render.New()
		if err != nil {
			return nil, err
		}
		deps.Renderer = r
	}

	return &Forum{
		store:       deps.Store,
		directory:   deps.Directory,
		renderer:    deps.Renderer,
		streamer:    deps.Streamer,
		limiter:     deps.Limiter,
		notifier:    mention.NewNotifier(deps.Logger),
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		recentPosts: deps.RecentPosts,
		now:         time.Now,
	}, nil
}

// page renders into a buffer first so a template failure becomes a 40
// rather than a truncated success.
func (f *Forum) page(w gemini.ResponseWriter, r *gemini.Request, fn func(buf *bytes.Buffer) error) {
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		f.fail(w, r, err)
		return
	}
	w.WriteHeader(gemini.StatusSuccess, gemini.GemtextMIME)
	w.Write(buf.Bytes())
}

// fail maps an error onto a response status.
func (f *Forum) fail(w gemini.ResponseWriter, r *gemini.Request, err error) {
	var proxyErr *proxy.ProxyError

	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, directory.ErrNotFound):
		gemini.NotFound(w, "Not found")
	case errors.Is(err, auth.ErrCertificateRequired):
		gemini.Error(w, gemini.StatusCertificateRequired, "Certificate required")
	case errors.Is(err, auth.ErrUnregistered):
		gemini.Redirect(w, auth.RegisterPath)
	case errors.Is(err, auth.ErrNotAuthorized):
		gemini.Error(w, gemini.StatusCertificateNotAuthorized, "Not authorized")
	case errors.Is(err, ratelimit.ErrRateLimited):
		gemini.SlowDown(w, ratelimit.DefaultWindow)
	case errors.As(err, &proxyErr):
		gemini.Error(w, gemini.StatusProxyError, proxyErr.Reason)
	default:
		f.logger.Error("Request failed",
			zap.String("request_id", r.ID),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		gemini.Error(w, gemini.StatusTemporaryFailure, "Temporary failure")
	}
}

func parseID(r *gemini.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, store.ErrNotFound
	}
	return id, nil
}
