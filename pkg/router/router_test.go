package router

import (
	"context"
	"testing"

	"rocketcaster/pkg/auth"
	"rocketcaster/pkg/gemini"
	"rocketcaster/pkg/store"
	"rocketcaster/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nobody struct{}

func (nobody) ResolveFingerprint(ctx context.Context, fingerprint string) (*types.Credential, error) {
	return nil, store.ErrNotFound
}

func serve(t *testing.T, rt *Router, rawURL string) *gemini.Recorder {
	t.Helper()
	req, err := gemini.NewRequest(rawURL)
	require.NoError(t, err)
	rec := gemini.NewRecorder()
	rt.ServeGemini(rec, req)
	return rec
}

func TestRouterCapturesNamedGroups(t *testing.T) {
	rt := New(nil, nil)

	var gotID string
	rt.HandleFunc(`/post/(?P<post_id>\d+)`, auth.Anonymous, func(w gemini.ResponseWriter, r *gemini.Request) {
		gotID = r.Param("post_id")
		gemini.Text(w, "ok")
	})

	rec := serve(t, rt, "gemini://localhost/post/42")
	assert.Equal(t, gemini.StatusSuccess, rec.Status)
	assert.Equal(t, "42", gotID)
}

func TestRouterAnchorsPatterns(t *testing.T) {
	rt := New(nil, nil)
	rt.HandleFunc(`/post/(?P<post_id>\d+)`, auth.Anonymous, func(w gemini.ResponseWriter, r *gemini.Request) {
		gemini.Text(w, "post")
	})

	tests := []string{
		"gemini://localhost/post/42/comment",
		"gemini://localhost/x/post/42",
		"gemini://localhost/post/abc",
	}
	for _, url := range tests {
		t.Run(url, func(t *testing.T) {
			rec := serve(t, rt, url)
			assert.Equal(t, gemini.StatusNotFound, rec.Status)
		})
	}
}

func TestRouterFirstMatchWins(t *testing.T) {
	rt := New(nil, nil)
	rt.HandleFunc(`/episode/(?P<episode_id>\d+)/play`, auth.Anonymous, func(w gemini.ResponseWriter, r *gemini.Request) {
		gemini.Text(w, "play")
	})
	rt.HandleFunc(`/episode/(?P<episode_id>[^/]+)(?P<rest>/.*)?`, auth.Anonymous, func(w gemini.ResponseWriter, r *gemini.Request) {
		gemini.Text(w, "episode")
	})

	rec := serve(t, rt, "gemini://localhost/episode/7/play")
	assert.Equal(t, "play", rec.Body.String())

	rec = serve(t, rt, "gemini://localhost/episode/7")
	assert.Equal(t, "episode", rec.Body.String())

	assert.Len(t, rt.Routes(), 2)
}

func TestRouterNotFound(t *testing.T) {
	rt := New(nil, nil)
	rec := serve(t, rt, "gemini://localhost/missing")
	assert.Equal(t, gemini.StatusNotFound, rec.Status)
}

func TestRouterAppliesTier(t *testing.T) {
	rt := New(auth.NewMiddleware(nobody{}, nil), nil)

	called := false
	rt.HandleFunc(`/notifications`, auth.Required, func(w gemini.ResponseWriter, r *gemini.Request) {
		called = true
	})

	rec := serve(t, rt, "gemini://localhost/notifications")
	assert.Equal(t, gemini.StatusCertificateRequired, rec.Status)
	assert.False(t, called)
}

func TestRouterPanicsWithoutMiddleware(t *testing.T) {
	rt := New(nil, nil)
	assert.Panics(t, func() {
		rt.HandleFunc(`/notifications`, auth.Required, func(w gemini.ResponseWriter, r *gemini.Request) {})
	})
	assert.Panics(t, func() {
		rt.HandleFunc(`/bad(`, auth.Anonymous, func(w gemini.ResponseWriter, r *gemini.Request) {})
	})
}
