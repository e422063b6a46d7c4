package directory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T, handler http.HandlerFunc) *PodcastIndex {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewPodcastIndex(Config{
		BaseURL:   srv.URL,
		APIKey:    "KEY",
		APISecret: "SECRET",
		UserAgent: "rocketcaster-test",
	}, nil)
	require.NoError(t, err)
	p.now = func() time.Time { return time.Unix(1700000000, 0) }
	return p
}

func TestNewPodcastIndexRequiresCredentials(t *testing.T) {
	_, err := NewPodcastIndex(Config{APIKey: "k"}, nil)
	assert.Error(t, err)
}

func TestPodcastIndexSignsRequests(t *testing.T) {
	sum := sha1.Sum([]byte("KEYSECRET1700000000"))
	want := hex.EncodeToString(sum[:])

	p := newTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/podcasts/byfeedid", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("id"))
		assert.Equal(t, "KEY", r.Header.Get("X-Auth-Key"))
		assert.Equal(t, "1700000000", r.Header.Get("X-Auth-Date"))
		assert.Equal(t, want, r.Header.Get("Authorization"))
		assert.Equal(t, "rocketcaster-test", r.Header.Get("User-Agent"))

		w.Write([]byte(`{"status":"true","feed":{"id":42,"title":"Gemini Cast","author":"Ann","url":"https://example.com/feed.xml","categories":{"104":"Tech"},"episodeCount":3}}`))
	})

	feed, err := p.PodcastByFeedID(context.Background(), "42")
	require.NoError(t, err)
	assert.EqualValues(t, 42, feed.ID)
	assert.Equal(t, "Gemini Cast", feed.Title)
	assert.Equal(t, map[string]string{"104": "Tech"}, feed.Categories)
	assert.Equal(t, 3, feed.EpisodeCount)
}

func TestPodcastIndexMissingRecords(t *testing.T) {
	p := newTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/podcasts/byfeedid":
			w.Write([]byte(`{"status":"true","feed":[]}`))
		case "/episodes/byid":
			w.Write([]byte(`{"status":"true","episode":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	_, err := p.PodcastByFeedID(ctx, "1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = p.EpisodeByID(ctx, "1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = p.Search(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPodcastIndexEpisodes(t *testing.T) {
	p := newTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/episodes/byfeedid":
			assert.Equal(t, "2", r.URL.Query().Get("max"))
			w.Write([]byte(`{"items":[{"id":1,"title":"One","feedId":42,"duration":2520},{"id":2,"title":"Two","feedId":42}]}`))
		case "/episodes/byid":
			w.Write([]byte(`{"episode":{"id":7,"title":"Seven","feedId":42,"season":1,"episode":7,"enclosureUrl":"https://example.com/7.mp3","datePublishedPretty":"May 1, 2023"}}`))
		}
	})
	ctx := context.Background()

	episodes, err := p.EpisodesByFeedID(ctx, "42", 2)
	require.NoError(t, err)
	require.Len(t, episodes, 2)
	assert.EqualValues(t, 2520, episodes[0].Duration)

	ep, err := p.EpisodeByID(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, 7, ep.Number)
	assert.Equal(t, "https://example.com/7.mp3", ep.EnclosureURL)
}

func TestPodcastIndexSearch(t *testing.T) {
	p := newTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "go podcasts", r.URL.Query().Get("q"))
		w.Write([]byte(`{"count":1,"query":"go podcasts","feeds":[{"id":5,"title":"Go Time"}]}`))
	})

	result, err := p.Search(context.Background(), "go podcasts")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count)
	assert.Equal(t, "Go Time", result.Feeds[0].Title)
}

func TestPodcastIndexServerError(t *testing.T) {
	p := newTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := p.Search(context.Background(), "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestStatic(t *testing.T) {
	s := NewStatic()
	s.AddFeed(Feed{ID: 1, Title: "Gemini Cast", Author: "Ann"})
	s.AddFeed(Feed{ID: 2, Title: "Other", Author: "Bob"})
	s.AddEpisode(Episode{ID: 10, FeedID: 1, Title: "Old", DatePublished: 100})
	s.AddEpisode(Episode{ID: 11, FeedID: 1, Title: "New", DatePublished: 200})
	ctx := context.Background()

	feed, err := s.PodcastByFeedID(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "Gemini Cast", feed.Title)

	_, err = s.PodcastByFeedID(ctx, "abc")
	assert.ErrorIs(t, err, ErrNotFound)

	episodes, err := s.EpisodesByFeedID(ctx, "1", 0)
	require.NoError(t, err)
	require.Len(t, episodes, 2)
	assert.Equal(t, "New", episodes[0].Title)

	result, err := s.Search(ctx, "gemini")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count)

	_, err = s.EpisodeByID(ctx, "99")
	assert.ErrorIs(t, err, ErrNotFound)
}
