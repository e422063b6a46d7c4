package forum

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"rocketcaster/pkg/auth"
	"rocketcaster/pkg/directory"
	"rocketcaster/pkg/gemini"
	"rocketcaster/pkg/proxy"
	"rocketcaster/pkg/ratelimit"
	"rocketcaster/pkg/router"
	"rocketcaster/pkg/store"
	"rocketcaster/pkg/types"
	"rocketcaster/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingMetrics struct {
	mu            sync.Mutex
	notifications int
	registrations int
	rateLimited   int
}

func (m *countingMetrics) NotificationsCreated(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications += n
}

func (m *countingMetrics) IdentityRegistered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrations++
}

func (m *countingMetrics) RequestRateLimited() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimited++
}

type harness struct {
	t       *testing.T
	store   *store.Memory
	dir     *directory.Static
	router  *router.Router
	clock   *clock
	metrics *countingMetrics
	origin  *httptest.Server
}

const (
	feedID      = 5
	episodeID   = 70
	bigEpisode  = 71
	deadEpisode = 72
)

func newHarness(t *testing.T) *harness {
	t.Helper()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ep.mp3":
			w.Header().Set("Content-Type", "audio/mpeg")
			w.Header().Set("Content-Length", "5")
			if r.Method == http.MethodGet {
				w.Write([]byte("audio"))
			}
		case "/big.mp3":
			w.Header().Set("Content-Length", strconv.FormatInt(300*utils.MegaByte, 10))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(origin.Close)

	dir := directory.NewStatic()
	dir.AddFeed(directory.Feed{ID: feedID, Title: "Gemini Cast", Author: "Ann", EpisodeCount: 3})
	dir.AddEpisode(directory.Episode{ID: episodeID, FeedID: feedID, Title: "Pilot", EnclosureURL: origin.URL + "/ep.mp3"})
	dir.AddEpisode(directory.Episode{ID: bigEpisode, FeedID: feedID, Title: "Marathon", EnclosureURL: origin.URL + "/big.mp3"})
	dir.AddEpisode(directory.Episode{ID: deadEpisode, FeedID: feedID, Title: "Lost", EnclosureURL: origin.URL + "/gone.mp3"})

	c := &clock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	limiter := ratelimit.NewMemoryWithClock(ratelimit.DefaultPolicy(), c.Now)
	t.Cleanup(func() { limiter.Close() })

	s := store.NewMemory()
	metrics := &countingMetrics{}

	f, err := New(Deps{
		Store:     s,
		Directory: dir,
		Streamer:  proxy.NewStreamer(origin.Client(), proxy.DefaultOptions(), nil),
		Limiter:   limiter,
		Metrics:   metrics,
	})
	require.NoError(t, err)

	rt := router.New(auth.NewMiddleware(s, nil), nil)
	f.Register(rt)

	return &harness{t: t, store: s, dir: dir, router: rt, clock: c, metrics: metrics, origin: origin}
}

func newCert(t *testing.T, name string) *x509.Certificate {
	t.Helper()
	cert, _, err := auth.NewCertManager().GenerateSelfSigned(name, nil, 24*time.Hour)
	require.NoError(t, err)
	return cert
}

func (h *harness) do(rawURL string, cert *x509.Certificate) *gemini.Recorder {
	h.t.Helper()
	req, err := gemini.NewRequest("gemini://localhost" + rawURL)
	require.NoError(h.t, err)
	req.RemoteAddr = "203.0.113.9:50000"
	req.ID = "test"
	if cert != nil {
		req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
	}

	rec := gemini.NewRecorder()
	h.router.ServeGemini(rec, req)
	return rec
}

func (h *harness) registerUser(name string) *x509.Certificate {
	h.t.Helper()
	cert := newCert(h.t, name)
	rec := h.do("/register?"+name, cert)
	require.Equal(h.t, gemini.StatusSuccess, rec.Status, rec.Meta)
	return cert
}

func (h *harness) identity(name string) *types.Identity {
	h.t.Helper()
	identity, err := h.store.FindIdentityByName(context.Background(), name)
	require.NoError(h.t, err)
	return identity
}

func (h *harness) notifications(name string) []types.Notification {
	h.t.Helper()
	list, err := h.store.ListNotifications(context.Background(), h.identity(name).ID)
	require.NoError(h.t, err)
	return list
}

func TestRegisterFlow(t *testing.T) {
	h := newHarness(t)
	cert := newCert(t, "alice")

	rec := h.do("/register", nil)
	assert.Equal(t, gemini.StatusCertificateRequired, rec.Status)

	rec = h.do("/register", cert)
	assert.Equal(t, gemini.StatusInput, rec.Status)
	assert.Equal(t, promptUsername, rec.Meta)

	rec = h.do("/register?bad%20name", cert)
	assert.Equal(t, gemini.StatusInput, rec.Status)
	assert.Contains(t, rec.Meta, "letters, digits")

	rec = h.do("/register?all", cert)
	assert.Equal(t, gemini.StatusInput, rec.Status)

	rec = h.do("/register?alice", cert)
	require.Equal(t, gemini.StatusSuccess, rec.Status)
	assert.Contains(t, rec.Body.String(), "# Welcome, alice")
	assert.Equal(t, 1, h.metrics.registrations)

	rec = h.do("/register?alice2", cert)
	assert.Equal(t, gemini.StatusCertificateNotAuthorized, rec.Status)

	rec = h.do("/register?ALICE", newCert(t, "impostor"))
	assert.Equal(t, gemini.StatusInput, rec.Status)
	assert.Contains(t, rec.Meta, "is taken")

	stats, err := h.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Identities)
}

func TestTiers(t *testing.T) {
	h := newHarness(t)
	stranger := newCert(t, "stranger")

	rec := h.do("/notifications", nil)
	assert.Equal(t, gemini.StatusCertificateRequired, rec.Status)

	rec = h.do("/notifications", stranger)
	assert.Equal(t, gemini.StatusRedirect, rec.Status)
	assert.Equal(t, "/register", rec.Meta)

	// optional routes treat an unregistered certificate as anonymous
	rec = h.do("/", stranger)
	assert.Equal(t, gemini.StatusSuccess, rec.Status)
	assert.Contains(t, rec.Body.String(), "=> /register")

	alice := h.registerUser("alice")
	rec = h.do("/", alice)
	assert.Contains(t, rec.Body.String(), "Signed in as alice.")
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, gemini.StatusNotFound, h.do("/nope", nil).Status)
	assert.Equal(t, gemini.StatusNotFound, h.do("/post/999", nil).Status)
	assert.Equal(t, gemini.StatusNotFound, h.do("/episode/12345", nil).Status)
}

func TestDirectoryPages(t *testing.T) {
	h := newHarness(t)

	rec := h.do("/podcast/5", nil)
	require.Equal(t, gemini.StatusSuccess, rec.Status)
	assert.Contains(t, rec.Body.String(), "# Gemini Cast")
	assert.Contains(t, rec.Body.String(), "=> /episode/70 Pilot")

	rec = h.do("/episode/70", nil)
	require.Equal(t, gemini.StatusSuccess, rec.Status)
	assert.Contains(t, rec.Body.String(), "=> /share/70 Share this episode")

	rec = h.do("/search", nil)
	assert.Equal(t, gemini.StatusInput, rec.Status)

	rec = h.do("/search?gemini", nil)
	require.Equal(t, gemini.StatusSuccess, rec.Status)
	assert.Contains(t, rec.Body.String(), "=> /podcast/5 Gemini Cast")

	rec = h.do("/about", nil)
	assert.Equal(t, gemini.StatusSuccess, rec.Status)
}

func TestShareCreatesPostAndNotifiesMentions(t *testing.T) {
	h := newHarness(t)
	alice := h.registerUser("alice")
	bob := h.registerUser("bob")

	rec := h.do("/share/70", alice)
	assert.Equal(t, gemini.StatusInput, rec.Status)

	rec = h.do("/share/70?loved%20it%20%40bob%20%40BOB%20%40ghost", alice)
	require.Equal(t, gemini.StatusRedirect, rec.Status)
	assert.Equal(t, "/post/1", rec.Meta)

	post, err := h.store.GetPost(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Pilot", post.EpisodeTitle)
	assert.Equal(t, "Gemini Cast", post.PodcastTitle)
	assert.Equal(t, "loved it @bob @BOB @ghost", post.Content)

	list := h.notifications("bob")
	require.Len(t, list, 1)
	assert.Equal(t, "alice mentioned you in a post", list[0].Message)
	assert.Equal(t, 1, h.metrics.notifications)

	// sharing again, by anyone, leads to the same discussion
	rec = h.do("/share/70", bob)
	assert.Equal(t, gemini.StatusRedirect, rec.Status)
	assert.Equal(t, "/post/1", rec.Meta)

	rec = h.do("/episode/70", nil)
	assert.Contains(t, rec.Body.String(), "=> /post/1 Discussion")

	rec = h.do("/share/12345?x", alice)
	assert.Equal(t, gemini.StatusNotFound, rec.Status)
}

func TestCommentFanOut(t *testing.T) {
	h := newHarness(t)
	a := h.registerUser("a")
	b := h.registerUser("b")
	c := h.registerUser("c")

	require.Equal(t, gemini.StatusRedirect, h.do("/share/70?new%20episode", a).Status)

	rec := h.do("/post/1/comment", c)
	assert.Equal(t, gemini.StatusInput, rec.Status)
	assert.Equal(t, promptComment, rec.Meta)

	require.Equal(t, gemini.StatusRedirect, h.do("/post/1/comment?first", a).Status)
	require.Equal(t, gemini.StatusRedirect, h.do("/post/1/comment?second", c).Status)

	rec = h.do("/post/1/comment?hey%20%40all", b)
	require.Equal(t, gemini.StatusRedirect, rec.Status)
	assert.Equal(t, "/post/1", rec.Meta)

	cList := h.notifications("c")
	require.Len(t, cList, 1)
	assert.Equal(t, "b mentioned everyone in a comment on Pilot", cList[0].Message)
	assert.Empty(t, h.notifications("b"))
	// one from c's comment, one from b's
	assert.Len(t, h.notifications("a"), 2)

	rec = h.do("/post/1", b)
	require.Equal(t, gemini.StatusSuccess, rec.Status)
	assert.Contains(t, rec.Body.String(), "hey @all")
	assert.Contains(t, rec.Body.String(), "=> /comment/3/delete")
	assert.NotContains(t, rec.Body.String(), "=> /comment/2/delete")
}

func TestDeletePostConfirmationAndOwnership(t *testing.T) {
	h := newHarness(t)
	alice := h.registerUser("alice")
	bob := h.registerUser("bob")
	ctx := context.Background()

	require.Equal(t, gemini.StatusRedirect, h.do("/share/70?hi%20%40bob", alice).Status)
	require.Equal(t, gemini.StatusRedirect, h.do("/post/1/comment?thanks%20%40alice", bob).Status)

	rec := h.do("/post/1/delete?yes", bob)
	assert.Equal(t, gemini.StatusCertificateNotAuthorized, rec.Status)

	rec = h.do("/post/1/delete", alice)
	assert.Equal(t, gemini.StatusInput, rec.Status)
	assert.Equal(t, "Type YES to delete this post", rec.Meta)

	rec = h.do("/post/1/delete?no", alice)
	assert.Equal(t, gemini.StatusInput, rec.Status)

	for _, answer := range []string{"%20yes%20", "yes%0A", "yess"} {
		rec = h.do("/post/1/delete?"+answer, alice)
		assert.Equal(t, gemini.StatusInput, rec.Status, "answer %q", answer)
	}

	_, err := h.store.GetPost(ctx, 1)
	require.NoError(t, err, "unconfirmed delete must not change anything")

	rec = h.do("/post/1/delete?YES", alice)
	require.Equal(t, gemini.StatusRedirect, rec.Status)
	assert.Equal(t, "/", rec.Meta)

	_, err = h.store.GetPost(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	stats, err := h.store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Comments)
	assert.Zero(t, stats.Notifications)

	assert.Equal(t, gemini.StatusNotFound, h.do("/post/1/delete?yes", alice).Status)
}

func TestDeleteComment(t *testing.T) {
	h := newHarness(t)
	alice := h.registerUser("alice")
	bob := h.registerUser("bob")

	require.Equal(t, gemini.StatusRedirect, h.do("/share/70?hi", alice).Status)
	require.Equal(t, gemini.StatusRedirect, h.do("/post/1/comment?nice", bob).Status)
	require.Len(t, h.notifications("alice"), 1)

	assert.Equal(t, gemini.StatusCertificateNotAuthorized, h.do("/comment/1/delete?yes", alice).Status)
	assert.Equal(t, gemini.StatusInput, h.do("/comment/1/delete", bob).Status)

	rec := h.do("/comment/1/delete?Yes", bob)
	require.Equal(t, gemini.StatusRedirect, rec.Status)
	assert.Equal(t, "/post/1", rec.Meta)

	assert.Empty(t, h.notifications("alice"))
	_, err := h.store.GetPost(context.Background(), 1)
	assert.NoError(t, err)
}

func TestNotificationsPage(t *testing.T) {
	h := newHarness(t)
	alice := h.registerUser("alice")
	bob := h.registerUser("bob")

	require.Equal(t, gemini.StatusRedirect, h.do("/share/70?for%20%40bob", alice).Status)

	rec := h.do("/notifications", bob)
	require.Equal(t, gemini.StatusSuccess, rec.Status)
	assert.Contains(t, rec.Body.String(), "=> /post/1 alice mentioned you in a post")

	rec = h.do("/", bob)
	assert.Contains(t, rec.Body.String(), "Notifications (1)")

	rec = h.do("/notifications/clear", bob)
	assert.Equal(t, gemini.StatusRedirect, rec.Status)
	assert.Equal(t, "/notifications", rec.Meta)
	assert.Empty(t, h.notifications("bob"))
}

func TestPlayIsRateLimited(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 2; i++ {
		rec := h.do("/episode/70/play", nil)
		require.Equal(t, gemini.StatusSuccess, rec.Status, fmt.Sprintf("call %d: %s", i+1, rec.Meta))
		assert.Equal(t, "audio/mpeg", rec.Meta)
		assert.Equal(t, "audio", rec.Body.String())
	}

	rec := h.do("/episode/70/play", nil)
	assert.Equal(t, gemini.StatusSlowDown, rec.Status)
	assert.Equal(t, "60", rec.Meta)
	assert.Equal(t, 1, h.metrics.rateLimited)

	h.clock.Advance(61 * time.Second)
	rec = h.do("/episode/70/play", nil)
	assert.Equal(t, gemini.StatusSuccess, rec.Status)
}

func TestPlayProxyErrors(t *testing.T) {
	h := newHarness(t)

	rec := h.do("/episode/71/play", nil)
	assert.Equal(t, gemini.StatusProxyError, rec.Status)
	assert.Equal(t, proxy.ReasonTooLarge, rec.Meta)

	rec = h.do("/episode/72/play", nil)
	assert.Equal(t, gemini.StatusProxyError, rec.Status)
	assert.Equal(t, proxy.ReasonDownload, rec.Meta)
}
