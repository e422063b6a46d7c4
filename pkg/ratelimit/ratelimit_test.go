package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rocketcaster/pkg/gemini"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryRejectsThirdRequestInWindow(t *testing.T) {
	clock := newFakeClock()
	limiter := NewMemoryWithClock(DefaultPolicy(), clock.Now)
	defer limiter.Close()
	ctx := context.Background()

	d, err := limiter.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	clock.Advance(10 * time.Second)
	d, err = limiter.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	clock.Advance(10 * time.Second)
	d, err = limiter.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 40*time.Second, d.RetryAfter)

	// other callers have their own counters
	d, err = limiter.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	clock.Advance(40 * time.Second)
	d, err = limiter.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryConcurrentCallersShareTheLimit(t *testing.T) {
	limiter := NewMemory(Policy{Requests: 5, Window: time.Minute})
	defer limiter.Close()

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Allow(context.Background(), "same")
			if err == nil && d.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 5, allowed)
}

func TestMemorySweepRemovesExpiredWindows(t *testing.T) {
	clock := newFakeClock()
	limiter := NewMemoryWithClock(DefaultPolicy(), clock.Now)
	defer limiter.Close()

	_, err := limiter.Allow(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, limiter.Len())

	clock.Advance(DefaultWindow)
	limiter.sweep()
	assert.Equal(t, 0, limiter.Len())
}

func TestPolicyNormalize(t *testing.T) {
	p := Policy{}.normalize()
	assert.Equal(t, DefaultRequests, p.Requests)
	assert.Equal(t, DefaultWindow, p.Window)
}

func TestRemoteIP(t *testing.T) {
	r := &gemini.Request{RemoteAddr: "192.0.2.1:51234"}
	assert.Equal(t, "192.0.2.1", RemoteIP(r))

	r = &gemini.Request{RemoteAddr: "[2001:db8::1]:1965"}
	assert.Equal(t, "2001:db8::1", RemoteIP(r))

	r = &gemini.Request{RemoteAddr: "pipe"}
	assert.Equal(t, "pipe", RemoteIP(r))
}

type failingLimiter struct{}

func (failingLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	return Decision{}, fmt.Errorf("connection refused")
}

func (failingLimiter) Close() error { return nil }

func TestMiddleware(t *testing.T) {
	clock := newFakeClock()
	limiter := NewMemoryWithClock(DefaultPolicy(), clock.Now)
	defer limiter.Close()

	mw := NewMiddleware(limiter, nil, nil)
	rejected := 0
	mw.OnReject(func(r *gemini.Request) { rejected++ })

	served := 0
	handler := mw.Wrap(gemini.HandlerFunc(func(w gemini.ResponseWriter, r *gemini.Request) {
		served++
		gemini.Text(w, "ok")
	}))

	call := func() *gemini.Recorder {
		req, err := gemini.NewRequest("gemini://localhost/episode/1/play")
		require.NoError(t, err)
		req.RemoteAddr = "198.51.100.7:40000"
		rec := gemini.NewRecorder()
		handler.ServeGemini(rec, req)
		return rec
	}

	assert.Equal(t, gemini.StatusSuccess, call().Status)
	assert.Equal(t, gemini.StatusSuccess, call().Status)

	rec := call()
	assert.Equal(t, gemini.StatusSlowDown, rec.Status)
	assert.Equal(t, "60", rec.Meta)
	assert.Equal(t, 2, served)
	assert.Equal(t, 1, rejected)

	clock.Advance(DefaultWindow)
	assert.Equal(t, gemini.StatusSuccess, call().Status)
}

func TestMiddlewareLimiterFailure(t *testing.T) {
	handler := NewMiddleware(failingLimiter{}, nil, nil).Wrap(gemini.HandlerFunc(func(w gemini.ResponseWriter, r *gemini.Request) {
		t.Fatal("handler must not run")
	}))

	req, err := gemini.NewRequest("gemini://localhost/")
	require.NoError(t, err)
	rec := gemini.NewRecorder()
	handler.ServeGemini(rec, req)
	assert.Equal(t, gemini.StatusTemporaryFailure, rec.Status)
}

func TestRedisLimiter(t *testing.T) {
	addr := os.Getenv("ROCKETCASTER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ROCKETCASTER_TEST_REDIS_ADDR not set")
	}

	limiter := NewRedis(RedisOptions{Addr: addr}, Policy{Requests: 2, Window: 2 * time.Second}, nil)
	defer limiter.Close()
	ctx := context.Background()
	require.NoError(t, limiter.Ping(ctx))

	key := uuid.NewString()
	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := limiter.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	time.Sleep(2100 * time.Millisecond)
	d, err = limiter.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRetryRedisOperation(t *testing.T) {
	always := func(error) bool { return true }

	attempts := 0
	v, err := retryRedisOperation(context.Background(), always, func() (int, error) {
		attempts++
		if attempts < 2 {
			return 0, fmt.Errorf("transient")
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 2, attempts)

	_, err = retryRedisOperation(context.Background(), always, func() (int, error) {
		return 0, fmt.Errorf("down")
	})
	assert.ErrorContains(t, err, "after 3 retries")
}

func TestRetryRedisOperationStopsOnSentCommand(t *testing.T) {
	attempts := 0
	readErr := &net.OpError{Op: "read", Net: "tcp", Err: io.ErrUnexpectedEOF}
	_, err := retryRedisOperation(context.Background(), isDialError, func() (int, error) {
		attempts++
		return 0, readErr
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, readErr)
	assert.Equal(t, 1, attempts, "a command that may have run must not be repeated")
}

func TestIsDialError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"wrapped dial", fmt.Errorf("connect: %w", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}), true},
		{"read", &net.OpError{Op: "read", Net: "tcp", Err: io.EOF}, false},
		{"eof", io.EOF, false},
		{"server error", errors.New("ERR something"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isDialError(tt.err))
		})
	}
}

func TestRedisLimiterUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	limiter := NewRedis(RedisOptions{Addr: addr}, DefaultPolicy(), nil)
	defer limiter.Close()

	_, err = limiter.Allow(context.Background(), "203.0.113.9")
	require.Error(t, err)
}
