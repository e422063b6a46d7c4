package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rocketcaster/pkg/gemini"
	"rocketcaster/pkg/proxy"
	"rocketcaster/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fixedStats struct {
	stats types.Stats
	err   error
}

func (f fixedStats) Stats(ctx context.Context) (*types.Stats, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := f.stats
	return &s, nil
}

func TestMetricsObserveResponse(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	req, err := gemini.NewRequest("gemini://localhost/")
	require.NoError(t, err)

	m.ObserveResponse(req, gemini.StatusSuccess, 120, 20*time.Millisecond)
	m.ObserveResponse(req, gemini.StatusSuccess, 80, 10*time.Millisecond)
	m.ObserveResponse(req, gemini.StatusNotFound, 0, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("20")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("51")))
	assert.Equal(t, 200.0, testutil.ToFloat64(m.ResponseBytes))
}

func TestMetricsForumCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.NotificationsCreated(3)
	m.NotificationsCreated(0)
	m.IdentityRegistered()
	m.RequestRateLimited()
	m.RequestRateLimited()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Notifications))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Registrations))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RateLimited))
}

func TestProxyHooksTrackTransfers(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	hooks := m.ProxyHooks()

	hooks.Started()
	hooks.Started()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveTransfers))

	hooks.Failed(proxy.ReasonTooLarge)
	hooks.Finished()
	hooks.Streamed(1024)
	hooks.Finished()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transfers))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveTransfers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransferFailures.WithLabelValues(proxy.ReasonTooLarge)))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.TransferredBytes))
}

func TestMonitorCheckNow(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	monitor := NewMonitor(m, fixedStats{stats: types.Stats{Identities: 4, Posts: 2}}, nil)
	defer monitor.Stop()

	failing := errors.New("connection refused")
	var redisErr error
	monitor.AddCheck("store", func(ctx context.Context) error { return nil })
	monitor.AddCheck("redis", func(ctx context.Context) error { return redisErr })

	ready, _, _ := monitor.Status()
	assert.False(t, ready, "not ready before the first check")

	monitor.CheckNow(context.Background())
	ready, components, last := monitor.Status()
	assert.True(t, ready)
	assert.False(t, last.IsZero())
	require.Len(t, components, 2)
	assert.Equal(t, "redis", components[0].Name)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Entities.WithLabelValues("identities")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Entities.WithLabelValues("posts")))

	redisErr = failing
	monitor.CheckNow(context.Background())
	ready, components, _ = monitor.Status()
	assert.False(t, ready)
	assert.Equal(t, "connection refused", components[0].Error)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ComponentUp.WithLabelValues("redis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ComponentUp.WithLabelValues("store")))
}

func TestHealthEndpoints(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	monitor := NewMonitor(m, nil, nil)
	defer monitor.Stop()

	var storeErr error
	monitor.AddCheck("store", func(ctx context.Context) error { return storeErr })

	mux := http.NewServeMux()
	NewHealthEndpoint(monitor, registry, nil).RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/health/live")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	code, _ = get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	monitor.CheckNow(context.Background())
	code, body = get("/health/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "READY", body)

	storeErr = errors.New("down")
	monitor.CheckNow(context.Background())
	code, body = get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
	require.Len(t, resp.Components, 1)
	assert.Equal(t, "down", resp.Components[0].Error)

	m.RequestRateLimited()
	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "rocketcaster_rate_limited_total 1"), body)
}

func TestGRPCHealthService(t *testing.T) {
	monitor := NewMonitor(nil, nil, nil)
	defer monitor.Stop()

	var storeErr error
	monitor.AddCheck("store", func(ctx context.Context) error { return storeErr })

	server, addr, err := StartGRPCServer("127.0.0.1:0", monitor, nil)
	require.NoError(t, err)
	defer server.Stop()

	conn, err := grpc.NewClient(addr.String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	monitor.CheckNow(ctx)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	storeErr = errors.New("down")
	monitor.CheckNow(ctx)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
}
