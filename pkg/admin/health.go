package admin

import (
	"context"
	"sort"
	"sync"
	"time"

	"rocketcaster/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported next to the overall
// ("") status.
const ServiceName = "rocketcaster.Gemini"

const (
	DefaultCheckInterval = 30 * time.Second
	DefaultCheckTimeout  = 5 * time.Second
)

// Check probes one dependency; a nil error means healthy.
type Check func(ctx context.Context) error

// StatsSource is implemented by store.Store.
type StatsSource interface {
	Stats(ctx context.Context) (*types.Stats, error)
}

type namedCheck struct {
	name  string
	check Check
}

// Monitor runs health checks periodically and publishes the result to
// Prometheus, the HTTP probes and the gRPC health service.
type Monitor struct {
	metrics *Metrics
	stats   StatsSource
	health  *health.Server
	logger  *zap.Logger

	checkInterval time.Duration
	checkTimeout  time.Duration

	mu        sync.RWMutex
	checks    []namedCheck
	results   map[string]error
	lastCheck time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMonitor(metrics *Metrics, stats StatsSource, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Monitor{
		metrics:       metrics,
		stats:         stats,
		health:        hs,
		logger:        logger,
		checkInterval: DefaultCheckInterval,
		checkTimeout:  DefaultCheckTimeout,
		results:       make(map[string]error),
		stopChan:      make(chan struct{}),
	}
}

// AddCheck registers a named check. Call before Start.
func (m *Monitor) AddCheck(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, namedCheck{name: name, check: check})
}

// Start runs a first check synchronously, then keeps checking in the background.
func (m *Monitor) Start(ctx context.Context) {
	m.CheckNow(ctx)

	m.wg.Add(1)
	go m.monitorLoop()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.wg.Wait()
		m.health.Shutdown()
	})
}

func (m *Monitor) monitorLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckNow(context.Background())
		case <-m.stopChan:
			return
		}
	}
}

// CheckNow runs every check and updates all health outputs.
func (m *Monitor) CheckNow(ctx context.Context) {
	m.mu.RLock()
	checks := append([]namedCheck(nil), m.checks...)
	m.mu.RUnlock()

	results := make(map[string]error, len(checks))
	healthy := true
	for _, c := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
		err := c.check(checkCtx)
		cancel()

		results[c.name] = err
		up := 1.0
		if err != nil {
			up = 0
			healthy = false
			m.logger.Warn("Health check failed", zap.String("component", c.name), zap.Error(err))
		}
		if m.metrics != nil {
			m.metrics.ComponentUp.WithLabelValues(c.name).Set(up)
		}
	}

	if m.stats != nil && m.metrics != nil {
		statsCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
		stats, err := m.stats.Stats(statsCtx)
		cancel()
		if err != nil {
			m.logger.Warn("Failed to sample store statistics", zap.Error(err))
		} else {
			m.metrics.recordStats(stats)
		}
	}

	status := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	m.health.SetServingStatus("", status)
	m.health.SetServingStatus(ServiceName, status)

	now := time.Now()
	m.mu.Lock()
	m.results = results
	m.lastCheck = now
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.LastHealthCheck.Set(float64(now.Unix()))
	}

	m.logger.Debug("Health check completed",
		zap.Bool("healthy", healthy),
		zap.Time("timestamp", now))
}

// ComponentStatus is one check's latest outcome.
type ComponentStatus struct {
	Name  string `json:"name"`
	Up    bool   `json:"up"`
	Error string `json:"error,omitempty"`
}

// Status returns the latest results, sorted by component name. Ready is
// false until the first check ran or while any check fails.
func (m *Monitor) Status() (ready bool, components []ComponentStatus, lastCheck time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ready = !m.lastCheck.IsZero()
	for name, err := range m.results {
		cs := ComponentStatus{Name: name, Up: err == nil}
		if err != nil {
			cs.Error = err.Error()
			ready = false
		}
		components = append(components, cs)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })
	return ready, components, m.lastCheck
}

// HealthServer is the grpc_health_v1 implementation kept in sync by the monitor.
func (m *Monitor) HealthServer() *health.Server {
	return m.health
}
