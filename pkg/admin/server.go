package admin

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthEndpoint provides HTTP health check endpoints
type HealthEndpoint struct {
	monitor  *Monitor
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

func NewHealthEndpoint(monitor *Monitor, gatherer prometheus.Gatherer, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HealthEndpoint{
		monitor:  monitor,
		gatherer: gatherer,
		logger:   logger,
	}
}

func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", he.handleHealth)
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.HandleFunc("/health/ready", he.handleReadiness)
	mux.Handle("/metrics", promhttp.HandlerFor(he.gatherer, promhttp.HandlerOpts{}))
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []ComponentStatus `json:"components"`
	LastCheck  time.Time         `json:"last_check"`
	Timestamp  time.Time         `json:"timestamp"`
}

func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready, components, lastCheck := he.monitor.Status()

	resp := healthResponse{
		Status:     "healthy",
		Components: components,
		LastCheck:  lastCheck,
		Timestamp:  time.Now().UTC(),
	}
	code := http.StatusOK
	if !ready {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		he.logger.Debug("Failed to write health response", zap.Error(err))
	}
}

// handleLiveness answers as long as the process can serve HTTP.
func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if ready, _, _ := he.monitor.Status(); ready {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT READY"))
}

// StartHTTPServer serves metrics and health probes on addr in the background.
func StartHTTPServer(addr string, monitor *Monitor, gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	NewHealthEndpoint(monitor, gatherer, logger).RegisterHandlers(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}

// StartGRPCServer serves the grpc_health_v1 service on addr in the background.
func StartGRPCServer(addr string, monitor *Monitor, logger *zap.Logger) (*grpc.Server, net.Addr, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}

	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, monitor.HealthServer())

	go func() {
		logger.Info("Starting gRPC health server", zap.String("address", lis.Addr().String()))
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("gRPC health server failed", zap.Error(err))
		}
	}()

	return server, lis.Addr(), nil
}
