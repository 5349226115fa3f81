package ingestor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the service reported through the gRPC health protocol.
const HealthServiceName = "sensor_monitor.Ingestor"

type connectionState interface {
	Connected() bool
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Health answers liveness and readiness probes from the broker connection,
// a storage ping and the age of the last failed flush.
type Health struct {
	broker    connectionState
	store     pinger
	scheduler *Scheduler
	// flush errors younger than errWindow degrade /healthz
	errWindow time.Duration
}

func NewHealth(broker connectionState, store pinger, scheduler *Scheduler, errWindow time.Duration) *Health {
	return &Health{broker: broker, store: store, scheduler: scheduler, errWindow: errWindow}
}

type healthStatus struct {
	Status             string  `json:"status"`
	BrokerConnected    bool    `json:"broker_connected"`
	StorageOK          bool    `json:"storage_ok"`
	LastFlush          string  `json:"last_flush,omitempty"`
	LastFlushErrorAgeS float64 `json:"last_flush_error_age_sec,omitempty"`
}

func (h *Health) status(ctx context.Context) healthStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	st := healthStatus{
		BrokerConnected: h.broker != nil && h.broker.Connected(),
		StorageOK:       h.store != nil && h.store.Ping(ctx) == nil,
	}
	recentErr := false
	if h.scheduler != nil {
		if last := h.scheduler.LastFlush(); !last.IsZero() {
			st.LastFlush = last.UTC().Format(time.RFC3339)
		}
		if age, ok := h.scheduler.LastErrorAge(); ok {
			st.LastFlushErrorAgeS = age.Seconds()
			recentErr = age < h.errWindow
		}
	}

	switch {
	case st.BrokerConnected && st.StorageOK && !recentErr:
		st.Status = "ok"
	case st.BrokerConnected || st.StorageOK:
		st.Status = "degraded"
	default:
		st.Status = "down"
	}
	return st
}

func (h *Health) serveHealth(w http.ResponseWriter, r *http.Request) {
	st := h.status(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if st.Status == "down" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(st)
}

func (h *Health) serveReady(w http.ResponseWriter, r *http.Request) {
	st := h.status(r.Context())
	ready := st.BrokerConnected && st.StorageOK
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(struct {
		Ready bool `json:"ready"`
	}{Ready: ready})
}

// serveFlush triggers an out-of-cycle flush. It shares the scheduler's
// single-flush guard and answers 409 while one is running.
func (h *Health) serveFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, err := h.scheduler.TryFlush(r.Context())
	w.Header().Set("Content-Type", "application/json")
	switch {
	case errors.Is(err, ErrFlushInProgress):
		w.WriteHeader(http.StatusConflict)
	case err != nil:
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(res)
}

// NewHTTPMux exposes /healthz, /readyz, /flush and /metrics.
func NewHTTPMux(h *Health, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.serveHealth)
	mux.HandleFunc("/readyz", h.serveReady)
	if h.scheduler != nil {
		mux.HandleFunc("/flush", h.serveFlush)
	}
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// GRPCHealth publishes the broker connection state through the standard
// gRPC health service.
type GRPCHealth struct {
	server *health.Server
}

func NewGRPCHealth() *GRPCHealth {
	srv := health.NewServer()
	srv.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &GRPCHealth{server: srv}
}

func (g *GRPCHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, g.server)
}

// SetConnected is meant to be used as the subscriber's state callback.
func (g *GRPCHealth) SetConnected(connected bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if connected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.server.SetServingStatus(HealthServiceName, status)
}

func (g *GRPCHealth) Shutdown() {
	g.server.Shutdown()
}

// Check is a convenience for in-process callers and tests.
func (g *GRPCHealth) Check(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := g.server.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
