// Package metrics exposes the process-health gauges/counters named in
// spec §7, plus the /healthz and /metrics HTTP surface from spec §6.3.
//
// Grounded on poorman-SynapseStrike's metrics package: a custom
// prometheus.Registry (not the global default, so this process's metrics
// never collide with another traderd instance's in a shared registry),
// promauto.With(registry) constructors, and an Init() that registers the
// standard Go/process collectors alongside the domain gauges.
package metrics

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is traderd's own collector registry, kept separate from the
// global default so multiple signatures can run side by side without
// metric-name collisions.
var Registry = prometheus.NewRegistry()

var (
	CycleDuration = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: "traderd",
		Name:      "cycle_duration_seconds",
		Help:      "Wall-clock duration of one RUN_CYCLE, in seconds.",
		Buckets:   []float64{1, 5, 10, 30, 60, 90, 120, 180},
	})

	ConsecutiveCycleFailures = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "traderd",
		Name:      "consecutive_cycle_failures",
		Help:      "Current count of back-to-back failed cycles, per the shared failure breaker.",
	})

	RiskSuspended = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "traderd",
		Name:      "risk_suspended",
		Help:      "1 if the risk governor is currently blocking new entries, else 0.",
	})

	AgentStepsUsed = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "traderd",
		Name:      "agent_steps_used",
		Help:      "Reasoning steps consumed by the most recently completed cycle.",
	})
)

// Init registers the standard Go runtime and process collectors alongside
// the domain gauges above.
func Init() {
	Registry.MustRegister(prometheus.NewGoCollector())
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}

// RecordCycle updates the cycle-level gauges/histogram after one RUN_CYCLE.
func RecordCycle(duration time.Duration, consecutiveFailures int, stepsUsed int) {
	CycleDuration.Observe(duration.Seconds())
	ConsecutiveCycleFailures.Set(float64(consecutiveFailures))
	AgentStepsUsed.Set(float64(stepsUsed))
}

// SetRiskSuspended updates the risk_suspended gauge.
func SetRiskSuspended(suspended bool) {
	if suspended {
		RiskSuspended.Set(1)
		return
	}
	RiskSuspended.Set(0)
}

// Server serves /healthz and /metrics on a localhost-bound listener — an
// operator read surface, never a control socket (spec §6.3).
type Server struct {
	router *mux.Router
	srv    *http.Server
	logger *log.Logger
}

// NewServer builds the metrics/health HTTP surface bound to addr (expected
// to be a loopback address, e.g. "127.0.0.1:9090").
func NewServer(addr string, logger *log.Logger) *Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)

	return &Server{
		router: router,
		logger: logger,
		srv: &http.Server{
			Addr:         addr,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, `{"status":"ok"}`)
}

// Start begins listening in a background goroutine and returns immediately.
func (s *Server) Start() error {
	s.srv.Handler = s.router
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("[metrics] server error: %v", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
