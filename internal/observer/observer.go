// Package observer implements the window-record sink (spec.md §4.8, C8)
// and the optional Prometheus/health HTTP server (C11), grounded on the
// teacher's internal/metrics package: PhantomMetrics's gauge/counter shape
// (gauges.go) and MetricsServer's private-registry HTTP server
// (server.go), both carried over using the same
// github.com/prometheus/client_golang stack, mirrored onto hopveil's own
// per-window fields instead of the teacher's connection/ARQ counters.
package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hopveil/hopveil/internal/runctx"
)

// Recorder is the C8 sink: it appends one runctx.WindowRecord per window
// tick and, if metrics are enabled, mirrors the same fields onto
// Prometheus gauges/counters. Safe for concurrent use by multiple
// endpoint tasks in the same process (spec.md §4.8).
type Recorder struct {
	rc *runctx.Context

	mu       sync.Mutex
	registry *prometheus.Registry
	gauges   *gaugeSet
	started  time.Time
}

type gaugeSet struct {
	windowID         prometheus.Gauge
	obfuscationLevel prometheus.Gauge
	paddingBytes     prometheus.Counter
	realBytes        prometheus.Counter
	rtt              *prometheus.GaugeVec
	loss             *prometheus.GaugeVec
	protoFamily      *prometheus.GaugeVec
	protoVariant     *prometheus.GaugeVec
	modeSwitches     *prometheus.CounterVec
}

// NewRecorder creates a Recorder writing through rc. Prometheus
// registration is deferred to EnableMetrics, so a Recorder with metrics
// disabled carries zero Prometheus overhead.
func NewRecorder(rc *runctx.Context) *Recorder {
	return &Recorder{rc: rc, started: time.Now()}
}

// EnableMetrics registers a private Prometheus registry (never the global
// default, same as the teacher's NewMetricsServer) and returns it so the
// caller can serve it over HTTP.
func (r *Recorder) EnableMetrics() *prometheus.Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registry != nil {
		return r.registry
	}

	reg := prometheus.NewRegistry()
	g := &gaugeSet{
		windowID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hopveil", Name: "window_id", Help: "Current window id.",
		}),
		obfuscationLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hopveil", Name: "obfuscation_level", Help: "Current obfuscation level.",
		}),
		paddingBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hopveil", Name: "padding_bytes_total", Help: "Cumulative synthetic padding bytes emitted.",
		}),
		realBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hopveil", Name: "real_bytes_total", Help: "Cumulative real payload bytes emitted.",
		}),
		rtt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hopveil", Name: "rtt_ms", Help: "Smoothed per-path RTT in milliseconds.",
		}, []string{"path"}),
		loss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hopveil", Name: "loss", Help: "Per-path loss ratio.",
		}, []string{"path"}),
		protoFamily: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hopveil", Name: "proto_family", Help: "Active cover-protocol family id per path.",
		}, []string{"path"}),
		protoVariant: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hopveil", Name: "proto_variant", Help: "Active cover-protocol variant id per path.",
		}, []string{"path"}),
		modeSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hopveil", Name: "mode_switches_total", Help: "Protocol rotation events by trigger.",
		}, []string{"trigger"}),
	}
	reg.MustRegister(
		g.windowID, g.obfuscationLevel, g.paddingBytes, g.realBytes,
		g.rtt, g.loss, g.protoFamily, g.protoVariant, g.modeSwitches,
	)
	r.registry = reg
	r.gauges = g
	return reg
}

// RecordWindow appends a window record to the JSONL sink and, if metrics
// are enabled, updates the mirrored Prometheus series.
func (r *Recorder) RecordWindow(rec runctx.WindowRecord) error {
	r.mu.Lock()
	g := r.gauges
	r.mu.Unlock()

	if g != nil {
		g.windowID.Set(float64(rec.WindowID))
		g.obfuscationLevel.Set(float64(rec.ObfuscationLevel))
		g.paddingBytes.Add(float64(rec.PaddingBytes))
		g.realBytes.Add(float64(rec.RealBytes))
		pathLabel := pathLabelFor(rec.PathID)
		g.rtt.WithLabelValues(pathLabel).Set(rec.RTTMs)
		g.loss.WithLabelValues(pathLabel).Set(rec.Loss)
		g.protoFamily.WithLabelValues(pathLabel).Set(float64(rec.ProtoFamily))
		g.protoVariant.WithLabelValues(pathLabel).Set(float64(rec.ProtoVariant))
		if rec.Trigger != "none" && rec.Trigger != "" {
			g.modeSwitches.WithLabelValues(rec.Trigger).Inc()
		}
	}

	return r.rc.AppendWindowLog(rec)
}

func pathLabelFor(pathID uint8) string {
	return strconv.Itoa(int(pathID))
}

// healthStatus mirrors the teacher's HealthStatus shape, trimmed to what
// the tunnel endpoint can actually report: status, uptime, session and
// path counts.
type healthStatus struct {
	Status   string        `json:"status"`
	Uptime   time.Duration `json:"uptime"`
	Sessions int           `json:"sessions"`
	Paths    int           `json:"paths"`
}

// HealthFunc reports live session/path counts for the /healthz endpoint.
type HealthFunc func() (sessions, paths int)

// Server is the optional HTTP server exposing /metrics and /healthz
// (spec.md §4.11, C11). It is a pure observer: starting or not starting
// it never changes tunnel behavior.
type Server struct {
	httpServer *http.Server
	started    time.Time
	health     HealthFunc
}

// NewServer builds a Server bound to listen, serving reg's registry at
// /metrics and healthFn's counts at /healthz.
func NewServer(listen string, reg *prometheus.Registry, healthFn HealthFunc) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	s := &Server{started: time.Now(), health: healthFn}
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:         listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sessions, paths := 0, 0
	if s.health != nil {
		sessions, paths = s.health()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthStatus{
		Status:   "healthy",
		Uptime:   time.Since(s.started),
		Sessions: sessions,
		Paths:    paths,
	})
}

// Start launches the HTTP server in a background goroutine. It does not
// block; errors after startup (other than a clean Shutdown) are logged by
// the caller via the returned error channel semantics of ListenAndServe.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	return errCh
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
