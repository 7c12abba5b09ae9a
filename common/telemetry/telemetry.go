package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lyzr/mediapipe/common/logger"
)

// Telemetry holds observability components
type Telemetry struct {
	log         *logger.Logger
	pprofAddr   string
	metricsAddr string
	gatherer    prometheus.Gatherer

	enablePprof   bool
	enableMetrics bool
	servers       []*http.Server
}

// New creates telemetry components. gatherer nil means the default
// Prometheus registry.
func New(pprofPort, metricsPort int, enablePprof, enableMetrics bool, gatherer prometheus.Gatherer, log *logger.Logger) *Telemetry {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Telemetry{
		log:           log,
		pprofAddr:     fmt.Sprintf("localhost:%d", pprofPort),
		metricsAddr:   fmt.Sprintf(":%d", metricsPort),
		gatherer:      gatherer,
		enablePprof:   enablePprof,
		enableMetrics: enableMetrics,
	}
}

// MetricsHandler returns the Prometheus exposition handler
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.gatherer, promhttp.HandlerOpts{})
}

// Start starts telemetry endpoints
func (t *Telemetry) Start(ctx context.Context) error {
	if t.enablePprof {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		t.serve("pprof", t.pprofAddr, mux)
	}

	if t.enableMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", t.MetricsHandler())
		t.serve("metrics", t.metricsAddr, mux)
	}

	return nil
}

func (t *Telemetry) serve(name, addr string, handler http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	t.servers = append(t.servers, srv)

	go func() {
		t.log.Info(name+" server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error(name+" server error", "error", err)
		}
	}()
}

// Stop shuts down the telemetry servers
func (t *Telemetry) Stop(ctx context.Context) error {
	var errs []error
	for _, srv := range t.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}
