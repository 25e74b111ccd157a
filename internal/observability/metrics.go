// Package observability — metrics.go
//
// Prometheus metrics for the screenruster daemon.
//
// Endpoint: GET /metrics on the configured loopback address; disabled when
// no address is configured. Format: Prometheus text exposition format.
//
// Metric naming convention: screenruster_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control: transition names, auth outcomes and bus method
// names are the only labels; cookies and applications never become label
// values.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for screenruster.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Session state ───────────────────────────────────────────────────────

	// SessionActive is 1 while the saver is shown.
	SessionActive prometheus.Gauge

	// SessionLocked is 1 while authentication is required to dismiss.
	SessionLocked prometheus.Gauge

	// SessionBlanked is 1 while DPMS has the monitor powered off.
	SessionBlanked prometheus.Gauge

	// StateTransitionsTotal counts coordinator transitions.
	// Labels: transition (start, stop, lock, unlock, blank, unblank)
	StateTransitionsTotal *prometheus.CounterVec

	// ─── Cookies ─────────────────────────────────────────────────────────────

	// Inhibitors is the number of live inhibit cookies.
	Inhibitors prometheus.Gauge

	// Throttlers is the number of live throttle cookies.
	Throttlers prometheus.Gauge

	// Suspenders is the number of live suspend cookies.
	Suspenders prometheus.Gauge

	// ─── Workers ─────────────────────────────────────────────────────────────

	// AuthAttemptsTotal counts authentication attempts.
	// Labels: outcome (success, failure)
	AuthAttemptsTotal *prometheus.CounterVec

	// BusRequestsTotal counts dispatched bus requests.
	// Labels: method
	BusRequestsTotal *prometheus.CounterVec

	// UptimeSeconds is the number of seconds since daemon start.
	UptimeSeconds prometheus.Gauge

	// startTime records when the daemon started (for uptime calculation).
	startTime time.Time
}

// New creates and registers all screenruster Prometheus metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		SessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "screenruster",
			Subsystem: "session",
			Name:      "active",
			Help:      "1 while the saver is shown.",
		}),

		SessionLocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "screenruster",
			Subsystem: "session",
			Name:      "locked",
			Help:      "1 while authentication is required to dismiss the saver.",
		}),

		SessionBlanked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "screenruster",
			Subsystem: "session",
			Name:      "blanked",
			Help:      "1 while the monitor is powered off via DPMS.",
		}),

		StateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "screenruster",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Total coordinator state transitions, by transition name.",
		}, []string{"transition"}),

		Inhibitors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "screenruster",
			Subsystem: "cookies",
			Name:      "inhibitors",
			Help:      "Number of live inhibit cookies.",
		}),

		Throttlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "screenruster",
			Subsystem: "cookies",
			Name:      "throttlers",
			Help:      "Number of live throttle cookies.",
		}),

		Suspenders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "screenruster",
			Subsystem: "cookies",
			Name:      "suspenders",
			Help:      "Number of live suspend cookies.",
		}),

		AuthAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "screenruster",
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Total authentication attempts, by outcome.",
		}, []string{"outcome"}),

		BusRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "screenruster",
			Subsystem: "bus",
			Name:      "requests_total",
			Help:      "Total dispatched session bus requests, by method.",
		}, []string{"method"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "screenruster",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.SessionActive,
		m.SessionLocked,
		m.SessionBlanked,
		m.StateTransitionsTotal,
		m.Inhibitors,
		m.Throttlers,
		m.Suspenders,
		m.AuthAttemptsTotal,
		m.BusRequestsTotal,
		m.UptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
