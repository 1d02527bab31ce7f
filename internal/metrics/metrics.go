// Package metrics declares the Prometheus instrumentation for vault-sync,
// following the small-set-of-named-counters-registered-at-init pattern used
// by Comcast-fishymetrics' exporters.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RenewalFailures counts failed token renewal/login attempts, labeled
	// by client name ("src"/"dst" or the pipeline's client identifier).
	RenewalFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_sync_renewal_failures_total",
		Help: "Number of failed Vault token renewal or login attempts.",
	}, []string{"client"})

	// TasksTotal counts SyncTask outcomes, labeled by pipeline and outcome
	// ("written", "not_found", "dry_run", "dropped").
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_sync_tasks_total",
		Help: "Number of sync tasks processed, by pipeline and outcome.",
	}, []string{"pipeline", "outcome"})

	// FullSyncDuration observes the wall-clock duration of a full-sync
	// walk, labeled by pipeline.
	FullSyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_sync_full_sync_duration_seconds",
		Help:    "Duration of a full-sync walk.",
		Buckets: prometheus.DefBuckets,
	}, []string{"pipeline"})

	// AuditConnections tracks the number of currently-open audit socket
	// connections.
	AuditConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_sync_audit_connections",
		Help: "Number of currently open audit socket connections.",
	})
)

// Serve starts an HTTP server exposing /metrics on addr and blocks until ctx
// is cancelled, at which point it shuts the server down gracefully and
// returns. Mirrors the cancellation pattern audit.Listener.Serve uses for its
// own net.Listener.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
