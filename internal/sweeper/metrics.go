package sweeper

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nyrvik/tokenvault/internal/telemetry/logger"
)

// MetricsServer serves the Prometheus registry over HTTP.
type MetricsServer struct {
	server *http.Server
	log    logger.Logger
}

// NewMetricsServer creates a metrics server on addr exposing the
// given registry at /metrics.
func NewMetricsServer(addr string, reg *prometheus.Registry, log logger.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start serves in a goroutine. Listen failures are logged, not
// returned: the sweeper keeps working without its metrics endpoint.
func (m *MetricsServer) Start() {
	go func() {
		m.log.Info("metrics server listening", "addr", m.server.Addr)
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("metrics server error", "error", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}
