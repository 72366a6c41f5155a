// Package telemetry optionally mirrors statspipe's self-metrics as
// Prometheus gauges/counters, served over HTTP when -metrics-addr is
// set. This is additional operational visibility on top of the
// statsd-line self-metrics the processor already emits; it does not
// replace them.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry exposes the same self-metrics the processor emits as
// statsd lines, as Prometheus collectors.
type Telemetry struct {
	MessagesReceived prometheus.Counter
	MessagesBad      prometheus.Counter
	FlushDuration    prometheus.Histogram
	SinkDrops        *prometheus.CounterVec
	registry         *prometheus.Registry
}

// New constructs a Telemetry with a private registry (never the global
// default one, so multiple instances in tests don't collide).
func New() *Telemetry {
	reg := prometheus.NewRegistry()
	t := &Telemetry{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statspipe_messages_received_total",
			Help: "Total ingest messages processed since start.",
		}),
		MessagesBad: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statspipe_messages_bad_total",
			Help: "Total ingest messages discarded (parse errors or kind conflicts).",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "statspipe_flush_duration_ms",
			Help:    "Wall-clock duration of each flush pass.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		SinkDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statspipe_sink_drops_total",
			Help: "Total lines dropped due to sink outbound buffer overflow.",
		}, []string{"sink"}),
		registry: reg,
	}
	reg.MustRegister(t.MessagesReceived, t.MessagesBad, t.FlushDuration, t.SinkDrops)
	return t
}

// Serve starts an HTTP server exposing /metrics on addr until ctx is
// canceled.
func (t *Telemetry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
