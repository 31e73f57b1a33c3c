package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

type Metrics struct {
	Registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	fetchLatency  prometheus.Histogram
	storeLatency  prometheus.Histogram
	lastStoredAt  prometheus.Gauge
	lastCycleDone prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedstore_cycles_total",
			Help: "Poll cycles by outcome.",
		}, []string{"outcome"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedstore_fetch_duration_seconds",
			Help:    "Time spent fetching the latest feed entry.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		storeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedstore_store_duration_seconds",
			Help:    "Time spent inserting a sample, including connection setup.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		lastStoredAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedstore_last_stored_timestamp_seconds",
			Help: "Unix time of the last committed sample.",
		}),
		lastCycleDone: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedstore_last_cycle_timestamp_seconds",
			Help: "Unix time the last poll cycle finished.",
		}),
	}

	m.Registry.MustRegister(m.cycles, m.fetchLatency, m.storeLatency, m.lastStoredAt, m.lastCycleDone)
	return m
}

// A nil *Metrics is valid and records nothing.

func (m *Metrics) Cycle(outcome string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
	m.lastCycleDone.SetToCurrentTime()
}

func (m *Metrics) Stored() {
	if m == nil {
		return
	}
	m.lastStoredAt.SetToCurrentTime()
}

func (m *Metrics) ObserveFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.fetchLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveStore(d time.Duration) {
	if m == nil {
		return
	}
	m.storeLatency.Observe(d.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Serve runs the metrics server on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *log.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("Starting metrics server", "addr", addr)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		if err != nil {
			return err
		}
		if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
