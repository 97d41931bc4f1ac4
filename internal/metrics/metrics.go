// Package metrics exposes the indexer's Prometheus metrics over an HTTP
// /metrics endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds every Prometheus metric the synchronizer reports.
type Metrics struct {
	RoundsProcessed   *prometheus.CounterVec
	EventsWritten     *prometheus.CounterVec
	GraphFeedRows     *prometheus.CounterVec
	ReorgsDetected    *prometheus.CounterVec
	UnknownTopics     *prometheus.CounterVec
	MergesSucceeded   prometheus.Counter

	FetchLatency  prometheus.Histogram
	DecodeLatency prometheus.Histogram
	WriteLatency  prometheus.Histogram
	RoundLatency  *prometheus.HistogramVec

	LastBlockNumber          *prometheus.GaugeVec
	LastConfirmedBlockNumber *prometheus.GaugeVec

	server *http.Server
}

// New creates and registers every indexer metric.
func New() *Metrics {
	m := &Metrics{
		RoundsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ethindexer_rounds_processed_total",
				Help: "Total number of sync rounds processed per syncid",
			},
			[]string{"syncid"},
		),
		EventsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ethindexer_events_written_total",
				Help: "Total number of events written per syncid",
			},
			[]string{"syncid"},
		),
		GraphFeedRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ethindexer_graphfeed_rows_total",
				Help: "Total number of graph feed rows emitted per syncid",
			},
			[]string{"syncid"},
		),
		ReorgsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ethindexer_reorgs_detected_total",
				Help: "Total number of ChainReorgMidFetch aborts per syncid",
			},
			[]string{"syncid"},
		),
		UnknownTopics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ethindexer_unknown_topics_total",
				Help: "Total number of logs skipped for having no registered ABI",
			},
			[]string{"syncid"},
		),
		MergesSucceeded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ethindexer_merges_succeeded_total",
				Help: "Total number of successful syncid merges",
			},
		),
		FetchLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ethindexer_fetch_latency_seconds",
				Help:    "Time spent in RPC calls fetching one round's logs and block headers",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		DecodeLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ethindexer_decode_latency_seconds",
				Help:    "Time to decode one round's logs",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
		),
		WriteLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ethindexer_write_latency_seconds",
				Help:    "Time to commit one round's event/graphfeed/cursor transaction",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
		),
		RoundLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ethindexer_round_latency_seconds",
				Help:    "End-to-end latency of one sync round",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"syncid"},
		),
		LastBlockNumber: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ethindexer_last_block_number",
				Help: "Cursor's last_block_number per syncid",
			},
			[]string{"syncid"},
		),
		LastConfirmedBlockNumber: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ethindexer_last_confirmed_block_number",
				Help: "Cursor's last_confirmed_block_number per syncid",
			},
			[]string{"syncid"},
		),
	}

	prometheus.MustRegister(
		m.RoundsProcessed,
		m.EventsWritten,
		m.GraphFeedRows,
		m.ReorgsDetected,
		m.UnknownTopics,
		m.MergesSucceeded,
		m.FetchLatency,
		m.DecodeLatency,
		m.WriteLatency,
		m.RoundLatency,
		m.LastBlockNumber,
		m.LastConfirmedBlockNumber,
	)

	return m
}

// StartServer starts the HTTP server serving Prometheus scrapes and a
// liveness check.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Info().Int("port", port).Str("path", path).Msg("starting metrics server")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully stops the metrics server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

// RecordRound updates the gauges/counters/histograms for one completed
// round.
func (m *Metrics) RecordRound(syncid string, eventsWritten, graphFeedRows int, duration time.Duration, lastBlockNumber, lastConfirmedBlockNumber int64) {
	m.RoundsProcessed.WithLabelValues(syncid).Inc()
	m.EventsWritten.WithLabelValues(syncid).Add(float64(eventsWritten))
	m.GraphFeedRows.WithLabelValues(syncid).Add(float64(graphFeedRows))
	m.RoundLatency.WithLabelValues(syncid).Observe(duration.Seconds())
	m.LastBlockNumber.WithLabelValues(syncid).Set(float64(lastBlockNumber))
	m.LastConfirmedBlockNumber.WithLabelValues(syncid).Set(float64(lastConfirmedBlockNumber))
}

// RecordReorg increments the reorg counter for syncid.
func (m *Metrics) RecordReorg(syncid string) {
	m.ReorgsDetected.WithLabelValues(syncid).Inc()
}

// RecordUnknownTopic increments the unknown-topic counter for syncid.
func (m *Metrics) RecordUnknownTopic(syncid string) {
	m.UnknownTopics.WithLabelValues(syncid).Inc()
}

// RecordMerge increments the successful-merge counter.
func (m *Metrics) RecordMerge() {
	m.MergesSucceeded.Inc()
}
