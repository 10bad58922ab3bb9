package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/fleet-crawler/internal/events"
)

// PrometheusSink exports per-site crawl record counters.
type PrometheusSink struct {
	records   *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	fetchTime *prometheus.HistogramVec
	attempts  *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_records_total",
			Help: "Crawl records emitted, partitioned by site, task state and status class.",
		}, []string{"site", "state", "status_class"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_record_bytes_total",
			Help: "Content bytes carried by crawl records per site.",
		}, []string{"site"}),
		fetchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_record_fetch_seconds",
			Help:    "Fetch time reported in crawl records.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_record_attempts",
			Help:    "Attempts needed before a URL reached a terminal state.",
			Buckets: []float64{1, 2, 3, 5, 8},
		}, []string{"state"}),
	}
	for _, collector := range []prometheus.Collector{s.records, s.bytes, s.fetchTime, s.attempts} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		site := evt.Site
		if site == "" {
			site = "unknown"
		}
		md := evt.Record.Metadata
		s.records.WithLabelValues(site, string(evt.State), events.StatusClass(md.StatusCode)).Inc()
		if md.Size > 0 {
			s.bytes.WithLabelValues(site).Add(float64(md.Size))
		}
		if evt.Record.Crawled && md.FetchTime > 0 {
			s.fetchTime.WithLabelValues(site).Observe(md.FetchTime)
		}
		if evt.Terminal() && evt.Attempt > 0 {
			s.attempts.WithLabelValues(string(evt.State)).Observe(float64(evt.Attempt))
		}
	}
	return nil
}

// Close implements events.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
