package stats

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "newsletter_digest"

// Metrics mirrors pipeline events into Prometheus collectors. A one-shot run
// has nothing to scrape, so the registry is written out as a node_exporter
// textfile at the end of the run.
type Metrics struct {
	registry   *prometheus.Registry
	events     *prometheus.CounterVec
	chunks     prometheus.Counter
	summarize  prometheus.Histogram
	newsletter prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Pipeline events by stage and type.",
		}, []string{"stage", "type"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Chunks queued for summarization.",
		}),
		summarize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "summarize_duration_seconds",
			Help:      "Time spent summarizing one message.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		newsletter: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "newsletter_duration_seconds",
			Help:      "Time spent composing the newsletter.",
			Buckets:   []float64{1, 5, 10, 20, 40, 80, 160},
		}),
	}
	m.registry.MustRegister(m.events, m.chunks, m.summarize, m.newsletter)
	return m
}

// Subscribe attaches the metrics to an event stream.
func (m *Metrics) Subscribe(stream EventStream) {
	stream.SubscribeStats("metrics", m.consume)
}

func (m *Metrics) consume(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(evt)
		}
	}
}

func (m *Metrics) Observe(evt Event) {
	m.events.WithLabelValues(string(evt.Stage), string(evt.Type)).Inc()
	switch evt.Type {
	case EventTypeQueued:
		m.chunks.Add(float64(evt.Count))
	case EventTypeSummarized:
		m.summarize.Observe(evt.Duration.Seconds())
	case EventTypeComposed:
		m.newsletter.Observe(evt.Duration.Seconds())
	}
}

// WriteTextfile writes the current metric values in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
