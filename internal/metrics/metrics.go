// Package metrics exposes prometheus collectors for decoding sessions and
// the mock upstream. A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/screenstream/schema"
)

const namespace = "screenstream"

// Screen kinds used as the "kind" label.
const (
	KindNew       = "new"
	KindEdit      = "edit"
	KindRecovered = "recovered"
)

// Recorder owns a registry and the collectors registered on it.
type Recorder struct {
	registry *prometheus.Registry

	sessionsTotal       *prometheus.CounterVec
	sessionsActive      prometheus.Gauge
	sessionDuration     prometheus.Histogram
	screensTotal        *prometheus.CounterVec
	malformedTotal      prometheus.Counter
	chunksTotal         prometheus.Counter
	chunkBytesTotal     prometheus.Counter
	tokensTotal         *prometheus.CounterVec
	costTotal           prometheus.Counter
	mockStreamsTotal    *prometheus.CounterVec
	mockRejectionsTotal *prometheus.CounterVec
}

// New constructs a Recorder on a fresh registry. Go runtime and process
// collectors are included when withRuntime is set.
func New(withRuntime bool) *Recorder {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "finished_total",
			Help:      "Sessions that reached a terminal state, by status.",
		}, []string{"status"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently streaming.",
		}),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Session duration from start to terminal state in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		screensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "screens_total",
			Help:      "Screens completed, by kind (new, edit or recovered).",
		}, []string{"kind"}),
		malformedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "malformed_envelopes_total",
			Help:      "Data lines skipped because they were not valid JSON.",
		}),
		chunksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "chunks_total",
			Help:      "Text chunks fed to the decoder.",
		}),
		chunkBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "chunk_bytes_total",
			Help:      "Bytes of generated text fed to the decoder.",
		}),
		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "tokens_total",
			Help:      "Tokens reported by usage events, by type (input, output or cached).",
		}, []string{"type"}),
		costTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "cost_usd_total",
			Help:      "Cost in USD reported or computed for usage events.",
		}),
		mockStreamsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mock",
			Name:      "streams_total",
			Help:      "Streams served by the mock upstream, by scenario.",
		}, []string{"scenario"}),
		mockRejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mock",
			Name:      "rejections_total",
			Help:      "Requests rejected by the mock upstream, by code.",
		}, []string{"code"}),
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// WriteTextfile writes the registry to path for the node exporter textfile
// collector.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}

// SessionStarted marks a session as streaming.
func (r *Recorder) SessionStarted() {
	if r == nil {
		return
	}
	r.sessionsActive.Inc()
}

// SessionFinished records a terminal status and the session duration.
func (r *Recorder) SessionFinished(status schema.SessionStatus, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.sessionsActive.Dec()
	r.sessionsTotal.WithLabelValues(string(status)).Inc()
	r.sessionDuration.Observe(elapsed.Seconds())
}

// ScreenCompleted counts a completed screen.
func (r *Recorder) ScreenCompleted(kind string) {
	if r == nil {
		return
	}
	r.screensTotal.WithLabelValues(kind).Inc()
}

// MalformedEnvelope counts a skipped data line.
func (r *Recorder) MalformedEnvelope() {
	if r == nil {
		return
	}
	r.malformedTotal.Inc()
}

// Chunk counts a text chunk of n bytes.
func (r *Recorder) Chunk(n int) {
	if r == nil {
		return
	}
	r.chunksTotal.Inc()
	r.chunkBytesTotal.Add(float64(n))
}

// Usage records token counts and cost from a usage event.
func (r *Recorder) Usage(event schema.UsageEvent) {
	if r == nil {
		return
	}
	r.tokensTotal.WithLabelValues("input").Add(float64(event.InputTokens))
	r.tokensTotal.WithLabelValues("output").Add(float64(event.OutputTokens))
	r.tokensTotal.WithLabelValues("cached").Add(float64(event.CachedTokens))
	if event.CostUSD != nil && *event.CostUSD > 0 {
		r.costTotal.Add(*event.CostUSD)
	}
}

// MockStream counts a stream served by the mock upstream.
func (r *Recorder) MockStream(scenario string) {
	if r == nil {
		return
	}
	r.mockStreamsTotal.WithLabelValues(scenario).Inc()
}

// MockRejected counts a request the mock upstream refused.
func (r *Recorder) MockRejected(code string) {
	if r == nil {
		return
	}
	r.mockRejectionsTotal.WithLabelValues(code).Inc()
}
