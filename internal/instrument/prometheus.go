package instrument

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is an Instrumenter that records span durations and business
// events as Prometheus series.
type Metrics struct {
	registry     *prometheus.Registry
	spanDuration *prometheus.HistogramVec
	events       *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		spanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "span_duration_seconds",
				Help:      "Duration of engine operations in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"source", "component", "action", "status"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "business_events_total",
				Help:      "Total number of business events",
			},
			[]string{"action", "entity"},
		),
	}
	m.registry.MustRegister(m.spanDuration, m.events)
	return m
}

func (m *Metrics) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	return ctx, &metricSpan{
		metrics:   m,
		traceID:   GetTraceID(ctx),
		source:    source,
		component: component,
		action:    action,
		status:    "ok",
		startTime: time.Now(),
	}
}

func (m *Metrics) EmitBusinessEvent(_ context.Context, action, entity, _ string, _ map[string]any) {
	m.events.WithLabelValues(action, entity).Inc()
}

// Middleware stamps each request with a trace ID (X-Request-ID when sent)
// and makes the instrumenter reachable from the request context.
func (m *Metrics) Middleware() fiber.Handler {
	return Middleware(m)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware attaches inst and a trace ID to every request.
func Middleware(inst Instrumenter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		traceID := c.Get("X-Request-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		c.Set("X-Request-ID", traceID)
		ctx := WithTraceID(c.UserContext(), traceID)
		c.SetUserContext(WithInstrumenter(ctx, inst))
		return c.Next()
	}
}

type metricSpan struct {
	mu        sync.Mutex
	metrics   *Metrics
	traceID   string
	source    string
	component string
	action    string
	status    string
	entity    string
	startTime time.Time
	ended     bool
}

func (s *metricSpan) TraceID() string { return s.traceID }

func (s *metricSpan) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// SetMetadata is accepted for API compatibility; labels stay bounded.
func (s *metricSpan) SetMetadata(string, any) {}

func (s *metricSpan) SetEntity(entity, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entity = entity
}

func (s *metricSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.metrics.spanDuration.
		WithLabelValues(s.source, s.component, s.action, s.status).
		Observe(time.Since(s.startTime).Seconds())
}
