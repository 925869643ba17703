package instrument

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGetInstrumenter_DefaultsToNoop(t *testing.T) {
	inst := GetInstrumenter(context.Background())
	if _, ok := inst.(*NoopInstrumenter); !ok {
		t.Fatalf("expected NoopInstrumenter, got %T", inst)
	}
	_, span := inst.StartSpan(context.Background(), "engine", "bulk", "bulk.apply")
	span.SetStatus("error")
	span.End()
}

func TestMetrics_SpanObservedOnce(t *testing.T) {
	m := NewMetrics("test")
	ctx := WithTraceID(context.Background(), "trace-1")
	_, span := m.StartSpan(ctx, "engine", "bulk", "bulk.apply")
	if span.TraceID() != "trace-1" {
		t.Fatalf("expected trace-1, got %q", span.TraceID())
	}
	span.SetStatus("error")
	span.End()
	span.End()

	if n := testutil.CollectAndCount(m.spanDuration); n != 1 {
		t.Fatalf("expected 1 series, got %d", n)
	}
	m.EmitBusinessEvent(ctx, "bulk.commit", "parcels", "", nil)
	if v := testutil.ToFloat64(m.events.WithLabelValues("bulk.commit", "parcels")); v != 1 {
		t.Fatalf("expected 1 event, got %v", v)
	}
}

func TestMetrics_MiddlewareAndHandler(t *testing.T) {
	m := NewMetrics("test")
	app := fiber.New()
	app.Use(m.Middleware())
	app.Get("/ping", func(c *fiber.Ctx) error {
		_, span := GetInstrumenter(c.UserContext()).StartSpan(c.UserContext(), "http", "test", "ping")
		defer span.End()
		return c.SendString(span.TraceID())
	})
	app.Get("/metrics", m.Handler())

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("X-Request-ID", "abc")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "abc" {
		t.Fatalf("expected trace id abc, got %q", body)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/metrics", nil), -1)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "test_span_duration_seconds") {
		t.Fatalf("expected span histogram in output, got %s", body)
	}
}
