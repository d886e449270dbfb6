package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_ObserveCopy(t *testing.T) {
	m := New()

	m.ObserveCopy("photo", "ok", 120*time.Millisecond)
	m.ObserveCopy("photo", "ok", 80*time.Millisecond)
	m.ObserveCopy("unknown", "unsupported", 0)

	if got := testutil.ToFloat64(m.copies.WithLabelValues("photo", "ok")); got != 2 {
		t.Errorf("expected 2 photo copies, got %v", got)
	}
	if got := testutil.ToFloat64(m.copies.WithLabelValues("unknown", "unsupported")); got != 1 {
		t.Errorf("expected 1 unsupported, got %v", got)
	}
	if n := testutil.CollectAndCount(m.latency); n != 1 {
		t.Errorf("expected latency only for photo, got %d series", n)
	}
}

func TestMetrics_GaugesAndCounters(t *testing.T) {
	m := New()

	m.SetRules(3)
	m.UpdateReceived("message")
	m.BusDropped()
	m.BusDropped()

	if got := testutil.ToFloat64(m.rules); got != 3 {
		t.Errorf("expected rules=3, got %v", got)
	}
	if got := testutil.ToFloat64(m.updates.WithLabelValues("message")); got != 1 {
		t.Errorf("expected 1 update, got %v", got)
	}
	if got := testutil.ToFloat64(m.busDropped); got != 2 {
		t.Errorf("expected 2 drops, got %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveCopy("text", "ok", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		`copybot_copies_total{kind="text",result="ok"} 1`,
		"copybot_copy_latency_seconds_bucket",
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in exposition output", want)
		}
	}
}

func TestMetrics_Uptime(t *testing.T) {
	m := New()
	if m.Uptime() < 0 {
		t.Error("uptime should not be negative")
	}
}
