package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCounter(t *testing.T) {
	c := NewCounter("test_counter", "Test counter")
	c.Inc()
	c.Add(4)
	if c.Value() != 5 {
		t.Errorf("expected 5, got %d", c.Value())
	}
	if c.Type() != TypeCounter {
		t.Errorf("expected counter type, got %s", c.Type())
	}
}

func TestCounterVec(t *testing.T) {
	v := NewCounterVec("test_submissions_total", "Submissions", "venue")
	v.Inc("base")
	v.Inc("base")
	v.Inc("ephemeral")

	if v.Value("base") != 2 {
		t.Errorf("expected base=2, got %d", v.Value("base"))
	}
	out := formatMetric(v)
	if !strings.Contains(out, `test_submissions_total{venue="base"} 2`) {
		t.Errorf("missing base series in:\n%s", out)
	}
	if strings.Index(out, `venue="base"`) > strings.Index(out, `venue="ephemeral"`) {
		t.Errorf("series should be sorted by label:\n%s", out)
	}
}

func TestHistogram_Cumulative(t *testing.T) {
	h := NewHistogram("test_latency_seconds", "Latency", []float64{1, 0.1, 0.5})
	h.Observe(0.05)
	h.Observe(0.3)
	h.ObserveDuration(2 * time.Second)

	snap := h.Snapshot()
	if snap.Count != 3 {
		t.Fatalf("expected count 3, got %d", snap.Count)
	}
	if snap.Buckets[0].UpperBound != 0.1 {
		t.Errorf("buckets should be sorted, got %v", snap.Buckets)
	}

	out := formatMetric(h)
	for _, want := range []string{
		`test_latency_seconds_bucket{le="0.100"} 1`,
		`test_latency_seconds_bucket{le="0.500"} 2`,
		`test_latency_seconds_bucket{le="1.000"} 2`,
		`test_latency_seconds_bucket{le="+Inf"} 3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestMetrics_Format(t *testing.T) {
	m := NewMetrics()
	m.Submissions.Inc("ephemeral")
	m.RecordConfirmation("ephemeral", 150*time.Millisecond)
	m.DelegationStatus.Set(2)
	m.SetSessionKeyExpiry(time.Unix(1_800_000_000, 0))

	out := m.Format()
	for _, want := range []string{
		"# TYPE crush_submissions_total counter",
		`crush_confirmations_total{venue="ephemeral"} 1`,
		"crush_delegation_status 2",
		"crush_session_key_expires_at 1800000000",
		"crush_confirm_latency_seconds_count 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q", want)
		}
	}

	m.SetSessionKeyExpiry(time.Time{})
	if m.SessionKeyExpires.Value() != 0 {
		t.Error("zero expiry should reset the gauge")
	}
	if m.Get("crush_read_fallbacks_total") == nil {
		t.Error("read fallback counter not registered")
	}
}

func TestServer_Handler(t *testing.T) {
	m := NewMetrics()
	m.ReadFallbacks.Inc()
	m.DelegationStatus.Set(2)
	var healthErr error
	s := NewServer(m, WithHealth(func(context.Context) error {
		m.BaseSlot.Set(777)
		return healthErr
	}))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + DefaultMetricsPath)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "crush_read_fallbacks_total 1") {
		t.Errorf("unexpected metrics body:\n%s", body)
	}

	resp, err = http.Get(srv.URL + DefaultHealthPath)
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"delegation":2`) || !strings.Contains(string(body), `"slot":777`) {
		t.Errorf("health should report delegation status and slot: %s", body)
	}

	healthErr = errors.New("base venue unreachable")
	resp, err = http.Get(srv.URL + DefaultHealthPath)
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(string(body), "unreachable") {
		t.Errorf("expected 503 with message, got %d %s", resp.StatusCode, body)
	}
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer(NewMetrics(), WithAddr("127.0.0.1:0"))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Error("second Start should fail")
	}
	resp, err := http.Get("http://" + s.Addr() + DefaultMetricsPath)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
