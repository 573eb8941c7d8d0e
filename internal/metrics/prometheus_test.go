package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPrometheusRecorder(t *testing.T) {
	rec := NewPrometheusRecorder()
	rec.IncCounter("verification", map[string]string{"network": "tron", "result": "verified"})
	rec.IncCounter("verification", map[string]string{"network": "tron", "result": "verified"})
	rec.ObserveLatency("query_finality", 120*time.Millisecond, map[string]string{"network": "tron"})

	srv := httptest.NewServer(rec.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	want := `settlement_events_total{network="tron",result="verified",type="verification"} 2`
	if !strings.Contains(string(body), want) {
		t.Errorf("Expected %q in scrape output:\n%s", want, body)
	}
	if !strings.Contains(string(body), "settlement_latency_seconds_count") {
		t.Error("Expected latency histogram in scrape output")
	}

	// A second recorder must not collide with the first
	NewPrometheusRecorder()
	var _ Recorder = NoopRecorder{}
}
