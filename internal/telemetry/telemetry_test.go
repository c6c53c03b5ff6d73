package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSetupExportsMetrics(t *testing.T) {
	tel, err := Setup(Config{Enabled: true, ServiceName: "narrator-test"}, nil)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer tel.Shutdown(context.Background())

	counter, err := tel.Meter("test").Int64Counter("narrator_test_events_total")
	if err != nil {
		t.Fatalf("Int64Counter() error = %v", err)
	}
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(string(body), "narrator_test_events_total") {
		t.Fatalf("metric missing from scrape:\n%s", body)
	}
}

func TestSetupDisabled(t *testing.T) {
	tel, err := Setup(Config{}, nil)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if tel.Meter("x") == nil {
		t.Fatal("expected a meter even when disabled")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}
