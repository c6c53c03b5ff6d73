package endpoints

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackzampolin/narrator/internal/providers"
	"github.com/jackzampolin/narrator/internal/svcctx"
)

func TestStatusEndpoint_ProviderHealth(t *testing.T) {
	registry := providers.NewRegistry()
	healthy := providers.NewMockTTS()
	broken := providers.NewMockTTS()
	broken.ShouldFail = true
	registry.Register("healthy", healthy)
	registry.Register("broken", broken)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req = req.WithContext(svcctx.WithServices(req.Context(), &svcctx.Services{Registry: registry}))
	rec := httptest.NewRecorder()

	_, _, handler := (&StatusEndpoint{}).Route()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	tests := []struct {
		provider string
		want     string
	}{
		{"healthy", "ok"},
		{"broken", "mock provider configured to fail"},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			if got := resp.Health[tt.provider]; got != tt.want {
				t.Errorf("Health[%q] = %q, want %q", tt.provider, got, tt.want)
			}
		})
	}
}

func TestStatusEndpoint_NoServices(t *testing.T) {
	rec := httptest.NewRecorder()
	_, _, handler := (&StatusEndpoint{}).Route()
	handler(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Server != "running" || resp.Health != nil {
		t.Errorf("unexpected response without services: %+v", resp)
	}
}
