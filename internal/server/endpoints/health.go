package endpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/narrator/internal/api"
	"github.com/jackzampolin/narrator/internal/providers"
	"github.com/jackzampolin/narrator/internal/svcctx"
)

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

// HealthEndpoint handles GET /health.
type HealthEndpoint struct{}

func (e *HealthEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/health", e.handler
}

func (e *HealthEndpoint) RequiresInit() bool { return false }

func (e *HealthEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (e *HealthEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/health", &resp); err != nil {
				return err
			}
			fmt.Printf("Status: %s\n", resp.Status)
			return nil
		},
	}
}

// ReadyEndpoint handles GET /ready.
type ReadyEndpoint struct{}

func (e *ReadyEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/ready", e.handler
}

func (e *ReadyEndpoint) RequiresInit() bool { return false }

func (e *ReadyEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Store: "ok"}

	store := svcctx.StoreFrom(r.Context())
	if store == nil {
		resp.Status = "degraded"
		resp.Store = "not_initialized"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if err := store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *ReadyEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Check server readiness (includes the state store)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/ready", &resp); err != nil {
				return err
			}
			fmt.Printf("Status: %s\n", resp.Status)
			if resp.Store != "" {
				fmt.Printf("Store:  %s\n", resp.Store)
			}
			return nil
		},
	}
}

// StatusResponse is the detailed status response.
type StatusResponse struct {
	Server    string                                 `json:"server"`
	Providers []string                               `json:"providers"`
	Limiters  map[string]providers.RateLimiterStatus `json:"limiters,omitempty"`
	Health    map[string]string                      `json:"health,omitempty"`
	Running   []string                               `json:"running"`
	Home      string                                 `json:"home,omitempty"`
}

// providerHealthTimeout bounds each provider's health check on /status.
const providerHealthTimeout = 5 * time.Second

// StatusEndpoint handles GET /status.
type StatusEndpoint struct{}

func (e *StatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/status", e.handler
}

func (e *StatusEndpoint) RequiresInit() bool { return false }

func (e *StatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Server:  "running",
		Running: []string{},
	}

	if registry := svcctx.RegistryFrom(r.Context()); registry != nil {
		resp.Providers = registry.List()
		resp.Limiters = make(map[string]providers.RateLimiterStatus, len(resp.Providers))
		for _, name := range resp.Providers {
			if lim := registry.Limiter(name); lim != nil {
				resp.Limiters[name] = lim.Status()
			}
		}
		resp.Health = checkProviders(r.Context(), registry, resp.Providers)
	}

	if h := svcctx.HomeFrom(r.Context()); h != nil {
		resp.Home = h.Path()
	}

	if orch := svcctx.OrchestratorFrom(r.Context()); orch != nil {
		if batches, err := orch.ListBatches(r.Context()); err == nil {
			for _, b := range batches {
				if b.Running {
					resp.Running = append(resp.Running, b.BookID)
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// checkProviders runs every provider's health check concurrently and reports
// "ok" or the error text per provider.
func checkProviders(ctx context.Context, registry *providers.Registry, names []string) map[string]string {
	health := make(map[string]string, len(names))
	var mu sync.Mutex
	var g errgroup.Group
	for _, name := range names {
		p, err := registry.Get(name)
		if err != nil {
			continue
		}
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, providerHealthTimeout)
			defer cancel()
			status := "ok"
			if err := p.HealthCheck(cctx); err != nil {
				status = err.Error()
			}
			mu.Lock()
			health[name] = status
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return health
}

func (e *StatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Get detailed server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp StatusResponse
			if err := client.Get(cmd.Context(), "/status", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// MetricsEndpoint handles GET /metrics.
type MetricsEndpoint struct {
	Handler http.Handler
}

func (e *MetricsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/metrics", e.Handler.ServeHTTP
}

func (e *MetricsEndpoint) RequiresInit() bool { return false }

// Command returns nil; the scrape endpoint has no CLI counterpart.
func (e *MetricsEndpoint) Command(getServerURL func() string) *cobra.Command { return nil }

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
