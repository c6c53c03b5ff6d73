package endpoints

import (
	"net/http"

	"github.com/jackzampolin/narrator/internal/api"
)

// Config holds dependencies needed by some endpoints.
type Config struct {
	// MetricsHandler serves the Prometheus scrape; nil disables /metrics.
	MetricsHandler http.Handler
}

// All returns all endpoint instances.
func All(cfg Config) []api.Endpoint {
	eps := []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{},

		// Batch endpoints
		&StartBatchEndpoint{},
		&ListBatchesEndpoint{},
		&ResumeBatchEndpoint{},
		&AbortBatchEndpoint{},
		&ProgressEndpoint{},
		&ListChunksEndpoint{},
		&BatchAudioEndpoint{},

		// Preview endpoints
		&ChunkPreviewEndpoint{},
		&AudioPreviewEndpoint{},

		// Provider endpoints
		&ListVoicesEndpoint{},
	}
	if cfg.MetricsHandler != nil {
		eps = append(eps, &MetricsEndpoint{Handler: cfg.MetricsHandler})
	}
	return eps
}
