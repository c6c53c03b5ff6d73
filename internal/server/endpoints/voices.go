package endpoints

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrator/internal/api"
	"github.com/jackzampolin/narrator/internal/providers"
	"github.com/jackzampolin/narrator/internal/svcctx"
)

// VoiceResponse represents a voice in API responses.
type VoiceResponse struct {
	VoiceID     string `json:"voice_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Language    string `json:"language,omitempty"`
	Provider    string `json:"provider"`
}

// ListVoicesResponse contains the list of voices.
type ListVoicesResponse struct {
	Provider string          `json:"provider"`
	Voices   []VoiceResponse `json:"voices"`
}

// ListVoicesEndpoint handles GET /api/voices.
type ListVoicesEndpoint struct{}

func (e *ListVoicesEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/voices", e.handler
}

func (e *ListVoicesEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List TTS voices
//	@Description	List the voices a provider offers; defaults to the configured provider
//	@Tags			voices
//	@Produce		json
//	@Param			provider	query		string	false	"Provider name"
//	@Success		200			{object}	ListVoicesResponse
//	@Failure		404			{object}	ErrorResponse
//	@Failure		502			{object}	ErrorResponse
//	@Router			/api/voices [get]
func (e *ListVoicesEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	registry := svcctx.RegistryFrom(ctx)
	if registry == nil {
		writeError(w, http.StatusServiceUnavailable, "provider registry not initialized")
		return
	}

	name := r.URL.Query().Get("provider")
	if name == "" {
		name = svcctx.BatchDefaultsFrom(ctx).Provider
	}
	provider, err := registry.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	lister, ok := provider.(providers.VoicesLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "provider "+name+" cannot list voices")
		return
	}

	voiceList, err := lister.ListVoices(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to list voices: "+err.Error())
		return
	}

	resp := ListVoicesResponse{
		Provider: name,
		Voices:   make([]VoiceResponse, len(voiceList)),
	}
	for i, v := range voiceList {
		resp.Voices[i] = VoiceResponse{
			VoiceID:     v.VoiceID,
			Name:        v.Name,
			Description: v.Description,
			Language:    v.Language,
			Provider:    name,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *ListVoicesEndpoint) Command(getServerURL func() string) *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "voices",
		Short: "List TTS voices",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := "/api/voices"
			if provider != "" {
				path += "?provider=" + url.QueryEscape(provider)
			}
			client := api.NewClient(getServerURL())
			var resp ListVoicesResponse
			if err := client.Get(ctx, path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "Provider name (default: configured provider)")
	return cmd
}
