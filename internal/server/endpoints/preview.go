package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrator/internal/api"
	"github.com/jackzampolin/narrator/internal/batch"
	"github.com/jackzampolin/narrator/internal/chunker"
	"github.com/jackzampolin/narrator/internal/svcctx"
)

// ChunkPreviewRequest is raw text to split.
type ChunkPreviewRequest struct {
	Text        string `json:"text"`
	MaxChunkLen int    `json:"max_chunk_len,omitempty"`
}

// ChunkPreviewResponse lists the chunks a batch would synthesize.
type ChunkPreviewResponse struct {
	Count    int                            `json:"count"`
	Chunks   []chunker.Chunk                `json:"chunks"`
	Warnings []chunker.ChunkOverflowWarning `json:"warnings,omitempty"`
}

// ChunkPreviewEndpoint handles POST /api/chunk.
type ChunkPreviewEndpoint struct{}

func (e *ChunkPreviewEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/chunk", e.handler
}

func (e *ChunkPreviewEndpoint) RequiresInit() bool { return false }

func (e *ChunkPreviewEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req ChunkPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg := svcctx.BatchDefaultsFrom(r.Context())
	if req.MaxChunkLen > 0 {
		cfg.MaxChunkLen = req.MaxChunkLen
	}
	res, err := batch.ChunkText(req.Text, cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ChunkPreviewResponse{
		Count:    len(res.Chunks),
		Chunks:   res.Chunks,
		Warnings: res.Warnings,
	})
}

func (e *ChunkPreviewEndpoint) Command(getServerURL func() string) *cobra.Command {
	var file string
	var maxLen int
	cmd := &cobra.Command{
		Use:   "chunk [text]",
		Short: "Show how text would be chunked",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := textArg(args, file)
			if err != nil {
				return err
			}
			client := api.NewClient(getServerURL())
			var resp ChunkPreviewResponse
			if err := client.Post(cmd.Context(), "/api/chunk", ChunkPreviewRequest{Text: text, MaxChunkLen: maxLen}, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read text from a file")
	cmd.Flags().IntVar(&maxLen, "max-chunk-len", 0, "Maximum chunk length in characters")
	return cmd
}

// AudioPreviewResponse carries a short synthesized sample.
type AudioPreviewResponse struct {
	Provider   string `json:"provider"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Characters int    `json:"characters"`
	Audio      []byte `json:"audio"`
}

// AudioPreviewEndpoint handles POST /api/preview.
type AudioPreviewEndpoint struct{}

func (e *AudioPreviewEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/preview", e.handler
}

func (e *AudioPreviewEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Preview audio
//	@Description	Synthesize the first 500 characters of the text without storing anything
//	@Tags			preview
//	@Accept			json
//	@Produce		json
//	@Param			request	body		batch.PreviewRequest	true	"Text and voice"
//	@Success		200		{object}	AudioPreviewResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		502		{object}	ErrorResponse
//	@Router			/api/preview [post]
func (e *AudioPreviewEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	orch := svcctx.OrchestratorFrom(r.Context())
	if orch == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not initialized")
		return
	}

	var req batch.PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if batch.PreviewText(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	defaults := svcctx.BatchDefaultsFrom(r.Context())
	if req.Provider == "" {
		req.Provider = defaults.Provider
		if req.Voice == "" {
			req.Voice = defaults.Voice
		}
	}
	if registry := svcctx.RegistryFrom(r.Context()); registry != nil && !registry.Has(req.Provider) {
		writeError(w, http.StatusBadRequest, "TTS provider not found: "+req.Provider)
		return
	}

	res, err := orch.Preview(r.Context(), req)
	if err != nil {
		svcctx.LoggerFrom(r.Context()).Warn("preview synthesis failed", "provider", req.Provider, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, AudioPreviewResponse{
		Provider:   req.Provider,
		Format:     res.Format,
		SampleRate: res.SampleRate,
		Characters: res.CharCount,
		Audio:      res.Audio,
	})
}

func (e *AudioPreviewEndpoint) Command(getServerURL func() string) *cobra.Command {
	var req batch.PreviewRequest
	var file, out string
	cmd := &cobra.Command{
		Use:   "preview [text]",
		Short: "Synthesize a short audio preview",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := textArg(args, file)
			if err != nil {
				return err
			}
			req.Text = text

			client := api.NewClient(getServerURL())
			var resp AudioPreviewResponse
			if err := client.Post(cmd.Context(), "/api/preview", req, &resp); err != nil {
				return err
			}
			if out == "" {
				out = "preview." + resp.Format
			}
			if err := os.WriteFile(out, resp.Audio, 0o644); err != nil {
				return fmt.Errorf("failed to write preview: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes of %s audio to %s\n", len(resp.Audio), resp.Format, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read text from a file")
	cmd.Flags().StringVar(&out, "out", "", "Output file (default preview.<format>)")
	cmd.Flags().StringVar(&req.Provider, "provider", "", "TTS provider name")
	cmd.Flags().StringVar(&req.Voice, "voice", "", "Voice id")
	cmd.Flags().StringVar(&req.Model, "model", "", "Model id")
	cmd.Flags().StringVar(&req.Format, "format", "", "Audio format")
	return cmd
}

// textArg returns the positional text argument or the contents of file.
func textArg(args []string, file string) (string, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", file, err)
		}
		return string(data), nil
	}
	if len(args) == 0 {
		return "", fmt.Errorf("text argument or --file is required")
	}
	return args[0], nil
}
