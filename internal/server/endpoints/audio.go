package endpoints

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrator/internal/api"
	"github.com/jackzampolin/narrator/internal/storage"
	"github.com/jackzampolin/narrator/internal/svcctx"
)

// BatchAudioEndpoint handles GET /api/batches/{book_id}/audio.
type BatchAudioEndpoint struct{ batchGroup }

func (e *BatchAudioEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/batches/{book_id}/audio", e.handler
}

func (e *BatchAudioEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Download book audio
//	@Description	Stream the combined audio of a completed batch
//	@Tags			batches
//	@Produce		octet-stream
//	@Param			book_id	path		string	true	"Book ID"
//	@Success		200		{file}		binary
//	@Failure		404		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Router			/api/batches/{book_id}/audio [get]
func (e *BatchAudioEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orch := svcctx.OrchestratorFrom(ctx)
	blobs := svcctx.StorageFrom(ctx)
	if orch == nil || blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not initialized")
		return
	}

	progress, err := orch.GetProgress(ctx, r.PathValue("book_id"))
	if err != nil {
		writeBatchError(w, err)
		return
	}
	if progress.CombinedAudio == "" {
		writeError(w, http.StatusConflict, fmt.Sprintf("batch %s has no combined audio (status %s)", progress.BookID, progress.Status))
		return
	}

	rc, err := blobs.Get(ctx, progress.CombinedAudio)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "combined audio missing from storage")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rc.Close()

	logger := svcctx.LoggerFrom(ctx)

	w.Header().Set("Content-Type", audioContentType(path.Ext(progress.CombinedAudio)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(progress.CombinedAudio)))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		logger.Warn("audio download interrupted", "book_id", progress.BookID, "error", err)
	}
}

func (e *BatchAudioEndpoint) Command(getServerURL func() string) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "audio <book_id>",
		Short: "Download the combined audio of a completed batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmp, err := os.CreateTemp(".", args[0]+"-*.part")
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			client := api.NewClient(getServerURL())
			ctype, err := client.Download(cmd.Context(), "/api/batches/"+args[0]+"/audio", tmp)
			if cerr := tmp.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(tmp.Name())
				return err
			}
			if out == "" {
				out = args[0] + audioExt(ctype)
			}
			if err := os.Rename(tmp.Name(), out); err != nil {
				os.Remove(tmp.Name())
				return fmt.Errorf("failed to write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%s)\n", out, ctype)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Output file (default <book_id> plus the audio extension)")
	return cmd
}

var audioTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".aac":  "audio/aac",
	".flac": "audio/flac",
}

func audioContentType(ext string) string {
	if t, ok := audioTypes[ext]; ok {
		return t
	}
	return "application/octet-stream"
}

func audioExt(contentType string) string {
	for ext, t := range audioTypes {
		if t == contentType {
			return ext
		}
	}
	return ".bin"
}
