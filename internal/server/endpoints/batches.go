package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrator/internal/api"
	"github.com/jackzampolin/narrator/internal/batch"
	"github.com/jackzampolin/narrator/internal/pages"
	"github.com/jackzampolin/narrator/internal/state"
	"github.com/jackzampolin/narrator/internal/svcctx"
)

// maxManifestBytes bounds a start request body.
const maxManifestBytes = 64 << 20

// batchGroup groups the batch commands under "narrator api batches".
type batchGroup struct{}

func (batchGroup) Group() string { return "batches" }

// writeBatchError maps orchestrator errors to HTTP status codes.
func writeBatchError(w http.ResponseWriter, err error) {
	var oe *pages.OrderingError
	switch {
	case errors.As(err, &oe), errors.Is(err, batch.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, batch.ErrBatchNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, batch.ErrBatchRunning), errors.Is(err, batch.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// StartBatchRequest is a page manifest plus optional config overrides.
type StartBatchRequest struct {
	BookID string          `json:"book_id"`
	Pages  []pages.Page    `json:"pages"`
	Config batch.Overrides `json:"config,omitempty"`
}

// StartBatchEndpoint handles POST /api/batches.
type StartBatchEndpoint struct{ batchGroup }

func (e *StartBatchEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/batches", e.handler
}

func (e *StartBatchEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Start a batch
//	@Description	Validate a page manifest and start synthesizing the book
//	@Tags			batches
//	@Accept			json
//	@Produce		json
//	@Param			request	body		StartBatchRequest	true	"Page manifest"
//	@Success		202		{object}	batch.Progress
//	@Failure		400		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Router			/api/batches [post]
func (e *StartBatchEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	orch := svcctx.OrchestratorFrom(r.Context())
	if orch == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not initialized")
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxManifestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	manifest, err := pages.ParseManifest(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req StartBatchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg := req.Config.Apply(svcctx.BatchDefaultsFrom(r.Context()))
	progress, err := orch.StartBatch(r.Context(), manifest.BookID, manifest.Pages, cfg)
	if err != nil {
		writeBatchError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, progress)
}

func (e *StartBatchEndpoint) Command(getServerURL func() string) *cobra.Command {
	var src PageSource
	var bookID string
	var overrides batch.Overrides
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a batch from a page manifest, a directory of page files or an EPUB",
		Long: `Start synthesizing a book.

Pages come from a JSON manifest (--manifest), a directory of numbered
.txt files (--pages-dir with --book) or an EPUB (--epub). The command returns once
the batch is accepted; poll it with 'narrator api batches progress <book_id>'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := LoadStartRequest(src, bookID)
			if err != nil {
				return err
			}
			req.Config = overrides

			client := api.NewClient(getServerURL())
			var resp batch.Progress
			if err := client.Post(cmd.Context(), "/api/batches", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	src.AddFlags(cmd)
	cmd.Flags().StringVar(&bookID, "book", "", "Book id (required with --pages-dir, overrides the manifest or EPUB name)")
	AddOverrideFlags(cmd, &overrides)
	return cmd
}

// AddOverrideFlags registers the batch config override flags on cmd.
func AddOverrideFlags(cmd *cobra.Command, o *batch.Overrides) {
	cmd.Flags().StringVar(&o.Provider, "provider", "", "TTS provider name from config")
	cmd.Flags().StringVar(&o.Voice, "voice", "", "Voice id")
	cmd.Flags().StringVar(&o.Model, "model", "", "Model id")
	cmd.Flags().StringVar(&o.AudioFormat, "format", "", "Audio format requested from the provider")
	cmd.Flags().StringVar(&o.Language, "language", "", "Language or locale")
	cmd.Flags().IntVar(&o.MaxChunkLen, "max-chunk-len", 0, "Maximum chunk length in characters")
	cmd.Flags().IntVar(&o.ConcurrencyLimit, "concurrency", 0, "Concurrent synthesis calls")
	cmd.Flags().Var(optionalInt{&o.MaxRetries}, "max-retries", "Retries after the first attempt before a chunk fails (0 disables)")
}

// optionalInt is an int flag that stays nil unless given.
type optionalInt struct{ p **int }

func (f optionalInt) String() string {
	if f.p == nil || *f.p == nil {
		return ""
	}
	return strconv.Itoa(**f.p)
}

func (f optionalInt) Set(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f.p = &n
	return nil
}

func (f optionalInt) Type() string { return "int" }

// PageSource names where a start request's pages come from. Exactly one of
// the fields is set.
type PageSource struct {
	Manifest string
	PagesDir string
	EPUB     string
}

// AddFlags registers the page source flags on cmd.
func (s *PageSource) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.Manifest, "manifest", "", "Path to a page manifest JSON file")
	cmd.Flags().StringVar(&s.PagesDir, "pages-dir", "", "Directory of numbered page .txt files")
	cmd.Flags().StringVar(&s.EPUB, "epub", "", "EPUB file; each content section becomes a page")
}

// LoadStartRequest loads pages from a manifest, a page directory or an EPUB,
// the way the start and run commands accept them. An EPUB without --book is
// named after its file.
func LoadStartRequest(src PageSource, bookID string) (*StartBatchRequest, error) {
	set := 0
	for _, v := range []string{src.Manifest, src.PagesDir, src.EPUB} {
		if v != "" {
			set++
		}
	}
	switch {
	case set > 1:
		return nil, fmt.Errorf("use only one of --manifest, --pages-dir or --epub")
	case src.Manifest != "":
		m, err := pages.LoadManifest(src.Manifest)
		if err != nil {
			return nil, err
		}
		if bookID == "" {
			bookID = m.BookID
		}
		return &StartBatchRequest{BookID: bookID, Pages: m.Pages}, nil
	case src.PagesDir != "":
		if bookID == "" {
			return nil, fmt.Errorf("--book is required with --pages-dir")
		}
		ps, err := pages.LoadDir(src.PagesDir)
		if err != nil {
			return nil, err
		}
		return &StartBatchRequest{BookID: bookID, Pages: ps}, nil
	case src.EPUB != "":
		if bookID == "" {
			bookID = strings.TrimSuffix(filepath.Base(src.EPUB), filepath.Ext(src.EPUB))
		}
		ps, err := pages.LoadEPUB(src.EPUB)
		if err != nil {
			return nil, err
		}
		return &StartBatchRequest{BookID: bookID, Pages: ps}, nil
	default:
		return nil, fmt.Errorf("one of --manifest, --pages-dir or --epub is required")
	}
}

// ListBatchesResponse is the response for GET /api/batches.
type ListBatchesResponse struct {
	Batches []batch.Progress `json:"batches"`
}

func (r ListBatchesResponse) Table() ([]string, [][]string) {
	return batch.ProgressTable(r.Batches)
}

// ListBatchesEndpoint handles GET /api/batches.
type ListBatchesEndpoint struct{ batchGroup }

func (e *ListBatchesEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/batches", e.handler
}

func (e *ListBatchesEndpoint) RequiresInit() bool { return true }

func (e *ListBatchesEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	orch := svcctx.OrchestratorFrom(r.Context())
	if orch == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not initialized")
		return
	}
	batches, err := orch.ListBatches(r.Context())
	if err != nil {
		writeBatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListBatchesResponse{Batches: batches})
}

func (e *ListBatchesEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListBatchesResponse
			if err := client.Get(cmd.Context(), "/api/batches", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ResumeBatchEndpoint handles POST /api/batches/{book_id}/resume.
type ResumeBatchEndpoint struct{ batchGroup }

func (e *ResumeBatchEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/batches/{book_id}/resume", e.handler
}

func (e *ResumeBatchEndpoint) RequiresInit() bool { return true }

func (e *ResumeBatchEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	bookID := r.PathValue("book_id")
	if bookID == "" {
		writeError(w, http.StatusBadRequest, "book_id is required")
		return
	}
	orch := svcctx.OrchestratorFrom(r.Context())
	if orch == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not initialized")
		return
	}

	var opts batch.ResumeOptions
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	progress, err := orch.ResumeBatch(r.Context(), bookID, opts)
	if err != nil {
		writeBatchError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, progress)
}

func (e *ResumeBatchEndpoint) Command(getServerURL func() string) *cobra.Command {
	var opts batch.ResumeOptions
	cmd := &cobra.Command{
		Use:   "resume <book_id>",
		Short: "Resume a batch, skipping chunks that already succeeded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp batch.Progress
			if err := client.Post(cmd.Context(), "/api/batches/"+args[0]+"/resume", opts, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().BoolVar(&opts.ResetFailed, "reset-failed", false, "Retry failed chunks with a fresh retry budget, permanent failures included")
	return cmd
}

// AbortBatchResponse is the response for POST /api/batches/{book_id}/abort.
type AbortBatchResponse struct {
	BookID string `json:"book_id"`
	Status string `json:"status"`
}

// AbortBatchEndpoint handles POST /api/batches/{book_id}/abort.
type AbortBatchEndpoint struct{ batchGroup }

func (e *AbortBatchEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/batches/{book_id}/abort", e.handler
}

func (e *AbortBatchEndpoint) RequiresInit() bool { return true }

func (e *AbortBatchEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	bookID := r.PathValue("book_id")
	orch := svcctx.OrchestratorFrom(r.Context())
	if orch == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not initialized")
		return
	}
	if err := orch.AbortBatch(bookID); err != nil {
		writeBatchError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, AbortBatchResponse{BookID: bookID, Status: "aborting"})
}

func (e *AbortBatchEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <book_id>",
		Short: "Abort a running batch; in-flight calls finish and are recorded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp AbortBatchResponse
			if err := client.Post(cmd.Context(), "/api/batches/"+args[0]+"/abort", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ProgressEndpoint handles GET /api/batches/{book_id}/progress.
type ProgressEndpoint struct{ batchGroup }

func (e *ProgressEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/batches/{book_id}/progress", e.handler
}

func (e *ProgressEndpoint) RequiresInit() bool { return true }

func (e *ProgressEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	orch := svcctx.OrchestratorFrom(r.Context())
	if orch == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not initialized")
		return
	}
	progress, err := orch.GetProgress(r.Context(), r.PathValue("book_id"))
	if err != nil {
		writeBatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (e *ProgressEndpoint) Command(getServerURL func() string) *cobra.Command {
	var watch bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "progress <book_id>",
		Short: "Show batch progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())
			path := "/api/batches/" + args[0] + "/progress"
			for {
				var resp batch.Progress
				if err := client.Get(ctx, path, &resp); err != nil {
					return err
				}
				if !watch || !resp.Running {
					return api.Output(resp)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s, chunks %d/%d, pages %d/%d\n",
					resp.BookID, resp.Status, resp.ChunksDone, resp.ChunksTotal, resp.PagesDone, resp.PagesTotal)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(interval):
				}
			}
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Poll until the batch stops running")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Poll interval with --watch")
	return cmd
}

// ListChunksResponse is the response for GET /api/batches/{book_id}/chunks.
type ListChunksResponse struct {
	BookID string             `json:"book_id"`
	Chunks []state.ChunkState `json:"chunks"`
}

// Table lists one chunk per row with a short text excerpt.
func (r ListChunksResponse) Table() ([]string, [][]string) {
	rows := make([][]string, len(r.Chunks))
	for i, cs := range r.Chunks {
		rows[i] = []string{
			strconv.Itoa(cs.Index),
			cs.ChunkID,
			string(cs.Status),
			strconv.Itoa(cs.RetryCount),
			strings.Join(cs.PageIDs, ","),
			excerpt(cs.Text, 40),
			cs.LastError,
		}
	}
	return []string{"INDEX", "CHUNK", "STATUS", "RETRIES", "PAGES", "TEXT", "ERROR"}, rows
}

// excerpt shortens s to at most n runes.
func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ListChunksEndpoint handles GET /api/batches/{book_id}/chunks.
type ListChunksEndpoint struct{ batchGroup }

func (e *ListChunksEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/batches/{book_id}/chunks", e.handler
}

func (e *ListChunksEndpoint) RequiresInit() bool { return true }

func (e *ListChunksEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	bookID := r.PathValue("book_id")
	orch := svcctx.OrchestratorFrom(r.Context())
	if orch == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not initialized")
		return
	}

	var statuses []state.ChunkStatus
	for _, raw := range r.URL.Query()["status"] {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			st, ok := state.ParseChunkStatus(s)
			if !ok {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown chunk status: %s", s))
				return
			}
			statuses = append(statuses, st)
		}
	}

	if _, err := orch.GetProgress(r.Context(), bookID); err != nil {
		writeBatchError(w, err)
		return
	}
	chunks, err := orch.Chunks(r.Context(), bookID, statuses...)
	if err != nil {
		writeBatchError(w, err)
		return
	}
	if chunks == nil {
		chunks = []state.ChunkState{}
	}
	writeJSON(w, http.StatusOK, ListChunksResponse{BookID: bookID, Chunks: chunks})
}

func (e *ListChunksEndpoint) Command(getServerURL func() string) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "chunks <book_id>",
		Short: "List chunk states of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/batches/" + args[0] + "/chunks"
			if len(statuses) > 0 {
				path += "?status=" + strings.Join(statuses, ",")
			}
			client := api.NewClient(getServerURL())
			var resp ListChunksResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (pending, in_progress, succeeded, failed)")
	return cmd
}
