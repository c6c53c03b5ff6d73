// Package batch runs a book through segmentation, chunking, synthesis and
// assembly, persisting every step so a run can be resumed.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/narrator/internal/assemble"
	"github.com/jackzampolin/narrator/internal/dispatch"
	"github.com/jackzampolin/narrator/internal/events"
	"github.com/jackzampolin/narrator/internal/pages"
	"github.com/jackzampolin/narrator/internal/providers"
	"github.com/jackzampolin/narrator/internal/state"
	"github.com/jackzampolin/narrator/internal/storage"
)

var (
	ErrBatchRunning   = errors.New("batch is already running")
	ErrBatchNotFound  = errors.New("batch not found")
	ErrNotRunning     = errors.New("batch is not running")
	ErrInvalidRequest = errors.New("invalid batch request")
)

// OrchestratorConfig holds the orchestrator's collaborators.
type OrchestratorConfig struct {
	Store     state.Store
	Storage   storage.Storage
	Registry  *providers.Registry
	Publisher events.Publisher  // optional
	Metrics   *dispatch.Metrics // optional
	// FFmpegPath overrides the ffmpeg lookup for compressed audio.
	FFmpegPath string
	Logger     *slog.Logger
}

// Orchestrator owns the batches running in this process.
type Orchestrator struct {
	store      state.Store
	storage    storage.Storage
	registry   *providers.Registry
	publisher  events.Publisher
	dispatcher *dispatch.Dispatcher
	assembler  *assemble.Assembler
	logger     *slog.Logger

	mu   sync.Mutex
	runs map[string]*activeRun
}

type activeRun struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	d, err := dispatch.New(dispatch.Config{
		Store:   cfg.Store,
		Storage: cfg.Storage,
		Metrics: cfg.Metrics,
		Logger:  logger.With("component", "dispatch"),
	})
	if err != nil {
		return nil, err
	}
	a, err := assemble.New(assemble.Config{
		Store:      cfg.Store,
		Storage:    cfg.Storage,
		FFmpegPath: cfg.FFmpegPath,
		Logger:     logger.With("component", "assemble"),
	})
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		store:      cfg.Store,
		storage:    cfg.Storage,
		registry:   cfg.Registry,
		publisher:  publisher,
		dispatcher: d,
		assembler:  a,
		logger:     logger,
		runs:       make(map[string]*activeRun),
	}, nil
}

// StartBatch validates inputs, persists a new batch record and runs the
// pipeline in the background. Ordering and config errors are returned
// here, before anything is persisted.
func (o *Orchestrator) StartBatch(ctx context.Context, bookID string, ps []pages.Page, cfg Config) (*Progress, error) {
	if bookID == "" {
		return nil, fmt.Errorf("%w: book id is required", ErrInvalidRequest)
	}
	if len(ps) == 0 {
		return nil, fmt.Errorf("%w: no pages supplied for book %s", ErrInvalidRequest, bookID)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid batch config: %w", ErrInvalidRequest, err)
	}
	if !o.registry.Has(cfg.Provider) {
		return nil, fmt.Errorf("%w: TTS provider not found: %s", ErrInvalidRequest, cfg.Provider)
	}

	ordered, err := pages.Order(ps)
	if err != nil {
		return nil, err
	}
	snapshot, err := cfg.snapshot()
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.runs[bookID]; running {
		return nil, fmt.Errorf("%w: %s", ErrBatchRunning, bookID)
	}

	now := time.Now().UTC()
	rec := &state.BatchRecord{
		BookID:    bookID,
		RunID:     uuid.NewString(),
		Pages:     ordered,
		Config:    snapshot,
		Status:    state.BatchCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prev, err := o.store.GetBatch(ctx, bookID); err == nil && prev != nil {
		rec.CreatedAt = prev.CreatedAt
	}
	if err := o.store.PutBatch(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist batch: %w", err)
	}
	o.publish(ctx, events.BatchStatusEvent(rec))

	o.logger.Info("batch started",
		"book_id", bookID,
		"run_id", rec.RunID,
		"pages", len(ordered),
		"provider", cfg.Provider)

	o.launch(ctx, rec, cfg)
	return o.progressFor(ctx, rec, true)
}

// ResumeOptions controls ResumeBatch.
type ResumeOptions struct {
	// ResetFailed returns every failed chunk, permanent ones included, to
	// pending with a fresh retry budget.
	ResetFailed bool `json:"reset_failed"`
}

// ResumeBatch continues a stored batch with its original config. Chunks
// that already succeeded are not synthesized again.
func (o *Orchestrator) ResumeBatch(ctx context.Context, bookID string, opts ResumeOptions) (*Progress, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.runs[bookID]; running {
		return nil, fmt.Errorf("%w: %s", ErrBatchRunning, bookID)
	}

	rec, err := o.store.GetBatch(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, bookID)
	}
	cfg, err := configFromSnapshot(rec.Config)
	if err != nil {
		return nil, err
	}
	if !o.registry.Has(cfg.Provider) {
		return nil, fmt.Errorf("%w: TTS provider not found: %s", ErrInvalidRequest, cfg.Provider)
	}

	if opts.ResetFailed {
		n, err := o.resetFailed(ctx, bookID)
		if err != nil {
			return nil, err
		}
		o.logger.Info("reset failed chunks", "book_id", bookID, "count", n)
	}

	rec.RunID = uuid.NewString()
	rec.Status = state.BatchCreated
	rec.Error = ""
	rec.FailedChunks = nil
	rec.CompletedAt = nil
	rec.UpdatedAt = time.Now().UTC()
	if err := o.store.PutBatch(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist batch: %w", err)
	}
	o.publish(ctx, events.BatchStatusEvent(rec))

	o.logger.Info("batch resumed", "book_id", bookID, "run_id", rec.RunID)

	o.launch(ctx, rec, cfg)
	return o.progressFor(ctx, rec, true)
}

func (o *Orchestrator) resetFailed(ctx context.Context, bookID string) (int, error) {
	failed, err := o.store.ListChunks(ctx, bookID, state.ChunkFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to list failed chunks: %w", err)
	}
	for i := range failed {
		cs := &failed[i]
		cs.Status = state.ChunkPending
		cs.RetryCount = 0
		cs.ErrorKind = ""
		cs.LastError = ""
		if err := o.store.PutChunk(ctx, cs); err != nil {
			return i, fmt.Errorf("failed to reset chunk %s: %w", cs.ChunkID, err)
		}
	}
	return len(failed), nil
}

// AbortBatch cancels a running batch. In-flight synthesis calls finish and
// are recorded; the batch ends as aborted.
func (o *Orchestrator) AbortBatch(bookID string) error {
	o.mu.Lock()
	run, ok := o.runs[bookID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, bookID)
	}
	o.logger.Info("aborting batch", "book_id", bookID, "run_id", run.runID)
	run.cancel()
	return nil
}

// Wait blocks until the active run for bookID ends or ctx is done. It
// returns immediately when nothing is running.
func (o *Orchestrator) Wait(ctx context.Context, bookID string) error {
	o.mu.Lock()
	run, ok := o.runs[bookID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts a batch and waits for it. Cancelling ctx aborts the batch
// and still waits for in-flight work to be recorded.
func (o *Orchestrator) Run(ctx context.Context, bookID string, ps []pages.Page, cfg Config) (*Progress, error) {
	if _, err := o.StartBatch(ctx, bookID, ps, cfg); err != nil {
		return nil, err
	}
	if err := o.Wait(ctx, bookID); err != nil {
		_ = o.AbortBatch(bookID)
		_ = o.Wait(context.Background(), bookID)
	}
	return o.GetProgress(context.WithoutCancel(ctx), bookID)
}

// Shutdown aborts every active run and waits for them to record their
// final status, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	runs := make([]*activeRun, 0, len(o.runs))
	for _, run := range o.runs {
		runs = append(runs, run)
	}
	o.mu.Unlock()

	for _, run := range runs {
		run.cancel()
	}
	for _, run := range runs {
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(runs) > 0 {
		o.logger.Info("aborted running batches", "count", len(runs))
	}
	return nil
}

// Running reports whether bookID has an active run.
func (o *Orchestrator) Running(bookID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[bookID]
	return ok
}

// launch must be called with o.mu held.
func (o *Orchestrator) launch(ctx context.Context, rec *state.BatchRecord, cfg Config) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &activeRun{runID: rec.RunID, cancel: cancel, done: make(chan struct{})}
	o.runs[rec.BookID] = run

	// The pipeline owns its own copy of the record.
	own := *rec
	go func() {
		defer close(run.done)
		defer cancel()
		defer func() {
			o.mu.Lock()
			if o.runs[own.BookID] == run {
				delete(o.runs, own.BookID)
			}
			o.mu.Unlock()
		}()
		o.execute(runCtx, &own, cfg)
	}()
}

func (o *Orchestrator) publish(ctx context.Context, ev events.Event) {
	if err := o.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Warn("failed to publish event", "type", ev.Type, "book_id", ev.BookID, "error", err)
	}
}
