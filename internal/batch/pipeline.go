package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackzampolin/narrator/internal/assemble"
	"github.com/jackzampolin/narrator/internal/chunker"
	"github.com/jackzampolin/narrator/internal/dispatch"
	"github.com/jackzampolin/narrator/internal/events"
	"github.com/jackzampolin/narrator/internal/flow"
	"github.com/jackzampolin/narrator/internal/pages"
	"github.com/jackzampolin/narrator/internal/state"
	"github.com/jackzampolin/narrator/internal/storage"
)

// TextKey is the blob key of a book's exported flowed text.
func TextKey(bookID string) string {
	return storage.Join(bookID, "book_text.txt")
}

// execute runs the pipeline and records the final status.
func (o *Orchestrator) execute(ctx context.Context, rec *state.BatchRecord, cfg Config) {
	logger := o.logger.With("book_id", rec.BookID, "run_id", rec.RunID)
	start := time.Now()

	err := o.pipeline(ctx, rec, cfg)

	// Final bookkeeping survives an abort.
	final := context.WithoutCancel(ctx)
	var ie *assemble.IncompleteBatchError
	switch {
	case err == nil:
		now := time.Now().UTC()
		rec.CompletedAt = &now
		o.setStatus(final, rec, state.BatchCompleted)
	case ctx.Err() != nil:
		o.setStatus(final, rec, state.BatchAborted)
	case errors.As(err, &ie):
		rec.FailedChunks = ie.Missing
		rec.Error = err.Error()
		o.setStatus(final, rec, state.BatchPartialFailed)
	default:
		rec.Error = err.Error()
		o.setStatus(final, rec, state.BatchPartialFailed)
	}

	logger.Info("batch finished",
		"status", rec.Status,
		"failed_chunks", len(rec.FailedChunks),
		"duration", time.Since(start).Round(time.Millisecond),
		"error", rec.Error)
}

func (o *Orchestrator) pipeline(ctx context.Context, rec *state.BatchRecord, cfg Config) error {
	logger := o.logger.With("book_id", rec.BookID, "run_id", rec.RunID)

	// Segmenting.
	if err := o.setStatus(ctx, rec, state.BatchSegmenting); err != nil {
		return err
	}
	doc := flow.Segment(rec.BookID, rec.Pages, cfg.flowOptions())
	for _, w := range doc.Warnings {
		logger.Warn("flow warning", "page_id", w.PageID, "error", w.Error())
	}
	if len(doc.Suppressed) > 0 {
		logger.Debug("suppressed running headers and footers", "lines", len(doc.Suppressed))
	}
	textKey := TextKey(rec.BookID)
	if _, err := storage.PutBytes(ctx, o.storage, textKey, []byte(doc.Text)); err != nil {
		return fmt.Errorf("failed to export book text: %w", err)
	}
	rec.TextPath = textKey
	for i := range rec.Pages {
		rec.Pages[i].Status = pages.StatusFlowed
	}

	// Chunking.
	if err := o.setStatus(ctx, rec, state.BatchChunking); err != nil {
		return err
	}
	provider, err := o.registry.Get(cfg.Provider)
	if err != nil {
		return err
	}
	fingerprint := dispatch.Fingerprint(provider.Name(), cfg.Voice, cfg.Model, cfg.AudioFormat, cfg.Language)
	split, err := chunker.Split(doc, cfg.chunkerOptions())
	if err != nil {
		return fmt.Errorf("failed to chunk book: %w", err)
	}
	for _, w := range split.Warnings {
		logger.Warn("chunk overflow", "chunk_ids", w.ChunkIDs, "error", w.Error())
	}
	if err := o.syncChunkStates(ctx, rec.BookID, split.Chunks, fingerprint); err != nil {
		return err
	}
	logger.Info("book chunked", "chunks", len(split.Chunks), "text_runes", len([]rune(doc.Text)))

	if err := ctx.Err(); err != nil {
		return err
	}

	// Synthesizing.
	if err := o.setStatus(ctx, rec, state.BatchSynthesizing); err != nil {
		return err
	}
	summary, err := o.dispatcher.Dispatch(ctx, rec.BookID, split.Chunks, dispatch.Options{
		Provider:         provider,
		Limiter:          o.registry.Limiter(cfg.Provider),
		BookID:           rec.BookID,
		Voice:            cfg.Voice,
		Model:            cfg.Model,
		Format:           cfg.AudioFormat,
		Language:         cfg.Language,
		ConcurrencyLimit: cfg.ConcurrencyLimit,
		Policy:           cfg.policy(),
		RequestTimeout:   cfg.RequestTimeout,
		OnUpdate: func(cs state.ChunkState) {
			o.publish(ctx, events.ChunkUpdateEvent(rec.BookID, rec.RunID, cs))
		},
	})
	if err != nil {
		return fmt.Errorf("failed to synthesize chunks: %w", err)
	}
	if summary.Aborted || ctx.Err() != nil {
		return context.Canceled
	}

	pending, err := o.store.ListChunks(ctx, rec.BookID, state.ChunkPending, state.ChunkInProgress, state.ChunkFailed)
	if err != nil {
		return fmt.Errorf("failed to list unfinished chunks: %w", err)
	}
	if len(pending) > 0 {
		missing := make([]string, len(pending))
		for i, cs := range pending {
			missing[i] = cs.ChunkID
		}
		return &assemble.IncompleteBatchError{BookID: rec.BookID, Missing: missing}
	}

	// Assembling.
	if err := o.setStatus(ctx, rec, state.BatchAssembling); err != nil {
		return err
	}
	res, err := o.assembler.Assemble(ctx, rec, cfg.assembleOptions())
	if err != nil {
		return err
	}
	rec.CombinedAudio = res.CombinedKey
	rec.PageAudio = res.PageKeys
	return nil
}

// syncChunkStates prunes records of chunks that no longer exist and
// creates pending records for new ones. Existing records are kept unless
// their result came from other synthesis settings, in which case they go
// back to pending.
func (o *Orchestrator) syncChunkStates(ctx context.Context, bookID string, chunks []chunker.Chunk, fingerprint string) error {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	pruned, err := o.store.PruneChunks(ctx, bookID, ids)
	if err != nil {
		return fmt.Errorf("failed to prune stale chunks: %w", err)
	}
	if pruned > 0 {
		o.logger.Info("pruned stale chunk states", "book_id", bookID, "count", pruned)
	}

	created, reset := 0, 0
	for _, c := range chunks {
		existing, err := o.store.GetChunk(ctx, bookID, c.ID)
		if err != nil {
			return fmt.Errorf("failed to load chunk %s: %w", c.ID, err)
		}
		if existing != nil {
			changed := false
			if existing.Index != c.Index || existing.Start != c.Start || existing.End != c.End {
				existing.Index, existing.Start, existing.End = c.Index, c.Start, c.End
				existing.PageIDs = c.PageIDs
				changed = true
			}
			if existing.Stale(fingerprint) {
				existing.Reset()
				reset++
				changed = true
			}
			if changed {
				if err := o.store.PutChunk(ctx, existing); err != nil {
					return fmt.Errorf("failed to update chunk %s: %w", c.ID, err)
				}
			}
			continue
		}
		cs := state.NewChunkState(bookID, c)
		if err := o.store.PutChunk(ctx, &cs); err != nil {
			return fmt.Errorf("failed to create chunk %s: %w", c.ID, err)
		}
		created++
	}
	if reset > 0 {
		o.logger.Info("synthesis settings changed, chunks reset", "book_id", bookID, "count", reset)
	}
	o.logger.Debug("chunk states synced", "book_id", bookID, "created", created, "total", len(chunks))
	return nil
}

func (o *Orchestrator) setStatus(ctx context.Context, rec *state.BatchRecord, status state.BatchStatus) error {
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	if err := o.store.PutBatch(ctx, rec); err != nil {
		o.logger.Error("failed to persist batch status", "book_id", rec.BookID, "status", status, "error", err)
		return fmt.Errorf("failed to persist batch status: %w", err)
	}
	o.publish(ctx, events.BatchStatusEvent(rec))
	return nil
}
