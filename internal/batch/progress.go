package batch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackzampolin/narrator/internal/state"
)

// Progress is a point-in-time view of a batch.
type Progress struct {
	BookID        string            `json:"book_id"`
	RunID         string            `json:"run_id"`
	Status        state.BatchStatus `json:"status"`
	Running       bool              `json:"running"`
	PagesDone     int               `json:"pages_done"`
	PagesTotal    int               `json:"pages_total"`
	ChunksDone    int               `json:"chunks_done"`
	ChunksTotal   int               `json:"chunks_total"`
	ChunksFailed  int               `json:"chunks_failed"`
	FailedChunks  []string          `json:"failed_chunks,omitempty"`
	Error         string            `json:"error,omitempty"`
	TextPath      string            `json:"text_path,omitempty"`
	CombinedAudio string            `json:"combined_audio,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Table renders the progress as one row for --output table.
func (p Progress) Table() ([]string, [][]string) {
	return progressHeader, [][]string{p.row()}
}

var progressHeader = []string{"BOOK", "STATUS", "RUNNING", "PAGES", "CHUNKS", "FAILED", "UPDATED"}

func (p Progress) row() []string {
	return []string{
		p.BookID,
		string(p.Status),
		strconv.FormatBool(p.Running),
		fmt.Sprintf("%d/%d", p.PagesDone, p.PagesTotal),
		fmt.Sprintf("%d/%d", p.ChunksDone, p.ChunksTotal),
		strconv.Itoa(p.ChunksFailed),
		p.UpdatedAt.Format(time.RFC3339),
	}
}

// ProgressTable renders several batches, one row each.
func ProgressTable(ps []Progress) ([]string, [][]string) {
	rows := make([][]string, len(ps))
	for i, p := range ps {
		rows[i] = p.row()
	}
	return progressHeader, rows
}

// GetProgress reports a batch's progress from its persisted state.
func (o *Orchestrator) GetProgress(ctx context.Context, bookID string) (*Progress, error) {
	rec, err := o.store.GetBatch(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, bookID)
	}
	return o.progressFor(ctx, rec, o.Running(bookID))
}

// ListBatches reports progress for every stored batch.
func (o *Orchestrator) ListBatches(ctx context.Context) ([]Progress, error) {
	recs, err := o.store.ListBatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	out := make([]Progress, 0, len(recs))
	for i := range recs {
		p, err := o.progressFor(ctx, &recs[i], o.Running(recs[i].BookID))
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// Chunks returns the batch's chunk states, optionally filtered by status.
func (o *Orchestrator) Chunks(ctx context.Context, bookID string, statuses ...state.ChunkStatus) ([]state.ChunkState, error) {
	return o.store.ListChunks(ctx, bookID, statuses...)
}

// progressFor must not take o.mu.
func (o *Orchestrator) progressFor(ctx context.Context, rec *state.BatchRecord, running bool) (*Progress, error) {
	chunks, err := o.store.ListChunks(ctx, rec.BookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	p := &Progress{
		BookID:        rec.BookID,
		RunID:         rec.RunID,
		Status:        rec.Status,
		Running:       running,
		PagesTotal:    len(rec.Pages),
		ChunksTotal:   len(chunks),
		Error:         rec.Error,
		TextPath:      rec.TextPath,
		CombinedAudio: rec.CombinedAudio,
		UpdatedAt:     rec.UpdatedAt,
	}

	maxRetries := maxRetriesOf(rec)
	// A page is done once every chunk overlapping it succeeded.
	pageDone := make(map[string]bool, len(rec.Pages))
	for _, cs := range chunks {
		switch cs.Status {
		case state.ChunkSucceeded:
			p.ChunksDone++
		case state.ChunkFailed:
			if !cs.Retryable(maxRetries) || !running {
				p.ChunksFailed++
				p.FailedChunks = append(p.FailedChunks, cs.ChunkID)
			}
		}
		for _, id := range cs.PageIDs {
			done, seen := pageDone[id]
			if !seen {
				done = true
			}
			pageDone[id] = done && cs.Status == state.ChunkSucceeded
		}
	}
	for _, pg := range rec.Pages {
		if done, seen := pageDone[pg.ID]; seen && done {
			p.PagesDone++
		} else if !seen && len(chunks) > 0 {
			// Blank pages produce no chunks.
			p.PagesDone++
		}
	}
	return p, nil
}

func maxRetriesOf(rec *state.BatchRecord) int {
	cfg, err := configFromSnapshot(rec.Config)
	if err != nil {
		return DefaultConfig().MaxRetries
	}
	return cfg.WithDefaults().MaxRetries
}
