// Package state persists per-chunk synthesis state and batch records so an
// interrupted batch can resume without repeating finished work.
package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackzampolin/narrator/internal/chunker"
	"github.com/jackzampolin/narrator/internal/pages"
)

// ChunkStatus is the synthesis status of one chunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkInProgress ChunkStatus = "in_progress"
	ChunkSucceeded  ChunkStatus = "succeeded"
	ChunkFailed     ChunkStatus = "failed"
)

// ParseChunkStatus returns the status named by s.
func ParseChunkStatus(s string) (ChunkStatus, bool) {
	switch st := ChunkStatus(s); st {
	case ChunkPending, ChunkInProgress, ChunkSucceeded, ChunkFailed:
		return st, true
	}
	return "", false
}

// ErrorKind classifies a chunk failure.
type ErrorKind string

const (
	ErrorTransient ErrorKind = "transient"
	ErrorPermanent ErrorKind = "permanent"
)

// ChunkState is the persisted record for one chunk of one batch.
type ChunkState struct {
	BatchID    string      `json:"batch_id"`
	ChunkID    string      `json:"chunk_id"`
	Index      int         `json:"index"`
	Start      int         `json:"start"`
	End        int         `json:"end"`
	PageIDs    []string    `json:"page_ids"`
	Text       string      `json:"text"`
	Overflow   bool        `json:"overflow,omitempty"`
	Status     ChunkStatus `json:"status"`
	RetryCount int         `json:"retry_count"`
	LastError  string      `json:"last_error,omitempty"`
	ErrorKind  ErrorKind   `json:"error_kind,omitempty"`
	AudioPath  string      `json:"audio_path,omitempty"`
	// AudioFormat is the container of the stored audio (mp3, wav, pcm...).
	AudioFormat string `json:"audio_format,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	// Fingerprint identifies the provider settings of the last attempt.
	// A result is only reused while the settings still match.
	Fingerprint string    `json:"fingerprint,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewChunkState returns a pending record for c.
func NewChunkState(batchID string, c chunker.Chunk) ChunkState {
	return ChunkState{
		BatchID:  batchID,
		ChunkID:  c.ID,
		Index:    c.Index,
		Start:    c.Start,
		End:      c.End,
		PageIDs:  append([]string(nil), c.PageIDs...),
		Text:     c.Text,
		Overflow: c.Overflow,
		Status:   ChunkPending,
	}
}

// Stale reports whether the chunk carries a result produced with settings
// other than fingerprint.
func (c ChunkState) Stale(fingerprint string) bool {
	switch c.Status {
	case ChunkSucceeded, ChunkFailed:
		return c.Fingerprint != fingerprint
	}
	return false
}

// Reset returns the chunk to pending and clears any previous outcome.
func (c *ChunkState) Reset() {
	c.Status = ChunkPending
	c.RetryCount = 0
	c.LastError = ""
	c.ErrorKind = ""
	c.AudioPath = ""
	c.AudioFormat = ""
	c.SampleRate = 0
}

// Retryable reports whether a failed chunk may be submitted again.
// RetryCount counts failed attempts, so maxRetries retries allow
// maxRetries+1 of them.
func (c ChunkState) Retryable(maxRetries int) bool {
	return c.Status == ChunkFailed && c.ErrorKind != ErrorPermanent && c.RetryCount <= maxRetries
}

// BatchStatus is the lifecycle status of a batch.
type BatchStatus string

const (
	BatchCreated       BatchStatus = "created"
	BatchSegmenting    BatchStatus = "segmenting"
	BatchChunking      BatchStatus = "chunking"
	BatchSynthesizing  BatchStatus = "synthesizing"
	BatchAssembling    BatchStatus = "assembling"
	BatchCompleted     BatchStatus = "completed"
	BatchPartialFailed BatchStatus = "partial_failed"
	BatchAborted       BatchStatus = "aborted"
)

// Terminal reports whether no run is active for a batch in this status.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchPartialFailed, BatchAborted:
		return true
	}
	return false
}

// BatchRecord is the persisted description of one book's batch.
type BatchRecord struct {
	BookID string       `json:"book_id"`
	RunID  string       `json:"run_id"`
	Pages  []pages.Page `json:"pages"`
	// Config is the immutable batch configuration snapshot.
	Config        json.RawMessage   `json:"config"`
	Status        BatchStatus       `json:"status"`
	FailedChunks  []string          `json:"failed_chunks,omitempty"`
	Error         string            `json:"error,omitempty"`
	TextPath      string            `json:"text_path,omitempty"`
	CombinedAudio string            `json:"combined_audio,omitempty"`
	PageAudio     map[string]string `json:"page_audio,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// Store persists chunk states and batch records. Every write is a single
// record so a crash never leaves a half-written chunk.
type Store interface {
	// GetChunk returns nil, nil when the chunk has no record.
	GetChunk(ctx context.Context, batchID, chunkID string) (*ChunkState, error)
	PutChunk(ctx context.Context, cs *ChunkState) error
	// ListChunks returns chunk states ordered by Start, optionally
	// filtered by status.
	ListChunks(ctx context.Context, batchID string, statuses ...ChunkStatus) ([]ChunkState, error)
	// PruneChunks deletes records whose id is not in keep.
	PruneChunks(ctx context.Context, batchID string, keep []string) (int, error)

	// GetBatch returns nil, nil when the batch has no record.
	GetBatch(ctx context.Context, bookID string) (*BatchRecord, error)
	PutBatch(ctx context.Context, b *BatchRecord) error
	ListBatches(ctx context.Context) ([]BatchRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

func statusSet(statuses []ChunkStatus) map[ChunkStatus]bool {
	if len(statuses) == 0 {
		return nil
	}
	set := make(map[ChunkStatus]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return set
}
