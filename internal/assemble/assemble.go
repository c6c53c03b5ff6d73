// Package assemble concatenates synthesized chunk audio into per-page and
// whole-book outputs.
package assemble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackzampolin/narrator/internal/state"
	"github.com/jackzampolin/narrator/internal/storage"
)

const (
	DefaultLeadSilence = 300 * time.Millisecond
	DefaultGapSilence  = 200 * time.Millisecond
)

// IncompleteBatchError is returned when a batch has chunks that did not
// succeed. Missing lists their ids in document order.
type IncompleteBatchError struct {
	BookID  string
	Missing []string
}

func (e *IncompleteBatchError) Error() string {
	return fmt.Sprintf("batch %s is incomplete: %d chunk(s) without audio: %s",
		e.BookID, len(e.Missing), strings.Join(e.Missing, ", "))
}

// Options controls silence padding.
type Options struct {
	// LeadSilence precedes the first chunk of the combined output.
	LeadSilence time.Duration
	// GapSilence follows every chunk.
	GapSilence time.Duration
}

// DefaultOptions returns 300ms lead and 200ms gap silence.
func DefaultOptions() Options {
	return Options{LeadSilence: DefaultLeadSilence, GapSilence: DefaultGapSilence}
}

// Config configures an Assembler.
type Config struct {
	Store   state.Store
	Storage storage.Storage
	// FFmpegPath overrides the ffmpeg binary looked up on PATH.
	FFmpegPath string
	Logger     *slog.Logger
}

// Assembler builds the outputs of a finished batch.
type Assembler struct {
	store   state.Store
	storage storage.Storage
	ffmpeg  *FFmpegConcatenator
	logger  *slog.Logger
}

// New creates an assembler.
func New(cfg Config) (*Assembler, error) {
	if cfg.Store == nil || cfg.Storage == nil {
		return nil, fmt.Errorf("state store and blob storage are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		store:   cfg.Store,
		storage: cfg.Storage,
		ffmpeg:  &FFmpegConcatenator{Path: cfg.FFmpegPath, Logger: logger},
		logger:  logger,
	}, nil
}

// Result lists the written outputs.
type Result struct {
	CombinedKey string            `json:"combined_key"`
	PageKeys    map[string]string `json:"page_keys"`
	Format      string            `json:"format"`
	Chunks      int               `json:"chunks"`
}

// Assemble concatenates the batch's chunk audio strictly by document
// offset. Nothing is written unless every chunk succeeded.
func (a *Assembler) Assemble(ctx context.Context, batch *state.BatchRecord, opts Options) (*Result, error) {
	chunks, err := a.store.ListChunks(ctx, batch.BookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("batch %s has no chunks", batch.BookID)
	}

	var missing []string
	for _, c := range chunks {
		if c.Status != state.ChunkSucceeded || c.AudioPath == "" {
			missing = append(missing, c.ChunkID)
		}
	}
	if len(missing) > 0 {
		return nil, &IncompleteBatchError{BookID: batch.BookID, Missing: missing}
	}

	segments := make([]Segment, len(chunks))
	for i, c := range chunks {
		data, err := storage.ReadAll(ctx, a.storage, c.AudioPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read audio for chunk %s: %w", c.ChunkID, err)
		}
		segments[i] = Segment{ChunkID: c.ChunkID, Data: data, Format: c.AudioFormat, SampleRate: c.SampleRate}
	}

	format, err := commonFormat(segments)
	if err != nil {
		return nil, err
	}
	concat := a.concatenatorFor(format)
	ext := concat.Ext(format)

	result := &Result{PageKeys: make(map[string]string), Format: ext, Chunks: len(chunks)}

	for _, page := range batch.Pages {
		var pageSegs []Segment
		for i, c := range chunks {
			if containsPage(c.PageIDs, page.ID) {
				pageSegs = append(pageSegs, segments[i])
			}
		}
		if len(pageSegs) == 0 {
			continue
		}
		audio, err := concat.Concat(ctx, pageSegs, 0, opts.GapSilence)
		if err != nil {
			return nil, fmt.Errorf("failed to assemble page %s: %w", page.ID, err)
		}
		key := storage.Join(batch.BookID, "pages", page.ID+"."+ext)
		if _, err := storage.PutBytes(ctx, a.storage, key, audio); err != nil {
			return nil, fmt.Errorf("failed to store page %s audio: %w", page.ID, err)
		}
		result.PageKeys[page.ID] = key
	}

	audio, err := concat.Concat(ctx, segments, opts.LeadSilence, opts.GapSilence)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble combined audio: %w", err)
	}
	result.CombinedKey = CombinedKey(batch.BookID, ext)
	if _, err := storage.PutBytes(ctx, a.storage, result.CombinedKey, audio); err != nil {
		return nil, fmt.Errorf("failed to store combined audio: %w", err)
	}

	a.logger.Info("assembled batch audio",
		"book_id", batch.BookID,
		"chunks", len(chunks),
		"pages", len(result.PageKeys),
		"format", ext,
		"combined", result.CombinedKey)

	return result, nil
}

func (a *Assembler) concatenatorFor(format string) Concatenator {
	switch format {
	case "wav":
		return wavConcatenator{}
	case "pcm":
		return pcmConcatenator{}
	default:
		return a.ffmpeg
	}
}

// CombinedKey is the blob key of a book's combined audio.
func CombinedKey(bookID, ext string) string {
	return storage.Join(bookID, bookID+"_combined."+ext)
}

func commonFormat(segs []Segment) (string, error) {
	format := normalizeFormat(segs[0].Format)
	for _, s := range segs[1:] {
		if f := normalizeFormat(s.Format); f != format {
			return "", fmt.Errorf("mixed audio formats in batch: %s and %s (chunk %s)", format, f, s.ChunkID)
		}
	}
	return format, nil
}

// normalizeFormat maps provider format names like pcm_24000 or
// mp3_44100_128 to their container.
func normalizeFormat(f string) string {
	f = strings.ToLower(f)
	if f == "" {
		return "mp3"
	}
	if i := strings.IndexByte(f, '_'); i > 0 {
		f = f[:i]
	}
	return f
}

func containsPage(ids []string, id string) bool {
	for _, p := range ids {
		if p == id {
			return true
		}
	}
	return false
}
