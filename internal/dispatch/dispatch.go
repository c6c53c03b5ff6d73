// Package dispatch drives speech synthesis for a batch's chunks with a
// bounded worker pool, explicit retry policy and per-chunk persisted state.
package dispatch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/narrator/internal/chunker"
	"github.com/jackzampolin/narrator/internal/providers"
	"github.com/jackzampolin/narrator/internal/state"
	"github.com/jackzampolin/narrator/internal/storage"
)

const (
	DefaultConcurrency    = 4
	DefaultRequestTimeout = 5 * time.Minute
)

var errAborted = errors.New("dispatch aborted")

// Config holds the dispatcher's long-lived collaborators.
type Config struct {
	Store   state.Store
	Storage storage.Storage
	Metrics *Metrics // optional
	Logger  *slog.Logger
}

// Dispatcher submits chunks to a TTS provider.
type Dispatcher struct {
	store   state.Store
	storage storage.Storage
	metrics *Metrics
	logger  *slog.Logger
}

// New creates a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("blob storage is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:   cfg.Store,
		storage: cfg.Storage,
		metrics: cfg.Metrics,
		logger:  logger,
	}, nil
}

// Options are the per-dispatch settings.
type Options struct {
	Provider providers.TTSProvider
	Limiter  *providers.RateLimiter // optional

	// BookID namespaces audio keys; defaults to the batch id.
	BookID   string
	Voice    string
	Model    string
	Format   string
	Language string

	ConcurrencyLimit int
	Policy           Policy
	RequestTimeout   time.Duration

	// OnUpdate is called after every persisted chunk change.
	OnUpdate func(state.ChunkState)
}

func (o Options) withDefaults(batchID string) Options {
	if o.BookID == "" {
		o.BookID = batchID
	}
	if o.ConcurrencyLimit <= 0 {
		o.ConcurrencyLimit = DefaultConcurrency
	}
	if limit := o.Provider.MaxConcurrency(); limit > 0 && o.ConcurrencyLimit > limit {
		o.ConcurrencyLimit = limit
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Policy == (Policy{}) {
		o.Policy = ProviderPolicy(o.Provider)
	}
	return o
}

// Fingerprint returns the synthesis fingerprint for these options.
func (o Options) Fingerprint() string {
	return Fingerprint(o.Provider.Name(), o.Voice, o.Model, o.Format, o.Language)
}

// Fingerprint identifies the provider settings that shape a chunk's
// audio. Audio synthesized under one fingerprint is not reused under
// another.
func Fingerprint(provider, voice, model, format, language string) string {
	h := sha256.New()
	for _, part := range []string{provider, voice, model, format, language} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// Summary reports one Dispatch call.
type Summary struct {
	Submitted      int      `json:"submitted"`
	Succeeded      int      `json:"succeeded"`
	Failed         int      `json:"failed"`
	Skipped        int      `json:"skipped"`
	Calls          int      `json:"calls"`
	Aborted        bool     `json:"aborted"`
	FailedChunkIDs []string `json:"failed_chunk_ids,omitempty"`
}

type run struct {
	batchID     string
	opts        Options
	fingerprint string

	mu      sync.Mutex
	summary Summary
	failed  []state.ChunkState
}

func (r *run) add(f func(s *Summary)) {
	r.mu.Lock()
	f(&r.summary)
	r.mu.Unlock()
}

func (r *run) fail(st state.ChunkState) {
	r.mu.Lock()
	r.summary.Failed++
	r.failed = append(r.failed, st)
	r.mu.Unlock()
}

// Dispatch synthesizes every chunk that is not already done. Succeeded
// chunks are skipped, permanent and exhausted failures are not resubmitted.
// Cancelling ctx stops scheduling and retries; calls already in flight
// finish on a detached context and their results are persisted.
//
// The returned error is reserved for state store failures. Synthesis
// failures are reported in the Summary and in the chunk states.
func (d *Dispatcher) Dispatch(ctx context.Context, batchID string, chunks []chunker.Chunk, opts Options) (*Summary, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	opts = opts.withDefaults(batchID)
	r := &run{batchID: batchID, opts: opts, fingerprint: opts.Fingerprint()}

	var g errgroup.Group
	g.SetLimit(opts.ConcurrencyLimit)

	for _, c := range chunks {
		if ctx.Err() != nil {
			break
		}

		st, err := d.load(ctx, batchID, c)
		if err != nil {
			_ = g.Wait()
			return nil, err
		}
		if st.Stale(r.fingerprint) {
			d.logger.Debug("chunk settings changed, resynthesizing",
				"batch_id", batchID, "chunk_id", st.ChunkID, "status", st.Status)
			st.Reset()
		}

		switch {
		case st.Status == state.ChunkSucceeded:
			r.add(func(s *Summary) { s.Skipped++ })
			continue
		case st.Status == state.ChunkFailed && !st.Retryable(opts.Policy.MaxRetries):
			r.fail(*st)
			continue
		}

		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			r.add(func(s *Summary) { s.Submitted++ })
			return d.process(ctx, r, st)
		})
	}

	err := g.Wait()

	summary := r.summary
	summary.Aborted = ctx.Err() != nil
	sort.Slice(r.failed, func(i, j int) bool { return r.failed[i].Start < r.failed[j].Start })
	for _, st := range r.failed {
		summary.FailedChunkIDs = append(summary.FailedChunkIDs, st.ChunkID)
	}

	if err != nil {
		return &summary, err
	}

	d.logger.Info("dispatch finished",
		"batch_id", batchID,
		"provider", opts.Provider.Name(),
		"submitted", summary.Submitted,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"calls", summary.Calls,
		"aborted", summary.Aborted)

	return &summary, nil
}

// load returns the chunk's state, creating a pending record when absent.
// Records left in_progress by a crash are treated as pending.
func (d *Dispatcher) load(ctx context.Context, batchID string, c chunker.Chunk) (*state.ChunkState, error) {
	st, err := d.store.GetChunk(ctx, batchID, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunk %s: %w", c.ID, err)
	}
	if st == nil {
		fresh := state.NewChunkState(batchID, c)
		if err := d.store.PutChunk(ctx, &fresh); err != nil {
			return nil, fmt.Errorf("failed to create chunk %s: %w", c.ID, err)
		}
		return &fresh, nil
	}
	if st.Status == state.ChunkInProgress {
		st.Status = state.ChunkPending
	}
	return st, nil
}

// process runs one chunk through the retry policy.
func (d *Dispatcher) process(ctx context.Context, r *run, st *state.ChunkState) error {
	policy := r.opts.Policy
	attempts := policy.attempts(st.RetryCount)

	var storeErr error
	err := retry.Do(
		func() error {
			err := d.attempt(ctx, r, st)
			var se *storeError
			if errors.As(err, &se) {
				storeErr = se
				return retry.Unrecoverable(se)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var te *TransientSynthesisError
			return errors.As(err, &te)
		}),
		retry.DelayType(func(_ uint, err error, _ *retry.Config) time.Duration {
			var te *TransientSynthesisError
			if !errors.As(err, &te) {
				return policy.Backoff(st.RetryCount-1, 0)
			}
			return policy.Backoff(st.RetryCount-1, te.RetryAfter)
		}),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Warn("retrying chunk",
				"batch_id", r.batchID,
				"chunk_id", st.ChunkID,
				"chunk_index", st.Index,
				"retry_count", st.RetryCount,
				"error", err)
		}),
	)

	if storeErr != nil {
		return storeErr
	}

	switch {
	case st.Status == state.ChunkSucceeded:
		r.add(func(s *Summary) { s.Succeeded++ })
	case st.Status == state.ChunkFailed && !st.Retryable(policy.MaxRetries):
		r.fail(*st)
		d.logger.Error("chunk failed",
			"batch_id", r.batchID,
			"chunk_id", st.ChunkID,
			"chunk_index", st.Index,
			"error_kind", st.ErrorKind,
			"retry_count", st.RetryCount,
			"error", st.LastError)
	default:
		// Aborted before a final result; the chunk stays resumable.
		d.logger.Debug("chunk interrupted",
			"batch_id", r.batchID,
			"chunk_id", st.ChunkID,
			"status", st.Status,
			"error", err)
	}
	return nil
}

// attempt makes one provider call and persists its outcome.
func (d *Dispatcher) attempt(ctx context.Context, r *run, st *state.ChunkState) error {
	if ctx.Err() != nil {
		return retry.Unrecoverable(errAborted)
	}
	if r.opts.Limiter != nil {
		if err := r.opts.Limiter.Wait(ctx); err != nil {
			return retry.Unrecoverable(errAborted)
		}
	}

	// From here on the call and its bookkeeping survive an abort.
	persistCtx := context.WithoutCancel(ctx)

	st.Status = state.ChunkInProgress
	st.Fingerprint = r.fingerprint
	if err := d.put(persistCtx, r, st); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(persistCtx, r.opts.RequestTimeout)
	defer cancel()

	provider := r.opts.Provider
	done := d.metrics.start(callCtx, provider.Name())
	r.add(func(s *Summary) { s.Calls++ })

	result, err := provider.Generate(callCtx, &providers.TTSRequest{
		Text:     st.Text,
		Voice:    r.opts.Voice,
		Model:    r.opts.Model,
		Format:   r.opts.Format,
		Language: r.opts.Language,
	})
	if err == nil {
		err = d.storeAudio(callCtx, r, st, result)
	}

	if result != nil {
		d.metrics.cost(persistCtx, provider.Name(), result.CostUSD)
	}
	if err == nil {
		done("success")
		st.Status = state.ChunkSucceeded
		st.LastError = ""
		st.ErrorKind = ""
		return d.put(persistCtx, r, st)
	}

	classified := Classify(err)
	st.Status = state.ChunkFailed
	st.LastError = err.Error()

	var te *TransientSynthesisError
	if !errors.As(classified, &te) {
		done("permanent")
		st.ErrorKind = state.ErrorPermanent
		if perr := d.put(persistCtx, r, st); perr != nil {
			return perr
		}
		return classified
	}

	done("transient")
	if rle, ok := providers.IsRateLimitError(err); ok && r.opts.Limiter != nil {
		r.opts.Limiter.Record429(rle.RetryAfter)
	}
	st.ErrorKind = state.ErrorTransient
	st.RetryCount++
	if perr := d.put(persistCtx, r, st); perr != nil {
		return perr
	}
	return classified
}

func (d *Dispatcher) storeAudio(ctx context.Context, r *run, st *state.ChunkState, result *providers.TTSResult) error {
	if result == nil || len(result.Audio) == 0 {
		return providers.ErrEmptyAudio
	}
	format := result.Format
	if format == "" {
		format = "mp3"
	}
	key := AudioKey(r.opts.BookID, st.ChunkID, format)
	if _, err := d.storage.Store(ctx, bytes.NewReader(result.Audio), key); err != nil {
		return fmt.Errorf("failed to store chunk audio: %w", err)
	}
	st.AudioPath = key
	st.AudioFormat = format
	st.SampleRate = result.SampleRate
	return nil
}

// storeError marks a state store failure, which aborts the dispatch.
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func (d *Dispatcher) put(ctx context.Context, r *run, st *state.ChunkState) error {
	if err := d.store.PutChunk(ctx, st); err != nil {
		return &storeError{err: fmt.Errorf("failed to persist chunk %s: %w", st.ChunkID, err)}
	}
	if r.opts.OnUpdate != nil {
		r.opts.OnUpdate(*st)
	}
	return nil
}

// AudioKey is the blob key for a chunk's audio. Keys are content addressed
// by chunk id so unchanged chunks keep their audio across batches; a
// settings change resynthesizes in place, see Fingerprint.
func AudioKey(bookID, chunkID, format string) string {
	return storage.Join(bookID, "chunks", chunkID+"."+format)
}
