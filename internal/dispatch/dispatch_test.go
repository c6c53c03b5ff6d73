package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/jackzampolin/narrator/internal/chunker"
	"github.com/jackzampolin/narrator/internal/providers"
	"github.com/jackzampolin/narrator/internal/state"
	"github.com/jackzampolin/narrator/internal/storage"
)

var fastPolicy = Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

type fixture struct {
	d     *Dispatcher
	store *state.MemoryStore
	blobs *storage.LocalStorage
	mock  *providers.MockTTS
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	metrics, err := NewMetrics(nil)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	store := state.NewMemoryStore()
	d, err := New(Config{Store: store, Storage: blobs, Metrics: metrics})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &fixture{d: d, store: store, blobs: blobs, mock: providers.NewMockTTS()}
}

func (f *fixture) opts() Options {
	return Options{Provider: f.mock, Policy: fastPolicy, ConcurrencyLimit: 2}
}

func testChunks(n int) []chunker.Chunk {
	out := make([]chunker.Chunk, n)
	for i := range out {
		text := fmt.Sprintf("Sentence number %d.", i)
		out[i] = chunker.Chunk{
			ID:      fmt.Sprintf("c%02d", i),
			Index:   i,
			Start:   i * 100,
			End:     i*100 + len(text),
			PageIDs: []string{"p1"},
			Text:    text,
		}
	}
	return out
}

func (f *fixture) chunk(t *testing.T, id string) *state.ChunkState {
	t.Helper()
	cs, err := f.store.GetChunk(context.Background(), "book", id)
	if err != nil || cs == nil {
		t.Fatalf("GetChunk(%s) = %v, %v", id, cs, err)
	}
	return cs
}

func TestDispatch_AllSucceed(t *testing.T) {
	f := newFixture(t)
	chunks := testChunks(5)

	var updates atomic.Int64
	opts := f.opts()
	opts.OnUpdate = func(state.ChunkState) { updates.Add(1) }

	sum, err := f.d.Dispatch(context.Background(), "book", chunks, opts)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if sum.Succeeded != 5 || sum.Calls != 5 || sum.Failed != 0 || sum.Aborted {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if updates.Load() != 10 {
		t.Fatalf("expected 2 updates per chunk, got %d", updates.Load())
	}

	for _, c := range chunks {
		cs := f.chunk(t, c.ID)
		if cs.Status != state.ChunkSucceeded {
			t.Fatalf("chunk %s status = %s", c.ID, cs.Status)
		}
		if cs.AudioFormat != "pcm" || cs.SampleRate != 16000 {
			t.Fatalf("chunk %s audio metadata: %+v", c.ID, cs)
		}
		if cs.AudioPath != AudioKey("book", c.ID, "pcm") {
			t.Fatalf("chunk %s audio path = %q", c.ID, cs.AudioPath)
		}
		data, err := storage.ReadAll(context.Background(), f.blobs, cs.AudioPath)
		if err != nil {
			t.Fatalf("stored audio missing: %v", err)
		}
		if len(data) != len(c.Text)*4*2 {
			t.Fatalf("chunk %s audio has %d bytes", c.ID, len(data))
		}
	}
}

func TestDispatch_SkipsSucceeded(t *testing.T) {
	f := newFixture(t)
	chunks := testChunks(4)
	ctx := context.Background()

	if _, err := f.d.Dispatch(ctx, "book", chunks, f.opts()); err != nil {
		t.Fatalf("first Dispatch failed: %v", err)
	}
	sum, err := f.d.Dispatch(ctx, "book", chunks, f.opts())
	if err != nil {
		t.Fatalf("second Dispatch failed: %v", err)
	}
	if sum.Calls != 0 || sum.Skipped != 4 || sum.Submitted != 0 {
		t.Fatalf("expected everything skipped, got %+v", sum)
	}
	if f.mock.RequestCount() != 4 {
		t.Fatalf("expected 4 provider calls total, got %d", f.mock.RequestCount())
	}
}

func TestDispatch_TransientThenSuccess(t *testing.T) {
	f := newFixture(t)
	chunks := testChunks(3)
	flaky := chunks[1].Text
	f.mock.Script = func(req *providers.TTSRequest, attempt int) error {
		if req.Text == flaky && attempt <= 2 {
			return &providers.APIError{Provider: "mock", StatusCode: 503, Message: "overloaded"}
		}
		return nil
	}

	sum, err := f.d.Dispatch(context.Background(), "book", chunks, f.opts())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if sum.Succeeded != 3 || sum.Calls != 5 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	cs := f.chunk(t, chunks[1].ID)
	if cs.Status != state.ChunkSucceeded || cs.RetryCount != 2 || cs.LastError != "" {
		t.Fatalf("unexpected state: %+v", cs)
	}
	if got := f.mock.CallsFor(flaky); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestDispatch_PermanentNotRetried(t *testing.T) {
	f := newFixture(t)
	chunks := testChunks(3)
	bad := chunks[2].Text
	f.mock.Script = func(req *providers.TTSRequest, _ int) error {
		if req.Text == bad {
			return &providers.APIError{Provider: "mock", StatusCode: 400, Message: "unsupported character"}
		}
		return nil
	}

	sum, err := f.d.Dispatch(context.Background(), "book", chunks, f.opts())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if sum.Failed != 1 || sum.Succeeded != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if len(sum.FailedChunkIDs) != 1 || sum.FailedChunkIDs[0] != chunks[2].ID {
		t.Fatalf("unexpected failed ids: %v", sum.FailedChunkIDs)
	}
	if got := f.mock.CallsFor(bad); got != 1 {
		t.Fatalf("permanent failure retried: %d calls", got)
	}
	cs := f.chunk(t, chunks[2].ID)
	if cs.Status != state.ChunkFailed || cs.ErrorKind != state.ErrorPermanent || cs.RetryCount != 0 {
		t.Fatalf("unexpected state: %+v", cs)
	}

	// A later run leaves it alone.
	sum, err = f.d.Dispatch(context.Background(), "book", chunks, f.opts())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if sum.Calls != 0 || sum.Failed != 1 || sum.Skipped != 2 {
		t.Fatalf("unexpected rerun summary: %+v", sum)
	}
}

func TestDispatch_RetriesExhausted(t *testing.T) {
	f := newFixture(t)
	chunks := testChunks(1)
	f.mock.Script = func(*providers.TTSRequest, int) error {
		return errors.New("connection dropped")
	}

	sum, err := f.d.Dispatch(context.Background(), "book", chunks, f.opts())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	// One first attempt plus MaxRetries retries.
	if sum.Failed != 1 || sum.Calls != fastPolicy.MaxRetries+1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	cs := f.chunk(t, chunks[0].ID)
	if cs.Status != state.ChunkFailed || cs.ErrorKind != state.ErrorTransient || cs.RetryCount != fastPolicy.MaxRetries+1 {
		t.Fatalf("unexpected state: %+v", cs)
	}
	if cs.Retryable(fastPolicy.MaxRetries) {
		t.Fatal("exhausted chunk should not be retryable")
	}
}

func TestDispatch_ResumesRetryBudget(t *testing.T) {
	f := newFixture(t)
	chunks := testChunks(1)
	ctx := context.Background()

	cs := state.NewChunkState("book", chunks[0])
	cs.Status = state.ChunkFailed
	cs.ErrorKind = state.ErrorTransient
	cs.RetryCount = 1
	if err := f.store.PutChunk(ctx, &cs); err != nil {
		t.Fatalf("PutChunk failed: %v", err)
	}

	f.mock.Script = func(*providers.TTSRequest, int) error {
		return &providers.APIError{Provider: "mock", StatusCode: 502}
	}
	sum, err := f.d.Dispatch(ctx, "book", chunks, f.opts())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if sum.Calls != 3 {
		t.Fatalf("expected 3 remaining attempts, got %d", sum.Calls)
	}
	if got := f.chunk(t, chunks[0].ID); got.RetryCount != 4 {
		t.Fatalf("retry count = %d", got.RetryCount)
	}
}

func TestDispatch_HonorsRetryAfter(t *testing.T) {
	f := newFixture(t)
	chunks := testChunks(1)
	f.mock.Script = func(_ *providers.TTSRequest, attempt int) error {
		if attempt == 1 {
			return &providers.RateLimitError{Message: "slow down", RetryAfter: 60 * time.Millisecond, StatusCode: 429}
		}
		return nil
	}

	start := time.Now()
	sum, err := f.d.Dispatch(context.Background(), "book", chunks, f.opts())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if sum.Succeeded != 1 || sum.Calls != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("retry ignored Retry-After: %v", elapsed)
	}
}

func TestDispatch_RateLimitPausesLimiter(t *testing.T) {
	f := newFixture(t)
	chunks := testChunks(1)
	f.mock.Script = func(_ *providers.TTSRequest, attempt int) error {
		if attempt == 1 {
			return &providers.RateLimitError{Message: "slow down", RetryAfter: 40 * time.Millisecond, StatusCode: 429}
		}
		return nil
	}
	limiter := providers.NewRateLimiter(6000)
	opts := f.opts()
	opts.Limiter = limiter

	if _, err := f.d.Dispatch(context.Background(), "book", chunks, opts); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if limiter.Status().Last429Time.IsZero() {
		t.Fatal("limiter did not record the 429")
	}
}

func TestDispatch_AbortLetsInFlightFinish(t *testing.T) {
	f := newFixture(t)
	chunks := testChunks(4)
	f.mock.Latency = 30 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := f.opts()
	opts.ConcurrencyLimit = 1
	opts.OnUpdate = func(cs state.ChunkState) {
		if cs.ChunkID == chunks[0].ID && cs.Status == state.ChunkInProgress {
			cancel()
		}
	}

	sum, err := f.d.Dispatch(ctx, "book", chunks, opts)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !sum.Aborted || sum.Succeeded != 1 || sum.Calls != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if cs := f.chunk(t, chunks[0].ID); cs.Status != state.ChunkSucceeded {
		t.Fatalf("in-flight chunk not persisted: %+v", cs)
	}

	// Resume picks up the rest without repeating the finished chunk.
	opts.OnUpdate = nil
	sum, err = f.d.Dispatch(context.Background(), "book", chunks, opts)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if sum.Skipped != 1 || sum.Succeeded != 3 {
		t.Fatalf("unexpected resume summary: %+v", sum)
	}
	for _, c := range chunks {
		if got := f.mock.CallsFor(c.Text); got != 1 {
			t.Fatalf("chunk %s synthesized %d times", c.ID, got)
		}
	}
}

func TestDispatch_InProgressTreatedAsPending(t *testing.T) {
	f := newFixture(t)
	chunks := testChunks(1)
	ctx := context.Background()

	cs := state.NewChunkState("book", chunks[0])
	cs.Status = state.ChunkInProgress
	if err := f.store.PutChunk(ctx, &cs); err != nil {
		t.Fatalf("PutChunk failed: %v", err)
	}
	sum, err := f.d.Dispatch(ctx, "book", chunks, f.opts())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if sum.Succeeded != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

type concurrencyTracker struct {
	*providers.MockTTS
	cur, peak atomic.Int64
}

func (p *concurrencyTracker) Generate(ctx context.Context, req *providers.TTSRequest) (*providers.TTSResult, error) {
	n := p.cur.Add(1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	defer p.cur.Add(-1)
	time.Sleep(10 * time.Millisecond)
	return p.MockTTS.Generate(ctx, req)
}

func TestDispatch_ConcurrencyLimit(t *testing.T) {
	f := newFixture(t)
	tracker := &concurrencyTracker{MockTTS: f.mock}
	opts := f.opts()
	opts.Provider = tracker
	opts.ConcurrencyLimit = 3

	sum, err := f.d.Dispatch(context.Background(), "book", testChunks(12), opts)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if sum.Succeeded != 12 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if peak := tracker.peak.Load(); peak > 3 || peak < 1 {
		t.Fatalf("peak concurrency %d outside limit", peak)
	}
}

type flakyStore struct {
	state.Store
	mu    sync.Mutex
	puts  int
	limit int
}

func (s *flakyStore) PutChunk(ctx context.Context, cs *state.ChunkState) error {
	s.mu.Lock()
	s.puts++
	n := s.puts
	s.mu.Unlock()
	if n > s.limit {
		return errors.New("disk full")
	}
	return s.Store.PutChunk(ctx, cs)
}

func TestDispatch_StoreFailure(t *testing.T) {
	blobs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	d, err := New(Config{Store: &flakyStore{Store: state.NewMemoryStore(), limit: 3}, Storage: blobs})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = d.Dispatch(context.Background(), "book", testChunks(2), Options{
		Provider:         providers.NewMockTTS(),
		Policy:           fastPolicy,
		ConcurrencyLimit: 1,
	})
	if err == nil {
		t.Fatal("expected store failure to surface")
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without store")
	}
	if _, err := New(Config{Store: state.NewMemoryStore()}); err == nil {
		t.Fatal("expected error without storage")
	}
}

func TestDispatch_SettingsChangeResynthesizes(t *testing.T) {
	f := newFixture(t)
	chunks := testChunks(3)
	ctx := context.Background()

	alice := f.opts()
	alice.Voice = "alice"
	if _, err := f.d.Dispatch(ctx, "book", chunks, alice); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	first := f.chunk(t, chunks[0].ID)
	if first.Fingerprint != alice.Fingerprint() {
		t.Fatalf("fingerprint = %q, want %q", first.Fingerprint, alice.Fingerprint())
	}

	bob := f.opts()
	bob.Voice = "bob"
	var voices sync.Map
	f.mock.Script = func(req *providers.TTSRequest, _ int) error {
		voices.Store(req.Text, req.Voice)
		return nil
	}
	sum, err := f.d.Dispatch(ctx, "book", chunks, bob)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if sum.Calls != 3 || sum.Skipped != 0 || sum.Succeeded != 3 {
		t.Fatalf("voice change reused old audio: %+v", sum)
	}
	for _, c := range chunks {
		if v, _ := voices.Load(c.Text); v != "bob" {
			t.Fatalf("chunk %s synthesized with voice %v", c.ID, v)
		}
		if cs := f.chunk(t, c.ID); cs.Fingerprint != bob.Fingerprint() || cs.RetryCount != 0 {
			t.Fatalf("chunk %s state after resynthesis: %+v", c.ID, cs)
		}
	}

	// Same settings again: nothing to do.
	sum, err = f.d.Dispatch(ctx, "book", chunks, bob)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if sum.Calls != 0 || sum.Skipped != 3 {
		t.Fatalf("unexpected rerun summary: %+v", sum)
	}
}

func TestDispatch_SettingsChangeRetriesPermanentFailure(t *testing.T) {
	f := newFixture(t)
	chunks := testChunks(1)
	ctx := context.Background()

	f.mock.Script = func(req *providers.TTSRequest, _ int) error {
		if req.Voice == "retired" {
			return &providers.APIError{Provider: "mock", StatusCode: 404, Message: "voice not found"}
		}
		return nil
	}
	opts := f.opts()
	opts.Voice = "retired"
	if sum, _ := f.d.Dispatch(ctx, "book", chunks, opts); sum.Failed != 1 {
		t.Fatalf("expected permanent failure, got %+v", sum)
	}

	opts.Voice = "current"
	sum, err := f.d.Dispatch(ctx, "book", chunks, opts)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if sum.Succeeded != 1 || sum.Failed != 0 {
		t.Fatalf("new voice did not retry the failed chunk: %+v", sum)
	}
}

func TestFingerprint(t *testing.T) {
	base := Fingerprint("elevenlabs", "v1", "m1", "mp3", "en")
	if base != Fingerprint("elevenlabs", "v1", "m1", "mp3", "en") {
		t.Fatal("fingerprint not deterministic")
	}
	others := [][5]string{
		{"openai", "v1", "m1", "mp3", "en"},
		{"elevenlabs", "v2", "m1", "mp3", "en"},
		{"elevenlabs", "v1", "m2", "mp3", "en"},
		{"elevenlabs", "v1", "m1", "wav", "en"},
		{"elevenlabs", "v1", "m1", "mp3", "de"},
		{"elevenlabs", "v1m1", "", "mp3", "en"},
	}
	for _, o := range others {
		if Fingerprint(o[0], o[1], o[2], o[3], o[4]) == base {
			t.Errorf("fingerprint collision for %v", o)
		}
	}
}

type cappedProvider struct {
	*concurrencyTracker
}

func (p cappedProvider) MaxConcurrency() int { return 1 }

func TestDispatch_ProviderConcurrencyCap(t *testing.T) {
	f := newFixture(t)
	tracker := &concurrencyTracker{MockTTS: f.mock}
	opts := f.opts()
	opts.Provider = cappedProvider{tracker}
	opts.ConcurrencyLimit = 4

	sum, err := f.d.Dispatch(context.Background(), "book", testChunks(6), opts)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if sum.Succeeded != 6 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if peak := tracker.peak.Load(); peak != 1 {
		t.Fatalf("peak concurrency %d, provider allows 1", peak)
	}
}

func TestProviderPolicy(t *testing.T) {
	mock := providers.NewMockTTS()
	mock.Retries = 0
	mock.RetryDelay = 5 * time.Millisecond
	p := ProviderPolicy(mock)
	if p.MaxRetries != 0 || p.BaseDelay != 5*time.Millisecond || p.MaxDelay != DefaultPolicy().MaxDelay {
		t.Fatalf("unexpected policy: %+v", p)
	}

	// Without an explicit policy the provider's settings apply.
	f := newFixture(t)
	f.mock.Retries = 0
	f.mock.Script = func(*providers.TTSRequest, int) error { return errors.New("connection reset") }
	opts := f.opts()
	opts.Policy = Policy{}
	sum, err := f.d.Dispatch(context.Background(), "book", testChunks(1), opts)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if sum.Calls != 1 || sum.Failed != 1 {
		t.Fatalf("zero retries still retried: %+v", sum)
	}
}

func TestPolicy_Attempts(t *testing.T) {
	tests := []struct {
		maxRetries, retryCount, want int
	}{
		{3, 0, 4},
		{3, 2, 2},
		{0, 0, 1},
		{1, 5, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("max%d_count%d", tt.maxRetries, tt.retryCount), func(t *testing.T) {
			if got := (Policy{MaxRetries: tt.maxRetries}).attempts(tt.retryCount); got != tt.want {
				t.Errorf("attempts = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMetrics_RecordsCost(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	metrics, err := NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	blobs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	d, err := New(Config{Store: state.NewMemoryStore(), Storage: blobs, Metrics: metrics})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	mock := providers.NewMockTTS()
	mock.CostPerChar = 0.001

	chunks := testChunks(2)
	if _, err := d.Dispatch(context.Background(), "book", chunks, Options{Provider: mock, Policy: fastPolicy}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	want := float64(len(chunks[0].Text)+len(chunks[1].Text)) * 0.001
	var got float64
	var requests int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "narrator_synthesis_cost_usd_total":
				for _, dp := range m.Data.(metricdata.Sum[float64]).DataPoints {
					got += dp.Value
				}
			case "narrator_synthesis_requests_total":
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					requests += dp.Value
				}
			}
		}
	}
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("cost = %v, want %v", got, want)
	}
	if requests != 2 {
		t.Errorf("requests = %d, want 2", requests)
	}
}
