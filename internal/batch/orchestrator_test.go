package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/narrator/internal/assemble"
	"github.com/jackzampolin/narrator/internal/chunker"
	"github.com/jackzampolin/narrator/internal/dispatch"
	"github.com/jackzampolin/narrator/internal/events"
	"github.com/jackzampolin/narrator/internal/flow"
	"github.com/jackzampolin/narrator/internal/pages"
	"github.com/jackzampolin/narrator/internal/providers"
	"github.com/jackzampolin/narrator/internal/state"
	"github.com/jackzampolin/narrator/internal/storage"
)

var animals = []string{"Heron", "Otter", "Badger", "Falcon", "Marten", "Lynx", "Stoat", "Kestrel", "Beaver", "Osprey"}

type fixture struct {
	o     *Orchestrator
	store *state.MemoryStore
	blobs *storage.LocalStorage
	mock  *providers.MockTTS
	pub   *events.MemoryPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	store := state.NewMemoryStore()
	mock := providers.NewMockTTS()
	reg := providers.NewRegistry()
	reg.Register("mock", mock)
	pub := &events.MemoryPublisher{}

	o, err := NewOrchestrator(OrchestratorConfig{
		Store:     store,
		Storage:   blobs,
		Registry:  reg,
		Publisher: pub,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	return &fixture{o: o, store: store, blobs: blobs, mock: mock, pub: pub}
}

// bookPages returns ten pages of two sentences each. With page resync
// every page start after the first forces a cut, giving ten chunks.
func bookPages() []pages.Page {
	ps := make([]pages.Page, len(animals))
	for i, a := range animals {
		ps[i] = pages.Page{
			ID:       fmt.Sprintf("p%02d", i+1),
			OrderKey: fmt.Sprintf("%03d", i+1),
			RawText:  fmt.Sprintf("The %s walked along the river bank. It stopped at stone number %d.", a, i+1),
		}
	}
	return ps
}

func testConfig() Config {
	return Config{
		Provider:          "mock",
		HeaderFooterLines: -1,
		RetryBaseDelay:    time.Millisecond,
		RetryMaxDelay:     5 * time.Millisecond,
		LeadSilence:       assemble.DefaultLeadSilence,
		GapSilence:        assemble.DefaultGapSilence,
	}
}

// expectedChunks derives chunks the same way the pipeline does.
func expectedChunks(t *testing.T, bookID string, ps []pages.Page, cfg Config) []chunker.Chunk {
	t.Helper()
	cfg = cfg.WithDefaults()
	ordered, err := pages.Order(ps)
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}
	doc := flow.Segment(bookID, ordered, cfg.flowOptions())
	res, err := chunker.Split(doc, cfg.chunkerOptions())
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	return res.Chunks
}

func TestRun_Completes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.o.Run(ctx, "book", bookPages(), testConfig())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if p.Status != state.BatchCompleted {
		t.Fatalf("status = %s (%s)", p.Status, p.Error)
	}
	if p.ChunksDone != p.ChunksTotal || p.ChunksTotal != 10 || p.PagesDone != 10 || p.PagesTotal != 10 {
		t.Fatalf("unexpected progress: %+v", p)
	}
	if p.Running {
		t.Fatal("finished batch reported as running")
	}

	rec, _ := f.store.GetBatch(ctx, "book")
	if rec.CombinedAudio != "book/book_combined.wav" || len(rec.PageAudio) != 10 || rec.CompletedAt == nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
	for _, key := range []string{rec.CombinedAudio, TextKey("book")} {
		if ok, _ := f.blobs.Exists(ctx, key); !ok {
			t.Fatalf("output %s missing", key)
		}
	}
	text, _ := storage.ReadAll(ctx, f.blobs, TextKey("book"))
	if len(text) == 0 || string(text[:9]) != "The Heron" {
		t.Fatalf("unexpected exported text %q", text)
	}

	want := []state.BatchStatus{
		state.BatchCreated, state.BatchSegmenting, state.BatchChunking,
		state.BatchSynthesizing, state.BatchAssembling, state.BatchCompleted,
	}
	got := f.pub.Statuses("book")
	if len(got) != len(want) {
		t.Fatalf("status events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status events = %v, want %v", got, want)
		}
	}
}

func TestRun_PartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := testConfig()

	chunks := expectedChunks(t, "book", bookPages(), cfg)
	if len(chunks) != 10 {
		t.Fatalf("fixture should give 10 chunks, got %d", len(chunks))
	}
	bad := chunks[7]
	f.mock.Script = func(req *providers.TTSRequest, _ int) error {
		if req.Text == bad.Text {
			return &providers.APIError{Provider: "mock", StatusCode: 422, Message: "unsupported input"}
		}
		return nil
	}

	p, err := f.o.Run(ctx, "book", bookPages(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if p.Status != state.BatchPartialFailed {
		t.Fatalf("status = %s", p.Status)
	}
	if p.ChunksDone != 9 || p.ChunksTotal != 10 || p.ChunksFailed != 1 {
		t.Fatalf("unexpected progress: %+v", p)
	}
	if len(p.FailedChunks) != 1 || p.FailedChunks[0] != bad.ID {
		t.Fatalf("failed chunks = %v, want [%s]", p.FailedChunks, bad.ID)
	}
	if f.mock.CallsFor(bad.Text) != 1 {
		t.Fatalf("permanent failure was retried")
	}

	rec, _ := f.store.GetBatch(ctx, "book")
	if len(rec.FailedChunks) != 1 || rec.FailedChunks[0] != bad.ID || rec.CombinedAudio != "" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	_, err = f.o.assembler.Assemble(ctx, rec, cfg.assembleOptions())
	var ie *assemble.IncompleteBatchError
	if !errors.As(err, &ie) || len(ie.Missing) != 1 || ie.Missing[0] != bad.ID {
		t.Fatalf("expected IncompleteBatchError naming chunk 7, got %v", err)
	}
}

func TestResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := testConfig()

	chunks := expectedChunks(t, "book", bookPages(), cfg)
	bad := chunks[7]
	f.mock.Script = func(req *providers.TTSRequest, _ int) error {
		if req.Text == bad.Text {
			return &providers.APIError{Provider: "mock", StatusCode: 400}
		}
		return nil
	}
	if _, err := f.o.Run(ctx, "book", bookPages(), cfg); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	calls := f.mock.RequestCount()

	// Without a reset the permanent failure stays put.
	if _, err := f.o.ResumeBatch(ctx, "book", ResumeOptions{}); err != nil {
		t.Fatalf("ResumeBatch failed: %v", err)
	}
	if err := f.o.Wait(ctx, "book"); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	p, _ := f.o.GetProgress(ctx, "book")
	if p.Status != state.BatchPartialFailed || f.mock.RequestCount() != calls {
		t.Fatalf("resume without reset: status %s, calls %d -> %d", p.Status, calls, f.mock.RequestCount())
	}

	f.mock.Script = nil
	if _, err := f.o.ResumeBatch(ctx, "book", ResumeOptions{ResetFailed: true}); err != nil {
		t.Fatalf("ResumeBatch failed: %v", err)
	}
	if err := f.o.Wait(ctx, "book"); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	p, _ = f.o.GetProgress(ctx, "book")
	if p.Status != state.BatchCompleted {
		t.Fatalf("status = %s (%s)", p.Status, p.Error)
	}
	if f.mock.RequestCount() != calls+1 {
		t.Fatalf("expected exactly one new call, got %d", f.mock.RequestCount()-calls)
	}
	for _, c := range chunks {
		if c.ID != bad.ID && f.mock.CallsFor(c.Text) != 1 {
			t.Fatalf("chunk %d synthesized %d times", c.Index, f.mock.CallsFor(c.Text))
		}
	}
}

func TestRun_EditedPageResynthesizesOnlyItsChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := testConfig()

	before := expectedChunks(t, "book", bookPages(), cfg)
	if _, err := f.o.Run(ctx, "book", bookPages(), cfg); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	calls := f.mock.RequestCount()

	edited := bookPages()
	edited[4].CorrectedText = "The Marten walked along the river bank. It paused at stone five."
	after := expectedChunks(t, "book", edited, cfg)

	known := make(map[string]bool)
	for _, c := range before {
		known[c.ID] = true
	}
	changed := 0
	for _, c := range after {
		if known[c.ID] {
			continue
		}
		changed++
		touches := false
		for _, id := range c.PageIDs {
			if id == "p05" {
				touches = true
			}
		}
		if !touches {
			t.Fatalf("chunk %d changed id without overlapping the edited page", c.Index)
		}
	}
	if changed == 0 {
		t.Fatal("edit did not change any chunk id")
	}

	p, err := f.o.Run(ctx, "book", edited, cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if p.Status != state.BatchCompleted {
		t.Fatalf("status = %s (%s)", p.Status, p.Error)
	}
	if got := f.mock.RequestCount() - calls; got != int64(changed) {
		t.Fatalf("expected %d new calls, got %d", changed, got)
	}
	if all, _ := f.store.ListChunks(ctx, "book"); len(all) != len(after) {
		t.Fatalf("stale chunk states not pruned: %d records for %d chunks", len(all), len(after))
	}
}

func TestRun_SettingsChangeResynthesizes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := testConfig()
	alice.Voice = "alice"
	if p, err := f.o.Run(ctx, "book", bookPages(), alice); err != nil || p.Status != state.BatchCompleted {
		t.Fatalf("first Run: %+v, %v", p, err)
	}
	first := f.mock.RequestCount()

	bob := testConfig()
	bob.Voice = "bob"
	p, err := f.o.Run(ctx, "book", bookPages(), bob)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if p.Status != state.BatchCompleted {
		t.Fatalf("status = %s (%s)", p.Status, p.Error)
	}
	if got := f.mock.RequestCount() - first; got != first {
		t.Fatalf("voice change made %d calls, want %d", got, first)
	}

	want := dispatch.Fingerprint("mock", "bob", "", "", "")
	chunks, _ := f.store.ListChunks(ctx, "book")
	for _, cs := range chunks {
		if cs.Fingerprint != want || cs.Status != state.ChunkSucceeded {
			t.Fatalf("chunk %d not resynthesized for new voice: %+v", cs.Index, cs)
		}
	}

	// Rerunning with unchanged settings reuses everything.
	before := f.mock.RequestCount()
	if _, err := f.o.Run(ctx, "book", bookPages(), bob); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if f.mock.RequestCount() != before {
		t.Fatalf("unchanged settings made %d calls", f.mock.RequestCount()-before)
	}
}

// batchRecorder keeps a copy of every batch record written.
type batchRecorder struct {
	*state.MemoryStore
	mu      sync.Mutex
	records []state.BatchRecord
}

func (r *batchRecorder) PutBatch(ctx context.Context, b *state.BatchRecord) error {
	r.mu.Lock()
	cp := *b
	cp.Pages = append([]pages.Page(nil), b.Pages...)
	r.records = append(r.records, cp)
	r.mu.Unlock()
	return r.MemoryStore.PutBatch(ctx, b)
}

func TestRun_MarksPagesFlowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := &batchRecorder{MemoryStore: f.store}
	o, err := NewOrchestrator(OrchestratorConfig{
		Store:     rec,
		Storage:   f.blobs,
		Registry:  f.o.registry,
		Publisher: f.pub,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}

	ps := bookPages()
	for i := range ps {
		ps[i].Status = pages.StatusReviewed
	}
	if _, err := o.Run(ctx, "book", ps, testConfig()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	final, _ := f.store.GetBatch(ctx, "book")
	for _, pg := range final.Pages {
		if pg.Status != pages.StatusFlowed {
			t.Fatalf("page %s status = %q after run", pg.ID, pg.Status)
		}
	}

	// Pages turn flowed with the chunking transition, not before.
	rec.mu.Lock()
	defer rec.mu.Unlock()
	seen := map[state.BatchStatus]pages.Status{}
	for _, r := range rec.records {
		seen[r.Status] = r.Pages[0].Status
	}
	if seen[state.BatchSegmenting] != pages.StatusReviewed {
		t.Errorf("segmenting record has page status %q", seen[state.BatchSegmenting])
	}
	if seen[state.BatchChunking] != pages.StatusFlowed {
		t.Errorf("chunking record has page status %q", seen[state.BatchChunking])
	}
}

func TestAbortBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mock.Latency = 20 * time.Millisecond
	cfg := testConfig()
	cfg.ConcurrencyLimit = 1

	if _, err := f.o.StartBatch(ctx, "book", bookPages(), cfg); err != nil {
		t.Fatalf("StartBatch failed: %v", err)
	}
	if _, err := f.o.StartBatch(ctx, "book", bookPages(), cfg); !errors.Is(err, ErrBatchRunning) {
		t.Fatalf("expected ErrBatchRunning, got %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.mock.RequestCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := f.o.AbortBatch("book"); err != nil {
		t.Fatalf("AbortBatch failed: %v", err)
	}
	if err := f.o.Wait(ctx, "book"); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	p, err := f.o.GetProgress(ctx, "book")
	if err != nil {
		t.Fatalf("GetProgress failed: %v", err)
	}
	if p.Status != state.BatchAborted || p.Running {
		t.Fatalf("unexpected progress after abort: %+v", p)
	}
	if p.ChunksDone == 0 || p.ChunksDone == p.ChunksTotal {
		t.Fatalf("expected a partial run, got %d/%d", p.ChunksDone, p.ChunksTotal)
	}
	inflight, _ := f.store.ListChunks(ctx, "book", state.ChunkInProgress)
	if len(inflight) != 0 {
		t.Fatalf("abort left %d chunks in progress", len(inflight))
	}
	if err := f.o.AbortBatch("book"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestStartBatch_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dup := bookPages()
	dup[3].ID = dup[2].ID
	invalid := func(err error) bool { return errors.Is(err, ErrInvalidRequest) }

	tests := []struct {
		name  string
		book  string
		pages []pages.Page
		cfg   Config
		check func(error) bool
	}{
		{"missing book", "", bookPages(), testConfig(), invalid},
		{"no pages", "book", nil, testConfig(), invalid},
		{"unknown provider", "book", bookPages(), Config{Provider: "nope"}, invalid},
		{"no provider", "book", bookPages(), Config{}, invalid},
		{"ordering", "book", dup, testConfig(), func(err error) bool {
			var oe *pages.OrderingError
			return errors.As(err, &oe)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.o.StartBatch(ctx, tt.book, tt.pages, tt.cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.check != nil && !tt.check(err) {
				t.Fatalf("unexpected error type: %v", err)
			}
		})
	}

	if rec, _ := f.store.GetBatch(ctx, "book"); rec != nil {
		t.Fatal("rejected batch was persisted")
	}
}

func TestResumeBatch_NotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.o.ResumeBatch(context.Background(), "ghost", ResumeOptions{}); !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("expected ErrBatchNotFound, got %v", err)
	}
	if _, err := f.o.GetProgress(context.Background(), "ghost"); !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("expected ErrBatchNotFound, got %v", err)
	}
}

func TestConfig_Defaults(t *testing.T) {
	c := Config{Provider: "mock"}.WithDefaults()
	if c.MaxChunkLen != 5000 || c.ConcurrencyLimit != 4 || c.MaxRetries != 0 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if DefaultConfig().MaxRetries != 3 {
		t.Fatalf("default max retries = %d", DefaultConfig().MaxRetries)
	}
	if c.RetryBaseDelay != 2*time.Second || c.RetryMaxDelay != time.Minute || c.RequestTimeout != 5*time.Minute {
		t.Fatalf("unexpected retry defaults: %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	snap, err := c.snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	back, err := configFromSnapshot(snap)
	if err != nil || back.RetryMaxDelay != c.RetryMaxDelay || back.Provider != "mock" {
		t.Fatalf("snapshot did not round trip: %+v, %v", back, err)
	}

	bad := c
	bad.RetryMaxDelay = time.Millisecond
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for max delay below base delay")
	}
	bad = c
	bad.MaxRetries = -1
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for negative max retries")
	}
}

func TestOverrides_Apply(t *testing.T) {
	base := Config{Provider: "elevenlabs", Voice: "v1", MaxChunkLen: 5000, MaxRetries: 3}
	got := Overrides{Provider: "mock", MaxChunkLen: 800}.Apply(base)
	if got.Provider != "mock" || got.MaxChunkLen != 800 || got.Voice != "v1" || got.MaxRetries != 3 {
		t.Fatalf("unexpected config: %+v", got)
	}
	zero := 0
	if got := (Overrides{MaxRetries: &zero}).Apply(base); got.MaxRetries != 0 {
		t.Fatalf("explicit zero retries ignored: %d", got.MaxRetries)
	}
	if same := (Overrides{}).Apply(base); same.Provider != base.Provider || same.MaxChunkLen != base.MaxChunkLen {
		t.Fatalf("empty overrides changed config: %+v", same)
	}
}

func TestShutdown_AbortsRunning(t *testing.T) {
	f := newFixture(t)
	f.mock.Latency = 20 * time.Millisecond
	ctx := context.Background()

	cfg := testConfig()
	cfg.ConcurrencyLimit = 1
	if _, err := f.o.StartBatch(ctx, "book", bookPages(), cfg); err != nil {
		t.Fatalf("StartBatch failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.o.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if f.o.Running("book") {
		t.Fatal("batch still running after shutdown")
	}
	p, err := f.o.GetProgress(ctx, "book")
	if err != nil {
		t.Fatalf("GetProgress failed: %v", err)
	}
	if p.Status != state.BatchAborted {
		t.Fatalf("status = %s, want aborted", p.Status)
	}
}
