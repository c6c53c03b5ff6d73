package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and one-shot runs.
type MemoryStore struct {
	mu      sync.RWMutex
	chunks  map[string]map[string]ChunkState
	batches map[string]BatchRecord
	writes  int

	// Error injection for testing. PutChunkHook runs before every chunk
	// write and aborts it when it returns an error.
	GetErr       error
	PutErr       error
	PutChunkHook func(cs ChunkState) error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks:  make(map[string]map[string]ChunkState),
		batches: make(map[string]BatchRecord),
	}
}

func (m *MemoryStore) GetChunk(_ context.Context, batchID, chunkID string) (*ChunkState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	cs, ok := m.chunks[batchID][chunkID]
	if !ok {
		return nil, nil
	}
	cp := copyChunk(cs)
	return &cp, nil
}

func (m *MemoryStore) PutChunk(_ context.Context, cs *ChunkState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return m.PutErr
	}
	if m.PutChunkHook != nil {
		if err := m.PutChunkHook(copyChunk(*cs)); err != nil {
			return err
		}
	}
	cs.UpdatedAt = time.Now().UTC()
	if m.chunks[cs.BatchID] == nil {
		m.chunks[cs.BatchID] = make(map[string]ChunkState)
	}
	m.chunks[cs.BatchID][cs.ChunkID] = copyChunk(*cs)
	m.writes++
	return nil
}

func (m *MemoryStore) ListChunks(_ context.Context, batchID string, statuses ...ChunkStatus) ([]ChunkState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	want := statusSet(statuses)
	out := make([]ChunkState, 0, len(m.chunks[batchID]))
	for _, cs := range m.chunks[batchID] {
		if want != nil && !want[cs.Status] {
			continue
		}
		out = append(out, copyChunk(cs))
	}
	sortChunks(out)
	return out, nil
}

func (m *MemoryStore) PruneChunks(_ context.Context, batchID string, keep []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return 0, m.PutErr
	}
	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}
	removed := 0
	for id := range m.chunks[batchID] {
		if !keepSet[id] {
			delete(m.chunks[batchID], id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) GetBatch(_ context.Context, bookID string) (*BatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	b, ok := m.batches[bookID]
	if !ok {
		return nil, nil
	}
	cp := copyBatch(b)
	return &cp, nil
}

func (m *MemoryStore) PutBatch(_ context.Context, b *BatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return m.PutErr
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	m.batches[b.BookID] = copyBatch(*b)
	m.writes++
	return nil
}

func (m *MemoryStore) ListBatches(_ context.Context) ([]BatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	out := make([]BatchRecord, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, copyBatch(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookID < out[j].BookID })
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// Writes returns the number of successful writes (for tests).
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func copyChunk(cs ChunkState) ChunkState {
	cs.PageIDs = append([]string(nil), cs.PageIDs...)
	return cs
}

func copyBatch(b BatchRecord) BatchRecord {
	b.Pages = append(b.Pages[:0:0], b.Pages...)
	b.Config = append(b.Config[:0:0], b.Config...)
	b.FailedChunks = append([]string(nil), b.FailedChunks...)
	if b.PageAudio != nil {
		pa := make(map[string]string, len(b.PageAudio))
		for k, v := range b.PageAudio {
			pa[k] = v
		}
		b.PageAudio = pa
	}
	return b
}

func sortChunks(cs []ChunkState) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Start != cs[j].Start {
			return cs[i].Start < cs[j].Start
		}
		return cs[i].Index < cs[j].Index
	})
}
