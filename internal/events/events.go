// Package events publishes batch lifecycle and chunk progress events.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackzampolin/narrator/internal/state"
)

// Event types.
const (
	TypeBatchStatus = "batch.status"
	TypeChunkUpdate = "chunk.update"
)

// Event is one published notification.
type Event struct {
	Type   string            `json:"type"`
	BookID string            `json:"book_id"`
	RunID  string            `json:"run_id,omitempty"`
	Status state.BatchStatus `json:"status,omitempty"`
	Error  string            `json:"error,omitempty"`
	Chunk  *ChunkEvent       `json:"chunk,omitempty"`
	Time   time.Time         `json:"time"`
}

// ChunkEvent is the part of a chunk state worth broadcasting. Text and
// audio paths stay out of the payload.
type ChunkEvent struct {
	ChunkID    string            `json:"chunk_id"`
	Index      int               `json:"index"`
	Status     state.ChunkStatus `json:"status"`
	RetryCount int               `json:"retry_count"`
	ErrorKind  state.ErrorKind   `json:"error_kind,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
}

// BatchStatusEvent builds a status transition event.
func BatchStatusEvent(b *state.BatchRecord) Event {
	return Event{
		Type:   TypeBatchStatus,
		BookID: b.BookID,
		RunID:  b.RunID,
		Status: b.Status,
		Error:  b.Error,
		Time:   time.Now().UTC(),
	}
}

// ChunkUpdateEvent builds a chunk progress event.
func ChunkUpdateEvent(bookID, runID string, cs state.ChunkState) Event {
	return Event{
		Type:   TypeChunkUpdate,
		BookID: bookID,
		RunID:  runID,
		Chunk: &ChunkEvent{
			ChunkID:    cs.ChunkID,
			Index:      cs.Index,
			Status:     cs.Status,
			RetryCount: cs.RetryCount,
			ErrorKind:  cs.ErrorKind,
			LastError:  cs.LastError,
		},
		Time: time.Now().UTC(),
	}
}

// Publisher sends events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Backend names.
const (
	BackendNone = "none"
	BackendNATS = "nats"
)

// Config selects and configures the publisher.
type Config struct {
	Backend string `mapstructure:"backend" yaml:"backend"`

	// NATS connection.
	Servers        []string      `mapstructure:"servers" yaml:"servers"`
	Username       string        `mapstructure:"username" yaml:"username"`
	Password       string        `mapstructure:"password" yaml:"password"`
	Token          string        `mapstructure:"token" yaml:"token"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	SubjectPrefix  string        `mapstructure:"subject_prefix" yaml:"subject_prefix"`

	// Embedded runs an in-process NATS server on Port (0 picks a free port).
	Embedded bool `mapstructure:"embedded" yaml:"embedded"`
	Port     int  `mapstructure:"port" yaml:"port"`

	Logger *slog.Logger `mapstructure:"-" yaml:"-"`
}

// New creates the configured publisher. An empty backend gives a no-op.
func New(ctx context.Context, cfg Config) (Publisher, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return NopPublisher{}, nil
	case BackendNATS:
		return NewNATSPublisher(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown events backend: %s", cfg.Backend)
	}
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// MemoryPublisher records events in order. Used by tests and dry runs.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemoryPublisher) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryPublisher) Close() error { return nil }

// Events returns a copy of the recorded events.
func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Statuses returns the recorded batch status transitions for bookID.
func (m *MemoryPublisher) Statuses(bookID string) []state.BatchStatus {
	var out []state.BatchStatus
	for _, ev := range m.Events() {
		if ev.Type == TypeBatchStatus && ev.BookID == bookID {
			out = append(out, ev.Status)
		}
	}
	return out
}
