package events

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jackzampolin/narrator/internal/state"
)

func TestNew_Backends(t *testing.T) {
	ctx := context.Background()

	p, err := New(ctx, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := p.(NopPublisher); !ok {
		t.Fatalf("expected NopPublisher, got %T", p)
	}
	if err := p.Publish(ctx, Event{Type: TypeBatchStatus}); err != nil {
		t.Fatalf("nop publish failed: %v", err)
	}

	if _, err := New(ctx, Config{Backend: "kafka"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if _, err := New(ctx, Config{Backend: BackendNATS}); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestNATSPublisher_Embedded(t *testing.T) {
	ctx := context.Background()
	p, err := NewNATSPublisher(ctx, Config{Backend: BackendNATS, Embedded: true, SubjectPrefix: "test"})
	if err != nil {
		t.Fatalf("NewNATSPublisher failed: %v", err)
	}
	defer p.Close()

	if !p.Healthy() {
		t.Fatal("publisher not connected")
	}

	sub, err := p.Conn().SubscribeSync("test.>")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := p.Conn().Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	rec := &state.BatchRecord{BookID: "moby.dick", RunID: "run-1", Status: state.BatchSynthesizing}
	if err := p.Publish(ctx, BatchStatusEvent(rec)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	cs := state.ChunkState{ChunkID: "abc", Index: 3, Status: state.ChunkFailed, RetryCount: 1, ErrorKind: state.ErrorTransient, Text: "secret text"}
	if err := p.Publish(ctx, ChunkUpdateEvent("moby.dick", "run-1", cs)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msg := next(t, sub)
	if msg.Subject != "test.moby_dick.batch.status" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if ev.Status != state.BatchSynthesizing || ev.RunID != "run-1" {
		t.Fatalf("unexpected event %+v", ev)
	}

	msg = next(t, sub)
	if msg.Subject != "test.moby_dick.chunk.update" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if ev.Chunk == nil || ev.Chunk.ChunkID != "abc" || ev.Chunk.RetryCount != 1 {
		t.Fatalf("unexpected chunk event %+v", ev.Chunk)
	}
	if strings.Contains(string(msg.Data), "secret text") {
		t.Fatal("chunk text leaked into event payload")
	}
}

func next(t *testing.T, sub *nats.Subscription) *nats.Msg {
	t.Helper()
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("no message: %v", err)
	}
	return msg
}

func TestMemoryPublisher(t *testing.T) {
	m := &MemoryPublisher{}
	ctx := context.Background()
	for _, s := range []state.BatchStatus{state.BatchCreated, state.BatchSynthesizing, state.BatchCompleted} {
		_ = m.Publish(ctx, BatchStatusEvent(&state.BatchRecord{BookID: "b", Status: s}))
	}
	_ = m.Publish(ctx, ChunkUpdateEvent("b", "", state.ChunkState{ChunkID: "c"}))

	got := m.Statuses("b")
	if len(got) != 3 || got[2] != state.BatchCompleted {
		t.Fatalf("unexpected statuses %v", got)
	}
	if len(m.Events()) != 4 {
		t.Fatalf("expected 4 events, got %d", len(m.Events()))
	}
}

func TestSubjectToken(t *testing.T) {
	tests := map[string]string{
		"book":      "book",
		"a.b":       "a_b",
		"x y*>":     "x_y__",
		"":          "_",
		"vol-1_ch2": "vol-1_ch2",
	}
	for in, want := range tests {
		if got := subjectToken(in); got != want {
			t.Errorf("subjectToken(%q) = %q, want %q", in, got, want)
		}
	}
}
