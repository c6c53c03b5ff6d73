package batch

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunkText(t *testing.T) {
	text := strings.Repeat("The otter slid down the muddy bank again. ", 10)

	res, err := ChunkText(text, Config{MaxChunkLen: 100, HeaderFooterLines: -1})
	if err != nil {
		t.Fatalf("ChunkText failed: %v", err)
	}
	if len(res.Chunks) < 4 {
		t.Fatalf("expected at least 4 chunks, got %d", len(res.Chunks))
	}
	for _, c := range res.Chunks {
		if n := utf8.RuneCountInString(c.Text); n > 100 {
			t.Errorf("chunk %s is %d runes", c.ID, n)
		}
		if !strings.HasSuffix(c.Text, ".") {
			t.Errorf("chunk %s does not end at a sentence: %q", c.ID, c.Text)
		}
	}

	if _, err := ChunkText("   ", Config{}); err == nil {
		t.Fatal("expected error for blank text")
	}
}

func TestPreviewText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int // rune count upper bound
	}{
		{"short text unchanged", "A short line.", 13},
		{"cuts at word boundary", strings.Repeat("word ", 200), PreviewLimit},
		{"single long token hard cut", strings.Repeat("x", 800), PreviewLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PreviewText(tt.in)
			if n := utf8.RuneCountInString(got); n > tt.want || n == 0 {
				t.Fatalf("got %d runes, want 1..%d", n, tt.want)
			}
			if strings.HasSuffix(got, "wor") {
				t.Fatalf("cut mid-word: %q", got[len(got)-10:])
			}
		})
	}
}

func TestOrchestrator_Preview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	long := strings.Repeat("The heron waited. ", 60)
	res, err := f.o.Preview(ctx, PreviewRequest{Text: long, Provider: "mock"})
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	if len(res.Audio) == 0 || res.Format != "pcm" {
		t.Fatalf("unexpected result: format=%s bytes=%d", res.Format, len(res.Audio))
	}
	if f.mock.RequestCount() != 1 {
		t.Fatalf("expected 1 call, got %d", f.mock.RequestCount())
	}
	if f.mock.CallsFor(PreviewText(long)) != 1 {
		t.Fatal("provider was not called with the trimmed text")
	}

	if _, err := f.o.Preview(ctx, PreviewRequest{Text: "hello", Provider: "missing"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if _, err := f.o.Preview(ctx, PreviewRequest{Provider: "mock"}); err == nil {
		t.Fatal("expected error for empty text")
	}
}
