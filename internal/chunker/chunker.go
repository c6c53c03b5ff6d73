// Package chunker splits a flowed document into bounded synthesis units
// that end on sentence or paragraph boundaries.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jackzampolin/narrator/internal/flow"
)

// DefaultMaxLen is the default chunk length limit in runes.
const DefaultMaxLen = 5000

// Options configures Split.
type Options struct {
	MaxLen int `json:"max_len"`
	// ParagraphMinFill is the fraction of MaxLen a chunk must reach before
	// it may close at a paragraph break instead of the last sentence.
	ParagraphMinFill float64 `json:"paragraph_min_fill"`
	// Abbreviations that never end a sentence, lowercase without the
	// trailing period. Empty means DefaultAbbreviations.
	Abbreviations []string `json:"abbreviations,omitempty"`
	// DisablePageResync lets packing run across page starts. Chunk ids
	// after an edited page are then no longer stable.
	DisablePageResync bool `json:"disable_page_resync,omitempty"`
}

func (o Options) withDefaults() Options {
	if o.MaxLen <= 0 {
		o.MaxLen = DefaultMaxLen
	}
	if o.ParagraphMinFill <= 0 {
		o.ParagraphMinFill = 0.5
	}
	if len(o.Abbreviations) == 0 {
		o.Abbreviations = commonAbbreviations
	}
	return o
}

// Chunk is one synthesis unit. Text is exactly Document.Text[Start:End].
type Chunk struct {
	ID         string   `json:"chunk_id"`
	DocumentID string   `json:"document_id"`
	Index      int      `json:"index"`
	Start      int      `json:"start"`
	End        int      `json:"end"`
	PageIDs    []string `json:"page_ids"`
	Text       string   `json:"text"`
	Overflow   bool     `json:"overflow,omitempty"`
}

// ChunkOverflowWarning reports a single sentence longer than MaxLen that
// was hard-split.
type ChunkOverflowWarning struct {
	Start    int      `json:"start"`
	End      int      `json:"end"`
	Length   int      `json:"length"`
	MaxLen   int      `json:"max_len"`
	Pieces   int      `json:"pieces"`
	ChunkIDs []string `json:"chunk_ids"`
}

func (w ChunkOverflowWarning) Error() string {
	return fmt.Sprintf("sentence at %d-%d is %d runes (max %d), hard-split into %d chunks", w.Start, w.End, w.Length, w.MaxLen, w.Pieces)
}

// Result is the output of Split.
type Result struct {
	Chunks   []Chunk                `json:"chunks"`
	Warnings []ChunkOverflowWarning `json:"warnings,omitempty"`
}

type splitter struct {
	doc      *flow.Document
	opts     Options
	para     map[int]bool
	chunks   []Chunk
	warnings []ChunkOverflowWarning
}

// Split cuts doc into chunks. The result always round-trips: joining the
// chunks with the whitespace between them reproduces doc.Text.
func Split(doc *flow.Document, opts Options) (*Result, error) {
	if doc == nil {
		return nil, errors.New("nil document")
	}
	opts = opts.withDefaults()

	abbrevs := make(map[string]struct{}, len(opts.Abbreviations))
	for _, a := range opts.Abbreviations {
		abbrevs[strings.ToLower(strings.TrimSuffix(a, "."))] = struct{}{}
	}

	s := &splitter{doc: doc, opts: opts, para: map[int]bool{}}

	bounds := findBoundaries(doc.Text, abbrevs)
	forced := []int{0}
	if !opts.DisablePageResync {
		bounds, forced = s.resync(bounds)
	}
	forced = append(forced, len(doc.Text))

	for _, b := range bounds {
		if b.para {
			s.para[b.pos] = true
		}
	}

	next := 0
	for i := 0; i+1 < len(forced); i++ {
		from, to := forced[i], forced[i+1]
		var points []int
		points = append(points, from)
		for next < len(bounds) && bounds[next].pos < to {
			if bounds[next].pos > from {
				points = append(points, bounds[next].pos)
			}
			next++
		}
		points = append(points, to)
		s.pack(points)
	}

	if err := Verify(doc, s.chunks, opts.MaxLen); err != nil {
		return nil, fmt.Errorf("failed to verify chunks: %w", err)
	}
	return &Result{Chunks: s.chunks, Warnings: s.warnings}, nil
}

// resync keeps only boundaries decided entirely by one page's text and
// returns the first such boundary of every page after the first as a
// forced cut.
func (s *splitter) resync(bounds []boundary) ([]boundary, []int) {
	forced := []int{0}
	var kept []boundary
	lastPage := 0
	for _, b := range bounds {
		page := s.doc.PageAt(b.pos)
		if page < 0 || s.doc.PageAt(b.from) != page {
			continue
		}
		kept = append(kept, b)
		if page > lastPage {
			forced = append(forced, b.pos)
			lastPage = page
		}
	}
	return kept, forced
}

// pack greedily fills chunks over the unit starts in points.
func (s *splitter) pack(points []int) {
	maxLen := s.opts.MaxLen
	i := 0
	for i < len(points)-1 {
		fit := -1
		for j := i + 1; j < len(points); j++ {
			if s.runeLen(points[i], points[j]) > maxLen {
				break
			}
			fit = j
		}
		if fit < 0 {
			s.overflow(points[i], points[i+1])
			i++
			continue
		}

		cut := fit
		if fit < len(points)-1 {
			for k := fit; k > i; k-- {
				if !s.para[points[k]] {
					continue
				}
				if float64(s.runeLen(points[i], points[k])) >= s.opts.ParagraphMinFill*float64(maxLen) {
					cut = k
				}
				break
			}
		}
		s.emit(points[i], points[cut], false)
		i = cut
	}
}

func (s *splitter) overflow(start, end int) {
	first := len(s.chunks)
	pieces := hardSplit(s.doc.Text, start, end, s.opts.MaxLen)
	for _, p := range pieces {
		s.emit(p[0], p[1], true)
	}
	w := ChunkOverflowWarning{
		Start:  start,
		End:    end,
		Length: s.runeLen(start, end),
		MaxLen: s.opts.MaxLen,
		Pieces: len(pieces),
	}
	for _, c := range s.chunks[first:] {
		w.ChunkIDs = append(w.ChunkIDs, c.ID)
	}
	s.warnings = append(s.warnings, w)
}

func (s *splitter) emit(start, end int, overflow bool) {
	start, end = trimRange(s.doc.Text, start, end)
	if start >= end {
		return
	}
	text := s.doc.Text[start:end]
	s.chunks = append(s.chunks, Chunk{
		ID:         ID(s.doc, start, end),
		DocumentID: s.doc.ID,
		Index:      len(s.chunks),
		Start:      start,
		End:        end,
		PageIDs:    s.doc.PagesIn(start, end),
		Text:       text,
		Overflow:   overflow,
	})
}

func (s *splitter) runeLen(start, end int) int {
	start, end = trimRange(s.doc.Text, start, end)
	return utf8.RuneCountInString(s.doc.Text[start:end])
}

// ID derives a chunk id from the document id, the source positions of
// the chunk's first and last bytes, and its text. Ids do not depend on
// absolute document offsets, so text inserted on an earlier page leaves
// later ids unchanged.
func ID(doc *flow.Document, start, end int) string {
	h := sha256.New()
	h.Write([]byte(doc.ID))
	h.Write([]byte{0})
	h.Write([]byte(anchor(doc, start)))
	h.Write([]byte{0})
	h.Write([]byte(anchor(doc, end-1)))
	h.Write([]byte{0})
	h.Write([]byte(doc.Text[start:end]))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func anchor(doc *flow.Document, offset int) string {
	if loc, ok := doc.Locate(offset); ok {
		return loc.String()
	}
	return fmt.Sprintf("@%d", offset)
}
