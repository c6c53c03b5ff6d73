package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jackzampolin/narrator/internal/flow"
)

// Join rebuilds the document text from chunks and the whitespace between
// them.
func Join(doc *flow.Document, chunks []Chunk) string {
	var sb strings.Builder
	sb.Grow(len(doc.Text))
	pos := 0
	for _, c := range chunks {
		if c.Start >= pos && c.Start <= len(doc.Text) {
			sb.WriteString(doc.Text[pos:c.Start])
		}
		sb.WriteString(c.Text)
		pos = c.End
	}
	if pos <= len(doc.Text) {
		sb.WriteString(doc.Text[pos:])
	}
	return sb.String()
}

// Verify checks that chunks are ordered, non-overlapping, match the
// document text, leave only whitespace between them and respect maxLen
// unless flagged as overflow. A maxLen of 0 skips the length check.
func Verify(doc *flow.Document, chunks []Chunk, maxLen int) error {
	pos := 0
	for i, c := range chunks {
		if c.Index != i {
			return fmt.Errorf("chunk %d has index %d", i, c.Index)
		}
		if c.Start < pos || c.End < c.Start || c.End > len(doc.Text) {
			return fmt.Errorf("chunk %d span %d-%d out of order", i, c.Start, c.End)
		}
		if gap := doc.Text[pos:c.Start]; strings.TrimSpace(gap) != "" {
			return fmt.Errorf("text %q before chunk %d is not covered", gap, i)
		}
		if doc.Text[c.Start:c.End] != c.Text {
			return fmt.Errorf("chunk %d text does not match document", i)
		}
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("chunk %d is empty", i)
		}
		if maxLen > 0 && !c.Overflow && utf8.RuneCountInString(c.Text) > maxLen {
			return fmt.Errorf("chunk %d exceeds %d runes", i, maxLen)
		}
		pos = c.End
	}
	if tail := doc.Text[pos:]; strings.TrimSpace(tail) != "" {
		return fmt.Errorf("text %q after last chunk is not covered", tail)
	}
	if Join(doc, chunks) != doc.Text {
		return fmt.Errorf("chunks do not reconstruct the document")
	}
	return nil
}
