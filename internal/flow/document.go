// Package flow merges ordered pages into one continuous document while
// keeping a map from every document byte back to its source page.
package flow

import (
	"fmt"
	"sort"
)

// Span maps a run of Document.Text to a byte range of one page's text.
// Synthetic spans (separators, paragraph breaks) point at the position
// of the adjacent source byte and have LocalStart == LocalEnd.
type Span struct {
	Start      int    `json:"start"`
	End        int    `json:"end"`
	PageID     string `json:"page_id"`
	LocalStart int    `json:"local_start"`
	LocalEnd   int    `json:"local_end"`
	Synthetic  bool   `json:"synthetic,omitempty"`
}

// PageRange is the document range covered by one page's flowed content.
type PageRange struct {
	PageID string `json:"page_id"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

// Edge is the page edge a running header or footer was found on.
type Edge string

const (
	EdgeTop    Edge = "top"
	EdgeBottom Edge = "bottom"
)

// SuppressedLine is a running header or footer dropped from the text.
type SuppressedLine struct {
	PageID string `json:"page_id"`
	Offset int    `json:"offset"`
	Text   string `json:"text"`
	Edge   Edge   `json:"edge"`
}

// FlowError is a non-fatal page-join ambiguity. The hyphen is kept.
type FlowError struct {
	PageID     string `json:"page_id"`
	NextPageID string `json:"next_page_id"`
	Offset     int    `json:"offset"`
	Reason     string `json:"reason"`
}

func (e FlowError) Error() string {
	return fmt.Sprintf("flow %s -> %s at %d: %s", e.PageID, e.NextPageID, e.Offset, e.Reason)
}

// Document is the flowed text of one book.
type Document struct {
	ID         string           `json:"id"`
	Text       string           `json:"text"`
	Spans      []Span           `json:"spans"`
	Pages      []PageRange      `json:"pages"`
	Suppressed []SuppressedLine `json:"suppressed,omitempty"`
	Warnings   []FlowError      `json:"warnings,omitempty"`
}

// Location is a source position.
type Location struct {
	PageID    string `json:"page_id"`
	Offset    int    `json:"offset"`
	Synthetic bool   `json:"synthetic,omitempty"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.PageID, l.Offset)
}

// Locate maps a document byte offset to its source page position.
func (d *Document) Locate(offset int) (Location, bool) {
	i := sort.Search(len(d.Spans), func(i int) bool { return d.Spans[i].End > offset })
	if offset < 0 || i == len(d.Spans) || d.Spans[i].Start > offset {
		return Location{}, false
	}
	s := d.Spans[i]
	if s.Synthetic {
		return Location{PageID: s.PageID, Offset: s.LocalStart, Synthetic: true}, true
	}
	local := s.LocalStart + (offset - s.Start)
	if local >= s.LocalEnd {
		local = s.LocalEnd - 1
	}
	return Location{PageID: s.PageID, Offset: local}, true
}

// PagesIn returns the ids of pages whose source text overlaps
// [start, end), in document order.
func (d *Document) PagesIn(start, end int) []string {
	var ids []string
	for _, pr := range d.Pages {
		if pr.End <= start {
			continue
		}
		if pr.Start >= end {
			break
		}
		ids = append(ids, pr.PageID)
	}
	return ids
}

// PageAt returns the index into Pages of the page containing offset, or
// -1 when offset falls on a separator or outside the text.
func (d *Document) PageAt(offset int) int {
	i := sort.Search(len(d.Pages), func(i int) bool { return d.Pages[i].End > offset })
	if i == len(d.Pages) || d.Pages[i].Start > offset {
		return -1
	}
	return i
}
