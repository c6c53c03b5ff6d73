package flow

import (
	"strings"
	"testing"

	"github.com/jackzampolin/narrator/internal/pages"
)

func pagesOf(texts ...string) []pages.Page {
	ps := make([]pages.Page, len(texts))
	for i, t := range texts {
		ps[i] = pages.Page{ID: pageID(i), OrderKey: pageID(i), RawText: t}
	}
	return ps
}

func pageID(i int) string {
	return "p" + string(rune('1'+i))
}

func TestSegment_Joins(t *testing.T) {
	tests := []struct {
		name  string
		pages []string
		want  string
		warns int
	}{
		{
			name:  "cross-page de-hyphenation",
			pages: []string{"...a beautiful gar-", "den behind the house."},
			want:  "...a beautiful garden behind the house.",
		},
		{
			name:  "sentence end joins with space",
			pages: []string{"...ended here.", "New chapter begins."},
			want:  "...ended here. New chapter begins.",
		},
		{
			name:  "mid-sentence continuation",
			pages: []string{"she walked along", "the river bank."},
			want:  "she walked along the river bank.",
		},
		{
			name:  "hyphen before capital is kept with a warning",
			pages: []string{"the so-called Anglo-", "Saxon kings"},
			want:  "the so-called Anglo-Saxon kings",
			warns: 1,
		},
		{
			name:  "capital before hyphen keeps compound",
			pages: []string{"an X-", "ray image"},
			want:  "an X-ray image",
		},
		{
			name:  "explicit blank line gives paragraph break",
			pages: []string{"The end of a part.\n\n", "Part Two"},
			want:  "The end of a part.\n\nPart Two",
		},
		{
			name:  "empty page contributes nothing",
			pages: []string{"first page", "  \n ", "second page"},
			want:  "first page second page",
		},
		{
			name:  "corrected text wins",
			pages: []string{"one"},
			want:  "one",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := Segment("book", pagesOf(tt.pages...), Options{HeaderFooterLines: -1})
			if doc.Text != tt.want {
				t.Fatalf("got %q, want %q", doc.Text, tt.want)
			}
			if len(doc.Warnings) != tt.warns {
				t.Fatalf("expected %d warnings, got %v", tt.warns, doc.Warnings)
			}
		})
	}
}

func TestSegment_WithinPage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"line de-hyphenation", "an extra-\nordinary day", "an extraordinary day"},
		{"single break kept", "line one\nline two", "line one\nline two"},
		{"blank lines collapse", "para one.\n\n\n\npara two.", "para one.\n\npara two."},
		{"crlf line endings", "first\r\nsecond\rthird", "first\nsecond\nthird"},
		{"trimmed", "   \n  padded text  \n\n", "padded text"},
		{"ligatures", "a ﬁne ﬂower and a waﬄe", "a fine flower and a waffle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := Segment("book", pagesOf(tt.text), Options{})
			if doc.Text != tt.want {
				t.Fatalf("got %q, want %q", doc.Text, tt.want)
			}
		})
	}
}

func TestSegment_CorrectedTextIsAuthoritative(t *testing.T) {
	ps := []pages.Page{{ID: "p1", RawText: "Tbe qnick fox.", CorrectedText: "The quick fox."}}
	doc := Segment("book", ps, Options{})
	if doc.Text != "The quick fox." {
		t.Fatalf("got %q", doc.Text)
	}
}

func TestSegment_SuppressesRunningHeaders(t *testing.T) {
	ps := pagesOf(
		"MOBY DICK\nCall me Ishmael. Some years ago I went to sea.\n\n12",
		"MOBY DICK\nIt is a way I have of driving off the spleen.\n\n13",
		"MOBY DICK\nWhenever I find myself growing grim about the mouth.\n\n14",
	)
	doc := Segment("moby", ps, Options{})

	if strings.Contains(doc.Text, "MOBY DICK") {
		t.Fatalf("header not suppressed: %q", doc.Text)
	}
	for _, n := range []string{"12", "13", "14"} {
		if strings.Contains(doc.Text, n) {
			t.Fatalf("page number %s not suppressed: %q", n, doc.Text)
		}
	}
	want := "Call me Ishmael. Some years ago I went to sea. It is a way I have of driving off the spleen. Whenever I find myself growing grim about the mouth."
	if doc.Text != want {
		t.Fatalf("got %q, want %q", doc.Text, want)
	}
	if len(doc.Suppressed) != 6 {
		t.Fatalf("expected 6 suppressed lines, got %d: %+v", len(doc.Suppressed), doc.Suppressed)
	}
	first := doc.Suppressed[0]
	if first.PageID != "p1" || first.Offset != 0 || first.Edge != EdgeTop {
		t.Fatalf("unexpected suppressed record: %+v", first)
	}
}

func TestSegment_RomanNumeralFooters(t *testing.T) {
	ps := pagesOf(
		"Preface text goes on.\nxi",
		"and continues here.\nxii",
	)
	doc := Segment("book", ps, Options{})
	if doc.Text != "Preface text goes on. and continues here." {
		t.Fatalf("got %q", doc.Text)
	}
}

func TestSegment_LongLinesNotSuppressed(t *testing.T) {
	body := "This repeated sentence is long enough that it cannot be a running header at all."
	doc := Segment("book", pagesOf(body, body), Options{})
	if strings.Count(doc.Text, "repeated") != 2 {
		t.Fatalf("long repeated line was suppressed: %q", doc.Text)
	}
}

func TestSegment_Deterministic(t *testing.T) {
	ps := pagesOf("Alpha beta gam-", "ma delta.\n\nEpsilon.", "HEADER\nzeta")
	a := Segment("book", ps, Options{})
	b := Segment("book", ps, Options{})
	if a.Text != b.Text || len(a.Spans) != len(b.Spans) {
		t.Fatal("segmentation is not deterministic")
	}
}

func TestDocument_Locate(t *testing.T) {
	ps := []pages.Page{
		{ID: "a", RawText: "one gar-"},
		{ID: "b", RawText: "den. Two"},
	}
	doc := Segment("book", ps, Options{HeaderFooterLines: -1})
	if doc.Text != "one garden. Two" {
		t.Fatalf("unexpected text %q", doc.Text)
	}

	tests := []struct {
		offset int
		want   Location
	}{
		{0, Location{PageID: "a", Offset: 0}},
		{6, Location{PageID: "a", Offset: 6}},
		{7, Location{PageID: "b", Offset: 0}},
		{14, Location{PageID: "b", Offset: 7}},
	}
	for _, tt := range tests {
		got, ok := doc.Locate(tt.offset)
		if !ok || got != tt.want {
			t.Errorf("Locate(%d) = %+v, %v; want %+v", tt.offset, got, ok, tt.want)
		}
	}
	if _, ok := doc.Locate(len(doc.Text)); ok {
		t.Error("expected offset past end to be unmapped")
	}
}

func TestDocument_LocateSeparator(t *testing.T) {
	ps := []pages.Page{{ID: "a", RawText: "Done."}, {ID: "b", RawText: "Next."}}
	doc := Segment("book", ps, Options{HeaderFooterLines: -1})
	loc, ok := doc.Locate(5)
	if !ok || !loc.Synthetic || loc.PageID != "a" || loc.Offset != 5 {
		t.Fatalf("unexpected separator location %+v", loc)
	}
}

func TestDocument_LocateLigature(t *testing.T) {
	doc := Segment("book", []pages.Page{{ID: "a", RawText: "ﬁne day"}}, Options{})
	// "ﬁ" is three bytes in the source and two in the document.
	loc, ok := doc.Locate(2)
	if !ok || loc.Offset != 3 {
		t.Fatalf("expected 'n' at local 3, got %+v", loc)
	}
}

func TestDocument_PagesIn(t *testing.T) {
	doc := Segment("book", pagesOf("First page.", "Second page.", "Third page."), Options{HeaderFooterLines: -1})
	if got := doc.PagesIn(0, len(doc.Text)); strings.Join(got, ",") != "p1,p2,p3" {
		t.Fatalf("unexpected pages %v", got)
	}
	second := doc.Pages[1]
	if got := doc.PagesIn(second.Start, second.End); strings.Join(got, ",") != "p2" {
		t.Fatalf("unexpected pages %v", got)
	}
	if got := doc.PagesIn(0, second.Start); strings.Join(got, ",") != "p1" {
		t.Fatalf("separator should not pull in next page: %v", got)
	}
}

func TestSignature(t *testing.T) {
	tests := []struct {
		a, b string
		same bool
	}{
		{"Chapter 3  The Whale", "chapter 4 the whale", true},
		{"- 12 -", "- 13 -", true},
		{"xiv", "XV", true},
		{"Page 3", "The Whale", false},
	}
	for _, tt := range tests {
		if got := signature(tt.a) == signature(tt.b); got != tt.same {
			t.Errorf("signature(%q)=%q signature(%q)=%q", tt.a, signature(tt.a), tt.b, signature(tt.b))
		}
	}
}
