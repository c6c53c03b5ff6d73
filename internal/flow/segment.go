package flow

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jackzampolin/narrator/internal/pages"
)

// Options tunes header/footer detection.
type Options struct {
	// HeaderFooterLines is how many non-blank lines at each page edge are
	// header/footer candidates. Negative disables suppression.
	HeaderFooterLines int `json:"header_footer_lines"`
	MaxHeaderRunes    int `json:"max_header_runes"`
	MaxHeaderWords    int `json:"max_header_words"`
}

// DefaultOptions returns the default suppression settings.
func DefaultOptions() Options {
	return Options{
		HeaderFooterLines: 2,
		MaxHeaderRunes:    60,
		MaxHeaderWords:    8,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HeaderFooterLines == 0 {
		o.HeaderFooterLines = d.HeaderFooterLines
	}
	if o.MaxHeaderRunes <= 0 {
		o.MaxHeaderRunes = d.MaxHeaderRunes
	}
	if o.MaxHeaderWords <= 0 {
		o.MaxHeaderWords = d.MaxHeaderWords
	}
	return o
}

var ligatures = map[rune]string{
	'ﬀ': "ff",
	'ﬁ': "fi",
	'ﬂ': "fl",
	'ﬃ': "ffi",
	'ﬄ': "ffl",
	'ﬅ': "st",
	'ﬆ': "st",
}

// line is one line of page text. start/end bound the line content and
// next is where the following line begins.
type line struct {
	start, end, next int
	isBlank          bool
}

func (l line) content(text string) string {
	return strings.TrimSpace(text[l.start:l.end])
}

func (l line) raw(text string) string {
	return text[l.start:l.end]
}

func (l line) blank() bool { return l.isBlank }

type pageLines struct {
	id         string
	text       string
	lines      []line
	drop       map[int]bool
	suppressed []SuppressedLine
}

func scanLines(text string) []line {
	var out []line
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\n':
			out = append(out, line{start: start, end: i, next: i + 1})
			start = i + 1
		case '\r':
			next := i + 1
			if next < len(text) && text[next] == '\n' {
				next++
			}
			out = append(out, line{start: start, end: i, next: next})
			start = next
			i = next - 1
		}
	}
	out = append(out, line{start: start, end: len(text), next: len(text)})
	for i := range out {
		out[i].isBlank = strings.TrimSpace(text[out[i].start:out[i].end]) == ""
	}
	return out
}

// piece is flowed text with the page offset it came from.
type piece struct {
	text      string
	local     int
	localEnd  int
	synthetic bool
}

type flowedPage struct {
	id            string
	pieces        []piece
	leadingBlank  bool
	trailingBlank bool
}

func (f *flowedPage) empty() bool { return len(f.pieces) == 0 }

func (f *flowedPage) firstRune() rune {
	r, _ := utf8.DecodeRuneInString(f.pieces[0].text)
	return r
}

func (f *flowedPage) last() *piece { return &f.pieces[len(f.pieces)-1] }

// Segment flows ordered pages into one document. Pages must already be in
// reading order (see pages.Order). Segment is pure and deterministic.
func Segment(docID string, ps []pages.Page, opts Options) *Document {
	opts = opts.withDefaults()

	pls := make([]*pageLines, len(ps))
	for i, p := range ps {
		text := p.Text()
		pls[i] = &pageLines{
			id:    p.ID,
			text:  text,
			lines: scanLines(text),
			drop:  map[int]bool{},
		}
	}
	suppressRunning(pls, opts)

	doc := &Document{ID: docID}
	var flowed []*flowedPage
	for _, pl := range pls {
		doc.Suppressed = append(doc.Suppressed, pl.suppressed...)
		if f := flowPage(pl); !f.empty() {
			flowed = append(flowed, f)
		}
	}

	// Decide each page join before emitting, since merging a hyphenated
	// word rewrites the tail of the previous page.
	seps := make([]string, len(flowed))
	warns := make([]*FlowError, len(flowed))
	for i := 1; i < len(flowed); i++ {
		seps[i], warns[i] = join(flowed[i-1], flowed[i])
	}

	b := &builder{doc: doc}
	for i, f := range flowed {
		if i > 0 && seps[i] != "" {
			prev := flowed[i-1].last()
			b.add(flowed[i-1].id, piece{text: seps[i], local: prev.localEnd, localEnd: prev.localEnd, synthetic: true})
		}
		start := b.sb.Len()
		if warns[i] != nil {
			warns[i].Offset = start
			doc.Warnings = append(doc.Warnings, *warns[i])
		}
		for _, pc := range f.pieces {
			b.add(f.id, pc)
		}
		doc.Pages = append(doc.Pages, PageRange{PageID: f.id, Start: start, End: b.sb.Len()})
	}

	doc.Text = b.sb.String()
	return doc
}

// flowPage joins the kept lines of one page.
func flowPage(pl *pageLines) *flowedPage {
	f := &flowedPage{id: pl.id}

	first, last := -1, -1
	rawFirst, rawLast := -1, -1
	for i, ln := range pl.lines {
		if ln.blank() {
			continue
		}
		if rawFirst < 0 {
			rawFirst = i
		}
		rawLast = i
		if pl.drop[i] {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	if first < 0 {
		return f
	}

	// Blank lines only count at the raw page edge; the gap left by a
	// suppressed header or footer is layout, not a paragraph break.
	f.leadingBlank = first == rawFirst && first > 0
	// A final newline terminates the last line, so a blank line needs two.
	f.trailingBlank = last == rawLast && len(pl.lines)-1-last >= 2

	blankRun := 0
	var prev *line
	for i := first; i <= last; i++ {
		ln := pl.lines[i]
		if pl.drop[i] {
			continue
		}
		if ln.blank() {
			blankRun++
			continue
		}

		raw := ln.raw(pl.text)
		trimmedLeft := strings.TrimLeftFunc(raw, unicode.IsSpace)
		local := ln.start + len(raw) - len(trimmedLeft)
		text := strings.TrimRightFunc(trimmedLeft, unicode.IsSpace)

		if prev != nil {
			switch {
			case blankRun > 0:
				f.pieces = append(f.pieces, piece{text: "\n\n", local: prev.end, localEnd: prev.end, synthetic: true})
			case endsWithSoftHyphen(f.last().text) && startsLower(text):
				tail := f.last()
				tail.text = strings.TrimSuffix(tail.text, "-")
				tail.localEnd--
			default:
				f.pieces = append(f.pieces, piece{text: "\n", local: prev.end, localEnd: prev.next})
			}
		}
		f.pieces = append(f.pieces, piece{text: text, local: local, localEnd: local + len(text)})

		blankRun = 0
		cur := ln
		cur.end = local + len(text)
		prev = &cur
	}
	return f
}

// join decides the separator between two flowed pages and may rewrite
// the tail of prev.
func join(prev, next *flowedPage) (string, *FlowError) {
	tail := prev.last()
	if strings.HasSuffix(tail.text, "-") {
		before, _ := utf8.DecodeLastRuneInString(strings.TrimSuffix(tail.text, "-"))
		if unicode.IsLetter(before) {
			first := next.firstRune()
			switch {
			case unicode.IsLower(before) && unicode.IsLower(first):
				tail.text = strings.TrimSuffix(tail.text, "-")
				tail.localEnd--
				return "", nil
			case unicode.IsLower(first):
				return "", nil
			default:
				return "", &FlowError{
					PageID:     prev.id,
					NextPageID: next.id,
					Reason:     "page ends with a hyphen but the next page does not continue a word",
				}
			}
		}
	}

	if prev.trailingBlank || next.leadingBlank {
		return "\n\n", nil
	}
	return " ", nil
}

func endsWithSoftHyphen(s string) bool {
	if !strings.HasSuffix(s, "-") {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(strings.TrimSuffix(s, "-"))
	return unicode.IsLower(r)
}

func startsLower(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsLower(r)
}

// builder accumulates document text and spans.
type builder struct {
	doc *Document
	sb  strings.Builder
}

func (b *builder) add(pageID string, pc piece) {
	if pc.synthetic {
		start := b.sb.Len()
		b.sb.WriteString(pc.text)
		b.span(Span{Start: start, End: b.sb.Len(), PageID: pageID, LocalStart: pc.local, LocalEnd: pc.local, Synthetic: true})
		return
	}
	if pc.localEnd-pc.local != len(pc.text) {
		// Line terminators such as \r\n shrink to one byte.
		start := b.sb.Len()
		b.sb.WriteString(pc.text)
		b.span(Span{Start: start, End: b.sb.Len(), PageID: pageID, LocalStart: pc.local, LocalEnd: pc.localEnd})
		return
	}

	runStart := 0
	for i, r := range pc.text {
		rep, ok := ligatures[r]
		if !ok {
			continue
		}
		b.source(pageID, pc.text[runStart:i], pc.local+runStart)
		size := utf8.RuneLen(r)
		start := b.sb.Len()
		b.sb.WriteString(rep)
		b.span(Span{Start: start, End: b.sb.Len(), PageID: pageID, LocalStart: pc.local + i, LocalEnd: pc.local + i + size})
		runStart = i + size
	}
	b.source(pageID, pc.text[runStart:], pc.local+runStart)
}

func (b *builder) source(pageID, s string, local int) {
	if s == "" {
		return
	}
	start := b.sb.Len()
	b.sb.WriteString(s)
	b.span(Span{Start: start, End: b.sb.Len(), PageID: pageID, LocalStart: local, LocalEnd: local + len(s)})
}

func (b *builder) span(s Span) {
	if n := len(b.doc.Spans); n > 0 {
		last := &b.doc.Spans[n-1]
		contiguous := !last.Synthetic && !s.Synthetic &&
			last.PageID == s.PageID &&
			last.End == s.Start && last.LocalEnd == s.LocalStart &&
			last.End-last.Start == last.LocalEnd-last.LocalStart &&
			s.End-s.Start == s.LocalEnd-s.LocalStart
		if contiguous {
			last.End = s.End
			last.LocalEnd = s.LocalEnd
			return
		}
	}
	b.doc.Spans = append(b.doc.Spans, s)
}
