package flow

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	digitRun     = regexp.MustCompile(`\d+`)
	romanNumeral = regexp.MustCompile(`^m{0,3}(cm|cd|d?c{0,3})(xc|xl|l?x{0,3})(ix|iv|v?i{0,3})$`)
)

// signature normalizes a header/footer candidate so that running titles
// with changing page numbers compare equal.
func signature(line string) string {
	fields := strings.Fields(strings.ToLower(line))
	for i, f := range fields {
		core := strings.Trim(f, ".,-–—·|[]()")
		if core != "" && romanNumeral.MatchString(core) {
			fields[i] = strings.Replace(f, core, "#", 1)
			continue
		}
		fields[i] = digitRun.ReplaceAllString(f, "#")
	}
	return strings.Join(fields, " ")
}

func isShort(line string, opts Options) bool {
	return utf8.RuneCountInString(line) <= opts.MaxHeaderRunes &&
		len(strings.Fields(line)) <= opts.MaxHeaderWords
}

// edgeCandidates returns the indexes of the first and last n non-blank
// lines.
func edgeCandidates(lines []line, n int) (top, bottom []int) {
	for i := 0; i < len(lines) && len(top) < n; i++ {
		if !lines[i].blank() {
			top = append(top, i)
		}
	}
	for i := len(lines) - 1; i >= 0 && len(bottom) < n; i-- {
		if !lines[i].blank() {
			bottom = append(bottom, i)
		}
	}
	return top, bottom
}

type edgeSigs struct {
	top, bottom map[string]struct{}
}

// suppressRunning marks lines repeated at the same edge of adjacent pages.
func suppressRunning(pls []*pageLines, opts Options) {
	if opts.HeaderFooterLines <= 0 || len(pls) < 2 {
		return
	}

	tops := make([][]int, len(pls))
	bottoms := make([][]int, len(pls))
	sigs := make([]edgeSigs, len(pls))
	for i, pl := range pls {
		tops[i], bottoms[i] = edgeCandidates(pl.lines, opts.HeaderFooterLines)
		sigs[i] = edgeSigs{
			top:    shortSignatures(pl, tops[i], opts),
			bottom: shortSignatures(pl, bottoms[i], opts),
		}
	}

	neighbourHas := func(i int, sig string, edge Edge) bool {
		for _, j := range []int{i - 1, i + 1} {
			if j < 0 || j >= len(pls) {
				continue
			}
			set := sigs[j].top
			if edge == EdgeBottom {
				set = sigs[j].bottom
			}
			if _, ok := set[sig]; ok {
				return true
			}
		}
		return false
	}

	for i, pl := range pls {
		mark := func(idxs []int, edge Edge) {
			for _, idx := range idxs {
				text := pl.lines[idx].content(pl.text)
				if pl.drop[idx] || !isShort(text, opts) {
					continue
				}
				if neighbourHas(i, signature(text), edge) {
					pl.drop[idx] = true
					pl.suppressed = append(pl.suppressed, SuppressedLine{
						PageID: pl.id,
						Offset: pl.lines[idx].start,
						Text:   text,
						Edge:   edge,
					})
				}
			}
		}
		mark(tops[i], EdgeTop)
		mark(bottoms[i], EdgeBottom)
	}
}

func shortSignatures(pl *pageLines, idxs []int, opts Options) map[string]struct{} {
	set := make(map[string]struct{}, len(idxs))
	for _, idx := range idxs {
		text := pl.lines[idx].content(pl.text)
		if isShort(text, opts) {
			set[signature(text)] = struct{}{}
		}
	}
	return set
}
