package pages

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// minSectionLen drops spine documents too short to be a chapter.
const minSectionLen = 100

// nonContentTitles mark front and back matter by the section's first
// heading.
var nonContentTitles = []string{
	"cover", "title page", "copyright", "contents", "table of contents",
	"endorsements", "dedication", "acknowledgments", "back cover", "back ads",
}

var trailingPageNumberRe = regexp.MustCompile(`\s\d+\s*$`)

// ErrNoSections is returned when an EPUB has no readable content sections.
var ErrNoSections = errors.New("epub has no content sections")

type epubContainer struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type epubPackage struct {
	Manifest []struct {
		ID        string `xml:"id,attr"`
		Href      string `xml:"href,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef  string `xml:"idref,attr"`
		Linear string `xml:"linear,attr"`
	} `xml:"spine>itemref"`
}

// LoadEPUB builds pages from the spine of an EPUB, one page per content
// section. Cover, contents, copyright and similar sections are skipped, as
// are sections shorter than a paragraph and ones that read like a table of
// contents. Page ids are c0001, c0002... in reading order and the text is
// treated as reviewed.
func LoadEPUB(filename string) ([]Page, error) {
	zr, err := zip.OpenReader(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open epub: %w", err)
	}
	defer zr.Close()
	return readEPUB(&zr.Reader)
}

func readEPUB(zr *zip.Reader) ([]Page, error) {
	var container epubContainer
	if err := decodeZipXML(zr, "META-INF/container.xml", &container); err != nil {
		return nil, err
	}
	if len(container.Rootfiles) == 0 || container.Rootfiles[0].FullPath == "" {
		return nil, fmt.Errorf("epub container lists no package document")
	}
	opfPath := container.Rootfiles[0].FullPath

	var pkg epubPackage
	if err := decodeZipXML(zr, opfPath, &pkg); err != nil {
		return nil, err
	}

	hrefs := make(map[string]string, len(pkg.Manifest))
	for _, item := range pkg.Manifest {
		if strings.Contains(item.MediaType, "html") {
			hrefs[item.ID] = item.Href
		}
	}

	var out []Page
	for _, ref := range pkg.Spine {
		href, ok := hrefs[ref.IDRef]
		if !ok || ref.Linear == "no" {
			continue
		}
		name, err := resolveHref(path.Dir(opfPath), href)
		if err != nil {
			return nil, err
		}
		f, err := zr.Open(name)
		if err != nil {
			return nil, fmt.Errorf("epub spine item %s: %w", href, err)
		}
		text, ok, err := sectionText(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("epub spine item %s: %w", href, err)
		}
		if !ok {
			continue
		}
		n := len(out) + 1
		out = append(out, Page{
			ID:          fmt.Sprintf("c%04d", n),
			OrderKey:    strconv.Itoa(n),
			RawText:     text,
			Status:      StatusReviewed,
			Filename:    href,
			IngestIndex: Index(n - 1),
		})
	}
	if len(out) == 0 {
		return nil, ErrNoSections
	}
	return out, nil
}

func decodeZipXML(zr *zip.Reader, name string, v any) error {
	f, err := zr.Open(name)
	if err != nil {
		return fmt.Errorf("epub: %w", err)
	}
	defer f.Close()
	if err := xml.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("epub: failed to parse %s: %w", name, err)
	}
	return nil
}

// resolveHref joins a manifest href onto the package document's directory.
func resolveHref(base, href string) (string, error) {
	href, _, _ = strings.Cut(href, "#")
	unescaped, err := url.PathUnescape(href)
	if err != nil {
		return "", fmt.Errorf("epub: bad href %q: %w", href, err)
	}
	return path.Clean(path.Join(base, unescaped)), nil
}

// sectionText extracts paragraph text from one XHTML document. ok is false
// for sections that are not book content.
func sectionText(r io.Reader) (text string, ok bool, err error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", false, err
	}

	if h := firstHeading(doc); h != "" {
		title := strings.ToLower(h)
		for _, marker := range nonContentTitles {
			if strings.Contains(title, marker) {
				return "", false, nil
			}
		}
	}

	var paragraphs []string
	collectBlocks(doc, &paragraphs)
	text = strings.Join(paragraphs, "\n\n")

	if len(text) < minSectionLen || looksLikeContents(text) {
		return "", false, nil
	}
	return text, true, nil
}

func firstHeading(n *html.Node) string {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.H1, atom.H2, atom.H3:
			return nodeText(n)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if h := firstHeading(c); h != "" {
			return h
		}
	}
	return ""
}

// collectBlocks appends the text of each innermost block element in
// document order.
func collectBlocks(n *html.Node, out *[]string) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Head, atom.Nav:
			return
		}
		if isBlock(n) && !hasBlockChild(n) {
			if t := nodeText(n); t != "" {
				*out = append(*out, t)
			}
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectBlocks(c, out)
	}
}

func isBlock(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.P, atom.Div, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Li, atom.Pre, atom.Section, atom.Article:
		return true
	}
	return false
}

func hasBlockChild(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if isBlock(c) || hasBlockChild(c) {
			return true
		}
	}
	return false
}

// nodeText is the whitespace-collapsed text under n.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		case n.Type == html.ElementNode && n.DataAtom == atom.Br:
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// looksLikeContents reports text where many lines end in a page number.
func looksLikeContents(text string) bool {
	lines := strings.Split(text, "\n")
	numbered := 0
	for _, line := range lines {
		if trailingPageNumberRe.MatchString(line) {
			numbered++
		}
	}
	return numbered > 5 && float64(numbered)/float64(len(lines)) > 0.3
}
