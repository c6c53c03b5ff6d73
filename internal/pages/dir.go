package pages

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var pageNumberRe = regexp.MustCompile(`(\d+)\.txt$`)

// LoadDir builds pages from the *.txt files in dir. The order key is the
// trailing number of the file name (page_0012.txt -> "12") or, for files
// without one, the modification time. IngestIndex is the file's position
// in lexical order.
func LoadDir(dir string) ([]Page, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read pages directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".txt") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	if len(names) == 0 {
		return nil, fmt.Errorf("no .txt pages in %s", dir)
	}

	out := make([]Page, 0, len(names))
	for i, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read page %s: %w", name, err)
		}

		key, err := orderKeyFor(path, name)
		if err != nil {
			return nil, err
		}

		out = append(out, Page{
			ID:          strings.TrimSuffix(name, filepath.Ext(name)),
			OrderKey:    key,
			RawText:     string(data),
			Status:      StatusOCRDone,
			Filename:    name,
			IngestIndex: Index(i),
		})
	}
	return out, nil
}

func orderKeyFor(path, name string) (string, error) {
	if m := pageNumberRe.FindStringSubmatch(name); len(m) > 1 {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return strconv.Itoa(n), nil
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat page %s: %w", name, err)
	}
	return info.ModTime().UTC().Format(time.RFC3339Nano), nil
}
