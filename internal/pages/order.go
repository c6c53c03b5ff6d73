package pages

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// OrderingError reports a page set that cannot be ordered unambiguously.
type OrderingError struct {
	PageIDs []string
	Reason  string
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("ambiguous page order (%s): %s", strings.Join(e.PageIDs, ", "), e.Reason)
}

// timeLayouts are the capture timestamp formats accepted as order keys.
// The EXIF layout is what cameras write into DateTimeOriginal.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006:01:02 15:04:05",
	"2006-01-02 15:04:05",
}

// Order sorts pages by order key, breaking ties by ingest index and then
// by filename. It never drops a page: if two pages cannot be told apart
// an *OrderingError is returned instead.
func Order(ps []Page) ([]Page, error) {
	seen := make(map[string]struct{}, len(ps))
	for _, p := range ps {
		if strings.TrimSpace(p.ID) == "" {
			return nil, &OrderingError{Reason: "page with empty page_id"}
		}
		if _, dup := seen[p.ID]; dup {
			return nil, &OrderingError{PageIDs: []string{p.ID}, Reason: "duplicate page_id"}
		}
		seen[p.ID] = struct{}{}
	}

	sorted := make([]Page, len(ps))
	copy(sorted, ps)

	var ambiguous *OrderingError
	sort.SliceStable(sorted, func(i, j int) bool {
		c := compare(sorted[i], sorted[j])
		if c == 0 && ambiguous == nil {
			ambiguous = &OrderingError{
				PageIDs: []string{sorted[i].ID, sorted[j].ID},
				Reason:  fmt.Sprintf("shared order_key %q with no tiebreak", sorted[i].OrderKey),
			}
		}
		return c < 0
	})
	if ambiguous != nil {
		return nil, ambiguous
	}

	// The sort may not compare every adjacent pair it leaves in place,
	// so check neighbours explicitly.
	for i := 1; i < len(sorted); i++ {
		if compare(sorted[i-1], sorted[i]) == 0 {
			return nil, &OrderingError{
				PageIDs: []string{sorted[i-1].ID, sorted[i].ID},
				Reason:  fmt.Sprintf("shared order_key %q with no tiebreak", sorted[i].OrderKey),
			}
		}
	}

	return sorted, nil
}

func compare(a, b Page) int {
	if c := CompareKeys(a.OrderKey, b.OrderKey); c != 0 {
		return c
	}
	if a.IngestIndex != nil && b.IngestIndex != nil && *a.IngestIndex != *b.IngestIndex {
		if *a.IngestIndex < *b.IngestIndex {
			return -1
		}
		return 1
	}
	if a.Filename != "" && b.Filename != "" && a.Filename != b.Filename {
		return strings.Compare(a.Filename, b.Filename)
	}
	return 0
}

// CompareKeys compares two order keys. Numeric keys compare numerically,
// timestamps chronologically, everything else (including mixed kinds)
// lexically.
func CompareKeys(a, b string) int {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)

	if na, errA := strconv.ParseFloat(a, 64); errA == nil {
		if nb, errB := strconv.ParseFloat(b, 64); errB == nil {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			default:
				return 0
			}
		}
	}

	if ta, okA := parseTime(a); okA {
		if tb, okB := parseTime(b); okB {
			return ta.Compare(tb)
		}
	}

	return strings.Compare(a, b)
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
