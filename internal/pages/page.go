// Package pages holds page records supplied by the OCR/editing side and
// orders them for flowing.
package pages

import "strings"

// Status is the lifecycle state of a page.
type Status string

const (
	StatusPending  Status = "pending"
	StatusOCRDone  Status = "ocr_done"
	StatusReviewed Status = "reviewed"
	StatusFlowed   Status = "flowed"
)

// Page is one physical or logical page of a book.
type Page struct {
	ID            string  `json:"page_id"`
	OrderKey      string  `json:"order_key"`
	RawText       string  `json:"raw_text,omitempty"`
	CorrectedText string  `json:"corrected_text,omitempty"`
	OCRConfidence float64 `json:"ocr_confidence,omitempty"`
	Status        Status  `json:"status,omitempty"`

	// Tiebreakers for equal order keys.
	Filename    string `json:"filename,omitempty"`
	IngestIndex *int   `json:"ingest_index,omitempty"`
}

// Text returns the authoritative text: corrected text once present,
// raw OCR text otherwise.
func (p Page) Text() string {
	if strings.TrimSpace(p.CorrectedText) != "" {
		return p.CorrectedText
	}
	return p.RawText
}

// IsCorrected reports whether a manual correction has been applied.
func (p Page) IsCorrected() bool {
	return strings.TrimSpace(p.CorrectedText) != ""
}

// IDs returns the page ids in slice order.
func IDs(ps []Page) []string {
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	return ids
}

// Index returns a pointer to i, for IngestIndex literals.
func Index(i int) *int {
	return &i
}
