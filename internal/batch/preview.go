package batch

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/jackzampolin/narrator/internal/chunker"
	"github.com/jackzampolin/narrator/internal/flow"
	"github.com/jackzampolin/narrator/internal/pages"
	"github.com/jackzampolin/narrator/internal/providers"
)

// PreviewLimit caps the text sent for an audio preview, in runes.
const PreviewLimit = 500

// ChunkText flows raw text as a single page and splits it the way a batch
// would, without persisting anything.
func ChunkText(text string, cfg Config) (*chunker.Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text is required")
	}
	cfg = cfg.WithDefaults()
	doc := flow.Segment("preview", []pages.Page{{ID: "preview", OrderKey: "1", RawText: text}}, cfg.flowOptions())
	return chunker.Split(doc, cfg.chunkerOptions())
}

// PreviewText trims text to at most PreviewLimit runes, backing off to
// the last word boundary when the cut lands mid-word.
func PreviewText(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= PreviewLimit {
		return text
	}
	cut := PreviewLimit
	if !unicode.IsSpace(runes[cut]) {
		for i := cut - 1; i > 0; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
	}
	return strings.TrimSpace(string(runes[:cut]))
}

// PreviewRequest asks for a short audio sample.
type PreviewRequest struct {
	Text     string `json:"text"`
	Provider string `json:"provider,omitempty"`
	Voice    string `json:"voice,omitempty"`
	Model    string `json:"model,omitempty"`
	Format   string `json:"format,omitempty"`
	Language string `json:"language,omitempty"`
}

// Preview synthesizes the first PreviewLimit runes of req.Text. Nothing is
// stored.
func (o *Orchestrator) Preview(ctx context.Context, req PreviewRequest) (*providers.TTSResult, error) {
	text := PreviewText(req.Text)
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}
	provider, err := o.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	if lim := o.registry.Limiter(req.Provider); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
	}
	res, err := provider.Generate(ctx, &providers.TTSRequest{
		Text:     text,
		Voice:    req.Voice,
		Model:    req.Model,
		Format:   req.Format,
		Language: req.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to synthesize preview: %w", err)
	}
	if len(res.Audio) == 0 {
		return nil, providers.ErrEmptyAudio
	}
	o.logger.Debug("preview synthesized", "provider", req.Provider, "chars", len(text), "bytes", len(res.Audio))
	return res, nil
}
