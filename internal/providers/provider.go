// Package providers holds the speech-synthesis collaborators the dispatcher
// calls, plus the rate limiter and registry that front them.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TTSProvider converts text to audio.
type TTSProvider interface {
	// Name returns the provider identifier (e.g., "elevenlabs").
	Name() string

	// Generate synthesizes one request. A non-nil error always comes with
	// a result describing the failure.
	Generate(ctx context.Context, req *TTSRequest) (*TTSResult, error)

	// Rate limiting properties
	RequestsPerSecond() float64
	MaxConcurrency() int
	MaxRetries() int
	RetryDelayBase() time.Duration

	HealthCheck(ctx context.Context) error
}

// VoicesLister is implemented by providers that can enumerate voices.
type VoicesLister interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}

// Voice is a provider voice.
type Voice struct {
	VoiceID     string `json:"voice_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Language    string `json:"language,omitempty"`
}

// TTSRequest is one synthesis call. Empty fields fall back to the
// provider's configured defaults.
type TTSRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice,omitempty"`
	Model    string `json:"model,omitempty"`
	Format   string `json:"format,omitempty"`
	Language string `json:"language,omitempty"`
}

// TTSResult is the outcome of a synthesis call.
type TTSResult struct {
	Success    bool   `json:"success"`
	Audio      []byte `json:"-"`
	Format     string `json:"format"` // container: mp3, wav, pcm, opus...
	SampleRate int    `json:"sample_rate,omitempty"`
	DurationMS int    `json:"duration_ms"`

	CharCount     int           `json:"char_count"`
	CostUSD       float64       `json:"cost_usd"`
	ExecutionTime time.Duration `json:"execution_time"`
	RequestID     string        `json:"request_id,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
}

var (
	// ErrInvalidRequest marks requests a provider rejects before calling out.
	ErrInvalidRequest = errors.New("invalid tts request")

	// ErrEmptyAudio marks a successful response that carried no audio.
	ErrEmptyAudio = errors.New("provider returned empty audio")
)

// APIError is a non-success HTTP response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s error (status %d)", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// RateLimitError is returned on HTTP 429.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	StatusCode int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s)", e.Message, e.RetryAfter)
	}
	return e.Message
}

// IsRateLimitError unwraps a *RateLimitError from err.
func IsRateLimitError(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// parseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. Unparseable values give zero.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// estimateDurationMS assumes ~150 words per minute at ~5 chars per word.
func estimateDurationMS(text string) int {
	return (len(text) * 60 * 1000) / (150 * 5)
}

func failedResult(start time.Time, text string, err error) *TTSResult {
	return &TTSResult{
		Success:       false,
		ErrorMessage:  err.Error(),
		CharCount:     len(text),
		ExecutionTime: time.Since(start),
	}
}
