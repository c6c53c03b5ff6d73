package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	SpeechifyTTSName       = "speechify"
	SpeechifyAPIBaseURL    = "https://api.sws.speechify.com/v1"
	SpeechifyDefaultModel  = "simba-english"
	SpeechifyDefaultVoice  = "scott"
	SpeechifyDefaultLocale = "en-US"
)

// SpeechifyTTSConfig holds configuration for the Speechify client.
type SpeechifyTTSConfig struct {
	APIKey   string
	Model    string // "simba-english" or "simba-multilingual"
	Voice    string
	Language string
	Format   string // mp3, wav, ogg, aac

	// Both default to on. Set the Disable flags to turn them off.
	DisableLoudnessNormalization bool
	DisableTextNormalization     bool

	Timeout    time.Duration
	RateLimit  float64
	MaxRetries int
	RetryDelay time.Duration
	BaseURL    string
	HTTPClient *http.Client
}

// SpeechifyTTSClient implements TTSProvider using the Speechify API.
type SpeechifyTTSClient struct {
	apiKey     string
	baseURL    string
	model      string
	voice      string
	language   string
	format     string
	loudness   bool
	textNorm   bool
	rateLimit  float64
	maxRetries int
	retryDelay time.Duration
	client     *http.Client
}

// NewSpeechifyTTSClient creates a new Speechify client.
func NewSpeechifyTTSClient(cfg SpeechifyTTSConfig) *SpeechifyTTSClient {
	if cfg.Model == "" {
		cfg.Model = SpeechifyDefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = SpeechifyDefaultVoice
	}
	if cfg.Language == "" {
		cfg.Language = SpeechifyDefaultLocale
	}
	if cfg.Format == "" {
		cfg.Format = "mp3"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 5.0
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = SpeechifyAPIBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &SpeechifyTTSClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		voice:      cfg.Voice,
		language:   cfg.Language,
		format:     cfg.Format,
		loudness:   !cfg.DisableLoudnessNormalization,
		textNorm:   !cfg.DisableTextNormalization,
		rateLimit:  cfg.RateLimit,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		client:     httpClient,
	}
}

func (c *SpeechifyTTSClient) Name() string                  { return SpeechifyTTSName }
func (c *SpeechifyTTSClient) RequestsPerSecond() float64    { return c.rateLimit }
func (c *SpeechifyTTSClient) MaxConcurrency() int           { return 0 }
func (c *SpeechifyTTSClient) MaxRetries() int               { return c.maxRetries }
func (c *SpeechifyTTSClient) RetryDelayBase() time.Duration { return c.retryDelay }

// HealthCheck lists voices to validate the token.
func (c *SpeechifyTTSClient) HealthCheck(ctx context.Context) error {
	if _, err := c.ListVoices(ctx); err != nil {
		return fmt.Errorf("speechify health check failed: %w", err)
	}
	return nil
}

// Generate converts text to audio. The API answers with base64 audio in JSON.
func (c *SpeechifyTTSClient) Generate(ctx context.Context, req *TTSRequest) (*TTSResult, error) {
	start := time.Now()

	if req == nil || strings.TrimSpace(req.Text) == "" {
		err := fmt.Errorf("%w: text is required", ErrInvalidRequest)
		return failedResult(start, "", err), err
	}

	body := speechifyRequest{
		Input:       req.Text,
		VoiceID:     firstNonEmpty(req.Voice, c.voice),
		Model:       firstNonEmpty(req.Model, c.model),
		Language:    firstNonEmpty(req.Language, c.language),
		AudioFormat: speechifyFormat(firstNonEmpty(req.Format, c.format)),
		Options: speechifyOptions{
			LoudnessNormalization: c.loudness,
			TextNormalization:     c.textNorm,
		},
	}

	respBody, err := c.do(ctx, http.MethodPost, "/audio/speech", body)
	if err != nil {
		return failedResult(start, req.Text, err), err
	}

	var out speechifyResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		err = fmt.Errorf("failed to decode speechify response: %w", err)
		return failedResult(start, req.Text, err), err
	}
	audio, err := base64.StdEncoding.DecodeString(out.AudioData)
	if err != nil {
		err = fmt.Errorf("failed to decode speechify audio: %w", err)
		return failedResult(start, req.Text, err), err
	}
	if len(audio) == 0 {
		return failedResult(start, req.Text, ErrEmptyAudio), ErrEmptyAudio
	}

	format := out.AudioFormat
	if format == "" {
		format = body.AudioFormat
	}
	chars := out.BillableCharactersCount
	if chars == 0 {
		chars = len(req.Text)
	}

	return &TTSResult{
		Success:       true,
		Audio:         audio,
		Format:        format,
		DurationMS:    estimateDurationMS(req.Text),
		CharCount:     chars,
		CostUSD:       float64(chars) * 0.00001, // $10 per 1M chars
		ExecutionTime: time.Since(start),
	}, nil
}

// ListVoices retrieves the voice catalogue.
func (c *SpeechifyTTSClient) ListVoices(ctx context.Context) ([]Voice, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list voices: %w", err)
	}

	var raw []speechifyVoice
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode voices: %w", err)
	}

	voices := make([]Voice, 0, len(raw))
	for _, v := range raw {
		voices = append(voices, Voice{
			VoiceID:     v.ID,
			Name:        v.DisplayName,
			Description: v.Gender,
			Language:    v.Locale,
		})
	}
	return voices, nil
}

func (c *SpeechifyTTSClient) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{
			Message:    fmt.Sprintf("Speechify rate limited: %s", strings.TrimSpace(string(respBody))),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			StatusCode: resp.StatusCode,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(respBody))
		var e speechifyError
		if json.Unmarshal(respBody, &e) == nil && e.Message != "" {
			msg = e.Message
		}
		return nil, &APIError{Provider: SpeechifyTTSName, StatusCode: resp.StatusCode, Message: msg}
	}
	return respBody, nil
}

func speechifyFormat(format string) string {
	format = strings.ToLower(format)
	if i := strings.IndexByte(format, '_'); i > 0 {
		format = format[:i]
	}
	switch format {
	case "wav", "ogg", "aac", "mp3":
		return format
	default:
		return "mp3"
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type speechifyRequest struct {
	Input       string           `json:"input"`
	VoiceID     string           `json:"voice_id"`
	Model       string           `json:"model,omitempty"`
	Language    string           `json:"language,omitempty"`
	AudioFormat string           `json:"audio_format"`
	Options     speechifyOptions `json:"options"`
}

type speechifyOptions struct {
	LoudnessNormalization bool `json:"loudness_normalization"`
	TextNormalization     bool `json:"text_normalization"`
}

type speechifyResponse struct {
	AudioData               string `json:"audio_data"`
	AudioFormat             string `json:"audio_format"`
	BillableCharactersCount int    `json:"billable_characters_count"`
}

type speechifyVoice struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Gender      string `json:"gender,omitempty"`
	Locale      string `json:"locale,omitempty"`
}

type speechifyError struct {
	Message string `json:"message"`
}

var (
	_ TTSProvider  = (*SpeechifyTTSClient)(nil)
	_ VoicesLister = (*SpeechifyTTSClient)(nil)
)
