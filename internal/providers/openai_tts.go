package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	OpenAITTSName         = "openai"
	openAITTSDefaultModel = openai.SpeechModelTTS1HD
	openAITTSDefaultVoice = "onyx"
)

// openAIPricePerMChar is USD per million input characters. Speech responses
// carry no usage, so cost is estimated from the text length.
var openAIPricePerMChar = map[string]float64{
	"tts-1":           15,
	"tts-1-hd":        30,
	"gpt-4o-mini-tts": 12,
}

// openAIFormat pairs a speech response_format with the container and sample
// rate the chunk is stored as. pcm and wav come back as 24kHz 16-bit mono.
type openAIFormat struct {
	param      openai.AudioSpeechNewParamsResponseFormat
	container  string
	sampleRate int
}

var (
	openAIMP3 = openAIFormat{openai.AudioSpeechNewParamsResponseFormatMP3, "mp3", 0}

	openAIFormats = map[string]openAIFormat{
		"mp3":       openAIMP3,
		"opus":      {openai.AudioSpeechNewParamsResponseFormatOpus, "opus", 0},
		"aac":       {openai.AudioSpeechNewParamsResponseFormatAAC, "aac", 0},
		"flac":      {openai.AudioSpeechNewParamsResponseFormatFLAC, "flac", 0},
		"wav":       {openai.AudioSpeechNewParamsResponseFormatWAV, "wav", 24000},
		"pcm":       {openai.AudioSpeechNewParamsResponseFormatPCM, "pcm", 24000},
		"pcm_24000": {openai.AudioSpeechNewParamsResponseFormatPCM, "pcm", 24000},
	}
)

// lookupOpenAIFormat resolves a chunk audio format; unknown names get mp3.
func lookupOpenAIFormat(format string) openAIFormat {
	if f, ok := openAIFormats[strings.ToLower(strings.TrimSpace(format))]; ok {
		return f
	}
	return openAIMP3
}

// OpenAITTSConfig holds configuration for the OpenAI speech client.
type OpenAITTSConfig struct {
	APIKey     string
	Model      string // tts-1-hd when empty
	Voice      string // onyx when empty
	Speed      float64
	RateLimit  float64 // requests per second
	MaxRetries int     // chunk-level retries; the SDK itself never retries
	RetryDelay time.Duration
	Timeout    time.Duration
	BaseURL    string
	HTTPClient *http.Client
}

// OpenAITTSClient synthesizes chunks through the OpenAI audio/speech endpoint.
type OpenAITTSClient struct {
	model      string
	voice      string
	speed      float64
	rateLimit  float64
	maxRetries int
	retryDelay time.Duration
	client     openai.Client
}

func NewOpenAITTSClient(cfg OpenAITTSConfig) *OpenAITTSClient {
	c := &OpenAITTSClient{
		model:      cfg.Model,
		voice:      cfg.Voice,
		speed:      cfg.Speed,
		rateLimit:  cfg.RateLimit,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
	if c.model == "" {
		c.model = openAITTSDefaultModel
	}
	if c.voice == "" {
		c.voice = openAITTSDefaultVoice
	}
	if c.speed <= 0 {
		c.speed = 1.0
	}
	if c.rateLimit <= 0 {
		c.rateLimit = 8.0
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.retryDelay <= 0 {
		c.retryDelay = 2 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 5 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	// Retries belong to the dispatcher so each failed attempt is counted
	// against the chunk.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	c.client = openai.NewClient(opts...)
	return c
}

func (c *OpenAITTSClient) Name() string                  { return OpenAITTSName }
func (c *OpenAITTSClient) RequestsPerSecond() float64    { return c.rateLimit }
func (c *OpenAITTSClient) MaxConcurrency() int           { return 0 }
func (c *OpenAITTSClient) MaxRetries() int               { return c.maxRetries }
func (c *OpenAITTSClient) RetryDelayBase() time.Duration { return c.retryDelay }

// HealthCheck lists models, which fails fast on a bad key.
func (c *OpenAITTSClient) HealthCheck(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai health check: %w", mapOpenAIError(err))
	}
	return nil
}

// Generate synthesizes one chunk. Voice and model on the request override
// the client defaults.
func (c *OpenAITTSClient) Generate(ctx context.Context, req *TTSRequest) (*TTSResult, error) {
	start := time.Now()
	if req == nil || strings.TrimSpace(req.Text) == "" {
		err := fmt.Errorf("%w: text is required", ErrInvalidRequest)
		return failedResult(start, "", err), err
	}
	text := strings.TrimSpace(req.Text)
	voice := firstNonEmpty(req.Voice, c.voice)
	model := firstNonEmpty(req.Model, c.model)
	format := lookupOpenAIFormat(req.Format)

	resp, err := c.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(model),
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: format.param,
		Speed:          openai.Float(c.speed),
	})
	if err != nil {
		err = mapOpenAIError(err)
		return failedResult(start, text, err), err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("read openai audio: %w", err)
		return failedResult(start, text, err), err
	}
	if len(audio) == 0 {
		return failedResult(start, text, ErrEmptyAudio), ErrEmptyAudio
	}

	return &TTSResult{
		Success:       true,
		Audio:         audio,
		Format:        format.container,
		SampleRate:    format.sampleRate,
		DurationMS:    estimateDurationMS(text),
		CharCount:     len(text),
		CostUSD:       openAICost(model, text),
		ExecutionTime: time.Since(start),
		RequestID:     resp.Header.Get("x-request-id"),
	}, nil
}

// openAICost prices unknown models at the tts-1 rate.
func openAICost(model, text string) float64 {
	price, ok := openAIPricePerMChar[strings.ToLower(model)]
	if !ok {
		price = openAIPricePerMChar["tts-1"]
	}
	return float64(len(text)) * price / 1_000_000
}

// ListVoices returns OpenAI's fixed speech voices.
func (c *OpenAITTSClient) ListVoices(_ context.Context) ([]Voice, error) {
	names := []string{"alloy", "ash", "ballad", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer", "verse"}
	voices := make([]Voice, len(names))
	for i, name := range names {
		voices[i] = Voice{VoiceID: name, Name: name}
	}
	return voices, nil
}

// mapOpenAIError turns SDK errors into RateLimitError or APIError so the
// dispatcher can classify them.
func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		return &APIError{Provider: OpenAITTSName, StatusCode: apiErr.StatusCode, Message: apiErr.Message}
	}
	rle := &RateLimitError{
		Message:    "openai rate limited: " + apiErr.Message,
		StatusCode: apiErr.StatusCode,
	}
	if apiErr.Response != nil {
		rle.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
	}
	return rle
}

var (
	_ TTSProvider  = (*OpenAITTSClient)(nil)
	_ VoicesLister = (*OpenAITTSClient)(nil)
)
