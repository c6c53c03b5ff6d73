package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		format    string
		container string
		rate      int
	}{
		{"mp3_44100_128", "mp3", 44100},
		{"pcm_16000", "pcm", 16000},
		{"ulaw_8000", "wav", 8000},
		{"", "mp3", 0},
		{"MP3_22050_32", "mp3", 22050},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			container, rate := parseOutputFormat(tt.format)
			if container != tt.container || rate != tt.rate {
				t.Fatalf("parseOutputFormat(%q) = (%q, %d), want (%q, %d)",
					tt.format, container, rate, tt.container, tt.rate)
			}
		})
	}
}

func TestElevenLabsGenerateSuccess(t *testing.T) {
	var payload map[string]any
	var gotPath, gotFormat, gotKey string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotFormat = r.URL.Query().Get("output_format")
		gotKey = r.Header.Get("xi-api-key")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		w.Header().Set("request-id", "req-1")
		_, _ = w.Write([]byte("mp3-bytes"))
	}))
	defer server.Close()

	client := NewElevenLabsTTSClient(ElevenLabsTTSConfig{APIKey: "k", BaseURL: server.URL})

	result, err := client.Generate(context.Background(), &TTSRequest{Text: "Hello there.", Language: "en"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !result.Success || string(result.Audio) != "mp3-bytes" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.RequestID != "req-1" || result.Format != "mp3" || result.SampleRate != 44100 {
		t.Fatalf("unexpected metadata: %+v", result)
	}
	if gotPath != "/text-to-speech/"+ElevenLabsDefaultVoice {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotFormat != ElevenLabsDefaultFormat || gotKey != "k" {
		t.Fatalf("unexpected format/key: %q %q", gotFormat, gotKey)
	}
	if payload["model_id"] != ElevenLabsDefaultModel {
		t.Fatalf("expected default model, got %v", payload["model_id"])
	}
	if payload["language_code"] != "en" {
		t.Fatalf("expected language_code en, got %v", payload["language_code"])
	}
	settings, ok := payload["voice_settings"].(map[string]any)
	if !ok || settings["speed"] != 1.0 || settings["stability"] != 0.5 {
		t.Fatalf("unexpected voice_settings: %v", payload["voice_settings"])
	}
}

func TestElevenLabsGenerateErrors(t *testing.T) {
	t.Run("rate limited", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"detail":{"status":"too_many","message":"slow down"}}`))
		}))
		defer server.Close()

		client := NewElevenLabsTTSClient(ElevenLabsTTSConfig{APIKey: "k", BaseURL: server.URL})
		result, err := client.Generate(context.Background(), &TTSRequest{Text: "hi"})

		var rle *RateLimitError
		if !errors.As(err, &rle) {
			t.Fatalf("expected RateLimitError, got %v", err)
		}
		if rle.RetryAfter != 7*time.Second {
			t.Fatalf("RetryAfter = %v, want 7s", rle.RetryAfter)
		}
		if result == nil || result.Success {
			t.Fatal("expected failed result alongside error")
		}
	})

	t.Run("api error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"detail":{"status":"invalid","message":"bad voice"}}`))
		}))
		defer server.Close()

		client := NewElevenLabsTTSClient(ElevenLabsTTSConfig{APIKey: "k", BaseURL: server.URL})
		_, err := client.Generate(context.Background(), &TTSRequest{Text: "hi"})

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected APIError, got %v", err)
		}
		if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Message != "bad voice" {
			t.Fatalf("unexpected APIError: %+v", apiErr)
		}
	})

	t.Run("empty audio", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client := NewElevenLabsTTSClient(ElevenLabsTTSConfig{APIKey: "k", BaseURL: server.URL})
		if _, err := client.Generate(context.Background(), &TTSRequest{Text: "hi"}); !errors.Is(err, ErrEmptyAudio) {
			t.Fatalf("expected ErrEmptyAudio, got %v", err)
		}
	})

	t.Run("blank text", func(t *testing.T) {
		client := NewElevenLabsTTSClient(ElevenLabsTTSConfig{APIKey: "k"})
		if _, err := client.Generate(context.Background(), &TTSRequest{Text: "  "}); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest, got %v", err)
		}
	})
}

func TestElevenLabsListVoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/voices" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"voices":[{"voice_id":"v1","name":"Ann","labels":{"language":"en"}}]}`))
	}))
	defer server.Close()

	client := NewElevenLabsTTSClient(ElevenLabsTTSConfig{APIKey: "k", BaseURL: server.URL})
	voices, err := client.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices() error = %v", err)
	}
	if len(voices) != 1 || voices[0].VoiceID != "v1" || voices[0].Language != "en" {
		t.Fatalf("unexpected voices: %+v", voices)
	}
}
