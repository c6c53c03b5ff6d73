package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSpeechifyGenerate(t *testing.T) {
	var got speechifyRequest
	var auth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/speech" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"audio_data":                base64.StdEncoding.EncodeToString([]byte("ID3audio")),
			"audio_format":              "mp3",
			"billable_characters_count": 11,
		})
	}))
	defer server.Close()

	client := NewSpeechifyTTSClient(SpeechifyTTSConfig{APIKey: "tok", BaseURL: server.URL})
	result, err := client.Generate(context.Background(), &TTSRequest{Text: "Hello world", Format: "mp3_44100_128"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if string(result.Audio) != "ID3audio" || result.Format != "mp3" || result.CharCount != 11 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if auth != "Bearer tok" {
		t.Fatalf("unexpected Authorization header %q", auth)
	}
	if got.VoiceID != SpeechifyDefaultVoice || got.Model != SpeechifyDefaultModel || got.Language != SpeechifyDefaultLocale {
		t.Fatalf("defaults not applied: %+v", got)
	}
	if got.AudioFormat != "mp3" {
		t.Fatalf("audio_format = %q, want mp3", got.AudioFormat)
	}
	if !got.Options.LoudnessNormalization || !got.Options.TextNormalization {
		t.Fatalf("normalization should default on: %+v", got.Options)
	}
}

func TestSpeechifyErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"message":"bad token"}`,
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				if !errors.As(err, &apiErr) || apiErr.StatusCode != 401 || apiErr.Message != "bad token" {
					t.Fatalf("unexpected error: %v", err)
				}
			},
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   `slow down`,
			check: func(t *testing.T, err error) {
				if _, ok := IsRateLimitError(err); !ok {
					t.Fatalf("expected RateLimitError, got %v", err)
				}
			},
		},
		{
			name:   "empty audio",
			status: http.StatusOK,
			body:   `{"audio_data":"","audio_format":"mp3"}`,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrEmptyAudio) {
					t.Fatalf("expected ErrEmptyAudio, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewSpeechifyTTSClient(SpeechifyTTSConfig{APIKey: "tok", BaseURL: server.URL})
			_, err := client.Generate(context.Background(), &TTSRequest{Text: "hi"})
			tt.check(t, err)
		})
	}
}

func TestSpeechifyListVoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"scott","display_name":"Scott","gender":"male","locale":"en-US"}]`))
	}))
	defer server.Close()

	client := NewSpeechifyTTSClient(SpeechifyTTSConfig{APIKey: "tok", BaseURL: server.URL})
	voices, err := client.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices() error = %v", err)
	}
	if len(voices) != 1 || voices[0].Name != "Scott" || voices[0].Language != "en-US" {
		t.Fatalf("unexpected voices: %+v", voices)
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
}
