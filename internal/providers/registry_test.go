package providers

import (
	"sync"
	"testing"
)

func TestRegistry(t *testing.T) {
	t.Run("register and get", func(t *testing.T) {
		r := NewRegistry()
		mock := NewMockTTS()
		r.Register("test", mock)

		p, err := r.Get("test")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if p != mock {
			t.Error("got different provider than registered")
		}
		if r.Limiter("test") == nil {
			t.Error("expected a rate limiter for registered provider")
		}
	})

	t.Run("get nonexistent", func(t *testing.T) {
		r := NewRegistry()
		if _, err := r.Get("nope"); err == nil {
			t.Error("expected error for nonexistent provider")
		}
	})

	t.Run("list is sorted", func(t *testing.T) {
		r := NewRegistry()
		r.Register("b", NewMockTTS())
		r.Register("a", NewMockTTS())
		got := r.List()
		if len(got) != 2 || got[0] != "a" || got[1] != "b" {
			t.Fatalf("List() = %v", got)
		}
		r.Unregister("a")
		if r.Has("a") || r.Limiter("a") != nil {
			t.Error("a should be gone")
		}
	})

	t.Run("concurrent access", func(t *testing.T) {
		r := NewRegistry()
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				r.Register("mock", NewMockTTS())
			}()
			go func() {
				defer wg.Done()
				_ = r.List()
				_, _ = r.Get("mock")
			}()
		}
		wg.Wait()
	})
}

func TestNewRegistryFromConfig(t *testing.T) {
	r := NewRegistryFromConfig(RegistryConfig{
		TTSProviders: map[string]TTSProviderConfig{
			"elevenlabs": {Type: ElevenLabsTTSName, APIKey: "k", Enabled: true},
			"openai":     {Type: OpenAITTSName, APIKey: "k", Enabled: true},
			"speechify":  {Type: SpeechifyTTSName, APIKey: "k", Enabled: true},
			"mock":       {Type: MockTTSName, Enabled: true},
			"nokey":      {Type: OpenAITTSName, Enabled: true},
			"disabled":   {Type: ElevenLabsTTSName, APIKey: "k"},
			"unknown":    {Type: "bogus", APIKey: "k", Enabled: true},
		},
	})

	want := []string{"elevenlabs", "mock", "openai", "speechify"}
	got := r.List()
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List() = %v, want %v", got, want)
		}
	}

	p, _ := r.Get("elevenlabs")
	if el := p.(*ElevenLabsTTSClient); el.Model() != ElevenLabsDefaultModel || el.Voice() != ElevenLabsDefaultVoice {
		t.Errorf("elevenlabs defaults not applied: %s %s", el.Model(), el.Voice())
	}
}

func TestRegistry_Reload(t *testing.T) {
	base := RegistryConfig{
		TTSProviders: map[string]TTSProviderConfig{
			"elevenlabs": {Type: ElevenLabsTTSName, APIKey: "old-key", Enabled: true},
		},
	}

	t.Run("adds new providers", func(t *testing.T) {
		r := NewRegistryFromConfig(RegistryConfig{})
		r.Reload(base)
		if !r.Has("elevenlabs") {
			t.Error("expected elevenlabs after reload")
		}
	})

	t.Run("removes providers", func(t *testing.T) {
		r := NewRegistryFromConfig(base)
		r.Reload(RegistryConfig{})
		if r.Has("elevenlabs") {
			t.Error("elevenlabs should be removed after reload")
		}
	})

	t.Run("updates changed providers", func(t *testing.T) {
		r := NewRegistryFromConfig(base)
		p, _ := r.Get("elevenlabs")

		r.Reload(RegistryConfig{
			TTSProviders: map[string]TTSProviderConfig{
				"elevenlabs": {Type: ElevenLabsTTSName, APIKey: "new-key", Enabled: true},
			},
		})

		updated, _ := r.Get("elevenlabs")
		if updated == p {
			t.Fatal("expected a new client after key change")
		}
		if updated.(*ElevenLabsTTSClient).apiKey != "new-key" {
			t.Errorf("expected new-key, got %s", updated.(*ElevenLabsTTSClient).apiKey)
		}
	})

	t.Run("keeps unchanged providers", func(t *testing.T) {
		r := NewRegistryFromConfig(base)
		p, _ := r.Get("elevenlabs")
		limiter := r.Limiter("elevenlabs")

		r.Reload(base)

		same, _ := r.Get("elevenlabs")
		if same != p || r.Limiter("elevenlabs") != limiter {
			t.Error("unchanged provider should keep client and limiter")
		}
	})
}
