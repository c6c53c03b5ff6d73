package providers

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry holds the configured TTS providers and the rate limiter shared by
// every request to each of them. It supports hot reload from config.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]TTSProvider
	configs   map[string]TTSProviderConfig
	limiters  map[string]*RateLimiter
	logger    *slog.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]TTSProvider),
		configs:   make(map[string]TTSProviderConfig),
		limiters:  make(map[string]*RateLimiter),
		logger:    slog.Default(),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Register adds or replaces a provider by name.
func (r *Registry) Register(name string, p TTSProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	r.limiters[name] = NewProviderRateLimiter(p)
	delete(r.configs, name)
	if r.logger != nil {
		r.logger.Info("registered TTS provider", "name", name)
	}
}

// Unregister removes a provider by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(name)
}

func (r *Registry) remove(name string) {
	delete(r.providers, name)
	delete(r.configs, name)
	delete(r.limiters, name)
	if r.logger != nil {
		r.logger.Info("unregistered TTS provider", "name", name)
	}
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (TTSProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("TTS provider not found: %s", name)
	}
	return p, nil
}

// Limiter returns the rate limiter for a provider, or nil.
func (r *Registry) Limiter(name string) *RateLimiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[name]
}

// List returns the registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a provider is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// RegistryConfig defines the providers to instantiate from config.
type RegistryConfig struct {
	TTSProviders map[string]TTSProviderConfig
}

// TTSProviderConfig matches config.TTSProviderCfg with the API key resolved.
type TTSProviderConfig struct {
	Type      string // "elevenlabs", "openai", "speechify", "mock"
	Model     string
	Voice     string
	Format    string
	Language  string
	APIKey    string
	BaseURL   string
	RateLimit float64 // Requests per second
	Enabled   bool
}

func (c TTSProviderConfig) usable() bool {
	if !c.Enabled {
		return false
	}
	return c.Type == MockTTSName || c.APIKey != ""
}

// NewRegistryFromConfig creates a registry holding every enabled provider
// that has an API key.
func NewRegistryFromConfig(cfg RegistryConfig) *Registry {
	r := NewRegistry()
	r.applyConfig(cfg)
	return r
}

// Reload reconciles the registry with cfg. Providers no longer configured
// are removed and providers with changed settings are recreated. Unchanged
// providers keep their client and rate limiter.
func (r *Registry) Reload(cfg RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]bool)
	for name, provCfg := range cfg.TTSProviders {
		if !provCfg.usable() {
			continue
		}
		want[name] = true

		_, hasExisting := r.providers[name]
		if hasExisting && r.configs[name] == provCfg {
			continue
		}
		p := createTTSProvider(provCfg)
		if p == nil {
			if r.logger != nil {
				r.logger.Warn("unknown TTS provider type", "name", name, "type", provCfg.Type)
			}
			continue
		}
		r.set(name, p, provCfg)
		if r.logger != nil {
			if hasExisting {
				r.logger.Info("updated TTS provider", "name", name, "type", provCfg.Type)
			} else {
				r.logger.Info("registered TTS provider", "name", name, "type", provCfg.Type)
			}
		}
	}

	for name := range r.providers {
		if !want[name] {
			r.remove(name)
		}
	}
}

// applyConfig registers providers without locking (used during init).
func (r *Registry) applyConfig(cfg RegistryConfig) {
	for name, provCfg := range cfg.TTSProviders {
		if !provCfg.usable() {
			continue
		}
		if p := createTTSProvider(provCfg); p != nil {
			r.set(name, p, provCfg)
		}
	}
}

func (r *Registry) set(name string, p TTSProvider, cfg TTSProviderConfig) {
	r.providers[name] = p
	r.configs[name] = cfg
	r.limiters[name] = NewProviderRateLimiter(p)
}

// createTTSProvider builds a provider from its type. Unknown types give nil.
func createTTSProvider(cfg TTSProviderConfig) TTSProvider {
	switch cfg.Type {
	case ElevenLabsTTSName:
		return NewElevenLabsTTSClient(ElevenLabsTTSConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			Voice:     cfg.Voice,
			Format:    cfg.Format,
			RateLimit: cfg.RateLimit,
			BaseURL:   cfg.BaseURL,
		})
	case OpenAITTSName:
		return NewOpenAITTSClient(OpenAITTSConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			Voice:     cfg.Voice,
			RateLimit: cfg.RateLimit,
			BaseURL:   cfg.BaseURL,
		})
	case SpeechifyTTSName:
		return NewSpeechifyTTSClient(SpeechifyTTSConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			Voice:     cfg.Voice,
			Language:  cfg.Language,
			Format:    cfg.Format,
			RateLimit: cfg.RateLimit,
			BaseURL:   cfg.BaseURL,
		})
	case MockTTSName:
		m := NewMockTTS()
		if cfg.RateLimit > 0 {
			m.RPS = cfg.RateLimit
		}
		return m
	default:
		return nil
	}
}
