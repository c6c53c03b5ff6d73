package config

import (
	"github.com/jackzampolin/narrator/internal/batch"
	"github.com/jackzampolin/narrator/internal/events"
	"github.com/jackzampolin/narrator/internal/home"
	"github.com/jackzampolin/narrator/internal/logging"
	"github.com/jackzampolin/narrator/internal/providers"
	"github.com/jackzampolin/narrator/internal/state"
	"github.com/jackzampolin/narrator/internal/storage"
	"github.com/jackzampolin/narrator/internal/telemetry"
)

// Config holds narrator configuration.
// Stored at: ./config.yaml or {home}/config.yaml
type Config struct {
	TTSProviders map[string]TTSProviderCfg `mapstructure:"tts_providers" yaml:"tts_providers"`
	Defaults     batch.Config              `mapstructure:"defaults" yaml:"defaults"`
	Server       ServerCfg                 `mapstructure:"server" yaml:"server"`
	State        state.Config              `mapstructure:"state" yaml:"state"`
	Storage      storage.Config            `mapstructure:"storage" yaml:"storage"`
	Logging      logging.Config            `mapstructure:"logging" yaml:"logging"`
	Telemetry    telemetry.Config          `mapstructure:"telemetry" yaml:"telemetry"`
	Events       events.Config             `mapstructure:"events" yaml:"events"`
}

// TTSProviderCfg configures a TTS provider.
type TTSProviderCfg struct {
	Type      string  `mapstructure:"type" yaml:"type"` // "elevenlabs", "openai", "speechify", "mock"
	Model     string  `mapstructure:"model" yaml:"model"`
	Voice     string  `mapstructure:"voice" yaml:"voice"`
	Format    string  `mapstructure:"format" yaml:"format,omitempty"`
	Language  string  `mapstructure:"language" yaml:"language,omitempty"`
	APIKey    string  `mapstructure:"api_key" yaml:"api_key"` // supports ${ENV_VAR} syntax
	BaseURL   string  `mapstructure:"base_url" yaml:"base_url,omitempty"`
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per second
	Enabled   bool    `mapstructure:"enabled" yaml:"enabled"`
}

// ServerCfg configures the HTTP server.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

// DefaultConfig returns configuration with sensible defaults. Paths left
// empty are filled from the home directory by ApplyHome.
func DefaultConfig() *Config {
	defaults := batch.DefaultConfig()
	defaults.Provider = "elevenlabs"

	return &Config{
		TTSProviders: map[string]TTSProviderCfg{
			"elevenlabs": {
				Type:      providers.ElevenLabsTTSName,
				Model:     providers.ElevenLabsDefaultModel,
				Voice:     providers.ElevenLabsDefaultVoice,
				Format:    providers.ElevenLabsDefaultFormat,
				APIKey:    "${ELEVENLABS_API_KEY}",
				RateLimit: 2.0,
				Enabled:   true,
			},
			"openai": {
				Type:      providers.OpenAITTSName,
				Model:     "tts-1-hd",
				Voice:     "onyx",
				Format:    "mp3",
				APIKey:    "${OPENAI_API_KEY}",
				RateLimit: 5.0,
				Enabled:   true,
			},
			"speechify": {
				Type:      providers.SpeechifyTTSName,
				Model:     providers.SpeechifyDefaultModel,
				Voice:     providers.SpeechifyDefaultVoice,
				Language:  providers.SpeechifyDefaultLocale,
				Format:    "mp3",
				APIKey:    "${SPEECHIFY_API_KEY}",
				RateLimit: 2.0,
				Enabled:   true,
			},
			"mock": {
				Type:      providers.MockTTSName,
				RateLimit: 100,
				Enabled:   false,
			},
		},
		Defaults: defaults,
		Server: ServerCfg{
			Host: "127.0.0.1",
			Port: "8080",
		},
		State: state.Config{
			Backend:     "sqlite",
			RedisPrefix: "narrator",
		},
		Storage: storage.Config{
			Backend: storage.TypeLocal,
			Region:  "us-east-1",
		},
		Logging: logging.DefaultConfig(),
		Telemetry: telemetry.Config{
			Enabled:     true,
			ServiceName: "narrator",
			Environment: "local",
		},
		Events: events.Config{
			Backend:       events.BackendNone,
			SubjectPrefix: "narrator",
		},
	}
}

// ApplyHome fills unset local paths with locations under dir.
func (c *Config) ApplyHome(dir *home.Dir) {
	if (c.State.Backend == "" || c.State.Backend == "sqlite") && c.State.Path == "" {
		c.State.Path = dir.StatePath()
	}
	if (c.Storage.Backend == "" || c.Storage.Backend == storage.TypeLocal) && c.Storage.Root == "" {
		c.Storage.Root = dir.AudioDir()
	}
}

// ResolveSecrets expands ${ENV_VAR} references in credential fields
// outside the provider section.
func (c *Config) ResolveSecrets() {
	c.State.RedisPassword = ResolveEnvVars(c.State.RedisPassword)
	c.Storage.AccessKey = ResolveEnvVars(c.Storage.AccessKey)
	c.Storage.SecretKey = ResolveEnvVars(c.Storage.SecretKey)
	c.Events.Password = ResolveEnvVars(c.Events.Password)
	c.Events.Token = ResolveEnvVars(c.Events.Token)
}

// Redacted returns a copy safe to print. Secrets that are set become
// "<set>" and unset ones stay empty.
func (c *Config) Redacted() Config {
	out := *c
	out.TTSProviders = make(map[string]TTSProviderCfg, len(c.TTSProviders))
	for name, p := range c.TTSProviders {
		p.APIKey = redact(ResolveEnvVars(p.APIKey))
		out.TTSProviders[name] = p
	}
	out.State.RedisPassword = redact(c.State.RedisPassword)
	out.Storage.AccessKey = redact(c.Storage.AccessKey)
	out.Storage.SecretKey = redact(c.Storage.SecretKey)
	out.Events.Password = redact(c.Events.Password)
	out.Events.Token = redact(c.Events.Token)
	return out
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "<set>"
}

// GetTTSProvider returns a TTS provider config by name.
func (c *Config) GetTTSProvider(name string) (TTSProviderCfg, bool) {
	cfg, ok := c.TTSProviders[name]
	return cfg, ok
}

// EnabledTTSProviders returns all enabled TTS providers.
func (c *Config) EnabledTTSProviders() map[string]TTSProviderCfg {
	result := make(map[string]TTSProviderCfg)
	for name, cfg := range c.TTSProviders {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}

// ToProviderRegistryConfig converts the config for providers.Registry,
// resolving ${ENV_VAR} references in API keys.
func (c *Config) ToProviderRegistryConfig() providers.RegistryConfig {
	cfg := providers.RegistryConfig{
		TTSProviders: make(map[string]providers.TTSProviderConfig, len(c.TTSProviders)),
	}
	for name, p := range c.TTSProviders {
		cfg.TTSProviders[name] = providers.TTSProviderConfig{
			Type:      p.Type,
			Model:     p.Model,
			Voice:     p.Voice,
			Format:    p.Format,
			Language:  p.Language,
			APIKey:    ResolveEnvVars(p.APIKey),
			BaseURL:   p.BaseURL,
			RateLimit: p.RateLimit,
			Enabled:   p.Enabled,
		}
	}
	return cfg
}
