package batch

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jackzampolin/narrator/internal/assemble"
	"github.com/jackzampolin/narrator/internal/chunker"
	"github.com/jackzampolin/narrator/internal/dispatch"
	"github.com/jackzampolin/narrator/internal/flow"
)

// Config is the immutable configuration of one batch. It is snapshotted
// into the batch record at creation and reused on resume. Credentials
// never appear here.
type Config struct {
	Provider    string `json:"provider" mapstructure:"provider" yaml:"provider"`
	Voice       string `json:"voice,omitempty" mapstructure:"voice" yaml:"voice"`
	Model       string `json:"model,omitempty" mapstructure:"model" yaml:"model"`
	AudioFormat string `json:"audio_format,omitempty" mapstructure:"audio_format" yaml:"audio_format"`
	Language    string `json:"language,omitempty" mapstructure:"language" yaml:"language"`

	MaxChunkLen       int      `json:"max_chunk_len" mapstructure:"max_chunk_len" yaml:"max_chunk_len"`
	Abbreviations     []string `json:"abbreviations,omitempty" mapstructure:"abbreviations" yaml:"abbreviations"`
	DisablePageResync bool     `json:"disable_page_resync,omitempty" mapstructure:"disable_page_resync" yaml:"disable_page_resync"`

	ConcurrencyLimit int `json:"concurrency_limit" mapstructure:"concurrency_limit" yaml:"concurrency_limit"`
	// MaxRetries is how many times a transient failure is retried after
	// the first attempt, counted across resumes: 3 allows 4 provider calls
	// per chunk, 0 allows one. Zero is kept by WithDefaults, so start from
	// DefaultConfig to get the default of 3.
	MaxRetries     int           `json:"max_retries" mapstructure:"max_retries" yaml:"max_retries"`
	RetryBaseDelay time.Duration `json:"retry_base_delay" mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `json:"retry_max_delay" mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout" yaml:"request_timeout"`

	LeadSilence time.Duration `json:"lead_silence" mapstructure:"lead_silence" yaml:"lead_silence"`
	GapSilence  time.Duration `json:"gap_silence" mapstructure:"gap_silence" yaml:"gap_silence"`

	// HeaderFooterLines < 0 disables running header/footer suppression.
	HeaderFooterLines int `json:"header_footer_lines" mapstructure:"header_footer_lines" yaml:"header_footer_lines"`
	MaxHeaderRunes    int `json:"max_header_runes" mapstructure:"max_header_runes" yaml:"max_header_runes"`
	MaxHeaderWords    int `json:"max_header_words" mapstructure:"max_header_words" yaml:"max_header_words"`
}

// DefaultConfig returns the batch defaults.
func DefaultConfig() Config {
	policy := dispatch.DefaultPolicy()
	fo := flow.DefaultOptions()
	return Config{
		MaxChunkLen:       chunker.DefaultMaxLen,
		ConcurrencyLimit:  dispatch.DefaultConcurrency,
		MaxRetries:        policy.MaxRetries,
		RetryBaseDelay:    policy.BaseDelay,
		RetryMaxDelay:     policy.MaxDelay,
		RequestTimeout:    dispatch.DefaultRequestTimeout,
		LeadSilence:       assemble.DefaultLeadSilence,
		GapSilence:        assemble.DefaultGapSilence,
		HeaderFooterLines: fo.HeaderFooterLines,
		MaxHeaderRunes:    fo.MaxHeaderRunes,
		MaxHeaderWords:    fo.MaxHeaderWords,
	}
}

// WithDefaults fills zero fields from DefaultConfig. MaxRetries and the
// silence durations are left alone since zero is a valid choice for them.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxChunkLen <= 0 {
		c.MaxChunkLen = d.MaxChunkLen
	}
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = d.ConcurrencyLimit
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.HeaderFooterLines == 0 {
		c.HeaderFooterLines = d.HeaderFooterLines
	}
	if c.MaxHeaderRunes <= 0 {
		c.MaxHeaderRunes = d.MaxHeaderRunes
	}
	if c.MaxHeaderWords <= 0 {
		c.MaxHeaderWords = d.MaxHeaderWords
	}
	return c
}

// Validate checks a defaulted config.
func (c Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.MaxChunkLen < 20 {
		return fmt.Errorf("max_chunk_len must be at least 20, got %d", c.MaxChunkLen)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry_max_delay (%s) is below retry_base_delay (%s)", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.LeadSilence < 0 || c.GapSilence < 0 {
		return fmt.Errorf("silence durations must not be negative")
	}
	return nil
}

func (c Config) flowOptions() flow.Options {
	return flow.Options{
		HeaderFooterLines: c.HeaderFooterLines,
		MaxHeaderRunes:    c.MaxHeaderRunes,
		MaxHeaderWords:    c.MaxHeaderWords,
	}
}

func (c Config) chunkerOptions() chunker.Options {
	return chunker.Options{
		MaxLen:            c.MaxChunkLen,
		Abbreviations:     c.Abbreviations,
		DisablePageResync: c.DisablePageResync,
	}
}

func (c Config) policy() dispatch.Policy {
	return dispatch.Policy{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.RetryBaseDelay,
		MaxDelay:   c.RetryMaxDelay,
	}
}

func (c Config) assembleOptions() assemble.Options {
	return assemble.Options{LeadSilence: c.LeadSilence, GapSilence: c.GapSilence}
}

func (c Config) snapshot() (json.RawMessage, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot batch config: %w", err)
	}
	return data, nil
}

func configFromSnapshot(raw json.RawMessage) (Config, error) {
	var c Config
	if len(raw) == 0 {
		return c, fmt.Errorf("batch record has no config snapshot")
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("failed to read batch config snapshot: %w", err)
	}
	return c, nil
}

// MarshalYAML writes durations as strings like "2s" so a written config
// file stays readable.
func (c Config) MarshalYAML() (any, error) {
	type plain Config
	var node yaml.Node
	if err := node.Encode(plain(c)); err != nil {
		return nil, err
	}
	durations := map[string]time.Duration{
		"retry_base_delay": c.RetryBaseDelay,
		"retry_max_delay":  c.RetryMaxDelay,
		"request_timeout":  c.RequestTimeout,
		"lead_silence":     c.LeadSilence,
		"gap_silence":      c.GapSilence,
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if d, ok := durations[node.Content[i].Value]; ok {
			node.Content[i+1].SetString(d.String())
		}
	}
	return &node, nil
}

// Overrides replaces selected fields of a base config. Zero fields keep
// the base value.
type Overrides struct {
	Provider         string `json:"provider,omitempty"`
	Voice            string `json:"voice,omitempty"`
	Model            string `json:"model,omitempty"`
	AudioFormat      string `json:"audio_format,omitempty"`
	Language         string `json:"language,omitempty"`
	MaxChunkLen      int    `json:"max_chunk_len,omitempty"`
	ConcurrencyLimit int    `json:"concurrency_limit,omitempty"`
	// MaxRetries is a pointer so an explicit 0 (no retries) overrides.
	MaxRetries *int `json:"max_retries,omitempty"`
}

// Apply returns base with the non-zero overrides applied.
func (o Overrides) Apply(base Config) Config {
	if o.Provider != "" {
		base.Provider = o.Provider
	}
	if o.Voice != "" {
		base.Voice = o.Voice
	}
	if o.Model != "" {
		base.Model = o.Model
	}
	if o.AudioFormat != "" {
		base.AudioFormat = o.AudioFormat
	}
	if o.Language != "" {
		base.Language = o.Language
	}
	if o.MaxChunkLen > 0 {
		base.MaxChunkLen = o.MaxChunkLen
	}
	if o.ConcurrencyLimit > 0 {
		base.ConcurrencyLimit = o.ConcurrencyLimit
	}
	if o.MaxRetries != nil {
		base.MaxRetries = *o.MaxRetries
	}
	return base
}
