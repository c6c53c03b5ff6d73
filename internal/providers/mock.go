package providers

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const MockTTSName = "mock"

// MockTTS is a TTSProvider for tests and dry runs. It returns 16-bit mono
// PCM derived from the request text, so identical text gives identical audio.
type MockTTS struct {
	ProviderName string
	Latency      time.Duration
	SampleRate   int
	// SamplesPerChar sets the audio length per input byte.
	SamplesPerChar int

	ShouldFail bool
	FailAfter  int // Fail every request after N (0 = never)

	// Script, when set, is consulted before every call with the request and
	// the 1-based attempt number for that text. A non-nil error fails the call.
	Script func(req *TTSRequest, attempt int) error

	RPS        float64
	Retries    int
	RetryDelay time.Duration
	// Concurrency is reported by MaxConcurrency; 0 means no cap.
	Concurrency int
	// CostPerChar prices successful calls in USD.
	CostPerChar float64

	requestCount atomic.Int64
	mu           sync.Mutex
	perText      map[string]int
}

// NewMockTTS creates a mock provider with no latency.
func NewMockTTS() *MockTTS {
	return &MockTTS{
		ProviderName:   MockTTSName,
		SampleRate:     16000,
		SamplesPerChar: 4,
		RPS:            1000,
		Retries:        3,
		RetryDelay:     time.Millisecond,
	}
}

func (m *MockTTS) Name() string {
	if m.ProviderName == "" {
		return MockTTSName
	}
	return m.ProviderName
}

func (m *MockTTS) RequestsPerSecond() float64    { return m.RPS }
func (m *MockTTS) MaxConcurrency() int           { return m.Concurrency }
func (m *MockTTS) MaxRetries() int               { return m.Retries }
func (m *MockTTS) RetryDelayBase() time.Duration { return m.RetryDelay }

func (m *MockTTS) HealthCheck(ctx context.Context) error {
	if m.ShouldFail {
		return fmt.Errorf("mock provider configured to fail")
	}
	return ctx.Err()
}

// Generate returns deterministic PCM for req.Text.
func (m *MockTTS) Generate(ctx context.Context, req *TTSRequest) (*TTSResult, error) {
	start := time.Now()
	count := m.requestCount.Add(1)

	m.mu.Lock()
	if m.perText == nil {
		m.perText = make(map[string]int)
	}
	m.perText[req.Text]++
	attempt := m.perText[req.Text]
	m.mu.Unlock()

	if m.ShouldFail {
		err := fmt.Errorf("mock provider configured to fail")
		return failedResult(start, req.Text, err), err
	}
	if m.FailAfter > 0 && int(count) > m.FailAfter {
		err := fmt.Errorf("mock provider failed after %d requests", m.FailAfter)
		return failedResult(start, req.Text, err), err
	}
	if m.Script != nil {
		if err := m.Script(req, attempt); err != nil {
			return failedResult(start, req.Text, err), err
		}
	}

	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return failedResult(start, req.Text, ctx.Err()), ctx.Err()
		}
	}

	rate := m.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	audio := mockPCM(req.Text, m.SamplesPerChar)
	return &TTSResult{
		Success:       true,
		Audio:         audio,
		Format:        "pcm",
		SampleRate:    rate,
		DurationMS:    len(audio) / 2 * 1000 / rate,
		CharCount:     len(req.Text),
		CostUSD:       float64(len(req.Text)) * m.CostPerChar,
		ExecutionTime: time.Since(start),
		RequestID:     fmt.Sprintf("mock-%d", count),
	}, nil
}

// ListVoices returns a single placeholder voice.
func (m *MockTTS) ListVoices(_ context.Context) ([]Voice, error) {
	return []Voice{{VoiceID: "mock", Name: "Mock Voice", Language: "en-US"}}, nil
}

// RequestCount returns the number of Generate calls.
func (m *MockTTS) RequestCount() int64 {
	return m.requestCount.Load()
}

// CallsFor returns how many times text was submitted.
func (m *MockTTS) CallsFor(text string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perText[text]
}

// Reset clears the counters.
func (m *MockTTS) Reset() {
	m.requestCount.Store(0)
	m.mu.Lock()
	m.perText = nil
	m.mu.Unlock()
}

func mockPCM(text string, samplesPerChar int) []byte {
	if samplesPerChar <= 0 {
		samplesPerChar = 1
	}
	buf := make([]byte, 0, len(text)*samplesPerChar*2)
	for i := 0; i < len(text); i++ {
		v := int16(text[i]) * 64
		for j := 0; j < samplesPerChar; j++ {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(v))
		}
	}
	return buf
}

var (
	_ TTSProvider  = (*MockTTS)(nil)
	_ VoicesLister = (*MockTTS)(nil)
)
