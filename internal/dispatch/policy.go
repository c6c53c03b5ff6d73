package dispatch

import (
	"time"

	"github.com/jackzampolin/narrator/internal/providers"
)

// Policy is the retry policy applied to every chunk. MaxRetries is the
// number of retries after the first attempt, so a chunk gets at most
// MaxRetries+1 provider calls across all runs. Zero disables retries.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy returns 3 retries starting at 2s, capped at 60s.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second}
}

// ProviderPolicy returns the default policy with the retry count and base
// delay the provider advertises.
func ProviderPolicy(p providers.TTSProvider) Policy {
	policy := DefaultPolicy()
	if n := p.MaxRetries(); n >= 0 {
		policy.MaxRetries = n
	}
	if d := p.RetryDelayBase(); d > 0 {
		policy.BaseDelay = d
		if policy.MaxDelay < d {
			policy.MaxDelay = d
		}
	}
	return policy
}

// attempts is the number of calls left for a chunk that already failed
// retryCount times.
func (p Policy) attempts(retryCount int) int {
	n := p.MaxRetries + 1 - retryCount
	if n < 1 {
		n = 1
	}
	return n
}

// Backoff returns the wait before retry number retry+1:
// min(BaseDelay * 2^retry, MaxDelay). A longer retryAfter wins.
func (p Policy) Backoff(retry int, retryAfter time.Duration) time.Duration {
	d := p.BaseDelay
	for i := 0; i < retry && i < 32; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if retryAfter > d {
		return retryAfter
	}
	return d
}
