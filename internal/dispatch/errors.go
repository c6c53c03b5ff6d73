package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/jackzampolin/narrator/internal/providers"
)

// TransientSynthesisError is a failure worth retrying: timeouts, rate
// limiting, 5xx and connection trouble.
type TransientSynthesisError struct {
	Err        error
	RetryAfter time.Duration // provider hint, zero when absent
}

func (e *TransientSynthesisError) Error() string {
	return fmt.Sprintf("transient synthesis error: %v", e.Err)
}

func (e *TransientSynthesisError) Unwrap() error { return e.Err }

// PermanentSynthesisError will not succeed without changing the input:
// auth failures, invalid input, other 4xx.
type PermanentSynthesisError struct {
	Err error
}

func (e *PermanentSynthesisError) Error() string {
	return fmt.Sprintf("permanent synthesis error: %v", e.Err)
}

func (e *PermanentSynthesisError) Unwrap() error { return e.Err }

// Classify wraps err as transient or permanent. Unknown errors are
// transient and count against the retry budget.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var te *TransientSynthesisError
	var pe *PermanentSynthesisError
	if errors.As(err, &te) || errors.As(err, &pe) {
		return err
	}

	if rle, ok := providers.IsRateLimitError(err); ok {
		return &TransientSynthesisError{Err: err, RetryAfter: rle.RetryAfter}
	}

	var apiErr *providers.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode >= 500:
			return &TransientSynthesisError{Err: err}
		case apiErr.StatusCode >= 400:
			return &PermanentSynthesisError{Err: err}
		}
	}

	if errors.Is(err, providers.ErrEmptyAudio) || errors.Is(err, providers.ErrInvalidRequest) {
		return &PermanentSynthesisError{Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return &TransientSynthesisError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientSynthesisError{Err: err}
	}

	return &TransientSynthesisError{Err: err}
}

// IsPermanent reports whether err classifies as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentSynthesisError
	return errors.As(Classify(err), &pe)
}
