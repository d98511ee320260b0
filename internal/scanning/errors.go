package scanning

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRateLimited is returned when the upstream model rejects the call with HTTP 429
	ErrRateLimited = errors.New("extraction rate limited")

	// ErrQuotaExceeded is returned when the upstream account has run out of credits (HTTP 402)
	ErrQuotaExceeded = errors.New("extraction quota exceeded")

	// ErrParse is returned when the model answered but the answer is not the expected JSON object
	ErrParse = errors.New("unparseable extraction response")

	// ErrNoContent is returned when the model answered with an empty body
	ErrNoContent = errors.New("no content in extraction response")
)

// UpstreamError is a non-2xx response from an extraction provider
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Unwrap maps the distinguished statuses onto their sentinel errors so
// callers can use errors.Is without knowing the provider
func (e *UpstreamError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusPaymentRequired:
		return ErrQuotaExceeded
	}
	return nil
}
