package invoice

import (
	"errors"
	"fmt"
	"time"

	"github.com/zombor/danfe-handoff/internal/scanning"
)

// CodeValidity is how long an access code can be redeemed after it was issued
const CodeValidity = 24 * time.Hour

var (
	// ErrCodeNotFound is returned when no record was ever stored under a code
	ErrCodeNotFound = errors.New("access code not found")

	// ErrCodeExpired is returned when the record exists but its validity window has passed
	ErrCodeExpired = errors.New("access code expired")

	// ErrDuplicateCode is returned when a live record already uses the code
	ErrDuplicateCode = errors.New("access code already in use")

	// ErrInvalidCode is returned for input that cannot be an access code
	ErrInvalidCode = errors.New("invalid access code")
)

// AccessCodeRecord is an extraction result parked under a short-lived code.
// Records are written once and never updated.
type AccessCodeRecord struct {
	Code      string               `json:"code"`
	Payload   scanning.InvoiceData `json:"payload"`
	RawImage  []byte               `json:"raw_image,omitempty"` // kept for audit, not needed to redeem
	CreatedAt time.Time            `json:"created_at"`
	ExpiresAt time.Time            `json:"expires_at"`
}

// Expired reports whether the record can no longer be redeemed at now
func (r *AccessCodeRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// StorageError wraps a persistence failure
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
