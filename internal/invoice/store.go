package invoice

import (
	"context"
	"errors"
	"time"

	"github.com/zombor/danfe-handoff/internal/scanning"
)

// Store is the extraction record store. It owns the expiry rules; backends
// only insert-if-absent and fetch by code.
type Store struct {
	db         DB
	timeSource TimeSource
}

// NewStore creates a Store over a backend using the wall clock
func NewStore(db DB) *Store {
	return NewStoreWithClock(db, &defaultTimeSource{})
}

// NewStoreWithClock creates a Store with a custom time source for testing
func NewStoreWithClock(db DB, timeSource TimeSource) *Store {
	return &Store{db: db, timeSource: timeSource}
}

// Insert persists payload under code with expiresAt = createdAt + CodeValidity.
// A live record with the same code yields ErrDuplicateCode; any other
// backend failure is a *StorageError.
func (s *Store) Insert(ctx context.Context, code string, payload scanning.InvoiceData, rawImage []byte, createdAt time.Time) (*AccessCodeRecord, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return nil, ErrInvalidCode
	}

	record := &AccessCodeRecord{
		Code:      code,
		Payload:   payload,
		RawImage:  rawImage,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(CodeValidity),
	}

	if err := s.db.InsertAccessCode(ctx, record); err != nil {
		if errors.Is(err, ErrDuplicateCode) {
			return nil, ErrDuplicateCode
		}
		return nil, &StorageError{Op: "insert", Err: err}
	}
	return record, nil
}

// Lookup returns the record stored under code. Expired records are never
// returned, even while the backend still holds them.
func (s *Store) Lookup(ctx context.Context, code string) (*AccessCodeRecord, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		// nothing that fails validation could have been issued
		return nil, ErrCodeNotFound
	}

	record, err := s.db.GetAccessCode(ctx, code)
	if errors.Is(err, ErrCodeNotFound) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "lookup", Err: err}
	}

	if record.Expired(s.timeSource.Now()) {
		return nil, ErrCodeExpired
	}
	return record, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks backend connectivity. Embedded backends always succeed.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.db.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close closes the backend
func (s *Store) Close() error {
	return s.db.Close()
}
