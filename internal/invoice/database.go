package invoice

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const accessCodeBucketName = "access_codes"

// DB defines the interface for record persistence backends
type DB interface {
	// InsertAccessCode stores a record unless a live record already holds its
	// code, in which case it returns ErrDuplicateCode. An expired record may
	// be replaced. rec.CreatedAt is the reference time for that decision.
	InsertAccessCode(ctx context.Context, rec *AccessCodeRecord) error

	// GetAccessCode returns the record stored under an upper-case code, or
	// ErrCodeNotFound. Expiry is not checked here.
	GetAccessCode(ctx context.Context, code string) (*AccessCodeRecord, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(accessCodeBucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// InsertAccessCode stores a record inside a single write transaction, so the
// existence check and the put cannot interleave with another insert
func (b *BoltDB) InsertAccessCode(_ context.Context, rec *AccessCodeRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(accessCodeBucketName))

		if existing := bucket.Get([]byte(rec.Code)); existing != nil {
			var current AccessCodeRecord
			if err := json.Unmarshal(existing, &current); err != nil {
				return fmt.Errorf("unmarshaling record %s: %w", rec.Code, err)
			}
			if !current.Expired(rec.CreatedAt) {
				return ErrDuplicateCode
			}
			// retire the expired record; the code starts a new one
			if err := bucket.Delete([]byte(rec.Code)); err != nil {
				return fmt.Errorf("deleting expired record %s: %w", rec.Code, err)
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		return bucket.Put([]byte(rec.Code), data)
	})
}

// GetAccessCode retrieves a record by code
func (b *BoltDB) GetAccessCode(_ context.Context, code string) (*AccessCodeRecord, error) {
	var rec *AccessCodeRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(accessCodeBucketName))
		data := bucket.Get([]byte(code))
		if data == nil {
			return ErrCodeNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
