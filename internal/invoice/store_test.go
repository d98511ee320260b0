package invoice

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/danfe-handoff/internal/scanning"
)

var _ = Describe("Store", func() {
	var (
		db      *mockDB
		clock   *mockTimeSource
		store   *Store
		ctx     context.Context
		created time.Time
		payload scanning.InvoiceData
	)

	BeforeEach(func() {
		ctx = context.Background()
		created = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		db = newMockDB()
		clock = &mockTimeSource{now: created}
		store = NewStoreWithClock(db, clock)
		payload = scanning.InvoiceData{
			AccessKey:     validKey,
			IssuerName:    "Padaria Central",
			InvoiceNumber: "42",
			IssueDate:     "01/03/2025",
			TotalValue:    "R$ 12,50",
		}
	})

	Describe("Insert", func() {
		It("should set expiry 24 hours after creation", func() {
			rec, err := store.Insert(ctx, "AB12C3", payload, nil, created)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.ExpiresAt).To(Equal(created.Add(24 * time.Hour)))
			Expect(rec.ExpiresAt.Sub(rec.CreatedAt)).To(Equal(CodeValidity))
		})

		It("should store the code upper-cased", func() {
			rec, err := store.Insert(ctx, "ab12c3", payload, nil, created)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Code).To(Equal("AB12C3"))
			Expect(db.records).To(HaveKey("AB12C3"))
		})

		It("should reject codes outside the alphabet", func() {
			_, err := store.Insert(ctx, "AB-12C", payload, nil, created)
			Expect(err).To(MatchError(ErrInvalidCode))
			Expect(db.inserts).To(Equal(0))
		})

		It("should report a live collision as a duplicate", func() {
			_, err := store.Insert(ctx, "AB12C3", payload, nil, created)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Insert(ctx, "AB12C3", payload, nil, created.Add(time.Hour))
			Expect(err).To(MatchError(ErrDuplicateCode))
		})

		It("should allow reusing the code of an expired record", func() {
			_, err := store.Insert(ctx, "AB12C3", payload, nil, created)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Insert(ctx, "AB12C3", payload, nil, created.Add(CodeValidity))
			Expect(err).NotTo(HaveOccurred())
		})

		It("should wrap other backend failures", func() {
			db.insertErr = errors.New("read-only file system")
			_, err := store.Insert(ctx, "AB12C3", payload, nil, created)
			var storageErr *StorageError
			Expect(errors.As(err, &storageErr)).To(BeTrue())
			Expect(storageErr.Op).To(Equal("insert"))
		})
	})

	Describe("Lookup", func() {
		BeforeEach(func() {
			_, err := store.Insert(ctx, "AB12C3", payload, []byte("raw"), created)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should return an equal record within the window", func() {
			clock.now = created.Add(23 * time.Hour)
			rec, err := store.Lookup(ctx, "AB12C3")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Payload).To(Equal(payload))
		})

		It("should match case-insensitively", func() {
			rec, err := store.Lookup(ctx, "ab12C3")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Code).To(Equal("AB12C3"))
		})

		It("should be expired exactly at 24 hours", func() {
			clock.now = created.Add(24 * time.Hour)
			_, err := store.Lookup(ctx, "AB12C3")
			Expect(err).To(MatchError(ErrCodeExpired))
		})

		It("should be expired after 25 hours", func() {
			clock.now = created.Add(25 * time.Hour)
			_, err := store.Lookup(ctx, "AB12C3")
			Expect(err).To(MatchError(ErrCodeExpired))
		})

		It("should be live one nanosecond before expiry", func() {
			clock.now = created.Add(24*time.Hour - time.Nanosecond)
			_, err := store.Lookup(ctx, "AB12C3")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should report unknown codes as not found", func() {
			_, err := store.Lookup(ctx, "ZZZZZZ")
			Expect(err).To(MatchError(ErrCodeNotFound))
		})

		It("should report malformed input as not found without reading", func() {
			db.getErr = errors.New("should not be called")
			_, err := store.Lookup(ctx, "AB12")
			Expect(err).To(MatchError(ErrCodeNotFound))
		})

		It("should wrap backend failures", func() {
			db.getErr = errors.New("timeout")
			_, err := store.Lookup(ctx, "AB12C3")
			var storageErr *StorageError
			Expect(errors.As(err, &storageErr)).To(BeTrue())
			Expect(storageErr.Op).To(Equal("lookup"))
		})
	})
})
