package invoice

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/danfe-handoff/internal/scanning"
)

// backendContract exercises the DB contract shared by every backend
func backendContract(newDB func() DB) {
	var (
		db      DB
		ctx     context.Context
		created time.Time
		rec     *AccessCodeRecord
	)

	BeforeEach(func() {
		ctx = context.Background()
		db = newDB()
		// networked backends drop keys past expiry, so records must be recent
		created = time.Now().UTC().Truncate(time.Millisecond)
		rec = &AccessCodeRecord{
			Code: "AB12C3",
			Payload: scanning.InvoiceData{
				AccessKey:     validKey,
				IssuerName:    "Farmácia São João",
				InvoiceNumber: "987",
				IssueDate:     "14/01/2025",
				TotalValue:    "R$ 89,90",
			},
			RawImage:  []byte{0x89, 'P', 'N', 'G'},
			CreatedAt: created,
			ExpiresAt: created.Add(CodeValidity),
		}
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	It("should round-trip a record", func() {
		Expect(db.InsertAccessCode(ctx, rec)).To(Succeed())

		got, err := db.GetAccessCode(ctx, "AB12C3")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Code).To(Equal(rec.Code))
		Expect(got.Payload).To(Equal(rec.Payload))
		Expect(got.RawImage).To(Equal(rec.RawImage))
		Expect(got.CreatedAt.Equal(rec.CreatedAt)).To(BeTrue())
		Expect(got.ExpiresAt.Equal(rec.ExpiresAt)).To(BeTrue())
	})

	It("should return not found for an unknown code", func() {
		_, err := db.GetAccessCode(ctx, "ZZZZZZ")
		Expect(err).To(MatchError(ErrCodeNotFound))
	})

	It("should refuse a live duplicate and keep the first record", func() {
		Expect(db.InsertAccessCode(ctx, rec)).To(Succeed())

		dup := *rec
		dup.Payload.IssuerName = "Outra"
		dup.CreatedAt = created.Add(time.Hour)
		dup.ExpiresAt = dup.CreatedAt.Add(CodeValidity)
		Expect(db.InsertAccessCode(ctx, &dup)).To(MatchError(ErrDuplicateCode))

		got, err := db.GetAccessCode(ctx, "AB12C3")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Payload.IssuerName).To(Equal("Farmácia São João"))
	})

	It("should replace an expired record", func() {
		Expect(db.InsertAccessCode(ctx, rec)).To(Succeed())

		next := *rec
		next.Payload.IssuerName = "Nova"
		next.CreatedAt = created.Add(CodeValidity + time.Minute)
		next.ExpiresAt = next.CreatedAt.Add(CodeValidity)
		Expect(db.InsertAccessCode(ctx, &next)).To(Succeed())

		got, err := db.GetAccessCode(ctx, "AB12C3")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Payload.IssuerName).To(Equal("Nova"))
		Expect(got.CreatedAt.Equal(next.CreatedAt)).To(BeTrue())
		Expect(got.ExpiresAt.Equal(next.ExpiresAt)).To(BeTrue())
	})

	It("should let exactly one concurrent insert of a code win", func() {
		const workers = 20
		store := NewStore(db)

		var (
			wg         sync.WaitGroup
			wins       atomic.Int32
			duplicates atomic.Int32
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()

				payload := rec.Payload
				payload.InvoiceNumber = fmt.Sprintf("%d", i)

				switch _, err := store.Insert(ctx, "SAME01", payload, rec.RawImage, created); {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrDuplicateCode):
					duplicates.Add(1)
				default:
					Fail(fmt.Sprintf("unexpected insert error: %v", err))
				}

				own, err := store.Insert(ctx, fmt.Sprintf("c%05d", i), payload, rec.RawImage, created)
				Expect(err).NotTo(HaveOccurred())

				got, err := store.Lookup(ctx, own.Code)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.Code).To(Equal(fmt.Sprintf("C%05d", i)))
				Expect(got.Payload).To(Equal(payload))
			}(i)
		}
		wg.Wait()

		Expect(wins.Load()).To(Equal(int32(1)))
		Expect(duplicates.Load()).To(Equal(int32(workers - 1)))

		winner, err := db.GetAccessCode(ctx, "SAME01")
		Expect(err).NotTo(HaveOccurred())
		Expect(winner.Payload.InvoiceNumber).NotTo(BeEmpty())
	})

	It("should keep an expired record readable so lookups can tell it apart", func() {
		expired := *rec
		expired.CreatedAt = time.Now().Add(-48 * time.Hour).Truncate(time.Microsecond)
		expired.ExpiresAt = expired.CreatedAt.Add(CodeValidity)
		Expect(db.InsertAccessCode(ctx, &expired)).To(Succeed())

		store := NewStore(db)
		_, err := store.Lookup(ctx, "ab12c3")
		Expect(err).To(MatchError(ErrCodeExpired))
	})
}

var _ = Describe("BoltDB", func() {
	backendContract(func() DB {
		db, err := NewBoltDB(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
		return db
	})

	It("should persist across reopen", func() {
		path := filepath.Join(GinkgoT().TempDir(), "reopen.db")
		db, err := NewBoltDB(path)
		Expect(err).NotTo(HaveOccurred())

		created := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
		Expect(db.InsertAccessCode(context.Background(), &AccessCodeRecord{
			Code:      "QW12ER",
			CreatedAt: created,
			ExpiresAt: created.Add(CodeValidity),
		})).To(Succeed())
		Expect(db.Close()).To(Succeed())

		db, err = NewBoltDB(path)
		Expect(err).NotTo(HaveOccurred())
		defer db.Close()
		got, err := db.GetAccessCode(context.Background(), "QW12ER")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.ExpiresAt.Equal(created.Add(CodeValidity))).To(BeTrue())
	})

	It("should fail to open a path in a missing directory", func() {
		_, err := NewBoltDB(filepath.Join(GinkgoT().TempDir(), "missing", "test.db"))
		Expect(err).To(HaveOccurred())
	})
})
