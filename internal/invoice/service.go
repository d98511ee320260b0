package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/danfe-handoff/internal/meudanfe"
	"github.com/zombor/danfe-handoff/internal/scanning"
)

// maxCodeAttempts bounds how many fresh codes are tried when the store
// reports a collision with a live code
const maxCodeAttempts = 3

// ErrDocumentFetch marks failures of the PDF download path
var ErrDocumentFetch = errors.New("document fetch failed")

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// DocumentFetcher retrieves the official PDF for an access key
type DocumentFetcher interface {
	FetchDANFE(ctx context.Context, accessKey string) (*meudanfe.Document, error)
}

// Service coordinates extraction, code handoff and PDF download
type Service struct {
	store      *Store
	scanner    scanning.Scanner
	fetcher    DocumentFetcher
	codes      CodeGenerator
	timeSource TimeSource
}

// NewService creates a new Service with the random code generator and wall clock.
// fetcher may be nil when no document service is configured.
func NewService(store *Store, scanner scanning.Scanner, fetcher DocumentFetcher) *Service {
	return &Service{
		store:      store,
		scanner:    scanner,
		fetcher:    fetcher,
		codes:      &randomCodeGenerator{},
		timeSource: &defaultTimeSource{},
	}
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(store *Store, scanner scanning.Scanner, fetcher DocumentFetcher, codes CodeGenerator, timeSrc TimeSource) *Service {
	return &Service{
		store:      store,
		scanner:    scanner,
		fetcher:    fetcher,
		codes:      codes,
		timeSource: timeSrc,
	}
}

// Extract submits the session's pending image. On success a mobile session
// ends in CodeIssued with its record persisted, any other in
// ExtractedDirect. Failures end in Failed and are also returned.
// ErrInvalidTransition is returned without touching the session.
func (s *Service) Extract(ctx context.Context, sess *Session) error {
	img, device, err := sess.beginExtraction()
	if err != nil {
		return err
	}

	data, err := s.scanner.ExtractInvoice(ctx, img.data, img.contentType)
	if err != nil {
		reason := extractionFailureReason(err)
		slog.Error("Failed to extract invoice",
			"content_type", img.contentType,
			"file_size", len(img.data),
			"reason", reason,
			"error", err,
		)
		extractionsTotal.WithLabelValues(string(reason)).Inc()
		err = fmt.Errorf("extracting invoice: %w", err)
		sess.fail(reason, err)
		return err
	}

	if !data.AccessKeyValid() {
		slog.Warn("Extracted access key is malformed", "access_key", data.AccessKey)
	}

	if !device.IssuesCodes() {
		extractionsTotal.WithLabelValues("direct").Inc()
		sess.extractedDirect(data)
		return nil
	}

	record, err := s.issueCode(ctx, data, img.data)
	if err != nil {
		slog.Error("Failed to persist extraction", "error", err)
		extractionsTotal.WithLabelValues(string(ReasonStorage)).Inc()
		sess.fail(ReasonStorage, err)
		return err
	}

	extractionsTotal.WithLabelValues("code_issued").Inc()
	slog.Info("Access code issued", "code", record.Code, "expires_at", record.ExpiresAt)
	sess.codeIssued(record)
	return nil
}

// issueCode persists data under a fresh code, drawing a new one when the
// store reports a live collision
func (s *Service) issueCode(ctx context.Context, data *scanning.InvoiceData, rawImage []byte) (*AccessCodeRecord, error) {
	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := s.codes.Generate()
		if err != nil {
			return nil, &StorageError{Op: "generate code", Err: err}
		}

		record, err := s.store.Insert(ctx, code, *data, rawImage, s.timeSource.Now())
		if errors.Is(err, ErrDuplicateCode) {
			codeCollisionsTotal.Inc()
			slog.Warn("Access code collision, retrying", "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}
		return record, nil
	}
	return nil, &StorageError{
		Op:  "insert",
		Err: fmt.Errorf("%w after %d attempts", ErrDuplicateCode, maxCodeAttempts),
	}
}

// Redeem exchanges a user-entered code for the record stored under it. The
// session must be AwaitingCode; it ends in Redeemed or Failed.
func (s *Service) Redeem(ctx context.Context, sess *Session, code string) error {
	if err := sess.beginRedeem(); err != nil {
		return err
	}

	record, err := s.store.Lookup(ctx, code)
	if err != nil {
		var reason FailureReason
		switch {
		case errors.Is(err, ErrCodeNotFound):
			reason = ReasonCodeNotFound
		case errors.Is(err, ErrCodeExpired):
			reason = ReasonCodeExpired
		default:
			reason = ReasonStorage
			slog.Error("Failed to look up access code", "error", err)
		}
		redemptionsTotal.WithLabelValues(string(reason)).Inc()
		sess.fail(reason, err)
		return err
	}

	redemptionsTotal.WithLabelValues("redeemed").Inc()
	sess.redeemed(record)
	return nil
}

// DownloadPDF fetches the official PDF for an access key
func (s *Service) DownloadPDF(ctx context.Context, accessKey string) (*meudanfe.Document, error) {
	key := scanning.NormalizeAccessKey(accessKey)
	if !scanning.ValidAccessKey(key) {
		pdfFetchesTotal.WithLabelValues("invalid_key").Inc()
		return nil, scanning.ErrInvalidAccessKey
	}
	if s.fetcher == nil {
		pdfFetchesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: no document service configured", ErrDocumentFetch)
	}

	doc, err := s.fetcher.FetchDANFE(ctx, key)
	if err != nil {
		pdfFetchesTotal.WithLabelValues("error").Inc()
		slog.Error("Failed to fetch DANFE PDF", "access_key", key, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrDocumentFetch, err)
	}

	pdfFetchesTotal.WithLabelValues("ok").Inc()
	doc.Filename = sanitizeFilename(doc.Filename, key)
	return doc, nil
}

// Ready reports whether the record store can serve requests
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func extractionFailureReason(err error) FailureReason {
	switch {
	case errors.Is(err, scanning.ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, scanning.ErrQuotaExceeded):
		return ReasonQuotaExceeded
	}
	return ReasonExtraction
}
