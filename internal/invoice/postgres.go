package invoice

import (
	"context"
	"embed"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zombor/danfe-handoff/internal/scanning"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const pgUniqueViolation = "23505"

// PostgresDB implements the DB interface on the extraction_records table
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB connects to dsn, applies migrations and returns the backend.
// dsn must be a postgres:// URL so golang-migrate can reuse it.
func NewPostgresDB(ctx context.Context, dsn string) (*PostgresDB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "danfe-handoff"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if err := migratePostgres(dsn); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresDB{pool: pool}, nil
}

// migratePostgres applies the embedded migrations through the pgx5 driver
func migratePostgres(dsn string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	migrateURL, err := pgx5URL(dsn)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL)
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	slog.Info("Postgres migrations applied", "version", version, "dirty", dirty)
	return nil
}

func pgx5URL(dsn string) (string, error) {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if rest, ok := strings.CutPrefix(dsn, scheme); ok {
			return "pgx5://" + rest, nil
		}
	}
	return "", fmt.Errorf("postgres dsn must be a postgres:// URL")
}

// InsertAccessCode inserts the record. A row holding the same code is deleted
// first if it has expired by rec.CreatedAt, so a reused code always starts a
// new record; a live row makes the insert fail with ErrDuplicateCode.
func (p *PostgresDB) InsertAccessCode(ctx context.Context, rec *AccessCodeRecord) error {
	const (
		deleteExpired = `
			DELETE FROM extraction_records
			WHERE access_code = $1 AND expires_at <= $2`
		insert = `
			INSERT INTO extraction_records
				(access_code, chave, empresa, numero, data_emissao, valor_total, image_data, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	)

	return p.runInTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteExpired, rec.Code, rec.CreatedAt); err != nil {
			return fmt.Errorf("deleting expired record: %w", err)
		}

		_, err := tx.Exec(ctx, insert,
			rec.Code,
			rec.Payload.AccessKey,
			rec.Payload.IssuerName,
			rec.Payload.InvoiceNumber,
			rec.Payload.IssueDate,
			rec.Payload.TotalValue,
			base64.StdEncoding.EncodeToString(rec.RawImage),
			rec.CreatedAt,
			rec.ExpiresAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateCode
			}
			return fmt.Errorf("inserting record: %w", err)
		}
		return nil
	})
}

// runInTx runs fn in a transaction, committing only when fn succeeds
func (p *PostgresDB) runInTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCode
		}
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetAccessCode retrieves a record by exact access_code match
func (p *PostgresDB) GetAccessCode(ctx context.Context, code string) (*AccessCodeRecord, error) {
	const query = `
		SELECT access_code, chave, empresa, numero, data_emissao, valor_total, image_data, created_at, expires_at
		FROM extraction_records
		WHERE access_code = $1`

	var (
		rec       AccessCodeRecord
		payload   scanning.InvoiceData
		imageData string
	)
	err := p.pool.QueryRow(ctx, query, code).Scan(
		&rec.Code,
		&payload.AccessKey,
		&payload.IssuerName,
		&payload.InvoiceNumber,
		&payload.IssueDate,
		&payload.TotalValue,
		&imageData,
		&rec.CreatedAt,
		&rec.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying record: %w", err)
	}

	rec.Payload = payload
	if imageData != "" {
		raw, err := base64.StdEncoding.DecodeString(imageData)
		if err != nil {
			return nil, fmt.Errorf("decoding image_data: %w", err)
		}
		rec.RawImage = raw
	}
	return &rec, nil
}

// Ping checks the connection for the health endpoint
func (p *PostgresDB) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes the connection pool
func (p *PostgresDB) Close() error {
	p.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
