package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS scans (
    id          TEXT PRIMARY KEY,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS findings (
    id             UUID PRIMARY KEY,
    scan_id        TEXT NOT NULL REFERENCES scans(id),
    kind           TEXT NOT NULL,
    plugin         TEXT NOT NULL,
    name           TEXT NOT NULL,
    severity       TEXT NOT NULL,
    description    TEXT NOT NULL,
    url            TEXT NOT NULL,
    uri            TEXT NOT NULL,
    method         TEXT NOT NULL,
    param          TEXT NOT NULL,
    transaction_id BIGINT NOT NULL,
    highlight      TEXT[] NOT NULL,
    observed_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS findings_scan_id_idx ON findings (scan_id);
`

const sqlInsertScan = `INSERT INTO scans (id) VALUES ($1) ON CONFLICT (id) DO NOTHING;`

var findingColumns = []string{
	"id", "scan_id", "kind", "plugin", "name", "severity", "description",
	"url", "uri", "method", "param", "transaction_id", "highlight", "observed_at",
}

// Store persists knowledge base findings to PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the tables when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// PersistFindings writes the findings of one scan in a single transaction.
func (s *Store) PersistFindings(ctx context.Context, scanID string, findings []schemas.Finding) error {
	if scanID == "" {
		return errors.New("scan id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after Commit reports ErrTxClosed, which is expected.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlInsertScan, scanID); err != nil {
		return fmt.Errorf("failed to record scan: %w", err)
	}
	if len(findings) > 0 {
		if err := s.copyFindings(ctx, tx, scanID, findings); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Findings persisted", zap.String("scan_id", scanID), zap.Int("count", len(findings)))
	return nil
}

func (s *Store) copyFindings(ctx context.Context, tx pgx.Tx, scanID string, findings []schemas.Finding) error {
	rows := make([][]interface{}, len(findings))
	for i, f := range findings {
		highlight := f.Highlight
		if highlight == nil {
			highlight = []string{}
		}
		rows[i] = []interface{}{
			f.ID, scanID, string(f.Kind), f.Plugin, f.Name,
			string(f.Severity), f.Description,
			f.URL, f.URI, f.Method, f.Param,
			int64(f.TransactionID), highlight,
			f.ObservedAt.UTC(),
		}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"findings"}, findingColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy findings: %w", err)
	}
	if int(copyCount) != len(findings) {
		return fmt.Errorf("mismatch in copied findings count: expected %d, got %d", len(findings), copyCount)
	}
	return nil
}

// GetFindingsByScanID returns the findings of a scan in observation order.
func (s *Store) GetFindingsByScanID(ctx context.Context, scanID string) ([]schemas.Finding, error) {
	query := `
        SELECT id, kind, plugin, name, severity, description, url, uri, method, param, transaction_id, highlight, observed_at
        FROM findings
        WHERE scan_id = $1
        ORDER BY observed_at ASC;
    `
	rows, err := s.pool.Query(ctx, query, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var findings []schemas.Finding
	for rows.Next() {
		var f schemas.Finding
		var kind, severity string
		var txID int64

		if err := rows.Scan(
			&f.ID, &kind, &f.Plugin, &f.Name, &severity, &f.Description,
			&f.URL, &f.URI, &f.Method, &f.Param, &txID, &f.Highlight, &f.ObservedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan finding row: %w", err)
		}
		f.Kind = schemas.FindingKind(kind)
		f.Severity = schemas.Severity(severity)
		f.TransactionID = uint64(txID)
		if len(f.Highlight) == 0 {
			f.Highlight = nil
		}
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return findings, nil
}
