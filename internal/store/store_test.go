package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

func sampleFindings() []schemas.Finding {
	return []schemas.Finding{
		schemas.NewVuln(schemas.FindingInput{
			Plugin: "ssn", Name: "US Social Security Number disclosure", Severity: schemas.SeverityLow,
			Location: "http://target.example/profile?id=3", TransactionID: 7, Highlight: []string{"123-45-6789"},
		}),
		schemas.NewInfo(schemas.FindingInput{Plugin: "spider_man", Name: "Cookie", Location: "http://target.example/"}),
	}
}

func TestNewStore(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	pingErr := errors.New("database unavailable")
	mockPool.ExpectPing().WillReturnError(pingErr)

	_, err = New(context.Background(), mockPool, zap.NewNop())
	assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	s, mockPool := newStore(t, zap.NewNop())
	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS scans").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPersistFindings(t *testing.T) {
	ctx := context.Background()

	t.Run("copies every finding inside one transaction", func(t *testing.T) {
		observedCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newStore(t, zap.New(observedCore))
		findings := sampleFindings()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertScan)).WithArgs("scan-1").WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"findings"}, findingColumns).WillReturnResult(2)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.PersistFindings(ctx, "scan-1", findings))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Zero(t, observedLogs.Len(), "a closed transaction is not a rollback failure")
	})

	t.Run("no findings still records the scan", func(t *testing.T) {
		s, mockPool := newStore(t, zap.NewNop())
		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertScan)).WithArgs("scan-2").WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.PersistFindings(ctx, "scan-2", nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("count mismatch rolls back", func(t *testing.T) {
		s, mockPool := newStore(t, zap.NewNop())
		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertScan)).WithArgs("scan-3").WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"findings"}, findingColumns).WillReturnResult(1)
		mockPool.ExpectRollback()

		err := s.PersistFindings(ctx, "scan-3", sampleFindings())
		assert.ErrorContains(t, err, "mismatch in copied findings count")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("begin failure", func(t *testing.T) {
		s, mockPool := newStore(t, zap.NewNop())
		mockPool.ExpectBegin().WillReturnError(errors.New("too many connections"))

		err := s.PersistFindings(ctx, "scan-4", sampleFindings())
		assert.ErrorContains(t, err, "failed to begin transaction")
	})

	t.Run("scan id is required", func(t *testing.T) {
		s, _ := newStore(t, zap.NewNop())
		assert.Error(t, s.PersistFindings(ctx, "", nil))
	})
}

func TestGetFindingsByScanID(t *testing.T) {
	s, mockPool := newStore(t, zap.NewNop())
	observed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"id", "kind", "plugin", "name", "severity", "description", "url", "uri", "method", "param", "transaction_id", "highlight", "observed_at"}).
		AddRow("f-1", "vuln", "ssn", "SSN", "low", "desc", "http://target.example/p", "http://target.example/p?id=1", "GET", "id", int64(7), []string{"123-45-6789"}, observed).
		AddRow("f-2", "info", "spider_man", "Cookie", "info", "", "http://target.example/", "http://target.example/", "", "", int64(0), []string{}, observed)
	mockPool.ExpectQuery("SELECT id, kind, plugin").WithArgs("scan-1").WillReturnRows(rows)

	got, err := s.GetFindingsByScanID(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, schemas.KindVuln, got[0].Kind)
	assert.Equal(t, schemas.SeverityLow, got[0].Severity)
	assert.Equal(t, uint64(7), got[0].TransactionID)
	assert.Equal(t, []string{"123-45-6789"}, got[0].Highlight)
	assert.True(t, got[0].IsVuln())
	assert.Nil(t, got[1].Highlight)
	assert.Equal(t, observed, got[1].ObservedAt)
	assert.NoError(t, mockPool.ExpectationsWereMet())

	mockPool.ExpectQuery("SELECT id, kind, plugin").WithArgs("scan-x").WillReturnError(errors.New("gone"))
	_, err = s.GetFindingsByScanID(context.Background(), "scan-x")
	assert.ErrorContains(t, err, "failed to query findings")
}
