package ssn

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-capture/internal/dedup"
	"github.com/xkilldash9x/scalpel-capture/internal/kb"
)

func htmlTx(t *testing.T, id uint64, rawURL, body string) schemas.Transaction {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return schemas.NewTransaction(
		schemas.Request{Method: http.MethodGet, URL: u},
		schemas.Response{
			ID: id, StatusCode: http.StatusOK, URL: u, Body: []byte(body),
			Header: http.Header{"Content-Type": {"text/html"}},
		},
	)
}

func TestValid(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name                string
		area, group, serial int
		expected            bool
	}{
		{"ordinary number", 123, 45, 6789, true},
		{"highest area", 772, 10, 1, true},
		{"area above range", 773, 10, 1, false},
		{"zero area", 0, 10, 1, false},
		{"devil area", 666, 10, 1, false},
		{"zero group", 123, 0, 1, false},
		{"zero serial", 123, 45, 0, false},
		{"woolworth", 78, 5, 1120, false},
		{"advertising range", 987, 65, 4325, false},
	}
	for _, tc := range testCases {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, Valid(tt.area, tt.group, tt.serial))
		})
	}
}

func TestFind(t *testing.T) {
	t.Parallel()

	found, norm, ok := Find([]byte("Your SSN is 123-45-6789, keep it safe."))
	require.True(t, ok)
	assert.Equal(t, "123-45-6789", found)
	assert.Equal(t, "123-45-6789", norm)

	_, norm, ok = Find([]byte("ssn 078 05 1120 and then 219 09 9999"))
	require.True(t, ok, "first invalid candidate is skipped")
	assert.Equal(t, "219-09-9999", norm)

	_, _, ok = Find([]byte("order 1234-45-67890 phone 555-1234"))
	assert.False(t, ok, "embedded digit runs are ignored")

	_, _, ok = Find([]byte("000-12-3456"))
	assert.False(t, ok)
}

func TestAnalyzer_Grep(t *testing.T) {
	t.Parallel()

	a, err := New(zaptest.NewLogger(t), dedup.DefaultConfig())
	require.NoError(t, err)
	scan := &core.ScanContext{KB: kb.New()}
	ctx := context.Background()

	t.Run("reports a disclosed number once per uri", func(t *testing.T) {
		tx := htmlTx(t, 1, "http://target.example/profile?id=1", "<html><body><p>SSN: 123-45-6789</p></body></html>")
		require.NoError(t, a.Grep(ctx, scan, tx))
		require.NoError(t, a.Grep(ctx, scan, tx))

		got := scan.KB.Get(Name, Category)
		require.Len(t, got, 1)
		assert.True(t, got[0].IsVuln())
		assert.Equal(t, schemas.SeverityLow, got[0].Severity)
		assert.Equal(t, uint64(1), got[0].TransactionID)
		assert.Equal(t, []string{"123-45-6789"}, got[0].Highlight)
	})

	t.Run("ignores numbers inside scripts", func(t *testing.T) {
		tx := htmlTx(t, 2, "http://target.example/app.html", "<html><script>var x='123-45-6789';</script></html>")
		require.NoError(t, a.Grep(ctx, scan, tx))
		assert.Len(t, scan.KB.Get(Name, Category), 1)
	})

	t.Run("skips non 200 responses", func(t *testing.T) {
		tx := htmlTx(t, 3, "http://target.example/err", "123-45-6789")
		tx.Response.StatusCode = http.StatusInternalServerError
		require.NoError(t, a.Grep(ctx, scan, tx))
		assert.Len(t, scan.KB.Get(Name, Category), 1)
	})

	require.NoError(t, a.End(ctx, scan))
}
