// core/core_test.go
package core

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/dedup"
)

func TestBaseAnalyzer_Defaults(t *testing.T) {
	t.Parallel()
	b := NewBaseAnalyzer("ssn", "finds numbers", KindGrep, zap.NewNop())

	assert.Equal(t, "ssn", b.Name())
	assert.Equal(t, "finds numbers", b.Description())
	assert.Equal(t, KindGrep, b.Kind())
	assert.Empty(t, b.Options())
	assert.Nil(t, b.Dependencies())
	assert.NoError(t, b.End(context.Background(), &ScanContext{}))
	assert.NoError(t, b.SetOptions(nil))

	err := b.SetOptions(map[string]string{"foo": "bar"})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "foo", cfgErr.Option)
}

func TestBaseAnalyzer_NilLogger(t *testing.T) {
	t.Parallel()
	b := NewBaseAnalyzer("x", "", KindCrawl, nil)
	require.NotNil(t, b.Logger)
}

func TestParseOptions(t *testing.T) {
	t.Parallel()

	defaults := OptionList{
		{Name: "listenAddress", Value: "127.0.0.1", Description: "IP address", Type: OptionString},
		{Name: "listenPort", Value: "44444", Description: "port", Type: OptionInteger},
		{Name: "verbose", Value: "false", Type: OptionBoolean},
		{Name: "ratio", Value: "0.5", Type: OptionFloat},
		{Name: "output_file", Type: OptionString, Required: true},
	}

	t.Run("applies and types values", func(t *testing.T) {
		t.Parallel()
		got, err := ParseOptions("p", defaults, map[string]string{
			"listenPort": " 8080 ", "verbose": "true", "output_file": "out.csv",
		})
		require.NoError(t, err)
		assert.Equal(t, 8080, got.Int("listenPort"))
		assert.True(t, got.Bool("verbose"))
		assert.Equal(t, 0.5, got.Float("ratio"))
		assert.Equal(t, "127.0.0.1", got.String("listenAddress"))
		assert.Equal(t, "out.csv", got.String("output_file"))
		// Order is preserved.
		assert.Equal(t, "listenAddress", got[0].Name)
		// Defaults are untouched.
		assert.Equal(t, "44444", defaults[1].Value)
	})

	t.Run("names match case insensitively", func(t *testing.T) {
		t.Parallel()
		got, err := ParseOptions("p", defaults, map[string]string{"listenport": "1", "OUTPUT_FILE": "x"})
		require.NoError(t, err)
		assert.Equal(t, 1, got.Int("listenPort"))
	})

	testCases := []struct {
		name   string
		values map[string]string
		option string
	}{
		{"missing required value", map[string]string{}, "output_file"},
		{"empty required value", map[string]string{"output_file": "  "}, "output_file"},
		{"malformed integer", map[string]string{"output_file": "x", "listenPort": "abc"}, "listenPort"},
		{"malformed boolean", map[string]string{"output_file": "x", "verbose": "maybe"}, "verbose"},
		{"unknown option", map[string]string{"output_file": "x", "nope": "1"}, "nope"},
	}
	for _, tc := range testCases {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseOptions("csv_file", defaults, tt.values)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, "csv_file", cfgErr.Plugin)
			assert.Equal(t, tt.option, cfgErr.Option)
		})
	}
}

func TestRunOnce(t *testing.T) {
	t.Parallel()

	var r RunOnce
	assert.False(t, r.Completed())
	require.NoError(t, r.Begin())
	assert.True(t, r.Completed())
	assert.ErrorIs(t, r.Begin(), ErrRunOnce)

	t.Run("exactly one concurrent winner", func(t *testing.T) {
		t.Parallel()
		var once RunOnce
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if once.Begin() == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestErrors(t *testing.T) {
	t.Parallel()

	dep := &DependencyError{Plugin: "detect_reverse_proxy", Dependency: "detect_transparent_proxy"}
	assert.Contains(t, dep.Error(), "detect_transparent_proxy")

	cyc := &DependencyError{Plugin: "a", Cycle: []string{"a", "b", "a"}}
	assert.Contains(t, cyc.Error(), "a -> b -> a")

	wrapped := errors.Join(errors.New("setup"), &ConfigError{Plugin: "csv_file", Option: "output_file", Reason: "a value is required"})
	var cfgErr *ConfigError
	require.ErrorAs(t, wrapped, &cfgErr)
	assert.Equal(t, `plugin csv_file: option "output_file": a value is required`, cfgErr.Error())
}

func TestScanContext_Callbacks(t *testing.T) {
	t.Parallel()

	var emitted []schemas.FuzzableRequest
	var submitted []schemas.Transaction
	sc := &ScanContext{
		EmitFunc:   func(fr schemas.FuzzableRequest) { emitted = append(emitted, fr) },
		SubmitFunc: func(tx schemas.Transaction) { submitted = append(submitted, tx) },
	}
	u, _ := url.Parse("http://target.example/a")
	sc.Emit(schemas.NewFuzzableRequest(http.MethodGet, u))
	sc.SubmitTransaction(schemas.Transaction{})
	assert.Len(t, emitted, 1)
	assert.Len(t, submitted, 1)
	assert.True(t, sc.InScope(u))

	// A bare context silently drops emissions.
	(&ScanContext{}).Emit(schemas.FuzzableRequest{})
}

func TestInspectionGate(t *testing.T) {
	t.Parallel()

	gate, err := NewInspectionGate(dedup.DefaultConfig())
	require.NoError(t, err)

	u, _ := url.Parse("http://target.example/page?id=1")
	ok := schemas.Transaction{Response: schemas.Response{
		StatusCode: 200, URL: u, Header: http.Header{"Content-Type": {"text/html"}},
	}}

	assert.True(t, gate.Admit(ok))
	assert.False(t, gate.Admit(ok), "same URI is inspected once")

	notFound := ok
	notFound.Response.StatusCode = 404
	notFound.Response.URL, _ = url.Parse("http://target.example/missing")
	assert.False(t, gate.Admit(notFound))

	binary := ok
	binary.Response.Header = http.Header{"Content-Type": {"image/png"}}
	binary.Response.URL, _ = url.Parse("http://target.example/logo.png")
	assert.False(t, gate.Admit(binary))

	assert.Equal(t, 1, gate.Seen())
}
