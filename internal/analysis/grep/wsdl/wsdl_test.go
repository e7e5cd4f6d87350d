package wsdl

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/core"
	"github.com/xkilldash9x/scalpel-capture/internal/dedup"
	"github.com/xkilldash9x/scalpel-capture/internal/kb"
)

const sampleWSDL = `<?xml version="1.0"?>
<wsdl:definitions xmlns:wsdl="http://schemas.xmlsoap.org/wsdl/" xmlns:soap="http://schemas.xmlsoap.org/wsdl/soap/" targetNamespace="urn:stock">
  <wsdl:binding name="StockBinding">
    <wsdl:operation name="GetQuote"><soap:operation soapAction="urn:GetQuote"/></wsdl:operation>
  </wsdl:binding>
  <wsdl:service name="StockQuote"><wsdl:port name="p" binding="StockBinding"/></wsdl:service>
  <wsdl:service name="Auditing"/>
</wsdl:definitions>`

func xmlTx(t *testing.T, id uint64, rawURL, contentType, body string) schemas.Transaction {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return schemas.NewTransaction(
		schemas.Request{Method: http.MethodGet, URL: u},
		schemas.Response{
			ID: id, StatusCode: http.StatusOK, URL: u, Body: []byte(body),
			Header: http.Header{"Content-Type": {contentType}},
		},
	)
}

func newAnalyzer(t *testing.T, logger *zap.Logger) *Analyzer {
	t.Helper()
	a, err := New(logger, dedup.DefaultConfig())
	require.NoError(t, err)
	return a
}

func TestAnalyzer_Grep_WSDL(t *testing.T) {
	t.Parallel()

	a := newAnalyzer(t, zap.NewNop())
	scan := &core.ScanContext{KB: kb.New()}
	tx := xmlTx(t, 9, "http://target.example/svc?wsdl", "text/xml", sampleWSDL)

	require.NoError(t, a.Grep(context.Background(), scan, tx))

	got := scan.KB.Get(Name, CategoryWSDL)
	require.Len(t, got, 1)
	f := got[0]
	assert.Equal(t, "WSDL file", f.Name)
	assert.Equal(t, schemas.KindInfo, f.Kind)
	assert.Equal(t, uint64(9), f.TransactionID)
	assert.Equal(t, "http://target.example/svc", f.URL)
	assert.Equal(t, []string{"targetNamespace", "wsdl:", "soapAction="}, f.Highlight)
	assert.Contains(t, f.Description, "Declared services: Auditing, StockQuote.")
	assert.False(t, scan.KB.Has(Name, CategoryDISCO))
}

func TestAnalyzer_Grep_SameURIInspectedOnce(t *testing.T) {
	t.Parallel()

	a := newAnalyzer(t, zap.NewNop())
	scan := &core.ScanContext{KB: kb.New()}
	tx := xmlTx(t, 1, "http://target.example/svc?wsdl", "text/xml", sampleWSDL)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Grep(context.Background(), scan, tx))
	}
	assert.Len(t, scan.KB.Get(Name, CategoryWSDL), 1)
	assert.Equal(t, 1, a.gate.Seen())
}

func TestAnalyzer_Grep_DISCO(t *testing.T) {
	t.Parallel()

	a := newAnalyzer(t, zap.NewNop())
	scan := &core.ScanContext{KB: kb.New()}
	body := `<?xml version="1.0"?><disco:discovery xmlns:disco="http://schemas.xmlsoap.org/disco/"><contractRef ref="/svc?wsdl"/></disco:discovery>`
	require.NoError(t, a.Grep(context.Background(), scan, xmlTx(t, 2, "http://target.example/default.disco", "text/xml", body)))

	got := scan.KB.Get(Name, CategoryDISCO)
	require.Len(t, got, 1)
	assert.Equal(t, "DISCO file", got[0].Name)
	assert.Equal(t, []string{"disco:discovery "}, got[0].Highlight)
}

func TestAnalyzer_Grep_Ignored(t *testing.T) {
	t.Parallel()

	a := newAnalyzer(t, zap.NewNop())
	scan := &core.ScanContext{KB: kb.New()}

	plain := xmlTx(t, 3, "http://target.example/", "text/html", "<html>hello</html>")
	require.NoError(t, a.Grep(context.Background(), scan, plain))

	notFound := xmlTx(t, 4, "http://target.example/x?wsdl", "text/xml", sampleWSDL)
	notFound.Response.StatusCode = http.StatusNotFound
	require.NoError(t, a.Grep(context.Background(), scan, notFound))

	assert.Equal(t, 0, scan.KB.Len())
}

func TestAnalyzer_End_PrintsUniqueByURL(t *testing.T) {
	t.Parallel()

	obsCore, logs := observer.New(zapcore.InfoLevel)
	a := newAnalyzer(t, zap.New(obsCore))
	scan := &core.ScanContext{KB: kb.New()}

	require.NoError(t, a.Grep(context.Background(), scan, xmlTx(t, 1, "http://target.example/svc?wsdl", "text/xml", sampleWSDL)))
	require.NoError(t, a.Grep(context.Background(), scan, xmlTx(t, 2, "http://target.example/svc?WSDL", "text/xml", sampleWSDL)))
	require.Len(t, scan.KB.Get(Name, CategoryWSDL), 2)

	require.NoError(t, a.End(context.Background(), scan))
	assert.Equal(t, 1, logs.FilterMessage("WSDL file").Len())
}

func TestServiceNames(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"Auditing", "StockQuote"}, serviceNames([]byte(sampleWSDL)))
	assert.Nil(t, serviceNames([]byte("not xml")))
	assert.Nil(t, serviceNames([]byte("<html><body>wsdl:</body></html>")))
}
