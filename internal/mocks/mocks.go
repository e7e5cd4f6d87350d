// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scalpel-capture/api/schemas"
	"github.com/xkilldash9x/scalpel-capture/internal/analysis/core"
)

// -- Opener Mock --

// MockOpener mocks core.Opener.
type MockOpener struct {
	mock.Mock
}

func (m *MockOpener) response(args mock.Arguments) (schemas.Response, error) {
	resp, _ := args.Get(0).(schemas.Response)
	return resp, args.Error(1)
}

func (m *MockOpener) GET(ctx context.Context, rawURL string, cacheable bool) (schemas.Response, error) {
	return m.response(m.Called(ctx, rawURL, cacheable))
}

func (m *MockOpener) POST(ctx context.Context, rawURL, contentType string, body []byte) (schemas.Response, error) {
	return m.response(m.Called(ctx, rawURL, contentType, body))
}

func (m *MockOpener) HEAD(ctx context.Context, rawURL string, cacheable bool) (schemas.Response, error) {
	return m.response(m.Called(ctx, rawURL, cacheable))
}

func (m *MockOpener) TRACE(ctx context.Context, rawURL string, cacheable bool) (schemas.Response, error) {
	return m.response(m.Called(ctx, rawURL, cacheable))
}

func (m *MockOpener) TRACK(ctx context.Context, rawURL string, cacheable bool) (schemas.Response, error) {
	return m.response(m.Called(ctx, rawURL, cacheable))
}

func (m *MockOpener) Send(ctx context.Context, req schemas.Request, cacheable bool) (schemas.Response, error) {
	return m.response(m.Called(ctx, req, cacheable))
}

// -- Plugin Mocks --

// MockPlugin carries the static parts of a plugin; only behavior is mocked.
type MockPlugin struct {
	mock.Mock
	PluginName string
	PluginKind core.Kind
	Deps       []string
}

func (m *MockPlugin) Name() string             { return m.PluginName }
func (m *MockPlugin) Kind() core.Kind          { return m.PluginKind }
func (m *MockPlugin) Description() string      { return "mock " + m.PluginName }
func (m *MockPlugin) Options() core.OptionList { return core.OptionList{} }
func (m *MockPlugin) Dependencies() []string   { return m.Deps }

func (m *MockPlugin) SetOptions(v map[string]string) error {
	return m.Called(v).Error(0)
}

func (m *MockPlugin) End(ctx context.Context, scan *core.ScanContext) error {
	return m.Called(ctx, scan).Error(0)
}

// MockGrepPlugin mocks core.GrepPlugin.
type MockGrepPlugin struct {
	MockPlugin
	mu   sync.Mutex
	seen []schemas.Transaction
}

func NewMockGrepPlugin(name string) *MockGrepPlugin {
	return &MockGrepPlugin{MockPlugin: MockPlugin{PluginName: name, PluginKind: core.KindGrep}}
}

func (m *MockGrepPlugin) Grep(ctx context.Context, scan *core.ScanContext, tx schemas.Transaction) error {
	m.mu.Lock()
	m.seen = append(m.seen, tx)
	m.mu.Unlock()
	return m.Called(ctx, scan, tx).Error(0)
}

// Seen returns the transactions Grep received.
func (m *MockGrepPlugin) Seen() []schemas.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]schemas.Transaction(nil), m.seen...)
}

// MockCrawlPlugin mocks core.CrawlPlugin.
type MockCrawlPlugin struct {
	MockPlugin
}

func NewMockCrawlPlugin(name string) *MockCrawlPlugin {
	return &MockCrawlPlugin{MockPlugin: MockPlugin{PluginName: name, PluginKind: core.KindCrawl}}
}

func (m *MockCrawlPlugin) Crawl(ctx context.Context, scan *core.ScanContext, seed schemas.FuzzableRequest) error {
	return m.Called(ctx, scan, seed).Error(0)
}

// MockInfrastructurePlugin mocks core.InfrastructurePlugin.
type MockInfrastructurePlugin struct {
	MockPlugin
}

func NewMockInfrastructurePlugin(name string, deps ...string) *MockInfrastructurePlugin {
	return &MockInfrastructurePlugin{MockPlugin: MockPlugin{PluginName: name, PluginKind: core.KindInfrastructure, Deps: deps}}
}

func (m *MockInfrastructurePlugin) Discover(ctx context.Context, scan *core.ScanContext, req schemas.FuzzableRequest) error {
	return m.Called(ctx, scan, req).Error(0)
}
