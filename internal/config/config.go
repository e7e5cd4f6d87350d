// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/scalpel-capture/internal/dedup"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Engine() EngineConfig
	Network() NetworkConfig
	Capture() CaptureConfig
	Discovery() DiscoveryConfig
	Dedup() dedup.Config
	Plugins() PluginsConfig
	Report() ReportConfig
	Scan() ScanConfig
	SetScanConfig(sc ScanConfig)
}

// Config holds the entire application configuration. Sections are reached
// through the Interface getters.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	EngineCfg    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	NetworkCfg   NetworkConfig   `mapstructure:"network" yaml:"network"`
	CaptureCfg   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	DiscoveryCfg DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`
	DedupCfg     dedup.Config    `mapstructure:"dedup" yaml:"dedup"`
	PluginsCfg   PluginsConfig   `mapstructure:"plugins" yaml:"plugins"`
	ReportCfg    ReportConfig    `mapstructure:"report" yaml:"report"`
	// ScanCfg gets its marching orders from CLI flags, not the config file.
	ScanCfg ScanConfig `mapstructure:"-" yaml:"-"`
}

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig   { return c.DatabaseCfg }
func (c *Config) Engine() EngineConfig       { return c.EngineCfg }
func (c *Config) Network() NetworkConfig     { return c.NetworkCfg }
func (c *Config) Capture() CaptureConfig     { return c.CaptureCfg }
func (c *Config) Discovery() DiscoveryConfig { return c.DiscoveryCfg }
func (c *Config) Dedup() dedup.Config        { return c.DedupCfg }
func (c *Config) Plugins() PluginsConfig     { return c.PluginsCfg }
func (c *Config) Report() ReportConfig       { return c.ReportCfg }
func (c *Config) Scan() ScanConfig           { return c.ScanCfg }

// SetScanConfig records the per-invocation settings.
func (c *Config) SetScanConfig(sc ScanConfig) { c.ScanCfg = sc }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the database connection details. Findings are only
// persisted when URL is set.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// EngineConfig configures the grep dispatch engine.
type EngineConfig struct {
	QueueSize          int           `mapstructure:"queue_size" yaml:"queue_size"`
	WorkerConcurrency  int           `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	TransactionTimeout time.Duration `mapstructure:"transaction_timeout" yaml:"transaction_timeout"`
}

// ProxyConfig defines an outbound proxy for scanner traffic.
type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// NetworkConfig tunes the upstream opener.
type NetworkConfig struct {
	Timeout           time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	UserAgent         string            `mapstructure:"user_agent" yaml:"user_agent"`
	Headers           map[string]string `mapstructure:"headers" yaml:"headers"`
	RequestsPerSecond float64           `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int               `mapstructure:"burst" yaml:"burst"`
	CacheSize         int               `mapstructure:"cache_size" yaml:"cache_size"`
	MaxBodySize       int64             `mapstructure:"max_body_size" yaml:"max_body_size"`
	IgnoreTLSErrors   bool              `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Proxy             ProxyConfig       `mapstructure:"proxy" yaml:"proxy"`
}

// CaptureConfig tunes the spider_man capture proxy.
type CaptureConfig struct {
	TerminateURL    string        `mapstructure:"terminate_url" yaml:"terminate_url"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout" yaml:"upstream_timeout"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	CaptureTimeout  time.Duration `mapstructure:"capture_timeout" yaml:"capture_timeout"`
	QueueSize       int           `mapstructure:"queue_size" yaml:"queue_size"`
	// CACert and CAKey are PEM file paths; both set enables HTTPS interception.
	CACert string `mapstructure:"ca_cert" yaml:"ca_cert"`
	CAKey  string `mapstructure:"ca_key" yaml:"ca_key"`
}

// DiscoveryConfig bounds the orchestrator's discovery loop.
type DiscoveryConfig struct {
	IncludeSubdomains bool `mapstructure:"include_subdomains" yaml:"include_subdomains"`
	// MaxRequests caps how many distinct fuzzable requests are processed; zero is unlimited.
	MaxRequests int `mapstructure:"max_requests" yaml:"max_requests"`
}

// PluginsConfig selects plugins per kind and carries their option values,
// keyed by plugin name.
type PluginsConfig struct {
	Crawl          []string                     `mapstructure:"crawl" yaml:"crawl"`
	Grep           []string                     `mapstructure:"grep" yaml:"grep"`
	Infrastructure []string                     `mapstructure:"infrastructure" yaml:"infrastructure"`
	Options        map[string]map[string]string `mapstructure:"options" yaml:"options"`
}

// Enabled lists every selected plugin, crawl first.
func (p PluginsConfig) Enabled() []string {
	out := make([]string, 0, len(p.Crawl)+len(p.Grep)+len(p.Infrastructure))
	out = append(out, p.Crawl...)
	out = append(out, p.Infrastructure...)
	return append(out, p.Grep...)
}

// ReportConfig selects the end-of-scan output.
type ReportConfig struct {
	Format     string `mapstructure:"format" yaml:"format"`
	OutputFile string `mapstructure:"output_file" yaml:"output_file"`
}

// ScanConfig holds the settings of one invocation.
type ScanConfig struct {
	Targets []string
	ScanID  string
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-capture")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Engine --
	v.SetDefault("engine.queue_size", 1000)
	v.SetDefault("engine.worker_concurrency", 10)
	v.SetDefault("engine.transaction_timeout", "30s")

	// -- Network --
	v.SetDefault("network.timeout", "30s")
	v.SetDefault("network.user_agent", "scalpel-capture/1.0")
	v.SetDefault("network.requests_per_second", 0)
	v.SetDefault("network.burst", 1)
	v.SetDefault("network.cache_size", 1024)
	v.SetDefault("network.max_body_size", 10<<20)
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.proxy.enabled", false)

	// -- Capture --
	v.SetDefault("capture.terminate_url", "http://127.7.7.7/spider_man?terminate")
	v.SetDefault("capture.upstream_timeout", "30s")
	v.SetDefault("capture.drain_timeout", "15s")
	v.SetDefault("capture.capture_timeout", "5s")
	v.SetDefault("capture.queue_size", 1024)

	// -- Discovery --
	v.SetDefault("discovery.include_subdomains", false)
	v.SetDefault("discovery.max_requests", 0)

	// -- Dedup --
	d := dedup.DefaultConfig()
	v.SetDefault("dedup.initial_capacity", d.InitialCapacity)
	v.SetDefault("dedup.error_rate", d.ErrorRate)
	v.SetDefault("dedup.growth_factor", d.GrowthFactor)
	v.SetDefault("dedup.tightening_ratio", d.TighteningRatio)

	// -- Plugins --
	v.SetDefault("plugins.crawl", []string{"web_spider"})
	v.SetDefault("plugins.grep", []string{"wsdl_greper", "ssn"})
	v.SetDefault("plugins.infrastructure", []string{})

	// -- Report --
	v.SetDefault("report.format", "csv")
	v.SetDefault("report.output_file", "scalpel-report.csv")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("database.url", "SCALPEL_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the URL if Unmarshal didn't pick it up
	if cfg.DatabaseCfg.URL == "" {
		cfg.DatabaseCfg.URL = os.Getenv("SCALPEL_DATABASE_URL")
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in every file path setting.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.LoggerCfg.LogFile, &c.CaptureCfg.CACert, &c.CaptureCfg.CAKey, &c.ReportCfg.OutputFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.EngineCfg.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if c.EngineCfg.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be a positive integer")
	}
	if c.NetworkCfg.RequestsPerSecond < 0 {
		return fmt.Errorf("network.requests_per_second cannot be negative")
	}
	if c.NetworkCfg.Proxy.Enabled && c.NetworkCfg.Proxy.Address == "" {
		return fmt.Errorf("network.proxy.address is required when the proxy is enabled")
	}
	if (c.CaptureCfg.CACert == "") != (c.CaptureCfg.CAKey == "") {
		return errors.New("capture.ca_cert and capture.ca_key must be set together")
	}
	if err := c.DedupCfg.Validate(); err != nil {
		return fmt.Errorf("dedup configuration invalid: %w", err)
	}
	switch strings.ToLower(c.ReportCfg.Format) {
	case "csv", "json", "sarif", "none", "":
	default:
		return fmt.Errorf("report.format must be one of csv, json, sarif or none, got %q", c.ReportCfg.Format)
	}
	return nil
}
