// Package config loads the recorder configuration from YAML and maps it
// onto the component configs.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/steprec/recorder/internal/agent"
	"github.com/hazyhaar/steprec/recorder/internal/background"
	"github.com/hazyhaar/steprec/recorder/internal/browser"
	"github.com/hazyhaar/steprec/recorder/internal/capture"
	"github.com/hazyhaar/steprec/recorder/internal/messenger"
	"github.com/hazyhaar/steprec/recorder/internal/oplog"
	"github.com/hazyhaar/steprec/recorder/internal/stability"
)

// Config is the top-level recorder configuration.
type Config struct {
	Browser   BrowserConfig   `yaml:"browser"`
	Pages     []PageConfig    `yaml:"pages"`
	Store     StoreConfig     `yaml:"store"`
	Capture   CaptureConfig   `yaml:"capture"`
	Click     ClickConfig     `yaml:"click"`
	Stability StabilityConfig `yaml:"stability"`
	Messenger MessengerConfig `yaml:"messenger"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote               string        `yaml:"remote"`
	Mode                 string        `yaml:"mode"` // headless | headful
	Bin                  string        `yaml:"bin"`
	UserDataDir          string        `yaml:"user_data_dir"`
	MemoryLimit          int64         `yaml:"memory_limit"`
	RecycleInterval      time.Duration `yaml:"recycle_interval"`
	ResourceBlocking     []string      `yaml:"resource_blocking"`
	XvfbDisplay          string        `yaml:"xvfb_display"`
	LoaderSelectors      []string      `yaml:"loader_selectors"`
	NavigateTimeout      time.Duration `yaml:"navigate_timeout"`
	MaxCapturesPerSecond int           `yaml:"max_captures_per_second"`
}

// PageConfig is a page opened at startup.
type PageConfig struct {
	URL string `yaml:"url"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
	// WatchInterval polls the store for session changes made by other
	// processes. Negative disables.
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// CaptureConfig controls the operation log.
type CaptureConfig struct {
	MaxOperations int    `yaml:"max_operations"`
	Format        string `yaml:"format"` // jpeg | png
	Quality       int    `yaml:"quality"`
}

// ClickConfig controls the click controller.
type ClickConfig struct {
	MinInterval    time.Duration `yaml:"min_interval"`
	QuotaInterval  time.Duration `yaml:"quota_interval"`
	NoticeTTL      time.Duration `yaml:"notice_ttl"`
	LimitPromptTTL time.Duration `yaml:"limit_prompt_ttl"`
}

// StabilityConfig controls the stability detector.
type StabilityConfig struct {
	Settle     time.Duration `yaml:"settle"`
	Ceiling    time.Duration `yaml:"ceiling"`
	Quiet      time.Duration `yaml:"quiet"`
	Grace      time.Duration `yaml:"grace"`
	LoadGrace  time.Duration `yaml:"load_grace"`
	MinContent int           `yaml:"min_content"`
}

// MessengerConfig controls messaging, injection and reconciliation.
type MessengerConfig struct {
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ReconcileBackoff  time.Duration `yaml:"reconcile_backoff"`
	InjectPoll        time.Duration `yaml:"inject_poll"`
	InjectRetries     int           `yaml:"inject_retries"`
	FanOut            int           `yaml:"fan_out"`
}

// HTTPConfig controls the control API.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Browser.Mode == "" {
		c.Browser.Mode = "headless"
	}
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval == 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if len(c.Browser.LoaderSelectors) == 0 {
		c.Browser.LoaderSelectors = stability.DefaultLoaderSelectors
	}
	if c.Browser.NavigateTimeout <= 0 {
		c.Browser.NavigateTimeout = 30 * time.Second
	}
	if c.Browser.MaxCapturesPerSecond <= 0 {
		c.Browser.MaxCapturesPerSecond = 2
	}
	if c.Store.Path == "" {
		c.Store.Path = "steprec.db"
	}
	if c.Store.WatchInterval == 0 {
		c.Store.WatchInterval = time.Second
	}
	if c.Capture.MaxOperations <= 0 {
		c.Capture.MaxOperations = 500
	}
	if c.Capture.Format == "" {
		c.Capture.Format = "jpeg"
	}
	if c.Capture.Quality <= 0 {
		c.Capture.Quality = 80
	}
	if c.Click.MinInterval <= 0 {
		c.Click.MinInterval = 500 * time.Millisecond
	}
	if c.Click.QuotaInterval <= 0 {
		c.Click.QuotaInterval = 5 * time.Second
	}
	if c.Click.NoticeTTL <= 0 {
		c.Click.NoticeTTL = 3 * time.Second
	}
	if c.Click.LimitPromptTTL <= 0 {
		c.Click.LimitPromptTTL = 10 * time.Second
	}
	if c.Stability.Settle <= 0 {
		c.Stability.Settle = 500 * time.Millisecond
	}
	if c.Stability.Ceiling <= 0 {
		c.Stability.Ceiling = 3 * time.Second
	}
	if c.Stability.Quiet <= 0 {
		c.Stability.Quiet = time.Second
	}
	if c.Stability.Grace <= 0 {
		c.Stability.Grace = 500 * time.Millisecond
	}
	if c.Stability.LoadGrace <= 0 {
		c.Stability.LoadGrace = 500 * time.Millisecond
	}
	if c.Stability.MinContent <= 0 {
		c.Stability.MinContent = 5
	}
	if c.Messenger.ProbeTimeout <= 0 {
		c.Messenger.ProbeTimeout = 3 * time.Second
	}
	if c.Messenger.RequestTimeout <= 0 {
		c.Messenger.RequestTimeout = 10 * time.Second
	}
	if c.Messenger.ReconcileInterval <= 0 {
		c.Messenger.ReconcileInterval = 3 * time.Second
	}
	if c.Messenger.ReconcileBackoff <= 0 {
		c.Messenger.ReconcileBackoff = 3 * time.Second
	}
	if c.Messenger.InjectPoll <= 0 {
		c.Messenger.InjectPoll = 200 * time.Millisecond
	}
	if c.Messenger.InjectRetries <= 0 {
		c.Messenger.InjectRetries = 10
	}
	if c.Messenger.FanOut <= 0 {
		c.Messenger.FanOut = 4
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8087"
	}
}

func (c *Config) validate() error {
	if _, err := browser.ParseMode(c.Browser.Mode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Capture.Format {
	case "jpeg", "png":
	default:
		return fmt.Errorf("config: capture.format must be jpeg or png, got %q", c.Capture.Format)
	}
	if c.Capture.Quality > 100 {
		return fmt.Errorf("config: capture.quality must be at most 100, got %d", c.Capture.Quality)
	}
	if c.Stability.Settle >= c.Stability.Ceiling {
		return fmt.Errorf("config: stability.settle (%s) must be below stability.ceiling (%s)", c.Stability.Settle, c.Stability.Ceiling)
	}
	return nil
}

// URLs returns the startup page URLs.
func (c *Config) URLs() []string {
	out := make([]string, 0, len(c.Pages))
	for _, p := range c.Pages {
		if p.URL != "" {
			out = append(out, p.URL)
		}
	}
	return out
}

// ManagerConfig maps the browser section.
func (c *Config) ManagerConfig(logger *slog.Logger) browser.Config {
	mode, _ := browser.ParseMode(c.Browser.Mode)
	return browser.Config{
		RemoteURL:        c.Browser.Remote,
		Mode:             mode,
		Bin:              c.Browser.Bin,
		UserDataDir:      c.Browser.UserDataDir,
		MemoryLimit:      c.Browser.MemoryLimit,
		RecycleInterval:  c.Browser.RecycleInterval,
		ResourceBlocking: c.Browser.ResourceBlocking,
		XvfbDisplay:      c.Browser.XvfbDisplay,
		Logger:           logger,
	}
}

// PoolConfig maps the tab settings.
func (c *Config) PoolConfig() browser.PoolConfig {
	return browser.PoolConfig{
		Tab: browser.TabConfig{
			LoaderSelectors:  c.Browser.LoaderSelectors,
			ResourceBlocking: c.Browser.ResourceBlocking,
			NavigateTimeout:  c.Browser.NavigateTimeout,
		},
		MaxCapturesPerSecond: c.Browser.MaxCapturesPerSecond,
	}
}

// OplogConfig maps the capture section.
func (c *Config) OplogConfig() oplog.Config {
	return oplog.Config{
		MaxOperations: c.Capture.MaxOperations,
		Format:        c.Capture.Format,
		Quality:       c.Capture.Quality,
	}
}

// messengerConfig maps the messenger timeouts.
func (c *Config) messengerConfig() messenger.Config {
	return messenger.Config{
		ProbeTimeout:   c.Messenger.ProbeTimeout,
		RequestTimeout: c.Messenger.RequestTimeout,
	}
}

// BackgroundConfig maps the background service settings.
func (c *Config) BackgroundConfig() background.Config {
	return background.Config{
		Messenger: c.messengerConfig(),
		Inject: messenger.InjectPolicy{
			Poll:    c.Messenger.InjectPoll,
			Retries: c.Messenger.InjectRetries,
		},
		FanOut: c.Messenger.FanOut,
	}
}

// AgentConfig maps the per-tab settings.
func (c *Config) AgentConfig() agent.Config {
	return agent.Config{
		Capture: capture.Config{
			MinInterval:    c.Click.MinInterval,
			QuotaInterval:  c.Click.QuotaInterval,
			NoticeTTL:      c.Click.NoticeTTL,
			LimitPromptTTL: c.Click.LimitPromptTTL,
		},
		Stability: stability.Config{
			Settle:     c.Stability.Settle,
			Ceiling:    c.Stability.Ceiling,
			Quiet:      c.Stability.Quiet,
			Grace:      c.Stability.Grace,
			LoadGrace:  c.Stability.LoadGrace,
			MinContent: c.Stability.MinContent,
		},
		Messenger: c.messengerConfig(),
		Reconcile: messenger.ReconcileConfig{
			Interval: c.Messenger.ReconcileInterval,
			Backoff:  c.Messenger.ReconcileBackoff,
		},
	}
}
