// Package browser drives Chrome over CDP: it launches or attaches to the
// browser, recycles it, and exposes each recorded tab as the surface the
// page context and the background service need.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Mode selects how Chrome is run.
type Mode int

const (
	// ModeHeadless runs headless Chrome with stealth patches.
	ModeHeadless Mode = iota
	// ModeHeadful runs a visible Chrome, on Xvfb when Display is set.
	ModeHeadful
)

// ParseMode maps a config string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "headless":
		return ModeHeadless, nil
	case "headful":
		return ModeHeadful, nil
	default:
		return 0, fmt.Errorf("browser: unknown mode %q", s)
	}
}

func (m Mode) String() string {
	if m == ModeHeadful {
		return "headful"
	}
	return "headless"
}

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of a running Chrome.
	// Empty launches a local Chrome.
	RemoteURL string

	Mode Mode

	// Bin overrides the Chrome binary.
	Bin string

	// UserDataDir keeps a profile between runs so logins survive.
	UserDataDir string

	// MemoryLimit in bytes of JS heap before recycling. Default: 1GB.
	MemoryLimit int64

	// RecycleInterval is the maximum lifetime of a Chrome process. Zero
	// uses 4h; negative disables time-based recycling.
	RecycleInterval time.Duration

	// ResourceBlocking lists resource types to block (fonts, media, ...).
	ResourceBlocking []string

	// XvfbDisplay starts Xvfb on this display in headful mode. Empty uses
	// the current DISPLAY.
	XvfbDisplay string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 1 << 30
	}
	if c.RecycleInterval == 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RecycleCallback is called around Chrome recycling so tabs can be
// reopened on the new process.
type RecycleCallback struct {
	BeforeRecycle func()
	AfterRecycle  func(b *rod.Browser)
	// Defer postpones automatic recycling to the next check while it
	// returns true. Recycle calls are never deferred.
	Defer func() bool
}

// Manager manages the Chrome lifecycle.
type Manager struct {
	cfg     Config
	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	xvfb    *exec.Cmd
	startAt time.Time
	closed  bool
	cb      *RecycleCallback
}

// NewManager creates a Manager. Call Start to launch Chrome.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// SetRecycleCallback sets the callback for recycle events.
func (m *Manager) SetRecycleCallback(cb *RecycleCallback) {
	m.mu.Lock()
	m.cb = cb
	m.mu.Unlock()
}

// Start launches or connects to Chrome and starts the monitor goroutine,
// which lives until ctx is done.
func (m *Manager) Start(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}
	b, err := m.launch()
	if err != nil {
		return nil, err
	}
	m.browser = b
	m.startAt = time.Now()

	go m.monitorLoop(ctx)
	return b, nil
}

// Browser returns the current browser handle.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Recycle restarts Chrome and fires the recycle callbacks.
func (m *Manager) Recycle() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("browser: manager is closed")
	}
	return m.recycleLocked()
}

// Close shuts down Chrome and Xvfb.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanup()
	return nil
}

func (m *Manager) launch() (*rod.Browser, error) {
	log := m.cfg.Logger

	if m.cfg.Mode == ModeHeadful && m.cfg.XvfbDisplay != "" && m.cfg.RemoteURL == "" {
		if err := m.startXvfb(); err != nil {
			return nil, fmt.Errorf("browser: xvfb: %w", err)
		}
	}

	var wsURL string
	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Headless(m.cfg.Mode == ModeHeadless)
		if m.cfg.Mode == ModeHeadful && m.cfg.XvfbDisplay != "" {
			l = l.Env("DISPLAY=" + m.cfg.XvfbDisplay)
		}
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		if m.cfg.UserDataDir != "" {
			l = l.UserDataDir(m.cfg.UserDataDir)
		}
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL, "mode", m.cfg.Mode.String())
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

func (m *Manager) recycleLocked() error {
	log := m.cfg.Logger
	log.Info("browser: recycling", "uptime", time.Since(m.startAt))

	if m.cb != nil && m.cb.BeforeRecycle != nil {
		m.cb.BeforeRecycle()
	}
	m.cleanup()

	b, err := m.launch()
	if err != nil {
		return fmt.Errorf("browser: relaunch: %w", err)
	}
	m.browser = b
	m.startAt = time.Now()

	if m.cb != nil && m.cb.AfterRecycle != nil {
		m.cb.AfterRecycle(b)
	}
	log.Info("browser: recycled")
	return nil
}

func (m *Manager) cleanup() {
	if m.browser != nil {
		// A remote browser is not ours to close; drop the connection only.
		if m.cfg.RemoteURL == "" {
			m.browser.Close()
		}
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.stopXvfb()
}

func (m *Manager) monitorLoop(ctx context.Context) {
	log := m.cfg.Logger
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.mu.RLock()
		if m.closed || m.browser == nil {
			m.mu.RUnlock()
			return
		}
		startAt, b := m.startAt, m.browser
		m.mu.RUnlock()

		if m.cfg.RecycleInterval > 0 && time.Since(startAt) > m.cfg.RecycleInterval {
			m.autoRecycle("interval")
			continue
		}

		used, err := jsHeapUsage(b)
		if err != nil {
			log.Debug("browser: heap check failed", "error", err)
			continue
		}
		if used > m.cfg.MemoryLimit {
			log.Info("browser: memory limit exceeded", "used", used, "limit", m.cfg.MemoryLimit)
			m.autoRecycle("memory")
		}
	}
}

// autoRecycle recycles unless the callback defers it. It reports whether a
// recycle was attempted.
func (m *Manager) autoRecycle(reason string) bool {
	log := m.cfg.Logger
	m.mu.RLock()
	cb := m.cb
	m.mu.RUnlock()
	if cb != nil && cb.Defer != nil && cb.Defer() {
		log.Info("browser: recycle deferred", "reason", reason)
		return false
	}
	log.Info("browser: recycling", "reason", reason)
	if err := m.Recycle(); err != nil {
		log.Error("browser: recycle failed", "error", err)
	}
	return true
}

// jsHeapUsage sums the JS heap of every open page.
func jsHeapUsage(b *rod.Browser) (int64, error) {
	pages, err := b.Pages()
	if err != nil {
		return 0, err
	}
	if len(pages) == 0 {
		return 0, fmt.Errorf("no pages for heap check")
	}
	var total int64
	for _, p := range pages {
		res, err := p.Eval(`() => performance.memory ? performance.memory.usedJSHeapSize : 0`)
		if err != nil {
			continue
		}
		total += int64(res.Value.Int())
	}
	return total, nil
}
