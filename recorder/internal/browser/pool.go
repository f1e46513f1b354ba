package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/steprec/recorder/internal/oplog"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	Tab TabConfig
	// MaxCapturesPerSecond is the capture quota shared by all tabs.
	MaxCapturesPerSecond int
}

// Pool tracks the recorded tabs of one browser and captures their
// viewports under a shared quota.
type Pool struct {
	mgr    *Manager
	cfg    PoolConfig
	quota  *captureQuota
	logger *slog.Logger

	mu   sync.RWMutex
	tabs map[string]*Tab
}

// NewPool returns an empty pool on mgr.
func NewPool(mgr *Manager, cfg PoolConfig, logger *slog.Logger) *Pool {
	cfg.Tab.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		mgr:    mgr,
		cfg:    cfg,
		quota:  newCaptureQuota(cfg.MaxCapturesPerSecond),
		logger: logger,
		tabs:   make(map[string]*Tab),
	}
}

// Open opens a tab on pageURL and tracks it.
func (p *Pool) Open(ctx context.Context, pageURL string) (*Tab, error) {
	b := p.mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}
	t, err := openTab(ctx, b, p.mgr.cfg.Mode, pageURL, p.cfg.Tab, p.logger)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.tabs[t.ID()] = t
	p.mu.Unlock()
	p.logger.Info("browser: tab opened", "tab", t.ID(), "url", pageURL)
	return t, nil
}

// Get returns a tracked tab.
func (p *Pool) Get(id string) (*Tab, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tabs[id]
	return t, ok
}

// IDs returns the tracked tab ids, sorted.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.tabs))
	for id := range p.tabs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close closes and forgets one tab.
func (p *Pool) Close(id string) error {
	p.mu.Lock()
	t, ok := p.tabs[id]
	delete(p.tabs, id)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return t.Close()
}

// Forget drops every tab without closing it, e.g. after the browser
// process was recycled.
func (p *Pool) Forget() {
	p.mu.Lock()
	p.tabs = make(map[string]*Tab)
	p.mu.Unlock()
}

// CloseAll closes every tab.
func (p *Pool) CloseAll() {
	for _, id := range p.IDs() {
		if err := p.Close(id); err != nil {
			p.logger.Debug("browser: close tab", "tab", id, "error", err)
		}
	}
}

// CaptureVisible screenshots tabID. Calls beyond the per-second quota fail
// with a quota error before reaching Chrome.
func (p *Pool) CaptureVisible(ctx context.Context, tabID string, opts oplog.CaptureOptions) ([]byte, error) {
	t, ok := p.Get(tabID)
	if !ok {
		return nil, fmt.Errorf("browser: capture: unknown tab %s", tabID)
	}
	if err := p.quota.take(); err != nil {
		return nil, err
	}
	return t.captureVisible(ctx, opts)
}

// WatchClosed calls onClosed with the id of every tracked tab whose target
// is destroyed, e.g. closed by the user. It blocks until ctx is done or
// the browser connection drops.
func (p *Pool) WatchClosed(ctx context.Context, onClosed func(id string)) error {
	b := p.mgr.Browser()
	if b == nil {
		return fmt.Errorf("browser: no active browser")
	}
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		return fmt.Errorf("browser: discover targets: %w", err)
	}
	b.Context(ctx).EachEvent(func(e *proto.TargetTargetDestroyed) {
		id := string(e.TargetID)
		p.mu.Lock()
		_, ok := p.tabs[id]
		delete(p.tabs, id)
		p.mu.Unlock()
		if ok {
			p.logger.Info("browser: tab closed", "tab", id)
			onClosed(id)
		}
	})()
	return nil
}
