// Package recorder records clicks in Chrome tabs as a persisted list of
// annotated screenshots. A Recorder wires the durable background service,
// one page agent per tab and the browser, and exposes recording control
// over Go, HTTP and MCP.
package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/steprec/dbopen"
	"github.com/hazyhaar/steprec/idgen"
	"github.com/hazyhaar/steprec/observability"
	"github.com/hazyhaar/steprec/recorder/internal/agent"
	"github.com/hazyhaar/steprec/recorder/internal/background"
	"github.com/hazyhaar/steprec/recorder/internal/browser"
	"github.com/hazyhaar/steprec/recorder/internal/capture"
	"github.com/hazyhaar/steprec/recorder/internal/config"
	"github.com/hazyhaar/steprec/recorder/internal/events"
	"github.com/hazyhaar/steprec/recorder/internal/kvstore"
	"github.com/hazyhaar/steprec/recorder/internal/message"
	"github.com/hazyhaar/steprec/recorder/internal/messenger"
	"github.com/hazyhaar/steprec/recorder/internal/oplog"
	"github.com/hazyhaar/steprec/recorder/internal/session"
)

// Surface is the page a tab agent drives. *browser.Tab implements it.
type Surface = agent.Surface

// Option customises a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(r *Recorder) { r.logger = l } }

// WithDB uses db instead of opening the configured store path. The caller
// keeps ownership of db.
func WithDB(db *sql.DB) Option { return func(r *Recorder) { r.db = db } }

// WithCapturer replaces the browser screenshot source. Without a browser
// the recorder only serves tabs added through AddTab.
func WithCapturer(c oplog.Capturer) Option { return func(r *Recorder) { r.capturer = c } }

// WithOutcome observes every handled click.
func WithOutcome(fn func(tabID string, out capture.Outcome)) Option {
	return func(r *Recorder) { r.onOutcome = fn }
}

type tab struct {
	surface Surface
	agent   *agent.Agent
	stop    context.CancelFunc
}

// Recorder is the orchestrator.
type Recorder struct {
	logger    *slog.Logger
	db        *sql.DB
	ownDB     bool
	kv        *kvstore.Store
	sessions  *session.Store
	bus       *messenger.Bus
	hub       *events.Hub
	capturer  oplog.Capturer
	mgr       *browser.Manager
	pool      *browser.Pool
	onOutcome func(string, capture.Outcome)
	audit     *observability.AuditLogger

	runCtx context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	cfg        *config.Config
	bg         *background.Service
	tabs       map[string]*tab
	recycleURL []string
	closed     bool
}

// New opens the store and attaches the background service. Call Run to
// launch the browser, or AddTab to drive surfaces directly.
func New(cfg *config.Config, opts ...Option) (*Recorder, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	r := &Recorder{
		cfg:  cfg,
		tabs: make(map[string]*tab),
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}

	if r.db == nil {
		db, err := dbopen.Open(cfg.Store.Path, dbopen.WithMkdirAll())
		if err != nil {
			return nil, fmt.Errorf("recorder: open store: %w", err)
		}
		r.db, r.ownDB = db, true
	}
	kv, err := kvstore.New(r.db)
	if err != nil {
		r.closeDB()
		return nil, fmt.Errorf("recorder: %w", err)
	}
	r.kv = kv
	audit, err := observability.NewAuditLogger(r.db, 256, observability.WithAuditLogger(r.logger))
	if err != nil {
		r.closeDB()
		return nil, fmt.Errorf("recorder: %w", err)
	}
	r.audit = audit
	r.sessions = session.New(kv)
	r.bus = messenger.NewBus(idgen.Prefixed("bg_", idgen.UUIDv7()))
	r.hub = events.NewHub(r.logger)

	if r.capturer == nil {
		r.mgr = browser.NewManager(cfg.ManagerConfig(r.logger))
		r.pool = browser.NewPool(r.mgr, cfg.PoolConfig(), r.logger)
		r.capturer = r.pool
	}

	r.runCtx, r.cancel = context.WithCancel(context.Background())
	r.bg = r.newBackground(cfg)
	r.bg.Attach()
	return r, nil
}

func (r *Recorder) newBackground(cfg *config.Config) *background.Service {
	ops := oplog.New(r.kv, r.sessions, r.capturer, cfg.OplogConfig(), oplog.WithLogger(r.logger))
	return background.New(r.sessions, ops, r.bus, r.hub, cfg.BackgroundConfig(), r.logger)
}

// Config returns the active configuration.
func (r *Recorder) Config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Events returns the live event hub.
func (r *Recorder) Events() *events.Hub { return r.hub }

func (r *Recorder) background() *background.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bg
}

// AddTab wires an agent to surface and runs the injection protocol. A tab
// already known under tabID is replaced.
func (r *Recorder) AddTab(ctx context.Context, tabID string, surface Surface) error {
	return r.addTab(ctx, tabID, surface, nil)
}

func (r *Recorder) addTab(ctx context.Context, tabID string, surface Surface, stop context.CancelFunc) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("recorder: closed")
	}
	old := r.tabs[tabID]
	t := &tab{surface: surface, stop: stop}
	t.agent = r.newAgent(tabID, surface)
	r.tabs[tabID] = t
	bg := r.bg
	r.mu.Unlock()

	if old != nil {
		old.agent.Dispose()
		if old.stop != nil {
			old.stop()
		}
	}
	if err := t.agent.Start(r.runCtx); err != nil {
		return fmt.Errorf("recorder: start agent %s: %w", tabID, err)
	}
	bg.AddTab(tabID, surface)
	return r.ensure(ctx, tabID)
}

func (r *Recorder) newAgent(tabID string, surface Surface) *agent.Agent {
	var opts []agent.Option
	if r.onOutcome != nil {
		fn := r.onOutcome
		opts = append(opts, agent.WithOutcome(func(out capture.Outcome) { fn(tabID, out) }))
	}
	return agent.New(tabID, surface, r.bus, r.cfg.AgentConfig(), r.logger, opts...)
}

// ensure runs the injection protocol on tabID and announces it.
func (r *Recorder) ensure(ctx context.Context, tabID string) error {
	if err := r.background().EnsureTab(ctx, tabID); err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	r.hub.Publish(events.Event{Type: events.TabReady, TabID: tabID})
	return nil
}

// RemoveTab disposes the agent of tabID.
func (r *Recorder) RemoveTab(tabID string) {
	r.mu.Lock()
	t, ok := r.tabs[tabID]
	delete(r.tabs, tabID)
	bg := r.bg
	r.mu.Unlock()
	if !ok {
		return
	}
	bg.RemoveTab(tabID)
	t.agent.Dispose()
	if t.stop != nil {
		t.stop()
	}
}

// Tabs returns the ids of the wired tabs, sorted.
func (r *Recorder) Tabs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tabs))
	for id := range r.tabs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Route hands one page script event of tabID to its agent.
func (r *Recorder) Route(ctx context.Context, tabID string, payload []byte) error {
	r.mu.RLock()
	t, ok := r.tabs[tabID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("recorder: route: unknown tab %s", tabID)
	}
	return t.agent.Route(ctx, payload)
}

// Navigated re-runs the injection protocol after tabID committed a new
// document.
func (r *Recorder) Navigated(ctx context.Context, tabID, url string) error {
	r.logger.Debug("recorder: navigation", "tab", tabID, "url", url)
	return r.ensure(ctx, tabID)
}

// Reload swaps in cfg: a new background service is attached, which starts
// a new epoch and invalidates every port of the previous one, and every
// tab agent is rebuilt with the new policies. Browser settings apply on the
// next launch.
func (r *Recorder) Reload(ctx context.Context, cfg *config.Config) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.cfg = cfg
	bg := r.newBackground(cfg)
	for id, t := range r.tabs {
		bg.AddTab(id, t.surface)
	}
	r.bg = bg
	ids := make([]string, 0, len(r.tabs))
	for id := range r.tabs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	ctxID := bg.Attach()
	r.logger.Info("recorder: config reloaded", "context", ctxID, "tabs", len(ids))

	for _, id := range ids {
		r.mu.Lock()
		t, ok := r.tabs[id]
		if !ok {
			r.mu.Unlock()
			continue
		}
		old := t.agent
		t.agent = r.newAgent(id, t.surface)
		r.mu.Unlock()

		old.Dispose()
		if err := t.agent.Start(r.runCtx); err != nil {
			r.logger.Warn("recorder: restart agent", "tab", id, "error", err)
			continue
		}
		if err := r.ensure(ctx, id); err != nil {
			r.logger.Warn("recorder: re-inject after reload", "tab", id, "error", err)
		}
	}
	r.hub.Publish(events.Event{Type: events.ConfigReloaded})
}

// control returns a messenger to the current background context.
func (r *Recorder) control() *messenger.Messenger {
	return messenger.New(r.bus.Port(), r.Config().BackgroundConfig().Messenger)
}

func (r *Recorder) send(ctx context.Context, req message.Request) (message.Response, error) {
	resp, err := r.control().Send(ctx, req, 0)
	if err != nil {
		return nil, fmt.Errorf("recorder: %s: %w", req.Kind(), err)
	}
	return resp, nil
}

// StartRecording starts the session and tells every tab to record.
func (r *Recorder) StartRecording(ctx context.Context) (message.RecordingState, error) {
	return r.recordingState(r.send(ctx, message.StartRecording{}))
}

// StopRecording ends the session. The record list is kept.
func (r *Recorder) StopRecording(ctx context.Context) (message.RecordingState, error) {
	return r.recordingState(r.send(ctx, message.StopRecording{}))
}

// State returns the durable recording state.
func (r *Recorder) State(ctx context.Context) (message.RecordingState, error) {
	return r.recordingState(r.send(ctx, message.GetRecordingState{}))
}

func (r *Recorder) recordingState(resp message.Response, err error) (message.RecordingState, error) {
	if err != nil {
		return message.RecordingState{}, err
	}
	st, ok := resp.(message.RecordingState)
	if !ok {
		return message.RecordingState{}, fmt.Errorf("recorder: unexpected response %T", resp)
	}
	return st, nil
}

// ClearRecords empties the operation list.
func (r *Recorder) ClearRecords(ctx context.Context) error {
	_, err := r.send(ctx, message.ClearRecords{})
	return err
}

// Stats summarises the operation list.
func (r *Recorder) Stats(ctx context.Context) (message.Stats, error) {
	resp, err := r.send(ctx, message.GetStats{})
	if err != nil {
		return message.Stats{}, err
	}
	st, ok := resp.(message.Stats)
	if !ok {
		return message.Stats{}, fmt.Errorf("recorder: unexpected response %T", resp)
	}
	return st, nil
}

// Operations returns the recorded operations, oldest first.
func (r *Recorder) Operations(ctx context.Context) ([]oplog.Record, error) {
	return r.background().Log().List(ctx)
}

// Operation returns one operation by id.
func (r *Recorder) Operation(ctx context.Context, id string) (oplog.Record, bool, error) {
	return r.background().Log().Get(ctx, id)
}

// Close disposes every agent, stops the browser and closes the store when
// the recorder opened it.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	tabs := r.tabs
	r.tabs = make(map[string]*tab)
	r.mu.Unlock()

	for _, t := range tabs {
		t.agent.Dispose()
		if t.stop != nil {
			t.stop()
		}
	}
	r.cancel()
	r.bus.Detach()
	if r.pool != nil {
		r.pool.CloseAll()
		r.mgr.Close()
	}
	r.audit.Close()
	return r.closeDB()
}

func (r *Recorder) closeDB() error {
	if r.ownDB && r.db != nil {
		return r.db.Close()
	}
	return nil
}
