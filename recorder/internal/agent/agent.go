// Package agent owns the page-context side of one recorded tab: the click
// controller, the stability detector, the messenger port to the background
// and the reconciliation loop. Everything a page context needs is created
// here and torn down by Dispose; nothing is global.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/hazyhaar/steprec/idgen"
	"github.com/hazyhaar/steprec/recorder/internal/capture"
	"github.com/hazyhaar/steprec/recorder/internal/message"
	"github.com/hazyhaar/steprec/recorder/internal/messenger"
	"github.com/hazyhaar/steprec/recorder/internal/stability"
)

// Surface is everything the agent needs from the browser tab.
type Surface interface {
	capture.Page
	stability.Probe
	messenger.Injector
	// ScriptAlive reports whether the page script answers in the document.
	ScriptAlive(ctx context.Context) error
}

// Config gathers the policies of the composed components.
type Config struct {
	Capture   capture.Config
	Stability stability.Config
	Messenger messenger.Config
	Reconcile messenger.ReconcileConfig
	// Filter overrides the mutation filter. Nil uses the default.
	Filter stability.Filter
	// DisposeTimeout bounds how long Dispose waits for in-flight clicks.
	DisposeTimeout time.Duration
}

// Agent is the RecorderLifecycle of one tab.
type Agent struct {
	tabID   string
	surface Surface
	bus     *messenger.Bus
	port    *messenger.Port
	msgr    *messenger.Messenger
	hub     *stability.Hub
	ctrl    *capture.Controller
	rec     *messenger.Reconciler
	cfg     Config
	logger  *slog.Logger

	contextID string
	onOutcome func(capture.Outcome)

	mu         sync.Mutex
	started    bool
	disposed   bool
	cancel     context.CancelFunc
	done       chan struct{}
	unregister func()
}

// Option customises an Agent.
type Option func(*Agent)

// WithOutcome registers a callback for every handled click.
func WithOutcome(fn func(capture.Outcome)) Option { return func(a *Agent) { a.onOutcome = fn } }

// WithContextID pins the page context id.
func WithContextID(id string) Option { return func(a *Agent) { a.contextID = id } }

// New wires the components for tabID. The agent does nothing until Start.
func New(tabID string, surface Surface, bus *messenger.Bus, cfg Config, logger *slog.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DisposeTimeout <= 0 {
		cfg.DisposeTimeout = 15 * time.Second
	}
	logger = logger.With("tab", tabID)
	a := &Agent{
		tabID:     tabID,
		surface:   surface,
		bus:       bus,
		port:      bus.Port(),
		hub:       stability.NewHub(),
		cfg:       cfg,
		logger:    logger,
		contextID: idgen.Prefixed("page_", idgen.UUIDv7())(),
	}
	for _, o := range opts {
		o(a)
	}
	a.msgr = messenger.New(a.port, cfg.Messenger)
	det := stability.NewDetector(surface, a.hub, cfg.Filter, cfg.Stability, logger)
	a.ctrl = capture.New(surface, det, capture.SenderFunc(a.sendCapture), cfg.Capture, capture.WithLogger(logger))
	a.rec = messenger.NewReconciler(a.msgr, a.port, local{c: a.ctrl, logger: logger}, a.durableRecording, cfg.Reconcile, logger)
	return a
}

// TabID returns the tab this agent serves.
func (a *Agent) TabID() string { return a.tabID }

// ContextID returns the page context id answered to pings.
func (a *Agent) ContextID() string { return a.contextID }

// Controller exposes the click controller.
func (a *Agent) Controller() *capture.Controller { return a.ctrl }

// Reconciler exposes the reconciliation loop.
func (a *Agent) Reconciler() *messenger.Reconciler { return a.rec }

// Start registers the page handler and launches reconciliation. Calling it
// again, or after Dispose, does nothing.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.disposed {
		return nil
	}
	a.started = true

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.unregister = a.bus.RegisterPage(a.tabID, messenger.HandlerFunc(a.Handle))

	go func() {
		defer close(a.done)
		a.rec.Run(runCtx)
	}()
	a.logger.Info("agent: started", "context", a.contextID)
	return nil
}

// Dispose stops reconciliation and recording, waits for in-flight clicks
// and unregisters the page. Idempotent.
func (a *Agent) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	started := a.started
	a.mu.Unlock()

	// Reconciliation goes first so it cannot restart the controller.
	if started {
		a.cancel()
		<-a.done
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DisposeTimeout)
	defer cancel()
	if err := a.ctrl.Stop(ctx); err != nil {
		a.logger.Debug("agent: stop on dispose", "error", err)
	}

	waited := make(chan struct{})
	go func() {
		a.ctrl.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		a.logger.Warn("agent: in-flight clicks still running at dispose")
	}

	if started {
		a.unregister()
	}
	a.hub.Close()
	a.logger.Info("agent: disposed")
}

// Handle answers page-bound requests from the background.
func (a *Agent) Handle(ctx context.Context, req message.Request) (message.Response, error) {
	switch req.(type) {
	case message.Ping:
		if err := a.surface.ScriptAlive(ctx); err != nil {
			return nil, fmt.Errorf("agent: page script: %w", messenger.ErrNoReceiver)
		}
		return message.Pong{ContextID: a.contextID, At: time.Now()}, nil
	case message.StartRecording:
		if err := a.ctrl.Start(ctx); err != nil {
			return nil, err
		}
		return message.RecordingState{IsRecording: true}, nil
	case message.StopRecording:
		if err := a.ctrl.Stop(ctx); err != nil {
			return nil, err
		}
		return message.RecordingState{}, nil
	case message.GetRecordingState:
		return message.RecordingState{IsRecording: a.ctrl.Recording()}, nil
	default:
		return nil, fmt.Errorf("agent: unsupported request %s", req.Kind())
	}
}

// Route applies one event emitted by the page script.
func (a *Agent) Route(ctx context.Context, payload []byte) error {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("agent: decode event: %w", err)
	}
	switch ev.Type {
	case EventClick:
		if ev.Click == nil {
			return fmt.Errorf("agent: click event without payload")
		}
		a.dispatch(ctx, *ev.Click)
	case EventMutations:
		a.hub.Publish(ev.Mutations)
	case EventLoad:
		a.hub.PublishLoad()
	case EventReady:
		a.logger.Debug("agent: page script ready", "url", ev.URL)
		return a.ctrl.Resync(ctx)
	default:
		return fmt.Errorf("agent: unknown event type %q", ev.Type)
	}
	return nil
}

func (a *Agent) dispatch(ctx context.Context, click capture.Click) {
	ch := a.ctrl.Dispatch(ctx, click)
	go func() {
		out := <-ch
		switch out.Status {
		case capture.StatusCaptured:
			a.logger.Info("agent: click recorded", "operation", out.Result.OperationID,
				"screenshot", out.Result.HasScreenshot, "stability", string(out.Stability.Reason))
		case capture.StatusFailed:
			a.logger.Warn("agent: click not recorded", "error", out.Err)
		default:
			a.logger.Debug("agent: click dropped", "status", string(out.Status))
		}
		if a.onOutcome != nil {
			a.onOutcome(out)
		}
	}()
}

func (a *Agent) sendCapture(ctx context.Context, click message.Click) (message.CaptureResult, error) {
	resp, err := a.msgr.Send(ctx, message.CaptureScreenshot{TabID: a.tabID, Click: click}, 0)
	if err != nil {
		return message.CaptureResult{}, err
	}
	res, ok := resp.(message.CaptureResult)
	if !ok {
		return message.CaptureResult{}, fmt.Errorf("agent: capture: unexpected response %T", resp)
	}
	return res, nil
}

func (a *Agent) durableRecording(ctx context.Context) (bool, error) {
	resp, err := a.msgr.Send(ctx, message.GetRecordingState{}, 0)
	if err != nil {
		return false, err
	}
	st, ok := resp.(message.RecordingState)
	if !ok {
		return false, fmt.Errorf("agent: recording state: unexpected response %T", resp)
	}
	return st.IsRecording, nil
}

// local adapts the controller to the reconciler.
type local struct {
	c      *capture.Controller
	logger *slog.Logger
}

func (l local) Recording() bool                 { return l.c.Recording() }
func (l local) Invalidated(ctx context.Context) { l.c.Invalidate(ctx) }

func (l local) Start(ctx context.Context) {
	if err := l.c.Start(ctx); err != nil {
		l.logger.Warn("agent: reconcile start failed", "error", err)
	}
}

func (l local) Stop(ctx context.Context) {
	if err := l.c.Stop(ctx); err != nil {
		l.logger.Warn("agent: reconcile stop failed", "error", err)
	}
}
