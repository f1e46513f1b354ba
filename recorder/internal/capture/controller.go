// Package capture runs the click recording state machine of one page.
//
// A click goes through rate limiting and metadata extraction synchronously,
// then through marker, stability wait and capture request asynchronously.
// The controller is the single place where capture errors become
// user-visible notices.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/steprec/recorder/internal/message"
	"github.com/hazyhaar/steprec/recorder/internal/stability"
)

// NoticeKind selects how a notice is rendered.
type NoticeKind string

const (
	NoticeError  NoticeKind = "error"
	NoticeLimit  NoticeKind = "limit"
	NoticeReload NoticeKind = "reload"
)

// Notice is a message shown in the page. A zero TTL keeps it until reload.
type Notice struct {
	Kind NoticeKind    `json:"kind"`
	Text string        `json:"text"`
	TTL  time.Duration `json:"ttl"`
}

// Page is the DOM surface the controller drives.
type Page interface {
	AttachClickListener(ctx context.Context) error
	DetachClickListener(ctx context.Context) error
	DrawMarker(ctx context.Context, x, y int) (id string, err error)
	RemoveMarker(ctx context.Context, id string) error
	ShowNotice(ctx context.Context, n Notice) error
}

// Waiter blocks until the page is stable enough to capture.
type Waiter interface {
	Wait(ctx context.Context) stability.Result
}

// Sender relays a capture request to the background.
type Sender interface {
	Capture(ctx context.Context, click message.Click) (message.CaptureResult, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, click message.Click) (message.CaptureResult, error)

func (f SenderFunc) Capture(ctx context.Context, click message.Click) (message.CaptureResult, error) {
	return f(ctx, click)
}

// Click is one click event reported by the page script.
type Click struct {
	X       int       `json:"x"`
	Y       int       `json:"y"`
	Element Element   `json:"element"`
	URL     string    `json:"url"`
	Title   string    `json:"title"`
	At      time.Time `json:"at"`
}

// Config holds the controller's rate and notice policy.
type Config struct {
	MinInterval    time.Duration
	QuotaInterval  time.Duration
	NoticeTTL      time.Duration
	LimitPromptTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.MinInterval <= 0 {
		c.MinInterval = 500 * time.Millisecond
	}
	if c.QuotaInterval <= 0 {
		c.QuotaInterval = 5 * time.Second
	}
	if c.NoticeTTL <= 0 {
		c.NoticeTTL = 3 * time.Second
	}
	if c.LimitPromptTTL <= 0 {
		c.LimitPromptTTL = 10 * time.Second
	}
}

// State of the controller.
type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "recording"
	}
	return "idle"
}

// Status summarises what happened to one click.
type Status string

const (
	StatusCaptured    Status = "captured"
	StatusDroppedIdle Status = "dropped_idle"
	StatusRateLimited Status = "rate_limited"
	StatusFailed      Status = "failed"
)

// Outcome is the result of handling one click.
type Outcome struct {
	Status    Status
	Result    message.CaptureResult
	Stability stability.Result
	Err       error
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock injects the clock used by the rate limiter.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(c *Controller) { c.logger = logger } }

// Controller is the recording state machine for one page context.
type Controller struct {
	page   Page
	waiter Waiter
	sender Sender
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	last     time.Time
	interval time.Duration

	inflight sync.WaitGroup
}

// New builds an idle controller.
func New(page Page, waiter Waiter, sender Sender, cfg Config, opts ...Option) *Controller {
	cfg.applyDefaults()
	c := &Controller{
		page:     page,
		waiter:   waiter,
		sender:   sender,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default(),
		interval: cfg.MinInterval,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Recording reports whether the controller accepts clicks.
func (c *Controller) Recording() bool { return c.State() == Recording }

// Interval returns the current minimum gap between accepted clicks.
func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// Start attaches the click listener. No-op when already recording.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Recording {
		return nil
	}
	if err := c.page.AttachClickListener(ctx); err != nil {
		return fmt.Errorf("capture: start: %w", err)
	}
	c.state = Recording
	c.logger.Info("capture: recording started")
	return nil
}

// Stop detaches the click listener. No-op when idle. Captures already in
// flight still complete.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Idle {
		return nil
	}
	c.state = Idle
	if err := c.page.DetachClickListener(ctx); err != nil {
		return fmt.Errorf("capture: stop: %w", err)
	}
	c.logger.Info("capture: recording stopped")
	return nil
}

// Resync re-attaches the listener after the page script was reloaded into
// the tab, which drops listeners installed by the previous script.
func (c *Controller) Resync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Recording {
		return nil
	}
	if err := c.page.AttachClickListener(ctx); err != nil {
		return fmt.Errorf("capture: resync: %w", err)
	}
	return nil
}

// Invalidate forces Idle and shows a persistent reload notice. Used when the
// background context died under this page.
func (c *Controller) Invalidate(ctx context.Context) {
	c.mu.Lock()
	wasRecording := c.state == Recording
	c.state = Idle
	c.mu.Unlock()

	if wasRecording {
		if err := c.page.DetachClickListener(ctx); err != nil {
			c.logger.Debug("capture: detach after invalidation", "error", err)
		}
	}
	c.logger.Warn("capture: background context invalidated, recording stopped")
	c.notify(ctx, Notice{Kind: NoticeReload, Text: "The recorder was restarted. Reload the page to continue recording."})
}

// HandleClick runs the whole pipeline for one click and returns its outcome.
func (c *Controller) HandleClick(ctx context.Context, click Click) Outcome {
	msg, out, ok := c.accept(click)
	if !ok {
		return out
	}
	defer c.inflight.Done()
	return c.process(ctx, msg)
}

// Dispatch accepts or drops click synchronously, then processes it in the
// background. The channel yields the outcome once.
func (c *Controller) Dispatch(ctx context.Context, click Click) <-chan Outcome {
	ch := make(chan Outcome, 1)
	msg, out, ok := c.accept(click)
	if !ok {
		ch <- out
		return ch
	}
	go func() {
		defer c.inflight.Done()
		ch <- c.process(ctx, msg)
	}()
	return ch
}

// Wait blocks until every accepted click has finished processing.
func (c *Controller) Wait() { c.inflight.Wait() }

// accept applies the recording gate and the rate limiter, and extracts the
// click metadata. On success the caller owns one inflight slot.
func (c *Controller) accept(click Click) (message.Click, Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Recording {
		return message.Click{}, Outcome{Status: StatusDroppedIdle}, false
	}
	now := c.now()
	if !c.last.IsZero() && now.Sub(c.last) < c.interval {
		c.logger.Debug("capture: click rate limited", "interval", c.interval)
		return message.Click{}, Outcome{Status: StatusRateLimited}, false
	}
	c.last = now
	c.inflight.Add(1)

	at := click.At
	if at.IsZero() {
		at = now
	}
	return message.Click{
		X:         click.X,
		Y:         click.Y,
		Element:   click.Element.Describe(),
		Text:      click.Element.Label(),
		URL:       click.URL,
		Title:     click.Title,
		Timestamp: at,
	}, Outcome{}, true
}

func (c *Controller) process(ctx context.Context, msg message.Click) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Status: StatusFailed, Err: fmt.Errorf("capture: panic: %v", r)}
			c.fail(ctx, out.Err)
		}
	}()

	markerID, err := c.page.DrawMarker(ctx, msg.X, msg.Y)
	if err != nil {
		c.logger.Debug("capture: draw marker", "error", err)
	}
	if markerID != "" {
		defer func() {
			if err := c.page.RemoveMarker(context.WithoutCancel(ctx), markerID); err != nil {
				c.logger.Debug("capture: remove marker", "error", err)
			}
		}()
	}

	out.Stability = c.waiter.Wait(ctx)

	res, err := c.sender.Capture(ctx, msg)
	if err != nil {
		out.Status = StatusFailed
		out.Err = err
		c.fail(ctx, err)
		return out
	}
	out.Status = StatusCaptured
	out.Result = res
	if res.QuotaExceeded {
		c.throttle(ctx)
	}
	c.logger.Debug("capture: click captured",
		"operation", res.OperationID, "total", res.TotalOperations,
		"screenshot", res.HasScreenshot, "stability", string(out.Stability.Reason))
	return out
}

// fail classifies err and reacts.
func (c *Controller) fail(ctx context.Context, err error) {
	kind := message.Classify(err)
	c.logger.Warn("capture: click failed", "kind", kind.String(), "error", err)
	switch kind {
	case message.KindContextInvalidated:
		c.Invalidate(ctx)
	case message.KindQuotaExceeded:
		c.throttle(ctx)
	case message.KindUsageLimitExceeded:
		c.notify(ctx, Notice{Kind: NoticeLimit, Text: "Usage limit reached. Upgrade to keep recording.", TTL: c.cfg.LimitPromptTTL})
	case message.KindTimeout:
		c.notify(ctx, Notice{Kind: NoticeError, Text: "Screenshot timed out, please try again.", TTL: c.cfg.NoticeTTL})
	case message.KindNotRecording:
		c.notify(ctx, Notice{Kind: NoticeError, Text: "Recording is not active.", TTL: c.cfg.NoticeTTL})
	default:
		c.notify(ctx, Notice{Kind: NoticeError, Text: "Recording failed: " + errText(err), TTL: c.cfg.NoticeTTL})
	}
}

// throttle raises the rate limit interval for the rest of the session.
func (c *Controller) throttle(ctx context.Context) {
	c.mu.Lock()
	raised := c.interval < c.cfg.QuotaInterval
	if raised {
		c.interval = c.cfg.QuotaInterval
	}
	c.mu.Unlock()
	if raised {
		c.logger.Info("capture: screenshot quota exceeded, raising click interval", "interval", c.cfg.QuotaInterval)
	}
	c.notify(ctx, Notice{Kind: NoticeLimit, Text: "Screenshot rate limit reached. Capture frequency was lowered.", TTL: c.cfg.LimitPromptTTL})
}

func (c *Controller) notify(ctx context.Context, n Notice) {
	if err := c.page.ShowNotice(context.WithoutCancel(ctx), n); err != nil {
		c.logger.Debug("capture: show notice", "error", err)
	}
}

func errText(err error) string {
	var e *message.Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}
