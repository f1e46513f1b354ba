package browser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/steprec/recorder/internal/capture"
	"github.com/hazyhaar/steprec/recorder/internal/oplog"
	"github.com/hazyhaar/steprec/recorder/internal/stability"
)

// invokeJS calls a method of the page script.
const invokeJS = `(method, args) => {
	const s = window.__steprec;
	if (!s) throw new Error('steprec page script not loaded');
	return s[method](...args);
}`

// aliveJS reports whether the page script is loaded.
const aliveJS = `() => !!(window.__steprec && window.__steprec.ping())`

// Tab is one recorded Chrome tab. It implements the page surface used by
// the agent and captures screenshots for the background.
type Tab struct {
	page    *rod.Page
	id      string
	router  *rod.HijackRouter
	loaders []string
	logger  *slog.Logger
}

// TabConfig configures opened tabs.
type TabConfig struct {
	LoaderSelectors  []string
	ResourceBlocking []string
	NavigateTimeout  time.Duration
}

func (c *TabConfig) defaults() {
	if len(c.LoaderSelectors) == 0 {
		c.LoaderSelectors = stability.DefaultLoaderSelectors
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
}

// openTab creates a tab, installs the runtime binding and navigates to
// pageURL. Headless tabs get stealth patches.
func openTab(ctx context.Context, b *rod.Browser, mode Mode, pageURL string, cfg TabConfig, logger *slog.Logger) (*Tab, error) {
	var page *rod.Page
	var err error
	if mode == ModeHeadless {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	t := &Tab{
		page:    page,
		id:      string(page.TargetID),
		loaders: cfg.LoaderSelectors,
		logger:  logger.With("tab", string(page.TargetID)),
	}
	if len(cfg.ResourceBlocking) > 0 {
		t.router = blockResources(page, cfg.ResourceBlocking)
	}
	if err := (proto.RuntimeAddBinding{Name: BindingName}).Call(page); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: add binding: %w", err)
	}

	if pageURL != "" {
		navCtx, cancel := context.WithTimeout(ctx, cfg.NavigateTimeout)
		defer cancel()
		if err := page.Context(navCtx).Navigate(pageURL); err != nil {
			t.Close()
			return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
		}
		if err := page.Context(navCtx).WaitLoad(); err != nil {
			t.logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
		}
	}
	return t, nil
}

// ID returns the CDP target id, used as tab id throughout the recorder.
func (t *Tab) ID() string { return t.id }

// Page exposes the underlying rod page.
func (t *Tab) Page() *rod.Page { return t.page }

// URL returns the tab's current URL.
func (t *Tab) URL() string {
	info, err := t.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// Inject loads the stylesheet and the page script into the current
// document.
func (t *Tab) Inject(ctx context.Context) error {
	p := t.page.Context(ctx)
	if err := p.AddStyleTag("", pageCSS); err != nil {
		return fmt.Errorf("browser: inject css: %w", err)
	}
	if _, err := p.Eval(pageJS); err != nil {
		return fmt.Errorf("browser: inject script: %w", err)
	}
	return nil
}

// ScriptAlive fails when the page script is not loaded in the document.
func (t *Tab) ScriptAlive(ctx context.Context) error {
	res, err := t.page.Context(ctx).Eval(aliveJS)
	if err != nil {
		return fmt.Errorf("browser: ping page script: %w", err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("browser: page script not loaded")
	}
	return nil
}

func (t *Tab) invoke(ctx context.Context, method string, args ...any) (*proto.RuntimeRemoteObject, error) {
	if args == nil {
		args = []any{}
	}
	res, err := t.page.Context(ctx).Eval(invokeJS, method, args)
	if err != nil {
		return nil, fmt.Errorf("browser: %s: %w", method, err)
	}
	return res, nil
}

// AttachClickListener installs the capture-phase click listener.
func (t *Tab) AttachClickListener(ctx context.Context) error {
	_, err := t.invoke(ctx, "attach")
	return err
}

// DetachClickListener removes the click listener.
func (t *Tab) DetachClickListener(ctx context.Context) error {
	_, err := t.invoke(ctx, "detach")
	return err
}

// DrawMarker shows the click marker at (x, y) and returns its element id.
func (t *Tab) DrawMarker(ctx context.Context, x, y int) (string, error) {
	res, err := t.invoke(ctx, "marker", x, y)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// RemoveMarker removes a marker drawn by DrawMarker.
func (t *Tab) RemoveMarker(ctx context.Context, id string) error {
	_, err := t.invoke(ctx, "unmark", id)
	return err
}

// ShowNotice renders n in the page.
func (t *Tab) ShowNotice(ctx context.Context, n capture.Notice) error {
	_, err := t.invoke(ctx, "notice", string(n.Kind), n.Text, n.TTL.Milliseconds())
	return err
}

// Signals reads the stability signals of the current document.
func (t *Tab) Signals(ctx context.Context) (stability.Signals, error) {
	res, err := t.page.Context(ctx).Eval(signalsJS, t.loaders, stability.ContentSelector)
	if err != nil {
		return stability.Signals{}, fmt.Errorf("browser: signals: %w", err)
	}
	var s stability.Signals
	if err := json.Unmarshal([]byte(res.Value.JSON("", "")), &s); err != nil {
		return stability.Signals{}, fmt.Errorf("browser: signals: decode: %w", err)
	}
	return s, nil
}

// captureVisible grabs the viewport.
func (t *Tab) captureVisible(ctx context.Context, opts oplog.CaptureOptions) ([]byte, error) {
	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatJpeg}
	if opts.Format == "png" {
		req.Format = proto.PageCaptureScreenshotFormatPng
	} else if opts.Quality > 0 {
		q := opts.Quality
		req.Quality = &q
	}
	img, err := t.page.Context(ctx).Screenshot(false, req)
	if err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}
	return img, nil
}

// Listen streams page script events to onEvent and main-frame navigations
// to onNavigate until ctx is done. It blocks.
func (t *Tab) Listen(ctx context.Context, onEvent func(payload []byte), onNavigate func(url string)) {
	t.page.Context(ctx).EachEvent(
		func(e *proto.RuntimeBindingCalled) {
			if e.Name != BindingName {
				return
			}
			onEvent([]byte(e.Payload))
		},
		func(e *proto.PageFrameNavigated) {
			if e.Frame == nil || e.Frame.ParentID != "" {
				return
			}
			onNavigate(e.Frame.URL)
		},
	)()
}

// Close closes the tab.
func (t *Tab) Close() error {
	if t.router != nil {
		t.router.Stop()
	}
	return t.page.Close()
}
