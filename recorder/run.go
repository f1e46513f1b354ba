package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/steprec/recorder/internal/browser"
)

// Run launches the browser, opens the configured pages plus urls and
// records them until ctx is done.
func (r *Recorder) Run(ctx context.Context, urls ...string) error {
	if r.pool == nil {
		return fmt.Errorf("recorder: run: no browser, recorder was built with a custom capturer")
	}
	r.mgr.SetRecycleCallback(&browser.RecycleCallback{
		BeforeRecycle: r.beforeRecycle,
		AfterRecycle:  func(*rod.Browser) { go r.afterRecycle(ctx) },
		Defer:         r.recordingInProgress,
	})
	if _, err := r.mgr.Start(ctx); err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	go r.watchClosed(ctx)

	for _, u := range append(r.Config().URLs(), urls...) {
		if _, err := r.OpenPage(ctx, u); err != nil {
			r.logger.Error("recorder: open page", "url", u, "error", err)
		}
	}

	<-ctx.Done()
	return nil
}

// OpenPage opens pageURL in a new tab and records it.
func (r *Recorder) OpenPage(ctx context.Context, pageURL string) (string, error) {
	if r.pool == nil {
		return "", fmt.Errorf("recorder: open page: no browser")
	}
	t, err := r.pool.Open(ctx, pageURL)
	if err != nil {
		return "", fmt.Errorf("recorder: %w", err)
	}
	id := t.ID()

	listenCtx, stop := context.WithCancel(r.runCtx)
	go t.Listen(listenCtx,
		func(payload []byte) {
			if err := r.Route(listenCtx, id, payload); err != nil {
				r.logger.Debug("recorder: page event", "tab", id, "error", err)
			}
		},
		func(url string) {
			go func() {
				if err := r.Navigated(listenCtx, id, url); err != nil {
					r.logger.Warn("recorder: re-inject after navigation", "tab", id, "url", url, "error", err)
				}
			}()
		},
	)

	if err := r.addTab(ctx, id, t, stop); err != nil {
		return id, err
	}
	r.logger.Info("recorder: tab recording", "tab", id, "url", pageURL)
	return id, nil
}

func (r *Recorder) watchClosed(ctx context.Context) {
	err := r.pool.WatchClosed(ctx, func(id string) {
		r.RemoveTab(id)
	})
	if err != nil {
		r.logger.Warn("recorder: tab close watcher", "error", err)
	}
}

// beforeRecycle drops every tab of the dying browser and remembers where
// they were.
// recordingInProgress holds automatic browser recycling while a session is
// recording.
func (r *Recorder) recordingInProgress() bool {
	ctx, cancel := context.WithTimeout(r.runCtx, 2*time.Second)
	defer cancel()
	st, err := r.sessions.Load(ctx)
	if err != nil {
		r.logger.Warn("recorder: recycle check", "error", err)
		return false
	}
	return st.IsRecording
}

func (r *Recorder) beforeRecycle() {
	var urls []string
	for _, id := range r.pool.IDs() {
		if t, ok := r.pool.Get(id); ok {
			if u := t.URL(); u != "" {
				urls = append(urls, u)
			}
		}
		r.RemoveTab(id)
	}
	r.pool.Forget()
	r.mu.Lock()
	r.recycleURL = urls
	r.mu.Unlock()
}

func (r *Recorder) afterRecycle(ctx context.Context) {
	r.mu.Lock()
	urls := r.recycleURL
	r.recycleURL = nil
	r.mu.Unlock()

	go r.watchClosed(ctx)
	for _, u := range urls {
		if _, err := r.OpenPage(ctx, u); err != nil {
			r.logger.Error("recorder: reopen after recycle", "url", u, "error", err)
		}
	}
}
