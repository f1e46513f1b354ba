package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/steprec/recorder/internal/session"
	"github.com/hazyhaar/steprec/watch"
)

// WatchStore pushes session changes written to the store by other
// processes to every tab. It blocks until ctx is done.
func (r *Recorder) WatchStore(ctx context.Context) error {
	interval := r.Config().Store.WatchInterval
	if interval < 0 {
		return nil
	}
	if interval == 0 {
		return fmt.Errorf("recorder: watch store: zero interval")
	}
	w := watch.New(r.db, watch.Options{
		Interval: interval,
		Debounce: interval / 4,
		Detector: watch.MaxColumn("kv", "updated_at", "key IN (?, ?)", session.KeyRecording, session.KeyStartTime),
		Logger:   r.logger.With("component", "watch"),
	})
	w.Run(ctx, func(ctx context.Context) error {
		syncCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return r.background().Sync(syncCtx)
	})
	return nil
}
