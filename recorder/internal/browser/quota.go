package browser

import (
	"errors"
	"sync"
	"time"

	"github.com/hazyhaar/steprec/recorder/internal/message"
)

// errCaptureQuota mirrors the error text Chrome gives extensions that call
// captureVisibleTab too often.
var errCaptureQuota = errors.New("this request exceeds the MAX_CAPTURE_VISIBLE_TAB_CALLS_PER_SECOND quota exceeded")

// captureQuota allows at most max captures in any one-second window.
type captureQuota struct {
	mu     sync.Mutex
	max    int
	recent []time.Time
	now    func() time.Time
}

func newCaptureQuota(max int) *captureQuota {
	if max <= 0 {
		max = 2
	}
	return &captureQuota{max: max, now: time.Now}
}

// take reserves one capture or returns a quota error.
func (q *captureQuota) take() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	cutoff := now.Add(-time.Second)
	keep := q.recent[:0]
	for _, t := range q.recent {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	q.recent = keep
	if len(q.recent) >= q.max {
		return &message.Error{Kind: message.KindQuotaExceeded, Op: "browser: capture", Err: errCaptureQuota}
	}
	q.recent = append(q.recent, now)
	return nil
}
