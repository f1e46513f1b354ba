// Package watch polls a SQLite database for changes made behind the
// process's back, e.g. by another steprec command sharing the store, and
// runs an action once the changes settle.
//
// Typical usage:
//
//	w := watch.New(db, watch.Options{Interval: 500*time.Millisecond, Debounce: 100*time.Millisecond})
//	go w.Run(ctx, func(ctx context.Context) error { return svc.Sync(ctx) })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Detector reads a version token from the database. Two calls that return
// different values mean something changed.
type Detector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes the watcher.
type Options struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action fires.
	// Further changes reset it. 0 fires on detection.
	Debounce time.Duration
	// Detector defaults to DataVersion.
	Detector Detector
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = DataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher runs an action when the detected version moves.
type Watcher struct {
	db   *sql.DB
	opts Options

	version atomic.Int64

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	fired   atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64 `json:"checks"`
	ChangesDetected int64 `json:"changes_detected"`
	Errors          int64 `json:"errors"`
	Fired           int64 `json:"fired"`
}

// New creates a Watcher. Call Run to start polling.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Fired:           w.fired.Load(),
	}
}

// Version returns the last version the action succeeded for.
func (w *Watcher) Version() int64 { return w.version.Load() }

// Run polls until ctx is done. When the version changes and the debounce
// window passes quietly, action runs. A failed action leaves the version
// where it was so the next poll retries it.
func (w *Watcher) Run(ctx context.Context, action func(ctx context.Context) error) {
	log := w.opts.Logger

	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var fire <-chan time.Time
	pending := int64(-1)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || cur == pending {
				continue
			}
			w.changes.Add(1)
			pending = cur
			if w.opts.Debounce <= 0 {
				w.run(ctx, action, pending)
				pending = -1
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.opts.Debounce)
			} else {
				debounce.Reset(w.opts.Debounce)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			if pending >= 0 {
				w.run(ctx, action, pending)
				pending = -1
			}
		}
	}
}

func (w *Watcher) run(ctx context.Context, action func(context.Context) error, ver int64) {
	if err := action(ctx); err != nil {
		w.errors.Add(1)
		w.opts.Logger.Error("watch: action failed", "version", ver, "error", err)
		return
	}
	w.fired.Add(1)
	w.version.Store(ver)
	w.opts.Logger.Debug("watch: change applied", "version", ver)
}

// DataVersion uses PRAGMA data_version, which moves when another
// connection commits to the same database file.
func DataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// MaxColumn returns a Detector polling MAX(column) of table, optionally
// restricted by a WHERE clause. Identifiers are quoted.
func MaxColumn(table, column, where string, args ...any) Detector {
	query := "SELECT COALESCE(MAX(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table)
	if where != "" {
		query += " WHERE " + where
	}
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query, args...).Scan(&v)
		return v, err
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
