package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/steprec/recorder/internal/message"
)

// Local is the page-side recording state the reconciler converges.
type Local interface {
	Recording() bool
	Start(ctx context.Context)
	Stop(ctx context.Context)
	// Invalidated is called when the background context died under the
	// page. The implementation stops recording and tells the user.
	Invalidated(ctx context.Context)
}

// Source reads the durable recording flag.
type Source func(ctx context.Context) (bool, error)

// Rebinder reattaches a connection to the live background context.
type Rebinder interface {
	Rebind()
}

// ReconcileConfig times the reconciliation loop.
type ReconcileConfig struct {
	Interval time.Duration
	Backoff  time.Duration
}

func (c *ReconcileConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 3 * time.Second
	}
	if c.Backoff <= 0 {
		c.Backoff = 3 * time.Second
	}
}

// Reconciler periodically probes the background and aligns the local
// recording state with the durable session.
type Reconciler struct {
	m       *Messenger
	port    Rebinder
	local   Local
	source  Source
	cfg     ReconcileConfig
	logger  *slog.Logger
	probes  atomic.Int64
	retries atomic.Int64
	rebind  bool
}

// NewReconciler builds a reconciler. port may be nil when the transport
// never goes stale.
func NewReconciler(m *Messenger, port Rebinder, local Local, source Source, cfg ReconcileConfig, logger *slog.Logger) *Reconciler {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{m: m, port: port, local: local, source: source, cfg: cfg, logger: logger}
}

// Probes returns how many liveness probes were sent.
func (r *Reconciler) Probes() int64 { return r.probes.Load() }

// Retries returns how many invalidation retries were scheduled.
func (r *Reconciler) Retries() int64 { return r.retries.Load() }

// Run checks immediately, then every Interval. After an invalidated probe
// it waits Backoff, rebinds and checks once more before resuming the
// regular cadence. Run returns when ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		err := r.Check(ctx)
		if message.Classify(err) == message.KindContextInvalidated {
			r.retries.Add(1)
			r.rebind = true
			r.logger.Info("messenger: background context invalidated, retrying after backoff",
				"backoff", r.cfg.Backoff)
			timer.Reset(r.cfg.Backoff)
			continue
		}
		timer.Reset(r.cfg.Interval)
	}
}

// Check runs one reconciliation. An unreachable background leaves local
// state alone; an invalidated one stops local recording.
func (r *Reconciler) Check(ctx context.Context) error {
	if r.rebind && r.port != nil {
		r.port.Rebind()
	}
	r.rebind = false

	r.probes.Add(1)
	if _, err := r.m.Ping(ctx); err != nil {
		if message.Classify(err) == message.KindContextInvalidated {
			if r.local.Recording() {
				r.local.Invalidated(ctx)
			}
		} else {
			r.logger.Debug("messenger: background unreachable", "error", err)
		}
		return err
	}

	recording, err := r.source(ctx)
	if err != nil {
		return fmt.Errorf("messenger: reconcile: %w", err)
	}
	switch local := r.local.Recording(); {
	case recording && !local:
		r.logger.Info("messenger: durable session is recording, starting locally")
		r.local.Start(ctx)
	case !recording && local:
		r.logger.Info("messenger: durable session stopped, stopping locally")
		r.local.Stop(ctx)
	}
	return nil
}
