package stability

import (
	"context"
	"log/slog"
	"time"
)

// Config holds the detector's timing policy.
type Config struct {
	// Settle is the mutation silence required before a stability check.
	Settle time.Duration
	// Ceiling bounds the wait regardless of page activity.
	Ceiling time.Duration
	// Quiet is the silence that makes the page acceptable at the ceiling.
	Quiet time.Duration
	// Grace is the extra delay granted when the page is still busy at the
	// ceiling.
	Grace time.Duration
	// LoadGrace is the delay after the window load event before re-checking.
	LoadGrace time.Duration
	// MinContent is the content element floor (exclusive).
	MinContent int
}

func (c *Config) applyDefaults() {
	if c.Settle <= 0 {
		c.Settle = 500 * time.Millisecond
	}
	if c.Ceiling <= 0 {
		c.Ceiling = 3 * time.Second
	}
	if c.Quiet <= 0 {
		c.Quiet = time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 500 * time.Millisecond
	}
	if c.LoadGrace <= 0 {
		c.LoadGrace = 500 * time.Millisecond
	}
	if c.MinContent <= 0 {
		c.MinContent = 5
	}
}

// Reason explains how a wait resolved.
type Reason string

const (
	ReasonSettled  Reason = "settled"
	ReasonLoaded   Reason = "loaded"
	ReasonQuiet    Reason = "quiet"
	ReasonCeiling  Reason = "ceiling"
	ReasonForced   Reason = "forced"
	ReasonCanceled Reason = "canceled"
)

// Result describes a finished wait.
type Result struct {
	Reason    Reason
	Mutations int
	Elapsed   time.Duration
}

// Detector waits for page stability. It is safe for concurrent use; every
// Wait takes its own hub subscription.
type Detector struct {
	probe  Probe
	hub    *Hub
	filter Filter
	cfg    Config
	logger *slog.Logger
}

// NewDetector builds a detector reading signals from probe and mutations
// from hub. A nil filter uses DefaultFilter(nil).
func NewDetector(probe Probe, hub *Hub, filter Filter, cfg Config, logger *slog.Logger) *Detector {
	cfg.applyDefaults()
	if filter == nil {
		filter = DefaultFilter(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{probe: probe, hub: hub, filter: filter, cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// Wait blocks until the page is judged stable, the ceiling forces a
// resolution, or ctx is done. It never fails and never takes longer than
// Ceiling + Grace.
func (d *Detector) Wait(ctx context.Context) Result {
	start := time.Now()
	deadline := start.Add(d.cfg.Ceiling)
	sub := d.hub.Subscribe()
	defer sub.Cancel()

	w := &wait{d: d, lastActivity: start}

	settle := time.NewTimer(d.cfg.Settle)
	defer settle.Stop()
	ceiling := time.NewTimer(d.cfg.Ceiling)
	defer ceiling.Stop()

	// Load is only worth waiting for when the document is still loading now.
	initial, err := d.signals(ctx, w.budget(deadline))
	waitLoad := err == nil && initial.Loading()
	var loadGrace <-chan time.Time

	events := sub.C
	done := func(r Reason) Result {
		res := Result{Reason: r, Mutations: w.mutations, Elapsed: time.Since(start)}
		d.logger.Debug("stability: resolved",
			"reason", string(r), "mutations", res.Mutations, "elapsed_ms", res.Elapsed.Milliseconds())
		return res
	}

	for {
		select {
		case <-ctx.Done():
			return done(ReasonCanceled)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Kind {
			case EventMutations:
				if n := d.filter.Count(ev.Mutations); n > 0 {
					w.mutations += n
					w.lastActivity = time.Now()
					settle.Reset(d.cfg.Settle)
				}
			case EventLoad:
				if waitLoad && loadGrace == nil {
					loadGrace = time.After(d.cfg.LoadGrace)
				}
			}

		case <-settle.C:
			if limit := w.budget(deadline); limit > 0 && w.stable(ctx, limit) {
				return done(ReasonSettled)
			}
			settle.Reset(d.cfg.Settle)

		case <-loadGrace:
			loadGrace = nil
			waitLoad = false
			if limit := w.budget(deadline); limit > 0 && w.stable(ctx, limit) {
				return done(ReasonLoaded)
			}

		case <-ceiling.C:
			if time.Since(w.lastActivity) > d.cfg.Quiet {
				return done(ReasonQuiet)
			}
			// The last check and the grace period share one Grace budget.
			graceEnd := time.Now().Add(d.cfg.Grace)
			if w.stable(ctx, d.cfg.Grace) {
				return done(ReasonCeiling)
			}
			grace := time.NewTimer(time.Until(graceEnd))
			select {
			case <-grace.C:
				return done(ReasonForced)
			case <-ctx.Done():
				grace.Stop()
				return done(ReasonCanceled)
			}
		}
	}
}

// signals probes with a hard deadline of limit. The probe runs on its own
// goroutine so one that ignores its context still cannot stretch the wait.
func (d *Detector) signals(ctx context.Context, limit time.Duration) (Signals, error) {
	pctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	type result struct {
		s   Signals
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := d.probe.Signals(pctx)
		ch <- result{s, err}
	}()
	select {
	case r := <-ch:
		return r.s, r.err
	case <-pctx.Done():
		return Signals{}, pctx.Err()
	}
}

type wait struct {
	d            *Detector
	lastActivity time.Time
	mutations    int
}

// budget is the probe limit before the ceiling: one settle window, cut
// short by the time left until deadline.
func (w *wait) budget(deadline time.Time) time.Duration {
	return min(w.d.cfg.Settle, time.Until(deadline))
}

// stable runs one stability check bounded by limit. A busy page counts as
// fresh activity.
func (w *wait) stable(ctx context.Context, limit time.Duration) bool {
	s, err := w.d.signals(ctx, limit)
	if err != nil {
		w.d.logger.Debug("stability: probe failed", "error", err)
		return false
	}
	if s.Busy() {
		w.lastActivity = time.Now()
		return false
	}
	return s.Sufficient(w.d.cfg.MinContent)
}
