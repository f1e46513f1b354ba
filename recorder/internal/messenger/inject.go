package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/steprec/recorder/internal/message"
)

// Injector loads the page script and stylesheet into a tab.
type Injector interface {
	Inject(ctx context.Context) error
}

// InjectorFunc adapts a function to Injector.
type InjectorFunc func(ctx context.Context) error

func (f InjectorFunc) Inject(ctx context.Context) error { return f(ctx) }

// InjectPolicy controls post-injection verification.
type InjectPolicy struct {
	Poll    time.Duration
	Retries int
}

func (p *InjectPolicy) applyDefaults() {
	if p.Poll <= 0 {
		p.Poll = 200 * time.Millisecond
	}
	if p.Retries <= 0 {
		p.Retries = 10
	}
}

// InjectOutcome reports how EnsureInjected concluded.
type InjectOutcome int

const (
	// Present: the page listener answered the first ping.
	Present InjectOutcome = iota
	// Verified: resources were injected and a later ping succeeded.
	Verified
	// Unverified: resources were injected but no ping succeeded in the
	// retry budget. Callers proceed anyway.
	Unverified
)

func (o InjectOutcome) String() string {
	switch o {
	case Present:
		return "present"
	case Verified:
		return "verified"
	default:
		return "unverified"
	}
}

// EnsureInjected makes sure a page listener answers on m. When the first
// ping fails it injects through inj and polls until a ping succeeds or the
// retry budget is spent. Only an injection failure or ctx cancellation is
// an error.
func EnsureInjected(ctx context.Context, m *Messenger, inj Injector, policy InjectPolicy, logger *slog.Logger) (InjectOutcome, error) {
	policy.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := m.Ping(ctx); err == nil {
		return Present, nil
	}
	if err := inj.Inject(ctx); err != nil {
		return Unverified, fmt.Errorf("messenger: inject: %w", err)
	}

	tick := time.NewTicker(policy.Poll)
	defer tick.Stop()
	for attempt := 1; attempt <= policy.Retries; attempt++ {
		select {
		case <-ctx.Done():
			return Unverified, fmt.Errorf("messenger: inject: %w", ctx.Err())
		case <-tick.C:
		}
		if _, err := m.Ping(ctx); err == nil {
			logger.Debug("messenger: injection verified", "attempt", attempt)
			return Verified, nil
		}
	}
	logger.Warn("messenger: injection completed but unverified",
		"retries", policy.Retries, "error", message.ErrInjectionUnverified)
	return Unverified, nil
}
