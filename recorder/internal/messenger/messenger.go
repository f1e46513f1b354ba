package messenger

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/steprec/recorder/internal/message"
)

// Config holds messenger timeouts.
type Config struct {
	ProbeTimeout   time.Duration
	RequestTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// Messenger wraps a Transport with timeouts and error classification.
type Messenger struct {
	t   Transport
	cfg Config
}

// New returns a messenger over t.
func New(t Transport, cfg Config) *Messenger {
	cfg.applyDefaults()
	return &Messenger{t: t, cfg: cfg}
}

// Config returns the effective configuration.
func (m *Messenger) Config() Config { return m.cfg }

// Ping probes the other side with the probe timeout. A reply without a
// context id counts as an invalidated context.
func (m *Messenger) Ping(ctx context.Context) (message.Pong, error) {
	resp, err := m.Send(ctx, message.Ping{}, m.cfg.ProbeTimeout)
	if err != nil {
		return message.Pong{}, err
	}
	pong, ok := resp.(message.Pong)
	if !ok {
		return message.Pong{}, fmt.Errorf("messenger: ping: unexpected response %T", resp)
	}
	if pong.ContextID == "" {
		return message.Pong{}, &message.Error{Kind: message.KindContextInvalidated, Op: "messenger: ping"}
	}
	return pong, nil
}

// Send delivers req and waits at most timeout (zero uses the request
// timeout). Failures come back as *message.Error.
func (m *Messenger) Send(ctx context.Context, req message.Request, timeout time.Duration) (message.Response, error) {
	if timeout <= 0 {
		timeout = m.cfg.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := m.t.Send(ctx, req)
	if err != nil {
		return nil, message.Wrap("messenger: send "+string(req.Kind()), err)
	}
	return resp, nil
}
