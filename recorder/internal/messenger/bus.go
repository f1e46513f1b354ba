// Package messenger carries requests between page contexts and the
// background service, detects liveness and re-establishes page scripts.
//
// The Bus models a background service that can restart: every Attach opens
// a new epoch with a fresh context id, and anything bound to an older epoch
// fails with a context-invalidated error instead of reaching the new one.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/steprec/idgen"
	"github.com/hazyhaar/steprec/recorder/internal/message"
)

// ErrNoReceiver is returned when nothing listens on the other end.
var ErrNoReceiver = errors.New("could not establish connection: receiving end does not exist")

// Handler answers requests on behalf of one execution context.
type Handler interface {
	Handle(ctx context.Context, req message.Request) (message.Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req message.Request) (message.Response, error)

func (f HandlerFunc) Handle(ctx context.Context, req message.Request) (message.Response, error) {
	return f(ctx, req)
}

// Transport sends one request and waits for the response.
type Transport interface {
	Send(ctx context.Context, req message.Request) (message.Response, error)
}

// Bus routes requests to the background handler and to page handlers.
type Bus struct {
	mu        sync.RWMutex
	epoch     uint64
	contextID string
	handler   Handler
	// alive is cancelled when the epoch ends.
	alive  context.Context
	cancel context.CancelCauseFunc
	pages  map[string]Handler
	ids    idgen.Generator
}

// NewBus returns a bus with no background attached.
func NewBus(ids idgen.Generator) *Bus {
	if ids == nil {
		ids = idgen.Prefixed("ctx_", idgen.UUIDv7())
	}
	alive, cancel := context.WithCancelCause(context.Background())
	cancel(ErrNoReceiver)
	return &Bus{alive: alive, cancel: cancel, pages: make(map[string]Handler), ids: ids}
}

// Attach installs h as the background handler and starts a new epoch.
// Requests in flight against the previous epoch fail with
// message.ErrContextInvalidated. It returns the new context id.
func (b *Bus) Attach(h Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancel(message.ErrContextInvalidated)
	b.epoch++
	b.contextID = b.ids()
	b.handler = h
	b.alive, b.cancel = context.WithCancelCause(context.Background())
	return b.contextID
}

// Detach removes the background handler. The epoch ends; sends fail with
// ErrNoReceiver until the next Attach.
func (b *Bus) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancel(message.ErrContextInvalidated)
	b.epoch++
	b.contextID = ""
	b.handler = nil
}

// ContextID returns the id of the current background epoch, empty when
// detached.
func (b *Bus) ContextID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.contextID
}

// Port returns a page-side endpoint bound to the current epoch.
func (b *Bus) Port() *Port {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p := &Port{bus: b}
	p.epoch.Store(b.epoch)
	return p
}

// RegisterPage routes page-bound requests for tabID to h. The returned
// function unregisters it if it is still the current handler.
func (b *Bus) RegisterPage(tabID string, h Handler) (unregister func()) {
	b.mu.Lock()
	b.pages[tabID] = h
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if cur, ok := b.pages[tabID]; ok && cur == h {
				delete(b.pages, tabID)
			}
		})
	}
}

// Pages returns the ids of tabs with a registered page handler, sorted.
func (b *Bus) Pages() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.pages))
	for id := range b.pages {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SendToPage delivers req to the page handler of tabID.
func (b *Bus) SendToPage(ctx context.Context, tabID string, req message.Request) (message.Response, error) {
	b.mu.RLock()
	h, ok := b.pages[tabID]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("messenger: tab %s: %w", tabID, ErrNoReceiver)
	}
	return deliver(ctx, h, req, nil)
}

// PageTransport addresses one tab through the bus.
func (b *Bus) PageTransport(tabID string) Transport {
	return pageTransport{bus: b, tabID: tabID}
}

type pageTransport struct {
	bus   *Bus
	tabID string
}

func (t pageTransport) Send(ctx context.Context, req message.Request) (message.Response, error) {
	return t.bus.SendToPage(ctx, t.tabID, req)
}

// Port is a page context's connection to the background. It stays bound to
// the epoch it was created or last rebound in.
type Port struct {
	bus   *Bus
	epoch atomic.Uint64
}

// Send delivers req to the background handler.
func (p *Port) Send(ctx context.Context, req message.Request) (message.Response, error) {
	b := p.bus
	b.mu.RLock()
	epoch, h, alive := b.epoch, b.handler, b.alive
	b.mu.RUnlock()

	if p.epoch.Load() != epoch {
		return nil, &message.Error{Kind: message.KindContextInvalidated, Op: "messenger: send " + string(req.Kind())}
	}
	if h == nil {
		return nil, fmt.Errorf("messenger: send %s: %w", req.Kind(), ErrNoReceiver)
	}
	return deliver(ctx, h, req, alive)
}

// Valid reports whether the port is bound to the current epoch.
func (p *Port) Valid() bool {
	p.bus.mu.RLock()
	defer p.bus.mu.RUnlock()
	return p.epoch.Load() == p.bus.epoch
}

// Rebind moves the port to the current epoch.
func (p *Port) Rebind() {
	p.bus.mu.RLock()
	defer p.bus.mu.RUnlock()
	p.epoch.Store(p.bus.epoch)
}

type reply struct {
	resp message.Response
	err  error
}

// deliver runs h asynchronously and waits for its reply, the caller's
// context, or the end of the epoch (alive may be nil).
func deliver(ctx context.Context, h Handler, req message.Request, alive context.Context) (message.Response, error) {
	done := make(chan reply, 1)
	go func() {
		resp, err := h.Handle(ctx, req)
		done <- reply{resp, err}
	}()

	var dead <-chan struct{}
	if alive != nil {
		dead = alive.Done()
	}
	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("messenger: %s: %w", req.Kind(), ctx.Err())
	case <-dead:
		return nil, &message.Error{Kind: message.KindContextInvalidated, Op: "messenger: " + string(req.Kind())}
	}
}
