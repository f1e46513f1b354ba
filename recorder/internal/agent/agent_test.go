package agent

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/steprec/recorder/internal/capture"
	"github.com/hazyhaar/steprec/recorder/internal/message"
	"github.com/hazyhaar/steprec/recorder/internal/messenger"
	"github.com/hazyhaar/steprec/recorder/internal/stability"
)

type fakeSurface struct {
	mu       sync.Mutex
	attached int
	detached int
	failWith error
	notices  []capture.Notice
	alive    atomic.Bool
}

func (s *fakeSurface) AttachClickListener(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.attached++
	return nil
}

func (s *fakeSurface) DetachClickListener(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.detached++
	return nil
}

func (s *fakeSurface) DrawMarker(context.Context, int, int) (string, error) { return "m1", nil }
func (s *fakeSurface) RemoveMarker(context.Context, string) error           { return nil }

func (s *fakeSurface) ShowNotice(_ context.Context, n capture.Notice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, n)
	return nil
}

func (s *fakeSurface) Signals(context.Context) (stability.Signals, error) {
	return stability.Signals{ReadyState: "complete", ContentElements: 10}, nil
}

func (s *fakeSurface) Inject(context.Context) error {
	s.alive.Store(true)
	return nil
}

func (s *fakeSurface) ScriptAlive(context.Context) error {
	if !s.alive.Load() {
		return errors.New("page script missing")
	}
	return nil
}

func (s *fakeSurface) counts() (attached, detached int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached, s.detached
}

// fakeBackground answers like the background service with an in-memory
// session.
type fakeBackground struct {
	bus       *messenger.Bus
	recording atomic.Bool
	captures  atomic.Int32
}

func (b *fakeBackground) Handle(_ context.Context, req message.Request) (message.Response, error) {
	switch r := req.(type) {
	case message.Ping:
		return message.Pong{ContextID: b.bus.ContextID()}, nil
	case message.GetRecordingState:
		return message.RecordingState{IsRecording: b.recording.Load()}, nil
	case message.CaptureScreenshot:
		n := b.captures.Add(1)
		return message.CaptureResult{OperationID: r.TabID + "-op", TotalOperations: int(n), HasScreenshot: true}, nil
	default:
		return message.Ack{}, nil
	}
}

var testConfig = Config{
	Stability: stability.Config{Settle: 10 * time.Millisecond, Ceiling: 100 * time.Millisecond},
	Reconcile: messenger.ReconcileConfig{Interval: 20 * time.Millisecond, Backoff: 20 * time.Millisecond},
}

func setup(t *testing.T, opts ...Option) (*Agent, *fakeSurface, *fakeBackground) {
	t.Helper()
	bus := messenger.NewBus(nil)
	bg := &fakeBackground{bus: bus}
	bus.Attach(bg)
	surface := &fakeSurface{}
	a := New("tab-1", surface, bus, testConfig, nil, opts...)
	t.Cleanup(a.Dispose)
	return a, surface, bg
}

func TestStartDisposeIdempotent(t *testing.T) {
	a, _, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Start(ctx))
	assert.Equal(t, []string{"tab-1"}, a.bus.Pages())

	a.Dispose()
	a.Dispose()
	assert.Empty(t, a.bus.Pages())

	require.NoError(t, a.Start(ctx))
	assert.Empty(t, a.bus.Pages())
}

func TestDisposeWithoutStart(t *testing.T) {
	a, _, _ := setup(t)
	a.Dispose()
}

func TestHandlePing(t *testing.T) {
	a, surface, _ := setup(t, WithContextID("page-1"))
	ctx := context.Background()

	_, err := a.Handle(ctx, message.Ping{})
	require.Error(t, err)
	assert.Equal(t, message.KindContextInvalidated, message.Classify(err))

	surface.alive.Store(true)
	resp, err := a.Handle(ctx, message.Ping{})
	require.NoError(t, err)
	assert.Equal(t, "page-1", resp.(message.Pong).ContextID)
}

func TestHandleStartStop(t *testing.T) {
	a, surface, _ := setup(t)
	ctx := context.Background()

	_, err := a.Handle(ctx, message.StartRecording{})
	require.NoError(t, err)
	_, err = a.Handle(ctx, message.StartRecording{})
	require.NoError(t, err)
	st, err := a.Handle(ctx, message.GetRecordingState{})
	require.NoError(t, err)
	assert.True(t, st.(message.RecordingState).IsRecording)

	_, err = a.Handle(ctx, message.StopRecording{})
	require.NoError(t, err)
	attached, detached := surface.counts()
	assert.Equal(t, 1, attached)
	assert.Equal(t, 1, detached)

	_, err = a.Handle(ctx, message.ClearRecords{})
	assert.Error(t, err)
}

func TestRouteClick(t *testing.T) {
	outcomes := make(chan capture.Outcome, 1)
	a, _, bg := setup(t, WithOutcome(func(o capture.Outcome) { outcomes <- o }))
	ctx := context.Background()
	require.NoError(t, a.Controller().Start(ctx))

	err := a.Route(ctx, []byte(`{"type":"click","click":{"x":100,"y":100,"element":{"tag":"BUTTON","text":"Submit"},"url":"https://example.com/form","title":"Form"}}`))
	require.NoError(t, err)

	select {
	case out := <-outcomes:
		assert.Equal(t, capture.StatusCaptured, out.Status)
		assert.Equal(t, "tab-1-op", out.Result.OperationID)
	case <-time.After(2 * time.Second):
		t.Fatal("click not processed")
	}
	assert.EqualValues(t, 1, bg.captures.Load())
}

func TestRouteMutationsAndLoad(t *testing.T) {
	a, _, _ := setup(t)
	ctx := context.Background()
	sub := a.hub.Subscribe()
	defer sub.Cancel()

	require.NoError(t, a.Route(ctx, []byte(`{"type":"mutations","mutations":[{"type":"childList","target":{"tag":"body","element":true},"added":[{"tag":"div","element":true}]}]}`)))
	require.NoError(t, a.Route(ctx, []byte(`{"type":"load"}`)))

	ev := <-sub.C
	assert.Equal(t, stability.EventMutations, ev.Kind)
	require.Len(t, ev.Mutations, 1)
	assert.Equal(t, "div", ev.Mutations[0].Added[0].Tag)
	assert.Equal(t, stability.EventLoad, (<-sub.C).Kind)
}

func TestRouteReadyResyncs(t *testing.T) {
	a, surface, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, a.Route(ctx, []byte(`{"type":"ready","url":"https://example.com"}`)))
	attached, _ := surface.counts()
	assert.Zero(t, attached)

	require.NoError(t, a.Controller().Start(ctx))
	require.NoError(t, a.Route(ctx, []byte(`{"type":"ready"}`)))
	attached, _ = surface.counts()
	assert.Equal(t, 2, attached)
}

func TestRouteRejectsGarbage(t *testing.T) {
	a, _, _ := setup(t)
	ctx := context.Background()
	assert.Error(t, a.Route(ctx, []byte(`not json`)))
	assert.Error(t, a.Route(ctx, []byte(`{"type":"scroll"}`)))
	assert.Error(t, a.Route(ctx, []byte(`{"type":"click"}`)))
}

func TestReconcileFollowsDurableSession(t *testing.T) {
	a, _, bg := setup(t)
	require.NoError(t, a.Start(context.Background()))

	bg.recording.Store(true)
	require.Eventually(t, a.Controller().Recording, time.Second, 5*time.Millisecond)

	bg.recording.Store(false)
	require.Eventually(t, func() bool { return !a.Controller().Recording() }, time.Second, 5*time.Millisecond)
}

func TestBackgroundRestartStopsRecording(t *testing.T) {
	a, surface, bg := setup(t)
	bg.recording.Store(true)
	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, a.Controller().Recording, time.Second, 5*time.Millisecond)

	// The background restarts; the page port goes stale.
	a.bus.Attach(bg)

	require.Eventually(t, func() bool {
		surface.mu.Lock()
		defer surface.mu.Unlock()
		for _, n := range surface.notices {
			if n.Kind == capture.NoticeReload {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return a.Reconciler().Retries() >= 1 }, time.Second, 5*time.Millisecond)
	// After the backoff the port is rebound and the durable session wins.
	require.Eventually(t, a.Controller().Recording, time.Second, 5*time.Millisecond)
}

func TestLocal_LogsListenerFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	surface := &fakeSurface{failWith: errors.New("Target closed")}
	ctrl := capture.New(surface, nil, nil, capture.Config{}, capture.WithLogger(logger))
	l := local{c: ctrl, logger: logger}

	l.Start(context.Background())
	assert.False(t, l.Recording())
	assert.Contains(t, buf.String(), "agent: reconcile start failed")
	assert.Contains(t, buf.String(), "Target closed")
}
