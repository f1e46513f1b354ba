package background

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/steprec/dbopen"
	"github.com/hazyhaar/steprec/recorder/internal/events"
	"github.com/hazyhaar/steprec/recorder/internal/kvstore"
	"github.com/hazyhaar/steprec/recorder/internal/message"
	"github.com/hazyhaar/steprec/recorder/internal/messenger"
	"github.com/hazyhaar/steprec/recorder/internal/oplog"
	"github.com/hazyhaar/steprec/recorder/internal/session"
)

type stubCapturer struct{}

func (stubCapturer) CaptureVisible(context.Context, string, oplog.CaptureOptions) ([]byte, error) {
	return []byte{0xff, 0xd8}, nil
}

// fakeTab answers page-bound requests and records them.
type fakeTab struct {
	mu  sync.Mutex
	got []message.Kind
}

func (f *fakeTab) Handle(_ context.Context, req message.Request) (message.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := req.(message.Ping); ok {
		return message.Pong{ContextID: "page"}, nil
	}
	f.got = append(f.got, req.Kind())
	return message.Ack{}, nil
}

func (f *fakeTab) received() []message.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message.Kind(nil), f.got...)
}

type fixture struct {
	svc      *Service
	sessions *session.Store
	bus      *messenger.Bus
	hub      *events.Hub
	port     *messenger.Port
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv, err := kvstore.New(dbopen.OpenMemory(t))
	require.NoError(t, err)
	sessions := session.New(kv)
	ops := oplog.New(kv, sessions, stubCapturer{}, oplog.Config{})
	bus := messenger.NewBus(nil)
	hub := events.NewHub(nil)
	svc := New(sessions, ops, bus, hub, Config{
		Inject: messenger.InjectPolicy{Poll: 5 * time.Millisecond, Retries: 5},
	}, nil)
	svc.Attach()
	return &fixture{svc: svc, sessions: sessions, bus: bus, hub: hub, port: bus.Port()}
}

func (f *fixture) send(t *testing.T, req message.Request) message.Response {
	t.Helper()
	resp, err := f.port.Send(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func noInject(context.Context) error { return nil }

func TestPing(t *testing.T) {
	f := newFixture(t)
	pong := f.send(t, message.Ping{}).(message.Pong)
	assert.Equal(t, f.bus.ContextID(), pong.ContextID)
}

func TestStartStopFanOut(t *testing.T) {
	f := newFixture(t)
	tabs := map[string]*fakeTab{"tab-1": {}, "tab-2": {}}
	for id, tab := range tabs {
		f.bus.RegisterPage(id, tab)
		f.svc.AddTab(id, messenger.InjectorFunc(noInject))
	}
	evs, cancel := f.hub.Subscribe(8)
	defer cancel()

	st := f.send(t, message.StartRecording{}).(message.RecordingState)
	assert.True(t, st.IsRecording)
	require.NotNil(t, st.StartTime)

	again := f.send(t, message.StartRecording{}).(message.RecordingState)
	assert.True(t, st.StartTime.Equal(*again.StartTime))

	stopped := f.send(t, message.StopRecording{}).(message.RecordingState)
	assert.False(t, stopped.IsRecording)

	for id, tab := range tabs {
		assert.Equal(t, []message.Kind{message.KindStartRecording, message.KindStartRecording, message.KindStopRecording}, tab.received(), id)
	}
	assert.Equal(t, events.RecordingStarted, (<-evs).Type)
}

func TestCapture(t *testing.T) {
	f := newFixture(t)
	evs, cancel := f.hub.Subscribe(8)
	defer cancel()

	_, err := f.port.Send(context.Background(), message.CaptureScreenshot{TabID: "tab-1"})
	require.ErrorIs(t, err, message.ErrNotRecording)

	f.send(t, message.StartRecording{})
	<-evs
	res := f.send(t, message.CaptureScreenshot{TabID: "tab-1", Click: message.Click{X: 1, Y: 2, URL: "https://example.com"}}).(message.CaptureResult)
	assert.True(t, res.HasScreenshot)
	assert.Equal(t, 1, res.TotalOperations)

	ev := <-evs
	assert.Equal(t, events.OperationAdded, ev.Type)
	assert.Equal(t, res.OperationID, ev.OperationID)
	assert.Equal(t, "tab-1", ev.TabID)

	stats := f.send(t, message.GetStats{}).(message.Stats)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Screenshots)
	assert.True(t, stats.IsRecording)

	f.send(t, message.ClearRecords{})
	assert.Equal(t, events.RecordsCleared, (<-evs).Type)
	stats = f.send(t, message.GetStats{}).(message.Stats)
	assert.Zero(t, stats.Total)
}

func TestGetRecordingState(t *testing.T) {
	f := newFixture(t)
	st := f.send(t, message.GetRecordingState{}).(message.RecordingState)
	assert.False(t, st.IsRecording)
	assert.Nil(t, st.StartTime)

	f.send(t, message.StartRecording{})
	st = f.send(t, message.GetRecordingState{}).(message.RecordingState)
	assert.True(t, st.IsRecording)
}

func TestEnsureTab_InjectsAndStarts(t *testing.T) {
	f := newFixture(t)
	tab := &fakeTab{}
	var injections int
	f.svc.AddTab("tab-1", messenger.InjectorFunc(func(context.Context) error {
		injections++
		f.bus.RegisterPage("tab-1", tab)
		return nil
	}))

	require.NoError(t, f.svc.EnsureTab(context.Background(), "tab-1"))
	assert.Equal(t, 1, injections)
	assert.Empty(t, tab.received())

	f.send(t, message.StartRecording{})
	require.NoError(t, f.svc.EnsureTab(context.Background(), "tab-1"))
	assert.Equal(t, 1, injections)
	assert.Contains(t, tab.received(), message.KindStartRecording)
}

func TestEnsureTab_Unknown(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.svc.EnsureTab(context.Background(), "nope"))
	assert.Empty(t, f.svc.Tabs())
}

func TestBrokenTabDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	good := &fakeTab{}
	f.bus.RegisterPage("good", good)
	f.svc.AddTab("good", messenger.InjectorFunc(noInject))
	f.svc.AddTab("dead", messenger.InjectorFunc(noInject))

	st := f.send(t, message.StartRecording{}).(message.RecordingState)
	assert.True(t, st.IsRecording)
	assert.Equal(t, []message.Kind{message.KindStartRecording}, good.received())

	f.svc.RemoveTab("dead")
	assert.Equal(t, []string{"good"}, f.svc.Tabs())
}

func TestSyncPushesExternalChanges(t *testing.T) {
	f := newFixture(t)
	tab := &fakeTab{}
	f.bus.RegisterPage("tab-1", tab)
	f.svc.AddTab("tab-1", messenger.InjectorFunc(noInject))
	ctx := context.Background()

	f.send(t, message.StartRecording{})
	require.NoError(t, f.svc.Sync(ctx))
	assert.Equal(t, []message.Kind{message.KindStartRecording}, tab.received(), "already announced")

	// Another process stops the session through the store.
	require.NoError(t, f.sessions.Stop(ctx))
	require.NoError(t, f.svc.Sync(ctx))
	assert.Equal(t, []message.Kind{message.KindStartRecording, message.KindStopRecording}, tab.received())

	require.NoError(t, f.svc.Sync(ctx))
	assert.Len(t, tab.received(), 2)
}
