// Package background is the long-lived side of the recorder: it answers
// requests from page contexts and the control surface, owns the durable
// session and operation log, and pushes start/stop to every open tab.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/steprec/recorder/internal/events"
	"github.com/hazyhaar/steprec/recorder/internal/message"
	"github.com/hazyhaar/steprec/recorder/internal/messenger"
	"github.com/hazyhaar/steprec/recorder/internal/oplog"
	"github.com/hazyhaar/steprec/recorder/internal/session"
)

// Config holds the policy used when talking to tabs.
type Config struct {
	Messenger messenger.Config
	Inject    messenger.InjectPolicy
	// FanOut bounds concurrent tab notifications.
	FanOut int
}

func (c *Config) applyDefaults() {
	if c.FanOut <= 0 {
		c.FanOut = 4
	}
}

// Service answers the request union.
type Service struct {
	sessions *session.Store
	ops      *oplog.Log
	bus      *messenger.Bus
	hub      *events.Hub
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	tabs map[string]messenger.Injector

	// announced is the session state last pushed to the tabs.
	syncMu    sync.Mutex
	announced *bool
}

// New builds a service. It is not reachable until Attach.
func New(sessions *session.Store, ops *oplog.Log, bus *messenger.Bus, hub *events.Hub, cfg Config, logger *slog.Logger) *Service {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sessions: sessions,
		ops:      ops,
		bus:      bus,
		hub:      hub,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		tabs:     make(map[string]messenger.Injector),
	}
}

// Attach installs the service on the bus as the background handler and
// returns the new context id.
func (s *Service) Attach() string {
	id := s.bus.Attach(s)
	s.logger.Info("background: attached", "context", id)
	return id
}

// Log returns the operation log.
func (s *Service) Log() *oplog.Log { return s.ops }

// AddTab registers a tab that start/stop fan out to. inj re-injects the
// page script when the tab's listener does not answer.
func (s *Service) AddTab(tabID string, inj messenger.Injector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tabs[tabID] = inj
}

// RemoveTab forgets a tab.
func (s *Service) RemoveTab(tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tabs, tabID)
}

// Tabs returns registered tab ids, sorted.
func (s *Service) Tabs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tabs))
	for id := range s.tabs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Handle dispatches one request.
func (s *Service) Handle(ctx context.Context, req message.Request) (message.Response, error) {
	switch r := req.(type) {
	case message.Ping:
		return message.Pong{ContextID: s.bus.ContextID(), At: s.now()}, nil

	case message.StartRecording:
		st, err := s.sessions.Start(ctx, s.now())
		if err != nil {
			return nil, err
		}
		s.logger.Info("background: recording started")
		s.announce(ctx, true)
		return message.RecordingState{IsRecording: st.IsRecording, StartTime: st.StartTime}, nil

	case message.StopRecording:
		if err := s.sessions.Stop(ctx); err != nil {
			return nil, err
		}
		s.logger.Info("background: recording stopped")
		s.announce(ctx, false)
		return message.RecordingState{}, nil

	case message.CaptureScreenshot:
		res, err := s.ops.Capture(ctx, r.TabID, r.Click)
		if err != nil {
			return nil, err
		}
		s.hub.Publish(events.Event{
			Type:          events.OperationAdded,
			TabID:         r.TabID,
			OperationID:   res.OperationID,
			Total:         res.TotalOperations,
			HasScreenshot: res.HasScreenshot,
			URL:           r.Click.URL,
		})
		return res, nil

	case message.GetRecordingState:
		st, err := s.sessions.Load(ctx)
		if err != nil {
			return nil, err
		}
		return message.RecordingState{IsRecording: st.IsRecording, StartTime: st.StartTime}, nil

	case message.ClearRecords:
		if err := s.ops.Clear(ctx); err != nil {
			return nil, err
		}
		s.hub.Publish(events.Event{Type: events.RecordsCleared})
		return message.Ack{}, nil

	case message.GetStats:
		return s.ops.Stats(ctx)

	default:
		return nil, fmt.Errorf("background: unknown request %T", req)
	}
}

// EnsureTab runs the injection protocol on tabID and, when the session is
// recording, tells the page to record. Called for new tabs and after every
// navigation.
func (s *Service) EnsureTab(ctx context.Context, tabID string) error {
	s.mu.RLock()
	inj, ok := s.tabs[tabID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("background: ensure tab %s: unknown tab", tabID)
	}
	st, err := s.sessions.Load(ctx)
	if err != nil {
		return fmt.Errorf("background: ensure tab %s: %w", tabID, err)
	}
	if err := s.notify(ctx, tabID, inj, nil); err != nil {
		return err
	}
	if st.IsRecording {
		return s.notify(ctx, tabID, nil, message.StartRecording{})
	}
	return nil
}

// Sync pushes the durable session state to every tab when it differs from
// what was last announced, e.g. after another process wrote the store.
func (s *Service) Sync(ctx context.Context) error {
	st, err := s.sessions.Load(ctx)
	if err != nil {
		return fmt.Errorf("background: sync: %w", err)
	}
	s.syncMu.Lock()
	same := s.announced != nil && *s.announced == st.IsRecording
	s.syncMu.Unlock()
	if same {
		return nil
	}
	s.logger.Info("background: session changed outside this process", "recording", st.IsRecording)
	s.announce(ctx, st.IsRecording)
	return nil
}

func (s *Service) announce(ctx context.Context, recording bool) {
	s.syncMu.Lock()
	s.announced = &recording
	s.syncMu.Unlock()
	if recording {
		s.hub.Publish(events.Event{Type: events.RecordingStarted})
		s.broadcast(ctx, message.StartRecording{})
		return
	}
	s.hub.Publish(events.Event{Type: events.RecordingStopped})
	s.broadcast(ctx, message.StopRecording{})
}

// broadcast pushes req to every registered tab. Failures are logged; one
// broken tab does not keep the others from recording.
func (s *Service) broadcast(ctx context.Context, req message.Request) {
	s.mu.RLock()
	targets := make(map[string]messenger.Injector, len(s.tabs))
	for id, inj := range s.tabs {
		targets[id] = inj
	}
	s.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(s.cfg.FanOut)
	for id, inj := range targets {
		g.Go(func() error {
			if err := s.notify(ctx, id, inj, req); err != nil {
				s.logger.Warn("background: notify tab", "tab", id, "request", string(req.Kind()), "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// notify ensures injection when inj is set, then sends req when set.
func (s *Service) notify(ctx context.Context, tabID string, inj messenger.Injector, req message.Request) error {
	m := messenger.New(s.bus.PageTransport(tabID), s.cfg.Messenger)
	if inj != nil {
		out, err := messenger.EnsureInjected(ctx, m, inj, s.cfg.Inject, s.logger.With("tab", tabID))
		if err != nil {
			return fmt.Errorf("background: tab %s: %w", tabID, err)
		}
		s.logger.Debug("background: page script", "tab", tabID, "injection", out.String())
	}
	if req == nil {
		return nil
	}
	if _, err := m.Send(ctx, req, 0); err != nil {
		return fmt.Errorf("background: tab %s: %w", tabID, err)
	}
	return nil
}
