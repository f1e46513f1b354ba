// Package session keeps the durable recording on/off flag. The background
// service is its only writer; page contexts read it to reconcile.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/hazyhaar/steprec/recorder/internal/kvstore"
)

// Storage keys.
const (
	KeyRecording = "isRecording"
	KeyStartTime = "recordingStartTime"
)

// State is the recording session as persisted.
type State struct {
	IsRecording bool
	StartTime   *time.Time
}

// Store reads and writes the session through a kvstore.
type Store struct {
	kv *kvstore.Store
}

// New returns a session store backed by kv.
func New(kv *kvstore.Store) *Store { return &Store{kv: kv} }

// Load reads the session. Missing keys mean not recording.
func (s *Store) Load(ctx context.Context) (State, error) {
	vals, err := s.kv.Get(ctx, KeyRecording, KeyStartTime)
	if err != nil {
		return State{}, fmt.Errorf("session: load: %w", err)
	}
	var st State
	if raw, ok := vals[KeyRecording]; ok {
		if err := json.Unmarshal(raw, &st.IsRecording); err != nil {
			return State{}, fmt.Errorf("session: load: %s: %w", KeyRecording, err)
		}
	}
	if raw, ok := vals[KeyStartTime]; ok {
		// Stored as epoch milliseconds, null when stopped.
		var ms *int64
		if err := json.Unmarshal(raw, &ms); err != nil {
			return State{}, fmt.Errorf("session: load: %s: %w", KeyStartTime, err)
		}
		if ms != nil {
			t := time.UnixMilli(*ms)
			st.StartTime = &t
		}
	}
	return st, nil
}

// Start marks the session active. When already recording the original
// start time is kept.
func (s *Store) Start(ctx context.Context, now time.Time) (State, error) {
	cur, err := s.Load(ctx)
	if err != nil {
		return State{}, err
	}
	if cur.IsRecording && cur.StartTime != nil {
		return cur, nil
	}
	if err := s.kv.Set(ctx, map[string]any{
		KeyRecording: true,
		KeyStartTime: now.UnixMilli(),
	}); err != nil {
		return State{}, fmt.Errorf("session: start: %w", err)
	}
	t := time.UnixMilli(now.UnixMilli())
	return State{IsRecording: true, StartTime: &t}, nil
}

// Stop marks the session inactive and clears the start time.
func (s *Store) Stop(ctx context.Context) error {
	if err := s.kv.Set(ctx, map[string]any{
		KeyRecording: false,
		KeyStartTime: nil,
	}); err != nil {
		return fmt.Errorf("session: stop: %w", err)
	}
	return nil
}
