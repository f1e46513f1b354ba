package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/steprec/dbopen"
	"github.com/hazyhaar/steprec/recorder/internal/kvstore"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	kv, err := kvstore.New(dbopen.OpenMemory(t))
	require.NoError(t, err)
	return New(kv)
}

func TestLoadEmpty(t *testing.T) {
	s := newStore(t)
	st, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, st.IsRecording)
	assert.Nil(t, st.StartTime)
}

func TestStartIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first, err := s.Start(ctx, t0)
	require.NoError(t, err)
	require.NotNil(t, first.StartTime)

	second, err := s.Start(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, second.IsRecording)
	assert.True(t, first.StartTime.Equal(*second.StartTime))

	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsRecording)
	assert.True(t, t0.Equal(*st.StartTime))
}

func TestStop(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Start(ctx, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))

	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, st.IsRecording)
	assert.Nil(t, st.StartTime)
}

func TestRestartGetsFreshStartTime(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)

	_, err := s.Start(ctx, t0)
	require.NoError(t, err)
	require.NoError(t, s.Stop(ctx))
	st, err := s.Start(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, t0.Add(time.Hour).Equal(*st.StartTime))
}
