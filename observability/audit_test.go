package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/steprec/dbopen"
	"github.com/hazyhaar/steprec/idgen"
	"github.com/hazyhaar/steprec/kit"
)

func newAudit(t *testing.T, opts ...AuditOption) *AuditLogger {
	t.Helper()
	db := dbopen.OpenMemory(t)
	al, err := NewAuditLogger(db, 16, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { al.Close() })
	return al
}

func TestLogSyncAndQuery(t *testing.T) {
	al := newAudit(t)
	ctx := context.Background()

	require.NoError(t, al.Log(ctx, &AuditEntry{Endpoint: "start", Transport: "http"}))
	require.NoError(t, al.Log(ctx, &AuditEntry{Endpoint: "clear", ErrorMessage: "boom"}))

	all, err := al.Query(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	failed, err := al.Query(ctx, AuditFilter{Status: "error"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "clear", failed[0].Endpoint)
	assert.Equal(t, "boom", failed[0].ErrorMessage)

	starts, err := al.Query(ctx, AuditFilter{Endpoint: "start"})
	require.NoError(t, err)
	require.Len(t, starts, 1)
	assert.Equal(t, "http", starts[0].Transport)
	assert.Equal(t, "{}", starts[0].Parameters)
}

func TestLogAsyncFlushesOnClose(t *testing.T) {
	db := dbopen.OpenMemory(t)
	al, err := NewAuditLogger(db, 16, WithFlushInterval(time.Hour))
	require.NoError(t, err)

	al.LogAsync(&AuditEntry{Endpoint: "stop"})
	require.NoError(t, al.Close())
	require.NoError(t, al.Close())

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestNewAuditEntry(t *testing.T) {
	al := newAudit(t, WithAuditIDGenerator(idgen.Sequence("a")))
	ctx := kit.WithTraceID(kit.WithTransport(context.Background(), "mcp"), "trc_1")

	ok := al.NewAuditEntry(ctx, "start", map[string]int{"limit": 2}, map[string]bool{"recording": true}, nil, 15*time.Millisecond)
	assert.Equal(t, "a1", ok.EntryID)
	assert.Equal(t, "success", ok.Status)
	assert.Equal(t, "mcp", ok.Transport)
	assert.Equal(t, "trc_1", ok.TraceID)
	assert.JSONEq(t, `{"limit":2}`, ok.Parameters)
	assert.JSONEq(t, `{"recording":true}`, ok.Result)
	assert.EqualValues(t, 15, ok.DurationMs)

	bad := al.NewAuditEntry(ctx, "clear", nil, "ignored", errors.New("locked"), 0)
	assert.Equal(t, "error", bad.Status)
	assert.Equal(t, "locked", bad.ErrorMessage)
	assert.Empty(t, bad.Result)
}

func TestMiddleware(t *testing.T) {
	db := dbopen.OpenMemory(t)
	al, err := NewAuditLogger(db, 16, WithFlushInterval(10*time.Millisecond))
	require.NoError(t, err)
	defer al.Close()

	e := al.Middleware("stop")(func(ctx context.Context, req any) (any, error) {
		return map[string]bool{"recording": false}, nil
	})
	_, err = e(kit.WithTransport(context.Background(), "http"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, err := al.Query(context.Background(), AuditFilter{Endpoint: "stop"})
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCleanup(t *testing.T) {
	al := newAudit(t)
	ctx := context.Background()
	require.NoError(t, al.Log(ctx, &AuditEntry{Endpoint: "start", Timestamp: time.Now().Add(-48 * time.Hour)}))
	require.NoError(t, al.Log(ctx, &AuditEntry{Endpoint: "stop"}))

	n, err := al.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	since := time.Now().Add(-time.Hour)
	left, err := al.Query(ctx, AuditFilter{Since: &since})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "stop", left[0].Endpoint)
}
