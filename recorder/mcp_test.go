package recorder

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/steprec/recorder/internal/capture"
)

var testImpl = &mcp.Implementation{Name: "steprec-test", Version: "0.1.0"}

func mcpSession(t *testing.T, r *Recorder) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testImpl, nil)
	r.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	session, err := mcp.NewClient(testImpl, nil).Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args any, dst any) {
	t.Helper()
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err, name)
	require.False(t, res.IsError, name)
	require.NotEmpty(t, res.Content, name)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, name)
	if dst != nil {
		require.NoError(t, json.Unmarshal([]byte(tc.Text), dst), name)
	}
}

func TestMCPTools(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.rec.AddTab(ctx, "tab-1", &fakeSurface{}))
	session := mcpSession(t, h.rec)

	tools, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"steprec_start", "steprec_stop", "steprec_clear", "steprec_state", "steprec_list"}, names)

	var st struct {
		IsRecording bool `json:"is_recording"`
	}
	callTool(t, session, "steprec_start", map[string]any{}, &st)
	assert.True(t, st.IsRecording)

	require.NoError(t, h.rec.Route(ctx, "tab-1", []byte(submitClick)))
	require.Equal(t, capture.StatusCaptured, h.outcome(t).Status)

	var list listResponse
	callTool(t, session, "steprec_list", map[string]any{"limit": 5}, &list)
	require.Len(t, list.Operations, 1)
	assert.Equal(t, "https://example.com/form", list.Operations[0].URL)
	assert.Nil(t, list.Operations[0].Screenshot)

	callTool(t, session, "steprec_list", map[string]any{"screenshots": true}, &list)
	require.Len(t, list.Operations, 1)
	assert.NotNil(t, list.Operations[0].Screenshot)

	callTool(t, session, "steprec_stop", map[string]any{}, &st)
	assert.False(t, st.IsRecording)
	callTool(t, session, "steprec_state", map[string]any{}, &st)
	assert.False(t, st.IsRecording)

	callTool(t, session, "steprec_clear", map[string]any{}, nil)
	ops, err := h.rec.Operations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}
