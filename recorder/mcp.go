package recorder

import (
	"github.com/goccy/go-json"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/steprec/kit"
)

// RegisterMCP registers the recorder tools on an MCP server.
func (r *Recorder) RegisterMCP(srv *mcp.Server) {
	noArgs := inputSchema(map[string]any{}, nil)

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "steprec_start",
		Description: "Start recording clicks in every open tab. Each click is saved with a screenshot of the page once it settles.",
		InputSchema: noArgs,
	}, r.startEndpoint(), decodeNone)

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "steprec_stop",
		Description: "Stop recording. Recorded operations are kept.",
		InputSchema: noArgs,
	}, r.stopEndpoint(), decodeNone)

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "steprec_clear",
		Description: "Delete every recorded operation.",
		InputSchema: noArgs,
	}, r.clearEndpoint(), decodeNone)

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "steprec_state",
		Description: "Report whether a recording session is active and when it started.",
		InputSchema: noArgs,
	}, r.stateEndpoint(), decodeNone)

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "steprec_list",
		Description: "List recorded operations, oldest first: element, text, URL, coordinates and whether a screenshot exists.",
		InputSchema: inputSchema(map[string]any{
			"limit":       map[string]any{"type": "integer", "description": "Only the most recent N operations"},
			"screenshots": map[string]any{"type": "boolean", "description": "Include screenshot data URLs (large)"},
		}, nil),
	}, r.listEndpoint(), func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var lr listRequest
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &lr); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &lr}, nil
	})
}

func decodeNone(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return &kit.MCPDecodeResult{}, nil
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
