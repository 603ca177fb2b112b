package marcus

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/shoenig/test/must"

	"github.com/marcushq/marcus/ci"
	"github.com/marcushq/marcus/marcus/structs"
)

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	must.Len(t, 1, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	must.True(t, ok)
	return text.Text
}

func TestMCP_OkEnvelope(t *testing.T) {
	ci.Parallel(t)

	result, err := okEnvelope(&PingResponse{Pong: "hi", Version: "test"})
	must.NoError(t, err)
	must.False(t, result.IsError)

	var env struct {
		OK     bool
		Result struct {
			Pong    string
			Version string
		}
	}
	must.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &env))
	must.True(t, env.OK)
	must.Eq(t, "hi", env.Result.Pong)
	must.Eq(t, "test", env.Result.Version)
}

func TestMCP_ErrEnvelope_Coded(t *testing.T) {
	ci.Parallel(t)

	result := errEnvelope(structs.NewAgentNotRegistered("a1"))
	must.True(t, result.IsError)

	var env envelope
	must.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &env))
	must.False(t, env.OK)
	must.Eq(t, structs.ErrCodeAgentNotRegistered, env.Code)
	must.StrContains(t, env.Error, "a1")
	must.StrContains(t, env.Hint, "register_agent")
}

func TestMCP_ErrEnvelope_Wrapped(t *testing.T) {
	ci.Parallel(t)

	wrapped := fmt.Errorf("request failed: %w", structs.ErrNoActiveProject)
	result := errEnvelope(wrapped)
	must.True(t, result.IsError)

	var env envelope
	must.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &env))
	must.Eq(t, structs.ErrCodeNoActiveProject, env.Code)
	must.StrContains(t, env.Hint, "switch_project")
}

func TestMCP_ErrEnvelope_Untyped(t *testing.T) {
	ci.Parallel(t)

	result := errEnvelope(fmt.Errorf("disk is sad"))
	var env envelope
	must.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &env))
	must.Eq(t, structs.ErrCodeInternal, env.Code)
	must.Eq(t, "disk is sad", env.Error)
	must.Eq(t, "", env.Hint)
}

func TestMCP_ToolSurface(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	m := srv.MCPServer()
	must.NotNil(t, m)
}
