package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRPC answers requests from a canned method->response table and
// records everything sent.
type scriptedRPC struct {
	responses map[string][]string // method -> successive raw results
	calls     []string
	notified  []string
	params    map[string][]interface{}
	stopped   bool
}

func newScriptedRPC() *scriptedRPC {
	return &scriptedRPC{
		responses: make(map[string][]string),
		params:    make(map[string][]interface{}),
	}
}

func (s *scriptedRPC) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	s.calls = append(s.calls, method)
	s.params[method] = append(s.params[method], params)
	queue := s.responses[method]
	if len(queue) == 0 {
		return nil, context.DeadlineExceeded
	}
	raw := queue[0]
	s.responses[method] = queue[1:]
	return json.RawMessage(raw), nil
}

func (s *scriptedRPC) Notify(method string, params interface{}) error {
	s.notified = append(s.notified, method)
	return nil
}

func (s *scriptedRPC) IsConnected() bool { return !s.stopped }

func (s *scriptedRPC) Shutdown(grace time.Duration) error {
	s.stopped = true
	return nil
}

func initialized(t *testing.T, rpc *scriptedRPC) *Client {
	t.Helper()
	rpc.responses["initialize"] = append(rpc.responses["initialize"],
		`{"protocolVersion":"2025-03-26","serverInfo":{"name":"stub","version":"1.0"}}`)
	c := NewClient("stub", rpc)
	_, err := c.Initialize(context.Background())
	require.NoError(t, err)
	return c
}

func TestInitializeHandshake(t *testing.T) {
	rpc := newScriptedRPC()
	rpc.responses["initialize"] = []string{
		`{"protocolVersion":"2025-03-26","serverInfo":{"name":"stub","version":"1.0"}}`,
	}
	c := NewClient("stub", rpc)

	caps, err := c.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stub", caps.ServerInfo.Name)
	assert.Equal(t, []string{"notifications/initialized"}, rpc.notified)
	assert.True(t, c.IsReady())
}

func TestTypedCallsRequireInitialization(t *testing.T) {
	c := NewClient("stub", newScriptedRPC())

	_, err := c.ListTools(context.Background())
	assert.ErrorContains(t, err, "not initialized")

	_, err = c.CallTool(context.Background(), "echo", nil)
	assert.ErrorContains(t, err, "not initialized")
}

func TestListToolsFollowsPagination(t *testing.T) {
	rpc := newScriptedRPC()
	rpc.responses["tools/list"] = []string{
		`{"tools":[{"name":"read","description":"reads","annotations":{"readOnlyHint":true}}],"nextCursor":"p2"}`,
		`{"tools":[{"name":"write","description":"writes"}]}`,
	}
	c := initialized(t, rpc)

	descs, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, "read", descs[0].Name)
	assert.True(t, descs[0].Annotations.ReadOnlyHint)
	assert.Equal(t, "write", descs[1].Name)
	assert.False(t, descs[1].Annotations.ReadOnlyHint)

	// The second page must have been requested with the returned cursor.
	require.Len(t, rpc.params["tools/list"], 2)
	second := rpc.params["tools/list"][1].(map[string]interface{})
	assert.Equal(t, "p2", second["cursor"])
}

func TestCallToolFlattensContent(t *testing.T) {
	rpc := newScriptedRPC()
	rpc.responses["tools/call"] = []string{
		`{"content":[{"type":"text","text":"hello "},{"type":"image","data":"x"},{"type":"text","text":"world"}]}`,
	}
	c := initialized(t, rpc)

	out, err := c.CallTool(context.Background(), "echo", map[string]interface{}{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestCallToolErrorEnvelope(t *testing.T) {
	rpc := newScriptedRPC()
	rpc.responses["tools/call"] = []string{
		`{"content":[{"type":"text","text":"file missing"}],"isError":true}`,
	}
	c := initialized(t, rpc)

	_, err := c.CallTool(context.Background(), "read", nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "file missing")
}

func TestServerToolAdapter(t *testing.T) {
	rpc := newScriptedRPC()
	rpc.responses["tools/list"] = []string{
		`{"tools":[{"name":"search","description":"searches","inputSchema":{"type":"object","properties":{"q":{"type":"string"}}},"annotations":{"readOnlyHint":true}}]}`,
	}
	rpc.responses["tools/call"] = []string{
		`{"content":[{"type":"text","text":"3 results"}]}`,
	}
	c := initialized(t, rpc)

	adapted, err := c.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, adapted, 1)

	tool := adapted[0]
	assert.Equal(t, "stub.search", tool.Name())
	assert.Equal(t, "searches", tool.Description())
	assert.True(t, tool.ReadOnly())
	assert.Equal(t, "object", tool.Parameters()["type"])

	out, err := tool.Execute(context.Background(), map[string]interface{}{"q": "go"})
	require.NoError(t, err)
	assert.Equal(t, "3 results", out)
}

func TestStopTearsDown(t *testing.T) {
	rpc := newScriptedRPC()
	c := initialized(t, rpc)

	require.NoError(t, c.Stop())
	assert.True(t, rpc.stopped)
	assert.False(t, c.IsReady())
}
