package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToJSONRPC_PassesThroughValidJSONRPC(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","method":"tools/list","params":{},"id":"1"}`)
	ctx, env, err := ToJSONRPC(body, "/rpc")
	require.NoError(t, err)
	assert.Equal(t, ProtoJSONRPC, ctx.Protocol)
	assert.Equal(t, "tools/list", env["method"])
	assert.Equal(t, "1", ctx.RequestID)
}

func TestToJSONRPC_JSONRPCMissingMethodFails(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","id":"1"}`)
	_, _, err := ToJSONRPC(body, "/rpc")
	assert.Error(t, err)
}

func TestToJSONRPC_GeneratesIDWhenAbsent(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","method":"ping"}`)
	ctx, env, err := ToJSONRPC(body, "/rpc")
	require.NoError(t, err)
	assert.NotEmpty(t, ctx.RequestID)
	assert.Equal(t, ctx.RequestID, env["id"])
}

func TestToJSONRPC_MCPStreamableHTTPAddsVersion(t *testing.T) {
	body := []byte(`{"method":"initialize","params":{},"id":"5"}`)
	ctx, env, err := ToJSONRPC(body, "/mcp")
	require.NoError(t, err)
	assert.Equal(t, ProtoMCPStreamableHTTP, ctx.Protocol)
	assert.Equal(t, JSONRPCVersion, env["jsonrpc"])
}

func TestToJSONRPC_MCPStreamableHTTPSubpath(t *testing.T) {
	body := []byte(`{"method":"initialize","id":"5"}`)
	ctx, _, err := ToJSONRPC(body, "/mcp/session-1")
	require.NoError(t, err)
	assert.Equal(t, ProtoMCPStreamableHTTP, ctx.Protocol)
}

func TestToJSONRPC_PlainJSONWithoutJSONRPCOrMCPPathFails(t *testing.T) {
	body := []byte(`{"method":"initialize","id":"5"}`)
	_, _, err := ToJSONRPC(body, "/not-mcp")
	assert.Error(t, err)
}

func TestToJSONRPC_GraphQLDirectField(t *testing.T) {
	ctx, env, err := ToJSONRPC([]byte(`{ callTool(name: "echo") }`), "/graphql")
	require.NoError(t, err)
	assert.Equal(t, ProtoGraphQL, ctx.Protocol)
	assert.Equal(t, "callTool", env["method"])
	params := env["params"].(map[string]interface{})
	assert.Equal(t, "echo", params["name"])
}

func TestToJSONRPC_GraphQLNestedField(t *testing.T) {
	ctx, env, err := ToJSONRPC([]byte(`{ tools { list } }`), "/graphql")
	require.NoError(t, err)
	assert.Equal(t, ProtoGraphQL, ctx.Protocol)
	assert.Equal(t, "tools/list", env["method"])
}

func TestToJSONRPC_GraphQLSubscriptionRejected(t *testing.T) {
	_, _, err := ToJSONRPC([]byte(`subscription { tools { list } }`), "/graphql")
	assert.Error(t, err)
}

func TestToJSONRPC_UnknownProtocolFails(t *testing.T) {
	_, _, err := ToJSONRPC([]byte(`not json and not graphql {{{`), "/anything")
	assert.ErrorIs(t, err, ErrUnknownProtocol)
}

func TestFromJSONRPC_JSONRPCPassthrough(t *testing.T) {
	ctx := &ProtocolContext{Protocol: ProtoJSONRPC}
	out, err := FromJSONRPC(ctx, map[string]interface{}{"jsonrpc": "2.0", "result": "ok", "id": "1"})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"result":"ok"`)
}

func TestFromJSONRPC_GraphQLShapesResultAsData(t *testing.T) {
	ctx := &ProtocolContext{Protocol: ProtoGraphQL}
	out, err := FromJSONRPC(ctx, map[string]interface{}{"result": map[string]interface{}{"list": []interface{}{"a"}}})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"data":{"list":["a"]}`)
}

func TestFromJSONRPC_GraphQLShapesErrorAsErrors(t *testing.T) {
	ctx := &ProtocolContext{Protocol: ProtoGraphQL}
	out, err := FromJSONRPC(ctx, map[string]interface{}{"error": map[string]interface{}{"code": float64(-32601), "message": "not found"}})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"message":"not found"`)
	assert.Contains(t, string(out), `"data":null`)
}

func TestFromJSONRPC_CapnpStubbed(t *testing.T) {
	ctx := &ProtocolContext{Protocol: ProtoCapnp}
	_, err := FromJSONRPC(ctx, map[string]interface{}{})
	assert.Error(t, err)
}
