// Package normalize converts inbound JSON-RPC, MCP Streamable HTTP,
// GraphQL, and Cap'n Proto request bodies into a single canonical
// JSON-RPC 2.0 envelope, and converts responses back out of that
// canonical form into whichever protocol the request arrived in.
package normalize

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
)

// JSONRPCVersion is the version string stamped onto every canonical
// envelope.
const JSONRPCVersion = "2.0"

// Proto identifies which wire protocol a request arrived as, so a
// response can be shaped back into the same protocol.
type Proto int

const (
	ProtoUnknown Proto = iota
	ProtoJSONRPC
	ProtoMCPStreamableHTTP
	ProtoGraphQL
	ProtoCapnp
)

func (p Proto) String() string {
	switch p {
	case ProtoJSONRPC:
		return "json-rpc"
	case ProtoMCPStreamableHTTP:
		return "mcp-streamable-http"
	case ProtoGraphQL:
		return "graphql"
	case ProtoCapnp:
		return "capnp"
	default:
		return "unknown"
	}
}

// ProtocolContext carries everything needed to denormalize a response
// back into the protocol a request arrived in.
type ProtocolContext struct {
	Protocol      Proto
	OriginalQuery string // GraphQL only, kept for future response shaping
	RequestID     string
}

// ErrUnknownProtocol is returned when a body matches none of the
// supported ingress protocols.
var ErrUnknownProtocol = fmt.Errorf("normalize: unknown protocol - expected JSON-RPC, GraphQL, or Cap'n Proto")

// ErrUnsupportedProtocol is returned by the Cap'n Proto path, which is
// detected but not yet decoded.
var ErrUnsupportedProtocol = fmt.Errorf("normalize: capnp support not yet implemented")

// ToJSONRPC detects the ingress protocol of body and normalizes it
// into a canonical JSON-RPC 2.0 envelope (as a generic map, ready for
// re-marshaling or forwarding to the bridge). uriPath is the HTTP
// request path, used to recognize MCP Streamable HTTP ingress.
func ToJSONRPC(body []byte, uriPath string) (*ProtocolContext, map[string]interface{}, error) {
	var v map[string]interface{}
	if err := json.Unmarshal(body, &v); err == nil {
		if _, ok := v["jsonrpc"]; ok {
			method, ok := v["method"].(string)
			if !ok || method == "" {
				return nil, nil, fmt.Errorf("normalize: json-rpc missing method")
			}
			id := requestIDOf(v)
			ctx := &ProtocolContext{Protocol: ProtoJSONRPC, RequestID: id}
			return ctx, v, nil
		}

		if uriPath == "/mcp" || strings.HasPrefix(uriPath, "/mcp/") {
			if method, ok := v["method"].(string); ok && method != "" {
				id := requestIDOf(v)
				v["jsonrpc"] = JSONRPCVersion
				ctx := &ProtocolContext{Protocol: ProtoMCPStreamableHTTP, RequestID: id}
				return ctx, v, nil
			}
		}
	}

	if queryStr := string(body); strings.TrimSpace(queryStr) != "" {
		if doc, err := parser.Parse(parser.ParseParams{Source: queryStr}); err == nil {
			ctx, envelope, gerr := graphQLToJSONRPC(queryStr, doc)
			if gerr == nil {
				return ctx, envelope, nil
			}
			// A parseable-but-unsupported GraphQL document (e.g. a
			// subscription) is still GraphQL, not a different protocol;
			// surface the real error instead of falling through.
			return nil, nil, gerr
		}
	}

	if looksLikeCapnp(body) {
		return nil, nil, ErrUnsupportedProtocol
	}

	return nil, nil, ErrUnknownProtocol
}

func requestIDOf(v map[string]interface{}) string {
	if id, ok := v["id"]; ok && id != nil {
		switch t := id.(type) {
		case string:
			return t
		default:
			b, _ := json.Marshal(t)
			return string(b)
		}
	}
	newID := uuid.NewString()
	v["id"] = newID
	return newID
}

// looksLikeCapnp is a coarse heuristic for Cap'n Proto's unpacked
// framing: a non-JSON body whose first word reads as a plausible
// segment-count/size header (at most 512 segments, first segment no
// longer than the body). Packed framing is not recognized. This gateway
// does not carry a Cap'n Proto codec (see ErrUnsupportedProtocol); it
// only needs to recognize the framing well enough to return the right
// error instead of ErrUnknownProtocol.
func looksLikeCapnp(body []byte) bool {
	if len(body) < 8 || json.Valid(body) {
		return false
	}
	segments := uint64(binary.LittleEndian.Uint32(body[0:4])) + 1
	firstSegmentBytes := uint64(binary.LittleEndian.Uint32(body[4:8])) * 8
	return segments <= 512 && firstSegmentBytes <= uint64(len(body))
}

func graphQLToJSONRPC(queryStr string, doc *ast.Document) (*ProtocolContext, map[string]interface{}, error) {
	var op *ast.OperationDefinition
	for _, def := range doc.Definitions {
		if o, ok := def.(*ast.OperationDefinition); ok {
			op = o
			break
		}
	}
	if op == nil {
		return nil, nil, fmt.Errorf("normalize: no graphql operation found")
	}
	if op.Operation == "subscription" {
		return nil, nil, fmt.Errorf("normalize: graphql subscriptions not supported")
	}
	if op.SelectionSet == nil || len(op.SelectionSet.Selections) == 0 {
		return nil, nil, fmt.Errorf("normalize: empty graphql selection set")
	}

	method, params, err := graphQLMethodAndParams(op.SelectionSet)
	if err != nil {
		return nil, nil, err
	}

	requestID := uuid.NewString()
	ctx := &ProtocolContext{Protocol: ProtoGraphQL, OriginalQuery: queryStr, RequestID: requestID}
	envelope := map[string]interface{}{
		"jsonrpc": JSONRPCVersion,
		"method":  method,
		"params":  params,
		"id":      requestID,
	}
	return ctx, envelope, nil
}

func graphQLMethodAndParams(set *ast.SelectionSet) (string, map[string]interface{}, error) {
	field, ok := set.Selections[0].(*ast.Field)
	if !ok {
		return "", nil, fmt.Errorf("normalize: expected field selection in graphql query")
	}
	namespace := field.Name.Value

	if field.SelectionSet != nil && len(field.SelectionSet.Selections) > 0 {
		subfield, ok := field.SelectionSet.Selections[0].(*ast.Field)
		if !ok {
			return "", nil, fmt.Errorf("normalize: expected field selection in graphql query")
		}
		method := namespace + "/" + subfield.Name.Value
		return method, graphQLArguments(subfield.Arguments), nil
	}

	return namespace, graphQLArguments(field.Arguments), nil
}

func graphQLArguments(args []*ast.Argument) map[string]interface{} {
	params := map[string]interface{}{}
	for _, arg := range args {
		params[arg.Name.Value] = graphQLValueToJSON(arg.Value)
	}
	return params
}

func graphQLValueToJSON(v ast.Value) interface{} {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case *ast.IntValue:
		if n, err := strconv.ParseInt(val.Value, 10, 64); err == nil {
			return n
		}
		return val.Value
	case *ast.FloatValue:
		if f, err := strconv.ParseFloat(val.Value, 64); err == nil {
			return f
		}
		return val.Value
	case *ast.StringValue:
		return val.Value
	case *ast.BooleanValue:
		return val.Value
	case *ast.EnumValue:
		return val.Value
	case *ast.Variable:
		// Variables should be resolved before normalization reaches
		// this point; a bare variable reference degrades to null.
		return nil
	case *ast.NullValue:
		return nil
	case *ast.ListValue:
		items := make([]interface{}, len(val.Values))
		for i, item := range val.Values {
			items[i] = graphQLValueToJSON(item)
		}
		return items
	case *ast.ObjectValue:
		obj := map[string]interface{}{}
		for _, f := range val.Fields {
			obj[f.Name.Value] = graphQLValueToJSON(f.Value)
		}
		return obj
	default:
		return nil
	}
}

// FromJSONRPC denormalizes a canonical JSON-RPC response back into
// the wire shape ctx.Protocol expects.
func FromJSONRPC(ctx *ProtocolContext, response map[string]interface{}) ([]byte, error) {
	switch ctx.Protocol {
	case ProtoJSONRPC, ProtoMCPStreamableHTTP:
		return json.Marshal(response)
	case ProtoGraphQL:
		return graphQLFromJSONRPC(response)
	case ProtoCapnp:
		return nil, fmt.Errorf("normalize: capnp response conversion not yet implemented")
	default:
		return nil, ErrUnknownProtocol
	}
}

func graphQLFromJSONRPC(response map[string]interface{}) ([]byte, error) {
	out := map[string]interface{}{"data": nil}

	if errVal, ok := response["error"]; ok && errVal != nil {
		errMap, _ := errVal.(map[string]interface{})
		message := "Unknown error"
		var code interface{}
		if errMap != nil {
			if m, ok := errMap["message"].(string); ok {
				message = m
			}
			code = errMap["code"]
		}
		out["errors"] = []interface{}{
			map[string]interface{}{
				"message": message,
				"extensions": map[string]interface{}{
					"code": code,
				},
			},
		}
	} else if result, ok := response["result"]; ok {
		out["data"] = result
	}

	return json.Marshal(out)
}
