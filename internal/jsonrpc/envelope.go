// Package jsonrpc provides JSON-RPC 2.0 envelope helpers and the
// standard error codes, built on sourcegraph/jsonrpc2's
// Request/Response/ID/Error types.
//
// The normalizer and the bridge carry envelopes as generic maps and do
// not use these types; internal/gwerrors uses the error-code constants.
package jsonrpc

import (
	"encoding/json"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"
)

// NewStringID builds a jsonrpc2.ID from a string request id.
func NewStringID(s string) jsonrpc2.ID {
	return jsonrpc2.ID{Str: s, IsString: true}
}

// NewNumberID builds a jsonrpc2.ID from a numeric request id.
func NewNumberID(n uint64) jsonrpc2.ID {
	return jsonrpc2.ID{Num: n}
}

// NewRequest builds a canonical request envelope. params may be nil
// for parameterless calls.
func NewRequest(id jsonrpc2.ID, method string, params interface{}) (*jsonrpc2.Request, error) {
	req := &jsonrpc2.Request{Method: method, ID: id}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("jsonrpc: marshal params: %w", err)
		}
		rm := json.RawMessage(raw)
		req.Params = (*json.RawMessage)(&rm)
	}
	return req, nil
}

// NewResult builds a success response envelope carrying result.
func NewResult(id jsonrpc2.ID, result interface{}) (*jsonrpc2.Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: marshal result: %w", err)
	}
	rm := json.RawMessage(raw)
	return &jsonrpc2.Response{ID: id, Result: (*json.RawMessage)(&rm)}, nil
}

// NewError builds an error response envelope.
func NewError(id jsonrpc2.ID, code int64, message string) *jsonrpc2.Response {
	return &jsonrpc2.Response{ID: id, Error: &jsonrpc2.Error{Code: code, Message: message}}
}

// Standard JSON-RPC 2.0 error codes, as used by the gwerrors taxonomy.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ParamsMap decodes req.Params into a generic map, returning an empty
// map (never nil) for parameterless requests.
func ParamsMap(req *jsonrpc2.Request) (map[string]interface{}, error) {
	if req.Params == nil {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(*req.Params, &m); err != nil {
		return nil, fmt.Errorf("jsonrpc: decode params: %w", err)
	}
	return m, nil
}
