// Package rpc bridges synchronous calls onto the broker: correlated request/reply with
// per-call deadlines, one-way publishes, and classification of reply envelopes.
package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Reply is the tagged envelope domain services answer with. Exactly one of Result and
// Error is meaningful, selected by Ok.
type Reply struct {
	ID     string          `json:"id,omitempty"`
	Ok     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code       string      `json:"code"`
	StatusCode int         `json:"statusCode,omitempty"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

// Success builds an ok reply around result.
func Success(id string, result interface{}) (*Reply, error) {
	var raw json.RawMessage
	switch r := result.(type) {
	case json.RawMessage:
		raw = r
	case nil:
		raw = json.RawMessage("null")
	default:
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("rpc:envelope - encode result: %w", err)
		}
		raw = data
	}
	return &Reply{ID: id, Ok: true, Result: raw}, nil
}

// Failure builds an error reply. A zero status defaults to 500.
func Failure(id, code string, statusCode int, message string) *Reply {
	if statusCode == 0 {
		statusCode = http.StatusInternalServerError
	}
	return &Reply{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:       code,
			StatusCode: statusCode,
			Message:    message,
		},
	}
}
