package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/morezero/api-gateway/pkg/topology"
)

// Unwrap classifies a reply body received from an exchange. It returns the domain result,
// or a *RemoteError when the reply carries an error.
//
// Tagged replies are decided by their ok flag alone. Legacy replies are raw payloads and
// are treated as errors when they are objects with both a truthy "error" and a truthy
// "message"; the status comes from "statusCode" or "message.statusCode", defaulting to 500.
func Unwrap(body []byte, mode topology.EnvelopeMode) (json.RawMessage, error) {
	if mode == topology.EnvelopeLegacy {
		return unwrapLegacy(body)
	}
	return unwrapTagged(body)
}

func unwrapTagged(body []byte) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, badReply()
	}
	if _, ok := fields["ok"]; !ok {
		return nil, badReply()
	}

	var reply Reply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, badReply()
	}
	if !reply.Ok {
		if reply.Error == nil {
			return nil, NewRemoteError("INTERNAL_ERROR", 0, "Internal server error")
		}
		return nil, &RemoteError{
			Code:       orDefault(reply.Error.Code, "INTERNAL_ERROR"),
			StatusCode: orDefaultStatus(reply.Error.StatusCode),
			Message:    reply.Error.Message,
			Details:    reply.Error.Details,
		}
	}
	if len(reply.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return reply.Result, nil
}

func unwrapLegacy(body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return body, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return body, nil
	}
	errField, hasErr := fields["error"]
	msgField, hasMsg := fields["message"]
	if !hasErr || !hasMsg || !truthy(errField) || !truthy(msgField) {
		return body, nil
	}

	remote := &RemoteError{Code: scalarString(errField)}

	var status int
	if raw, ok := fields["statusCode"]; ok {
		_ = json.Unmarshal(raw, &status)
	}

	// message is either a plain string or a nested {statusCode, message} object.
	var nested struct {
		StatusCode int             `json:"statusCode"`
		Message    json.RawMessage `json:"message"`
	}
	if msgField[0] == '{' && json.Unmarshal(msgField, &nested) == nil {
		if nested.StatusCode != 0 {
			status = nested.StatusCode
		}
		remote.Message = scalarString(nested.Message)
	} else {
		remote.Message = scalarString(msgField)
	}

	remote.StatusCode = orDefaultStatus(status)
	if remote.Code == "" {
		remote.Code = http.StatusText(remote.StatusCode)
	}
	return nil, remote
}

// truthy follows the loose truthiness of the services that emit legacy replies: null,
// false, 0 and "" are falsy, everything else (including empty objects) is truthy.
func truthy(raw json.RawMessage) bool {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

// scalarString renders a JSON value as text: strings unquoted, anything else verbatim.
func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}

func badReply() *RemoteError {
	return NewRemoteError("BAD_REPLY", http.StatusBadGateway, "Invalid reply from upstream service")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultStatus(status int) int {
	if status < 100 || status > 599 {
		return http.StatusInternalServerError
	}
	return status
}
