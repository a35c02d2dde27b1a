package rpc

import (
	"errors"
	"net/http"
	"testing"

	"github.com/morezero/api-gateway/pkg/topology"
)

const unwrapTestPrefix = "rpc:unwrap_test"

func TestUnwrap_Tagged(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantResult string
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "ok result",
			body:       `{"id":"1","ok":true,"result":{"id":"t-1","title":"Write docs"}}`,
			wantResult: `{"id":"t-1","title":"Write docs"}`,
		},
		{
			name:       "ok result containing error and message fields",
			body:       `{"ok":true,"result":{"error":"none","message":"hello"}}`,
			wantResult: `{"error":"none","message":"hello"}`,
		},
		{
			name:       "ok without result",
			body:       `{"ok":true}`,
			wantResult: `null`,
		},
		{
			name:       "error with status",
			body:       `{"ok":false,"error":{"code":"NOT_FOUND","statusCode":404,"message":"Task not found"}}`,
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
			wantMsg:    "Task not found",
		},
		{
			name:       "error without status",
			body:       `{"ok":false,"error":{"code":"BOOM","message":"exploded"}}`,
			wantStatus: http.StatusInternalServerError,
			wantCode:   "BOOM",
			wantMsg:    "exploded",
		},
		{
			name:       "error without detail",
			body:       `{"ok":false}`,
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
			wantMsg:    "Internal server error",
		},
		{
			name:       "missing ok flag",
			body:       `{"result":{}}`,
			wantStatus: http.StatusBadGateway,
			wantCode:   "BAD_REPLY",
			wantMsg:    "Invalid reply from upstream service",
		},
		{
			name:       "not json",
			body:       `<html>`,
			wantStatus: http.StatusBadGateway,
			wantCode:   "BAD_REPLY",
			wantMsg:    "Invalid reply from upstream service",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unwrap([]byte(tt.body), topology.EnvelopeTagged)
			if tt.wantStatus == 0 {
				if err != nil {
					t.Fatalf("%s - unexpected error: %v", unwrapTestPrefix, err)
				}
				if string(got) != tt.wantResult {
					t.Errorf("%s - result = %s, want %s", unwrapTestPrefix, got, tt.wantResult)
				}
				return
			}
			var remote *RemoteError
			if !errors.As(err, &remote) {
				t.Fatalf("%s - expected *RemoteError, got %v", unwrapTestPrefix, err)
			}
			if remote.StatusCode != tt.wantStatus || remote.Code != tt.wantCode || remote.Message != tt.wantMsg {
				t.Errorf("%s - got %+v", unwrapTestPrefix, remote)
			}
		})
	}
}

func TestUnwrap_LegacyPassesThroughNonErrors(t *testing.T) {
	bodies := []string{
		`{"id":"t-1","title":"Write docs"}`,
		`[{"id":"t-1"},{"id":"t-2"}]`,
		`"plain string"`,
		`42`,
		`null`,
		`{"error":"","message":"only message is truthy"}`,
		`{"error":"NOT_FOUND"}`,
		`{"message":"hello"}`,
		`{"error":false,"message":"saved"}`,
		`{"error":null,"message":{"statusCode":404}}`,
	}
	for _, body := range bodies {
		got, err := Unwrap([]byte(body), topology.EnvelopeLegacy)
		if err != nil {
			t.Errorf("%s - %s: unexpected error %v", unwrapTestPrefix, body, err)
			continue
		}
		if string(got) != body {
			t.Errorf("%s - %s: body changed to %s", unwrapTestPrefix, body, got)
		}
	}
}

func TestUnwrap_LegacyErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantMsg    string
		wantCode   string
	}{
		{
			name:       "flat status",
			body:       `{"error":"Conflict","statusCode":409,"message":"Email already registered"}`,
			wantStatus: http.StatusConflict,
			wantMsg:    "Email already registered",
			wantCode:   "Conflict",
		},
		{
			name:       "nested status",
			body:       `{"error":"Forbidden","message":{"statusCode":403,"message":"Not a team member"}}`,
			wantStatus: http.StatusForbidden,
			wantMsg:    "Not a team member",
			wantCode:   "Forbidden",
		},
		{
			name:       "no status",
			body:       `{"error":true,"message":"something broke"}`,
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "something broke",
			wantCode:   "true",
		},
		{
			name:       "message object without status",
			body:       `{"error":"Bad","statusCode":400,"message":{"message":"title is required"}}`,
			wantStatus: http.StatusBadRequest,
			wantMsg:    "title is required",
			wantCode:   "Bad",
		},
		{
			name:       "out of range status",
			body:       `{"error":"Weird","statusCode":42,"message":"odd"}`,
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "odd",
			wantCode:   "Weird",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unwrap([]byte(tt.body), topology.EnvelopeLegacy)
			var remote *RemoteError
			if !errors.As(err, &remote) {
				t.Fatalf("%s - expected *RemoteError, got %v", unwrapTestPrefix, err)
			}
			if remote.StatusCode != tt.wantStatus {
				t.Errorf("%s - status = %d, want %d", unwrapTestPrefix, remote.StatusCode, tt.wantStatus)
			}
			if remote.Message != tt.wantMsg {
				t.Errorf("%s - message = %q, want %q", unwrapTestPrefix, remote.Message, tt.wantMsg)
			}
			if remote.Code != tt.wantCode {
				t.Errorf("%s - code = %q, want %q", unwrapTestPrefix, remote.Code, tt.wantCode)
			}
		})
	}
}

func TestUnwrap_Idempotent(t *testing.T) {
	body := []byte(`{"id":"p-1","name":"Gateway"}`)
	first, err := Unwrap(body, topology.EnvelopeLegacy)
	if err != nil {
		t.Fatalf("%s - first unwrap: %v", unwrapTestPrefix, err)
	}
	second, err := Unwrap(first, topology.EnvelopeLegacy)
	if err != nil {
		t.Fatalf("%s - second unwrap: %v", unwrapTestPrefix, err)
	}
	if string(second) != string(body) {
		t.Errorf("%s - got %s, want %s", unwrapTestPrefix, second, body)
	}
}

func TestSuccessAndFailure(t *testing.T) {
	reply, err := Success("c-1", map[string]string{"id": "x"})
	if err != nil {
		t.Fatalf("%s - Success: %v", unwrapTestPrefix, err)
	}
	if !reply.Ok || string(reply.Result) != `{"id":"x"}` || reply.ID != "c-1" {
		t.Errorf("%s - Success reply = %+v", unwrapTestPrefix, reply)
	}

	nilReply, err := Success("c-2", nil)
	if err != nil || string(nilReply.Result) != "null" {
		t.Errorf("%s - Success(nil) = %+v, %v", unwrapTestPrefix, nilReply, err)
	}

	fail := Failure("c-3", "NOPE", 0, "denied")
	if fail.Ok || fail.Error.StatusCode != http.StatusInternalServerError {
		t.Errorf("%s - Failure reply = %+v", unwrapTestPrefix, fail)
	}
}
