// Package protocol holds the JSON envelopes exchanged with remote workers.
//
// Requests are published as {"requestIndex": n, "payload": {...}} with the
// correlation key {<correlationIdField>: <id>} as the record key. Workers answer
// on the response topic with the same key and a Response envelope.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
	"github.com/drblury/toolbridge/internal/runtime/jsoncodec"
)

// Status is the worker-reported outcome of a request.
type Status string

const (
	StatusInputRequired Status = "input_required"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusError         Status = "error"
)

// UnmarshalJSON accepts any casing ("COMPLETED", "completed").
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := jsoncodec.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Status(strings.ToLower(raw))
	return nil
}

// Request wraps a caller payload with its per-channel index.
type Request struct {
	RequestIndex int64           `json:"requestIndex"`
	Payload      json.RawMessage `json:"payload"`
}

// Exception is a worker-side error description.
type Exception struct {
	ClassName  string   `json:"className,omitempty"`
	Message    string   `json:"message,omitempty"`
	StackTrace []string `json:"stackTrace,omitempty"`
}

// Response is the envelope workers publish on the response topic.
type Response struct {
	RequestIndex int64           `json:"requestIndex"`
	Status       Status          `json:"status"`
	Message      string          `json:"message,omitempty"`
	Exception    *Exception      `json:"exception,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// EncodeRequest wraps payload in a request envelope. An empty payload becomes {}.
func EncodeRequest(index int64, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !jsoncodec.Valid(payload) {
		return nil, fmt.Errorf("request payload is not valid JSON")
	}
	return jsoncodec.Marshal(Request{RequestIndex: index, Payload: payload})
}

// EncodeKey renders the correlation key {field: id}.
func EncodeKey(field, id string) ([]byte, error) {
	return jsoncodec.Marshal(map[string]string{field: id})
}

// DecodeResponse parses a response envelope.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := jsoncodec.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response envelope: %w", err)
	}
	return resp, nil
}

// Result maps the envelope to the payload the caller asked for, or an error.
func (r Response) Result() (json.RawMessage, error) {
	switch r.Status {
	case StatusCompleted:
		if len(r.Payload) == 0 {
			return json.RawMessage("{}"), nil
		}
		return r.Payload, nil
	case StatusError, StatusFailed:
		re := &errspkg.ResponseError{Status: string(r.Status), Message: r.Message}
		if r.Exception != nil {
			re.Exception = strings.TrimSpace(r.Exception.ClassName + ": " + r.Exception.Message)
			re.Exception = strings.TrimPrefix(re.Exception, ": ")
		}
		return nil, re
	case StatusInputRequired:
		return nil, errspkg.ErrInputRequired
	default:
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownResponseStatus, r.Status)
	}
}

// Completed builds a completed response for payload. Workers and tests use it.
func Completed(index int64, payload []byte) ([]byte, error) {
	return jsoncodec.Marshal(Response{RequestIndex: index, Status: StatusCompleted, Payload: payload})
}

// Failed builds an error response carrying message.
func Failed(index int64, message string) ([]byte, error) {
	return jsoncodec.Marshal(Response{RequestIndex: index, Status: StatusError, Message: message})
}
