package hostapi

import (
	"encoding/json"
	"errors"

	"github.com/srg/ringbridge/pkg/ring"
)

// FrameType tags a websocket frame.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Error kinds that are not bridge error kinds.
const (
	KindMethodNotFound = "method_not_found"
	KindInvalidParams  = "invalid_params"
	KindInternal       = "internal"
)

// Frame is the single JSON message shape in both directions.
//
// A request carries id, method and params. A response echoes id and carries
// either result or error. An event carries event and data.
type Frame struct {
	Type   FrameType       `json:"type,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *FrameError     `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   any             `json:"data,omitempty"`
}

// FrameError is the error part of a response.
type FrameError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *FrameError) Error() string {
	return e.Kind + ": " + e.Message
}

// toFrameError classifies err for the wire.
func toFrameError(err error) *FrameError {
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe
	}
	if kind := ring.KindOf(err); kind != "" {
		return &FrameError{Kind: string(kind), Message: err.Error()}
	}
	return &FrameError{Kind: KindInternal, Message: err.Error()}
}

// StatusOK is the result of commands that only acknowledge.
type StatusOK struct {
	Status string `json:"status"`
}

var statusOK = StatusOK{Status: "ok"}
