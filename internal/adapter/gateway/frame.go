package gateway

import (
	"encoding/json"
	"errors"

	"toolhost/internal/domain"
)

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the envelope exchanged between a UI surface and the host. For
// event frames Method carries the event name.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`      // request/response correlation ID
	Method  string          `json:"method,omitempty"`  // RPC method or event name
	Payload json.RawMessage `json:"payload,omitempty"` // request params, response result, or event data
	Error   *FrameError     `json:"error,omitempty"`   // response only
}

// FrameError is the error carried by a failed response.
type FrameError struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Missing []string         `json:"missing,omitempty"` // permissions, for PLUGIN_PERMISSION
}

func (e *FrameError) Error() string { return string(e.Code) + ": " + e.Message }

func frameError(err error) *FrameError {
	fe := &FrameError{Code: domain.ErrorCodeOf(err), Message: err.Error()}
	var pe *domain.PermissionError
	if errors.As(err, &pe) {
		fe.Code = domain.CodePluginPermission
		fe.Missing = pe.Missing
	}
	return fe
}
