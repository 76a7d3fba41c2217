package backend

import (
	"bytes"
	"encoding/json"
	"fmt"

	"toolhost/internal/domain"
)

// MaxLineBytes is the largest single message a backend may send. Longer
// lines are discarded and logged.
const MaxLineBytes = 4 << 20

// Unsolicited message types sent by backends.
const (
	TypeReady = "$ready"
	TypeEvent = "$event"
	TypeLog   = "$log"
)

// Synthetic message kinds delivered to listeners when a channel ends.
const (
	KindExit  = "exit"
	KindError = "error"
)

// request is a host-to-backend call or, with a nil ID, a notification.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// RPCError is the error object of a failed response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}

// response is a backend reply correlated by ID.
type response struct {
	ID     int64
	Result json.RawMessage
	Error  *RPCError
}

// inbound is the union of every field a backend line may carry. Responses
// have an id together with result or error; unsolicited messages have a type
// (or, equivalently, a $-prefixed method with params).
type inbound struct {
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	Type    string          `json:"type"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Version string          `json:"version"`
	Methods []string        `json:"methods"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Level   string          `json:"level"`
	Message string          `json:"message"`
}

// message is a decoded unsolicited line.
type message struct {
	Type    string
	Version string
	Methods []string
	Event   string
	Data    json.RawMessage
	Level   string
	Message string
}

// encodeLine marshals v as one newline-terminated JSON line.
func encodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// decodeLine classifies one line. Exactly one of the results is non-nil for
// a well-formed line; a line that is neither is reported as an error.
func decodeLine(line []byte) (*response, *message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil, nil
	}
	var in inbound
	if err := json.Unmarshal(line, &in); err != nil {
		return nil, nil, fmt.Errorf("malformed line: %w", err)
	}

	if in.ID != nil && (in.Result != nil || in.Error != nil) && in.Type == "" {
		return &response{ID: *in.ID, Result: in.Result, Error: in.Error}, nil, nil
	}

	typ := in.Type
	if typ == "" && len(in.Method) > 1 && in.Method[0] == '$' {
		// {"method":"$ready","params":{...}} spelling: fields live in params.
		typ = in.Method
		if len(in.Params) > 0 {
			var p inbound
			if err := json.Unmarshal(in.Params, &p); err != nil {
				return nil, nil, fmt.Errorf("malformed %s params: %w", typ, err)
			}
			in = p
		}
	}

	switch typ {
	case TypeReady, TypeEvent, TypeLog:
		return nil, &message{
			Type:    typ,
			Version: in.Version,
			Methods: in.Methods,
			Event:   in.Event,
			Data:    in.Data,
			Level:   in.Level,
			Message: in.Message,
		}, nil
	case "":
		return nil, nil, fmt.Errorf("line is neither a response nor a typed message")
	default:
		return nil, nil, fmt.Errorf("unknown message type %q", typ)
	}
}

// Unwrap maps the standard JSON-RPC codes onto domain errors.
func (e *RPCError) Unwrap() error {
	switch e.Code {
	case -32601:
		return domain.ErrRPCMethodNotFound
	case -32602:
		return domain.ErrRPCInvalidPayload
	}
	return nil
}
