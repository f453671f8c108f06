// Package frame encodes and decodes OCPP-J message frames.
//
//	[2, "<id>", "<action>", {payload}]               CALL
//	[3, "<id>", {payload}]                           CALL_RESULT
//	[4, "<id>", "<code>", "<description>", {details}] CALL_ERROR
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the first element of every frame.
type MessageType int

const (
	Call       MessageType = 2
	CallResult MessageType = 3
	CallError  MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case Call:
		return "CALL"
	case CallResult:
		return "CALL_RESULT"
	case CallError:
		return "CALL_ERROR"
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// Error codes answered to malformed or unsupported calls.
const (
	ErrNotImplemented         = "NotImplemented"
	ErrFormationViolation     = "FormationViolation"
	ErrProtocolError          = "ProtocolError"
	ErrInternalError          = "InternalError"
	ErrGenericError           = "GenericError"
	ErrTypeConstraintViolated = "TypeConstraintViolation"
)

// ErrMalformed is returned for frames that are not OCPP-J arrays.
var ErrMalformed = errors.New("malformed OCPP frame")

// Frame is a decoded message. Fields that do not apply to Type are empty.
type Frame struct {
	Type             MessageType
	MessageID        string
	Action           string
	Payload          map[string]any
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     map[string]any
}

func payloadOrEmpty(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	return payload
}

// EncodeCall builds a CALL frame.
func EncodeCall(messageID, action string, payload map[string]any) ([]byte, error) {
	return json.Marshal([]any{Call, messageID, action, payloadOrEmpty(payload)})
}

// EncodeResult builds a CALL_RESULT frame.
func EncodeResult(messageID string, payload map[string]any) ([]byte, error) {
	return json.Marshal([]any{CallResult, messageID, payloadOrEmpty(payload)})
}

// EncodeError builds a CALL_ERROR frame.
func EncodeError(messageID, code, description string, details map[string]any) ([]byte, error) {
	return json.Marshal([]any{CallError, messageID, code, description, payloadOrEmpty(details)})
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Decode parses a frame. The message id is returned alongside
// ErrMalformed when it could be read, so callers can answer with a
// CALL_ERROR.
func Decode(data []byte) (Frame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, malformed("%v", err)
	}
	if len(raw) < 3 {
		return Frame{}, malformed("%d elements", len(raw))
	}

	var f Frame
	if err := json.Unmarshal(raw[0], &f.Type); err != nil {
		return Frame{}, malformed("message type %s", raw[0])
	}
	if err := json.Unmarshal(raw[1], &f.MessageID); err != nil {
		return Frame{}, malformed("message id %s", raw[1])
	}

	object := func(i int) (map[string]any, error) {
		if i >= len(raw) || string(raw[i]) == "null" {
			return nil, nil
		}
		var m map[string]any
		if err := json.Unmarshal(raw[i], &m); err != nil {
			return nil, malformed("element %d is not an object", i)
		}
		return m, nil
	}

	var err error
	switch f.Type {
	case Call:
		if err := json.Unmarshal(raw[2], &f.Action); err != nil || f.Action == "" {
			return f, malformed("action %s", raw[2])
		}
		f.Payload, err = object(3)
	case CallResult:
		f.Payload, err = object(2)
	case CallError:
		if err := json.Unmarshal(raw[2], &f.ErrorCode); err != nil {
			return f, malformed("error code %s", raw[2])
		}
		if len(raw) > 3 {
			_ = json.Unmarshal(raw[3], &f.ErrorDescription)
		}
		f.ErrorDetails, err = object(4)
	default:
		return f, malformed("unknown message type %d", int(f.Type))
	}
	return f, err
}
