package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknownAction is returned for actions without a registered handler.
	ErrUnknownAction = errors.New("unknown action")

	// ErrNoConnection is returned when the identity has no live connection.
	ErrNoConnection = errors.New("charge point is not connected")

	// ErrTimeout is returned when no result arrived within the wait window.
	// The call stays registered and may still be resolved later.
	ErrTimeout = errors.New("timed out waiting for charge point")
)

// ValidationError reports a request body an action cannot build a payload
// from. Nothing has been sent.
type ValidationError struct {
	Action string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s request: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("invalid %s request: %s %s", e.Action, e.Field, e.Reason)
}

// ProtocolError is a CALL_ERROR answered by the charge point.
type ProtocolError struct {
	Action      string
	MessageID   string
	Code        string
	Description string
	Details     map[string]any
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed on charge point: %s", e.Action, e.Code)
	if e.Description != "" {
		fmt.Fprintf(&b, " (%s)", e.Description)
	}
	if len(e.Details) > 0 {
		fmt.Fprintf(&b, " details: %s", formatFields(e.Details))
	}
	return b.String()
}

// RejectedError is a successful response whose status is not one the
// action counts as success.
type RejectedError struct {
	Action    string
	MessageID string
	// Status is empty when the response carried none.
	Status  string
	Payload map[string]any
}

func (e *RejectedError) Error() string {
	status := e.Status
	if status == "" {
		status = "no status"
	}
	msg := fmt.Sprintf("%s rejected by charge point: %s", e.Action, status)
	extra := make(map[string]any, len(e.Payload))
	for k, v := range e.Payload {
		if k != "status" {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		msg += " " + formatFields(extra)
	}
	return msg
}

func formatFields(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, m[k])
	}
	return strings.Join(parts, " ")
}
