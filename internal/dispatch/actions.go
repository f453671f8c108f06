package dispatch

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Body is a decoded request body.
type Body map[string]any

// Metadata keys understood by the dispatcher.
const (
	MetaConnectorID   = "connector_id"
	MetaTransactionID = "transaction_id"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultWaitTimeout = 5 * time.Second
)

// Action describes how to call one OCPP action on a charge point.
type Action struct {
	Name string

	// Build validates body and returns the payload to send along with
	// metadata kept with the pending call.
	Build func(body Body) (payload, metadata map[string]any, err error)

	// ExpectedStatuses lists the response statuses counted as success.
	// Empty means the response carries no status and any answer is
	// success.
	ExpectedStatuses []string

	// Timeout is when the call is flagged as timed out in the charger log.
	Timeout time.Duration

	// WaitTimeout is how long callers wait for a result by default.
	WaitTimeout time.Duration

	// Transactional actions are tracked in the transaction request index.
	Transactional bool
}

// fields reads typed values out of a body, remembering the first failure.
type fields struct {
	action string
	body   Body
	err    error
}

func (f *fields) fail(field, reason string) {
	if f.err == nil {
		f.err = &ValidationError{Action: f.action, Field: field, Reason: reason}
	}
}

func (f *fields) has(field string) bool {
	v, ok := f.body[field]
	return ok && v != nil
}

func (f *fields) str(field string, required bool, maxLen int) string {
	if !f.has(field) {
		if required {
			f.fail(field, "is required")
		}
		return ""
	}
	s, ok := f.body[field].(string)
	if !ok {
		f.fail(field, "must be a string")
		return ""
	}
	s = strings.TrimSpace(s)
	if required && s == "" {
		f.fail(field, "must not be empty")
	}
	if maxLen > 0 && len(s) > maxLen {
		f.fail(field, fmt.Sprintf("must be at most %d characters", maxLen))
	}
	return s
}

func (f *fields) integer(field string, required bool, min int) (int, bool) {
	if !f.has(field) {
		if required {
			f.fail(field, "is required")
		}
		return 0, false
	}
	var n int
	switch v := f.body[field].(type) {
	case float64:
		if v != math.Trunc(v) || math.Abs(v) > math.MaxInt32 {
			f.fail(field, "must be an integer")
			return 0, false
		}
		n = int(v)
	case int:
		n = v
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			f.fail(field, "must be an integer")
			return 0, false
		}
		n = int(i)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			f.fail(field, "must be an integer")
			return 0, false
		}
		n = i
	default:
		f.fail(field, "must be an integer")
		return 0, false
	}
	if n < min {
		f.fail(field, fmt.Sprintf("must be at least %d", min))
		return 0, false
	}
	return n, true
}

func (f *fields) enum(field string, allowed ...string) string {
	s := f.str(field, true, 0)
	if s != "" && !slices.Contains(allowed, s) {
		f.fail(field, "must be one of "+strings.Join(allowed, ", "))
	}
	return s
}

func (f *fields) timestamp(field string, required bool) string {
	s := f.str(field, required, 0)
	if s == "" {
		return ""
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		f.fail(field, "must be an RFC 3339 timestamp")
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

func (f *fields) list(field string) []string {
	if !f.has(field) {
		return nil
	}
	switch v := f.body[field].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				f.fail(field, "must be a list of strings")
				return nil
			}
			out = append(out, s)
		}
		return out
	}
	f.fail(field, "must be a list of strings")
	return nil
}

func (f *fields) object(field string) map[string]any {
	if !f.has(field) {
		return nil
	}
	m, ok := f.body[field].(map[string]any)
	if !ok {
		f.fail(field, "must be an object")
	}
	return m
}

// DefaultActions returns the builtin OCPP 1.6 action catalog.
func DefaultActions() []Action {
	return []Action{
		{
			Name: "Reset",
			Build: func(body Body) (map[string]any, map[string]any, error) {
				f := fields{action: "Reset", body: body}
				resetType := f.enum("type", "Hard", "Soft")
				return map[string]any{"type": resetType}, map[string]any{"type": resetType}, f.err
			},
			ExpectedStatuses: []string{"Accepted"},
		},
		{
			Name: "RemoteStartTransaction",
			Build: func(body Body) (map[string]any, map[string]any, error) {
				f := fields{action: "RemoteStartTransaction", body: body}
				payload := map[string]any{"idTag": f.str("idTag", true, 20)}
				meta := map[string]any{}
				if connectorID, ok := f.integer("connectorId", false, 1); ok {
					payload["connectorId"] = connectorID
					meta[MetaConnectorID] = strconv.Itoa(connectorID)
				}
				if profile := f.object("chargingProfile"); profile != nil {
					payload["chargingProfile"] = profile
				}
				return payload, meta, f.err
			},
			ExpectedStatuses: []string{"Accepted"},
			WaitTimeout:      15 * time.Second,
			Transactional:    true,
		},
		{
			Name: "RemoteStopTransaction",
			Build: func(body Body) (map[string]any, map[string]any, error) {
				f := fields{action: "RemoteStopTransaction", body: body}
				txID, _ := f.integer("transactionId", true, math.MinInt32)
				return map[string]any{"transactionId": txID},
					map[string]any{MetaTransactionID: strconv.Itoa(txID)}, f.err
			},
			ExpectedStatuses: []string{"Accepted"},
			WaitTimeout:      15 * time.Second,
			Transactional:    true,
		},
		{
			Name: "UnlockConnector",
			Build: func(body Body) (map[string]any, map[string]any, error) {
				f := fields{action: "UnlockConnector", body: body}
				connectorID, _ := f.integer("connectorId", true, 1)
				return map[string]any{"connectorId": connectorID},
					map[string]any{MetaConnectorID: strconv.Itoa(connectorID)}, f.err
			},
			ExpectedStatuses: []string{"Unlocked"},
			WaitTimeout:      15 * time.Second,
		},
		{
			Name: "ChangeAvailability",
			Build: func(body Body) (map[string]any, map[string]any, error) {
				f := fields{action: "ChangeAvailability", body: body}
				connectorID, _ := f.integer("connectorId", true, 0)
				availability := f.enum("type", "Inoperative", "Operative")
				return map[string]any{"connectorId": connectorID, "type": availability},
					map[string]any{MetaConnectorID: strconv.Itoa(connectorID)}, f.err
			},
			ExpectedStatuses: []string{"Accepted", "Scheduled"},
		},
		{
			Name: "ChangeConfiguration",
			Build: func(body Body) (map[string]any, map[string]any, error) {
				f := fields{action: "ChangeConfiguration", body: body}
				key := f.str("key", true, 50)
				var value string
				switch v := body["value"].(type) {
				case nil:
					f.fail("value", "is required")
				case string:
					value = v
				case json.Number:
					value = v.String()
				case bool, float64:
					value = fmt.Sprint(v)
				default:
					f.fail("value", "must be a string")
				}
				if len(value) > 500 {
					f.fail("value", "must be at most 500 characters")
				}
				return map[string]any{"key": key, "value": value}, map[string]any{"key": key}, f.err
			},
			ExpectedStatuses: []string{"Accepted", "RebootRequired"},
		},
		{
			Name: "GetConfiguration",
			Build: func(body Body) (map[string]any, map[string]any, error) {
				f := fields{action: "GetConfiguration", body: body}
				payload := map[string]any{}
				if keys := f.list("key"); len(keys) > 0 {
					payload["key"] = keys
				}
				return payload, nil, f.err
			},
		},
		{
			Name: "ClearCache",
			Build: func(Body) (map[string]any, map[string]any, error) {
				return map[string]any{}, nil, nil
			},
			ExpectedStatuses: []string{"Accepted"},
		},
		{
			Name: "TriggerMessage",
			Build: func(body Body) (map[string]any, map[string]any, error) {
				f := fields{action: "TriggerMessage", body: body}
				payload := map[string]any{"requestedMessage": f.enum("requestedMessage",
					"BootNotification", "DiagnosticsStatusNotification", "FirmwareStatusNotification",
					"Heartbeat", "MeterValues", "StatusNotification")}
				meta := map[string]any{}
				if connectorID, ok := f.integer("connectorId", false, 1); ok {
					payload["connectorId"] = connectorID
					meta[MetaConnectorID] = strconv.Itoa(connectorID)
				}
				return payload, meta, f.err
			},
			ExpectedStatuses: []string{"Accepted"},
		},
		{
			Name: "DataTransfer",
			Build: func(body Body) (map[string]any, map[string]any, error) {
				f := fields{action: "DataTransfer", body: body}
				payload := map[string]any{"vendorId": f.str("vendorId", true, 255)}
				if id := f.str("messageId", false, 50); id != "" {
					payload["messageId"] = id
				}
				if f.has("data") {
					switch v := body["data"].(type) {
					case string:
						payload["data"] = v
					default:
						data, err := json.Marshal(v)
						if err != nil {
							f.fail("data", "must be serializable")
						}
						payload["data"] = string(data)
					}
				}
				return payload, nil, f.err
			},
			ExpectedStatuses: []string{"Accepted"},
		},
		{
			Name: "ReserveNow",
			Build: func(body Body) (map[string]any, map[string]any, error) {
				f := fields{action: "ReserveNow", body: body}
				connectorID, _ := f.integer("connectorId", true, 0)
				reservationID, _ := f.integer("reservationId", true, 0)
				payload := map[string]any{
					"connectorId":   connectorID,
					"expiryDate":    f.timestamp("expiryDate", true),
					"idTag":         f.str("idTag", true, 20),
					"reservationId": reservationID,
				}
				if parent := f.str("parentIdTag", false, 20); parent != "" {
					payload["parentIdTag"] = parent
				}
				return payload, map[string]any{
					MetaConnectorID: strconv.Itoa(connectorID),
					"reservation_id": reservationID,
				}, f.err
			},
			ExpectedStatuses: []string{"Accepted"},
		},
		{
			Name: "CancelReservation",
			Build: func(body Body) (map[string]any, map[string]any, error) {
				f := fields{action: "CancelReservation", body: body}
				reservationID, _ := f.integer("reservationId", true, 0)
				return map[string]any{"reservationId": reservationID},
					map[string]any{"reservation_id": reservationID}, f.err
			},
			ExpectedStatuses: []string{"Accepted"},
		},
		{
			Name: "GetDiagnostics",
			Build: func(body Body) (map[string]any, map[string]any, error) {
				f := fields{action: "GetDiagnostics", body: body}
				payload := map[string]any{"location": f.str("location", true, 0)}
				if n, ok := f.integer("retries", false, 0); ok {
					payload["retries"] = n
				}
				if n, ok := f.integer("retryInterval", false, 0); ok {
					payload["retryInterval"] = n
				}
				if ts := f.timestamp("startTime", false); ts != "" {
					payload["startTime"] = ts
				}
				if ts := f.timestamp("stopTime", false); ts != "" {
					payload["stopTime"] = ts
				}
				return payload, nil, f.err
			},
			WaitTimeout: 15 * time.Second,
		},
		{
			Name: "UpdateFirmware",
			Build: func(body Body) (map[string]any, map[string]any, error) {
				f := fields{action: "UpdateFirmware", body: body}
				payload := map[string]any{
					"location":     f.str("location", true, 0),
					"retrieveDate": f.timestamp("retrieveDate", true),
				}
				if n, ok := f.integer("retries", false, 0); ok {
					payload["retries"] = n
				}
				if n, ok := f.integer("retryInterval", false, 0); ok {
					payload["retryInterval"] = n
				}
				return payload, nil, f.err
			},
		},
		{
			Name: "GetLocalListVersion",
			Build: func(Body) (map[string]any, map[string]any, error) {
				return map[string]any{}, nil, nil
			},
		},
	}
}
