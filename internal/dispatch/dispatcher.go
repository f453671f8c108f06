// Package dispatch turns action requests into OCPP calls on connected
// charge points and classifies their outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/balu-dk/ocpp-csms-engine/internal/frame"
	"github.com/balu-dk/ocpp-csms-engine/internal/logstore"
	"github.com/balu-dk/ocpp-csms-engine/internal/pending"
	"github.com/balu-dk/ocpp-csms-engine/internal/registry"
	"github.com/balu-dk/ocpp-csms-engine/internal/txindex"
)

const tracerName = "github.com/balu-dk/ocpp-csms-engine/internal/dispatch"

// StatusError is the transaction request status recorded for CALL_ERROR
// answers.
const StatusError = "error"

// StatusRejected is the peer status that always counts as a rejection.
const StatusRejected = "Rejected"

// Dispatched describes a call accepted for delivery.
type Dispatched struct {
	MessageID        string        `json:"message_id"`
	Action           string        `json:"action"`
	ChargerID        string        `json:"charger_id"`
	ConnectorID      string        `json:"connector_id,omitempty"`
	ExpectedStatuses []string      `json:"expected_statuses,omitempty"`
	WaitTimeout      time.Duration `json:"-"`
}

// Outcome is a successful call result.
type Outcome struct {
	MessageID string         `json:"message_id"`
	Action    string         `json:"action"`
	Status    string         `json:"status,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// OutcomeRecord is journaled for every result that matched a call.
type OutcomeRecord struct {
	MessageID        string
	ChargerID        string
	ConnectorID      string
	Action           string
	Success          bool
	Status           string
	ErrorCode        string
	ErrorDescription string
	RequestedAt      time.Time
	ReceivedAt       time.Time
}

// Journal persists raw frames and call outcomes.
type Journal interface {
	LogRawMessage(direction, chargerID string, data []byte) error
	LogOutcome(rec OutcomeRecord) error
}

// ResultHandler reacts to the result of a call. It runs after the result
// has been recorded, so waiters are never held up by it.
type ResultHandler func(ctx context.Context, call *pending.Call, res pending.Result)

// Options configures a Dispatcher.
type Options struct {
	Connections  *registry.Registry
	Pending      *pending.Registry
	Transactions *txindex.Index
	Logs         pending.LogAppender
	Journal      Journal
	Tracer       trace.Tracer
	Logger       *log.Logger

	// NewMessageID generates message ids. Defaults to random UUIDs.
	NewMessageID func() string
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	conns   *registry.Registry
	pending *pending.Registry
	txs     *txindex.Index
	logs    pending.LogAppender
	journal Journal
	tracer  trace.Tracer
	logger  *log.Logger
	newID   func() string

	mu       sync.RWMutex
	actions  map[string]Action
	handlers map[string][]ResultHandler
}

// New creates a dispatcher with no actions registered.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		conns:    opts.Connections,
		pending:  opts.Pending,
		txs:      opts.Transactions,
		logs:     opts.Logs,
		journal:  opts.Journal,
		tracer:   opts.Tracer,
		logger:   opts.Logger,
		newID:    opts.NewMessageID,
		actions:  make(map[string]Action),
		handlers: make(map[string][]ResultHandler),
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	if d.logger == nil {
		d.logger = log.Default()
	}
	if d.newID == nil {
		d.newID = uuid.NewString
	}
	return d
}

// NewWithDefaults creates a dispatcher serving DefaultActions.
func NewWithDefaults(opts Options) *Dispatcher {
	d := New(opts)
	for _, a := range DefaultActions() {
		d.Register(a)
	}
	return d
}

// Register adds or replaces an action.
func (d *Dispatcher) Register(a Action) {
	if a.Timeout <= 0 {
		a.Timeout = defaultTimeout
	}
	if a.WaitTimeout <= 0 {
		a.WaitTimeout = defaultWaitTimeout
	}
	d.mu.Lock()
	d.actions[a.Name] = a
	d.mu.Unlock()
}

// Action returns the registered action called name.
func (d *Dispatcher) Action(name string) (Action, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.actions[name]
	return a, ok
}

// Actions lists the registered action names.
func (d *Dispatcher) Actions() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.actions))
	for name := range d.actions {
		names = append(names, name)
	}
	d.mu.RUnlock()
	sort.Strings(names)
	return names
}

// OnResult registers a handler run for every result of action.
func (d *Dispatcher) OnResult(action string, h ResultHandler) {
	d.mu.Lock()
	d.handlers[action] = append(d.handlers[action], h)
	d.mu.Unlock()
}

func metaString(meta map[string]any, key string) string {
	switch v := meta[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Dispatch validates body, sends the action to the charge point and
// registers the pending call. It does not wait for the answer.
func (d *Dispatcher) Dispatch(ctx context.Context, serial, connector, actionName string, body Body) (_ *Dispatched, err error) {
	ctx, span := d.tracer.Start(ctx, "ocpp.dispatch "+actionName, trace.WithAttributes(
		attribute.String("ocpp.action", actionName),
		attribute.String("ocpp.charger_id", serial),
		attribute.String("ocpp.connector_id", connector),
	))
	defer func() { endSpan(span, err) }()

	action, ok := d.Action(actionName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, actionName)
	}
	if body == nil {
		body = Body{}
	}
	payload, meta, err := action.Build(body)
	if err != nil {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			err = &ValidationError{Action: actionName, Reason: err.Error()}
		}
		return nil, err
	}

	conn := d.conns.Get(serial, connector)
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, registry.Key(serial, connector))
	}

	messageID := d.newID()
	span.SetAttributes(attribute.String("ocpp.message_id", messageID))

	connectorID := strings.TrimSpace(connector)
	if connectorID == "" {
		connectorID = metaString(meta, MetaConnectorID)
	}
	logKey := registry.Key(serial, connector)

	data, err := frame.EncodeCall(messageID, actionName, payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", actionName, err)
	}

	d.pending.Register(ctx, pending.Call{
		MessageID:   messageID,
		Action:      actionName,
		ChargerID:   serial,
		ConnectorID: connectorID,
		LogKey:      logKey,
		RequestedAt: time.Now(),
		Metadata:    meta,
	})
	d.pending.ScheduleTimeout(messageID, action.Timeout, pending.TimeoutOptions{LogKey: logKey})
	if action.Transactional && d.txs != nil {
		d.txs.Register(messageID, txindex.Request{
			ChargerID:     serial,
			ConnectorID:   connectorID,
			TransactionID: metaString(meta, MetaTransactionID),
			Action:        actionName,
		})
	}

	if err := conn.Send(ctx, data); err != nil {
		d.pending.Forget(context.WithoutCancel(ctx), messageID)
		if d.txs != nil {
			d.txs.Remove(messageID)
		}
		return nil, fmt.Errorf("failed to send %s to %s: %w", actionName, logKey, err)
	}

	if d.logs != nil {
		d.logs.Append(logKey, "SEND "+string(data), logstore.ChargerLog)
	}
	if d.journal != nil {
		if err := d.journal.LogRawMessage("SEND", serial, data); err != nil {
			d.logger.Printf("Error logging raw message: %v", err)
		}
	}
	d.logger.Printf("Sent %s command to %s with message ID %s", actionName, logKey, messageID)

	return &Dispatched{
		MessageID:        messageID,
		Action:           actionName,
		ChargerID:        serial,
		ConnectorID:      connectorID,
		ExpectedStatuses: action.ExpectedStatuses,
		WaitTimeout:      action.WaitTimeout,
	}, nil
}

// Await waits for the result of a dispatched call and classifies it. A
// non-positive wait uses the action's default.
func (d *Dispatcher) Await(ctx context.Context, call *Dispatched, wait time.Duration) (_ *Outcome, err error) {
	ctx, span := d.tracer.Start(ctx, "ocpp.await "+call.Action, trace.WithAttributes(
		attribute.String("ocpp.action", call.Action),
		attribute.String("ocpp.message_id", call.MessageID),
	))
	defer func() { endSpan(span, err) }()

	if wait <= 0 {
		wait = call.WaitTimeout
	}
	if wait <= 0 {
		wait = defaultWaitTimeout
	}

	res := d.pending.Await(ctx, call.MessageID, wait)
	if res == nil {
		return nil, fmt.Errorf("%w: %s (message %s) got no response within %s",
			ErrTimeout, call.Action, call.MessageID, wait)
	}
	return classify(call, res)
}

func classify(call *Dispatched, res *pending.Result) (*Outcome, error) {
	if !res.Success {
		return nil, &ProtocolError{
			Action:      call.Action,
			MessageID:   call.MessageID,
			Code:        res.ErrorCode,
			Description: res.ErrorDescription,
			Details:     res.ErrorDetails,
		}
	}

	payload := res.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	status, _ := payload["status"].(string)
	// Rejected is a rejection for every action, listed or not
	rejected := status == StatusRejected
	if len(call.ExpectedStatuses) > 0 && !slices.Contains(call.ExpectedStatuses, status) {
		rejected = true
	}
	if rejected {
		return nil, &RejectedError{
			Action:    call.Action,
			MessageID: call.MessageID,
			Status:    status,
			Payload:   maps.Clone(payload),
		}
	}
	return &Outcome{MessageID: call.MessageID, Action: call.Action, Status: status, Payload: payload}, nil
}

// Call dispatches an action and waits for its classified outcome.
func (d *Dispatcher) Call(ctx context.Context, serial, connector, action string, body Body, wait time.Duration) (*Dispatched, *Outcome, error) {
	call, err := d.Dispatch(ctx, serial, connector, action, body)
	if err != nil {
		return nil, nil, err
	}
	outcome, err := d.Await(ctx, call, wait)
	return call, outcome, err
}

// HandleResult processes a CALL_RESULT or CALL_ERROR from serial. The
// result is recorded before anything else so waiters wake immediately;
// the call's registration is then popped and result handlers run. It
// reports whether the result was recorded.
func (d *Dispatcher) HandleResult(ctx context.Context, serial, messageID string, res pending.Result) bool {
	recorded := d.pending.RecordResult(ctx, messageID, res)

	call := d.pending.Pop(ctx, messageID)
	if call == nil {
		d.logger.Printf("Received response for unknown message ID: %s", messageID)
		return recorded
	}
	if call.ChargerID != "" && serial != "" && call.ChargerID != serial {
		d.logger.Printf("Response for message ID %s came from %s, expected %s", messageID, serial, call.ChargerID)
	}
	d.logger.Printf("Received response for message ID %s", messageID)

	status, _ := res.Payload["status"].(string)
	if d.journal != nil {
		rec := OutcomeRecord{
			MessageID:        messageID,
			ChargerID:        call.ChargerID,
			ConnectorID:      call.ConnectorID,
			Action:           call.Action,
			Success:          res.Success,
			Status:           status,
			ErrorCode:        res.ErrorCode,
			ErrorDescription: res.ErrorDescription,
			RequestedAt:      call.RequestedAt,
			ReceivedAt:       time.Now(),
		}
		if err := d.journal.LogOutcome(rec); err != nil {
			d.logger.Printf("Error logging call outcome: %v", err)
		}
	}

	if d.txs != nil {
		if _, tracked := d.txs.Get(messageID); tracked {
			if !res.Success {
				status = StatusError
			} else if status == "" {
				status = "completed"
			}
			d.txs.Update(messageID, txindex.Update{Status: &status})
		}
	}

	d.mu.RLock()
	handlers := append([]ResultHandler(nil), d.handlers[call.Action]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, call, res)
	}
	return recorded
}
