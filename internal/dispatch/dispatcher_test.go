package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/balu-dk/ocpp-csms-engine/internal/cache/cachetest"
	"github.com/balu-dk/ocpp-csms-engine/internal/frame"
	"github.com/balu-dk/ocpp-csms-engine/internal/pending"
	"github.com/balu-dk/ocpp-csms-engine/internal/registry"
	"github.com/balu-dk/ocpp-csms-engine/internal/txindex"
)

// chargePoint is a registry.Conn that answers every call with respond.
type chargePoint struct {
	mu      sync.Mutex
	frames  []frame.Frame
	respond func(f frame.Frame)
	sendErr error
}

func (c *chargePoint) Send(_ context.Context, data []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	f, err := frame.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, f)
	respond := c.respond
	c.mu.Unlock()
	if respond != nil {
		go respond(f)
	}
	return nil
}

func (c *chargePoint) sent() []frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame.Frame(nil), c.frames...)
}

type memJournal struct {
	mu       sync.Mutex
	raw      []string
	outcomes []OutcomeRecord
}

func (j *memJournal) LogRawMessage(direction, chargerID string, data []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.raw = append(j.raw, direction+" "+chargerID)
	return nil
}

func (j *memJournal) LogOutcome(rec OutcomeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes = append(j.outcomes, rec)
	return nil
}

type harness struct {
	d        *Dispatcher
	conns    *registry.Registry
	pending  *pending.Registry
	txs      *txindex.Index
	journal  *memJournal
	recorder *tracetest.SpanRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, _ := cachetest.New(t)
	logger := log.New(io.Discard, "", 0)

	h := &harness{
		conns:    registry.New(),
		txs:      txindex.New(),
		journal:  &memJournal{},
		recorder: tracetest.NewSpanRecorder(),
	}
	h.pending = pending.NewRegistry(pending.Options{
		Cache:        store,
		TTL:          time.Minute,
		Transactions: h.txs,
		Logger:       logger,
	})
	t.Cleanup(h.pending.Close)

	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.recorder))
	h.d = NewWithDefaults(Options{
		Connections:  h.conns,
		Pending:      h.pending,
		Transactions: h.txs,
		Journal:      h.journal,
		Tracer:       provider.Tracer("test"),
		Logger:       logger,
	})
	return h
}

// answer returns a responder resolving every call with payload.
func (h *harness) answer(serial string, payload map[string]any) func(frame.Frame) {
	return func(f frame.Frame) {
		time.Sleep(10 * time.Millisecond)
		h.d.HandleResult(context.Background(), serial, f.MessageID, pending.Result{Success: true, Payload: payload})
	}
}

func TestDispatcher_Actions(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, []string{
		"CancelReservation", "ChangeAvailability", "ChangeConfiguration", "ClearCache",
		"DataTransfer", "GetConfiguration", "GetDiagnostics", "GetLocalListVersion",
		"RemoteStartTransaction", "RemoteStopTransaction", "ReserveNow", "Reset",
		"TriggerMessage", "UnlockConnector", "UpdateFirmware",
	}, h.d.Actions())

	a, ok := h.d.Action("Reset")
	require.True(t, ok)
	assert.Equal(t, defaultTimeout, a.Timeout)
	assert.Equal(t, defaultWaitTimeout, a.WaitTimeout)
}

func TestDispatcher_RejectedBeforeSideEffects(t *testing.T) {
	h := newHarness(t)
	cp := &chargePoint{}
	h.conns.Register("EVSE01", "1", cp)
	ctx := context.Background()

	_, err := h.d.Dispatch(ctx, "EVSE01", "1", "Teleport", nil)
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = h.d.Dispatch(ctx, "EVSE01", "1", "Reset", Body{"type": "Medium"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "type", verr.Field)
	assert.Contains(t, err.Error(), "Reset")

	_, err = h.d.Dispatch(ctx, "EVSE02", "1", "Reset", Body{"type": "Hard"})
	assert.ErrorIs(t, err, ErrNoConnection)

	assert.Empty(t, cp.sent())
	assert.Equal(t, 0, h.pending.Len())
	assert.Empty(t, h.journal.raw)
}

func TestDispatcher_CallAccepted(t *testing.T) {
	h := newHarness(t)
	cp := &chargePoint{}
	cp.respond = h.answer("EVSE01", map[string]any{"status": "Accepted"})
	h.conns.Register("EVSE01", "1", cp)

	call, outcome, err := h.d.Call(context.Background(), "EVSE01", "1", "Reset", Body{"type": "Hard"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Accepted", outcome.Status)
	assert.Equal(t, call.MessageID, outcome.MessageID)
	assert.Equal(t, []string{"Accepted"}, call.ExpectedStatuses)

	sent := cp.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, frame.Call, sent[0].Type)
	assert.Equal(t, "Reset", sent[0].Action)
	assert.Equal(t, "Hard", sent[0].Payload["type"])
	assert.Equal(t, call.MessageID, sent[0].MessageID)

	// waiters wake before the registration is popped and journaled
	require.Eventually(t, func() bool {
		h.journal.mu.Lock()
		defer h.journal.mu.Unlock()
		return len(h.journal.outcomes) == 1
	}, time.Second, 5*time.Millisecond)
	h.journal.mu.Lock()
	assert.Equal(t, "Accepted", h.journal.outcomes[0].Status)
	assert.Equal(t, []string{"SEND EVSE01"}, h.journal.raw)
	h.journal.mu.Unlock()

	_, ok := h.pending.Get(context.Background(), call.MessageID)
	assert.False(t, ok)
}

func TestDispatcher_Rejected(t *testing.T) {
	h := newHarness(t)
	cp := &chargePoint{}
	h.conns.Register("EVSE01", "", cp)
	ctx := context.Background()

	cp.respond = h.answer("EVSE01", map[string]any{"status": "UnlockFailed"})
	_, _, err := h.d.Call(ctx, "EVSE01", "", "UnlockConnector", Body{"connectorId": float64(1)}, time.Second)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "UnlockFailed", rej.Status)
	assert.Contains(t, err.Error(), "UnlockConnector")
	assert.Contains(t, err.Error(), "UnlockFailed")

	cp.respond = h.answer("EVSE01", map[string]any{"reason": "busy"})
	_, _, err = h.d.Call(ctx, "EVSE01", "", "ClearCache", nil, time.Second)
	require.ErrorAs(t, err, &rej)
	assert.Empty(t, rej.Status)
	assert.Contains(t, err.Error(), "reason=busy")

	// actions without a status accept any answer
	cp.respond = h.answer("EVSE01", map[string]any{"listVersion": float64(3)})
	_, outcome, err := h.d.Call(ctx, "EVSE01", "", "GetLocalListVersion", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, float64(3), outcome.Payload["listVersion"])

	// Rejected is a rejection even when the action lists no statuses
	cp.respond = h.answer("EVSE01", map[string]any{"status": "Rejected"})
	_, _, err = h.d.Call(ctx, "EVSE01", "", "GetConfiguration", nil, time.Second)
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "Rejected", rej.Status)
}

func TestDispatcher_ProtocolError(t *testing.T) {
	h := newHarness(t)
	cp := &chargePoint{}
	cp.respond = func(f frame.Frame) {
		h.d.HandleResult(context.Background(), "EVSE01", f.MessageID, pending.Result{
			ErrorCode:        "NotSupported",
			ErrorDescription: "no reservations",
			ErrorDetails:     map[string]any{"hint": "upgrade"},
		})
	}
	h.conns.Register("EVSE01", "", cp)

	_, _, err := h.d.Call(context.Background(), "EVSE01", "", "CancelReservation", Body{"reservationId": float64(4)}, time.Second)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "NotSupported", perr.Code)
	assert.Equal(t, "CancelReservation failed on charge point: NotSupported (no reservations) details: hint=upgrade", err.Error())
}

func TestDispatcher_TimeoutKeepsCallResolvable(t *testing.T) {
	h := newHarness(t)
	cp := &chargePoint{}
	h.conns.Register("EVSE01", "1", cp)
	ctx := context.Background()

	call, err := h.d.Dispatch(ctx, "EVSE01", "1", "Reset", Body{"type": "Soft"})
	require.NoError(t, err)

	_, err = h.d.Await(ctx, call, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "Reset")

	got, ok := h.pending.Get(ctx, call.MessageID)
	require.True(t, ok)
	assert.Equal(t, "EVSE01#1", got.LogKey)

	assert.True(t, h.d.HandleResult(ctx, "EVSE01", call.MessageID, pending.Result{Success: true, Payload: map[string]any{"status": "Accepted"}}))
	outcome, err := h.d.Await(ctx, call, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "Accepted", outcome.Status)
}

func TestDispatcher_SendFailureLeavesNoState(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("socket closed")
	h.conns.Register("EVSE01", "1", &chargePoint{sendErr: boom})

	_, err := h.d.Dispatch(context.Background(), "EVSE01", "1", "RemoteStartTransaction", Body{"idTag": "TAG1"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, h.pending.Len())
	assert.Equal(t, 0, h.txs.Len())
	assert.Empty(t, h.pending.Pending("EVSE01"))
}

func TestDispatcher_TransactionalActions(t *testing.T) {
	h := newHarness(t)
	cp := &chargePoint{}
	h.conns.Register("EVSE01", "", cp)
	ctx := context.Background()

	start, err := h.d.Dispatch(ctx, "EVSE01", "", "RemoteStartTransaction", Body{"idTag": "TAG1", "connectorId": float64(2)})
	require.NoError(t, err)
	assert.Equal(t, "2", start.ConnectorID)

	matches := h.txs.Find(txindex.Query{ChargerID: "EVSE01", ConnectorID: "2"})
	require.Len(t, matches, 1)
	assert.Equal(t, txindex.StatusRequested, matches[0].Request.Status)

	stop, err := h.d.Dispatch(ctx, "EVSE01", "", "RemoteStopTransaction", Body{"transactionId": "0042"})
	require.NoError(t, err)
	require.Len(t, h.txs.Find(txindex.Query{TransactionID: "42"}), 1)

	h.d.HandleResult(ctx, "EVSE01", start.MessageID, pending.Result{Success: true, Payload: map[string]any{"status": "Accepted"}})
	h.d.HandleResult(ctx, "EVSE01", stop.MessageID, pending.Result{ErrorCode: "InternalError"})

	req, _ := h.txs.Get(start.MessageID)
	assert.Equal(t, "Accepted", req.Status)
	req, _ = h.txs.Get(stop.MessageID)
	assert.Equal(t, StatusError, req.Status)
}

func TestDispatcher_ResultHandlers(t *testing.T) {
	h := newHarness(t)
	cp := &chargePoint{}
	h.conns.Register("EVSE01", "", cp)
	ctx := context.Background()

	got := make(chan *pending.Call, 1)
	h.d.OnResult("ReserveNow", func(_ context.Context, call *pending.Call, res pending.Result) {
		assert.True(t, res.Success)
		got <- call
	})

	call, err := h.d.Dispatch(ctx, "EVSE01", "", "ReserveNow", Body{
		"connectorId":   float64(1),
		"expiryDate":    "2024-03-01T12:00:00+01:00",
		"idTag":         "TAG1",
		"reservationId": float64(9),
	})
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T11:00:00Z", cp.sent()[0].Payload["expiryDate"])

	assert.True(t, h.d.HandleResult(ctx, "EVSE01", call.MessageID, pending.Result{Success: true, Payload: map[string]any{"status": "Accepted"}}))
	select {
	case c := <-got:
		assert.Equal(t, "ReserveNow", c.Action)
		assert.EqualValues(t, 9, c.Metadata["reservation_id"])
	case <-time.After(time.Second):
		t.Fatal("result handler not called")
	}

	// a duplicate answer is neither recorded nor handled again
	assert.False(t, h.d.HandleResult(ctx, "EVSE01", call.MessageID, pending.Result{Success: true}))
	assert.Empty(t, got)

	// results nobody here asked for are kept for other processes
	assert.True(t, h.d.HandleResult(ctx, "EVSE01", "unknown", pending.Result{Success: true}))
}

func TestDispatcher_Spans(t *testing.T) {
	h := newHarness(t)
	cp := &chargePoint{}
	h.conns.Register("EVSE01", "1", cp)
	ctx := context.Background()

	call, err := h.d.Dispatch(ctx, "EVSE01", "1", "ClearCache", nil)
	require.NoError(t, err)
	_, err = h.d.Await(ctx, call, 10*time.Millisecond)
	require.Error(t, err)
	_, err = h.d.Dispatch(ctx, "EVSE01", "1", "Nope", nil)
	require.Error(t, err)

	spans := h.recorder.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "ocpp.dispatch ClearCache", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, "ocpp.await ClearCache", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, codes.Error, spans[2].Status().Code)
}

func TestDefaultActions_Validation(t *testing.T) {
	h := newHarness(t)
	h.conns.Register("EVSE01", "", &chargePoint{})
	ctx := context.Background()

	cases := []struct {
		action string
		body   Body
		field  string
	}{
		{"Reset", Body{}, "type"},
		{"RemoteStartTransaction", Body{"idTag": ""}, "idTag"},
		{"RemoteStartTransaction", Body{"idTag": "TAG", "connectorId": float64(0)}, "connectorId"},
		{"RemoteStopTransaction", Body{"transactionId": 1.5}, "transactionId"},
		{"UnlockConnector", Body{"connectorId": "x"}, "connectorId"},
		{"ChangeAvailability", Body{"connectorId": float64(0), "type": "Broken"}, "type"},
		{"ChangeConfiguration", Body{"key": "HeartbeatInterval"}, "value"},
		{"GetConfiguration", Body{"key": []any{1}}, "key"},
		{"TriggerMessage", Body{"requestedMessage": "Reboot"}, "requestedMessage"},
		{"DataTransfer", Body{}, "vendorId"},
		{"ReserveNow", Body{"connectorId": float64(1), "expiryDate": "tomorrow", "idTag": "T", "reservationId": float64(1)}, "expiryDate"},
		{"CancelReservation", Body{}, "reservationId"},
		{"GetDiagnostics", Body{"location": "ftp://x", "startTime": "yesterday"}, "startTime"},
		{"UpdateFirmware", Body{"location": "ftp://x"}, "retrieveDate"},
	}
	for _, tc := range cases {
		t.Run(tc.action+"/"+tc.field, func(t *testing.T) {
			_, err := h.d.Dispatch(ctx, "EVSE01", "", tc.action, tc.body)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
			assert.Equal(t, tc.action, verr.Action)
		})
	}
	assert.Equal(t, 0, h.pending.Len())
}

func TestDefaultActions_Payloads(t *testing.T) {
	h := newHarness(t)
	cp := &chargePoint{}
	h.conns.Register("EVSE01", "", cp)
	ctx := context.Background()

	_, err := h.d.Dispatch(ctx, "EVSE01", "", "ChangeConfiguration", Body{"key": "HeartbeatInterval", "value": float64(300)})
	require.NoError(t, err)
	_, err = h.d.Dispatch(ctx, "EVSE01", "", "GetConfiguration", Body{"key": "HeartbeatInterval"})
	require.NoError(t, err)
	_, err = h.d.Dispatch(ctx, "EVSE01", "", "DataTransfer", Body{"vendorId": "acme", "data": map[string]any{"a": float64(1)}})
	require.NoError(t, err)

	sent := cp.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "300", sent[0].Payload["value"])
	assert.Equal(t, []any{"HeartbeatInterval"}, sent[1].Payload["key"])
	assert.Equal(t, `{"a":1}`, sent[2].Payload["data"])
}

func TestChangeConfiguration_NumberValues(t *testing.T) {
	var build func(Body) (map[string]any, map[string]any, error)
	for _, a := range DefaultActions() {
		if a.Name == "ChangeConfiguration" {
			build = a.Build
		}
	}
	require.NotNil(t, build)

	for _, value := range []any{float64(300), json.Number("300"), "300"} {
		payload, _, err := build(Body{"key": "HeartbeatInterval", "value": value})
		require.NoError(t, err, "value %#v", value)
		assert.Equal(t, "300", payload["value"])
	}

	payload, _, err := build(Body{"key": "MeterValueSampleInterval", "value": json.Number("7.5")})
	require.NoError(t, err)
	assert.Equal(t, "7.5", payload["value"])
}
