package ocppserver

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balu-dk/ocpp-csms-engine/internal/cache/cachetest"
	"github.com/balu-dk/ocpp-csms-engine/internal/dispatch"
	"github.com/balu-dk/ocpp-csms-engine/internal/ipguard"
	"github.com/balu-dk/ocpp-csms-engine/internal/logstore"
	"github.com/balu-dk/ocpp-csms-engine/internal/pending"
	"github.com/balu-dk/ocpp-csms-engine/internal/registry"
	"github.com/balu-dk/ocpp-csms-engine/internal/txindex"
	"github.com/balu-dk/ocpp-csms-engine/server/database"
)

type centralSystem struct {
	conns      *registry.Registry
	pending    *pending.Registry
	txs        *txindex.Index
	logs       *logstore.Store
	dispatcher *dispatch.Dispatcher
	journal    *DatabaseMessageLogger
	db         *database.Service
	handler    *CentralSystemHandler
	server     *httptest.Server
}

func newCentralSystem(t *testing.T, ipLimit int) *centralSystem {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	store, _ := cachetest.New(t)

	cs := &centralSystem{
		conns: registry.New(),
		txs:   txindex.New(),
		logs: logstore.New(logstore.Options{
			Dir:               t.TempDir(),
			SessionFlushLimit: 2,
			Logger:            quiet,
		}),
		db: newTestDatabase(t),
	}
	cs.pending = pending.NewRegistry(pending.Options{
		Cache:        store,
		Logs:         cs.logs,
		Transactions: cs.txs,
		Logger:       quiet,
	})
	t.Cleanup(cs.pending.Close)

	cs.journal = NewDatabaseMessageLogger(cs.db, 100, time.Hour, quiet)
	t.Cleanup(func() { _ = cs.journal.Close() })

	cs.dispatcher = dispatch.NewWithDefaults(dispatch.Options{
		Connections:  cs.conns,
		Pending:      cs.pending,
		Transactions: cs.txs,
		Logs:         cs.logs,
		Journal:      cs.journal,
		Logger:       quiet,
	})
	cs.handler = NewCentralSystemHandler(HandlerOptions{
		Connections:  cs.conns,
		Pending:      cs.pending,
		Transactions: cs.txs,
		Logs:         cs.logs,
		Guard:        ipguard.New(store, ipLimit, time.Hour),
		Dispatcher:   cs.dispatcher,
		Journal:      cs.journal,
		Logger:       quiet,
	})
	cs.server = httptest.NewServer(cs.handler)
	t.Cleanup(func() {
		cs.handler.CloseAll()
		cs.server.Close()
	})
	return cs
}

func (cs *centralSystem) dial(serial string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(cs.server.URL, "http") + "/" + serial
	dialer := websocket.Dialer{Subprotocols: []string{"ocpp1.6"}, HandshakeTimeout: 2 * time.Second}
	return dialer.Dial(url, nil)
}

// chargePoint is the client end of a test connection.
type chargePoint struct {
	t  *testing.T
	ws *websocket.Conn
}

func (cs *centralSystem) connect(t *testing.T, serial string) *chargePoint {
	t.Helper()
	ws, _, err := cs.dial(serial)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.Eventually(t, func() bool { return cs.conns.IsConnected(serial, "") }, time.Second, 5*time.Millisecond)
	return &chargePoint{t: t, ws: ws}
}

func (cp *chargePoint) write(v any) {
	cp.t.Helper()
	require.NoError(cp.t, cp.ws.WriteJSON(v))
}

func (cp *chargePoint) read() []any {
	cp.t.Helper()
	require.NoError(cp.t, cp.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg []any
	require.NoError(cp.t, cp.ws.ReadJSON(&msg))
	return msg
}

// call sends a CALL and returns the answer frame.
func (cp *chargePoint) call(id, action string, payload map[string]any) []any {
	cp.t.Helper()
	cp.write([]any{2, id, action, payload})
	msg := cp.read()
	require.Equal(cp.t, id, msg[1])
	return msg
}

func TestCentralSystem_BootAndHeartbeat(t *testing.T) {
	cs := newCentralSystem(t, 2)
	cp := cs.connect(t, "EVSE01")

	boot := cp.call("b1", "BootNotification", map[string]any{
		"chargePointModel":  "M1",
		"chargePointVendor": "V1",
	})
	require.EqualValues(t, 3, boot[0])
	payload := boot[2].(map[string]any)
	assert.Equal(t, "Accepted", payload["status"])
	assert.EqualValues(t, 60, payload["interval"])

	hb := cp.call("h1", "Heartbeat", map[string]any{})
	assert.Contains(t, hb[2].(map[string]any), "currentTime")

	// replies are logged once written, which may be after the peer saw them
	require.Eventually(t, func() bool {
		joined := strings.Join(cs.logs.Read(registry.Key("EVSE01", ""), logstore.ChargerLog, 0), "\n")
		return strings.Contains(joined, `RECV [2,"b1","BootNotification"`) &&
			strings.Contains(joined, `SEND [3,"h1"`)
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		cs.journal.Flush()
		raw, err := cs.db.ListRawMessages("EVSE01", 10)
		return err == nil && len(raw) == 4
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCentralSystem_ErrorReplies(t *testing.T) {
	cs := newCentralSystem(t, 2)
	cp := cs.connect(t, "EVSE01")

	unsupported := cp.call("u1", "FirmwareStatusNotification", map[string]any{"status": "Idle"})
	assert.EqualValues(t, 4, unsupported[0])
	assert.Equal(t, "NotImplemented", unsupported[2])

	// a call without an action is answered, garbage without an id is not
	cp.write([]any{2, "x"})
	cp.write([]any{2, "f1", ""})
	violation := cp.read()
	assert.Equal(t, "f1", violation[1])
	assert.Equal(t, "FormationViolation", violation[2])
}

func TestCentralSystem_DispatchRoundTrip(t *testing.T) {
	cs := newCentralSystem(t, 2)
	cp := cs.connect(t, "EVSE01")

	type answer struct {
		outcome *dispatch.Outcome
		err     error
	}
	done := make(chan answer, 1)
	go func() {
		_, out, err := cs.dispatcher.Call(context.Background(), "EVSE01", "", "Reset", dispatch.Body{"type": "Soft"}, 2*time.Second)
		done <- answer{out, err}
	}()

	req := cp.read()
	require.EqualValues(t, 2, req[0])
	assert.Equal(t, "Reset", req[2])
	assert.Equal(t, map[string]any{"type": "Soft"}, req[3])
	cp.write([]any{3, req[1], map[string]any{"status": "Accepted"}})

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, "Accepted", got.outcome.Status)

	// the rejected path surfaces the peer's status
	go func() {
		_, out, err := cs.dispatcher.Call(context.Background(), "EVSE01", "", "Reset", dispatch.Body{"type": "Hard"}, 2*time.Second)
		done <- answer{out, err}
	}()
	req = cp.read()
	cp.write([]any{3, req[1], map[string]any{"status": "Rejected"}})
	got = <-done
	var rejected *dispatch.RejectedError
	require.ErrorAs(t, got.err, &rejected)
	assert.Equal(t, "Rejected", rejected.Status)

	// CALL_ERROR becomes a protocol error
	go func() {
		_, out, err := cs.dispatcher.Call(context.Background(), "EVSE01", "", "ClearCache", nil, 2*time.Second)
		done <- answer{out, err}
	}()
	req = cp.read()
	cp.write([]any{4, req[1], "NotSupported", "no cache", map[string]any{}})
	got = <-done
	var protoErr *dispatch.ProtocolError
	require.ErrorAs(t, got.err, &protoErr)
	assert.Equal(t, "NotSupported", protoErr.Code)

	require.Eventually(t, func() bool {
		cs.journal.Flush()
		outcomes, err := cs.db.ListCallOutcomes("EVSE01", 10)
		return err == nil && len(outcomes) == 3
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCentralSystem_CallErrorWithUnreadableDetails(t *testing.T) {
	cs := newCentralSystem(t, 2)
	cp := cs.connect(t, "EVSE01")

	done := make(chan error, 1)
	go func() {
		_, _, err := cs.dispatcher.Call(context.Background(), "EVSE01", "", "ClearCache", nil, 2*time.Second)
		done <- err
	}()

	req := cp.read()
	cp.write([]any{4, req[1], "InternalError", "cache locked", "not an object"})

	err := <-done
	var protoErr *dispatch.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "InternalError", protoErr.Code)
	assert.Equal(t, "cache locked", protoErr.Description)
	assert.Equal(t, 0, cs.pending.Len())
}

func TestCentralSystem_ReconnectTakesOverConnector(t *testing.T) {
	cs := newCentralSystem(t, 2)
	status := map[string]any{"connectorId": 1, "errorCode": "NoError", "status": "Available"}

	// the old socket stays open, as a half-open connection would
	old := cs.connect(t, "EVSE01")
	old.call("s1", "StatusNotification", status)
	require.True(t, cs.conns.IsConnected("EVSE01", "1"))

	fresh := cs.connect(t, "EVSE01")
	fresh.call("s2", "StatusNotification", status)

	call, err := cs.dispatcher.Dispatch(context.Background(), "EVSE01", "1", "UnlockConnector", dispatch.Body{"connectorId": float64(1)})
	require.NoError(t, err)

	req := fresh.read()
	assert.Equal(t, call.MessageID, req[1])
	assert.Equal(t, "UnlockConnector", req[2])

	// reaping the old socket leaves the connector bound to the new one
	require.NoError(t, old.ws.Close())
	require.Eventually(t, func() bool {
		cs.handler.mu.Lock()
		defer cs.handler.mu.Unlock()
		return len(cs.handler.live) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, cs.conns.IsConnected("EVSE01", "1"))
	assert.Equal(t, 1, cs.pending.Len())

	fresh.write([]any{3, req[1], map[string]any{"status": "Unlocked"}})
	out, err := cs.dispatcher.Await(context.Background(), call, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Unlocked", out.Status)
}

func TestCentralSystem_DisconnectClearsPending(t *testing.T) {
	cs := newCentralSystem(t, 2)
	cp := cs.connect(t, "EVSE01")

	call, err := cs.dispatcher.Dispatch(context.Background(), "EVSE01", "", "Reset", dispatch.Body{"type": "Soft"})
	require.NoError(t, err)
	_ = cp.read()
	require.Equal(t, 1, cs.pending.Len())

	require.NoError(t, cp.ws.Close())

	require.Eventually(t, func() bool {
		return !cs.conns.IsConnected("EVSE01", "") && cs.pending.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err = cs.dispatcher.Await(context.Background(), call, 50*time.Millisecond)
	assert.ErrorIs(t, err, dispatch.ErrTimeout)

	_, err = cs.dispatcher.Dispatch(context.Background(), "EVSE01", "", "Reset", dispatch.Body{"type": "Soft"})
	assert.ErrorIs(t, err, dispatch.ErrNoConnection)
}

func TestCentralSystem_IPLimit(t *testing.T) {
	cs := newCentralSystem(t, 1)
	first := cs.connect(t, "EVSE01")

	_, resp, err := cs.dial("EVSE02")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.False(t, cs.conns.IsConnected("EVSE02", ""))

	require.NoError(t, first.ws.Close())
	require.Eventually(t, func() bool {
		ws, _, err := cs.dial("EVSE02")
		if err != nil {
			return false
		}
		_ = ws.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCentralSystem_MissingChargePointID(t *testing.T) {
	cs := newCentralSystem(t, 2)
	_, resp, err := cs.dial("")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCentralSystem_TransactionSession(t *testing.T) {
	cs := newCentralSystem(t, 2)
	cp := cs.connect(t, "EVSE01")

	cp.call("s1", "StatusNotification", map[string]any{
		"connectorId": 1, "status": "Preparing", "errorCode": "NoError",
	})
	assert.True(t, cs.conns.IsConnected("EVSE01", "1"))

	done := make(chan error, 1)
	go func() {
		_, _, err := cs.dispatcher.Call(context.Background(), "EVSE01", "1", "RemoteStartTransaction",
			dispatch.Body{"idTag": "TAG1", "connectorId": 1}, 2*time.Second)
		done <- err
	}()
	req := cp.read()
	assert.Equal(t, "RemoteStartTransaction", req[2])
	cp.write([]any{3, req[1], map[string]any{"status": "Accepted"}})
	require.NoError(t, <-done)

	start := cp.call("t1", "StartTransaction", map[string]any{
		"connectorId": 1, "idTag": "TAG1", "meterStart": 0, "timestamp": "2024-01-01T00:00:00Z",
	})
	txID := int(start[2].(map[string]any)["transactionId"].(float64))

	matches := cs.txs.Find(txindex.Query{ChargerID: "EVSE01", ConnectorID: "1", Action: "RemoteStartTransaction"})
	require.Len(t, matches, 1)
	assert.Equal(t, StatusStarted, matches[0].Request.Status)

	identity := registry.Key("EVSE01", "1")
	activeTx, ok := cs.logs.ActiveSession(identity)
	require.True(t, ok)
	assert.Equal(t, strconv.Itoa(txID), activeTx)

	cp.call("m1", "MeterValues", map[string]any{"connectorId": 1, "transactionId": txID, "meterValue": []any{}})
	cp.call("m2", "MeterValues", map[string]any{"connectorId": 1, "transactionId": txID, "meterValue": []any{}})
	cp.call("t2", "StopTransaction", map[string]any{"transactionId": txID, "meterStop": 10, "reason": "Local"})

	_, ok = cs.logs.ActiveSession(identity)
	assert.False(t, ok)

	data, err := os.ReadFile(cs.logs.SessionPath(identity, activeTx))
	require.NoError(t, err)
	var transcript []map[string]any
	require.NoError(t, json.Unmarshal(data, &transcript))
	assert.Len(t, transcript, 4)

	stopped := cs.txs.Find(txindex.Query{TransactionID: activeTx})
	require.Len(t, stopped, 1)
	assert.Equal(t, StatusStopped, stopped[0].Request.Status)
}
