package ocppserver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/balu-dk/ocpp-csms-engine/internal/frame"
	"github.com/balu-dk/ocpp-csms-engine/internal/logstore"
	"github.com/balu-dk/ocpp-csms-engine/internal/pending"
	"github.com/balu-dk/ocpp-csms-engine/internal/registry"
	"github.com/balu-dk/ocpp-csms-engine/internal/txindex"
)

// OCPP message types answered by the central system
const (
	BootNotificationMsg   = "BootNotification"
	HeartbeatMsg          = "Heartbeat"
	AuthorizeMsg          = "Authorize"
	StatusNotificationMsg = "StatusNotification"
	StartTransactionMsg   = "StartTransaction"
	StopTransactionMsg    = "StopTransaction"
	MeterValuesMsg        = "MeterValues"
)

// Transaction request statuses set by charge point initiated messages.
const (
	StatusStarted = "started"
	StatusStopped = "stopped"
)

const maxMessageBytes = 1 << 20

type callHandler func(serial string, conn *wsConnection, payload map[string]any, raw []byte) map[string]any

func (cs *CentralSystemHandler) callHandlers() map[string]callHandler {
	return map[string]callHandler{
		BootNotificationMsg:   cs.handleBootNotificationRequest,
		HeartbeatMsg:          cs.handleHeartbeatRequest,
		AuthorizeMsg:          cs.handleAuthorizeRequest,
		StatusNotificationMsg: cs.handleStatusNotificationRequest,
		StartTransactionMsg:   cs.handleStartTransactionRequest,
		StopTransactionMsg:    cs.handleStopTransactionRequest,
		MeterValuesMsg:        cs.handleMeterValuesRequest,
	}
}

// connectorOf reads connectorId from a payload as a connector slug, or "".
func connectorOf(payload map[string]any) string {
	switch v := payload["connectorId"].(type) {
	case float64:
		return registry.ConnectorNumber(int(v))
	case string:
		return v
	}
	return ""
}

// transactionOf reads transactionId from a payload, or "".
func transactionOf(payload map[string]any) string {
	switch v := payload["transactionId"].(type) {
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case string:
		return txindex.NormalizeTransactionID(v)
	}
	return ""
}

// logKeyFor picks the identity a received frame is logged under.
func (cs *CentralSystemHandler) logKeyFor(ctx context.Context, serial string, f frame.Frame) string {
	if f.Type == frame.Call {
		return registry.Key(serial, connectorOf(f.Payload))
	}
	if call, ok := cs.pending.Get(ctx, f.MessageID); ok && call.LogKey != "" {
		return call.LogKey
	}
	return registry.Key(serial, "")
}

func (cs *CentralSystemHandler) send(ctx context.Context, serial, logKey string, conn *wsConnection, data []byte) error {
	if err := conn.Send(ctx, data); err != nil {
		return err
	}
	cs.logs.Append(logKey, "SEND "+string(data), logstore.ChargerLog)
	if cs.journal != nil {
		if err := cs.journal.LogRawMessage("SEND", serial, data); err != nil {
			cs.logger.Printf("Error logging raw message: %v", err)
		}
	}
	return nil
}

// handleMessages handles messages from a charge point until the socket closes
func (cs *CentralSystemHandler) handleMessages(ctx context.Context, serial string, conn *wsConnection) {
	handlers := cs.callHandlers()
	conn.conn.SetReadLimit(maxMessageBytes)

	for {
		_, message, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cs.logger.Printf("Error reading message from %s: %v", serial, err)
			}
			return
		}

		f, decodeErr := frame.Decode(message)
		logKey := cs.logKeyFor(ctx, serial, f)
		cs.logs.Append(logKey, "RECV "+string(message), logstore.ChargerLog)
		if cs.journal != nil {
			if err := cs.journal.LogRawMessage("RECV", serial, message); err != nil {
				cs.logger.Printf("Error logging raw message: %v", err)
			}
		}

		if decodeErr != nil {
			cs.logger.Printf("Error parsing OCPP message from %s: %v", serial, decodeErr)
			switch {
			case f.MessageID != "" && f.Type == frame.Call:
				cs.replyError(ctx, serial, logKey, conn, f.MessageID, frame.ErrFormationViolation, decodeErr.Error())
			case f.MessageID != "" && f.Type == frame.CallError && f.ErrorCode != "":
				// the error itself was readable, only the details were not
				cs.dispatcher.HandleResult(ctx, serial, f.MessageID, pending.Result{
					Success:          false,
					ErrorCode:        f.ErrorCode,
					ErrorDescription: f.ErrorDescription,
				})
			}
			continue
		}

		switch f.Type {
		case frame.CallResult:
			cs.dispatcher.HandleResult(ctx, serial, f.MessageID, pending.Result{
				Success: true,
				Payload: f.Payload,
			})
		case frame.CallError:
			cs.logger.Printf("Received error response: code=%s, description=%s, details=%v",
				f.ErrorCode, f.ErrorDescription, f.ErrorDetails)
			cs.dispatcher.HandleResult(ctx, serial, f.MessageID, pending.Result{
				Success:          false,
				ErrorCode:        f.ErrorCode,
				ErrorDescription: f.ErrorDescription,
				ErrorDetails:     f.ErrorDetails,
			})
		case frame.Call:
			handler, ok := handlers[f.Action]
			if !ok {
				cs.logger.Printf("Unsupported action: %s", f.Action)
				cs.replyError(ctx, serial, logKey, conn, f.MessageID, frame.ErrNotImplemented,
					fmt.Sprintf("action %s is not supported", f.Action))
				continue
			}
			response := handler(serial, conn, f.Payload, message)
			data, err := frame.EncodeResult(f.MessageID, response)
			if err != nil {
				cs.replyError(ctx, serial, logKey, conn, f.MessageID, frame.ErrInternalError, err.Error())
				continue
			}
			if err := cs.send(ctx, serial, logKey, conn, data); err != nil {
				cs.logger.Printf("Error sending response: %v", err)
				return
			}
			cs.logger.Printf("Sent response for %s to %s", f.Action, serial)
		}
	}
}

func (cs *CentralSystemHandler) replyError(ctx context.Context, serial, logKey string, conn *wsConnection, messageID, code, description string) {
	data, err := frame.EncodeError(messageID, code, description, nil)
	if err != nil {
		return
	}
	if err := cs.send(ctx, serial, logKey, conn, data); err != nil {
		cs.logger.Printf("Error sending error response: %v", err)
	}
}

// handleBootNotificationRequest handles a BootNotification request
func (cs *CentralSystemHandler) handleBootNotificationRequest(serial string, _ *wsConnection, payload map[string]any, _ []byte) map[string]any {
	model, _ := payload["chargePointModel"].(string)
	vendor, _ := payload["chargePointVendor"].(string)
	cs.logger.Printf("BootNotification from %s: Model=%s, Vendor=%s", serial, model, vendor)

	return map[string]any{
		"currentTime": time.Now().UTC().Format(time.RFC3339),
		"interval":    int(cs.heartbeat / time.Second),
		"status":      "Accepted",
	}
}

// handleHeartbeatRequest handles a Heartbeat request
func (cs *CentralSystemHandler) handleHeartbeatRequest(string, *wsConnection, map[string]any, []byte) map[string]any {
	return map[string]any{
		"currentTime": time.Now().UTC().Format(time.RFC3339),
	}
}

// handleAuthorizeRequest handles an Authorize request
func (cs *CentralSystemHandler) handleAuthorizeRequest(serial string, _ *wsConnection, payload map[string]any, _ []byte) map[string]any {
	idTag, _ := payload["idTag"].(string)
	cs.logger.Printf("Authorize request from %s: idTag=%s", serial, idTag)

	return map[string]any{
		"idTagInfo": map[string]any{"status": "Accepted"},
	}
}

// handleStatusNotificationRequest binds the connector identity to the
// connection so calls can address it directly. The newest connection takes
// over a key still held by a socket that has not been reaped yet.
func (cs *CentralSystemHandler) handleStatusNotificationRequest(serial string, conn *wsConnection, payload map[string]any, _ []byte) map[string]any {
	status, _ := payload["status"].(string)
	errorCode, _ := payload["errorCode"].(string)
	connector := connectorOf(payload)

	cs.logger.Printf("StatusNotification from %s: ConnectorId=%s, Status=%s, ErrorCode=%s",
		serial, connector, status, errorCode)

	// connector 0 is the charge point itself
	if connector != "" && connector != "0" && cs.conns.Get(serial, connector) != conn {
		key := cs.conns.Register(serial, connector, conn)
		cs.logs.Append(key, "Connector registered", logstore.ChargerLog)
	}

	// StatusNotification requires an empty response according to the OCPP specification
	return map[string]any{}
}

// handleStartTransactionRequest assigns a transaction id, opens the session
// transcript and links an accepted remote start on the same connector.
func (cs *CentralSystemHandler) handleStartTransactionRequest(serial string, _ *wsConnection, payload map[string]any, raw []byte) map[string]any {
	idTag, _ := payload["idTag"].(string)
	connector := connectorOf(payload)
	txID := strconv.FormatInt(cs.nextTransaction.Add(1), 10)

	cs.logger.Printf("StartTransaction from %s: ConnectorId=%s, IdTag=%s, TransactionId=%s",
		serial, connector, idTag, txID)

	identity := registry.Key(serial, connector)
	if err := cs.logs.StartSession(identity, txID); err != nil {
		cs.logger.Printf("Error starting session for %s: %v", identity, err)
	} else {
		cs.mu.Lock()
		cs.sessions[txID] = identity
		cs.mu.Unlock()
		cs.appendSession(identity, raw)
	}

	if matches := cs.txs.Find(txindex.Query{
		ChargerID:   serial,
		ConnectorID: connector,
		Action:      "RemoteStartTransaction",
		Statuses:    []string{"Accepted", txindex.StatusRequested},
	}); len(matches) > 0 {
		status := StatusStarted
		cs.txs.Update(matches[0].MessageID, txindex.Update{Status: &status, TransactionID: &txID})
	}

	id, _ := strconv.Atoi(txID)
	return map[string]any{
		"idTagInfo":     map[string]any{"status": "Accepted"},
		"transactionId": id,
	}
}

// handleStopTransactionRequest closes the session transcript and marks the
// transaction's requests stopped.
func (cs *CentralSystemHandler) handleStopTransactionRequest(serial string, _ *wsConnection, payload map[string]any, raw []byte) map[string]any {
	txID := transactionOf(payload)
	reason, _ := payload["reason"].(string)
	cs.logger.Printf("StopTransaction from %s: TransactionId=%s, Reason=%s", serial, txID, reason)

	cs.mu.Lock()
	identity, ok := cs.sessions[txID]
	delete(cs.sessions, txID)
	cs.mu.Unlock()
	if ok {
		cs.appendSession(identity, raw)
		if err := cs.logs.EndSession(identity); err != nil {
			cs.logger.Printf("Error ending session for %s: %v", identity, err)
		}
	}

	if txID != "" {
		cs.txs.MarkMatching(txindex.Query{ChargerID: serial, TransactionID: txID}, StatusStopped)
	}

	return map[string]any{
		"idTagInfo": map[string]any{"status": "Accepted"},
	}
}

// handleMeterValuesRequest appends the frame to the connector's transcript
func (cs *CentralSystemHandler) handleMeterValuesRequest(serial string, _ *wsConnection, payload map[string]any, raw []byte) map[string]any {
	identity := registry.Key(serial, connectorOf(payload))
	if txID := transactionOf(payload); txID != "" {
		cs.mu.Lock()
		if owner, ok := cs.sessions[txID]; ok {
			identity = owner
		}
		cs.mu.Unlock()
	}
	cs.appendSession(identity, raw)

	// MeterValues requires an empty response according to the OCPP specification
	return map[string]any{}
}

func (cs *CentralSystemHandler) appendSession(identity string, raw []byte) {
	err := cs.logs.AppendSessionMessage(identity, string(raw))
	if err != nil && !errors.Is(err, logstore.ErrNoSession) {
		cs.logger.Printf("Error writing session transcript for %s: %v", identity, err)
	}
}
