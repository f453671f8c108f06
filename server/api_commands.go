package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/balu-dk/ocpp-csms-engine/internal/dispatch"
)

const maxBodyBytes = 1 << 20

type actionResponse struct {
	MessageID string         `json:"messageId"`
	Action    string         `json:"action"`
	Status    string         `json:"status,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// statusFor maps a dispatch error to an HTTP status code
func statusFor(err error) int {
	var (
		verr     *dispatch.ValidationError
		protoErr *dispatch.ProtocolError
		rejected *dispatch.RejectedError
	)
	switch {
	case errors.Is(err, dispatch.ErrUnknownAction):
		return http.StatusNotFound
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrNoConnection):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &protoErr):
		return http.StatusBadGateway
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// decodeBody reads an optional JSON object. Numbers keep their text so
// integer fields validate exactly.
func decodeBody(r *http.Request) (dispatch.Body, error) {
	body := dispatch.Body{}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return body, nil
}

// waitParam reads ?wait= as a duration ("5s") or whole seconds.
func waitParam(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("wait")
	if v == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("wait must be a duration")
	}
	return d, nil
}

// handleAction sends an action to a charge point and waits for its answer
func (s *APIServer) handleAction(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	connector := r.URL.Query().Get("connector")
	s.runAction(w, r, r.PathValue("serial"), connector, r.PathValue("action"), body)
}

// handleCommand is the body-addressed variant: {"chargePointId": "...",
// "connectorId": 1, ...action fields}
func (s *APIServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	serial, _ := body["chargePointId"].(string)
	if serial == "" {
		writeError(w, http.StatusBadRequest, "chargePointId is required")
		return
	}
	delete(body, "chargePointId")

	var connector string
	if v, ok := body["connectorId"].(json.Number); ok {
		connector = v.String()
	}
	s.runAction(w, r, serial, connector, r.PathValue("action"), body)
}

func (s *APIServer) runAction(w http.ResponseWriter, r *http.Request, serial, connector, action string, body dispatch.Body) {
	wait, err := waitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	call, outcome, err := s.dispatcher.Call(r.Context(), serial, connector, action, body, wait)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.Printf("Error sending %s to %s: %v", action, serial, err)
		}
		resp := errorResponse{Error: err.Error()}
		if call != nil {
			resp.MessageID = call.MessageID
		}
		writeJSON(w, status, resp)
		return
	}

	writeJSON(w, http.StatusOK, actionResponse{
		MessageID: outcome.MessageID,
		Action:    outcome.Action,
		Status:    outcome.Status,
		Payload:   outcome.Payload,
	})
}

// handleActions lists the actions that can be sent
func (s *APIServer) handleActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Actions())
}
