package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/balu-dk/ocpp-csms-engine/internal/logstore"
	"github.com/balu-dk/ocpp-csms-engine/internal/txindex"
)

// registerAPIEndpoints registers all API routes
func (s *APIServer) registerAPIEndpoints() {
	// Basic server status endpoint
	s.mux.HandleFunc("GET /api/status", s.handleServerStatus)

	// Charge Points endpoints
	s.mux.HandleFunc("GET /api/charge-points", s.handleChargePoints)
	s.mux.HandleFunc("GET /api/charge-points/{serial}/logs", s.handleChargePointLogs)
	s.mux.HandleFunc("GET /api/charge-points/{serial}/messages", s.handleRawMessages)
	s.mux.HandleFunc("POST /api/charge-points/{serial}/actions/{action}", s.handleAction)

	// Older command endpoint, the charge point is named in the body
	s.mux.HandleFunc("POST /api/commands/{action}", s.handleCommand)
	s.mux.HandleFunc("GET /api/actions", s.handleActions)

	// Logs endpoint
	s.mux.HandleFunc("GET /api/logs", s.handleLogs)

	s.mux.HandleFunc("GET /api/pending/{messageID}", s.handlePending)
	s.mux.HandleFunc("GET /api/transaction-requests", s.handleTransactionRequests)
	s.mux.HandleFunc("GET /api/outcomes", s.handleOutcomes)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error     string `json:"error"`
	MessageID string `json:"messageId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// queryInt reads a non-negative integer query parameter.
func queryInt(r *http.Request, key string, def int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func queryLogType(r *http.Request) logstore.LogType {
	if t := r.URL.Query().Get("type"); t != "" {
		return logstore.LogType(t)
	}
	return logstore.ChargerLog
}

// handleServerStatus handles the server status endpoint
func (s *APIServer) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	status := struct {
		Status                string    `json:"status"`
		ServerTime            time.Time `json:"serverTime"`
		Uptime                string    `json:"uptime"`
		ChargePointsConnected int       `json:"chargePointsConnected"`
		PendingCalls          int       `json:"pendingCalls"`
		TransactionRequests   int       `json:"transactionRequests"`
		IPConnectionLimit     int       `json:"ipConnectionLimit,omitempty"`
		DatabaseType          string    `json:"databaseType,omitempty"`
	}{
		Status:                "running",
		ServerTime:            time.Now(),
		Uptime:                time.Since(s.started).Round(time.Second).String(),
		ChargePointsConnected: len(s.conns.Serials()),
		PendingCalls:          s.pending.Len(),
		TransactionRequests:   s.txs.Len(),
	}
	if s.guard != nil {
		status.IPConnectionLimit = s.guard.Limit()
	}
	if s.dbService != nil {
		status.DatabaseType = string(s.dbService.GetDatabaseType())
	}
	writeJSON(w, http.StatusOK, status)
}

type chargePointView struct {
	ID           string   `json:"id"`
	Identities   []string `json:"identities"`
	PendingCalls int      `json:"pendingCalls"`
}

// handleChargePoints lists connected charge points
func (s *APIServer) handleChargePoints(w http.ResponseWriter, r *http.Request) {
	serials := s.conns.Serials()
	views := make([]chargePointView, 0, len(serials))
	for _, serial := range serials {
		views = append(views, chargePointView{
			ID:           serial,
			Identities:   s.conns.IdentityKeys(serial),
			PendingCalls: len(s.pending.Pending(serial)),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// collectEntries drains the merged log stream.
func (s *APIServer) collectEntries(ids []string, logType logstore.LogType, since time.Time, limit int) []logstore.Entry {
	entries := []logstore.Entry{}
	for e := range s.logs.Entries(ids, logType, since, limit) {
		entries = append(entries, e)
	}
	return entries
}

// handleChargePointLogs returns every log of one charge point, newest first
func (s *APIServer) handleChargePointLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	logType := queryLogType(r)
	ids := s.logs.Identities(logType, r.PathValue("serial"))
	writeJSON(w, http.StatusOK, s.collectEntries(ids, logType, time.Time{}, limit))
}

// handleLogs merges the logs of several identities, newest first
func (s *APIServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var ids []string
	for _, id := range strings.Split(q.Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}

	limit, ok := queryInt(r, "limit", 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		since = t
	}

	writeJSON(w, http.StatusOK, s.collectEntries(ids, queryLogType(r), since, limit))
}

// handlePending shows a call that has not been answered yet
func (s *APIServer) handlePending(w http.ResponseWriter, r *http.Request) {
	call, ok := s.pending.Get(r.Context(), r.PathValue("messageID"))
	if !ok {
		writeError(w, http.StatusNotFound, "no pending call with that message ID")
		return
	}
	writeJSON(w, http.StatusOK, call)
}

// handleTransactionRequests searches the transaction request index
func (s *APIServer) handleTransactionRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := txindex.Query{
		ChargerID:     q.Get("charger"),
		ConnectorID:   q.Get("connector"),
		TransactionID: q.Get("transaction"),
		Action:        q.Get("action"),
	}
	for _, status := range q["status"] {
		for _, st := range strings.Split(status, ",") {
			if st = strings.TrimSpace(st); st != "" {
				query.Statuses = append(query.Statuses, st)
			}
		}
	}

	matches := s.txs.Find(query)
	requests := make([]txindex.Request, 0, len(matches))
	for _, m := range matches {
		requests = append(requests, m.Request)
	}
	writeJSON(w, http.StatusOK, requests)
}

// handleOutcomes lists journaled call outcomes
func (s *APIServer) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.dbService == nil {
		writeError(w, http.StatusServiceUnavailable, "journal is not configured")
		return
	}
	limit, ok := queryInt(r, "limit", 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	outcomes, err := s.dbService.ListCallOutcomes(r.URL.Query().Get("charger"), limit)
	if err != nil {
		s.logger.Printf("Error fetching call outcomes: %v", err)
		writeError(w, http.StatusInternalServerError, "error fetching call outcomes")
		return
	}
	writeJSON(w, http.StatusOK, outcomes)
}

// handleRawMessages lists journaled frames of one charge point
func (s *APIServer) handleRawMessages(w http.ResponseWriter, r *http.Request) {
	if s.dbService == nil {
		writeError(w, http.StatusServiceUnavailable, "journal is not configured")
		return
	}
	limit, ok := queryInt(r, "limit", 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	messages, err := s.dbService.ListRawMessages(r.PathValue("serial"), limit)
	if err != nil {
		s.logger.Printf("Error fetching raw messages: %v", err)
		writeError(w, http.StatusInternalServerError, "error fetching raw messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}
