// Package txindex indexes in-flight transaction lifecycle requests by
// connector and by transaction id.
package txindex

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StatusRequested is the status of a request no peer has answered yet.
const StatusRequested = "requested"

// Request is one transaction-related call.
type Request struct {
	MessageID     string    `json:"message_id"`
	ChargerID     string    `json:"charger_id"`
	ConnectorID   string    `json:"connector_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Action        string    `json:"action"`
	Status        string    `json:"status"`
	RequestedAt   time.Time `json:"requested_at"`
	StatusAt      time.Time `json:"status_at"`
}

func (r Request) lastChange() time.Time {
	if r.StatusAt.After(r.RequestedAt) {
		return r.StatusAt
	}
	return r.RequestedAt
}

// Update lists the fields to change. Nil fields are left alone.
type Update struct {
	Status        *string
	ConnectorID   *string
	TransactionID *string
}

// Query selects requests. Empty fields match anything.
type Query struct {
	ChargerID     string
	ConnectorID   string
	TransactionID string
	Action        string
	Statuses      []string
}

// Match is a request found by Find.
type Match struct {
	MessageID string
	Request   Request
}

type bucket map[string]struct{}

// Index is safe for concurrent use.
type Index struct {
	mu          sync.RWMutex
	requests    map[string]Request
	byConnector map[string]bucket
	byTx        map[string]bucket

	now func() time.Time
}

// New creates an empty index.
func New() *Index {
	return &Index{
		requests:    make(map[string]Request),
		byConnector: make(map[string]bucket),
		byTx:        make(map[string]bucket),
		now:         time.Now,
	}
}

// NormalizeTransactionID trims id and canonicalizes integer text, so "042"
// and "42" address the same transaction.
func NormalizeTransactionID(id string) string {
	id = strings.TrimSpace(id)
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return id
}

func normalizeConnector(id string) string {
	return NormalizeTransactionID(id)
}

func connectorKey(chargerID, connectorID string) string {
	connectorID = normalizeConnector(connectorID)
	if chargerID == "" || connectorID == "" {
		return ""
	}
	return chargerID + "#" + connectorID
}

func (r Request) connectorKey() string { return connectorKey(r.ChargerID, r.ConnectorID) }
func (r Request) txKey() string        { return NormalizeTransactionID(r.TransactionID) }

func add(idx map[string]bucket, key, messageID string) {
	if key == "" {
		return
	}
	b, ok := idx[key]
	if !ok {
		b = make(bucket)
		idx[key] = b
	}
	b[messageID] = struct{}{}
}

func remove(idx map[string]bucket, key, messageID string) {
	if key == "" {
		return
	}
	if b, ok := idx[key]; ok {
		delete(b, messageID)
		if len(b) == 0 {
			delete(idx, key)
		}
	}
}

func (x *Index) link(req Request) {
	add(x.byConnector, req.connectorKey(), req.MessageID)
	add(x.byTx, req.txKey(), req.MessageID)
}

func (x *Index) unlink(req Request) {
	remove(x.byConnector, req.connectorKey(), req.MessageID)
	remove(x.byTx, req.txKey(), req.MessageID)
}

// Register indexes req under messageID, replacing an earlier request with
// the same id. Status defaults to StatusRequested.
func (x *Index) Register(messageID string, req Request) {
	req.MessageID = messageID
	if req.Status == "" {
		req.Status = StatusRequested
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = x.now()
	}
	if req.StatusAt.IsZero() {
		req.StatusAt = req.RequestedAt
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if old, ok := x.requests[messageID]; ok {
		x.unlink(old)
	}
	x.requests[messageID] = req
	x.link(req)
}

// Get returns the request registered under messageID.
func (x *Index) Get(messageID string) (Request, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	req, ok := x.requests[messageID]
	return req, ok
}

// Update applies u to the request under messageID and returns the result.
func (x *Index) Update(messageID string, u Update) (Request, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.update(messageID, u)
}

func (x *Index) update(messageID string, u Update) (Request, bool) {
	old, ok := x.requests[messageID]
	if !ok {
		return Request{}, false
	}
	next := old
	if u.Status != nil {
		next.Status = *u.Status
		next.StatusAt = x.now()
	}
	if u.ConnectorID != nil {
		next.ConnectorID = *u.ConnectorID
	}
	if u.TransactionID != nil {
		next.TransactionID = *u.TransactionID
	}

	if next.connectorKey() != old.connectorKey() || next.txKey() != old.txKey() {
		x.unlink(old)
		x.link(next)
	}
	x.requests[messageID] = next
	return next, true
}

// Remove drops the request under messageID.
func (x *Index) Remove(messageID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	req, ok := x.requests[messageID]
	if ok {
		x.unlink(req)
		delete(x.requests, messageID)
	}
	return ok
}

func (q Query) matches(req Request) bool {
	if q.ChargerID != "" && req.ChargerID != q.ChargerID {
		return false
	}
	if q.ConnectorID != "" && normalizeConnector(req.ConnectorID) != normalizeConnector(q.ConnectorID) {
		return false
	}
	if q.TransactionID != "" && req.txKey() != NormalizeTransactionID(q.TransactionID) {
		return false
	}
	if q.Action != "" && req.Action != q.Action {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, req.Status) {
		return false
	}
	return true
}

// find returns matches newest first. Callers hold x.mu.
func (x *Index) find(q Query) []Match {
	var candidates []string
	indexed := false
	if key := connectorKey(q.ChargerID, q.ConnectorID); key != "" {
		indexed = true
		for id := range x.byConnector[key] {
			candidates = append(candidates, id)
		}
	}
	if key := NormalizeTransactionID(q.TransactionID); key != "" {
		indexed = true
		for id := range x.byTx[key] {
			candidates = append(candidates, id)
		}
	}
	if !indexed {
		for id := range x.requests {
			candidates = append(candidates, id)
		}
	}

	seen := make(map[string]struct{}, len(candidates))
	var matches []Match
	for _, id := range candidates {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if req, ok := x.requests[id]; ok && q.matches(req) {
			matches = append(matches, Match{MessageID: id, Request: req})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		ti, tj := matches[i].Request.lastChange(), matches[j].Request.lastChange()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return matches[i].MessageID < matches[j].MessageID
	})
	return matches
}

// Find returns the requests matching q, most recently changed first.
func (x *Index) Find(q Query) []Match {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.find(q)
}

// MarkMatching sets status on every request matching q and returns the
// updated requests.
func (x *Index) MarkMatching(q Query, status string) []Request {
	x.mu.Lock()
	defer x.mu.Unlock()

	var updated []Request
	for _, m := range x.find(q) {
		if req, ok := x.update(m.MessageID, Update{Status: &status}); ok {
			updated = append(updated, req)
		}
	}
	return updated
}

// ClearForCharger drops every request of serial and returns how many were
// removed.
func (x *Index) ClearForCharger(serial string) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	n := 0
	for id, req := range x.requests {
		if req.ChargerID == serial {
			x.unlink(req)
			delete(x.requests, id)
			n++
		}
	}
	return n
}

// Len returns the number of indexed requests.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.requests)
}

// CheckConsistency verifies that the secondary indices exactly mirror the
// stored requests.
func (x *Index) CheckConsistency() error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var errs []error
	check := func(name string, idx map[string]bucket, keyOf func(Request) string) {
		members := 0
		for key, b := range idx {
			if len(b) == 0 {
				errs = append(errs, fmt.Errorf("%s: empty bucket %q", name, key))
			}
			for id := range b {
				members++
				req, ok := x.requests[id]
				if !ok {
					errs = append(errs, fmt.Errorf("%s: bucket %q holds unknown request %s", name, key, id))
				} else if keyOf(req) != key {
					errs = append(errs, fmt.Errorf("%s: request %s filed under %q, want %q", name, id, key, keyOf(req)))
				}
			}
		}
		expected := 0
		for id, req := range x.requests {
			key := keyOf(req)
			if key == "" {
				continue
			}
			expected++
			if _, ok := idx[key][id]; !ok {
				errs = append(errs, fmt.Errorf("%s: request %s missing from bucket %q", name, id, key))
			}
		}
		if members != expected {
			errs = append(errs, fmt.Errorf("%s: %d indexed, %d expected", name, members, expected))
		}
	}
	check("connector", x.byConnector, Request.connectorKey)
	check("transaction", x.byTx, Request.txKey)
	return errors.Join(errs...)
}
