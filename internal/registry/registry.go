// Package registry maps charge-point identities to their live connections.
package registry

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	// Separator joins a serial and a connector slug into an identity key.
	Separator = "#"

	// PendingSlot addresses a charger before its connector is negotiated.
	PendingSlot = "pending"

	// AllConnectors is the aggregate/broadcast slot.
	AllConnectors = "all"
)

// Conn is a transport-owned handle able to deliver a text frame. Send may
// block until the transport accepts the write; it never waits for a reply.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
}

// ConnectorSlug normalizes a connector reference. An empty connector maps
// to the pending slot.
func ConnectorSlug(connector string) string {
	connector = strings.TrimSpace(connector)
	switch {
	case connector == "":
		return PendingSlot
	case strings.EqualFold(connector, AllConnectors):
		return AllConnectors
	}
	if n, err := strconv.Atoi(connector); err == nil {
		return strconv.Itoa(n)
	}
	return connector
}

// ConnectorNumber formats a numeric connector id.
func ConnectorNumber(n int) string {
	return strconv.Itoa(n)
}

// Key returns the canonical identity key for serial and connector.
func Key(serial, connector string) string {
	return serial + Separator + ConnectorSlug(connector)
}

// Registry holds non-owning references to live connections. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register binds conn to the identity, replacing any previous connection
// for the same key.
func (r *Registry) Register(serial, connector string, conn Conn) string {
	key := Key(serial, connector)
	r.mu.Lock()
	r.conns[key] = conn
	r.mu.Unlock()
	return key
}

// RegisterBare binds conn to the bare serial, used when callers address the
// charger as a whole.
func (r *Registry) RegisterBare(serial string, conn Conn) {
	r.mu.Lock()
	r.conns[serial] = conn
	r.mu.Unlock()
}

// candidates lists the keys consulted for a lookup, in order. Lookups
// without a connector fall back to the pending slot and then the bare
// serial.
func candidates(serial, connector string) []string {
	if strings.TrimSpace(connector) != "" {
		return []string{Key(serial, connector)}
	}
	return []string{Key(serial, ""), serial}
}

// Get resolves the connection for an identity, or nil.
func (r *Registry) Get(serial, connector string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, key := range candidates(serial, connector) {
		if conn, ok := r.conns[key]; ok {
			return conn
		}
	}
	return nil
}

// Pop removes and returns the connection Get would resolve, or nil.
func (r *Registry) Pop(serial, connector string) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range candidates(serial, connector) {
		if conn, ok := r.conns[key]; ok {
			delete(r.conns, key)
			return conn
		}
	}
	return nil
}

// PopConn removes every key of serial still bound to conn and returns the
// removed keys. Keys already taken over by a newer connection are kept.
func (r *Registry) PopConn(serial string, conn Conn) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for key, c := range r.conns {
		if c == conn && belongsTo(key, serial) {
			delete(r.conns, key)
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	return removed
}

// IsConnected reports whether Get would resolve a connection.
func (r *Registry) IsConnected(serial, connector string) bool {
	return r.Get(serial, connector) != nil
}

// IdentityKeys lists the registered keys belonging to serial.
func (r *Registry) IdentityKeys(serial string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for key := range r.conns {
		if belongsTo(key, serial) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Serials lists every charger with at least one registered key.
func (r *Registry) Serials() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for key := range r.conns {
		serial, _, _ := strings.Cut(key, Separator)
		seen[serial] = struct{}{}
	}
	serials := make([]string, 0, len(seen))
	for s := range seen {
		serials = append(serials, s)
	}
	sort.Strings(serials)
	return serials
}

// Len returns the number of registered keys.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func belongsTo(key, serial string) bool {
	return key == serial || strings.HasPrefix(key, serial+Separator)
}

// SerialOf extracts the serial from an identity key.
func SerialOf(key string) string {
	serial, _, _ := strings.Cut(key, Separator)
	return serial
}
