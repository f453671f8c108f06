package ocppserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/balu-dk/ocpp-csms-engine/internal/dispatch"
	"github.com/balu-dk/ocpp-csms-engine/internal/ipguard"
	"github.com/balu-dk/ocpp-csms-engine/internal/logstore"
	"github.com/balu-dk/ocpp-csms-engine/internal/pending"
	"github.com/balu-dk/ocpp-csms-engine/internal/registry"
	"github.com/balu-dk/ocpp-csms-engine/internal/txindex"
)

// HandlerOptions wires the central system to the engine.
type HandlerOptions struct {
	Connections  *registry.Registry
	Pending      *pending.Registry
	Transactions *txindex.Index
	Logs         *logstore.Store
	Guard        *ipguard.Guard
	Dispatcher   *dispatch.Dispatcher
	Journal      dispatch.Journal

	HeartbeatInterval time.Duration
	Logger            *log.Logger
}

// CentralSystemHandler accepts charge point websockets and runs their
// message loops.
type CentralSystemHandler struct {
	upgrader websocket.Upgrader

	conns      *registry.Registry
	pending    *pending.Registry
	txs        *txindex.Index
	logs       *logstore.Store
	guard      *ipguard.Guard
	dispatcher *dispatch.Dispatcher
	journal    dispatch.Journal
	heartbeat  time.Duration
	logger     *log.Logger

	nextTransaction atomic.Int64

	mu       sync.Mutex
	live     map[*wsConnection]struct{}
	sessions map[string]string // transaction id -> session identity
}

// NewCentralSystemHandler creates a new handler for the central system
func NewCentralSystemHandler(opts HandlerOptions) *CentralSystemHandler {
	cs := &CentralSystemHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow connections from all origins
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{"ocpp1.6"},
		},
		conns:      opts.Connections,
		pending:    opts.Pending,
		txs:        opts.Transactions,
		logs:       opts.Logs,
		guard:      opts.Guard,
		dispatcher: opts.Dispatcher,
		journal:    opts.Journal,
		heartbeat:  opts.HeartbeatInterval,
		logger:     opts.Logger,
		live:       make(map[*wsConnection]struct{}),
		sessions:   make(map[string]string),
	}
	if cs.heartbeat <= 0 {
		cs.heartbeat = 60 * time.Second
	}
	if cs.logger == nil {
		cs.logger = log.Default()
	}
	cs.nextTransaction.Store(time.Now().Unix() % 100000)

	// transcripts of a charger that went away are closed with its pending state
	cs.pending.OnClear(func(ctx context.Context, serial string) {
		if err := cs.logs.EndSessionsFor(serial); err != nil {
			cs.logger.Printf("Error ending sessions for %s: %v", serial, err)
		}
		cs.mu.Lock()
		for tx, identity := range cs.sessions {
			if registry.SerialOf(identity) == serial {
				delete(cs.sessions, tx)
			}
		}
		cs.mu.Unlock()
	})
	return cs
}

// chargePointID extracts the serial from "/{id}", ignoring anything after
// a further slash.
func chargePointID(path string) string {
	id := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(id, '/'); i >= 0 {
		id = id[:i]
	}
	return strings.TrimSpace(id)
}

// clientIP prefers the first X-Forwarded-For hop over the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ServeHTTP implements the http.Handler interface
func (cs *CentralSystemHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cs.HandleWebSocket(w, r)
}

// HandleWebSocket handles WebSocket connections from charge points
func (cs *CentralSystemHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	serial := chargePointID(r.URL.Path)
	if serial == "" || serial == registry.Separator {
		http.Error(w, "missing charge point id", http.StatusNotFound)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	ip := clientIP(r)
	token := uuid.NewString()
	if !cs.guard.Admit(ctx, ip, token) {
		cs.logger.Printf("Rejected connection from %s (%s): too many connections", serial, ip)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := cs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cs.guard.Release(ctx, ip, token)
		cs.logger.Printf("Failed to upgrade connection: %v", err)
		return
	}

	conn := newWSConnection(ws, token, ip)
	cs.mu.Lock()
	cs.live[conn] = struct{}{}
	cs.mu.Unlock()

	logKey := cs.conns.Register(serial, "", conn)
	cs.conns.RegisterBare(serial, conn)
	cs.logger.Printf("New connection from %s", serial)
	cs.logs.Append(logKey, fmt.Sprintf("Connected from %s", ip), logstore.ChargerLog)

	if restored := cs.pending.Restore(ctx, serial); len(restored) > 0 {
		cs.logs.Append(logKey, fmt.Sprintf("Restored %d pending calls", len(restored)), logstore.ChargerLog)
	}

	cs.handleMessages(ctx, serial, conn)
	cs.disconnect(ctx, serial, conn)
}

// disconnect drops every trace of conn. Pending state is only purged when
// no newer connection for the same charger is still registered.
func (cs *CentralSystemHandler) disconnect(ctx context.Context, serial string, conn *wsConnection) {
	conn.Close()

	cs.mu.Lock()
	delete(cs.live, conn)
	cs.mu.Unlock()

	keys := cs.conns.PopConn(serial, conn)
	cs.guard.Release(ctx, conn.remote, conn.id)
	cs.logs.Append(registry.Key(serial, ""), "Disconnected", logstore.ChargerLog)

	if len(cs.conns.IdentityKeys(serial)) > 0 {
		cs.logger.Printf("Connection closed for %s (superseded, %d keys released)", serial, len(keys))
		return
	}
	cleared := cs.pending.ClearForCharger(ctx, serial)
	cs.logger.Printf("Connection closed for %s (%d pending calls cleared)", serial, cleared)
}

// CloseAll closes every live charge point connection.
func (cs *CentralSystemHandler) CloseAll() {
	cs.mu.Lock()
	conns := make([]*wsConnection, 0, len(cs.live))
	for c := range cs.live {
		conns = append(conns, c)
	}
	cs.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// OCPPServer represents an OCPP central server
type OCPPServer struct {
	config  *Config
	handler *CentralSystemHandler
	server  *http.Server
	logger  *log.Logger
}

// NewOCPPServer creates a new OCPP server with the given configuration and handler
func NewOCPPServer(config *Config, handler *CentralSystemHandler) *OCPPServer {
	mux := http.NewServeMux()
	mux.Handle("/", handler)

	return &OCPPServer{
		config:  config,
		handler: handler,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", config.WebSocketPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: handler.logger,
	}
}

// Run serves until ctx is cancelled, then closes every charge point
// connection.
func (s *OCPPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		protocol := "ws"
		if s.config.UseTLS {
			protocol = "wss"
		}
		s.logger.Printf("OCPP Central System listening on %s://%s", protocol, s.config.WebSocketAddr())

		var err error
		if s.config.UseTLS {
			err = s.server.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("OCPP server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(shutdownCtx)
	s.handler.CloseAll()
	return err
}
