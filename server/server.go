package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/balu-dk/ocpp-csms-engine/internal/dispatch"
	"github.com/balu-dk/ocpp-csms-engine/internal/ipguard"
	"github.com/balu-dk/ocpp-csms-engine/internal/logstore"
	"github.com/balu-dk/ocpp-csms-engine/internal/pending"
	"github.com/balu-dk/ocpp-csms-engine/internal/registry"
	"github.com/balu-dk/ocpp-csms-engine/internal/txindex"
	ocppserver "github.com/balu-dk/ocpp-csms-engine/ocpp"
	"github.com/balu-dk/ocpp-csms-engine/server/database"
)

// Options wires the API to the engine. Database may be nil, in which case
// the journal endpoints answer 503.
type Options struct {
	Config       *ocppserver.Config
	Connections  *registry.Registry
	Pending      *pending.Registry
	Transactions *txindex.Index
	Logs         *logstore.Store
	Guard        *ipguard.Guard
	Dispatcher   *dispatch.Dispatcher
	Database     *database.Service
	Logger       *log.Logger
}

// APIServer tilføjer REST API-funktionalitet til OCPP-serveren
type APIServer struct {
	config     *ocppserver.Config
	conns      *registry.Registry
	pending    *pending.Registry
	txs        *txindex.Index
	logs       *logstore.Store
	guard      *ipguard.Guard
	dispatcher *dispatch.Dispatcher
	dbService  *database.Service
	logger     *log.Logger

	started    time.Time
	mux        *http.ServeMux
	httpServer *http.Server
}

// NewAPIServer opretter en ny API-server
func NewAPIServer(opts Options) *APIServer {
	s := &APIServer{
		config:     opts.Config,
		conns:      opts.Connections,
		pending:    opts.Pending,
		txs:        opts.Transactions,
		logs:       opts.Logs,
		guard:      opts.Guard,
		dispatcher: opts.Dispatcher,
		dbService:  opts.Database,
		logger:     opts.Logger,
		started:    time.Now(),
		mux:        http.NewServeMux(),
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.registerAPIEndpoints()

	port := 9001
	if s.config != nil {
		port = s.config.APIPort
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port), // Binder til alle interfaces
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returnerer API'ets router
func (s *APIServer) Handler() http.Handler {
	return s.mux
}

// Run kører HTTP API'et indtil ctx annulleres
func (s *APIServer) Run(ctx context.Context) error {
	if s.config == nil {
		return errors.New("API server started without config")
	}
	useTLS := s.config.UseTLS

	errCh := make(chan error, 1)
	go func() {
		protocol := "http"
		if useTLS {
			protocol = "https"
		}
		s.logger.Printf("HTTP API server listening on %s://%s", protocol, s.config.APIAddr())

		var err error
		if useTLS {
			err = s.httpServer.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP API server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Printf("Error during HTTP server shutdown: %v", err)
		return err
	}
	s.logger.Println("HTTP API server shutdown complete")
	return nil
}
