package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/balu-dk/ocpp-csms-engine/internal/cache"
	"github.com/balu-dk/ocpp-csms-engine/internal/dispatch"
	"github.com/balu-dk/ocpp-csms-engine/internal/ipguard"
	"github.com/balu-dk/ocpp-csms-engine/internal/logstore"
	"github.com/balu-dk/ocpp-csms-engine/internal/pending"
	"github.com/balu-dk/ocpp-csms-engine/internal/registry"
	"github.com/balu-dk/ocpp-csms-engine/internal/telemetry"
	"github.com/balu-dk/ocpp-csms-engine/internal/txindex"
	ocppserver "github.com/balu-dk/ocpp-csms-engine/ocpp"
	"github.com/balu-dk/ocpp-csms-engine/server"
	"github.com/balu-dk/ocpp-csms-engine/server/database"
	env "github.com/balu-dk/ocpp-csms-engine/utils"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:          "ocpp-csms",
		Short:        "OCPP 1.6 central system",
		Long:         `Accepts charge point websockets, sends commands to them and tracks every call until it is answered or times out.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket server and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configFile)
		},
	}

	actions := &cobra.Command{
		Use:   "actions",
		Short: "List the actions that can be sent to charge points",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, a := range dispatch.DefaultActions() {
				expected := "any"
				if len(a.ExpectedStatuses) > 0 {
					expected = fmt.Sprint(a.ExpectedStatuses)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s expects %s\n", a.Name, expected)
			}
		},
	}

	root.AddCommand(serve, actions)
	return root
}

func runServe(ctx context.Context, configFile string) error {
	log.SetOutput(os.Stdout)
	env.Initialize(nil)

	cfg, err := ocppserver.LoadConfig(configFile)
	if err != nil {
		return err
	}
	log.Printf("OCPP server configured with host: %s, WebSocket port: %d, API port: %d",
		cfg.Host, cfg.WebSocketPort, cfg.APIPort)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("Error flushing traces: %v", err)
		}
	}()

	store := cache.New(cfg.Redis, log.Default())
	defer store.Close()
	if cfg.Redis.Address != "" {
		if err := store.Ping(ctx); err != nil {
			log.Printf("Warning: cache at %s unreachable, pending calls are process-local until it returns: %v", cfg.Redis.Address, err)
		} else {
			log.Printf("Cache connected at %s", cfg.Redis.Address)
		}
	}

	log.Printf("Using database type: %s", cfg.Database.Type)
	dbService, err := database.NewService(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbService.Close()

	journal := ocppserver.NewDatabaseMessageLogger(dbService, 100, 10*time.Second, nil)
	defer journal.Close()

	logs := logstore.New(logstore.Options{
		Dir:               cfg.LogDir,
		Capacity:          cfg.LogCapacity,
		SessionFlushLimit: cfg.SessionFlushLimit,
		MaxFileBytes:      cfg.LogMaxBytes,
		Backups:           cfg.LogBackups,
	})
	txs := txindex.New()

	scheduler := pending.NewScheduler()
	defer scheduler.Stop()
	calls := pending.NewRegistry(pending.Options{
		Cache:        store,
		Scheduler:    scheduler,
		TTL:          cfg.PendingTTL,
		Logs:         logs,
		Transactions: txs,
	})
	defer calls.Close()

	conns := registry.New()
	guard := ipguard.New(store, cfg.IPLimit, cfg.IPTTL)

	dispatcher := dispatch.NewWithDefaults(dispatch.Options{
		Connections:  conns,
		Pending:      calls,
		Transactions: txs,
		Logs:         logs,
		Journal:      journal,
	})

	handler := ocppserver.NewCentralSystemHandler(ocppserver.HandlerOptions{
		Connections:       conns,
		Pending:           calls,
		Transactions:      txs,
		Logs:              logs,
		Guard:             guard,
		Dispatcher:        dispatcher,
		Journal:           journal,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	ocppServer := ocppserver.NewOCPPServer(cfg, handler)

	apiServer := server.NewAPIServer(server.Options{
		Config:       cfg,
		Connections:  conns,
		Pending:      calls,
		Transactions: txs,
		Logs:         logs,
		Guard:        guard,
		Dispatcher:   dispatcher,
		Database:     dbService,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ocppServer.Run(gctx) })
	g.Go(func() error { return apiServer.Run(gctx) })

	printEndpoints(cfg)

	err = g.Wait()
	log.Println("Server shutdown complete")
	return err
}

func printEndpoints(cfg *ocppserver.Config) {
	protocol := "ws"
	apiProtocol := "http"
	if cfg.UseTLS {
		protocol = "wss"
		apiProtocol = "https"
	}
	apiURL := fmt.Sprintf("%s://%s/api", apiProtocol, cfg.APIAddr())

	fmt.Println("\nOCPP Server started successfully")
	fmt.Println("=================================")
	fmt.Printf("  WebSocket endpoint: %s://%s/{chargePointId}\n", protocol, cfg.WebSocketAddr())
	fmt.Printf("  HTTP API endpoint: %s\n", apiURL)

	fmt.Println("\nAvailable API endpoints:")
	fmt.Printf("  GET  %s/status                                  - Server status\n", apiURL)
	fmt.Printf("  GET  %s/charge-points                           - Connected charge points\n", apiURL)
	fmt.Printf("  POST %s/charge-points/{id}/actions/{action}     - Send an action and wait for the answer\n", apiURL)
	fmt.Printf("  POST %s/commands/{action}                       - Same, charge point named in the body\n", apiURL)
	fmt.Printf("  GET  %s/charge-points/{id}/logs                 - Charge point logs\n", apiURL)
	fmt.Printf("  GET  %s/charge-points/{id}/messages             - Journaled raw frames\n", apiURL)
	fmt.Printf("  GET  %s/logs?ids=a,b                            - Merged logs, newest first\n", apiURL)
	fmt.Printf("  GET  %s/pending/{messageId}                     - Unanswered call\n", apiURL)
	fmt.Printf("  GET  %s/transaction-requests                    - Transaction request index\n", apiURL)
	fmt.Printf("  GET  %s/outcomes                                - Journaled call outcomes\n", apiURL)
	fmt.Println()
}
