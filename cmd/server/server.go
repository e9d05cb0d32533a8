package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/paularlott/cli"
	"github.com/robfig/cron/v3"

	"github.com/martinsuchenak/emud/internal/api"
	"github.com/martinsuchenak/emud/internal/backend"
	"github.com/martinsuchenak/emud/internal/capture"
	"github.com/martinsuchenak/emud/internal/config"
	"github.com/martinsuchenak/emud/internal/log"
	"github.com/martinsuchenak/emud/internal/mcp"
	"github.com/martinsuchenak/emud/internal/nio"
	"github.com/martinsuchenak/emud/internal/node"
	"github.com/martinsuchenak/emud/internal/storage"
)

// ServerConfig holds configuration for running the server
type ServerConfig struct {
	Config     *config.Config
	Nodes      *node.Manager
	MCPServer  *mcp.Server
	APIHandler *api.Handler
}

// RunServer starts the emud server with the given configuration
func RunServer(cfg *ServerConfig) error {
	// Setup HTTP routes
	mux := http.NewServeMux()

	// API routes
	cfg.APIHandler.RegisterRoutes(mux)

	// MCP endpoint
	mux.HandleFunc("/mcp", cfg.MCPServer.GetHTTPHandler())

	// Apply middleware
	var handler http.Handler = mux
	if cfg.Config.IsAPIAuthEnabled() {
		handler = api.AuthMiddleware(cfg.Config.APIAuthToken, handler)
	}
	handler = api.SecurityHeadersMiddleware(handler)

	// Liveness reconciler: sweep for emulator processes that exited on
	// their own so their nodes do not stay "started" forever.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every "+cfg.Config.ReconcileInterval, func() {
		cfg.Nodes.Reconcile(context.Background())
	}); err != nil {
		log.Error("Failed to schedule liveness reconciler", "error", err)
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Start server
	server := &http.Server{
		Addr:    cfg.Config.ListenAddr,
		Handler: handler,
	}

	// Handle shutdown gracefully
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Info("Shutting down server...")
		server.Close()
	}()

	// Log startup info
	log.Info("Starting emud server", "addr", cfg.Config.ListenAddr)
	log.Info("API available", "url", "http://localhost"+cfg.Config.ListenAddr+"/api/")
	log.Info("MCP available", "url", "http://localhost"+cfg.Config.ListenAddr+"/mcp")
	log.Info("Liveness reconciler scheduled", "interval", cfg.Config.ReconcileInterval)
	if cfg.Config.IsAPIAuthEnabled() {
		log.Info("API authentication enabled")
	}
	cfg.MCPServer.LogStartup()

	// Start serving
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("Server error", "error", err)
		return err
	}

	log.Info("Server stopped")
	return nil
}

func Command() *cli.Command {
	return &cli.Command{
		Name:        "server",
		Usage:       "Start the emud server",
		Description: "Start the HTTP server with the node API and MCP endpoints",
		Flags:       config.GetFlags(),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.Load(cmd)

			log.Info("Configuration loaded", "data_dir", cfg.DataDir, "listen_addr", cfg.ListenAddr)

			// Initialize storage
			store, err := storage.NewSQLiteStore(cfg.DataDir)
			if err != nil {
				log.Error("Failed to initialize storage", "error", err)
				return err
			}
			defer store.Close()
			log.Info("Storage initialized", "backend", "SQLite", "path", cfg.DataDir)

			// Build the node manager and its subsystems
			nodes := node.NewManager(node.Options{
				Drivers:     backend.BuiltinFactories(),
				Store:       store,
				NIOs:        nio.NewRegistry(),
				Captures:    capture.NewManager(),
				CaptureDir:  cfg.CaptureDir,
				ConsoleHost: cfg.ConsoleHost,
			})
			if err := nodes.Restore(); err != nil {
				log.Error("Failed to restore nodes", "error", err)
				return err
			}

			// Create API handler
			apiHandler := api.NewHandler(nodes)

			// Create MCP server
			mcpServer := mcp.NewServer(nodes, cfg.MCPAuthToken)

			return RunServer(&ServerConfig{
				Config:     cfg,
				Nodes:      nodes,
				MCPServer:  mcpServer,
				APIHandler: apiHandler,
			})
		},
	}
}
