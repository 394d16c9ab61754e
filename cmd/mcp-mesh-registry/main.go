package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"mcp-mesh/src/core/config"
	"mcp-mesh/src/core/database"
	"mcp-mesh/src/core/logger"
	"mcp-mesh/src/core/registry"
)

// version is injected at build time via ldflags
var version = "dev"

func main() {
	var (
		host        = flag.String("host", "", "Host to bind the server to (overrides HOST env var)")
		port        = flag.Int("port", 0, "Port to bind the server to (overrides PORT env var)")
		showVersion = flag.Bool("version", false, "Show version information")
		help        = flag.Bool("help", false, "Show help information")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "MCP Mesh Registry Service\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  HOST, PORT                             - Bind address (default: 0.0.0.0:8000)\n")
		fmt.Fprintf(os.Stderr, "  DATABASE_URL                           - Store DSN; postgres:// selects PostgreSQL\n")
		fmt.Fprintf(os.Stderr, "  MCP_MESH_LOG_LEVEL, MCP_MESH_DEBUG_MODE - Logging\n")
		fmt.Fprintf(os.Stderr, "  HEALTH_CHECK_INTERVAL                  - Health-monitor scan period in seconds (default: 10)\n")
		fmt.Fprintf(os.Stderr, "  DEFAULT_TIMEOUT_THRESHOLD              - healthy -> unhealthy in seconds (default: 20)\n")
		fmt.Fprintf(os.Stderr, "  DEFAULT_EVICTION_THRESHOLD             - unhealthy -> evicted in seconds (default: 60)\n")
		fmt.Fprintf(os.Stderr, "  CACHE_TTL, ENABLE_RESPONSE_CACHE        - Response cache\n")
		fmt.Fprintf(os.Stderr, "  MCP_MESH_DISTRIBUTED_TRACING_ENABLED   - Start the trace consumer/exporter\n")
		fmt.Fprintf(os.Stderr, "  REDIS_URL, STREAM_NAME, CONSUMER_GROUP - Trace event stream identity\n")
		fmt.Fprintf(os.Stderr, "  TELEMETRY_ENDPOINT, TRACE_EXPORTER_TYPE - Trace export target\n")
	}

	flag.Parse()

	if *help {
		flag.Usage()
		return
	}

	if *showVersion {
		fmt.Printf("MCP Mesh Registry %s\n", version)
		fmt.Println("Central service discovery and dependency resolution for MCP agent meshes")
		return
	}

	cfg := config.LoadFromEnv()

	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration validation failed: %v", err)
	}

	appLogger := logger.New(cfg)
	appLogger.SetGinMode()
	appLogger.Info("Starting MCP Mesh Registry Service | %s", appLogger.GetStartupBanner())

	appLogger.Info("Initializing database: %s", cfg.GetDatabaseURL())
	db, err := database.Initialize(cfg.Database)
	if err != nil {
		appLogger.Error("Failed to initialize database: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Warning("Failed to close database: %v", err)
		}
	}()

	store := database.NewStore(db)
	server := registry.NewServer(store, cfg, appLogger)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan

		appLogger.Info("Received signal %v, initiating graceful shutdown", sig)
		if err := server.Stop(); err != nil {
			appLogger.Error("Error during server shutdown: %v", err)
		}
		appLogger.Info("Registry service stopped")
		os.Exit(0)
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	appLogger.Info("MCP Mesh Registry Service listening on %s", addr)
	if err := server.Run(addr); err != nil {
		appLogger.Error("Failed to start server: %v", err)
		os.Exit(1)
	}
}
