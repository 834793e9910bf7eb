// tether-backend is a reference execution backend: it runs a demo agent per
// message and serves the invoke, stream, stop and status API that the tether
// client drives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/HyphaGroup/tether/internal/config"
	"github.com/HyphaGroup/tether/internal/execserver"
	"github.com/HyphaGroup/tether/internal/logger"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "token":
			cmdToken(os.Args[2:])
			return
		case "--version", "-v":
			fmt.Printf("tether-backend %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	runServer()
}

func printUsage() {
	fmt.Printf(`tether-backend %s - reference agent execution backend

Usage: tether-backend [command] [options]

Commands:
  (default)    Start the server
  token        Manage issued API tokens (create, list, revoke)

Options:
  --config <dir>     Directory containing tether.jsonc
  --addr <address>   Listen address (overrides server.address)

Endpoints:
  POST /api/invoke                              Start an execution
  POST /api/stream/{id}                         Stream events (resumable)
  POST /api/stop/{id}                           Stop an execution
  GET  /api/conversations/{id}                  Conversation history
  GET  /api/conversations/{id}/executions       Execution status
  GET  /health, /metrics
`, Version)
}

func runServer() {
	configDir := flag.String("config", "", "Directory containing tether.jsonc")
	addrFlag := flag.String("addr", "", "Listen address")
	flag.Parse()

	cfg, err := config.LoadAll(*configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	if err := logger.InitSlog(cfg.LoggerOptions()); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.CloseSlog() }()

	addr := cfg.Server.Address
	if *addrFlag != "" {
		addr = *addrFlag
	}

	logger.Println("tether-backend " + Version)
	if cfg.Path != "" {
		logger.Printf("Config: %s", cfg.Path)
	} else {
		logger.Println("Config: defaults (no tether.jsonc found)")
	}

	serverOpts := cfg.ServerOptions()
	if cfg.Server.IssuedTokens {
		tokens, err := execserver.NewTokenStore(cfg.StoreDir())
		if err != nil {
			logger.Fatalf("Failed to open token store: %v", err)
		}
		defer func() { _ = tokens.Close() }()
		serverOpts.Tokens = tokens
		logger.Printf("Token database: %s/tokens.db", cfg.StoreDir())
	}

	manager := execserver.NewManager(cfg.ManagerOptions(cfg.DemoAgent()))
	server := execserver.NewServer(manager, serverOpts)
	sweeper := execserver.NewSweeper(manager, server.Limiter(), cfg.SweepInterval())
	sweeper.Start()

	if serverOpts.Token == "" && serverOpts.Tokens == nil {
		logger.Println("WARNING: no server.token and issued_tokens is off, the API is unauthenticated")
	}
	logger.Printf("Listening on http://localhost%s", addr)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server error: %v", err)
		}
	case sig := <-shutdownChan:
		logger.Printf("Received signal %v, shutting down...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Streams are long-lived; stopping executions first ends them so
		// Shutdown does not wait out the reconnect window
		logger.Println("   Stopping executions...")
		manager.Close()

		logger.Println("   Closing HTTP server...")
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Printf("   HTTP shutdown: %v", err)
		}

		logger.Println("   Stopping sweeper...")
		sweeper.Stop()

		logger.Println("Shutdown complete")
	}
}

func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configDir := fs.String("config", "", "Directory containing tether.jsonc")
	name := fs.String("name", "", "Token name (create)")
	ttl := fs.Duration("ttl", 0, "Token lifetime, e.g. 720h (create; default never expires)")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		printTokenUsage()
		os.Exit(1)
	}

	cfg, err := config.LoadAll(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	store, err := execserver.NewTokenStore(cfg.StoreDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening token store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	switch fs.Arg(0) {
	case "create":
		if *name == "" {
			fmt.Fprintln(os.Stderr, "Error: --name is required")
			os.Exit(1)
		}
		token, err := store.Create(*name, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Token created.")
		fmt.Println()
		fmt.Printf("Token: %s\n", token.ID)
		fmt.Printf("Name:  %s\n", token.Name)
		if token.ExpiresAt != nil {
			fmt.Printf("Expires: %s\n", token.ExpiresAt.Local().Format(time.DateTime))
		}
		fmt.Println()
		fmt.Println("Save this token now; list only shows it masked.")
		if !cfg.Server.IssuedTokens {
			fmt.Println("Note: set server.issued_tokens to true so the server accepts it.")
		}
	case "list":
		tokens, err := store.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing tokens: %v\n", err)
			os.Exit(1)
		}
		if len(tokens) == 0 {
			fmt.Println("No tokens.")
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TOKEN\tNAME\tCREATED\tLAST USED\tEXPIRES")
		for _, t := range tokens {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", execserver.MaskToken(t.ID), t.Name,
				t.CreatedAt.Local().Format(time.DateTime), formatOptionalTime(t.LastUsedAt), formatOptionalTime(t.ExpiresAt))
		}
		_ = w.Flush()
	case "revoke":
		if fs.NArg() != 2 {
			fmt.Fprintln(os.Stderr, "Usage: tether-backend token revoke <token>")
			os.Exit(1)
		}
		if err := store.Revoke(fs.Arg(1)); err != nil {
			fmt.Fprintf(os.Stderr, "Error revoking token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Token revoked.")
	default:
		printTokenUsage()
		os.Exit(1)
	}
}

func printTokenUsage() {
	fmt.Println(`Token Management

Usage: tether-backend token [--config <dir>] [--name <name>] [--ttl <duration>] <command>

Commands:
  create    Issue a new API token (requires --name)
  list      List issued tokens
  revoke    Revoke a token

Examples:
  tether-backend token --name laptop create
  tether-backend token --name ci --ttl 720h create
  tether-backend token list
  tether-backend token revoke tth_xxxx...`)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
