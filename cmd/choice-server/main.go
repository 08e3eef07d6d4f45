package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Sighthesia/interactive-choice-mcp/internal/config"
	"github.com/Sighthesia/interactive-choice-mcp/internal/frontend"
	"github.com/Sighthesia/interactive-choice-mcp/internal/history"
	"github.com/Sighthesia/interactive-choice-mcp/internal/orchestrator"
	"github.com/Sighthesia/interactive-choice-mcp/internal/session"
	"github.com/Sighthesia/interactive-choice-mcp/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	host := flag.String("host", "", "Override server host")
	token := flag.String("token", "", "Override auth token")
	devMode := flag.Bool("dev", false, "Development mode (serve frontend from filesystem)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *token != "" {
		cfg.Server.AuthToken = *token
	}

	dataDir := cfg.History.Dir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to resolve home dir: %v", err)
		}
		dataDir = filepath.Join(home, ".interactive-choice")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}

	reg := session.NewRegistry()
	defer reg.Close()

	var store *history.Store
	if cfg.History.Enabled {
		store = history.NewStore(filepath.Join(dataDir, "history"), cfg.History.MaxSessions)
	}

	prefs, err := config.NewPrefsStore(filepath.Join(dataDir, "preferences.yaml"))
	if err != nil {
		log.Fatalf("Failed to load preferences: %v", err)
	}

	baseURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	orch := orchestrator.New(reg, store, prefs, cfg, baseURL)

	broadcaster := ws.NewBroadcaster(reg, func() []session.Entry { return orch.List(orchestrator.FilterAll) }, cfg.Session.SyncInterval)
	defer broadcaster.Close()
	orch.SetNotifier(broadcaster)

	frontendDir := ""
	if *devMode {
		cwd, _ := os.Getwd()
		frontendDir = filepath.Join(cwd, "internal", "frontend", "static")
	}

	var embeddedHandler http.Handler
	if !*devMode {
		embeddedHandler = frontend.Handler()
	}

	server := ws.NewServer(orch, broadcaster, frontendDir, *devMode, embeddedHandler,
		cfg.Server.AllowedOrigins, cfg.Server.AuthToken)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go orch.RunMaintenance(ctx, cfg.Session.EvictAfter/2)
	go orch.WatchAgents(ctx, 15*time.Second)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		broadcaster.Close()
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
