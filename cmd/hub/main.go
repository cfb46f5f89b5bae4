package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/hub"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/logger"
)

func main() {
	envFile := envFileArg(os.Args[1:], ".env")
	if err := config.Load(envFile); err != nil {
		log.Fatalf("Failed to load %s: %v", envFile, err)
	}

	cfg := hub.DefaultConfig()
	cfg.ApplyEnv()

	var port int
	var logLevel string
	var logColor bool

	flag.String("env-file", envFile, "Environment file loaded before flags")
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	flag.IntVarP(&port, "port", "p", 0, "Listen port (overrides --addr)")
	flag.StringVar(&cfg.Key, "key", cfg.Key, "Shared relay secret")
	flag.StringVar(&cfg.PublicDir, "public", cfg.PublicDir, "Directory of static viewer files")
	flag.DurationVar(&cfg.ViewerSendTimeout, "viewer-timeout", cfg.ViewerSendTimeout, "Per-viewer send budget before eviction")
	flag.StringVar(&logLevel, "log-level", config.GetEnv("LOG_LEVEL", "info"), "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&logColor, "log-color", config.GetEnvBool("LOG_COLOR", true), "Enable colored log output")
	flag.Parse()

	if port > 0 {
		cfg.Addr = ":" + strconv.Itoa(port)
	}

	// Initialize logger
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, logColor)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Info("Main", "CCTV hub starting...")
	logger.Info("Main", "  Listen: %s", cfg.Addr)
	logger.Info("Main", "  Relay endpoint: /ws/relay, viewers: /ws/stream, /stream.mjpeg")
	logger.Info("Main", "  Viewer send budget: %s", cfg.ViewerSendTimeout)
	if cfg.PublicDir != "" {
		logger.Info("Main", "  Public dir: %s", cfg.PublicDir)
	}
	logger.Info("Main", "  Log level: %s", level)
	if cfg.Key == hub.DefaultKey {
		logger.Warn("Main", "Using the default relay key; set RELAY_KEY")
	}

	srv := hub.NewServer(cfg)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		srv.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
		return
	case sig := <-sigCh:
		logger.Info("Main", "Received %s, shutting down...", sig)
	}

	// Websockets and streams are hijacked or long-lived; drop them first so
	// Shutdown only waits on plain requests.
	srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("Main", "Shutdown: %v", err)
	}
	logger.Info("Main", "Hub stopped")
}

func envFileArg(args []string, fallback string) string {
	for i, arg := range args {
		if v, ok := strings.CutPrefix(arg, "--env-file="); ok {
			return v
		}
		if arg == "--env-file" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return fallback
}
