package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/relay"
)

func main() {
	envFile := envFileArg(os.Args[1:], ".env")
	if err := config.Load(envFile); err != nil {
		log.Fatalf("Failed to load %s: %v", envFile, err)
	}

	cfg := relay.DefaultConfig()
	cfg.ApplyEnv()

	var logLevel string
	var logColor bool

	flag.String("env-file", envFile, "Environment file loaded before flags")
	flag.StringVar(&cfg.Source, "source", cfg.Source, "Camera address: rtsp://, http:// MJPEG, file path or testsrc://WxH?fps=N")
	flag.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Hub relay endpoint")
	flag.StringVar(&cfg.Key, "key", cfg.Key, "Shared relay secret")
	flag.IntVar(&cfg.Width, "width", cfg.Width, "Frame width")
	flag.IntVar(&cfg.Height, "height", cfg.Height, "Frame height")
	flag.Float64Var(&cfg.FPS, "fps", cfg.FPS, "Send rate (frames per second)")
	flag.IntVar(&cfg.Quality, "quality", cfg.Quality, "JPEG quality (0-100)")
	flag.DurationVar(&cfg.SendTimeout, "send-timeout", cfg.SendTimeout, "Per-frame send budget; late frames are dropped")
	flag.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "Pause between sessions")
	flag.DurationVar(&cfg.StatsWindow, "stats-window", cfg.StatsWindow, "Stats log interval")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Metrics server address (empty disables)")
	flag.StringVar(&logLevel, "log-level", config.GetEnv("LOG_LEVEL", "info"), "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&logColor, "log-color", config.GetEnvBool("LOG_COLOR", true), "Enable colored log output")
	flag.Parse()

	// Initialize logger
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, logColor)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	opener, err := capture.NewOpener(cfg.Source)
	if err != nil {
		log.Fatalf("Invalid source: %v", err)
	}

	client, err := relay.NewClient(cfg, opener, relay.NewWSDialer())
	if err != nil {
		log.Fatalf("Failed to create relay: %v", err)
	}

	logger.Info("Main", "CCTV relay starting...")
	logger.Info("Main", "  Source: %s", cfg.Source)
	logger.Info("Main", "  Server: %s", cfg.ServerURL)
	logger.Info("Main", "  Frame: %dx%d @ %.0f fps, quality %d", cfg.Width, cfg.Height, cfg.FPS, cfg.Quality)
	logger.Info("Main", "  Send budget: %s, reconnect delay: %s", cfg.SendTimeout, cfg.ReconnectDelay)
	logger.Info("Main", "  Log level: %s", level)
	if cfg.Key == relay.DefaultKey {
		logger.Warn("Main", "Using the default relay key; set RELAY_KEY")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: client.Metrics().Handler()}
		go func() {
			logger.Info("Main", "Metrics server on %s", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	if err := client.Run(ctx); err != nil {
		logger.Error("Main", "Relay stopped: %v", err)
	}

	logger.Info("Main", "Shutting down...")
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	logger.Info("Main", "Relay stopped")
}

// envFileArg finds --env-file before flag parsing so the file can seed flag
// defaults.
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
