package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/relay-chat/relay/internal/api"
	"github.com/relay-chat/relay/internal/auth"
	"github.com/relay-chat/relay/internal/db"
	"github.com/relay-chat/relay/internal/events"
	"github.com/relay-chat/relay/internal/repositories"
	"github.com/relay-chat/relay/internal/scheduler"
	"github.com/relay-chat/relay/internal/webhook"
	"github.com/relay-chat/relay/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownTimeout = 15 * time.Second

type config struct {
	httpAddr         string
	dbDriver         string
	dbDSN            string
	dataDir          string
	logLevel         string
	sendBuffer       int
	handshakeTimeout time.Duration
	secureCookies    bool
	webhookURL       string
	webhookSecret    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "relay-server",
		Short: "Relay server — real-time chat fanout",
		Long: `Relay server keeps one WebSocket session per connected client,
tracks which rooms each session is subscribed to, and fans out messages,
typing indicators and presence changes. A REST API under /api/v1 handles
accounts, rooms and message history.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("RELAY_HTTP_ADDR", ":8080"), "HTTP API and WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("RELAY_DB_DRIVER", db.DriverSQLite), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("RELAY_DB_DSN", "./relay.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("RELAY_DATA_DIR", "./data"), "Directory for server data (RSA keys)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("RELAY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.sendBuffer, "send-buffer", envIntOrDefault("RELAY_SEND_BUFFER", websocket.DefaultSendBuffer), "Outbound queue capacity per session; a full queue disconnects the client")
	root.PersistentFlags().DurationVar(&cfg.handshakeTimeout, "handshake-timeout", envDurationOrDefault("RELAY_HANDSHAKE_TIMEOUT", websocket.DefaultHandshakeTimeout), "WebSocket upgrade timeout")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("RELAY_SECURE_COOKIES", "false") == "true", "Set the Secure flag on auth cookies (enable behind HTTPS)")

	root.PersistentFlags().StringVar(&cfg.webhookURL, "webhook-url", envOrDefault("RELAY_WEBHOOK_URL", ""), "POST message events to this URL (empty = disabled)")
	root.PersistentFlags().StringVar(&cfg.webhookSecret, "webhook-secret", envOrDefault("RELAY_WEBHOOK_SECRET", ""), "HMAC-SHA256 key for the X-Relay-Signature header")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newMigrateCmd applies pending migrations and exits. The serve path runs
// them too; this is for deploys that migrate ahead of rollout.
func newMigrateCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			database, err := db.New(db.Config{Driver: cfg.dbDriver, DSN: cfg.dbDSN, Logger: logger})
			if err != nil {
				return err
			}
			return db.Close(database)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting relay server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. Database connection and migrations
	gormLevel := gormlogger.Warn
	if cfg.logLevel == "debug" {
		gormLevel = gormlogger.Info
	}
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLevel,
	})
	if err != nil {
		return err
	}
	defer db.Close(database) //nolint:errcheck

	users := repositories.NewUserRepository(database)
	tokens := repositories.NewRefreshTokenRepository(database)
	rooms := repositories.NewRoomRepository(database)
	messages := repositories.NewMessageRepository(database)

	// 2. JWT keys and auth
	jwtManager, err := auth.LoadOrGenerateJWTManager(cfg.dataDir, "relay")
	if err != nil {
		return fmt.Errorf("failed to initialize JWT keys: %w", err)
	}
	authService := auth.NewAuthService(
		auth.NewLocalAuthProvider(users, tokens, jwtManager),
		tokens,
		jwtManager,
	)

	// 3. Hub and event router
	hub := websocket.NewHub(logger)
	go hub.Run(ctx)
	router := events.NewRouter(hub, logger, events.WithMembershipChecker(rooms))

	ping := func(ctx context.Context) error { return db.Ping(ctx, database) }

	// Optional outbound webhook
	var hook api.MessageHook
	if cfg.webhookURL != "" {
		notifier, err := webhook.New(webhook.Config{URL: cfg.webhookURL, Secret: cfg.webhookSecret}, logger)
		if err != nil {
			return err
		}
		go notifier.Run(ctx)
		hook = notifier
		logger.Info("message webhook enabled", zap.Bool("signed", cfg.webhookSecret != ""))
	}

	// 4. Maintenance jobs
	sched, err := scheduler.New(scheduler.Config{}, authService, hub, ping, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop() //nolint:errcheck

	// 5. HTTP API and WebSocket endpoint
	srv := &http.Server{
		Addr: cfg.httpAddr,
		Handler: api.NewRouter(api.RouterConfig{
			AuthService: authService,
			Hub:         hub,
			Events:      router,
			Logger:      logger,
			Users:       users,
			Rooms:       rooms,
			Messages:    messages,
			Webhook:     hook,
			WebSocket: websocket.Config{
				SendBuffer:       cfg.sendBuffer,
				HandshakeTimeout: cfg.handshakeTimeout,
			},
			Ping:   ping,
			Secure: cfg.secureCookies,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down relay server")

	// Shutdown does not wait for hijacked connections; the hub closes the
	// WebSocket sessions when ctx is cancelled.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", zap.Error(err))
	}

	select {
	case <-hub.Done():
	case <-shutdownCtx.Done():
		logger.Warn("hub did not stop before the shutdown deadline")
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.Level = lvl

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}
