package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/deploybot/controller/internal/agentregistry"
	"github.com/deploybot/controller/internal/config"
	"github.com/deploybot/controller/internal/dispatcher"
	"github.com/deploybot/controller/internal/httpapi"
	"github.com/deploybot/controller/internal/logbroker"
	"github.com/deploybot/controller/internal/metrics"
	"github.com/deploybot/controller/internal/notifier"
	"github.com/deploybot/controller/internal/queue"
	"github.com/deploybot/controller/internal/store"
	"github.com/deploybot/controller/internal/webhook"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type appConfig struct {
	httpAddr   string
	dbDriver   string
	dbDSN      string
	secretKey  string
	logLevel   string
	bindingsPath string

	webhookSecret string
	notifyURL     string
	notifySecret  string

	staleAfter         time.Duration
	offlineAfter       time.Duration
	livenessSweepEvery time.Duration

	runningJobOrphanTimeout time.Duration
	orphanSweepEvery        time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &appConfig{}

	root := &cobra.Command{
		Use:   "deploybot-server",
		Short: "DeployBot controller — deployment orchestration server",
		Long: `deploybot-server is the control plane for DeployBot: it accepts push
webhooks, translates them into per-host deployment jobs, dispatches jobs to
polling agents, and tracks job and agent state to completion.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("DEPLOYBOT_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("DEPLOYBOT_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("DEPLOYBOT_DB_DSN", "./deploybot.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("DEPLOYBOT_SECRET_KEY", ""), "Master secret key for encrypting agent tokens at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("DEPLOYBOT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.bindingsPath, "bindings-path", envOrDefault("DEPLOYBOT_BINDINGS_PATH", "./bindings.yaml"), "Path to the repo-to-host binding config, hot-reloaded on change")

	root.PersistentFlags().StringVar(&cfg.webhookSecret, "webhook-secret", envOrDefault("DEPLOYBOT_WEBHOOK_SECRET", ""), "Shared secret for verifying inbound GitHub webhook signatures")
	root.PersistentFlags().StringVar(&cfg.notifyURL, "notify-url", envOrDefault("DEPLOYBOT_NOTIFY_URL", ""), "Outbound ops webhook URL for job-terminal/agent-offline notifications (empty disables)")
	root.PersistentFlags().StringVar(&cfg.notifySecret, "notify-secret", envOrDefault("DEPLOYBOT_NOTIFY_SECRET", ""), "HMAC secret to sign outbound ops webhook bodies")

	root.PersistentFlags().DurationVar(&cfg.staleAfter, "agent-stale-after", envDurationOrDefault("DEPLOYBOT_AGENT_STALE_AFTER", agentregistry.DefaultStaleAfter), "Time since last heartbeat before an agent is considered stale")
	root.PersistentFlags().DurationVar(&cfg.offlineAfter, "agent-offline-after", envDurationOrDefault("DEPLOYBOT_AGENT_OFFLINE_AFTER", agentregistry.DefaultOfflineAfter), "Time since last heartbeat before an agent is considered offline")
	root.PersistentFlags().DurationVar(&cfg.livenessSweepEvery, "agent-liveness-sweep-every", envDurationOrDefault("DEPLOYBOT_AGENT_LIVENESS_SWEEP_EVERY", agentregistry.DefaultSweepEvery), "Liveness sweep cadence")

	root.PersistentFlags().DurationVar(&cfg.runningJobOrphanTimeout, "running-job-orphan-timeout", envDurationOrDefault("DEPLOYBOT_RUNNING_JOB_ORPHAN_TIMEOUT", dispatcher.DefaultRunningJobOrphanTimeout), "Time a job may stay running with no ack before it is reclaimed as orphaned")
	root.PersistentFlags().DurationVar(&cfg.orphanSweepEvery, "orphan-sweep-every", envDurationOrDefault("DEPLOYBOT_ORPHAN_SWEEP_EVERY", dispatcher.DefaultOrphanSweepEvery), "Orphan reclaim sweep cadence")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("deploybot-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *appConfig) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or DEPLOYBOT_SECRET_KEY")
	}

	logger.Info("starting deploybot server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// InitEncryption must run before Open so Agent.Token can encrypt and
	// decrypt transparently on write/read. The key is padded or truncated
	// to exactly 32 bytes for AES-256.
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := store.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	db, err := store.Open(store.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	// --- 3. Repo binding config, hot-reloaded on change ---
	bindings, err := config.New(cfg.bindingsPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load bindings config: %w", err)
	}
	watchStop := make(chan struct{})
	go func() {
		if err := bindings.Watch(watchStop); err != nil {
			logger.Warn("bindings watcher stopped", zap.Error(err))
		}
	}()
	defer close(watchStop)

	// --- 4. Queue, rebuilt from any jobs left pending or stuck running at
	// last shutdown ---
	jobQueue := queue.New(db.Jobs, nil)
	pending, err := db.Jobs.RecoverNonTerminal(ctx, cfg.runningJobOrphanTimeout, time.Now())
	if err != nil {
		return fmt.Errorf("failed to recover pending jobs: %w", err)
	}
	for _, job := range pending {
		jobQueue.Reinject(job)
	}
	logger.Info("queue rebuilt from store", zap.Int("pending_jobs", len(pending)))

	// --- 5. Metrics ---
	reg := prometheus.NewRegistry()
	collector := metrics.New(reg, jobQueue.Depth, nil)

	// --- 6. Notifier ---
	notify := notifier.New(notifier.Config{URL: cfg.notifyURL, Secret: cfg.notifySecret}, logger)

	// --- 7. Log broker ---
	logs := logbroker.New(db.Logs, nil, logbroker.Config{})

	// --- 8. Dispatcher ---
	dsp := dispatcher.New(db.Jobs, jobQueue, logs, nil, dispatcher.Config{
		RunningJobOrphanTimeout: cfg.runningJobOrphanTimeout,
		SweepEvery:              cfg.orphanSweepEvery,
	}, collector, notify, logger)
	if err := dsp.StartOrphanSweeper(ctx); err != nil {
		return fmt.Errorf("failed to start orphan sweeper: %w", err)
	}
	defer func() {
		if err := dsp.StopOrphanSweeper(); err != nil {
			logger.Warn("orphan sweeper shutdown error", zap.Error(err))
		}
	}()

	// --- 9. Agent registry ---
	registry := agentregistry.New(db.Agents, dsp, nil, agentregistry.Config{
		StaleAfter:   cfg.staleAfter,
		OfflineAfter: cfg.offlineAfter,
		SweepEvery:   cfg.livenessSweepEvery,
	}, logger)
	if err := registry.StartSweeper(ctx, func(agent store.Agent, from, to string) {
		logger.Info("agent liveness transition",
			zap.String("agent_id", agent.ID.String()),
			zap.String("hostname", agent.Hostname),
			zap.String("from", from),
			zap.String("to", to),
		)
		if to == store.AgentStatusOffline {
			notify.AgentOffline(ctx, agent.ID.String(), agent.Hostname)
		}
	}); err != nil {
		return fmt.Errorf("failed to start liveness sweeper: %w", err)
	}
	defer func() {
		if err := registry.StopSweeper(); err != nil {
			logger.Warn("liveness sweeper shutdown error", zap.Error(err))
		}
	}()

	// --- 10. Webhook translator ---
	translator := webhook.New(cfg.webhookSecret, bindings, jobQueue)

	// --- 11. HTTP server ---
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Agents:   registry,
		JobQueue: jobQueue,
		JobStore: db.Jobs,
		Canceler: dsp,
		Logs:     logs,
		Webhook:  translator,
		DB:       db,
		Metrics:  collector,
		Registry: reg,
		Logger:   logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE log streaming holds connections open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down deploybot server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("deploybot server stopped")
	return nil
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
