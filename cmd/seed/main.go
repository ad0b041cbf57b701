// Package main implements a one-shot seed command that populates a fresh
// deploybot database with a handful of agents and jobs, and writes a sample
// repo-binding config file, so the HTTP API can be exercised locally
// without a real agent or webhook source.
//
// Usage:
//
//	go run ./cmd/seed --db-dsn ./deploybot.db --bindings-path ./bindings.yaml
//
// Environment variables:
//
//	DEPLOYBOT_DB_DSN      SQLite file path or Postgres DSN (default: ./deploybot.db)
//	DEPLOYBOT_SECRET_KEY  Master encryption key — must match the value used by the server
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
	"gopkg.in/yaml.v3"

	"github.com/deploybot/controller/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dbDriver := flag.String("db-driver", envOrDefault("DEPLOYBOT_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	dbDSN := flag.String("db-dsn", envOrDefault("DEPLOYBOT_DB_DSN", "./deploybot.db"), "SQLite file path or Postgres DSN")
	bindingsPath := flag.String("bindings-path", envOrDefault("DEPLOYBOT_BINDINGS_PATH", "./bindings.yaml"), "Path to write the sample bindings config")
	flag.Parse()

	secretKey := os.Getenv("DEPLOYBOT_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"DEPLOYBOT_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the server, otherwise the\n" +
				"  encrypted agent token will be unreadable at heartbeat time.",
		)
	}

	key := make([]byte, 32)
	copy(key, []byte(secretKey))
	if err := store.InitEncryption(key); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	logger, _ := zap.NewDevelopment()

	db, err := store.Open(store.Config{
		Driver:   *dbDriver,
		DSN:      *dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	now := time.Now()

	const webHost, workerHost = "web-1", "worker-1"

	agentWeb, err := db.Agents.Register(ctx, webHost, `["deploy"]`, "seed-token-web-1", now)
	if err != nil {
		return fmt.Errorf("register agent %s: %w", webHost, err)
	}
	agentWorker, err := db.Agents.Register(ctx, workerHost, `["deploy","migrate"]`, "seed-token-worker-1", now)
	if err != nil {
		return fmt.Errorf("register agent %s: %w", workerHost, err)
	}

	jobs := []struct {
		repo, ref, host string
	}{
		{"acme/widgets", "refs/heads/main", webHost},
		{"acme/widgets", "refs/heads/main", workerHost},
		{"acme/api", "refs/heads/main", workerHost},
	}
	for _, j := range jobs {
		if _, err := db.Jobs.Insert(ctx, j.repo, j.ref, j.host, `{"commit":"seed"}`, now); err != nil {
			return fmt.Errorf("insert job for %s@%s: %w", j.repo, j.host, err)
		}
	}

	if err := writeBindings(*bindingsPath); err != nil {
		return fmt.Errorf("write bindings config: %w", err)
	}

	fmt.Printf("seeded 2 agents, %d jobs\n", len(jobs))
	fmt.Printf("  agent %s: %s\n", webHost, agentWeb.ID)
	fmt.Printf("  agent %s: %s\n", workerHost, agentWorker.ID)
	fmt.Printf("wrote bindings config to %s\n", *bindingsPath)
	return nil
}

type seedBindingsFile struct {
	Bindings []seedBinding `yaml:"bindings"`
}

type seedBinding struct {
	Repository   string   `yaml:"repository"`
	Hosts        []string `yaml:"hosts"`
	DeployOnPush bool     `yaml:"deploy_on_push"`
	Branches     []string `yaml:"branches"`
}

func writeBindings(path string) error {
	data, err := yaml.Marshal(seedBindingsFile{
		Bindings: []seedBinding{
			{
				Repository:   "acme/widgets",
				Hosts:        []string{"web-1", "worker-1"},
				DeployOnPush: true,
				Branches:     []string{"main"},
			},
			{
				Repository:   "acme/api",
				Hosts:        []string{"worker-1"},
				DeployOnPush: true,
				Branches:     []string{"main"},
			},
		},
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
