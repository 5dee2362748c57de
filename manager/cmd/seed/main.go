// Package main implements a one-shot seed command that creates an Agent
// directly in the ifperf database. It lives inside the manager module so it
// can access manager/internal/* packages.
//
// An agent must exist (and its registration key be known) before that
// agent's process can successfully call POST /v1/agent/register — the seed
// command is the only way to mint the first agents in a fresh deployment,
// short of going through the admin HTTP API.
//
// Usage (from the manager module directory):
//
//	go run ./cmd/seed --name lab-agent-1
//
// Environment variables:
//
//	IFPERF_DB_DSN      SQLite file path (default: ./ifperf.db); only SQLite is supported
//	IFPERF_SECRET_KEY  Master encryption key — must match the value used by the manager
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ifperf/ifperf/manager/internal/db"
	"github.com/ifperf/ifperf/manager/internal/repository"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	name := flag.String("name", "", "Agent name (required, unique)")
	flag.Parse()

	if *name == "" {
		return fmt.Errorf("--name is required")
	}

	dsn := envOrDefault("IFPERF_DB_DSN", "./ifperf.db")

	secretKey := os.Getenv("IFPERF_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"IFPERF_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the manager, otherwise the\n" +
				"  encrypted registration key will be unreadable at register time.",
		)
	}

	// InitEncryption must be called before any DB operation so that
	// EncryptedString fields are encoded correctly on write.
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	key, err := generateKey()
	if err != nil {
		return fmt.Errorf("generate registration key: %w", err)
	}

	agentRepo := repository.NewAgentRepository(database)

	agent := &db.Agent{
		Name:            *name,
		RegistrationKey: db.EncryptedString(key),
		Enabled:         true,
		Status:          "offline",
	}

	if err := agentRepo.Create(context.Background(), agent); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("an agent named %q already exists", *name)
		}
		return fmt.Errorf("create agent: %w", err)
	}

	fmt.Printf("✓ Agent created\n")
	fmt.Printf("  ID:   %s\n", agent.ID)
	fmt.Printf("  Name: %s\n", agent.Name)
	fmt.Printf("  Key:  %s\n", key)
	fmt.Printf("\nConfigure the agent process with:\n")
	fmt.Printf("  --agent-name %s --agent-key %s\n", agent.Name, key)

	return nil
}

// generateKey generates a cryptographically secure 32-byte random hex
// string, used as an agent's registration key. Mirrors the manager API's own
// agent-creation helper since the seed tool bypasses the HTTP layer.
func generateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
