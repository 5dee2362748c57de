// Package main is the entry point for the ifperf-agent binary.
// It wires all internal packages together and starts the connection loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Detect the host's outbound IP and operating system
//  4. Build the executor (iperf3 wrapper + running-processes table)
//  5. Build the connection manager (HTTP polling client)
//  6. Register with the manager and run the heartbeat/claim loop
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ifperf/ifperf/agent/internal/connection"
	"github.com/ifperf/ifperf/agent/internal/executor"
	"github.com/ifperf/ifperf/agent/internal/hostinfo"
	"github.com/ifperf/ifperf/agent/internal/iperf"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	managerURL string
	agentName  string
	agentKey   string
	apiVersion string
	logLevel   string
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
		Use:   "ifperf-agent",
		Short: "ifperf agent — runs iperf3 tests on behalf of the ifperf manager",
		Long: `ifperf agent polls the ifperf manager over HTTP for iperf3 server and
client tasks, executes them with the local iperf3 binary, and reports their
results back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.managerURL, "manager-url", envOrDefault("AGENT_MANAGER_URL", "http://localhost:8080"), "ifperf manager base URL")
	root.PersistentFlags().StringVar(&cfg.agentName, "agent-name", envOrDefault("AGENT_NAME", ""), "This agent's registered name (required)")
	root.PersistentFlags().StringVar(&cfg.agentKey, "agent-key", envOrDefault("AGENT_KEY", ""), "This agent's registration key, issued when the agent row was created (required)")
	root.PersistentFlags().StringVar(&cfg.apiVersion, "api-version", envOrDefault("AGENT_API_VERSION", "1"), "Agent protocol API version to advertise")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("AGENT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ifperf-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.agentName == "" {
		return fmt.Errorf("agent name is required — set --agent-name or AGENT_NAME")
	}
	if cfg.agentKey == "" {
		return fmt.Errorf("agent key is required — set --agent-key or AGENT_KEY")
	}

	logger.Info("starting ifperf agent",
		zap.String("version", version),
		zap.String("manager_url", cfg.managerURL),
		zap.String("agent_name", cfg.agentName),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ipAddress := outboundIP(cfg.managerURL)
	operatingSystem := hostinfo.OperatingSystem(ctx)
	logger.Info("detected host info", zap.String("ip_address", ipAddress), zap.String("operating_system", operatingSystem))

	// --- Executor and connection manager ---
	// They reference each other — the executor reports task lifecycle through
	// the manager, the manager submits claimed tasks to the executor — so the
	// manager is built first and wired in after the executor exists.
	connCfg := connection.Config{
		ManagerURL: cfg.managerURL,
		AgentName:  cfg.agentName,
		AgentKey:   cfg.agentKey,
		APIVersion: cfg.apiVersion,
	}
	mgr := connection.New(connCfg, logger)
	exec := executor.New(iperf.New(), mgr, logger)
	mgr.SetExecutor(exec)

	// --- Run ---
	runErr := mgr.Run(ctx, ipAddress, operatingSystem)

	// --- Shutdown ---
	logger.Info("shutting down ifperf agent")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	exec.Shutdown(shutdownCtx)

	logger.Info("ifperf agent stopped")
	return runErr
}

// outboundIP returns the local address the OS would use to reach the
// manager, without sending any packets — dialing UDP only resolves a route.
// Falls back to "127.0.0.1" if the manager URL's host can't be resolved.
func outboundIP(managerURL string) string {
	host := managerURL
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimPrefix(host, "https://")
	if idx := strings.IndexByte(host, '/'); idx >= 0 {
		host = host[:idx]
	}
	if !strings.Contains(host, ":") {
		host += ":80"
	}

	conn, err := net.Dial("udp", host)
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
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
