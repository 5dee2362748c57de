// Package connection owns the agent's HTTP relationship with the manager:
// registering, heartbeating, claiming tasks, and reporting task lifecycle
// back. It replaces what used to be a gRPC bidirectional stream with plain
// polling — there is no persistent connection to keep alive, so the backoff
// and reconnect logic collapses into a single fixed-period loop.
package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifperf/ifperf/agent/internal/executor"
	"github.com/ifperf/ifperf/shared/types"
)

// mainLoopPeriod is how often the agent heartbeats and, if permitted, claims
// new tasks.
const mainLoopPeriod = 5 * time.Second

// maxClaimsPerTick bounds how many tasks a single tick claims, so one agent
// can't monopolize a tick's worth of manager time.
const maxClaimsPerTick = 5

// maxHeartbeatFailures is how many consecutive transient heartbeat failures
// the agent tolerates before giving up and exiting, trusting its process
// supervisor to bring it back.
const maxHeartbeatFailures = 3

// Config holds everything the connection manager needs to reach the manager
// and identify itself.
type Config struct {
	ManagerURL string
	AgentName  string
	AgentKey   string
	APIVersion string
}

// Manager polls the manager over HTTP: it registers once at startup, then
// loops heartbeat → claim → sleep until the context is cancelled.
type Manager struct {
	cfg      Config
	client   *http.Client
	executor *executor.Executor
	logger   *zap.Logger

	mu                sync.Mutex
	heartbeatFailures int
}

// New creates a Manager. SetExecutor must be called before Run, since the
// executor and the manager reference each other — the executor reports task
// lifecycle through the manager, and the manager submits claimed tasks to
// the executor.
func New(cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.Named("connection"),
	}
}

// SetExecutor wires the executor this manager submits claimed tasks to.
func (m *Manager) SetExecutor(e *executor.Executor) {
	m.executor = e
}

// Run registers the agent, then runs the heartbeat/claim loop until ctx is
// cancelled or a fatal condition (agent deleted, or too many consecutive
// heartbeat failures) ends it early.
func (m *Manager) Run(ctx context.Context, ipAddress, operatingSystem string) error {
	if err := m.register(ctx, ipAddress, operatingSystem); err != nil {
		return fmt.Errorf("connection: register: %w", err)
	}
	m.logger.Info("registered with manager", zap.String("manager_url", m.cfg.ManagerURL))

	ticker := time.NewTicker(mainLoopPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pullTasks, fatal, err := m.tick(ctx, ipAddress)
			if fatal {
				m.logger.Error("fatal agent protocol error, exiting", zap.Error(err))
				return err
			}
			if err != nil || !pullTasks {
				continue
			}
			m.claimTasks(ctx)
		}
	}
}

// tick sends one heartbeat and reports whether the main loop should exit
// (fatal) and whether it is allowed to pull new tasks afterward.
func (m *Manager) tick(ctx context.Context, ipAddress string) (pullTasks, fatal bool, err error) {
	req := types.HeartbeatRequest{
		IPAddress: ipAddress,
		Running:   m.executor.Snapshot(),
	}

	var resp types.HeartbeatResponse
	_, fatalErr, reqErr := m.doJSON(ctx, http.MethodPost, "/v1/agent/heartbeat", req, &resp)
	if fatalErr {
		return false, true, reqErr
	}
	if reqErr != nil {
		m.mu.Lock()
		m.heartbeatFailures++
		failures := m.heartbeatFailures
		m.mu.Unlock()

		m.logger.Warn("heartbeat failed", zap.Error(reqErr), zap.Int("consecutive_failures", failures))
		if failures >= maxHeartbeatFailures {
			return false, true, fmt.Errorf("connection: %d consecutive heartbeat failures: %w", failures, reqErr)
		}
		return false, false, reqErr
	}

	m.mu.Lock()
	m.heartbeatFailures = 0
	m.mu.Unlock()

	return resp.PullTasks, false, nil
}

// claimTasks pulls up to maxClaimsPerTick tasks, deduplicating by task ID in
// case a claim is ever replayed, and submits each to the executor.
func (m *Manager) claimTasks(ctx context.Context) {
	seen := make(map[string]bool, maxClaimsPerTick)

	for i := 0; i < maxClaimsPerTick; i++ {
		var resp types.ClaimTaskResponse
		_, fatal, err := m.doJSON(ctx, http.MethodPost, "/v1/agent/tasks/claim", nil, &resp)
		if fatal {
			m.logger.Error("fatal agent protocol error during claim", zap.Error(err))
			return
		}
		if err != nil {
			m.logger.Warn("claim failed", zap.Error(err))
			return
		}
		if resp.Task == nil {
			return
		}
		if seen[resp.Task.ID] {
			return
		}
		seen[resp.Task.ID] = true

		m.logger.Info("task claimed", zap.String("task_id", resp.Task.ID), zap.String("type", string(resp.Task.Type)))
		m.executor.Submit(ctx, *resp.Task)
	}
}

// register performs the one-time POST /v1/agent/register call.
func (m *Manager) register(ctx context.Context, ipAddress, operatingSystem string) error {
	req := types.RegisterRequest{
		IPAddress:       ipAddress,
		OperatingSystem: operatingSystem,
	}
	_, _, err := m.doJSON(ctx, http.MethodPost, "/v1/agent/register", req, nil)
	return err
}

// TaskStarted implements executor.Reporter.
func (m *Manager) TaskStarted(ctx context.Context, taskID string, pid int) error {
	req := types.TaskStartedRequest{PID: pid}
	_, _, err := m.doJSON(ctx, http.MethodPost, "/v1/agent/tasks/"+taskID+"/started", req, nil)
	return err
}

// TaskResult implements executor.Reporter.
func (m *Manager) TaskResult(ctx context.Context, taskID string, status types.TaskStatus, result json.RawMessage, stderr string) error {
	req := types.TaskResultRequest{
		Status: status,
		Result: result,
		Stderr: stderr,
	}
	_, _, err := m.doJSON(ctx, http.MethodPost, "/v1/agent/tasks/"+taskID+"/result", req, nil)
	return err
}

// doJSON issues a single request against the manager, encoding body as JSON
// if non-nil and decoding the response into out if non-nil. fatal is true
// only when the manager responded 404 agent_not_found — the one agent
// protocol condition that should end the agent process outright, since it
// means the admin deleted or never created this agent's row.
func (m *Manager) doJSON(ctx context.Context, method, path string, body any, out any) (status int, fatal bool, err error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, false, fmt.Errorf("connection: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.cfg.ManagerURL+path, reader)
	if err != nil {
		return 0, false, fmt.Errorf("connection: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(types.HeaderAgentName, m.cfg.AgentName)
	req.Header.Set(types.HeaderAgentKey, m.cfg.AgentKey)
	req.Header.Set(types.HeaderAPIVersion, m.cfg.APIVersion)

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("connection: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, false, fmt.Errorf("connection: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var envelope types.ErrorEnvelope
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error == types.ErrAgentNotFound {
			return resp.StatusCode, true, fmt.Errorf("connection: %s %s: %s", method, path, envelope.Message)
		}
		return resp.StatusCode, false, fmt.Errorf("connection: %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, false, fmt.Errorf("connection: decode response: %w", err)
		}
	}

	return resp.StatusCode, false, nil
}
