// Package executor runs the agent's claimed tasks. It sits between the
// connection manager (which claims tasks from the manager over HTTP) and the
// iperf wrapper (which does the actual work).
//
// Unlike a backup agent running one restic process at a time, an iperf
// agent's whole job is to have many iperf3 processes in flight at once — a
// server task sits idle for the lifetime of an exercise while client tasks
// against other agents come and go. The executor therefore runs one goroutine
// per task rather than draining a single queue, bounded only by how many
// tasks the manager has handed this agent. A running-processes table tracks
// every live iperf3 child so a kill_all task can terminate them all and the
// heartbeat loop can report them back to the manager.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ifperf/ifperf/agent/internal/iperf"
	"github.com/ifperf/ifperf/shared/types"
)

// killGrace is how long a killed child is given to exit on its own before
// the executor force-kills it.
const killGrace = 5 * time.Second

// Reporter sends task lifecycle updates back to the manager. Implemented by
// the connection manager.
type Reporter interface {
	TaskStarted(ctx context.Context, taskID string, pid int) error
	TaskResult(ctx context.Context, taskID string, status types.TaskStatus, result json.RawMessage, stderr string) error
}

// runningEntry is one row of the running-processes table.
type runningEntry struct {
	taskID     string
	taskType   types.TaskType
	pid        int
	port       int
	proc       *os.Process
	outputFile string
}

// Executor tracks and runs the agent's claimed tasks.
type Executor struct {
	wrapper  *iperf.Wrapper
	reporter Reporter
	logger   *zap.Logger

	mu      sync.Mutex
	running map[string]*runningEntry

	wg sync.WaitGroup
}

// New creates an Executor.
func New(wrapper *iperf.Wrapper, reporter Reporter, logger *zap.Logger) *Executor {
	return &Executor{
		wrapper:  wrapper,
		reporter: reporter,
		logger:   logger.Named("executor"),
		running:  make(map[string]*runningEntry),
	}
}

// Submit starts a goroutine to run the given claimed task to completion.
// Returns immediately — call Wait during shutdown to let in-flight tasks
// finish.
func (e *Executor) Submit(ctx context.Context, task types.ClaimedTask) {
	if _, err := uuid.Parse(task.ID); err != nil {
		e.logger.Error("claimed task has malformed id, dropping", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		switch task.Type {
		case types.TaskTypeIperfServerStart:
			e.runServerStart(ctx, task)
		case types.TaskTypeIperfClientRun:
			e.runClientRun(ctx, task)
		case types.TaskTypeKillAll:
			e.runKillAll(ctx, task)
		default:
			e.logger.Error("unknown task type", zap.String("task_id", task.ID), zap.String("type", string(task.Type)))
			e.reportResult(ctx, task.ID, types.TaskStatusFailed, nil, fmt.Sprintf("unknown task type %q", task.Type))
		}
	}()
}

// Wait blocks until every submitted task has returned.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Snapshot returns the agent's self-reported view of its running-processes
// table, for inclusion in the next heartbeat.
func (e *Executor) Snapshot() []types.RunningProcess {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]types.RunningProcess, 0, len(e.running))
	for _, entry := range e.running {
		out = append(out, types.RunningProcess{
			Type: entry.taskType,
			Port: entry.port,
			PID:  entry.pid,
		})
	}
	return out
}

// runServerStart spawns an iperf3 server, records it in the running-processes
// table, and reports started/succeeded immediately — a server task's real
// lifetime ends only when a later kill_all task tears it down.
func (e *Executor) runServerStart(ctx context.Context, task types.ClaimedTask) {
	var payload types.ServerTaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		e.reportResult(ctx, task.ID, types.TaskStatusFailed, nil, fmt.Sprintf("invalid server task payload: %v", err))
		return
	}

	proc, err := e.wrapper.StartServer(payload.Port, payload.UDP)
	if err != nil {
		e.reportResult(ctx, task.ID, types.TaskStatusFailed, nil, err.Error())
		return
	}

	e.mu.Lock()
	e.running[task.ID] = &runningEntry{
		taskID:     task.ID,
		taskType:   types.TaskTypeIperfServerStart,
		pid:        proc.PID,
		port:       payload.Port,
		proc:       proc.Cmd.Process,
		outputFile: proc.OutputFile,
	}
	e.mu.Unlock()

	e.logger.Info("server started", zap.String("task_id", task.ID), zap.Int("port", payload.Port), zap.Int("pid", proc.PID))

	if err := e.reporter.TaskStarted(ctx, task.ID, proc.PID); err != nil {
		e.logger.Warn("failed to report task started", zap.String("task_id", task.ID), zap.Error(err))
	}
	e.reportResult(ctx, task.ID, types.TaskStatusSucceeded, nil, "")
}

// runClientRun runs an iperf3 client to completion, with the payload's
// configured initial delay and retry ladder, and submits the final result.
func (e *Executor) runClientRun(ctx context.Context, task types.ClaimedTask) {
	var payload types.ClientTaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		e.reportResult(ctx, task.ID, types.TaskStatusFailed, nil, fmt.Sprintf("invalid client task payload: %v", err))
		return
	}

	if err := e.reporter.TaskStarted(ctx, task.ID, 0); err != nil {
		e.logger.Warn("failed to report task started", zap.String("task_id", task.ID), zap.Error(err))
	}

	delay := time.Duration(payload.ClientDelaySeconds) * time.Second
	if payload.ClientDelaySeconds == 0 {
		delay = 3 * time.Second
	}
	retryDelay := time.Duration(payload.RetryDelaySeconds) * time.Second
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	e.logger.Info("client run starting",
		zap.String("task_id", task.ID),
		zap.String("server_ip", payload.ServerIP),
		zap.Int("port", payload.Port),
	)

	result, err := e.wrapper.RunClient(ctx, payload.ServerIP, payload.Port, payload.Parallel, payload.Time, payload.UDP, delay, payload.MaxRetries, retryDelay)
	if err != nil {
		combined := ""
		if result != nil {
			combined = result.Combined
		}
		e.logger.Error("client run failed", zap.String("task_id", task.ID), zap.Error(err))
		e.reportResult(ctx, task.ID, types.TaskStatusFailed, nil, combined)
		return
	}

	e.logger.Info("client run succeeded", zap.String("task_id", task.ID))
	e.reportResult(ctx, task.ID, types.TaskStatusSucceeded, result.Output, "")
}

// runKillAll terminates every process in the running-processes table. Server
// children have their accumulated output captured after termination; the
// other task types simply exit. The table is cleared unconditionally once
// every termination has been attempted.
func (e *Executor) runKillAll(ctx context.Context, task types.ClaimedTask) {
	if err := e.reporter.TaskStarted(ctx, task.ID, 0); err != nil {
		e.logger.Warn("failed to report task started", zap.String("task_id", task.ID), zap.Error(err))
	}

	killed := e.killRunning(ctx)

	e.logger.Info("kill_all completed", zap.String("task_id", task.ID), zap.Int("killed", killed))
	killResult, _ := json.Marshal(map[string]int{"killed": killed})
	e.reportResult(ctx, task.ID, types.TaskStatusSucceeded, killResult, "")
}

// Shutdown terminates every tracked process and waits for outstanding task
// goroutines to return. Used on agent shutdown rather than in response to a
// kill_all task — there is no task ID to report a final result against.
func (e *Executor) Shutdown(ctx context.Context) {
	e.killRunning(ctx)
	e.wg.Wait()
}

// killRunning empties the running-processes table, terminating every entry
// and capturing server output where applicable, and returns how many entries
// were processed.
func (e *Executor) killRunning(ctx context.Context) int {
	e.mu.Lock()
	entries := make([]*runningEntry, 0, len(e.running))
	for _, entry := range e.running {
		entries = append(entries, entry)
	}
	e.running = make(map[string]*runningEntry)
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(entry *runningEntry) {
			defer wg.Done()
			if err := iperf.Kill(entry.proc, killGrace); err != nil {
				e.logger.Warn("failed to kill process", zap.String("task_id", entry.taskID), zap.Int("pid", entry.pid), zap.Error(err))
			}

			if entry.taskType != types.TaskTypeIperfServerStart {
				return
			}
			output := iperf.CaptureServerResult(entry.outputFile)
			e.reportResult(ctx, entry.taskID, types.TaskStatusSucceeded, output, "")
		}(entry)
	}
	wg.Wait()

	return len(entries)
}

func (e *Executor) reportResult(ctx context.Context, taskID string, status types.TaskStatus, result json.RawMessage, stderr string) {
	if err := e.reporter.TaskResult(ctx, taskID, status, result, stderr); err != nil {
		e.logger.Error("failed to report task result", zap.String("task_id", taskID), zap.String("status", string(status)), zap.Error(err))
	}
}
