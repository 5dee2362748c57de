package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ifperf/ifperf/manager/internal/metrics"
	"github.com/ifperf/ifperf/manager/internal/repository"
	"github.com/ifperf/ifperf/shared/types"
)

// AgentProtocolHandler groups the endpoints an agent calls against the
// manager: register, heartbeat, claim, started, result. Every route is
// gated by AgentAuth, which stores the resolved agent row in the request
// context via agentFromCtx.
type AgentProtocolHandler struct {
	agents           repository.AgentRepository
	tasks            repository.TaskRepository
	portReservations repository.PortReservationRepository
	idempotency      repository.IdempotencyRepository
	metrics          *metrics.Manager
	logger           *zap.Logger
}

// NewAgentProtocolHandler creates a new AgentProtocolHandler. metricsMgr may
// be nil, in which case claim metrics are skipped.
func NewAgentProtocolHandler(agents repository.AgentRepository, tasks repository.TaskRepository, portReservations repository.PortReservationRepository, idempotency repository.IdempotencyRepository, metricsMgr *metrics.Manager, logger *zap.Logger) *AgentProtocolHandler {
	return &AgentProtocolHandler{
		agents:           agents,
		tasks:            tasks,
		portReservations: portReservations,
		idempotency:      idempotency,
		metrics:          metricsMgr,
		logger:           logger.Named("agent_protocol_handler"),
	}
}

// Register handles POST /v1/agent/register. AgentAuth has already confirmed
// the agent row exists, is enabled, and the key matches — registering just
// refreshes its reported identity and marks it online.
func (h *AgentProtocolHandler) Register(w http.ResponseWriter, r *http.Request) {
	withIdempotency(h.idempotency, "register", h.logger, func(w http.ResponseWriter, r *http.Request) {
		var req types.RegisterRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		agent := agentFromCtx(r.Context())
		now := time.Now()
		agent.Status = string(types.AgentStatusOnline)
		agent.LastSeenIP = req.IPAddress
		agent.OperatingSystem = req.OperatingSystem
		agent.LastHeartbeatAt = &now

		if err := h.agents.Update(r.Context(), agent); err != nil {
			h.logger.Error("failed to persist agent registration", zap.String("agent", agent.Name), zap.Error(err))
			ErrInternal(w)
			return
		}

		Ok(w, map[string]any{"registered": true})
	})(w, r)
}

// Heartbeat handles POST /v1/agent/heartbeat.
func (h *AgentProtocolHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	withIdempotency(h.idempotency, "heartbeat", h.logger, func(w http.ResponseWriter, r *http.Request) {
		var req types.HeartbeatRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		agent := agentFromCtx(r.Context())
		now := time.Now()
		agent.Status = string(types.AgentStatusOnline)
		agent.LastSeenIP = req.IPAddress
		agent.LastHeartbeatAt = &now

		if err := h.agents.Update(r.Context(), agent); err != nil {
			h.logger.Error("failed to persist heartbeat", zap.String("agent", agent.Name), zap.Error(err))
			ErrInternal(w)
			return
		}

		Ok(w, types.HeartbeatResponse{PullTasks: true})
	})(w, r)
}

// ClaimTask handles POST /v1/agent/tasks/claim. Not wrapped in
// withIdempotency: a replayed claim would hand back a task the agent may
// have already moved past, which is worse than the at-most-once semantics
// the rest of the protocol accepts for this one endpoint.
func (h *AgentProtocolHandler) ClaimTask(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	start := time.Now()

	task, err := h.tasks.ClaimNext(r.Context(), agent.ID, time.Now())
	if h.metrics != nil {
		h.metrics.ClaimLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		h.logger.Error("claim failed", zap.String("agent", agent.Name), zap.Error(err))
		if h.metrics != nil {
			h.metrics.ClaimsTotal.WithLabelValues("error").Inc()
		}
		ErrClaimFailed(w)
		return
	}
	if task == nil {
		if h.metrics != nil {
			h.metrics.ClaimsTotal.WithLabelValues("empty").Inc()
		}
		Ok(w, types.ClaimTaskResponse{Task: nil})
		return
	}

	if h.metrics != nil {
		h.metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
	}
	Ok(w, types.ClaimTaskResponse{Task: &types.ClaimedTask{
		ID:      task.ID.String(),
		Type:    types.TaskType(task.Type),
		Payload: json.RawMessage(task.Payload),
	}})
}

// TaskStarted handles POST /v1/agent/tasks/{id}/started.
func (h *AgentProtocolHandler) TaskStarted(w http.ResponseWriter, r *http.Request) {
	withIdempotency(h.idempotency, "tasks.started", h.logger, func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUID(w, r, "id")
		if !ok {
			return
		}

		var req types.TaskStartedRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		task, err := h.tasks.MarkStarted(r.Context(), id, req.PID, time.Now())
		if err != nil {
			switch {
			case errors.Is(err, repository.ErrNotFound):
				ErrNotFound(w, types.ErrTaskNotFound, "task not found")
			case errors.Is(err, repository.ErrConflict):
				ErrConflict(w, types.ErrInvalidTaskState, "task is not in accepted status")
			default:
				h.logger.Error("failed to mark task started", zap.String("id", id.String()), zap.Error(err))
				ErrInternal(w)
			}
			return
		}

		Ok(w, taskToResponse(task))
	})(w, r)
}

// TaskResult handles POST /v1/agent/tasks/{id}/result. If the task is an
// iperf_server_start reaching a terminal status, its port reservation is
// released inline rather than waiting for the next reservation sweep.
func (h *AgentProtocolHandler) TaskResult(w http.ResponseWriter, r *http.Request) {
	withIdempotency(h.idempotency, "tasks.result", h.logger, func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUID(w, r, "id")
		if !ok {
			return
		}

		var req types.TaskResultRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		now := time.Now()
		task, err := h.tasks.SubmitResult(r.Context(), id, string(req.Status), string(req.Result), req.Stderr, now)
		if err != nil {
			switch {
			case errors.Is(err, repository.ErrNotFound):
				ErrNotFound(w, types.ErrTaskNotFound, "task not found")
			case errors.Is(err, repository.ErrConflict):
				ErrConflict(w, types.ErrTaskAlreadyTerminal, "task is already in a terminal status")
			default:
				h.logger.Error("failed to submit task result", zap.String("id", id.String()), zap.Error(err))
				ErrInternal(w)
			}
			return
		}

		if task.Type == string(types.TaskTypeIperfServerStart) && types.TaskStatus(task.Status).Terminal() {
			if err := h.portReservations.ReleaseByTaskID(r.Context(), task.ID, now); err != nil {
				h.logger.Error("failed to release port reservation", zap.String("task_id", task.ID.String()), zap.Error(err))
			}
		}

		Ok(w, taskToResponse(task))
	})(w, r)
}
