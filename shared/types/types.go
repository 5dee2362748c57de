// Package types defines the wire vocabulary shared by the manager and the
// agent. The two no longer share compiled RPC stubs, so this package stays
// deliberately thin: enums and payload shapes both sides must agree on when
// exchanging JSON over HTTP.
package types

import "encoding/json"

// ─── Agent ───────────────────────────────────────────────────────────────────

// AgentStatus reflects whether the offline sweeper currently considers an
// agent reachable.
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
)

// ─── Task ────────────────────────────────────────────────────────────────────

// TaskStatus is the lifecycle state of a single task row.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAccepted  TaskStatus = "accepted"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusTimedOut  TaskStatus = "timed_out"
	TaskStatusCanceled  TaskStatus = "canceled"
)

// Terminal reports whether a status never transitions further.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusTimedOut, TaskStatusCanceled:
		return true
	default:
		return false
	}
}

// TaskType identifies which iperf3 invocation shape a task's payload holds.
type TaskType string

const (
	TaskTypeIperfServerStart TaskType = "iperf_server_start"
	TaskTypeIperfClientRun   TaskType = "iperf_client_run"
	TaskTypeKillAll          TaskType = "kill_all"
)

// ServerTaskPayload is the payload of an iperf_server_start task.
type ServerTaskPayload struct {
	Port int  `json:"port"`
	UDP  bool `json:"udp"`
}

// ClientTaskPayload is the payload of an iperf_client_run task.
type ClientTaskPayload struct {
	ServerIP           string `json:"server_ip"`
	Port               int    `json:"port"`
	UDP                bool   `json:"udp"`
	Parallel           int    `json:"parallel"`
	Time               int    `json:"time"`
	ClientDelaySeconds int    `json:"client_delay_seconds"`
	MaxRetries         int    `json:"max_retries"`
	RetryDelaySeconds  int    `json:"retry_delay_seconds"`
}

// ─── Agent protocol wire shapes ──────────────────────────────────────────────

// RegisterRequest is the body an agent POSTs to /v1/agent/register.
// Agent identity travels in the X-AGENT-NAME / X-AGENT-KEY headers, not here.
type RegisterRequest struct {
	IPAddress       string `json:"ip_address"`
	OperatingSystem string `json:"operating_system"`
}

// RunningProcess is one entry of a heartbeat's "running" snapshot — the
// agent's self-reported view of its own running-processes table.
type RunningProcess struct {
	Type TaskType `json:"type"`
	Port int      `json:"port,omitempty"`
	PID  int      `json:"pid"`
}

// HeartbeatRequest is the body an agent POSTs to /v1/agent/heartbeat.
type HeartbeatRequest struct {
	IPAddress string           `json:"ip_address"`
	Running   []RunningProcess `json:"running"`
}

// HeartbeatResponse answers POST /v1/agent/heartbeat. PullTasks is always
// true; it carries no backpressure semantics in this implementation.
type HeartbeatResponse struct {
	PullTasks bool `json:"pull_tasks"`
}

// ClaimedTask is the "task" field of a claim-task response when a task was
// available to hand out.
type ClaimedTask struct {
	ID      string          `json:"id"`
	Type    TaskType        `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ClaimTaskResponse answers POST /v1/agent/tasks/claim. Task is nil when no
// pending task was available for this agent.
type ClaimTaskResponse struct {
	Task *ClaimedTask `json:"task"`
}

// TaskStartedRequest reports that a claimed task's subprocess has spawned.
type TaskStartedRequest struct {
	PID int `json:"pid,omitempty"`
}

// TaskResultRequest reports a task's terminal outcome, or a late
// timed_out/running update for a long-lived server task.
type TaskResultRequest struct {
	Status   TaskStatus      `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Stderr   string          `json:"stderr,omitempty"`
	ExitCode int             `json:"exit_code,omitempty"`
}

// ErrorEnvelope is the flat shape returned on every non-2xx response, on
// both the admin surface and the agent protocol.
type ErrorEnvelope struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error-kind vocabulary: the literal values ErrorEnvelope.Error takes.
const (
	ErrMissingAgentHeaders     = "missing_agent_headers"
	ErrInvalidAgentKey         = "invalid_agent_key"
	ErrAgentNotFound           = "agent_not_found"
	ErrDuplicateAgentName      = "duplicate_agent_name"
	ErrDuplicateExerciseName   = "duplicate_exercise_name"
	ErrExerciseNotFound        = "exercise_not_found"
	ErrTaskNotFound            = "task_not_found"
	ErrInvalidTaskState        = "invalid_task_state"
	ErrTaskAlreadyTerminal     = "task_already_terminal"
	ErrPortReservationConflict = "port_reservation_conflict"
	ErrMissingVersionHeader    = "missing_version_header"
	ErrUnsupportedVersion      = "unsupported_version"
	ErrInvalidVersionFormat    = "invalid_version_format"
	ErrClaimFailed             = "claim_failed"
	ErrBadRequest              = "bad_request"
	ErrUnauthorized            = "unauthorized"
	ErrInternal                = "internal"
)

// Agent protocol headers and the one supported API version.
const (
	HeaderAgentName     = "X-AGENT-NAME"
	HeaderAgentKey      = "X-AGENT-KEY"
	HeaderAPIVersion    = "X-API-VERSION"
	SupportedAPIVersion = "1"
)

// ─── Pagination ──────────────────────────────────────────────────────────────

// Page holds pagination parameters for list queries.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// PagedResult wraps a list result with a total count for pagination.
type PagedResult[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  Page  `json:"page"`
}
