package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ifperf/ifperf/manager/internal/db"
	"github.com/ifperf/ifperf/manager/internal/repository"
	"github.com/ifperf/ifperf/shared/types"
)

// ExerciseHandler groups the admin-surface exercise/test handlers.
type ExerciseHandler struct {
	repo   repository.ExerciseRepository
	agents repository.AgentRepository
	tasks  repository.TaskRepository
	logger *zap.Logger
}

// NewExerciseHandler creates a new ExerciseHandler.
func NewExerciseHandler(repo repository.ExerciseRepository, agents repository.AgentRepository, tasks repository.TaskRepository, logger *zap.Logger) *ExerciseHandler {
	return &ExerciseHandler{
		repo:   repo,
		agents: agents,
		tasks:  tasks,
		logger: logger.Named("exercise_handler"),
	}
}

type exerciseResponse struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	DefaultDurationSec int     `json:"default_duration_sec"`
	Notes              string  `json:"notes"`
	StartedAt          *string `json:"started_at"`
	EndedAt            *string `json:"ended_at"`
	CreatedAt          string  `json:"created_at"`
}

func exerciseToResponse(e *db.Exercise) exerciseResponse {
	resp := exerciseResponse{
		ID:                 e.ID.String(),
		Name:               e.Name,
		DefaultDurationSec: e.DefaultDurationSec,
		Notes:              e.Notes,
		CreatedAt:          e.CreatedAt.UTC().Format(time.RFC3339),
	}
	if e.StartedAt != nil {
		s := e.StartedAt.UTC().Format(time.RFC3339)
		resp.StartedAt = &s
	}
	if e.EndedAt != nil {
		s := e.EndedAt.UTC().Format(time.RFC3339)
		resp.EndedAt = &s
	}
	return resp
}

type testResponse struct {
	ID            string `json:"id"`
	ExerciseID    string `json:"exercise_id"`
	ServerAgentID string `json:"server_agent_id"`
	ClientAgentID string `json:"client_agent_id"`
	ServerPort    int    `json:"server_port"`
	UDP           bool   `json:"udp"`
	Parallel      int    `json:"parallel"`
	DurationSec   int    `json:"duration_sec"`
	ServerTaskID  string `json:"server_task_id"`
	ClientTaskID  string `json:"client_task_id"`
}

func testToResponse(t *db.Test) testResponse {
	return testResponse{
		ID:            t.ID.String(),
		ExerciseID:    t.ExerciseID.String(),
		ServerAgentID: t.ServerAgentID.String(),
		ClientAgentID: t.ClientAgentID.String(),
		ServerPort:    t.ServerPort,
		UDP:           t.UDP,
		Parallel:      t.Parallel,
		DurationSec:   t.DurationSec,
		ServerTaskID:  t.ServerTaskID.String(),
		ClientTaskID:  t.ClientTaskID.String(),
	}
}

type exerciseWithTestsResponse struct {
	exerciseResponse
	Tests []testResponse `json:"tests"`
}

type listExercisesResponse struct {
	Items []exerciseResponse `json:"items"`
	Total int64              `json:"total"`
}

// List handles GET /v1/exercises.
func (h *ExerciseHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	exercises, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list exercises", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]exerciseResponse, len(exercises))
	for i := range exercises {
		items[i] = exerciseToResponse(&exercises[i])
	}

	Ok(w, listExercisesResponse{Items: items, Total: total})
}

// createExerciseRequest is the JSON body expected by POST /v1/exercises.
type createExerciseRequest struct {
	Name               string `json:"name"`
	DefaultDurationSec int    `json:"default_duration_sec"`
	Notes              string `json:"notes"`
}

// Create handles POST /v1/exercises.
func (h *ExerciseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createExerciseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Name == "" {
		ErrBadRequest(w, types.ErrBadRequest, "name is required")
		return
	}
	if req.DefaultDurationSec <= 0 {
		ErrBadRequest(w, types.ErrBadRequest, "default_duration_sec must be positive")
		return
	}

	exercise := &db.Exercise{
		Name:               req.Name,
		DefaultDurationSec: req.DefaultDurationSec,
		Notes:              req.Notes,
	}

	if err := h.repo.Create(r.Context(), exercise); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			ErrConflict(w, types.ErrDuplicateExerciseName, "an exercise with this name already exists")
			return
		}
		h.logger.Error("failed to create exercise", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, exerciseToResponse(exercise))
}

// GetByID handles GET /v1/exercises/{id}, returning the exercise with its tests.
func (h *ExerciseHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	exercise, err := h.repo.GetWithTests(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w, types.ErrExerciseNotFound, "exercise not found")
			return
		}
		h.logger.Error("failed to get exercise", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	tests := make([]testResponse, len(exercise.Tests))
	for i := range exercise.Tests {
		tests[i] = testToResponse(&exercise.Tests[i])
	}

	Ok(w, exerciseWithTestsResponse{
		exerciseResponse: exerciseToResponse(exercise),
		Tests:            tests,
	})
}

// addTestRequest is the JSON body expected by POST /v1/exercises/{id}/tests.
type addTestRequest struct {
	ServerAgentID string `json:"server_agent_id"`
	ClientAgentID string `json:"client_agent_id"`
	ServerPort    int    `json:"server_port"`
	UDP           bool   `json:"udp"`
	Parallel      int    `json:"parallel"`
	DurationSec   int    `json:"duration_sec"`
}

// AddTest handles POST /v1/exercises/{id}/tests. Validates both agents
// exist, reserves the (server_agent, server_port) pair, and creates the
// server/client tasks in status queued — all four writes happen atomically
// in the repository layer.
func (h *ExerciseHandler) AddTest(w http.ResponseWriter, r *http.Request) {
	exerciseID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req addTestRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.ServerPort <= 0 || req.ServerPort > 65535 {
		ErrBadRequest(w, types.ErrBadRequest, "server_port must be a valid TCP/UDP port")
		return
	}
	if req.Parallel <= 0 {
		req.Parallel = 1
	}
	if req.Parallel > 32 {
		ErrBadRequest(w, types.ErrBadRequest, "parallel must be between 1 and 32")
		return
	}

	serverAgentID, err := uuid.Parse(req.ServerAgentID)
	if err != nil {
		ErrBadRequest(w, types.ErrBadRequest, "invalid server_agent_id")
		return
	}
	clientAgentID, err := uuid.Parse(req.ClientAgentID)
	if err != nil {
		ErrBadRequest(w, types.ErrBadRequest, "invalid client_agent_id")
		return
	}

	exercise, err := h.repo.GetByID(r.Context(), exerciseID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w, types.ErrExerciseNotFound, "exercise not found")
			return
		}
		h.logger.Error("failed to get exercise", zap.Error(err))
		ErrInternal(w)
		return
	}

	serverAgent, err := h.agents.GetByID(r.Context(), serverAgentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w, types.ErrAgentNotFound, "server agent not found")
			return
		}
		h.logger.Error("failed to get server agent", zap.Error(err))
		ErrInternal(w)
		return
	}
	if _, err := h.agents.GetByID(r.Context(), clientAgentID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w, types.ErrAgentNotFound, "client agent not found")
			return
		}
		h.logger.Error("failed to get client agent", zap.Error(err))
		ErrInternal(w)
		return
	}

	durationSec := req.DurationSec
	if durationSec <= 0 {
		durationSec = exercise.DefaultDurationSec
	}

	serverIP := serverAgent.LastSeenIP
	if serverIP == "" {
		serverIP = "127.0.0.1"
	}

	serverPayload, err := json.Marshal(types.ServerTaskPayload{Port: req.ServerPort, UDP: req.UDP})
	if err != nil {
		h.logger.Error("failed to marshal server payload", zap.Error(err))
		ErrInternal(w)
		return
	}
	clientPayload, err := json.Marshal(types.ClientTaskPayload{
		ServerIP:           serverIP,
		Port:               req.ServerPort,
		UDP:                req.UDP,
		Parallel:           req.Parallel,
		Time:               durationSec,
		ClientDelaySeconds: 2,
		MaxRetries:         3,
		RetryDelaySeconds:  2,
	})
	if err != nil {
		h.logger.Error("failed to marshal client payload", zap.Error(err))
		ErrInternal(w)
		return
	}

	test := &db.Test{
		ExerciseID:    exerciseID,
		ServerAgentID: serverAgentID,
		ClientAgentID: clientAgentID,
		ServerPort:    req.ServerPort,
		UDP:           req.UDP,
		Parallel:      req.Parallel,
		DurationSec:   durationSec,
	}
	serverTask := &db.Task{
		Type:    string(types.TaskTypeIperfServerStart),
		AgentID: serverAgentID,
		Payload: string(serverPayload),
		Status:  "queued",
	}
	clientTask := &db.Task{
		Type:    string(types.TaskTypeIperfClientRun),
		AgentID: clientAgentID,
		Payload: string(clientPayload),
		Status:  "queued",
	}

	if err := h.repo.CreateTestWithTasks(r.Context(), test, serverTask, clientTask); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			ErrConflict(w, types.ErrPortReservationConflict, "server agent/port pair is already reserved")
			return
		}
		h.logger.Error("failed to create test", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, testToResponse(test))
}

// Start handles POST /v1/exercises/{id}/start.
func (h *ExerciseHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.StartExercise(r.Context(), id, time.Now()); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			ErrConflict(w, types.ErrInvalidTaskState, "exercise already started")
			return
		}
		h.logger.Error("failed to start exercise", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// Stop handles POST /v1/exercises/{id}/stop. Stopping an exercise releases
// its live port reservations and enqueues a kill_all task for every agent
// the exercise touched.
func (h *ExerciseHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	agentIDs, err := h.repo.StopExercise(r.Context(), id, time.Now())
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			ErrConflict(w, types.ErrInvalidTaskState, "exercise already ended")
			return
		}
		h.logger.Error("failed to stop exercise", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if h.tasks != nil && len(agentIDs) > 0 {
		if err := h.tasks.EnqueueKillAll(r.Context(), agentIDs); err != nil {
			h.logger.Error("failed to enqueue kill_all tasks", zap.String("id", id.String()), zap.Error(err))
		}
	}

	NoContent(w)
}

// testResult is one row of GET /v1/exercises/{id}/results.
type testResult struct {
	TestID           string   `json:"test_id"`
	Status           string   `json:"status"`
	BitsPerSecond    *float64 `json:"bits_per_second,omitempty"`
	Retransmits      *int64   `json:"retransmits,omitempty"`
	JitterMs         *float64 `json:"jitter_ms,omitempty"`
	LostPercent      *float64 `json:"lost_percent,omitempty"`
}

type resultsResponse struct {
	ExerciseID    string       `json:"exercise_id"`
	Tests         []testResult `json:"tests"`
	AverageBps    *float64     `json:"average_bits_per_second,omitempty"`
}

// iperfSum is the subset of an iperf3 JSON summary this projection reads.
type iperfSum struct {
	BitsPerSecond float64 `json:"bits_per_second"`
	Retransmits   int64   `json:"retransmits"`
	JitterMs      float64 `json:"jitter_ms"`
	LostPercent   float64 `json:"lost_percent"`
}

type iperfEnd struct {
	SumSent iperfSum `json:"sum_sent"`
	Sum     iperfSum `json:"sum"`
}

type iperfReport struct {
	End iperfEnd `json:"end"`
}

// Results handles GET /v1/exercises/{id}/results. Per test, the projected
// status comes from the client task; a succeeded task's stored JSON is
// parsed for throughput/retransmit/jitter/loss. The aggregate is the
// arithmetic mean of bits_per_second across succeeded tests.
func (h *ExerciseHandler) Results(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	exercise, err := h.repo.GetWithTests(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w, types.ErrExerciseNotFound, "exercise not found")
			return
		}
		h.logger.Error("failed to get exercise", zap.Error(err))
		ErrInternal(w)
		return
	}

	var results []testResult
	var sum float64
	var succeeded int

	for _, t := range exercise.Tests {
		clientTaskID, err := uuid.Parse(t.ClientTaskID.String())
		if err != nil {
			continue
		}
		clientTask, err := h.tasks.GetByID(r.Context(), clientTaskID)
		if err != nil {
			h.logger.Warn("failed to load client task for results", zap.String("test_id", t.ID.String()), zap.Error(err))
			continue
		}

		row := testResult{TestID: t.ID.String(), Status: clientTask.Status}
		if clientTask.Status == "succeeded" && clientTask.Result != "" {
			var report iperfReport
			if err := json.Unmarshal([]byte(clientTask.Result), &report); err == nil {
				bps := report.End.SumSent.BitsPerSecond
				retr := report.End.SumSent.Retransmits
				jitter := report.End.Sum.JitterMs
				lost := report.End.Sum.LostPercent
				row.BitsPerSecond = &bps
				row.Retransmits = &retr
				row.JitterMs = &jitter
				row.LostPercent = &lost
				sum += bps
				succeeded++
			}
		}
		results = append(results, row)
	}

	resp := resultsResponse{ExerciseID: id.String(), Tests: results}
	if succeeded > 0 {
		avg := sum / float64(succeeded)
		resp.AverageBps = &avg
	}

	Ok(w, resp)
}
