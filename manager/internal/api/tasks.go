package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ifperf/ifperf/manager/internal/db"
	"github.com/ifperf/ifperf/manager/internal/repository"
	"github.com/ifperf/ifperf/shared/types"
)

// TaskHandler groups the admin-surface task and port-reservation handlers.
type TaskHandler struct {
	tasks            repository.TaskRepository
	portReservations repository.PortReservationRepository
	logger           *zap.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(tasks repository.TaskRepository, portReservations repository.PortReservationRepository, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		tasks:            tasks,
		portReservations: portReservations,
		logger:           logger.Named("task_handler"),
	}
}

type taskResponse struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	AgentID    string  `json:"agent_id"`
	Payload    string  `json:"payload"`
	Status     string  `json:"status"`
	AcceptedAt *string `json:"accepted_at"`
	StartedAt  *string `json:"started_at"`
	FinishedAt *string `json:"finished_at"`
	Result     string  `json:"result"`
	Error      string  `json:"error"`
	CreatedAt  string  `json:"created_at"`
}

func taskToResponse(t *db.Task) taskResponse {
	resp := taskResponse{
		ID:        t.ID.String(),
		Type:      t.Type,
		AgentID:   t.AgentID.String(),
		Payload:   t.Payload,
		Status:    t.Status,
		Result:    t.Result,
		Error:     t.Error,
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
	}
	if t.AcceptedAt != nil {
		s := t.AcceptedAt.UTC().Format(time.RFC3339)
		resp.AcceptedAt = &s
	}
	if t.StartedAt != nil {
		s := t.StartedAt.UTC().Format(time.RFC3339)
		resp.StartedAt = &s
	}
	if t.FinishedAt != nil {
		s := t.FinishedAt.UTC().Format(time.RFC3339)
		resp.FinishedAt = &s
	}
	return resp
}

type listTasksResponse struct {
	Items []taskResponse `json:"items"`
	Total int64          `json:"total"`
}

// List handles GET /v1/tasks.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	tasks, total, err := h.tasks.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list tasks", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]taskResponse, len(tasks))
	for i := range tasks {
		items[i] = taskToResponse(&tasks[i])
	}

	Ok(w, listTasksResponse{Items: items, Total: total})
}

// GetByID handles GET /v1/tasks/{id}.
func (h *TaskHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	task, err := h.tasks.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w, types.ErrTaskNotFound, "task not found")
			return
		}
		h.logger.Error("failed to get task", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, taskToResponse(task))
}

// Cancel handles POST /v1/tasks/{id}/cancel.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	task, err := h.tasks.Cancel(r.Context(), id, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			ErrNotFound(w, types.ErrTaskNotFound, "task not found")
		case errors.Is(err, repository.ErrConflict):
			ErrConflict(w, types.ErrTaskAlreadyTerminal, "task is already in a terminal status")
		default:
			h.logger.Error("failed to cancel task", zap.String("id", id.String()), zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	Ok(w, taskToResponse(task))
}

type portReservationResponse struct {
	ID         string  `json:"id"`
	AgentID    string  `json:"agent_id"`
	Port       int     `json:"port"`
	TaskID     string  `json:"task_id"`
	ReleasedAt *string `json:"released_at"`
	CreatedAt  string  `json:"created_at"`
}

type listPortReservationsResponse struct {
	Items []portReservationResponse `json:"items"`
	Total int64                     `json:"total"`
}

// ListPortReservations handles GET /v1/tasks/ports/reservations.
func (h *TaskHandler) ListPortReservations(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	reservations, total, err := h.portReservations.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list port reservations", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]portReservationResponse, len(reservations))
	for i, res := range reservations {
		item := portReservationResponse{
			ID:        res.ID.String(),
			AgentID:   res.AgentID.String(),
			Port:      res.Port,
			TaskID:    res.TaskID.String(),
			CreatedAt: res.CreatedAt.UTC().Format(time.RFC3339),
		}
		if res.ReleasedAt != nil {
			s := res.ReleasedAt.UTC().Format(time.RFC3339)
			item.ReleasedAt = &s
		}
		items[i] = item
	}

	Ok(w, listPortReservationsResponse{Items: items, Total: total})
}
