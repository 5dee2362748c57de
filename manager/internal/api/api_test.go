package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm"

	"github.com/ifperf/ifperf/manager/internal/auth"
	"github.com/ifperf/ifperf/manager/internal/db"
	"github.com/ifperf/ifperf/manager/internal/repository"
	"github.com/ifperf/ifperf/shared/types"
)

var encryptionOnce sync.Once

func newTestRouter(t *testing.T) (http.Handler, *gorm.DB, *auth.AuthService) {
	t.Helper()

	encryptionOnce.Do(func() {
		require.NoError(t, db.InitEncryption([]byte("01234567890123456789012345678901")))
	})

	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop(), LogLevel: gormlogger.Silent})
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte("adminpass"), bcrypt.MinCost)
	require.NoError(t, err)
	jwtMgr, err := auth.NewJWTManagerGenerated("ifperf-manager-test")
	require.NoError(t, err)
	authSvc := auth.NewAuthService("admin", hash, jwtMgr)

	router := NewRouter(RouterConfig{
		AuthService:      authSvc,
		Logger:           zap.NewNop(),
		Agents:           repository.NewAgentRepository(gdb),
		Exercises:        repository.NewExerciseRepository(gdb),
		Tasks:            repository.NewTaskRepository(gdb),
		PortReservations: repository.NewPortReservationRepository(gdb),
		Idempotency:      repository.NewIdempotencyRepository(gdb),
		Metrics:          nil,
	})
	return router, gdb, authSvc
}

func newRegisteredAgent(t *testing.T, gdb *gorm.DB, name, key string) *db.Agent {
	t.Helper()
	agent := &db.Agent{Name: name, RegistrationKey: db.EncryptedString(key), Enabled: true, Status: "offline"}
	require.NoError(t, repository.NewAgentRepository(gdb).Create(context.Background(), agent))
	return agent
}

func doRequest(t *testing.T, router http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func agentHeaders(name, key string) map[string]string {
	return map[string]string{
		types.HeaderAgentName:  name,
		types.HeaderAgentKey:   key,
		types.HeaderAPIVersion: types.SupportedAPIVersion,
	}
}

func TestAgentProtocol_RegisterAndHeartbeat(t *testing.T) {
	router, gdb, _ := newTestRouter(t)
	newRegisteredAgent(t, gdb, "agent-1", "secret-1")

	rec := doRequest(t, router, http.MethodPost, "/v1/agent/register",
		types.RegisterRequest{IPAddress: "10.0.0.5", OperatingSystem: "linux"},
		agentHeaders("agent-1", "secret-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/v1/agent/heartbeat",
		types.HeartbeatRequest{IPAddress: "10.0.0.5"},
		agentHeaders("agent-1", "secret-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.HeartbeatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.PullTasks)
}

func TestAgentProtocol_UnknownAgentReturns404AgentNotFound(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/v1/agent/heartbeat",
		types.HeartbeatRequest{}, agentHeaders("ghost", "whatever"))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var envelope types.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, types.ErrAgentNotFound, envelope.Error)
}

func TestAgentProtocol_WrongKeyReturns401(t *testing.T) {
	router, gdb, _ := newTestRouter(t)
	newRegisteredAgent(t, gdb, "agent-2", "right-key")

	rec := doRequest(t, router, http.MethodPost, "/v1/agent/heartbeat",
		types.HeartbeatRequest{}, agentHeaders("agent-2", "wrong-key"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAgentProtocol_MissingAPIVersionHeader(t *testing.T) {
	router, gdb, _ := newTestRouter(t)
	newRegisteredAgent(t, gdb, "agent-3", "secret-3")

	headers := agentHeaders("agent-3", "secret-3")
	delete(headers, types.HeaderAPIVersion)
	rec := doRequest(t, router, http.MethodPost, "/v1/agent/heartbeat", types.HeartbeatRequest{}, headers)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var envelope types.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, types.ErrMissingVersionHeader, envelope.Error)
}

func TestAgentProtocol_UnsupportedAPIVersion(t *testing.T) {
	router, gdb, _ := newTestRouter(t)
	newRegisteredAgent(t, gdb, "agent-4", "secret-4")

	headers := agentHeaders("agent-4", "secret-4")
	headers[types.HeaderAPIVersion] = "99"
	rec := doRequest(t, router, http.MethodPost, "/v1/agent/heartbeat", types.HeartbeatRequest{}, headers)
	require.Equal(t, http.StatusUpgradeRequired, rec.Code)
}

func TestAgentProtocol_ClaimRunAndReportLifecycle(t *testing.T) {
	router, gdb, _ := newTestRouter(t)
	serverAgent := newRegisteredAgent(t, gdb, "server-agent", "server-key")
	clientAgent := newRegisteredAgent(t, gdb, "client-agent", "client-key")

	exerciseRepo := repository.NewExerciseRepository(gdb)
	exercise := &db.Exercise{Name: "claim-lifecycle", DefaultDurationSec: 5}
	require.NoError(t, exerciseRepo.Create(context.Background(), exercise))

	test := &db.Test{
		ExerciseID: exercise.ID, ServerAgentID: serverAgent.ID, ClientAgentID: clientAgent.ID,
		ServerPort: 5299, Parallel: 1, DurationSec: 5,
	}
	serverTask := &db.Task{Type: "iperf_server_start", AgentID: serverAgent.ID, Payload: `{"port":5299}`, Status: "queued"}
	clientTask := &db.Task{Type: "iperf_client_run", AgentID: clientAgent.ID, Payload: `{"server_ip":"10.0.0.1"}`, Status: "queued"}
	require.NoError(t, exerciseRepo.CreateTestWithTasks(context.Background(), test, serverTask, clientTask))
	require.NoError(t, exerciseRepo.StartExercise(context.Background(), exercise.ID, time.Now()))

	rec := doRequest(t, router, http.MethodPost, "/v1/agent/tasks/claim", nil, agentHeaders("server-agent", "server-key"))
	require.Equal(t, http.StatusOK, rec.Code)

	var claimResp types.ClaimTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claimResp))
	require.NotNil(t, claimResp.Task)
	require.Equal(t, types.TaskTypeIperfServerStart, claimResp.Task.Type)

	startedPath := "/v1/agent/tasks/" + claimResp.Task.ID + "/started"
	rec = doRequest(t, router, http.MethodPost, startedPath, types.TaskStartedRequest{PID: 4242}, agentHeaders("server-agent", "server-key"))
	require.Equal(t, http.StatusOK, rec.Code)

	resultPath := "/v1/agent/tasks/" + claimResp.Task.ID + "/result"
	rec = doRequest(t, router, http.MethodPost, resultPath,
		types.TaskResultRequest{Status: types.TaskStatusSucceeded, Result: json.RawMessage(`{"end":{}}`)},
		agentHeaders("server-agent", "server-key"))
	require.Equal(t, http.StatusOK, rec.Code)

	// A second claim for the same agent should now find nothing pending.
	rec = doRequest(t, router, http.MethodPost, "/v1/agent/tasks/claim", nil, agentHeaders("server-agent", "server-key"))
	require.Equal(t, http.StatusOK, rec.Code)
	var empty types.ClaimTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &empty))
	require.Nil(t, empty.Task)
}

func TestAgentProtocol_TaskResultTwiceConflicts(t *testing.T) {
	router, gdb, _ := newTestRouter(t)
	agent := newRegisteredAgent(t, gdb, "dup-result-agent", "key")
	taskRepo := repository.NewTaskRepository(gdb)
	task := &db.Task{Type: "kill_all", AgentID: agent.ID, Payload: "{}", Status: "accepted"}
	require.NoError(t, taskRepo.Create(context.Background(), task))

	resultPath := "/v1/agent/tasks/" + task.ID.String() + "/result"
	rec := doRequest(t, router, http.MethodPost, resultPath,
		types.TaskResultRequest{Status: types.TaskStatusSucceeded}, agentHeaders("dup-result-agent", "key"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodPost, resultPath,
		types.TaskResultRequest{Status: types.TaskStatusFailed}, agentHeaders("dup-result-agent", "key"))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAgentProtocol_IdempotentRegisterReplaysCachedResponse(t *testing.T) {
	router, gdb, _ := newTestRouter(t)
	newRegisteredAgent(t, gdb, "idem-agent", "idem-key")

	headers := agentHeaders("idem-agent", "idem-key")
	headers["Idempotency-Key"] = "same-key-twice"

	first := doRequest(t, router, http.MethodPost, "/v1/agent/register",
		types.RegisterRequest{IPAddress: "10.0.0.9"}, headers)
	require.Equal(t, http.StatusOK, first.Code)

	second := doRequest(t, router, http.MethodPost, "/v1/agent/register",
		types.RegisterRequest{IPAddress: "10.0.0.200"}, headers)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, first.Body.String(), second.Body.String())

	got, err := repository.NewAgentRepository(gdb).GetByName(context.Background(), "idem-agent")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.9", got.LastSeenIP)
}

func TestAdminSurface_RequiresBearerToken(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/v1/agents/", nil,
		map[string]string{types.HeaderAPIVersion: types.SupportedAPIVersion})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthLogin_SuccessThenAuthorizedRequest(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/v1/auth/login",
		map[string]string{"username": "admin", "password": "adminpass"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)

	rec = doRequest(t, router, http.MethodGet, "/v1/agents/", nil, map[string]string{
		types.HeaderAPIVersion: types.SupportedAPIVersion,
		"Authorization":        "Bearer " + resp.AccessToken,
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthLogin_WrongPasswordReturns401(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/v1/auth/login",
		map[string]string{"username": "admin", "password": "nope"}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthz(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
