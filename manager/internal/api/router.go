package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ifperf/ifperf/manager/internal/auth"
	"github.com/ifperf/ifperf/manager/internal/metrics"
	"github.com/ifperf/ifperf/manager/internal/repository"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated in main.go after all components are initialized and passed to
// NewRouter as a single struct to keep the constructor signature manageable
// as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.AuthService
	Logger      *zap.Logger

	Agents           repository.AgentRepository
	Exercises        repository.ExerciseRepository
	Tasks            repository.TaskRepository
	PortReservations repository.PortReservationRepository
	Idempotency      repository.IdempotencyRepository

	// Metrics may be nil, in which case claim instrumentation is skipped.
	// /metrics is mounted either way and serves the default registry.
	Metrics *metrics.Manager
}

// NewRouter builds and returns the fully configured Chi router. Routes live
// under /v1, split into the bearer-token admin surface and the
// agent-header-gated agent protocol. /healthz, /metrics and /v1/auth/login
// are the only routes exempt from the X-API-Version gate.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Agents, cfg.Logger)
	exerciseHandler := NewExerciseHandler(cfg.Exercises, cfg.Agents, cfg.Tasks, cfg.Logger)
	taskHandler := NewTaskHandler(cfg.Tasks, cfg.PortReservations, cfg.Logger)
	protocolHandler := NewAgentProtocolHandler(cfg.Agents, cfg.Tasks, cfg.PortReservations, cfg.Idempotency, cfg.Metrics, cfg.Logger)

	jwtMgr := cfg.AuthService.JWTManager()

	r.Route("/v1", func(r chi.Router) {
		// Login is exempt from the version gate: an agent or operator on an
		// unsupported client build still needs to reach it to learn that.
		r.Post("/auth/login", authHandler.Login)

		// --- Admin surface: bearer token + API version required ---
		r.Group(func(r chi.Router) {
			r.Use(APIVersion)
			r.Use(Authenticate(jwtMgr))

			r.Route("/agents", func(r chi.Router) {
				r.Get("/", agentHandler.List)
				r.Post("/", agentHandler.Create)
				r.Get("/{id}", agentHandler.GetByID)
				r.Put("/{id}", agentHandler.Update)
				r.Post("/{id}/disable", agentHandler.Disable)
				r.Post("/{id}/enable", agentHandler.Enable)
			})

			r.Route("/exercises", func(r chi.Router) {
				r.Get("/", exerciseHandler.List)
				r.Post("/", exerciseHandler.Create)
				r.Get("/{id}", exerciseHandler.GetByID)
				r.Post("/{id}/tests", exerciseHandler.AddTest)
				r.Post("/{id}/start", exerciseHandler.Start)
				r.Post("/{id}/stop", exerciseHandler.Stop)
				r.Get("/{id}/results", exerciseHandler.Results)
			})

			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", taskHandler.List)
				r.Get("/ports/reservations", taskHandler.ListPortReservations)
				r.Get("/{id}", taskHandler.GetByID)
				r.Post("/{id}/cancel", taskHandler.Cancel)
			})
		})

		// --- Agent protocol: agent headers + API version required ---
		r.Route("/agent", func(r chi.Router) {
			r.Use(APIVersion)
			r.Use(AgentAuth(cfg.Agents))

			r.Post("/register", protocolHandler.Register)
			r.Post("/heartbeat", protocolHandler.Heartbeat)
			r.Post("/tasks/claim", protocolHandler.ClaimTask)
			r.Post("/tasks/{id}/started", protocolHandler.TaskStarted)
			r.Post("/tasks/{id}/result", protocolHandler.TaskResult)
		})
	})

	return r
}
