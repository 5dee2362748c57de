package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ifperf/ifperf/manager/internal/auth"
	"github.com/ifperf/ifperf/manager/internal/db"
	"github.com/ifperf/ifperf/manager/internal/repository"
	"github.com/ifperf/ifperf/shared/types"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	contextKeyClaims contextKey = iota
	contextKeyAgent
)

// Authenticate validates the JWT Bearer token on the admin surface. On
// success it stores the parsed claims in the request context. On failure it
// writes a 401 and stops the chain.
func Authenticate(jwtMgr *auth.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w, types.ErrUnauthorized, "authentication required")
				return
			}

			claims, err := jwtMgr.ValidateAccessToken(parts[1])
			if err != nil {
				ErrUnauthorized(w, types.ErrUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APIVersion enforces the X-API-Version header on every route it wraps,
// per spec §6: missing header -> missing_version_header, malformed ->
// invalid_version_format, anything but the server's one supported version
// -> unsupported_version (HTTP 426, details {min,max}).
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := r.Header.Get(types.HeaderAPIVersion)
		if v == "" {
			ErrBadRequest(w, types.ErrMissingVersionHeader, "X-API-Version header is required")
			return
		}
		for _, c := range v {
			if c < '0' || c > '9' {
				ErrBadRequest(w, types.ErrInvalidVersionFormat, "X-API-Version must be an integer")
				return
			}
		}
		if v != types.SupportedAPIVersion {
			ErrUpgradeRequired(w, types.ErrUnsupportedVersion, "unsupported API version")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AgentAuth validates the X-AGENT-NAME / X-AGENT-KEY headers against the
// agent repository. A missing agent row (wrong name) or a disabled agent is
// the "must exit" fatal signal from spec §4.2/§9: this implementation binds
// that to a plain agent_not_found 404, same as the rest of the agent
// protocol's not-found responses — an agent client distinguishes "fatal"
// from "transient" purely by status code + error kind, not by any special
// envelope field.
func AgentAuth(agents repository.AgentRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := r.Header.Get(types.HeaderAgentName)
			key := r.Header.Get(types.HeaderAgentKey)
			if name == "" || key == "" {
				ErrUnauthorized(w, types.ErrMissingAgentHeaders, "X-AGENT-NAME and X-AGENT-KEY headers are required")
				return
			}

			agent, err := agents.GetByName(r.Context(), name)
			if err != nil {
				ErrNotFound(w, types.ErrAgentNotFound, "agent not found - agent must exit")
				return
			}
			if !agent.Enabled {
				ErrNotFound(w, types.ErrAgentNotFound, "agent disabled - agent must exit")
				return
			}
			if string(agent.RegistrationKey) != key {
				ErrUnauthorized(w, types.ErrInvalidAgentKey, "registration key does not match")
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyAgent, agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogger returns a chi-compatible middleware that logs each request
// using the provided zap logger. Chi's middleware.RequestID is expected to
// run before this middleware so the request ID is available in context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// claimsFromCtx retrieves the JWT claims stored by Authenticate.
func claimsFromCtx(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(contextKeyClaims).(*auth.Claims)
	return claims
}

// agentFromCtx retrieves the agent row stored by AgentAuth.
func agentFromCtx(ctx context.Context) *db.Agent {
	agent, _ := ctx.Value(contextKeyAgent).(*db.Agent)
	return agent
}
