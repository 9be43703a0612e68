// Package api provides the HTTP server: workspace provisioning, workspace
// status and the workspace channel endpoint.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/cloudcode/cloudcode/internal/auth"
	"github.com/cloudcode/cloudcode/internal/channel"
	"github.com/cloudcode/cloudcode/internal/logging"
	"github.com/cloudcode/cloudcode/internal/metrics"
	"github.com/cloudcode/cloudcode/internal/quota"
	"github.com/cloudcode/cloudcode/internal/workspace"
	"github.com/cloudcode/cloudcode/pkg/models"
)

const maxRequestBody = 64 * 1024

// Server is the workspace HTTP server.
type Server struct {
	workspaces  *workspace.Service
	channels    *channel.Handler
	auth        *auth.Auth
	rateLimiter *quota.RateLimiter
}

// NewServer creates a Server. authHandler and rateLimiter may be nil to
// disable token checks and creation rate limiting.
func NewServer(workspaces *workspace.Service, channels *channel.Handler, authHandler *auth.Auth, rateLimiter *quota.RateLimiter) *Server {
	return &Server{
		workspaces:  workspaces,
		channels:    channels,
		auth:        authHandler,
		rateLimiter: rateLimiter,
	}
}

// Handler returns the HTTP handler with auth, logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", metrics.Route(s.handleHealth))

	// Protected endpoints
	protected := http.NewServeMux()
	protected.HandleFunc("POST /api/v1/workspaces", metrics.Route(s.handleCreateWorkspace))
	protected.HandleFunc("GET /api/v1/workspaces/{id}", metrics.Route(s.handleGetWorkspace))
	protected.HandleFunc("GET /api/v1/workspaces/{id}/channel", metrics.Route(s.handleChannel))

	if s.auth != nil {
		mux.Handle("/api/v1/", s.auth.Middleware(protected))
	} else {
		mux.Handle("/api/v1/", protected)
	}

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"channels": s.channels.Active(),
	})
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	if s.rateLimiter != nil {
		key := clientKey(r)
		if !s.rateLimiter.Allow(key) {
			w.Header().Set("Retry-After", strconv.Itoa(s.rateLimiter.RetryAfter(key)))
			s.sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	var req models.CreateWorkspaceRequest
	body := io.LimitReader(r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ws, err := s.workspaces.Create(r.Context(), req.WorkspaceID, req.Language)
	switch {
	case err == nil:
	case errors.Is(err, workspace.ErrInvalidID), errors.Is(err, workspace.ErrUnsupportedLanguage):
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, workspace.ErrExists):
		s.sendError(w, http.StatusConflict, err.Error())
		return
	default:
		logging.WithContext(r.Context()).Error("workspace create failed",
			zap.String("workspace", req.WorkspaceID), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to create workspace")
		return
	}

	logging.WithContext(r.Context()).Info("workspace provisioning started",
		zap.String("workspace", ws.ID),
		zap.String("language", ws.Language))

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/api/v1/workspaces/"+ws.ID)
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(ws)
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ws, err := s.workspaces.Get(r.Context(), id)
	if errors.Is(err, workspace.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "workspace not found: "+id)
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Error("workspace lookup failed",
			zap.String("workspace", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to get workspace")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ws)
}

// handleChannel opens a workspace channel. Workspaces without a record are
// served as-is; a recorded workspace must have finished provisioning.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !models.ValidWorkspaceID(id) {
		s.sendError(w, http.StatusBadRequest, "invalid workspace id")
		return
	}

	ws, err := s.workspaces.Get(r.Context(), id)
	switch {
	case errors.Is(err, workspace.ErrNotFound):
	case err != nil:
		logging.WithContext(r.Context()).Error("workspace lookup failed",
			zap.String("workspace", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to get workspace")
		return
	case ws.Status != models.StatusReady:
		s.sendError(w, http.StatusConflict, "workspace is "+string(ws.Status))
		return
	}

	s.channels.ServeWorkspace(w, r, id)
}

// clientKey identifies the caller for rate limiting: the token subject when
// authenticated, the remote host otherwise.
func clientKey(r *http.Request) string {
	if claims := auth.GetClaims(r.Context()); claims != nil && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
