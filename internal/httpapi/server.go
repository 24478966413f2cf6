// Package httpapi exposes the minimal operator-facing HTTP surface
// for the migration core: reading the current result or status and
// requesting an abort. It mirrors coordinator's habit of a small
// net/http mux registered alongside the metrics/health servers, rather
// than standing up a full REST framework for three endpoints.
package httpapi

import (
	"context"
	"net/http"

	goccyjson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/statefabric/actormigrate/internal/model"
)

// Controller is satisfied by *orchestrator.Orchestrator.
type Controller interface {
	GetResult(ctx context.Context) (model.MigrationResult, error)
	GetStatus(ctx context.Context) (model.MigrationState, error)
	Abort(ctx context.Context) error
}

// Server is the operator-facing HTTP surface.
type Server struct {
	ctrl   Controller
	logger *zap.Logger
}

func New(ctrl Controller, logger *zap.Logger) *Server {
	return &Server{ctrl: ctrl, logger: logger}
}

// Mux builds the *http.ServeMux routing migration/result, status, and
// abort, for the caller to mount on its own *http.Server.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/migration/result", s.handleResult)
	mux.HandleFunc("/migration/status", s.handleStatus)
	mux.HandleFunc("/migration/abort", s.handleAbort)
	return mux
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result, err := s.ctrl.GetResult(r.Context())
	if err != nil {
		s.logger.Warn("GetResult failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status, err := s.ctrl.GetStatus(r.Context())
	if err != nil {
		s.logger.Warn("GetStatus failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, struct {
		Status model.MigrationState `json:"status"`
	}{Status: status})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.ctrl.Abort(r.Context()); err != nil {
		s.logger.Warn("Abort failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := goccyjson.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}
