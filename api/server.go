// Package api exposes the orchestration service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	acceptor "github.com/qa-infra/qa-acceptor"
	"github.com/qa-infra/qa-acceptor/monitor"
	"github.com/qa-infra/qa-acceptor/registry"
	"github.com/qa-infra/qa-acceptor/store"
	"github.com/qa-infra/qa-acceptor/types"
)

// Orchestrator is the part of the acceptor service the API needs. Tests
// substitute a fake.
type Orchestrator interface {
	StartRun(ctx context.Context, suite string) (string, error)
	Status(runID string) (types.RunStatus, error)
	ReportDir(runID string) (string, error)
	Cancel(runID string) error
	Suites() []string
	RecentRuns(limit int) ([]store.RunSummary, error)
	Summary() ([]store.SuiteTotals, error)
	CheckEndpoints(ctx context.Context) []monitor.Result
}

// Server serves the orchestration API.
type Server struct {
	log          *zap.SugaredLogger
	orchestrator Orchestrator
	listenAddr   string

	server *http.Server
	addr   net.Addr
}

// NewServer creates the API server. Call Start to begin listening.
func NewServer(log *zap.SugaredLogger, listenAddr string, orchestrator Orchestrator) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		log:          log,
		orchestrator: orchestrator,
		listenAddr:   listenAddr,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs/{suite}", s.handleStartRun)
	mux.HandleFunc("GET /runs", s.handleRecentRuns)
	mux.HandleFunc("GET /runs/{runId}", s.handleRunStatus)
	mux.HandleFunc("GET /runs/{runId}/report", s.handleReportIndex)
	mux.HandleFunc("GET /runs/{runId}/report/", s.handleReportFiles)
	mux.HandleFunc("POST /runs/{runId}/cancel", s.handleCancel)
	mux.HandleFunc("GET /suites", s.handleSuites)
	mux.HandleFunc("GET /summary", s.handleSummary)
	mux.HandleFunc("POST /health-check", s.handleHealthCheck)

	s.server = &http.Server{
		Addr:              listenAddr,
		Handler:           cors.Default().Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Non-blocking; serve errors other than a clean
// shutdown are logged.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	s.addr = listener.Addr()
	s.log.Infow("api server listening", "addr", s.addr.String())

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("api server failed", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.addr == nil {
		return s.listenAddr
	}
	return s.addr.String()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	suite := r.PathValue("suite")
	runID, err := s.orchestrator.StartRun(r.Context(), suite)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID})
	case errors.Is(err, registry.ErrUnknownSuite):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, acceptor.ErrRunAlreadyInProgress):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.orchestrator.Status(r.PathValue("runId"))
	if err != nil {
		s.writeError(w, statusForErr(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReportIndex(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
}

func (s *Server) handleReportFiles(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	dir, err := s.orchestrator.ReportDir(runID)
	if err != nil {
		s.writeError(w, statusForErr(err), err)
		return
	}
	prefix := fmt.Sprintf("/runs/%s/report/", runID)
	http.StripPrefix(prefix, http.FileServer(http.Dir(dir))).ServeHTTP(w, r)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	err := s.orchestrator.Cancel(runID)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"runId": runID, "status": "canceling"})
	case errors.Is(err, acceptor.ErrRunNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, acceptor.ErrRunTerminal):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleSuites(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"suites": s.orchestrator.Suites()})
}

func (s *Server) handleRecentRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	runs, err := s.orchestrator.RecentRuns(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	totals, err := s.orchestrator.Summary()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if totals == nil {
		totals = []store.SuiteTotals{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"suites": totals})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	results := s.orchestrator.CheckEndpoints(r.Context())
	if results == nil {
		s.writeError(w, http.StatusNotFound, errors.New("no monitored endpoints configured"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func statusForErr(err error) int {
	switch {
	case errors.Is(err, acceptor.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, acceptor.ErrReportNotReady):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warnw("failed to write response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
