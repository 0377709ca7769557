// Package server exposes the compute unit over HTTP. Handlers are thin
// glue: parse, call the pipeline, map error classes to status codes.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cunode/cunode/internal/model"
	"github.com/cunode/cunode/pkg/cuerr"
	"github.com/cunode/cunode/pkg/pipeline"
	"github.com/cunode/cunode/pkg/store"
)

// Evaluator is the pipeline surface the server needs.
type Evaluator interface {
	ReadResult(ctx context.Context, processID, messageID string) (*model.Evaluation, error)
	ListResults(ctx context.Context, processID string, q store.ListQuery) (*store.EvaluationPage, error)
	Dryrun(ctx context.Context, processID string, msg model.Message) (model.EvaluationOutput, error)
}

// Server handles HTTP requests.
type Server struct {
	eval    Evaluator
	mux     *http.ServeMux
	log     *slog.Logger
	version string
}

// New wires the routes.
func New(eval Evaluator, version string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		eval:    eval,
		mux:     http.NewServeMux(),
		log:     log,
		version: version,
	}
	s.mux.HandleFunc("GET /result/{messageId}", s.handleResult)
	s.mux.HandleFunc("GET /results/{processId}", s.handleResults)
	s.mux.HandleFunc("POST /dryrun", s.handleDryrun)
	s.mux.HandleFunc("GET /healthcheck", s.handleHealthcheck)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("messageId")
	processID := r.URL.Query().Get("process-id")
	if processID == "" {
		jsonError(w, "process-id query parameter is required", http.StatusBadRequest)
		return
	}

	eval, err := s.eval.ReadResult(r.Context(), processID, messageID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	processID := r.PathValue("processId")

	q := store.ListQuery{
		From: r.URL.Query().Get("from"),
		To:   r.URL.Query().Get("to"),
		Sort: store.SortAsc,
	}
	if sort := strings.ToUpper(r.URL.Query().Get("sort")); sort == string(store.SortDesc) {
		q.Sort = store.SortDesc
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		q.Limit = n
	}

	page, err := s.eval.ListResults(r.Context(), processID, q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if page.Items == nil {
		page.Items = []*model.Evaluation{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleDryrun(w http.ResponseWriter, r *http.Request) {
	processID := r.URL.Query().Get("process-id")
	if processID == "" {
		jsonError(w, "process-id query parameter is required", http.StatusBadRequest)
		return
	}

	var msg model.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		jsonError(w, "request body is not a valid message", http.StatusBadRequest)
		return
	}

	out, err := s.eval.Dryrun(r.Context(), processID, msg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"timestamp": time.Now().UnixMilli(),
	})
}

// writeError maps the taxonomy onto HTTP statuses. Compute errors never
// reach this path: a failed step is a successful response whose payload
// carries the error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch cuerr.GetClass(err) {
	case cuerr.ClassNotFound:
		status = http.StatusNotFound
	case cuerr.ClassVerification:
		status = http.StatusUnprocessableEntity
	case cuerr.ClassOrdering:
		status = http.StatusConflict
	case cuerr.ClassExternalFetch:
		status = http.StatusBadGateway
	case cuerr.ClassBusy:
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	jsonError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

var _ Evaluator = (*pipeline.Pipeline)(nil)
