// Package api serves the engine over HTTP+JSON for dashboards and alert
// webhooks, plus Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ppiankov/playwatch/internal/engine"
	"github.com/ppiankov/playwatch/internal/model"
	"github.com/ppiankov/playwatch/internal/playbook"
)

// maxBody bounds request bodies; playbook documents are small.
const maxBody = 1 << 20

// Server is the HTTP API.
type Server struct {
	engine *engine.Engine
	log    logrus.FieldLogger
	router chi.Router
}

// New builds the router for eng.
func New(eng *engine.Engine, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{engine: eng, log: log.WithField("component", "http-api")}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/validate", s.validate)
		r.Get("/playbooks", s.listPlaybooks)
		r.Post("/playbooks/dry-run", s.dryRunDocument)
		r.Post("/playbooks/{name}/dry-run", s.dryRun)
		r.Post("/playbooks/{name}/trigger", s.trigger)
		r.Get("/runs", s.listRuns)
		r.Get("/runs/{id}", s.getRun)
		r.Post("/runs/{id}/rollback", s.rollback)
		r.Post("/runs/{id}/approve", s.approve)
		r.Post("/runs/{id}/deny", s.deny)
		r.Get("/approvals", s.pending)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("http api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res := s.engine.Validate(data)
	status := http.StatusOK
	if !res.IsValid() {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{
		"is_valid": res.IsValid(),
		"errors":   nonNil(res.Errors),
		"warnings": nonNil(res.Warnings),
	})
}

func (s *Server) listPlaybooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if alertType := q.Get("alert_type"); alertType != "" {
		writeJSON(w, http.StatusOK, map[string]any{"playbooks": s.engine.Match(alertType, q.Get("severity"))})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"playbooks": s.engine.ListPlaybooks()})
}

func (s *Server) dryRun(w http.ResponseWriter, r *http.Request) {
	var sample map[string]any
	if !readJSON(w, r, &sample) {
		return
	}
	out, err := s.engine.DryRun(chi.URLParam(r, "name"), sample)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) dryRunDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Document string         `json:"document"`
		Context  map[string]any `json:"context"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	out, err := s.engine.DryRunDocument([]byte(req.Document), req.Context)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	var alert map[string]any
	if !readJSON(w, r, &alert) {
		return
	}
	id, err := s.engine.Trigger(r.Context(), chi.URLParam(r, "name"), alert)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Location", "/v1/runs/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := engine.RunFilter{Playbook: q.Get("playbook"), State: model.State(q.Get("state"))}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		f.Limit = n
	}
	runs, err := s.engine.ListRuns(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": nonNil(runs)})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) rollback(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Rollback(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	status := http.StatusOK
	if !res.OK {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

type resolveBody struct {
	By   string `json:"by"`
	Note string `json:"note"`
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, s.engine.Approve, "approved")
}

func (s *Server) deny(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, s.engine.Deny, "denied")
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, fn func(runID, by, note string) error, status string) {
	var body resolveBody
	if r.ContentLength != 0 && !readJSON(w, r, &body) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := fn(id, body.By, body.Note); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": id, "status": status})
}

func (s *Server) pending(w http.ResponseWriter, _ *http.Request) {
	list, err := s.engine.PendingApprovals()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": nonNil(list)})
}

// fail maps engine errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var ve *playbook.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrRunNotFound), errors.Is(err, engine.ErrPlaybookNotFound):
		status = http.StatusNotFound
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "errors": ve.Errors})
		return
	case errors.Is(err, engine.ErrTriggerMismatch), errors.Is(err, engine.ErrInvalidAlert):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNotAwaitingApproval), errors.Is(err, engine.ErrRunActive), errors.Is(err, engine.ErrNoSnapshot):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, engine.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	writeError(w, status, err)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// nonNil keeps empty lists as [] in responses.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type statusWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		entry := s.log.WithFields(logrus.Fields{
			"request_id":  middleware.GetReqID(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.status,
			"size":        sw.size,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if sw.status >= 500 {
			entry.Warn("http request")
		} else {
			entry.Debug("http request")
		}
	})
}
