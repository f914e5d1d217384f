// Package web exposes the published resolution results over HTTP for the
// display collaborator: the full day's instances, the highlighted meeting,
// and a manual refresh trigger.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"nextmeet/internal/config"
	appLog "nextmeet/internal/log"
	"nextmeet/internal/model"
	"nextmeet/internal/orchestrate"
	"nextmeet/internal/store"
)

// Server provides the HTTP status API.
type Server struct {
	cfg     *config.Config
	journal *store.Store
	refresh func() // manual refresh trigger, may be nil
	mux     *http.ServeMux

	// Latest published result, fed by the orchestrator's publish callback.
	resultMu sync.RWMutex
	result   *orchestrate.Result
}

// NewServer constructs a Server. journal may be nil; refresh is invoked on
// POST /api/refresh and is subject to the orchestrator's single-flight rule.
func NewServer(cfg *config.Config, journal *store.Store, refresh func()) *Server {
	s := &Server{
		cfg:     cfg,
		journal: journal,
		refresh: refresh,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Publish is the orchestrator-facing result sink. Register it with
// Orchestrator.OnResult.
func (s *Server) Publish(res orchestrate.Result) {
	s.resultMu.Lock()
	s.result = &res
	s.resultMu.Unlock()
}

// Handler returns the underlying http.Handler, wrapped with basic auth when
// configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="nextmeet", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/today", s.handleToday)
	s.mux.HandleFunc("GET /api/next", s.handleNext)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// latest returns the newest available result: the in-memory one when a
// refresh has published since startup, else the persisted snapshot.
func (s *Server) latest() (next *model.EventInstance, all []model.EventInstance, at time.Time, err error) {
	s.resultMu.RLock()
	res := s.result
	s.resultMu.RUnlock()
	if res != nil {
		return res.Next, res.All, res.PublishedAt, nil
	}

	if s.journal == nil {
		return nil, nil, time.Time{}, errors.New("no result published yet")
	}
	snap, ok, lerr := s.journal.LoadSnapshot()
	if lerr != nil {
		return nil, nil, time.Time{}, lerr
	}
	if !ok {
		return nil, nil, time.Time{}, errors.New("no result published yet")
	}
	return snap.Next, snap.All, snap.PublishedAt, nil
}

func (s *Server) handleToday(w http.ResponseWriter, _ *http.Request) {
	next, all, at, err := s.latest()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"published_at": at,
		"next":         next,
		"instances":    all,
	})
}

func (s *Server) handleNext(w http.ResponseWriter, _ *http.Request) {
	next, _, at, err := s.latest()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"published_at": at,
		"next":         next,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusOK, map[string]any{"journal": nil})
		return
	}
	rec, ok, err := s.journal.LastRefresh()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"journal": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"journal": map[string]any{
			"run":            rec.ID,
			"reason":         rec.Reason,
			"started_at":     rec.StartedAt,
			"finished_at":    rec.FinishedAt,
			"source_count":   rec.SourceCount,
			"failed_sources": rec.FailedSources,
			"instance_count": rec.InstanceCount,
			"next_title":     rec.NextTitle,
		},
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	if s.refresh == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "refresh not available"})
		return
	}
	s.refresh()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh requested"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("response encode failed", err)
	}
}

// Serve runs the HTTP server until ctx is canceled, then shuts down
// gracefully.
func Serve(ctx context.Context, cfg *config.Config, s *Server) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
