// Package health serves the liveness, readiness and status endpoints and the
// admin reload hook of the gateway process.
package health

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/dotsetgreg/dotchat/pkg/logger"
)

// StatusFunc contributes one section of the /status document.
type StatusFunc func() any

type Server struct {
	server  *http.Server
	started time.Time
	ready   atomic.Bool

	mu         sync.RWMutex
	sections   map[string]StatusFunc
	adminToken string
	reload     func() error
}

func NewServer(host string, port int) *Server {
	s := &Server{
		started:  time.Now(),
		sections: make(map[string]StatusFunc),
	}
	s.server = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// SetReady flips the /ready answer.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// RegisterStatus adds a named section to /status. Registering a name again
// replaces the previous section.
func (s *Server) RegisterStatus(name string, fn StatusFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sections[name] = fn
}

// SetReloader enables POST /admin/reload. Requests must carry
// "Authorization: Bearer <token>". An empty token keeps the endpoint closed.
func (s *Server) SetReloader(token string, reload func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adminToken = token
	s.reload = reload
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(accessLog)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/status", s.handleStatus)
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/reload", s.handleReload)
	})
	return r
}

func (s *Server) Addr() string { return s.server.Addr }

// Start blocks serving until Stop. It returns http.ErrServerClosed after a
// clean stop.
func (s *Server) Start() error {
	logger.InfoCF("health", "Gateway listening", map[string]any{"addr": s.server.Addr})
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.SetReady(false)
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	sections := make(map[string]StatusFunc, len(s.sections))
	for name, fn := range s.sections {
		sections[name] = fn
	}
	s.mu.RUnlock()

	doc := map[string]any{
		"ready":  s.ready.Load(),
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	for name, fn := range sections {
		doc[name] = fn()
	}
	respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	reload := s.reload
	s.mu.RUnlock()
	if reload == nil {
		respondError(w, http.StatusNotImplemented, "reload is not configured")
		return
	}
	if err := reload(); err != nil {
		logger.WarnCF("health", "Admin reload failed", map[string]any{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "reloaded"})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		token := s.adminToken
		s.mu.RUnlock()
		if token == "" {
			respondError(w, http.StatusForbidden, "admin endpoints are disabled")
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
			respondError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := map[string]any{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     status,
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": chimw.GetReqID(r.Context()),
		}
		switch {
		case status >= 500:
			logger.ErrorCF("health", "request", fields)
		case status >= 400:
			logger.WarnCF("health", "request", fields)
		default:
			logger.DebugCF("health", "request", fields)
		}
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.WarnCF("health", "Failed to encode response", map[string]any{"error": fmt.Sprint(err)})
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
