// Package web serves the JSON API and the event WebSocket of a running
// commander.
package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"bacnet-override/internal/automation"
	"bacnet-override/internal/commander"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed origin patterns for CORS and WebSocket.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithPointPublisher registers a receiver for point changes made through
// the API.
func WithPointPublisher(p PointPublisher) ServerOption {
	return func(s *Server) {
		s.publishers = append(s.publishers, p)
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// PointPublisher is told about points added, changed or removed through the
// API, e.g. to keep MQTT discovery current.
type PointPublisher interface {
	Announce(p commander.Point)
	Withdraw(name string)
}

// Server is the HTTP server for the API.
type Server struct {
	cmdr           *commander.Commander
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	publishers     []PointPublisher
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a server and starts broadcasting commander events.
func NewServer(cmdr *commander.Commander, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cmdr:   cmdr,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = cmdr.Events().OnAll(s.wsHub.Broadcast)

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Named points
	s.mux.HandleFunc("GET /api/points", s.handleAPIListPoints)
	s.mux.HandleFunc("POST /api/points", s.handleAPISavePoint)
	s.mux.HandleFunc("GET /api/points/{name}", s.handleAPIGetPoint)
	s.mux.HandleFunc("PUT /api/points/{name}", s.handleAPISavePoint)
	s.mux.HandleFunc("PATCH /api/points/{name}", s.handleAPIPatchPoint)
	s.mux.HandleFunc("DELETE /api/points/{name}", s.handleAPIDeletePoint)
	s.mux.HandleFunc("GET /api/points/{name}/value", s.handleAPIRead)
	s.mux.HandleFunc("GET /api/points/{name}/array", s.handleAPIArray)
	s.mux.HandleFunc("GET /api/points/{name}/status", s.handleAPIStatus)
	s.mux.HandleFunc("POST /api/points/{name}/override", s.handleAPIOverride)
	s.mux.HandleFunc("POST /api/points/{name}/relinquish", s.handleAPIRelinquish)
	s.mux.HandleFunc("POST /api/points/{name}/out-of-service", s.handleAPIOutOfService)

	// Raw addresses
	s.mux.HandleFunc("GET /api/devices/{device}/objects/{object}/properties/{property}", s.handleAPIRead)
	s.mux.HandleFunc("PUT /api/devices/{device}/objects/{object}/properties/{property}", s.handleAPIWrite)
	s.mux.HandleFunc("GET /api/devices/{device}/objects/{object}/array", s.handleAPIArray)
	s.mux.HandleFunc("GET /api/devices/{device}/objects/{object}/status", s.handleAPIStatus)
	s.mux.HandleFunc("POST /api/devices/{device}/objects/{object}/override", s.handleAPIOverride)
	s.mux.HandleFunc("POST /api/devices/{device}/objects/{object}/relinquish", s.handleAPIRelinquish)
	s.mux.HandleFunc("POST /api/devices/{device}/objects/{object}/out-of-service", s.handleAPIOutOfService)

	// Session journal
	s.mux.HandleFunc("GET /api/sessions", s.handleAPIListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleAPIGetSession)

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && len(s.allowedOrigins) > 0 {
		if !s.checkOrigin(w, r, origin) {
			return
		}
	}
	if s.guarded(r.URL.Path) && !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// checkOrigin answers preflights and refuses cross-origin writes from
// origins not on the allowlist. It reports whether the request may proceed.
func (s *Server) checkOrigin(w http.ResponseWriter, r *http.Request, origin string) bool {
	allowed := s.isOriginAllowed(origin)
	switch {
	case r.Method == http.MethodOptions && allowed:
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		h.Set("Access-Control-Max-Age", "3600")
		w.WriteHeader(http.StatusNoContent)
		return false
	case r.Method == http.MethodGet:
		return true
	case !allowed:
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	return true
}

func (s *Server) guarded(path string) bool {
	return s.apiKey != "" && (strings.HasPrefix(path, "/api/") || path == "/ws")
}

// authorized checks the API key. Browsers cannot set headers on a WebSocket
// upgrade, so the key may also come as ?api_key=.
func (s *Server) authorized(r *http.Request) bool {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) == 1
}

func (s *Server) isOriginAllowed(origin string) bool {
	return slices.ContainsFunc(s.allowedOrigins, func(allowed string) bool {
		return allowed == "*" || allowed == origin
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
