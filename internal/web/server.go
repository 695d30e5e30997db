// Package web serves the local REST API and event websocket of a mesh node.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"meshlink/internal/automation"
	"meshlink/internal/mesh"
	"meshlink/internal/syncbridge"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
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

// WithSync exposes a sync bridge under /api/sync.
func WithSync(b *syncbridge.Bridge) ServerOption {
	return func(s *Server) {
		s.sync = b
	}
}

// WithVersion sets the application version string reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the local API.
type Server struct {
	svc            *mesh.Service
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	sync           *syncbridge.Bridge
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()

	httpMu sync.Mutex
	http   *http.Server
}

// NewServer creates a web server for svc and starts its websocket hub.
func NewServer(svc *mesh.Service, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		svc:    svc,
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

	s.unsubEvents = svc.OnAll(func(event mesh.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Serve accepts connections on ln until Shutdown. While serving, the mesh
// service is in LOCAL_WEB unless it has already reached CLOUD_CONNECTED.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // long-polls on /api/messages/next
		IdleTimeout:  120 * time.Second,
	}
	s.httpMu.Lock()
	s.http = srv
	s.httpMu.Unlock()

	if s.svc.State() != mesh.StateCloudConnected {
		s.svc.SetConnectivity(mesh.StateLocalWeb)
	}
	s.logger.Info("web server listening", "addr", ln.Addr().String())

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP listener and drops the service back to MESH_ONLY
// if it was in LOCAL_WEB.
func (s *Server) Shutdown(ctx context.Context) error {
	s.httpMu.Lock()
	srv := s.http
	s.httpMu.Unlock()

	if s.svc.State() == mesh.StateLocalWeb {
		s.svc.SetConnectivity(mesh.StateMeshOnly)
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Stop shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("POST /api/devices", s.handleAPIRegisterDevice)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleAPIGetDevice)
	s.mux.HandleFunc("DELETE /api/devices/{id}", s.handleAPIDeleteDevice)
	s.mux.HandleFunc("POST /api/devices/{id}/pair", s.handleAPIPair)
	s.mux.HandleFunc("DELETE /api/devices/{id}/pair", s.handleAPIUnpair)
	s.mux.HandleFunc("POST /api/scan", s.handleAPIScan)

	s.mux.HandleFunc("POST /api/messages", s.handleAPISend)
	s.mux.HandleFunc("GET /api/messages/next", s.handleAPIReceive)
	s.mux.HandleFunc("POST /api/broadcast", s.handleAPIBroadcast)

	s.mux.HandleFunc("GET /api/routes", s.handleAPIRoutes)
	s.mux.HandleFunc("POST /api/routes/refresh", s.handleAPIRefreshRoutes)
	s.mux.HandleFunc("GET /api/topology", s.handleAPITopology)

	s.mux.HandleFunc("GET /api/sync", s.handleAPISyncStatus)
	s.mux.HandleFunc("POST /api/sync", s.handleAPISyncNow)
	s.mux.HandleFunc("GET /api/sync/items", s.handleAPISyncItems)
	s.mux.HandleFunc("POST /api/sync/items", s.handleAPISyncCommit)
	s.mux.HandleFunc("DELETE /api/sync/items/{id}", s.handleAPISyncRemove)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /api/ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// The websocket upgrade cannot carry custom headers from a browser, so
	// it accepts the key as a query parameter too.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if key == "" && r.URL.Path == "/api/ws" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON request body of at most 1 MiB into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(v)
}
