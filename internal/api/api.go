// Package api exposes the warden control API over a Unix domain socket.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

// ProcInfo describes one process of an application.
type ProcInfo struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// AppInfo describes the runtime state of an application.
type AppInfo struct {
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Sandboxed   bool       `json:"sandboxed"`
	UID         uint32     `json:"uid"`
	GID         uint32     `json:"gid"`
	InstallPath string     `json:"install_path"`
	SandboxPath string     `json:"sandbox_path,omitempty"`
	Procs       []ProcInfo `json:"procs"`
}

// Controller provides application lifecycle operations to the API layer.
type Controller interface {
	List() []AppInfo
	Get(name string) (AppInfo, error)
	Start(name string) error
	Stop(name string) error
	Remove(name string) error
	Version() map[string]string
	Shutdown()
}

// Config holds API server configuration.
type Config struct {
	Socket     string
	SocketMode os.FileMode
	Username   string
	Password   string // bcrypt hash
	Metrics    http.Handler
}

// Server is the HTTP control server.
type Server struct {
	ctrl   Controller
	logger *slog.Logger
	router *mux.Router
	ln     net.Listener
	server *http.Server

	authUser string
	authPass string // bcrypt hash
}

// NewServer creates a control server with the given dependencies.
func NewServer(cfg Config, ctrl Controller, logger *slog.Logger) *Server {
	s := &Server{
		ctrl:     ctrl,
		logger:   logger,
		authUser: cfg.Username,
		authPass: cfg.Password,
	}
	s.router = s.buildRouter(cfg.Metrics)
	return s
}

func (s *Server) buildRouter(metrics http.Handler) *mux.Router {
	r := mux.NewRouter()

	// Probe endpoint, no auth required.
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requireAuth)

	api.HandleFunc("/apps", s.handleListApps).Methods(http.MethodGet)
	api.HandleFunc("/apps/{name}", s.handleGetApp).Methods(http.MethodGet)
	api.HandleFunc("/apps/{name}", s.handleRemoveApp).Methods(http.MethodDelete)
	api.HandleFunc("/apps/{name}/start", s.handleStartApp).Methods(http.MethodPost)
	api.HandleFunc("/apps/{name}/stop", s.handleStopApp).Methods(http.MethodPost)
	api.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	api.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)

	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	return r
}

// Handler returns the server's HTTP handler. Intended for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving on the Unix domain socket.
func (s *Server) Start(path string, mode os.FileMode) error {
	if err := removeStaleSocket(path); err != nil {
		return fmt.Errorf("cannot create socket: %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("cannot create socket: %s: %w", path, err)
	}

	if err := os.Chmod(path, mode); err != nil {
		ln.Close()
		return fmt.Errorf("cannot set socket permissions: %s: %w", path, err)
	}

	s.ln = ln
	s.server = &http.Server{Handler: s.router}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control server error", "error", err)
		}
	}()

	s.logger.Info("control socket started", "path", path)
	return nil
}

// Stop gracefully shuts down the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func removeStaleSocket(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// requireAuth enforces basic auth when a credential is configured.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authUser == "" {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || user != s.authUser ||
			bcrypt.CompareHashAndPassword([]byte(s.authPass), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="warden"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.List())
}

func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	info, err := s.ctrl.Get(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStartApp(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Start(mux.Vars(r)["name"]); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStopApp(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Stop(mux.Vars(r)["name"]); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleRemoveApp(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Remove(mux.Vars(r)["name"]); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Version())
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	s.ctrl.Shutdown()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
