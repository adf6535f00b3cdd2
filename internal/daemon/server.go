package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/g960059/ctrmux/internal/api"
	"github.com/g960059/ctrmux/internal/config"
	"github.com/g960059/ctrmux/internal/db"
	"github.com/g960059/ctrmux/internal/invoker"
	"github.com/g960059/ctrmux/internal/logging"
	"github.com/g960059/ctrmux/internal/metrics"
	"github.com/g960059/ctrmux/internal/model"
	"github.com/g960059/ctrmux/internal/relaunch"
	"github.com/g960059/ctrmux/internal/session"
)

const defaultShutdownTimeout = 5 * time.Second

// Invoker runs one bounded runtime command.
type Invoker interface {
	Invoke(ctx context.Context, args []string, timeout time.Duration) (invoker.Result, error)
	Binary() string
}

type Relauncher interface {
	Relaunch(ctx context.Context, ref string) (relaunch.Outcome, error)
}

// Deps are the daemon's collaborators. Routes whose dependency is nil are
// not registered.
type Deps struct {
	Invoker    Invoker
	Sessions   *session.Multiplexer
	Relauncher Relauncher
	Health     *invoker.HealthTracker
	Store      *db.Store
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

type Server struct {
	cfg      config.Config
	deps     Deps
	logger   *slog.Logger
	serverID string
	httpSrv  *http.Server

	mu        sync.Mutex
	listeners []net.Listener
	lockFile  *os.File
	clients   map[string]*clientConn

	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With("component", "daemon"),
		serverID: "ctrmuxd-" + uuid.NewString()[:8],
		clients:  map[string]*clientConn{},
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	if deps.Invoker != nil {
		mux.HandleFunc("/v1/units", s.unitsHandler)
		mux.HandleFunc("/v1/units/", s.unitByIDHandler)
		mux.HandleFunc("/v1/volumes", s.volumesHandler)
		mux.HandleFunc("/v1/volumes/", s.volumeByNameHandler)
	}
	if deps.Sessions != nil {
		mux.HandleFunc("/v1/sessions", s.sessionsHandler)
		mux.HandleFunc("/v1/stream", s.streamHandler)
		mux.HandleFunc("/v1/ws", s.websocketHandler)
	}
	if deps.Store != nil {
		mux.HandleFunc("/v1/sessions/history", s.historyHandler)
		mux.HandleFunc("/v1/relaunches", s.relaunchesHandler)
	}
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics.Handler())
	}
	return s
}

// Handler exposes the route table for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start listens on the Unix socket (and on HTTPAddr when configured) and
// serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	listeners := []net.Listener{ln}
	if addr := strings.TrimSpace(s.cfg.HTTPAddr); addr != "" {
		tcp, err := net.Listen("tcp", addr)
		if err != nil {
			ln.Close() //nolint:errcheck
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("listen tcp %s: %w", addr, err)
		}
		listeners = append(listeners, tcp)
	}
	s.mu.Lock()
	s.listeners = listeners
	s.mu.Unlock()

	errCh := make(chan error, len(listeners))
	for _, l := range listeners {
		go func(l net.Listener) {
			if err := s.httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", l.Addr().Network(), err)
			}
		}(l)
	}
	s.logger.Info("daemon listening", "socket", s.cfg.SocketPath, "http_addr", s.cfg.HTTPAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		_ = s.Shutdown(context.Background())
		return err
	}
}

// Shutdown stops accepting requests, ends every session (delivering each
// terminal message), then closes stream clients and releases the socket.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if s.deps.Sessions != nil {
			if err := s.deps.Sessions.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("sessions: %w", err))
			}
		}
		s.mu.Lock()
		clients := make([]*clientConn, 0, len(s.clients))
		for _, c := range s.clients {
			clients = append(clients, c)
		}
		listeners := s.listeners
		s.listeners = nil
		s.mu.Unlock()
		for _, c := range clients {
			c.finish()
		}
		for _, c := range clients {
			select {
			case <-c.writerDone:
			case <-ctx.Done():
				c.close()
			}
		}
		for _, l := range listeners {
			if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) registerClient(c *clientConn) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	if s.deps.Metrics != nil {
		s.deps.Metrics.ClientConnected()
	}
}

func (s *Server) unregisterClient(c *clientConn) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()
	if ok && s.deps.Metrics != nil {
		s.deps.Metrics.ClientDisconnected()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

// writeFailure maps a classified error onto its HTTP status and wire code.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	code := model.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case model.ErrCodeUnitNotFound, model.ErrCodeStateNotFound:
		status = http.StatusNotFound
	case model.ErrCodeAmbiguous, model.ErrCodeNoSession:
		status = http.StatusConflict
	case model.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	case model.ErrCodeLaunchFailed, model.ErrCodeRelaunch:
		status = http.StatusBadGateway
	}
	s.writeError(w, status, code, err.Error())
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
