package session

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	appconfig "tickflow/config"
	"tickflow/internal/auth"
	"tickflow/internal/bus"
	"tickflow/internal/metrics"
	"tickflow/internal/registry"
	"tickflow/logger"
)

// Server accepts client websocket sessions, routes their subscribe requests
// into the registry and fans bus events out to their outbound queues.
type Server struct {
	cfg       appconfig.ServerConfig
	registry  *registry.Registry
	bus       *bus.Bus
	validator auth.Validator
	log       *logger.Log
	upgrader  websocket.Upgrader

	sessionsMu sync.RWMutex
	sessions   map[string]*Client

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	httpSrv  *http.Server
	listener net.Listener
}

func NewServer(cfg appconfig.ServerConfig, reg *registry.Registry, b *bus.Bus, validator auth.Validator) *Server {
	return &Server{
		cfg:       cfg,
		registry:  reg,
		bus:       b,
		validator: validator,
		log:       logger.GetLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*Client),
	}
}

// Start binds the websocket listener and launches the dispatcher.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session server already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	path := s.cfg.Path
	if path == "" {
		path = "/ws"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handleUpgrade)
	s.httpSrv = &http.Server{Handler: mux}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("bind session listener: %w", err)
	}
	s.listener = ln

	log := s.log.WithComponent("session_server")
	log.WithFields(logger.Fields{"address": ln.Addr().String(), "path": path}).Info("starting session server")

	s.wg.Add(1)
	go s.dispatch()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("session listener failed")
		}
	}()
	return nil
}

// Addr returns the bound listener address, useful when the configured port
// is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Address
	}
	return s.listener.Addr().String()
}

// Stop shuts the listener down and closes every live session.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpSrv != nil {
		s.httpSrv.Shutdown(shutdownCtx)
	}

	for _, c := range s.snapshotSessions() {
		c.close()
	}
	s.wg.Wait()
	s.log.WithComponent("session_server").Info("session server stopped")
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithComponent("session_server").WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := newClient(uuid.NewString(), s, conn)
	s.sessionsMu.Lock()
	s.sessions[client.ID] = client
	count := len(s.sessions)
	s.sessionsMu.Unlock()
	metrics.AddClientSessions(1)

	s.log.WithComponent("session_server").WithFields(logger.Fields{
		"session":  client.ID,
		"remote":   r.RemoteAddr,
		"sessions": count,
	}).Info("session connected")

	go client.writePump()
	go client.readPump()
}

func (s *Server) removeSession(id string) {
	s.sessionsMu.Lock()
	delete(s.sessions, id)
	s.sessionsMu.Unlock()
}

func (s *Server) session(id string) *Client {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return s.sessions[id]
}

func (s *Server) snapshotSessions() []*Client {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	out := make([]*Client, 0, len(s.sessions))
	for _, c := range s.sessions {
		out = append(out, c)
	}
	return out
}

// SessionCount reports live sessions for the status surface.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}
