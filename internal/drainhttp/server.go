// Package drainhttp serves spooled batches over HTTP. A collector polls
// GET /drain; every poll empties the spool, so each batch is delivered at
// most once.
package drainhttp

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/stackprobe-dev/stackprobe-go/internal/drainpb"
	"github.com/stackprobe-dev/stackprobe-go/internal/spool"
	"github.com/stackprobe-dev/stackprobe-go/report"
)

const contentType = "application/x-protobuf"

type Config struct {
	// Addr is the listen address, e.g. "localhost:7071".
	Addr string
	// Token, when set, is required as a bearer token on /drain requests.
	Token string
	// Spool holds the batches waiting to be drained.
	Spool *spool.Spool[report.Batch]
	// ErrorLogger is called with errors from the serving goroutine. nil
	// disables reporting.
	ErrorLogger func(error)
}

// Server owns the listener and the HTTP server for the drain endpoint.
type Server struct {
	cfg Config

	// Fields that change in Start/Close.
	mu struct {
		sync.Mutex
		listener net.Listener
		server   *http.Server
	}

	wg *sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// Handler returns the endpoint routes without binding a listener, for
// mounting on an existing mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/drain", s.handleDrain)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// Start binds the configured address and serves until Close. The bound
// address is available from Addr, which matters when Addr was ":0".
func (s *Server) Start() error {
	if s.cfg.Spool == nil {
		return errors.New("no spool configured")
	}
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{Handler: s.Handler()}
	s.mu.Lock()
	s.mu.listener = l
	s.mu.server = srv
	s.mu.Unlock()

	wg := &sync.WaitGroup{}
	wg.Add(1)
	s.wg = wg
	go func() {
		defer wg.Done() // unblock Close()
		defer s.closeInner()
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logError(fmt.Errorf("failed to serve: %w", err))
		}
	}()
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.listener == nil {
		return ""
	}
	return s.mu.listener.Addr().String()
}

// Close stops the server. It's a no-op if the server was never started.
func (s *Server) Close() {
	s.mu.Lock()
	srv := s.mu.server
	s.mu.Unlock()
	if srv == nil {
		return
	}

	s.closeInner()

	// Synchronize with the serving goroutine.
	s.wg.Wait()
}

// closeInner stops the server without waiting for the serving goroutine. It
// might be called concurrently with Close().
func (s *Server) closeInner() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.server == nil {
		return
	}
	s.mu.server.Close()
	s.mu.server = nil
	s.mu.listener = nil
}

func (s *Server) handleDrain(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(req) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	resp := drainpb.Response{
		Batches: s.cfg.Spool.PopAll(),
		Dropped: s.cfg.Spool.Dropped(),
	}
	w.Header().Set("Content-Type", contentType)
	if _, err := w.Write(drainpb.AppendResponse(nil, resp)); err != nil {
		s.logError(fmt.Errorf("failed to write drain response: %w", err))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, req *http.Request) {
	w.Write([]byte("ok\n"))
}

func (s *Server) authorized(req *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	return req.Header.Get("Authorization") == "Bearer "+s.cfg.Token
}

func (s *Server) logError(err error) {
	if s.cfg.ErrorLogger != nil {
		s.cfg.ErrorLogger(err)
	}
}
