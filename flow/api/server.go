package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server runs a Handler on a TCP listener with graceful shutdown.
type Server struct {
	srv *http.Server

	mu        sync.Mutex
	listener  net.Listener
	lastError error
	done      chan struct{}
}

// NewServer creates a server for handler on addr (":8080").
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv.Handler == nil {
		return errors.New("no server handler set")
	}
	if s.listener != nil {
		return errors.New("server already started")
	}

	addr := s.srv.Addr
	if addr == "" {
		addr = ":http"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.mu.Lock()
			s.lastError = err
			s.mu.Unlock()
		}
	}()
	return nil
}

// Addr returns the listening address, useful with ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.srv.Addr
	}
	return s.listener.Addr().String()
}

// Stop stops accepting connections and waits for in-flight requests until
// ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return errors.New("server not started")
	}
	done := s.done
	s.mu.Unlock()

	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}
