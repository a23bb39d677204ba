package httputil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// HTTPServer wraps a http.Server, exposing the running state and the bound address.
// A 0 port may be used to make the system bind to an available one.
type HTTPServer struct {
	// mu guards bringing the server online/offline, and the listener.
	mu sync.RWMutex

	listener net.Listener
	srv      *http.Server

	srvCancel context.CancelFunc

	config *config
}

// NewHTTPServer creates an HTTPServer that serves the given HTTP handler.
// The server is inactive and has to be started explicitly.
func NewHTTPServer(addr string, handler http.Handler, opts ...Option) *HTTPServer {
	cfg := &config{listenAddr: addr, handler: handler}
	cfg.ApplyOptions(opts...)
	return &HTTPServer{config: cfg}
}

func StartHTTPServer(addr string, handler http.Handler, opts ...Option) (*HTTPServer, error) {
	out := NewHTTPServer(addr, handler, opts...)
	return out, out.Start()
}

// Start starts the server, and checks if it comes online fully.
func (s *HTTPServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("already have existing server")
	}

	srvCtx, srvCancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           s.config.handler,
		ReadTimeout:       DefaultTimeouts.ReadTimeout,
		ReadHeaderTimeout: DefaultTimeouts.ReadHeaderTimeout,
		WriteTimeout:      DefaultTimeouts.WriteTimeout,
		IdleTimeout:       DefaultTimeouts.IdleTimeout,
		BaseContext: func(listener net.Listener) context.Context {
			return srvCtx
		},
	}
	for _, opt := range s.config.httpOpts {
		if err := opt(srv); err != nil {
			srvCancel()
			return fmt.Errorf("failed to apply HTTP option: %w", err)
		}
	}

	listener, err := net.Listen("tcp", s.config.listenAddr)
	if err != nil {
		srvCancel()
		return fmt.Errorf("failed to bind to address %q: %w", s.config.listenAddr, err)
	}
	s.listener = listener
	s.srv = srv
	s.srvCancel = srvCancel

	// cap of 1, to not block on non-immediate shutdown
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	standupTimer := time.NewTimer(10 * time.Millisecond)
	defer standupTimer.Stop()

	select {
	case err := <-errCh:
		s.cleanup()
		return fmt.Errorf("http server failed: %w", err)
	case <-standupTimer.C:
		return nil
	}
}

func (s *HTTPServer) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.srv == nil
}

// Stop gracefully shuts down the server, but force-closes if the ctx is cancelled.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	s.srvCancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		if !errors.Is(err, ctx.Err()) {
			return err
		}
		if err := s.srv.Close(); err != nil {
			return err
		}
	}
	s.cleanup()
	return nil
}

func (s *HTTPServer) cleanup() {
	s.srv = nil
	s.listener = nil
	s.srvCancel = nil
}

// Addr returns the address that the server is listening on, nil if offline.
func (s *HTTPServer) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPEndpoint returns the http endpoint the server is serving, empty if offline.
func (s *HTTPServer) HTTPEndpoint() string {
	addr := s.Addr()
	if addr == nil {
		return ""
	}
	return "http://" + addr.String()
}
