package httputil

import (
	"net/http"
	"time"
)

// HTTPTimeouts groups the server-side timeouts applied to every started server.
type HTTPTimeouts struct {
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

var DefaultTimeouts = HTTPTimeouts{
	ReadTimeout:       30 * time.Second,
	ReadHeaderTimeout: 30 * time.Second,
	WriteTimeout:      30 * time.Second,
	IdleTimeout:       120 * time.Second,
}

type config struct {
	// listenAddr is the configured address to listen to when started.
	// use listener.Addr to retrieve the address when online.
	listenAddr string

	handler http.Handler

	httpOpts []HTTPOption
}

func (c *config) ApplyOptions(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Option is a general config option.
type Option func(cfg *config)

// HTTPOption applies a change to an HTTP server, just before standup.
type HTTPOption func(config *http.Server) error

func WithHTTPOptions(options ...HTTPOption) Option {
	return func(cfg *config) {
		cfg.httpOpts = append(cfg.httpOpts, options...)
	}
}

func WithMaxHeaderBytes(max int) HTTPOption {
	return func(srv *http.Server) error {
		srv.MaxHeaderBytes = max
		return nil
	}
}
