package server

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/simonvetter/modbus"

	"github.com/timzifer/devsim/internal/config"
	"github.com/timzifer/devsim/internal/logging"
)

// Listener accepts Modbus TCP connections and hands every decoded request to
// its handler. Each client connection is served on its own goroutine by the
// framing library.
type Listener struct {
	server *modbus.ModbusServer
	url    string
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
}

// New prepares a listener for cfg. It does not bind until Start is called.
func New(cfg config.ListenConfig, handler modbus.RequestHandler, logger zerolog.Logger) (*Listener, error) {
	if handler == nil {
		return nil, fmt.Errorf("modbus listener requires a request handler")
	}
	url := cfg.URL()
	srv, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        url,
		Timeout:    cfg.IdleTimeout.Duration,
		MaxClients: cfg.MaxClients,
		Logger:     logging.NewStdLogger(logger, zerolog.WarnLevel),
	}, handler)
	if err != nil {
		return nil, fmt.Errorf("create modbus server on %s: %w", url, err)
	}
	return &Listener{server: srv, url: url, logger: logger}, nil
}

// URL returns the listen URL in tcp://host:port form.
func (l *Listener) URL() string {
	return l.url
}

// Start binds the listen address and begins accepting connections.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return fmt.Errorf("modbus listener on %s already stopped", l.url)
	}
	if l.running {
		return nil
	}
	if err := l.server.Start(); err != nil {
		return fmt.Errorf("listen modbus server on %s: %w", l.url, err)
	}
	l.running = true
	l.logger.Info().Str("listen", l.url).Msg("modbus server started")
	return nil
}

// Stop closes the listening socket and every client connection. It is safe
// to call more than once.
func (l *Listener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return nil
	}
	l.stopped = true
	if !l.running {
		return nil
	}
	l.running = false
	if err := l.server.Stop(); err != nil {
		return fmt.Errorf("stop modbus server on %s: %w", l.url, err)
	}
	l.logger.Info().Str("listen", l.url).Msg("modbus server stopped")
	return nil
}
