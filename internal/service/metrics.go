package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type metricsServer struct {
	logger zerolog.Logger
	server *http.Server
	ln     net.Listener
}

func newMetricsServer(listen string, handler http.Handler, logger zerolog.Logger) (*metricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().Str("listen", ln.Addr().String()).Msg("metrics endpoint started")
	return &metricsServer{logger: logger, server: srv, ln: ln}, nil
}

func (m *metricsServer) addr() string {
	return m.ln.Addr().String()
}

func (m *metricsServer) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return m.server.Shutdown(ctx)
}
