package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/timzifer/devsim/internal/config"
	"github.com/timzifer/devsim/internal/device"
	"github.com/timzifer/devsim/internal/dispatch"
	"github.com/timzifer/devsim/internal/router"
	"github.com/timzifer/devsim/internal/server"
	"github.com/timzifer/devsim/telemetry"
)

// responseSettle is how long shutdown waits after draining before client
// sockets are closed.
const responseSettle = 100 * time.Millisecond

// Option customises service construction.
type Option func(*options)

type options struct {
	registry *prometheus.Registry
}

// WithRegistry registers metrics with reg instead of the default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// Service wires the simulated device, the device actor, the request router
// and the Modbus listener together.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger

	device   *device.Device
	actor    *dispatch.Actor
	router   *router.Router
	listener *server.Listener
	metrics  *metricsServer

	running     atomic.Bool
	actorExited chan struct{}
	closeOnce   sync.Once
}

// New builds a service from configuration. The device script is loaded here;
// a script that fails to load is returned as an error.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	rules, err := router.CompileRules(cfg.Access.Rules)
	if err != nil {
		return nil, err
	}

	collector := telemetry.Noop()
	var prom *telemetry.PrometheusCollector
	if cfg.Telemetry.Enabled {
		prom, err = telemetry.NewPrometheusCollector(o.registry)
		if err != nil {
			return nil, err
		}
		collector = prom
	}

	dev, err := device.Load(cfg.Script.Path,
		device.WithLogger(logger.With().Str("component", "device").Logger()),
		device.WithExecTimeout(cfg.Script.ExecTimeout.Duration),
	)
	if err != nil {
		return nil, err
	}

	actor := dispatch.New(dev,
		dispatch.WithLogger(logger.With().Str("component", "dispatch").Logger()),
		dispatch.WithQueueSize(cfg.Dispatch.QueueSize),
		dispatch.WithCollector(collector),
	)
	rt := router.New(actor,
		router.WithLogger(logger.With().Str("component", "router").Logger()),
		router.WithRules(rules),
		router.WithCallTimeout(cfg.Dispatch.CallTimeout.Duration),
		router.WithCollector(collector),
	)
	listener, err := server.New(cfg.Listen, rt, logger.With().Str("component", "modbus_server").Logger())
	if err != nil {
		dev.Close()
		return nil, err
	}

	svc := &Service{
		cfg:         cfg,
		logger:      logger,
		device:      dev,
		actor:       actor,
		router:      rt,
		listener:    listener,
		actorExited: make(chan struct{}),
	}

	if prom != nil {
		svc.metrics, err = newMetricsServer(cfg.Telemetry.Listen, prom.Handler(), logger.With().Str("component", "metrics").Logger())
		if err != nil {
			dev.Close()
			return nil, fmt.Errorf("start metrics endpoint on %s: %w", cfg.Telemetry.Listen, err)
		}
	}

	logger.Info().
		Str("script", dev.Name()).
		Int("access_rules", rules.Len()).
		Msg("device loaded")
	return svc, nil
}

// Validate performs a dry-run of the configuration: access rules are compiled
// and the device script is loaded once and closed again.
func Validate(cfg *config.Config, logger zerolog.Logger) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := router.CompileRules(cfg.Access.Rules); err != nil {
		return err
	}
	dev, err := device.Load(cfg.Script.Path,
		device.WithLogger(logger),
		device.WithExecTimeout(cfg.Script.ExecTimeout.Duration),
	)
	if err != nil {
		return err
	}
	dev.Close()
	return nil
}

// Run starts the device actor and the listener and serves until ctx is done.
// Shutdown lets in-flight requests finish within the configured grace period,
// then closes the listener, stops the actor and closes the device.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("service already running")
	}

	actorErr := make(chan error, 1)
	go func() {
		defer close(s.actorExited)
		actorErr <- s.actor.Run(context.Background())
	}()

	if err := s.listener.Start(); err != nil {
		s.actor.Stop()
		<-s.actorExited
		return errors.Join(err, s.Close())
	}
	s.logger.Info().Str("listen", s.listener.URL()).Msg("device simulator running")

	<-ctx.Done()
	s.logger.Info().Msg("shutting down")

	// Connections stay open while draining so in-flight calls can still be
	// answered; new requests are refused as busy by the router.
	grace := s.cfg.Dispatch.ShutdownGrace.Duration
	if grace <= 0 {
		grace = config.DefaultShutdownGrace
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), grace)
	if err := s.router.Drain(drainCtx); err != nil {
		s.logger.Warn().Err(err).Int("in_flight", s.router.InFlight()).Msg("abandoning in-flight requests")
	}
	cancel()

	// The framing library writes a response after the handler returns.
	time.Sleep(responseSettle)

	var errs []error
	if err := s.listener.Stop(); err != nil {
		errs = append(errs, err)
	}

	s.actor.Stop()
	if err := <-actorErr; err != nil {
		errs = append(errs, err)
	}
	if err := s.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases the listener, the metrics endpoint and the device. It is
// safe to call more than once.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		var errs []error
		if stopErr := s.listener.Stop(); stopErr != nil {
			errs = append(errs, stopErr)
		}
		s.actor.Stop()
		if s.running.Load() {
			<-s.actorExited
		}
		if s.metrics != nil {
			if closeErr := s.metrics.close(); closeErr != nil {
				errs = append(errs, closeErr)
			}
		}
		s.device.Close()
		err = errors.Join(errs...)
	})
	return err
}

// ListenAddress returns the host:port the Modbus listener binds to.
func (s *Service) ListenAddress() string {
	return s.cfg.Listen.Address()
}

// MetricsAddress returns the bound metrics address, or "" when telemetry is
// disabled.
func (s *Service) MetricsAddress() string {
	if s.metrics == nil {
		return ""
	}
	return s.metrics.addr()
}
