package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/devsim/telemetry"
)

const defaultQueueSize = 16

// Device is the single-owner device the actor executes operations against.
// Implementations need not be safe for concurrent use.
type Device interface {
	ReadInputRegisters(address, count uint16) ([]uint16, error)
	ReadDiscreteInputs(address, count uint16) ([]bool, error)
	ReadCoils(address, count uint16) ([]bool, error)
	ReadHoldingRegisters(address, count uint16) ([]uint16, error)
	WriteCoils(address uint16, values []bool) (uint16, uint16, error)
	WriteHoldingRegisters(address uint16, values []uint16) (uint16, uint16, error)
}

type result struct {
	outcome Outcome
	err     error
}

// call is one in-flight request. reply has capacity one and is written
// exactly once, by the actor goroutine.
type call struct {
	op    Operation
	reply chan result
}

func newCall(op Operation) *call {
	return &call{op: op, reply: make(chan result, 1)}
}

// fulfil delivers res to the caller. It never blocks and reports false when
// the slot already holds a value.
func (c *call) fulfil(res result) bool {
	select {
	case c.reply <- res:
		return true
	default:
		return false
	}
}

type settings struct {
	logger    zerolog.Logger
	queueSize int
	collector telemetry.Collector
}

// Option customises an Actor.
type Option func(*settings)

// WithLogger sets the logger used for per-call diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithQueueSize sets the capacity of the submission queue.
func WithQueueSize(size int) Option {
	return func(s *settings) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithCollector installs a telemetry collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(s *settings) {
		if collector != nil {
			s.collector = collector
		}
	}
}

// Actor serialises all access to a Device. Many goroutines may Submit
// concurrently; a single goroutine inside Run executes the calls one at a
// time in arrival order.
type Actor struct {
	device    Device
	logger    zerolog.Logger
	collector telemetry.Collector

	calls    chan *call
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool
}

// New creates an actor owning dev. The actor does not serve calls until Run is invoked.
func New(dev Device, opts ...Option) *Actor {
	cfg := settings{
		logger:    zerolog.Nop(),
		queueSize: defaultQueueSize,
		collector: telemetry.Noop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Actor{
		device:    dev,
		logger:    cfg.logger,
		collector: cfg.collector,
		calls:     make(chan *call, cfg.queueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run serves calls until ctx is cancelled or Stop is called. Calls still
// queued at that point are answered with ErrDispatch.
func (a *Actor) Run(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("device actor already running")
	}
	defer close(a.done)
	defer a.drain()

	a.logger.Debug().Int("queue_size", cap(a.calls)).Msg("device actor running")
	for {
		// A stop request wins over calls that are already queued.
		select {
		case <-ctx.Done():
			a.logger.Debug().Msg("device actor stopped by context")
			return ctx.Err()
		case <-a.stop:
			a.logger.Debug().Msg("device actor stopped")
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			a.logger.Debug().Msg("device actor stopped by context")
			return ctx.Err()
		case <-a.stop:
			a.logger.Debug().Msg("device actor stopped")
			return nil
		case c := <-a.calls:
			a.collector.SetQueueDepth(len(a.calls))
			a.serve(c)
		}
	}
}

// Stop terminates Run. It is safe to call more than once.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
	})
}

// Done is closed once Run has returned and every queued call was answered.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

// Submit hands op to the actor and waits for its outcome. The returned error
// wraps ErrDispatch when the actor is stopped, ErrDeviceFault when the device
// failed, or the context error when the caller gave up waiting. An abandoned
// call is still executed; its outcome is discarded.
func (a *Actor) Submit(ctx context.Context, op Operation) (Outcome, error) {
	select {
	case <-a.done:
		return Outcome{}, fmt.Errorf("%s: %w", op.Kind, ErrDispatch)
	default:
	}

	c := newCall(op)
	select {
	case a.calls <- c:
		a.collector.SetQueueDepth(len(a.calls))
	case <-a.done:
		return Outcome{}, fmt.Errorf("%s: %w", op.Kind, ErrDispatch)
	case <-ctx.Done():
		return Outcome{}, fmt.Errorf("%s: submit abandoned: %w", op.Kind, ctx.Err())
	}

	select {
	case res := <-c.reply:
		return res.outcome, res.err
	case <-ctx.Done():
		return Outcome{}, fmt.Errorf("%s: call abandoned: %w", op.Kind, ctx.Err())
	case <-a.done:
		// The actor may have answered right before it stopped.
		select {
		case res := <-c.reply:
			return res.outcome, res.err
		default:
			return Outcome{}, fmt.Errorf("%s: %w", op.Kind, ErrDispatch)
		}
	}
}

func (a *Actor) serve(c *call) {
	started := time.Now()
	outcome, err := a.execute(c.op)
	elapsed := time.Since(started)

	status := "ok"
	if err != nil {
		status = "fault"
		if errors.Is(err, ErrUnsupportedOperation) {
			status = "unsupported"
		}
		a.logger.Warn().Err(err).
			Stringer("operation", c.op.Kind).
			Uint16("address", c.op.Address).
			Int("quantity", c.op.Quantity()).
			Msg("device call failed")
	} else {
		a.logger.Trace().
			Stringer("operation", c.op.Kind).
			Uint16("address", c.op.Address).
			Int("quantity", c.op.Quantity()).
			Dur("elapsed", elapsed).
			Msg("device call completed")
	}
	a.collector.ObserveCall(c.op.Kind.String(), status, elapsed)

	if !c.fulfil(result{outcome: outcome, err: err}) {
		a.logger.Error().Stringer("operation", c.op.Kind).Msg("reply slot already fulfilled")
	}
}

func (a *Actor) drain() {
	for {
		select {
		case c := <-a.calls:
			c.fulfil(result{err: fmt.Errorf("%s: %w", c.op.Kind, ErrDispatch)})
			a.collector.ObserveCall(c.op.Kind.String(), "dispatch", 0)
		default:
			a.collector.SetQueueDepth(0)
			return
		}
	}
}

// execute runs op against the device. Device errors and panics are converted
// into a FaultError so that the actor keeps serving.
func (a *Actor) execute(op Operation) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{}
			err = &FaultError{Kind: op.Kind, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	out = Outcome{Kind: op.Kind}
	switch op.Kind {
	case ReadInputRegisters:
		out.Registers, err = a.device.ReadInputRegisters(op.Address, op.Count)
	case ReadDiscreteInputs:
		out.Bits, err = a.device.ReadDiscreteInputs(op.Address, op.Count)
	case ReadCoils:
		out.Bits, err = a.device.ReadCoils(op.Address, op.Count)
	case ReadHoldingRegisters:
		out.Registers, err = a.device.ReadHoldingRegisters(op.Address, op.Count)
	case WriteSingleCoil:
		out.Address, out.Quantity, err = a.device.WriteCoils(op.Address, []bool{op.Value})
		out.Value = op.Value
	case WriteMultipleCoils:
		out.Address, out.Quantity, err = a.device.WriteCoils(op.Address, op.Coils)
	case WriteMultipleRegisters:
		out.Address, out.Quantity, err = a.device.WriteHoldingRegisters(op.Address, op.Registers)
	default:
		return Outcome{}, fmt.Errorf("%s: %w", op.Kind, ErrUnsupportedOperation)
	}
	if err != nil {
		return Outcome{}, &FaultError{Kind: op.Kind, Err: err}
	}
	return out, nil
}
