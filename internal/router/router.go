package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/simonvetter/modbus"

	"github.com/timzifer/devsim/internal/dispatch"
	"github.com/timzifer/devsim/telemetry"
)

// Protocol quantity limits per request.
const (
	MaxReadBits       = 2000
	MaxReadRegisters  = 125
	MaxWriteBits      = 1968
	MaxWriteRegisters = 123

	addressSpace = 65536
)

// DefaultCallTimeout bounds how long a request waits for the device actor.
const DefaultCallTimeout = 5 * time.Second

// Submitter hands an operation to the device actor and waits for its outcome.
type Submitter interface {
	Submit(ctx context.Context, op dispatch.Operation) (dispatch.Outcome, error)
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithRules installs compiled access rules.
func WithRules(rules *Rules) Option {
	return func(r *Router) {
		r.rules = rules
	}
}

// WithCallTimeout sets the per-call deadline. Non-positive values keep the default.
func WithCallTimeout(timeout time.Duration) Option {
	return func(r *Router) {
		if timeout > 0 {
			r.callTimeout = timeout
		}
	}
}

// WithCollector reports rejected requests to collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(r *Router) {
		if collector != nil {
			r.collector = collector
		}
	}
}

// Router translates decoded protocol requests into device operations. It
// implements modbus.RequestHandler and is shared by every client connection;
// it keeps no per-connection state beyond the client address of each request.
type Router struct {
	submitter   Submitter
	rules       *Rules
	callTimeout time.Duration
	logger      zerolog.Logger
	collector   telemetry.Collector

	base  context.Context
	abort context.CancelFunc

	mu         sync.Mutex
	active     int
	draining   bool
	idle       chan struct{}
	idleClosed bool
}

var _ modbus.RequestHandler = (*Router)(nil)

// New creates a router submitting to sub.
func New(sub Submitter, opts ...Option) *Router {
	base, abort := context.WithCancel(context.Background())
	r := &Router{
		submitter:   sub,
		callTimeout: DefaultCallTimeout,
		logger:      zerolog.Nop(),
		collector:   telemetry.Noop(),
		base:        base,
		abort:       abort,
		idle:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleCoils serves read coils, write single coil and write multiple coils.
func (r *Router) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	op := dispatch.Operation{Kind: dispatch.ReadCoils, Address: req.Addr, Count: req.Quantity}
	if req.IsWrite {
		// A one-element write is indistinguishable from FC05 after decoding.
		if req.Quantity == 1 && len(req.Args) == 1 {
			op = dispatch.Operation{Kind: dispatch.WriteSingleCoil, Address: req.Addr, Count: 1, Value: req.Args[0]}
		} else {
			op = dispatch.Operation{Kind: dispatch.WriteMultipleCoils, Address: req.Addr, Count: req.Quantity, Coils: req.Args}
		}
	}
	outcome, err := r.handle(req.ClientAddr, op)
	if err != nil {
		return nil, err
	}
	if req.IsWrite {
		return req.Args, nil
	}
	return outcome.Bits, nil
}

// HandleDiscreteInputs serves read discrete inputs.
func (r *Router) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	op := dispatch.Operation{Kind: dispatch.ReadDiscreteInputs, Address: req.Addr, Count: req.Quantity}
	outcome, err := r.handle(req.ClientAddr, op)
	if err != nil {
		return nil, err
	}
	return outcome.Bits, nil
}

// HandleHoldingRegisters serves read holding registers and both register write
// functions. Single register writes are executed as one-element multi writes.
func (r *Router) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	op := dispatch.Operation{Kind: dispatch.ReadHoldingRegisters, Address: req.Addr, Count: req.Quantity}
	if req.IsWrite {
		op = dispatch.Operation{Kind: dispatch.WriteMultipleRegisters, Address: req.Addr, Count: req.Quantity, Registers: req.Args}
	}
	outcome, err := r.handle(req.ClientAddr, op)
	if err != nil {
		return nil, err
	}
	if req.IsWrite {
		return req.Args, nil
	}
	return outcome.Registers, nil
}

// HandleInputRegisters serves read input registers.
func (r *Router) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	op := dispatch.Operation{Kind: dispatch.ReadInputRegisters, Address: req.Addr, Count: req.Quantity}
	outcome, err := r.handle(req.ClientAddr, op)
	if err != nil {
		return nil, err
	}
	return outcome.Registers, nil
}

// InFlight returns the number of requests currently being served.
func (r *Router) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Draining reports whether Drain has been called.
func (r *Router) Draining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// Drain stops admitting requests and waits for in-flight ones to finish. When
// ctx expires first the remaining calls are abandoned and answered as busy.
func (r *Router) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	r.closeIdleLocked()
	r.mu.Unlock()

	select {
	case <-r.idle:
		return nil
	case <-ctx.Done():
		r.abort()
		return fmt.Errorf("drain router: %w", ctx.Err())
	}
}

func (r *Router) closeIdleLocked() {
	if r.draining && r.active == 0 && !r.idleClosed {
		close(r.idle)
		r.idleClosed = true
	}
}

func (r *Router) enter() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.active++
	return true
}

func (r *Router) leave() {
	r.mu.Lock()
	r.active--
	r.closeIdleLocked()
	r.mu.Unlock()
}

func (r *Router) handle(client string, op dispatch.Operation) (dispatch.Outcome, error) {
	if !r.enter() {
		r.reject(op, client, "draining", nil)
		return dispatch.Outcome{}, modbus.ErrServerDeviceBusy
	}
	defer r.leave()

	if err := Validate(op); err != nil {
		r.reject(op, client, "invalid", err)
		return dispatch.Outcome{}, Exception(err)
	}
	if err := r.authorize(client, op); err != nil {
		r.reject(op, client, "denied", err)
		return dispatch.Outcome{}, Exception(err)
	}

	ctx, cancel := context.WithTimeout(r.base, r.callTimeout)
	defer cancel()

	outcome, err := r.submitter.Submit(ctx, op)
	if err != nil {
		r.logFailure(op, client, err)
		return dispatch.Outcome{}, Exception(err)
	}
	if err := checkOutcome(op, outcome); err != nil {
		r.logger.Error().Err(err).Str("operation", op.Kind.String()).Str("client", client).Msg("outcome mismatch")
		return dispatch.Outcome{}, modbus.ErrServerDeviceFailure
	}
	return outcome, nil
}

func (r *Router) authorize(client string, op dispatch.Operation) error {
	if r.rules == nil {
		return nil
	}
	rule, err := r.rules.Check(Request{Operation: op.Kind, Address: op.Address, Count: op.Quantity(), Client: client})
	if err != nil {
		return &ValidationError{Reason: err.Error(), Exception: modbus.ErrIllegalDataAddress}
	}
	if rule != "" {
		return &ValidationError{Reason: fmt.Sprintf("denied by access rule %q", rule), Exception: modbus.ErrIllegalDataAddress}
	}
	return nil
}

func (r *Router) reject(op dispatch.Operation, client, reason string, err error) {
	r.collector.IncRejected(op.Kind.String(), reason)
	r.logger.Debug().
		Err(err).
		Str("operation", op.Kind.String()).
		Uint16("address", op.Address).
		Int("count", op.Quantity()).
		Str("client", client).
		Str("reason", reason).
		Msg("request rejected")
}

func (r *Router) logFailure(op dispatch.Operation, client string, err error) {
	event := r.logger.Warn()
	if errors.Is(err, dispatch.ErrDeviceFault) {
		event = r.logger.Error()
	}
	event.Err(err).
		Str("operation", op.Kind.String()).
		Uint16("address", op.Address).
		Int("count", op.Quantity()).
		Str("client", client).
		Msg("device call failed")
}

// Validate checks the quantity and address range of op.
func Validate(op dispatch.Operation) error {
	count := op.Quantity()
	var limit int
	switch op.Kind {
	case dispatch.ReadCoils, dispatch.ReadDiscreteInputs:
		limit = MaxReadBits
	case dispatch.ReadHoldingRegisters, dispatch.ReadInputRegisters:
		limit = MaxReadRegisters
	case dispatch.WriteSingleCoil:
		limit = 1
	case dispatch.WriteMultipleCoils:
		limit = MaxWriteBits
		if len(op.Coils) != int(op.Count) {
			return invalidValue("%s carries %d values for quantity %d", op.Kind, len(op.Coils), op.Count)
		}
	case dispatch.WriteMultipleRegisters:
		limit = MaxWriteRegisters
		if len(op.Registers) != int(op.Count) {
			return invalidValue("%s carries %d values for quantity %d", op.Kind, len(op.Registers), op.Count)
		}
	default:
		return fmt.Errorf("%s: %w", op.Kind, dispatch.ErrUnsupportedOperation)
	}
	if count < 1 || count > limit {
		return invalidValue("%s quantity %d outside 1..%d", op.Kind, count, limit)
	}
	if int(op.Address)+count > addressSpace {
		return invalidAddress("%s range %d+%d exceeds address space", op.Kind, op.Address, count)
	}
	return nil
}

func checkOutcome(op dispatch.Operation, outcome dispatch.Outcome) error {
	if outcome.Kind != op.Kind {
		return fmt.Errorf("outcome %s for operation %s", outcome.Kind, op.Kind)
	}
	switch op.Kind {
	case dispatch.ReadCoils, dispatch.ReadDiscreteInputs:
		if len(outcome.Bits) != int(op.Count) {
			return fmt.Errorf("%s returned %d bits, expected %d", op.Kind, len(outcome.Bits), op.Count)
		}
	case dispatch.ReadHoldingRegisters, dispatch.ReadInputRegisters:
		if len(outcome.Registers) != int(op.Count) {
			return fmt.Errorf("%s returned %d registers, expected %d", op.Kind, len(outcome.Registers), op.Count)
		}
	}
	return nil
}

// Exception maps an error from validation or dispatch to the protocol
// exception sent to the client.
func Exception(err error) error {
	var invalid *ValidationError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &invalid):
		return invalid.Exception
	case errors.Is(err, dispatch.ErrUnsupportedOperation):
		return modbus.ErrIllegalFunction
	case errors.Is(err, dispatch.ErrDeviceFault):
		return modbus.ErrServerDeviceFailure
	case errors.Is(err, dispatch.ErrDispatch),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return modbus.ErrServerDeviceBusy
	default:
		return modbus.ErrServerDeviceFailure
	}
}
