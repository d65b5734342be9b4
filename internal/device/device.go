package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
)

// Script entry points called for each operation class.
const (
	EntryReadInputRegisters    = "ReadInputRegisters"
	EntryReadDiscreteInputs    = "ReadDiscreteInputs"
	EntryReadCoils             = "ReadCoils"
	EntryReadHoldingRegisters  = "ReadHoldingRegisters"
	EntryWriteCoils            = "WriteCoils"
	EntryWriteHoldingRegisters = "WriteHoldingRegisters"
)

var errClosed = errors.New("device is closed")

// Option customises a Device.
type Option func(*Device)

// WithLogger sets the logger used by the script's log() host function.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Device) {
		d.logger = logger
	}
}

// WithExecTimeout bounds the run time of a single entry point call. Zero
// disables the limit.
func WithExecTimeout(timeout time.Duration) Option {
	return func(d *Device) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// Device is a virtual Modbus slave whose registers and coils are implemented
// by a Lua script. A Device is not safe for concurrent use; it is meant to be
// owned by a single goroutine.
type Device struct {
	state   *lua.LState
	name    string
	timeout time.Duration
	logger  zerolog.Logger
}

// Load reads the script at path and builds a device from it.
func Load(path string, opts ...Option) (*Device, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrScriptLoad, path, err)
	}
	return New(path, string(raw), opts...)
}

// New builds a device from script source. name identifies the script in
// diagnostics. The top-level chunk runs once, so globals it defines persist
// across all later calls.
func New(name, source string, opts ...Option) (*Device, error) {
	d := &Device{
		state:  lua.NewState(),
		name:   name,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.state.SetGlobal("log", d.state.NewFunction(d.luaLog))

	chunk, err := d.state.Load(strings.NewReader(source), name)
	if err != nil {
		d.state.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrScriptLoad, name, err)
	}
	d.state.Push(chunk)
	if err := d.protected(func() error { return d.state.PCall(0, lua.MultRet, nil) }); err != nil {
		d.state.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrScriptLoad, name, err)
	}
	d.state.SetTop(0)
	return d, nil
}

// Name returns the script name the device was built from.
func (d *Device) Name() string {
	return d.name
}

// Close releases the scripting engine.
func (d *Device) Close() {
	if d == nil || d.state == nil {
		return
	}
	d.state.Close()
	d.state = nil
}

// ReadInputRegisters calls the ReadInputRegisters entry point.
func (d *Device) ReadInputRegisters(address, count uint16) ([]uint16, error) {
	return d.readRegisters(EntryReadInputRegisters, address, count)
}

// ReadHoldingRegisters calls the ReadHoldingRegisters entry point.
func (d *Device) ReadHoldingRegisters(address, count uint16) ([]uint16, error) {
	return d.readRegisters(EntryReadHoldingRegisters, address, count)
}

// ReadDiscreteInputs calls the ReadDiscreteInputs entry point.
func (d *Device) ReadDiscreteInputs(address, count uint16) ([]bool, error) {
	return d.readBits(EntryReadDiscreteInputs, address, count)
}

// ReadCoils calls the ReadCoils entry point.
func (d *Device) ReadCoils(address, count uint16) ([]bool, error) {
	return d.readBits(EntryReadCoils, address, count)
}

// WriteCoils calls the WriteCoils entry point with the values as a Lua
// sequence and returns the address and quantity reported by the script.
func (d *Device) WriteCoils(address uint16, values []bool) (uint16, uint16, error) {
	if d.state == nil {
		return 0, 0, executionError(EntryWriteCoils, errClosed)
	}
	tbl := d.state.CreateTable(len(values), 0)
	for i, v := range values {
		tbl.RawSetInt(i+1, lua.LBool(v))
	}
	return d.write(EntryWriteCoils, address, tbl)
}

// WriteHoldingRegisters calls the WriteHoldingRegisters entry point with the
// values as a Lua sequence and returns the address and quantity reported by
// the script.
func (d *Device) WriteHoldingRegisters(address uint16, values []uint16) (uint16, uint16, error) {
	if d.state == nil {
		return 0, 0, executionError(EntryWriteHoldingRegisters, errClosed)
	}
	tbl := d.state.CreateTable(len(values), 0)
	for i, v := range values {
		tbl.RawSetInt(i+1, lua.LNumber(v))
	}
	return d.write(EntryWriteHoldingRegisters, address, tbl)
}

func (d *Device) readRegisters(entry string, address, count uint16) ([]uint16, error) {
	ret, err := d.call(entry, lua.LNumber(address), lua.LNumber(count))
	if err != nil {
		return nil, err
	}
	seq, err := sequence(entry, ret, int(count))
	if err != nil {
		return nil, err
	}
	values := make([]uint16, len(seq))
	for i, item := range seq {
		v, ok := integer(item, math.MaxUint16)
		if !ok {
			return nil, contractError(entry, "element %d is %s, expected integer 0..65535", i+1, describe(item))
		}
		values[i] = uint16(v)
	}
	return values, nil
}

func (d *Device) readBits(entry string, address, count uint16) ([]bool, error) {
	ret, err := d.call(entry, lua.LNumber(address), lua.LNumber(count))
	if err != nil {
		return nil, err
	}
	seq, err := sequence(entry, ret, int(count))
	if err != nil {
		return nil, err
	}
	values := make([]bool, len(seq))
	for i, item := range seq {
		b, ok := item.(lua.LBool)
		if !ok {
			return nil, contractError(entry, "element %d is %s, expected boolean", i+1, describe(item))
		}
		values[i] = bool(b)
	}
	return values, nil
}

func (d *Device) write(entry string, address uint16, values *lua.LTable) (uint16, uint16, error) {
	ret, err := d.call(entry, lua.LNumber(address), values)
	if err != nil {
		return 0, 0, err
	}
	seq, err := sequence(entry, ret, 2)
	if err != nil {
		return 0, 0, err
	}
	written, ok := integer(seq[0], math.MaxUint16)
	if !ok {
		return 0, 0, contractError(entry, "address is %s, expected integer 0..65535", describe(seq[0]))
	}
	quantity, ok := integer(seq[1], math.MaxUint16)
	if !ok {
		return 0, 0, contractError(entry, "quantity is %s, expected integer 0..65535", describe(seq[1]))
	}
	return uint16(written), uint16(quantity), nil
}

// call invokes a global script function with one return value.
func (d *Device) call(entry string, args ...lua.LValue) (lua.LValue, error) {
	if d.state == nil {
		return nil, executionError(entry, errClosed)
	}
	fn := d.state.GetGlobal(entry)
	if fn.Type() != lua.LTFunction {
		return nil, executionError(entry, fmt.Errorf("entry point not defined (global is %s)", fn.Type()))
	}

	err := d.protected(func() error {
		return d.state.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...)
	})
	if err != nil {
		return nil, executionError(entry, err)
	}
	ret := d.state.Get(-1)
	d.state.Pop(1)
	return ret, nil
}

// protected runs fn with the configured execution deadline attached to the
// Lua state.
func (d *Device) protected(fn func() error) error {
	if d.timeout <= 0 {
		return fn()
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	d.state.SetContext(ctx)
	defer d.state.RemoveContext()
	return fn()
}

func (d *Device) luaLog(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	d.logger.Debug().Str("script", d.name).Msg(strings.Join(parts, " "))
	return 0
}

// sequence checks that ret is a Lua sequence of exactly n elements with no
// other keys and returns them in order.
func sequence(entry string, ret lua.LValue, n int) ([]lua.LValue, error) {
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, contractError(entry, "returned %s, expected a sequence of %d elements", describe(ret), n)
	}
	if got := tbl.Len(); got != n {
		return nil, contractError(entry, "returned %d elements, expected %d", got, n)
	}
	keys := 0
	tbl.ForEach(func(lua.LValue, lua.LValue) { keys++ })
	if keys != n {
		return nil, contractError(entry, "returned a table with %d keys outside the sequence 1..%d", keys-n, n)
	}
	items := make([]lua.LValue, n)
	for i := 0; i < n; i++ {
		items[i] = tbl.RawGetInt(i + 1)
	}
	return items, nil
}

func integer(v lua.LValue, max float64) (int, bool) {
	num, ok := v.(lua.LNumber)
	if !ok {
		return 0, false
	}
	f := float64(num)
	if f != math.Trunc(f) || f < 0 || f > max {
		return 0, false
	}
	return int(f), true
}

func describe(v lua.LValue) string {
	if num, ok := v.(lua.LNumber); ok {
		return fmt.Sprintf("number %v", float64(num))
	}
	return v.Type().String()
}
