package device

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func loadMemory(t *testing.T, opts ...Option) *Device {
	t.Helper()
	dev, err := Load(filepath.Join("testdata", "memory.lua"), opts...)
	require.NoError(t, err)
	t.Cleanup(dev.Close)
	return dev
}

func newScript(t *testing.T, source string, opts ...Option) *Device {
	t.Helper()
	dev, err := New("test.lua", source, opts...)
	require.NoError(t, err)
	t.Cleanup(dev.Close)
	return dev
}

func requireDeviceError(t *testing.T, err error, kind error, entry string) *Error {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, kind), "expected %v, got %v", kind, err)
	var devErr *Error
	require.True(t, errors.As(err, &devErr))
	require.Equal(t, entry, devErr.Entry)
	return devErr
}

func TestHoldingRegistersRoundTrip(t *testing.T) {
	dev := loadMemory(t)

	addr, qty, err := dev.WriteHoldingRegisters(0, []uint16{0, 1, 2})
	require.NoError(t, err)
	require.Equal(t, uint16(0), addr)
	require.Equal(t, uint16(3), qty)

	values, err := dev.ReadHoldingRegisters(0, 3)
	require.NoError(t, err)
	require.Equal(t, []uint16{0, 1, 2}, values)
}

func TestCoilRoundTrip(t *testing.T) {
	dev := loadMemory(t)

	addr, qty, err := dev.WriteCoils(5, []bool{true})
	require.NoError(t, err)
	require.Equal(t, uint16(5), addr)
	require.Equal(t, uint16(1), qty)

	values, err := dev.ReadCoils(5, 1)
	require.NoError(t, err)
	require.Equal(t, []bool{true}, values)

	values, err = dev.ReadCoils(4, 3)
	require.NoError(t, err)
	require.Equal(t, []bool{false, true, false}, values)
}

func TestInputsAndDiscreteInputs(t *testing.T) {
	dev := loadMemory(t)

	regs, err := dev.ReadInputRegisters(10, 3)
	require.NoError(t, err)
	require.Equal(t, []uint16{10, 11, 12}, regs)

	bits, err := dev.ReadDiscreteInputs(1, 4)
	require.NoError(t, err)
	require.Equal(t, []bool{false, true, false, true}, bits)
}

func TestReadLengthMismatchIsContractViolation(t *testing.T) {
	dev := newScript(t, `function ReadInputRegisters(addr, count) return {0, 1, 2} end`)

	_, err := dev.ReadInputRegisters(0, 10)
	devErr := requireDeviceError(t, err, ErrScriptContract, EntryReadInputRegisters)
	require.Contains(t, devErr.Detail, "returned 3 elements, expected 10")
}

func TestExtraTableKeysAreContractViolation(t *testing.T) {
	dev := newScript(t, `
function ReadCoils(addr, count) return {true, x = 1} end
function ReadHoldingRegisters(addr, count) return {[0] = 9, 1, 2} end
function WriteHoldingRegisters(addr, values) return {addr, #values, note = "ok"} end
`)

	_, err := dev.ReadCoils(0, 1)
	devErr := requireDeviceError(t, err, ErrScriptContract, EntryReadCoils)
	require.Contains(t, devErr.Detail, "1 keys outside the sequence 1..1")

	_, err = dev.ReadHoldingRegisters(0, 2)
	requireDeviceError(t, err, ErrScriptContract, EntryReadHoldingRegisters)

	_, _, err = dev.WriteHoldingRegisters(3, []uint16{1})
	requireDeviceError(t, err, ErrScriptContract, EntryWriteHoldingRegisters)
}

func TestReadElementTypeIsChecked(t *testing.T) {
	dev := newScript(t, `
function ReadDiscreteInputs(addr, count) return {true, 1} end
function ReadHoldingRegisters(addr, count) return {true} end
function ReadInputRegisters(addr, count) return {70000} end
function ReadCoils(addr, count) return "on" end
`)

	_, err := dev.ReadDiscreteInputs(0, 2)
	devErr := requireDeviceError(t, err, ErrScriptContract, EntryReadDiscreteInputs)
	require.Contains(t, devErr.Detail, "element 2")

	_, err = dev.ReadHoldingRegisters(0, 1)
	requireDeviceError(t, err, ErrScriptContract, EntryReadHoldingRegisters)

	_, err = dev.ReadInputRegisters(0, 1)
	devErr = requireDeviceError(t, err, ErrScriptContract, EntryReadInputRegisters)
	require.Contains(t, devErr.Detail, "70000")

	_, err = dev.ReadCoils(0, 1)
	requireDeviceError(t, err, ErrScriptContract, EntryReadCoils)
}

func TestFractionalRegisterIsRejected(t *testing.T) {
	dev := newScript(t, `function ReadHoldingRegisters(addr, count) return {1.5} end`)

	_, err := dev.ReadHoldingRegisters(0, 1)
	requireDeviceError(t, err, ErrScriptContract, EntryReadHoldingRegisters)
}

func TestWriteResultArityIsChecked(t *testing.T) {
	dev := newScript(t, `
function WriteCoils(addr, values) return {addr} end
function WriteHoldingRegisters(addr, values) return {addr, #values, 0} end
`)

	_, _, err := dev.WriteCoils(0, []bool{true, false})
	requireDeviceError(t, err, ErrScriptContract, EntryWriteCoils)

	_, _, err = dev.WriteHoldingRegisters(0, []uint16{7})
	requireDeviceError(t, err, ErrScriptContract, EntryWriteHoldingRegisters)
}

func TestWriteReceivesOneBasedSequence(t *testing.T) {
	dev := newScript(t, `
local last = {}
function WriteHoldingRegisters(addr, values)
  last = values
  return {addr, #values}
end
function ReadHoldingRegisters(addr, count)
  return {last[1], last[2]}
end
`)

	_, qty, err := dev.WriteHoldingRegisters(40, []uint16{65535, 9})
	require.NoError(t, err)
	require.Equal(t, uint16(2), qty)

	values, err := dev.ReadHoldingRegisters(0, 2)
	require.NoError(t, err)
	require.Equal(t, []uint16{65535, 9}, values)
}

func TestMissingEntryPointIsExecutionError(t *testing.T) {
	dev := newScript(t, `ReadCoils = 5`)

	_, err := dev.ReadHoldingRegisters(0, 1)
	requireDeviceError(t, err, ErrScriptExecution, EntryReadHoldingRegisters)

	_, err = dev.ReadCoils(0, 1)
	devErr := requireDeviceError(t, err, ErrScriptExecution, EntryReadCoils)
	require.Contains(t, devErr.Detail, "number")
}

func TestRuntimeErrorCarriesDiagnosticAndStateSurvives(t *testing.T) {
	dev := newScript(t, `
local calls = 0
function ReadHoldingRegisters(addr, count)
  calls = calls + 1
  if addr == 13 then error("unlucky address") end
  return {calls}
end
`)

	_, err := dev.ReadHoldingRegisters(13, 1)
	devErr := requireDeviceError(t, err, ErrScriptExecution, EntryReadHoldingRegisters)
	require.Contains(t, devErr.Detail, "unlucky address")

	values, err := dev.ReadHoldingRegisters(0, 1)
	require.NoError(t, err)
	require.Equal(t, []uint16{2}, values)
}

func TestExecTimeoutStopsRunawayScript(t *testing.T) {
	dev := newScript(t, `
function ReadCoils(addr, count)
  if addr == 0 then
    while true do end
  end
  return {true}
end
`, WithExecTimeout(50*time.Millisecond))

	_, err := dev.ReadCoils(0, 1)
	requireDeviceError(t, err, ErrScriptExecution, EntryReadCoils)

	values, err := dev.ReadCoils(1, 1)
	require.NoError(t, err)
	require.Equal(t, []bool{true}, values)
}

func TestLoadFailures(t *testing.T) {
	_, err := New("broken.lua", `function ReadCoils(`)
	require.ErrorIs(t, err, ErrScriptLoad)

	_, err = New("raises.lua", `error("refusing to start")`)
	require.ErrorIs(t, err, ErrScriptLoad)
	require.Contains(t, err.Error(), "refusing to start")

	_, err = Load(filepath.Join(t.TempDir(), "missing.lua"))
	require.ErrorIs(t, err, ErrScriptLoad)
}

func TestLogHostFunction(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	dev := loadMemory(t, WithLogger(logger))

	_, _, err := dev.WriteCoils(3, []bool{true, true})
	require.NoError(t, err)
	require.Contains(t, buf.String(), "coils written 3 2")
	require.Contains(t, buf.String(), "memory.lua")
}

func TestClosedDeviceReportsExecutionError(t *testing.T) {
	dev, err := New("closed.lua", `function ReadCoils(a, c) return {true} end`)
	require.NoError(t, err)
	dev.Close()
	dev.Close()

	_, err = dev.ReadCoils(0, 1)
	require.ErrorIs(t, err, ErrScriptExecution)
}

func TestExampleTankController(t *testing.T) {
	dev, err := Load(filepath.Join("..", "..", "examples", "device.lua"))
	require.NoError(t, err)
	t.Cleanup(dev.Close)

	regs, err := dev.ReadHoldingRegisters(0, 2)
	require.NoError(t, err)
	require.Equal(t, []uint16{50, 100}, regs)

	_, _, err = dev.WriteHoldingRegisters(0, []uint16{150})
	require.NoError(t, err)
	regs, err = dev.ReadHoldingRegisters(0, 1)
	require.NoError(t, err)
	require.Equal(t, []uint16{100}, regs)

	_, _, err = dev.WriteCoils(0, []bool{true})
	require.NoError(t, err)
	inputs, err := dev.ReadInputRegisters(0, 3)
	require.NoError(t, err)
	require.Equal(t, []uint16{408, 100, 1}, inputs)

	bits, err := dev.ReadDiscreteInputs(0, 2)
	require.NoError(t, err)
	require.Equal(t, []bool{true, false}, bits)
}
