package dispatch

import (
	"fmt"
	"strings"
)

// Kind identifies the device action requested by an Operation.
type Kind uint8

const (
	// ReadInputRegisters reads a block of input registers.
	ReadInputRegisters Kind = iota + 1
	// ReadDiscreteInputs reads a block of discrete inputs.
	ReadDiscreteInputs
	// ReadCoils reads a block of coils.
	ReadCoils
	// ReadHoldingRegisters reads a block of holding registers.
	ReadHoldingRegisters
	// WriteSingleCoil writes one coil.
	WriteSingleCoil
	// WriteMultipleCoils writes a block of coils.
	WriteMultipleCoils
	// WriteMultipleRegisters writes a block of holding registers.
	WriteMultipleRegisters
)

var kindNames = map[Kind]string{
	ReadInputRegisters:     "read_input_registers",
	ReadDiscreteInputs:     "read_discrete_inputs",
	ReadCoils:              "read_coils",
	ReadHoldingRegisters:   "read_holding_registers",
	WriteSingleCoil:        "write_single_coil",
	WriteMultipleCoils:     "write_multiple_coils",
	WriteMultipleRegisters: "write_multiple_registers",
}

// Kinds lists every supported operation kind in function code order.
func Kinds() []Kind {
	return []Kind{
		ReadCoils,
		ReadDiscreteInputs,
		ReadHoldingRegisters,
		ReadInputRegisters,
		WriteSingleCoil,
		WriteMultipleCoils,
		WriteMultipleRegisters,
	}
}

// String returns the snake_case name used in configuration, logs and metrics.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind resolves a configuration name into a Kind.
func ParseKind(name string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for kind, candidate := range kindNames {
		if candidate == normalized {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", name)
}

// IsWrite reports whether the kind mutates device state.
func (k Kind) IsWrite() bool {
	switch k {
	case WriteSingleCoil, WriteMultipleCoils, WriteMultipleRegisters:
		return true
	default:
		return false
	}
}

// Operation is a decoded client request for one device action.
//
// Only the fields relevant to Kind are populated: Count for reads, Value for
// WriteSingleCoil, Coils for WriteMultipleCoils and Registers for
// WriteMultipleRegisters.
type Operation struct {
	Kind      Kind
	Address   uint16
	Count     uint16
	Value     bool
	Coils     []bool
	Registers []uint16
}

// Quantity returns the number of coils or registers the operation touches.
func (o Operation) Quantity() int {
	switch o.Kind {
	case WriteSingleCoil:
		return 1
	case WriteMultipleCoils:
		return len(o.Coils)
	case WriteMultipleRegisters:
		return len(o.Registers)
	default:
		return int(o.Count)
	}
}

// Outcome is the typed result of executing an Operation. Kind always equals
// the Kind of the operation that produced it.
type Outcome struct {
	Kind      Kind
	Registers []uint16
	Bits      []bool

	// Address and Quantity are reported by the device for writes.
	Address  uint16
	Quantity uint16
	// Value echoes the written coil state for WriteSingleCoil.
	Value bool
}
