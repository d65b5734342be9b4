package remote

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/goburrow/modbus"
)

// DefaultTimeout applies when an Endpoint carries no timeout.
const DefaultTimeout = 5 * time.Second

// Endpoint identifies a Modbus TCP server.
type Endpoint struct {
	Address string
	UnitID  byte
	Timeout time.Duration
}

// Client defines the Modbus operations exercised against a simulated device.
type Client interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
	Close() error
}

// ClientFactory creates connected Modbus clients.
type ClientFactory func(endpoint Endpoint) (Client, error)

type tcpClient struct {
	handler *modbus.TCPClientHandler
	modbus.Client
}

// NewTCPClientFactory returns a factory that creates TCP Modbus clients.
func NewTCPClientFactory() ClientFactory {
	return func(endpoint Endpoint) (Client, error) {
		if endpoint.Address == "" {
			return nil, fmt.Errorf("remote address is required")
		}
		handler := modbus.NewTCPClientHandler(endpoint.Address)
		handler.SlaveId = endpoint.UnitID
		timeout := endpoint.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		handler.Timeout = timeout
		if err := handler.Connect(); err != nil {
			return nil, fmt.Errorf("connect remote %s: %w", endpoint.Address, err)
		}
		return &tcpClient{handler: handler, Client: modbus.NewClient(handler)}, nil
	}
}

func (c *tcpClient) Close() error {
	if c.handler != nil {
		return c.handler.Close()
	}
	return nil
}

// Probe connects to endpoint and reads one holding register. Any protocol
// response, including an exception, proves the server is serving requests.
func Probe(factory ClientFactory, endpoint Endpoint) error {
	if factory == nil {
		factory = NewTCPClientFactory()
	}
	client, err := factory(endpoint)
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.ReadHoldingRegisters(0, 1); err != nil {
		if _, ok := ExceptionCode(err); ok {
			return nil
		}
		return fmt.Errorf("probe %s: %w", endpoint.Address, err)
	}
	return nil
}

// ExceptionCode extracts the Modbus exception code carried by err.
func ExceptionCode(err error) (byte, bool) {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return mbErr.ExceptionCode, true
	}
	return 0, false
}

// Registers decodes a big-endian register payload.
func Registers(payload []byte) []uint16 {
	values := make([]uint16, len(payload)/2)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(payload[i*2:])
	}
	return values
}

// EncodeRegisters packs values into a big-endian register payload.
func EncodeRegisters(values []uint16) []byte {
	payload := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(payload[i*2:], v)
	}
	return payload
}

// Bits unpacks the first n LSB-first bits of a coil payload.
func Bits(payload []byte, n int) []bool {
	values := make([]bool, n)
	for i := range values {
		if i/8 < len(payload) {
			values[i] = payload[i/8]&(1<<(uint(i)%8)) != 0
		}
	}
	return values
}

// EncodeBits packs values LSB-first as used by write multiple coils.
func EncodeBits(values []bool) []byte {
	payload := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			payload[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return payload
}
