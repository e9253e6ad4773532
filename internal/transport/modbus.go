package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goburrow/modbus"

	"github.com/tankwanghow/poucon/internal/model"
)

// client is the subset of goburrow/modbus.Client this package drives. Both
// the RTU and TCP handlers satisfy it once their Connect has run.
type client interface {
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

// modbusAdapter drives goburrow/modbus over either a serial (RTU) or TCP
// handler; the slave id is set per request since one port multiplexes many
// slaves (spec §4.1: "one worker per port, commands carry slave id").
type modbusAdapter struct {
	cl      client
	setSlave func(id byte)
	closer  func() error
	timeout time.Duration
}

// NewModbusRTU opens a Modbus RTU adapter on a serial port (spec §4.1,
// protocol "modbus_rtu").
func NewModbusRTU(p model.Port, timeout time.Duration) (Adapter, error) {
	h := modbus.NewRTUClientHandler(p.ID)
	h.BaudRate = p.BaudRate
	h.DataBits = p.DataBits
	h.StopBits = p.StopBits
	h.Parity = parityCode(p.Parity)
	h.Timeout = timeout

	if err := h.Connect(); err != nil {
		return nil, failuref(model.ErrDisconnected, "rtu connect %s: %v", p.ID, err)
	}

	return &modbusAdapter{
		cl:       modbus.NewClient(h),
		setSlave: func(id byte) { h.SlaveId = id },
		closer:   h.Close,
		timeout:  timeout,
	}, nil
}

// NewModbusTCP opens a Modbus TCP adapter (spec §4.1, protocol
// "modbus_tcp"; MBAP framing, slave id carried in the unit identifier).
func NewModbusTCP(p model.Port, timeout time.Duration) (Adapter, error) {
	h := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", p.Host, p.TCPPort))
	h.Timeout = timeout

	if err := h.Connect(); err != nil {
		return nil, failuref(model.ErrDisconnected, "tcp connect %s:%d: %v", p.Host, p.TCPPort, err)
	}

	return &modbusAdapter{
		cl:       modbus.NewClient(h),
		setSlave: func(id byte) { h.SlaveId = id },
		closer:   h.Close,
		timeout:  timeout,
	}, nil
}

func parityCode(p string) string {
	switch strings.ToUpper(p) {
	case "E", "EVEN":
		return "E"
	case "O", "ODD":
		return "O"
	default:
		return "N"
	}
}

func (a *modbusAdapter) Request(ctx context.Context, cmd Cmd) (Result, error) {
	if cmd.Slave < 1 || cmd.Slave > 255 {
		return Result{}, failuref(model.ErrInvalidRange, "slave %d out of range", cmd.Slave)
	}
	a.setSlave(byte(cmd.Slave))

	type out struct {
		vals []byte
		err  error
	}
	done := make(chan out, 1)
	go func() {
		vals, err := a.dispatch(cmd)
		done <- out{vals, err}
	}()

	select {
	case <-ctx.Done():
		return Result{}, failuref(model.ErrTimeout, "slave %d: %v", cmd.Slave, ctx.Err())
	case o := <-done:
		if o.err != nil {
			return Result{}, classify(cmd.Slave, o.err)
		}
		return Result{Values: o.vals}, nil
	}
}

func (a *modbusAdapter) dispatch(cmd Cmd) ([]byte, error) {
	switch cmd.Verb {
	case VerbReadDiscreteInputs:
		return a.cl.ReadDiscreteInputs(uint16(cmd.Addr), uint16(cmd.Count))
	case VerbReadCoils:
		return a.cl.ReadCoils(uint16(cmd.Addr), uint16(cmd.Count))
	case VerbReadInputRegisters:
		return a.cl.ReadInputRegisters(uint16(cmd.Addr), uint16(cmd.Count))
	case VerbReadHoldingRegisters:
		return a.cl.ReadHoldingRegisters(uint16(cmd.Addr), uint16(cmd.Count))
	case VerbForceCoil:
		v := uint16(0)
		if cmd.Value != 0 {
			v = 0xFF00
		}
		return a.cl.WriteSingleCoil(uint16(cmd.Addr), v)
	case VerbPresetHoldingReg:
		return a.cl.WriteSingleRegister(uint16(cmd.Addr), cmd.Value)
	case VerbPresetMultipleRegs:
		return a.cl.WriteMultipleRegisters(uint16(cmd.Addr), uint16(cmd.Count), cmd.Bytes)
	default:
		return nil, failuref(model.ErrUnknownCmd, "verb %q unsupported on modbus adapter", cmd.Verb)
	}
}

// classify folds a goburrow/modbus error into the closed ErrorKind set
// (spec §7): an exception response (*modbus.ModbusError) surfaces its own
// code, anything else — timeouts, broken pipes, CRC mismatches reported by
// the library's own frame check — folds to the transport-restart bucket.
func classify(slave int, err error) error {
	if me, ok := err.(*modbus.ModbusError); ok {
		return &model.FieldError{Kind: model.ErrException, Code: int(me.ExceptionCode)}
	}
	return failuref(model.ErrTimeout, "slave %d: %v", slave, err)
}

func (a *modbusAdapter) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer()
}
