package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tankwanghow/poucon/internal/model"
)

// rtuFrame is a Modbus RTU protocol data unit as it appears on the wire:
// slave address, function code + payload, CRC-16/IBM trailer. No gap timer
// separates frames the way RS-485 RTU requires; the TCP stream carries its
// own framing via the CRC check alone (spec §4.1: "rtu_over_tcp tunnels the
// RTU byte frame over a TCP socket with no MBAP header").
type rtuFrame struct {
	Slave byte
	PDU   []byte // function code + data, CRC excluded
}

// rtuCodec encodes and decodes rtuFrame values. It keeps a reusable
// buffer, since one codec instance serves one port worker at a time.
type rtuCodec struct {
	buf [256]byte
}

func (c *rtuCodec) Encode(w io.Writer, f rtuFrame) error {
	n := 1 + len(f.PDU) + 2
	if n > len(c.buf) {
		return fmt.Errorf("rtu frame too large: %d bytes", n)
	}
	c.buf[0] = f.Slave
	copy(c.buf[1:], f.PDU)
	crc := crc16Modbus(c.buf[:1+len(f.PDU)])
	c.buf[1+len(f.PDU)] = byte(crc)
	c.buf[1+len(f.PDU)+1] = byte(crc >> 8)

	_, err := w.Write(c.buf[:n])
	return err
}

// Decode reads one framed reply of exactly pduLen PDU bytes. RTU has no
// explicit length prefix, so the caller must know the expected reply size
// from the request it sent — the same constraint goburrow/modbus's RTU
// handler works under.
func (c *rtuCodec) Decode(r io.Reader, pduLen int) (rtuFrame, error) {
	n := 1 + pduLen + 2
	if n > len(c.buf) {
		return rtuFrame{}, fmt.Errorf("rtu reply too large: %d bytes", n)
	}
	if _, err := io.ReadFull(r, c.buf[:n]); err != nil {
		return rtuFrame{}, err
	}

	want := crc16Modbus(c.buf[:1+pduLen])
	got := uint16(c.buf[1+pduLen]) | uint16(c.buf[1+pduLen+1])<<8
	if want != got {
		return rtuFrame{}, &model.FieldError{Kind: model.ErrCRC, Text: "rtu_over_tcp frame checksum mismatch"}
	}

	pdu := make([]byte, pduLen)
	copy(pdu, c.buf[1:1+pduLen])
	return rtuFrame{Slave: c.buf[0], PDU: pdu}, nil
}

// crc16Modbus computes CRC-16/IBM (polynomial 0xA001, init 0xFFFF), the
// checksum Modbus RTU frames carry (spec §4.1).
func crc16Modbus(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// rtuOverTCPAdapter drives Modbus RTU framing over a persistent TCP socket
// (spec §4.1, protocol "rtu_over_tcp") — used by serial-to-Ethernet gateway
// hardware that tunnels the raw RTU byte stream rather than reframing it
// as MBAP.
type rtuOverTCPAdapter struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	codec   rtuCodec
	timeout time.Duration
}

// NewRTUOverTCP dials the gateway and returns a ready adapter.
func NewRTUOverTCP(p model.Port, timeout time.Duration) (Adapter, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", p.Host, p.TCPPort), timeout)
	if err != nil {
		return nil, failuref(model.ErrDisconnected, "rtu_over_tcp dial %s:%d: %v", p.Host, p.TCPPort, err)
	}
	return &rtuOverTCPAdapter{conn: conn, r: bufio.NewReader(conn), timeout: timeout}, nil
}

func (a *rtuOverTCPAdapter) Request(ctx context.Context, cmd Cmd) (Result, error) {
	if cmd.Slave < 1 || cmd.Slave > 255 {
		return Result{}, failuref(model.ErrInvalidRange, "slave %d out of range", cmd.Slave)
	}

	pdu, replyLen, err := encodePDU(cmd)
	if err != nil {
		return Result{}, err
	}

	type out struct {
		f   rtuFrame
		err error
	}
	done := make(chan out, 1)
	go func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		a.conn.SetDeadline(time.Now().Add(a.timeout))
		if err := a.codec.Encode(a.conn, rtuFrame{Slave: byte(cmd.Slave), PDU: pdu}); err != nil {
			done <- out{err: failuref(model.ErrTimeout, "slave %d write: %v", cmd.Slave, err)}
			return
		}
		f, err := a.codec.Decode(a.r, replyLen)
		if err != nil {
			if fe, ok := err.(*model.FieldError); ok {
				done <- out{err: fe}
				return
			}
			done <- out{err: failuref(model.ErrTimeout, "slave %d read: %v", cmd.Slave, err)}
			return
		}
		done <- out{f: f}
	}()

	select {
	case <-ctx.Done():
		return Result{}, failuref(model.ErrTimeout, "slave %d: %v", cmd.Slave, ctx.Err())
	case o := <-done:
		if o.err != nil {
			return Result{}, o.err
		}
		if o.f.Slave != byte(cmd.Slave) {
			return Result{}, &model.FieldError{Kind: model.ErrDisagreement, Text: "reply from wrong slave address"}
		}
		return Result{Values: o.f.PDU[2:]}, nil
	}
}

// encodePDU builds the Modbus function-code PDU for cmd and predicts the
// reply PDU length so Decode knows how many bytes to read (spec §4.1
// command table).
func encodePDU(cmd Cmd) (pdu []byte, replyLen int, err error) {
	switch cmd.Verb {
	case VerbReadDiscreteInputs:
		return fcReadBits(0x02, cmd.Addr, cmd.Count), 2 + byteCount(cmd.Count), nil
	case VerbReadCoils:
		return fcReadBits(0x01, cmd.Addr, cmd.Count), 2 + byteCount(cmd.Count), nil
	case VerbReadInputRegisters:
		return fcReadBits(0x04, cmd.Addr, cmd.Count), 2 + 2*cmd.Count, nil
	case VerbReadHoldingRegisters:
		return fcReadBits(0x03, cmd.Addr, cmd.Count), 2 + 2*cmd.Count, nil
	case VerbForceCoil:
		v := uint16(0)
		if cmd.Value != 0 {
			v = 0xFF00
		}
		return fcWriteSingle(0x05, cmd.Addr, v), 5, nil
	case VerbPresetHoldingReg:
		return fcWriteSingle(0x06, cmd.Addr, cmd.Value), 5, nil
	case VerbPresetMultipleRegs:
		return fcWriteMultiple(0x10, cmd.Addr, cmd.Count, cmd.Bytes), 5, nil
	default:
		return nil, 0, failuref(model.ErrUnknownCmd, "verb %q unsupported on rtu_over_tcp", cmd.Verb)
	}
}

func byteCount(bits int) int { return (bits + 7) / 8 }

func fcReadBits(fc byte, addr, count int) []byte {
	return []byte{fc, byte(addr >> 8), byte(addr), byte(count >> 8), byte(count)}
}

func fcWriteSingle(fc byte, addr int, value uint16) []byte {
	return []byte{fc, byte(addr >> 8), byte(addr), byte(value >> 8), byte(value)}
}

// fcWriteMultiple builds the function-code-16 PDU: address, quantity,
// byte count, then the register payload itself.
func fcWriteMultiple(fc byte, addr, count int, data []byte) []byte {
	out := []byte{fc, byte(addr >> 8), byte(addr), byte(count >> 8), byte(count), byte(len(data))}
	return append(out, data...)
}

func (a *rtuOverTCPAdapter) Close() error {
	return a.conn.Close()
}
