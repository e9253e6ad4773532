package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tankwanghow/poucon/internal/model"
)

// S7 area codes for the "S7 Any" addressing scheme (spec §4.1, protocol
// "s7"): process image input (PII), process image output (PIQ), and data
// blocks.
const (
	s7AreaPI  = 0x81 // process image inputs
	s7AreaPQ  = 0x82 // process image outputs
	s7AreaDB  = 0x84 // data block
)

// s7Adapter holds one ISO-on-TCP connection in the "data transfer"
// state (COTP connected, S7 communication parameters negotiated). It
// is a single round-trip-per-request model (spec §4.1 calls for simple
// synchronous PII/PIQ/DB access, not a streaming event channel): dial,
// perform the fixed handshake, then serve one request at a time until
// Close. There is no keepalive and no idle teardown.
type s7Adapter struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
	pduRef  uint16
}

// NewS7 dials the PLC, performs the COTP connection request and the S7
// "setup communication" negotiation, and returns a ready adapter.
func NewS7(p model.Port, timeout time.Duration) (Adapter, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:102", p.Host), timeout)
	if err != nil {
		return nil, failuref(model.ErrDisconnected, "s7 dial %s: %v", p.Host, err)
	}
	a := &s7Adapter{conn: conn, r: bufio.NewReader(conn), timeout: timeout, pduRef: 1}

	conn.SetDeadline(time.Now().Add(timeout))
	if err := a.cotpConnect(p.S7Rack, p.S7Slot); err != nil {
		conn.Close()
		return nil, err
	}
	if err := a.setupCommunication(); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

// cotpConnect sends an ISO 8073 class 0 connection request addressed by
// rack/slot (TSAPs 0x01/rack<<5|slot per the common S7-300/400 convention)
// and waits for the matching connection confirm.
func (a *s7Adapter) cotpConnect(rack, slot int) error {
	destTSAP := byte(0x01)
	srcTSAP := byte(rack<<5 | slot)

	cr := []byte{
		0x03, 0x00, 0x00, 0x16, // TPKT: version 3, reserved, length (filled below)
		0x11,       // COTP length indicator
		0xE0,       // CR - connection request
		0x00, 0x00, // dest reference
		0x00, 0x01, // src reference
		0x00,       // class 0
		0xC1, 0x02, 0x01, 0x00, // src TSAP param
		0xC2, 0x02, srcTSAP, destTSAP, // dst TSAP param
		0xC0, 0x01, 0x0A, // TPDU size = 1024
	}
	binary.BigEndian.PutUint16(cr[2:4], uint16(len(cr)))

	if _, err := a.conn.Write(cr); err != nil {
		return failuref(model.ErrDisconnected, "cotp connect write: %v", err)
	}

	hdr := make([]byte, 4)
	if _, err := readFull(a.r, hdr); err != nil {
		return failuref(model.ErrTimeout, "cotp connect confirm: %v", err)
	}
	n := binary.BigEndian.Uint16(hdr[2:4])
	rest := make([]byte, int(n)-4)
	if _, err := readFull(a.r, rest); err != nil {
		return failuref(model.ErrTimeout, "cotp connect confirm body: %v", err)
	}
	if len(rest) < 2 || rest[1] != 0xD0 {
		return failuref(model.ErrDisconnected, "cotp connect refused")
	}
	return nil
}

// setupCommunication negotiates the S7comm PDU size and max outstanding
// job counts; every job thereafter is a single request/response exchange.
func (a *s7Adapter) setupCommunication() error {
	req := []byte{
		0x03, 0x00, 0x00, 0x19, // TPKT
		0x02, 0xF0, 0x80, // COTP DT, EOT
		0x32, 0x01, // S7 header: protocol id, job type
		0x00, 0x00,
		byte(a.pduRef >> 8), byte(a.pduRef),
		0x00, 0x08, // param length
		0x00, 0x00, // data length
		0xF0, // function: setup communication
		0x00,
		0x00, 0x01, // max amq caller
		0x00, 0x01, // max amq callee
		0x03, 0xC0, // pdu length
	}
	if _, err := a.conn.Write(req); err != nil {
		return failuref(model.ErrDisconnected, "s7 setup write: %v", err)
	}
	if _, err := readS7Response(a.r); err != nil {
		return err
	}
	a.pduRef++
	return nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// readS7Response reads one TPKT+COTP+S7 response frame and returns
// everything after the TPKT header: the COTP header followed by the S7
// header, parameters and data.
func readS7Response(r *bufio.Reader) ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := readFull(r, hdr); err != nil {
		return nil, failuref(model.ErrTimeout, "s7 response header: %v", err)
	}
	n := binary.BigEndian.Uint16(hdr[2:4])
	if n < 7 {
		return nil, failuref(model.ErrParse, "s7 response too short")
	}
	rest := make([]byte, int(n)-4)
	if _, err := readFull(r, rest); err != nil {
		return nil, failuref(model.ErrTimeout, "s7 response body: %v", err)
	}
	// rest = [cotp header...][s7 header+params+data]
	return rest, nil
}

func (a *s7Adapter) Request(ctx context.Context, cmd Cmd) (Result, error) {
	type out struct {
		vals []byte
		err  error
	}
	done := make(chan out, 1)
	go func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.conn.SetDeadline(time.Now().Add(a.timeout))
		vals, err := a.dispatch(cmd)
		done <- out{vals, err}
	}()

	select {
	case <-ctx.Done():
		return Result{}, failuref(model.ErrTimeout, "s7: %v", ctx.Err())
	case o := <-done:
		if o.err != nil {
			return Result{}, o.err
		}
		return Result{Values: o.vals}, nil
	}
}

func (a *s7Adapter) dispatch(cmd Cmd) ([]byte, error) {
	switch cmd.Verb {
	case VerbReadInputs:
		return a.readArea(s7AreaPI, cmd.Offset, cmd.Length)
	case VerbReadOutputs:
		return a.readArea(s7AreaPQ, cmd.Offset, cmd.Length)
	case VerbWriteOutputs:
		return nil, a.writeArea(s7AreaPQ, cmd.Offset, cmd.Bytes)
	case VerbReadDB:
		return a.readDB(cmd.DB, cmd.Offset, cmd.Length)
	case VerbWriteDB:
		return nil, a.writeDB(cmd.DB, cmd.Offset, cmd.Bytes)
	default:
		return nil, failuref(model.ErrUnknownCmd, "verb %q unsupported on s7 adapter", cmd.Verb)
	}
}

func (a *s7Adapter) readArea(area byte, offset, length int) ([]byte, error) {
	return a.readItem(area, 0, offset, length)
}

func (a *s7Adapter) readDB(db, offset, length int) ([]byte, error) {
	return a.readItem(s7AreaDB, db, offset, length)
}

// readItem builds and sends a single "read var" job request for one S7
// addressing item, then parses the returned data item.
func (a *s7Adapter) readItem(area byte, db, offset, length int) ([]byte, error) {
	bitOffset := offset * 8
	item := []byte{
		0x12, 0x0A, 0x10, 0x02, // var spec, length, syntax id, transport size (byte)
		byte(length >> 8), byte(length),
		byte(db >> 8), byte(db),
		area,
		byte(bitOffset >> 16), byte(bitOffset >> 8), byte(bitOffset),
	}

	req := a.buildJob(0x04, item, nil) // function 0x04 = read var
	if _, err := a.conn.Write(req); err != nil {
		return nil, failuref(model.ErrTimeout, "s7 read write: %v", err)
	}
	body, err := readS7Response(a.r)
	if err != nil {
		return nil, err
	}
	return parseReadData(body, length)
}

func (a *s7Adapter) writeArea(area byte, offset int, data []byte) error {
	return a.writeItem(area, 0, offset, data)
}

func (a *s7Adapter) writeDB(db, offset int, data []byte) error {
	return a.writeItem(s7AreaDB, db, offset, data)
}

func (a *s7Adapter) writeItem(area byte, db, offset int, data []byte) error {
	bitOffset := offset * 8
	item := []byte{
		0x12, 0x0A, 0x10, 0x02,
		byte(len(data) >> 8), byte(len(data)),
		byte(db >> 8), byte(db),
		area,
		byte(bitOffset >> 16), byte(bitOffset >> 8), byte(bitOffset),
	}
	dataItem := append([]byte{0x00, 0x04, byte(len(data) * 8 >> 8), byte(len(data) * 8)}, data...)

	req := a.buildJob(0x05, item, dataItem) // function 0x05 = write var
	if _, err := a.conn.Write(req); err != nil {
		return failuref(model.ErrTimeout, "s7 write: %v", err)
	}
	_, err := readS7Response(a.r)
	return err
}

// buildJob wraps one S7 parameter+data item pair in the TPKT/COTP/S7comm
// envelope used throughout (spec §4.1, protocol "s7").
func (a *s7Adapter) buildJob(function byte, item, dataItem []byte) []byte {
	param := append([]byte{function, 0x01}, item...)
	paramLen := len(param)
	dataLen := len(dataItem)

	hdr := []byte{
		0x32, 0x01, // protocol id, job type
		0x00, 0x00,
		byte(a.pduRef >> 8), byte(a.pduRef),
		byte(paramLen >> 8), byte(paramLen),
		byte(dataLen >> 8), byte(dataLen),
	}
	a.pduRef++

	s7 := append(hdr, param...)
	s7 = append(s7, dataItem...)

	cotp := []byte{0x02, 0xF0, 0x80}
	total := 4 + len(cotp) + len(s7)
	tpkt := []byte{0x03, 0x00, byte(total >> 8), byte(total)}

	out := append(tpkt, cotp...)
	out = append(out, s7...)
	return out
}

// parseReadData strips the S7 data-item header (return code, transport
// size, byte length) from a read-var response, validating the requested
// length matches what came back.
func parseReadData(body []byte, wantLen int) ([]byte, error) {
	// body = cotp DT header(3) + s7 ack-data header(12) + param(2) +
	// data item(4 header + payload)
	if len(body) < 21 {
		return nil, failuref(model.ErrParse, "s7 read response too short")
	}
	dataItem := body[17:]
	if len(dataItem) < 4 {
		return nil, failuref(model.ErrParse, "s7 data item too short")
	}
	retCode := dataItem[0]
	if retCode != 0xFF {
		return nil, &model.FieldError{Kind: model.ErrException, Code: int(retCode)}
	}
	payload := dataItem[4:]
	if len(payload) < wantLen {
		return nil, failuref(model.ErrParse, "s7 data item short: got %d want %d", len(payload), wantLen)
	}
	return payload[:wantLen], nil
}

func (a *s7Adapter) Close() error {
	return a.conn.Close()
}
