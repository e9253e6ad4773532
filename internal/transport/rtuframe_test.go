package transport

import (
	"bytes"
	"testing"

	"github.com/tankwanghow/poucon/internal/model"
)

func TestCRC16ModbusKnownVector(t *testing.T) {
	// Read holding registers request, slave 1, addr 0, count 10 — a
	// widely published Modbus CRC test vector.
	frame := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}
	got := crc16Modbus(frame)
	if got != 0xCDC5 {
		t.Fatalf("crc16Modbus = %#04x, want 0xcdc5", got)
	}
}

func TestRTUCodecEncodeDecodeRoundTrip(t *testing.T) {
	var codec rtuCodec
	var buf bytes.Buffer

	want := rtuFrame{Slave: 0x11, PDU: []byte{0x03, 0x02, 0x00, 0x64}}
	if err := codec.Encode(&buf, want); err != nil {
		t.Fatal(err)
	}

	got, err := codec.Decode(&buf, len(want.PDU))
	if err != nil {
		t.Fatal(err)
	}
	if got.Slave != want.Slave || !bytes.Equal(got.PDU, want.PDU) {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestEncodePDUWriteMultipleRegisters(t *testing.T) {
	cmd := Cmd{Verb: VerbPresetMultipleRegs, Addr: 10, Count: 2, Bytes: []byte{0x3F, 0xC0, 0x00, 0x00}}
	pdu, replyLen, err := encodePDU(cmd)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x10, 0x00, 0x0A, 0x00, 0x02, 0x04, 0x3F, 0xC0, 0x00, 0x00}
	if !bytes.Equal(pdu, want) {
		t.Fatalf("pdu = % x, want % x", pdu, want)
	}
	if replyLen != 5 {
		t.Fatalf("replyLen = %d, want 5", replyLen)
	}
}

func TestRTUCodecDecodeRejectsBadChecksum(t *testing.T) {
	var codec rtuCodec
	var buf bytes.Buffer

	codec.Encode(&buf, rtuFrame{Slave: 1, PDU: []byte{0x03, 0x02, 0x00, 0x01}})
	corrupt := buf.Bytes()
	corrupt[len(corrupt)-1] ^= 0xFF

	_, err := codec.Decode(bytes.NewReader(corrupt), 4)
	if err == nil {
		t.Fatal("want checksum error")
	}
	if model.AsKind(err) != model.ErrCRC {
		t.Fatalf("AsKind = %v, want crc", model.AsKind(err))
	}
}
