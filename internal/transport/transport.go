// Package transport implements the bit-level fieldbus adapters of spec
// §4.1: Modbus RTU, Modbus TCP, RTU-over-TCP, and S7. Every adapter speaks
// the same protocol-agnostic command vocabulary so that the port worker
// (internal/portio) never needs to know which wire format it is driving.
package transport

import (
	"context"
	"fmt"

	"github.com/tankwanghow/poucon/internal/model"
)

// Verb names one of the wire operations of spec §4.1's command table.
type Verb string

const (
	VerbReadDiscreteInputs   Verb = "ri"
	VerbReadCoils            Verb = "rc"
	VerbReadInputRegisters   Verb = "rir"
	VerbReadHoldingRegisters Verb = "rhr"
	VerbForceCoil            Verb = "fc"
	VerbPresetHoldingReg     Verb = "phr"
	VerbPresetMultipleRegs   Verb = "pmr" // function code 16, spec §6
	VerbReadInputs           Verb = "read_inputs"  // S7 PII
	VerbReadOutputs          Verb = "read_outputs" // S7 PIQ
	VerbWriteOutputs         Verb = "write_outputs"
	VerbReadDB               Verb = "read_db"
	VerbWriteDB              Verb = "write_db"
)

// Cmd is a single request at the command boundary (spec §4.1, §4.10).
type Cmd struct {
	Verb  Verb
	Slave int // Modbus slave id, 1..255
	Addr  int // register/coil/input address
	Count int // quantity to read

	Value uint16 // fc/phr write value

	// S7 addressing.
	Offset int
	Length int
	DB     int
	Bytes  []byte // write_outputs/write_db payload
}

// Result carries a successful request's payload; a failure comes back as
// the *model.FieldError returned alongside it.
type Result struct {
	Values []byte // raw register/coil bytes, MSB-first per register
}

// Adapter is the capability set every transport implementation exposes
// (spec §4.1: "request(connection, cmd, protocol) -> ok(values) | ok |
// error(kind)" plus close/stop).
type Adapter interface {
	// Request performs one command and blocks until it completes, the
	// adapter's own deadline expires, or ctx is cancelled.
	Request(ctx context.Context, cmd Cmd) (Result, error)

	// Close tears down the underlying connection, if any.
	Close() error
}

// failuref builds a *model.FieldError tagged with the adapter's failure
// kind, identifying the data point by its port-relative address for
// logging.
func failuref(kind model.ErrorKind, format string, args ...any) error {
	return &model.FieldError{Kind: kind, Text: fmt.Sprintf(format, args...)}
}
