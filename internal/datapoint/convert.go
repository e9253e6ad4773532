package datapoint

import (
	"encoding/binary"
	"math"

	"github.com/tankwanghow/poucon/internal/model"
	"github.com/tankwanghow/poucon/internal/transport"
)

// readFuncVerb maps a DataPoint's named read function (spec §3: "e.g.
// read_digital_input, write_analog_output") to the transport-level verb.
var readFuncVerb = map[string]transport.Verb{
	"read_digital_input":     transport.VerbReadDiscreteInputs,
	"read_discrete_input":    transport.VerbReadDiscreteInputs,
	"read_coil":              transport.VerbReadCoils,
	"read_input_register":    transport.VerbReadInputRegisters,
	"read_holding_register":  transport.VerbReadHoldingRegisters,
	"read_analog_output":     transport.VerbReadHoldingRegisters,
	"read_inputs":            transport.VerbReadInputs,
	"read_outputs":           transport.VerbReadOutputs,
	"read_db":                transport.VerbReadDB,
}

var writeFuncVerb = map[string]transport.Verb{
	"write_coil":           transport.VerbForceCoil,
	"write_digital_output": transport.VerbForceCoil,
	"write_holding_register": transport.VerbPresetHoldingReg,
	"write_analog_output":    transport.VerbPresetHoldingReg,
	"write_outputs":          transport.VerbWriteOutputs,
	"write_db":               transport.VerbWriteDB,
}

// registerCount returns how many 16-bit registers dp's value type spans.
func registerCount(vt model.ValueType) int {
	switch vt {
	case model.ValInt32, model.ValUint32, model.ValFloat32:
		return 2
	case model.ValUint64:
		return 4
	default:
		return 1
	}
}

// readCmd builds the transport.Cmd for polling dp (spec §4.1, §4.3).
func readCmd(dp model.DataPoint) (transport.Cmd, error) {
	verb, ok := readFuncVerb[dp.ReadFunc]
	if !ok {
		return transport.Cmd{}, model.Parse(dp.Name, "unknown read_fn "+dp.ReadFunc)
	}

	count := 1
	if dp.Direction == model.DirAnalogInput || dp.Direction == model.DirAnalogOutput {
		count = registerCount(dp.ValueType)
	}

	switch verb {
	case transport.VerbReadInputs, transport.VerbReadOutputs, transport.VerbReadDB:
		return transport.Cmd{Verb: verb, DB: dp.Slave, Offset: dp.Register, Length: count * 2}, nil
	default:
		return transport.Cmd{Verb: verb, Slave: dp.Slave, Addr: dp.Register, Count: count}, nil
	}
}

// writeCmd builds the transport.Cmd to write value to dp, applying the
// digital-inversion flag first (spec §4.2).
func writeCmd(dp model.DataPoint, value float64) (transport.Cmd, error) {
	verb, ok := writeFuncVerb[dp.WriteFunc]
	if !ok {
		return transport.Cmd{}, model.Parse(dp.Name, "unknown write_fn "+dp.WriteFunc)
	}

	switch verb {
	case transport.VerbForceCoil:
		on := value != 0
		if dp.Inverted {
			on = !on
		}
		v := uint16(0)
		if on {
			v = 1
		}
		return transport.Cmd{Verb: verb, Slave: dp.Slave, Addr: dp.Register, Value: v}, nil

	case transport.VerbPresetHoldingReg:
		count := registerCount(dp.ValueType)
		if count > 1 {
			// int32/uint32/float32/uint64 analog outputs (spec §3) need
			// more than one register; function code 16 (spec §6) carries
			// the full-width payload in one request instead of truncating
			// into a single 16-bit preset-single-register write.
			return transport.Cmd{
				Verb: transport.VerbPresetMultipleRegs, Slave: dp.Slave, Addr: dp.Register,
				Count: count, Bytes: encodeAnalog(dp, value),
			}, nil
		}
		raw := (value - dp.Offset) / nonZero(dp.Scale)
		return transport.Cmd{Verb: verb, Slave: dp.Slave, Addr: dp.Register, Value: uint16(int16(raw))}, nil

	case transport.VerbWriteOutputs, transport.VerbWriteDB:
		bytes := encodeAnalog(dp, value)
		return transport.Cmd{Verb: verb, DB: dp.Slave, Offset: dp.Register, Bytes: bytes}, nil

	default:
		return transport.Cmd{}, model.Parse(dp.Name, "write_fn maps to unsupported verb")
	}
}

func nonZero(f float64) float64 {
	if f == 0 {
		return 1
	}
	return f
}

// Convert decodes raw and applies the pipeline of spec §4.3: byte decode
// per value_type/byte_order, engineering conversion for analogs, bit
// extraction and inversion for digitals, and range validation.
func Convert(dp model.DataPoint, raw []byte) (float64, error) {
	switch dp.Direction {
	case model.DirDiscreteInput, model.DirCoil:
		return convertDigital(dp, raw)
	default:
		return convertAnalog(dp, raw)
	}
}

func convertDigital(dp model.DataPoint, raw []byte) (float64, error) {
	bit := 0
	if dp.Channel > 0 {
		byteIdx := (dp.Channel - 1) / 8
		bitIdx := (dp.Channel - 1) % 8
		if byteIdx >= len(raw) {
			return 0, model.NewFieldError(dp.Name, model.ErrEncodingFailed)
		}
		bit = int((raw[byteIdx] >> uint(bitIdx)) & 1)
	} else if len(raw) > 0 {
		bit = int(raw[0] & 1)
	}

	on := bit != 0
	if dp.Inverted {
		on = !on
	}
	if on {
		return 1, nil
	}
	return 0, nil
}

func convertAnalog(dp model.DataPoint, raw []byte) (float64, error) {
	decoded, err := decodeRaw(dp, raw)
	if err != nil {
		return 0, err
	}

	converted := decoded*dp.Scale + dp.Offset

	if dp.MinValid != nil && converted < *dp.MinValid {
		return converted, model.NewFieldError(dp.Name, model.ErrInvalidRange)
	}
	if dp.MaxValid != nil && converted > *dp.MaxValid {
		return converted, model.NewFieldError(dp.Name, model.ErrInvalidRange)
	}
	return converted, nil
}

// decodeRaw interprets raw per value_type, honoring byte_order for
// multi-register values; 16-bit values ignore byte order (spec §4.3 step
// 1: "For 16-bit values byte order is ignored").
func decodeRaw(dp model.DataPoint, raw []byte) (float64, error) {
	need := registerCount(dp.ValueType) * 2
	if len(raw) < need {
		return 0, model.NewFieldError(dp.Name, model.ErrEncodingFailed)
	}

	words := orderedWords(raw[:need], dp.ByteOrder)

	switch dp.ValueType {
	case model.ValInt16:
		return float64(int16(binary.BigEndian.Uint16(raw[:2]))), nil
	case model.ValUint16:
		return float64(binary.BigEndian.Uint16(raw[:2])), nil
	case model.ValInt32:
		return float64(int32(binary.BigEndian.Uint32(words))), nil
	case model.ValUint32:
		return float64(binary.BigEndian.Uint32(words)), nil
	case model.ValFloat32:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(words))), nil
	case model.ValUint64:
		return float64(binary.BigEndian.Uint64(words)), nil
	default:
		return 0, model.NewFieldError(dp.Name, model.ErrEncodingFailed)
	}
}

// orderedWords returns data with its 16-bit register words reordered to
// big-endian-of-words when the point is wired low_high (meter convention).
func orderedWords(data []byte, order model.ByteOrder) []byte {
	if order != model.OrderLowHigh || len(data) < 4 {
		return data
	}
	out := make([]byte, len(data))
	wordCount := len(data) / 2
	for i := 0; i < wordCount; i++ {
		srcWord := wordCount - 1 - i
		copy(out[i*2:i*2+2], data[srcWord*2:srcWord*2+2])
	}
	return out
}

func encodeAnalog(dp model.DataPoint, value float64) []byte {
	raw := (value - dp.Offset) / nonZero(dp.Scale)
	need := registerCount(dp.ValueType) * 2
	out := make([]byte, need)
	switch dp.ValueType {
	case model.ValFloat32:
		binary.BigEndian.PutUint32(out, math.Float32bits(float32(raw)))
	case model.ValInt32, model.ValUint32:
		binary.BigEndian.PutUint32(out, uint32(int32(raw)))
	case model.ValUint64:
		binary.BigEndian.PutUint64(out, uint64(int64(raw)))
	default:
		binary.BigEndian.PutUint16(out, uint16(int16(raw)))
	}
	return out
}
