// Package mapping implements the command mapping engine: compiling a
// device's ordered list of pattern rules, matching an incoming SCPI-style
// command against them, and translating the first match into a MODBUS
// register operation or a generic-regex request/response exchange.
package mapping

import (
	"fmt"
	"math"
)

// DataType names a register encoding. These are the codes a mapping rule's
// params.data_type field accepts.
type DataType string

const (
	Uint16    DataType = "uint16"
	Int16     DataType = "int16"
	Uint32BE  DataType = "uint32_be"
	Uint32LE  DataType = "uint32_le"
	Int32BE   DataType = "int32_be"
	Int32LE   DataType = "int32_le"
	Float32BE DataType = "float32_be"
	Float32LE DataType = "float32_le"
	String    DataType = "string"
)

// RegistersNeeded returns how many 16-bit MODBUS registers a value of dt
// occupies, given the string length when dt is String.
func RegistersNeeded(dt DataType, stringLen int) int {
	switch dt {
	case Uint16, Int16:
		return 1
	case Uint32BE, Uint32LE, Int32BE, Int32LE, Float32BE, Float32LE:
		return 2
	case String:
		return (stringLen + 1) / 2
	default:
		return 1
	}
}

// EncodeNumeric converts a float64 value to the register sequence dt
// specifies. Integer data types truncate toward zero.
func EncodeNumeric(dt DataType, value float64) ([]uint16, error) {
	switch dt {
	case Uint16:
		return []uint16{uint16(int64(value))}, nil
	case Int16:
		return []uint16{uint16(int16(int64(value)))}, nil
	case Uint32BE:
		v := uint32(int64(value))
		return []uint16{uint16(v >> 16), uint16(v)}, nil
	case Uint32LE:
		return encode32LE(uint32(int64(value))), nil
	case Int32BE:
		v := uint32(int32(int64(value)))
		return []uint16{uint16(v >> 16), uint16(v)}, nil
	case Int32LE:
		return encode32LE(uint32(int32(int64(value)))), nil
	case Float32BE:
		bits := math.Float32bits(float32(value))
		return []uint16{uint16(bits >> 16), uint16(bits)}, nil
	case Float32LE:
		return encode32LE(math.Float32bits(float32(value))), nil
	default:
		return nil, fmt.Errorf("mapping: %q is not a numeric data type", dt)
	}
}

// encode32LE lays a 32-bit value out fully little-endian on the wire. The
// _le suffix reverses word order and in-word byte order jointly, and since
// each register is serialized big-endian, both words are byte-swapped:
// float32 25.0 (bits 0x41C80000) becomes the wire bytes 00 00 C8 41.
func encode32LE(v uint32) []uint16 {
	return []uint16{bswap16(uint16(v)), bswap16(uint16(v >> 16))}
}

// decode32LE is the inverse of encode32LE.
func decode32LE(regs []uint16) uint32 {
	return uint32(bswap16(regs[0])) | uint32(bswap16(regs[1]))<<16
}

func bswap16(v uint16) uint16 { return v>>8 | v<<8 }

// DecodeNumeric converts a register sequence back to a float64 under dt.
func DecodeNumeric(dt DataType, regs []uint16) (float64, error) {
	need := RegistersNeeded(dt, 0)
	if len(regs) < need {
		return 0, fmt.Errorf("mapping: %q needs %d registers, got %d", dt, need, len(regs))
	}
	switch dt {
	case Uint16:
		return float64(regs[0]), nil
	case Int16:
		return float64(int16(regs[0])), nil
	case Uint32BE:
		return float64(uint32(regs[0])<<16 | uint32(regs[1])), nil
	case Uint32LE:
		return float64(decode32LE(regs)), nil
	case Int32BE:
		return float64(int32(uint32(regs[0])<<16 | uint32(regs[1]))), nil
	case Int32LE:
		return float64(int32(decode32LE(regs))), nil
	case Float32BE:
		bits := uint32(regs[0])<<16 | uint32(regs[1])
		return float64(math.Float32frombits(bits)), nil
	case Float32LE:
		return float64(math.Float32frombits(decode32LE(regs))), nil
	default:
		return 0, fmt.Errorf("mapping: %q is not a numeric data type", dt)
	}
}

// EncodeString packs s two ASCII bytes per register, big-endian within
// each register, padding the final register with a trailing NUL if s has
// an odd length.
func EncodeString(s string) []uint16 {
	regs := make([]uint16, (len(s)+1)/2)
	for i := range regs {
		hi := s[i*2]
		var lo byte
		if i*2+1 < len(s) {
			lo = s[i*2+1]
		}
		regs[i] = uint16(hi)<<8 | uint16(lo)
	}
	return regs
}

// DecodeString unpacks a register sequence produced by EncodeString,
// trimming a single trailing NUL pad byte if present.
func DecodeString(regs []uint16) string {
	b := make([]byte, 0, len(regs)*2)
	for _, r := range regs {
		b = append(b, byte(r>>8), byte(r))
	}
	if n := len(b); n > 0 && b[n-1] == 0 {
		b = b[:n-1]
	}
	return string(b)
}
