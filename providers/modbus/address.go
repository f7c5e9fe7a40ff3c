package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Table is a Modbus data table.
type Table string

const (
	Coil     Table = "coil"
	Discrete Table = "discrete"
	Holding  Table = "holding"
	Input    Table = "input"
)

// Encoding is the register layout of a value.
type Encoding string

const (
	Uint16  Encoding = "uint16"
	Int16   Encoding = "int16"
	Uint32  Encoding = "uint32"
	Int32   Encoding = "int32"
	Float32 Encoding = "float32"
)

// Address locates a value: table/register[/encoding].
type Address struct {
	Table    Table
	Register uint16
	Encoding Encoding
}

// ParseAddress parses strings like holding/40/float32 or coil/3.
func ParseAddress(s string) (Address, error) {
	parts := strings.Split(strings.Trim(strings.TrimSpace(s), "/"), "/")
	if len(parts) < 2 || len(parts) > 3 {
		return Address{}, fmt.Errorf("modbus: address %q: want table/register[/encoding]", s)
	}
	addr := Address{Table: Table(strings.ToLower(parts[0])), Encoding: Uint16}
	switch addr.Table {
	case Coil, Discrete, Holding, Input:
	default:
		return Address{}, fmt.Errorf("modbus: address %q: unknown table %s", s, parts[0])
	}
	reg, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("modbus: address %q: register: %w", s, err)
	}
	addr.Register = uint16(reg)
	if len(parts) == 3 {
		if addr.Table == Coil || addr.Table == Discrete {
			return Address{}, fmt.Errorf("modbus: address %q: bit tables take no encoding", s)
		}
		addr.Encoding = Encoding(strings.ToLower(parts[2]))
		switch addr.Encoding {
		case Uint16, Int16, Uint32, Int32, Float32:
		default:
			return Address{}, fmt.Errorf("modbus: address %q: unknown encoding %s", s, parts[2])
		}
	}
	if int(addr.Register)+int(addr.quantity()) > 0x10000 {
		return Address{}, fmt.Errorf("modbus: address %q exceeds the register space", s)
	}
	return addr, nil
}

func (a Address) String() string {
	if a.Table == Coil || a.Table == Discrete {
		return fmt.Sprintf("%s/%d", a.Table, a.Register)
	}
	return fmt.Sprintf("%s/%d/%s", a.Table, a.Register, a.Encoding)
}

// Writable reports whether the table accepts writes.
func (a Address) Writable() bool {
	return a.Table == Coil || a.Table == Holding
}

func (a Address) quantity() uint16 {
	switch a.Encoding {
	case Uint32, Int32, Float32:
		return 2
	}
	return 1
}

// decode converts a response to a value. Multi-register values are big endian
// with the high word first.
func (a Address) decode(raw []byte) (any, error) {
	switch a.Table {
	case Coil, Discrete:
		if len(raw) < 1 {
			return nil, fmt.Errorf("modbus: %s: short response", a)
		}
		return raw[0]&0x01 == 1, nil
	}
	need := int(a.quantity()) * 2
	if len(raw) < need {
		return nil, fmt.Errorf("modbus: %s: short response (%d bytes)", a, len(raw))
	}
	switch a.Encoding {
	case Int16:
		return int64(int16(binary.BigEndian.Uint16(raw))), nil
	case Uint32:
		return int64(binary.BigEndian.Uint32(raw)), nil
	case Int32:
		return int64(int32(binary.BigEndian.Uint32(raw))), nil
	case Float32:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(raw))), nil
	default:
		return int64(binary.BigEndian.Uint16(raw)), nil
	}
}

// encode renders a number for a register write.
func (a Address) encode(v float64) ([]byte, error) {
	buf := make([]byte, int(a.quantity())*2)
	switch a.Encoding {
	case Int16:
		if v < math.MinInt16 || v > math.MaxInt16 {
			return nil, fmt.Errorf("modbus: %s: %v out of range", a, v)
		}
		binary.BigEndian.PutUint16(buf, uint16(int16(v)))
	case Uint32:
		if v < 0 || v > math.MaxUint32 {
			return nil, fmt.Errorf("modbus: %s: %v out of range", a, v)
		}
		binary.BigEndian.PutUint32(buf, uint32(v))
	case Int32:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return nil, fmt.Errorf("modbus: %s: %v out of range", a, v)
		}
		binary.BigEndian.PutUint32(buf, uint32(int32(v)))
	case Float32:
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(v)))
	default:
		if v < 0 || v > math.MaxUint16 {
			return nil, fmt.Errorf("modbus: %s: %v out of range", a, v)
		}
		binary.BigEndian.PutUint16(buf, uint16(v))
	}
	return buf, nil
}
