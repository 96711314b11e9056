package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"modbus-saverestore/internal/discovery"
)

// Coil values as they travel in a write single coil request.
const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// DecodeRegisters turns register bytes into an engineering value.
func DecodeRegisters(p discovery.Point, data []byte) (float64, error) {
	applyScale := func(v float64) float64 { return v*p.Scale + p.Offset }

	switch p.DataType {
	case "uint16":
		if len(data) < 2 {
			return 0, errors.New("insufficient data for uint16")
		}
		return applyScale(float64(binary.BigEndian.Uint16(data[:2]))), nil
	case "int16":
		if len(data) < 2 {
			return 0, errors.New("insufficient data for int16")
		}
		return applyScale(float64(int16(binary.BigEndian.Uint16(data[:2])))), nil
	case "float32":
		if len(data) < 4 {
			return 0, errors.New("insufficient data for float32")
		}
		u := binary.BigEndian.Uint32(reorder32(data[:4], p.ByteOrder))
		return applyScale(float64(math.Float32frombits(u))), nil
	case "uint32":
		if len(data) < 4 {
			return 0, errors.New("insufficient data for uint32")
		}
		return applyScale(float64(binary.BigEndian.Uint32(reorder32(data[:4], p.ByteOrder)))), nil
	case "int32":
		if len(data) < 4 {
			return 0, errors.New("insufficient data for int32")
		}
		return applyScale(float64(int32(binary.BigEndian.Uint32(reorder32(data[:4], p.ByteOrder))))), nil
	default:
		return 0, fmt.Errorf("unsupported data type: %s", p.DataType)
	}
}

// EncodeRegisters is the inverse of DecodeRegisters. The result holds
// p.RegisterCount() registers in wire order.
func EncodeRegisters(p discovery.Point, value float64) ([]byte, error) {
	if err := checkLimits(p, value); err != nil {
		return nil, err
	}
	raw := (value - p.Offset) / p.Scale

	switch p.DataType {
	case "uint16":
		r := math.Round(raw)
		if r < 0 || r > math.MaxUint16 {
			return nil, outOfRange(p, value)
		}
		return binary.BigEndian.AppendUint16(nil, uint16(r)), nil
	case "int16":
		r := math.Round(raw)
		if r < math.MinInt16 || r > math.MaxInt16 {
			return nil, outOfRange(p, value)
		}
		return binary.BigEndian.AppendUint16(nil, uint16(int16(r))), nil
	case "float32":
		if math.Abs(raw) > math.MaxFloat32 {
			return nil, outOfRange(p, value)
		}
		b := binary.BigEndian.AppendUint32(nil, math.Float32bits(float32(raw)))
		return reorder32(b, p.ByteOrder), nil
	case "uint32":
		r := math.Round(raw)
		if r < 0 || r > math.MaxUint32 {
			return nil, outOfRange(p, value)
		}
		return reorder32(binary.BigEndian.AppendUint32(nil, uint32(r)), p.ByteOrder), nil
	case "int32":
		r := math.Round(raw)
		if r < math.MinInt32 || r > math.MaxInt32 {
			return nil, outOfRange(p, value)
		}
		return reorder32(binary.BigEndian.AppendUint32(nil, uint32(int32(r))), p.ByteOrder), nil
	default:
		return nil, fmt.Errorf("unsupported data type: %s", p.DataType)
	}
}

func encodeCoil(p discovery.Point, value float64) (uint16, error) {
	if err := checkLimits(p, value); err != nil {
		return 0, err
	}
	if value != 0 {
		return coilOn, nil
	}
	return coilOff, nil
}

func decodeBit(data []byte) float64 {
	if len(data) > 0 && data[0]&0x01 == 0x01 {
		return 1
	}
	return 0
}

func checkLimits(p discovery.Point, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return outOfRange(p, value)
	}
	if p.Min != nil && value < *p.Min {
		return outOfRange(p, value)
	}
	if p.Max != nil && value > *p.Max {
		return outOfRange(p, value)
	}
	return nil
}

func outOfRange(p discovery.Point, value float64) error {
	return fmt.Errorf("%w: %g for %s %s", ErrOutOfRange, value, p.Name, p.DataType)
}

// reorder32 returns a 4-byte slice reordered per byte-order string.
// Every supported order is its own inverse, so it serves both directions.
// Supported orders: "ABCD" (default), "DCBA", "BADC" (byte swap within words), "CDAB" (word swap).
func reorder32(in []byte, order string) []byte {
	var out [4]byte
	if len(in) < 4 {
		return append([]byte{}, in...)
	}
	switch strings.ToUpper(strings.TrimSpace(order)) {
	case "DCBA":
		out[0], out[1], out[2], out[3] = in[3], in[2], in[1], in[0]
	case "BADC":
		out[0], out[1], out[2], out[3] = in[1], in[0], in[3], in[2]
	case "CDAB":
		out[0], out[1], out[2], out[3] = in[2], in[3], in[0], in[1]
	default:
		copy(out[:], in[:4])
	}
	return out[:]
}
