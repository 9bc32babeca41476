package packet

import (
	"encoding/binary"
	"math"
)

// Numeric lists the fixed-width types AddValue/RemoveValue accept.
type Numeric interface {
	uint8 | int8 | uint16 | int16 | uint32 | int32 | uint64 | int64 | float32 | float64
}

// AddValue appends v to the packet's payload. If swap is true and the
// host is big-endian, the value's native byte representation is
// reversed to little-endian before appending; on a little-endian host
// the native representation already is the wire representation and
// swap has no effect, matching the teacher's and the original
// implementation's platform-conditional byte swap.
func AddValue[T Numeric](p *Packet, v T, swap bool) error {
	b := nativeBytes(v)
	return p.AddBytes(b, swap)
}

// RemoveValue consumes the next sizeof(T) bytes of payload and decodes
// them as T, applying the same conditional byte swap as AddValue.
func RemoveValue[T Numeric](p *Packet, swap bool) (T, error) {
	width := widthOf[T]()
	raw, err := p.RemoveBytes(width)
	if err != nil {
		var zero T
		return zero, err
	}

	b := make([]byte, width)
	copy(b, raw)
	if swap && hostIsBigEndian {
		for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
			b[i], b[j] = b[j], b[i]
		}
	}
	return fromNativeBytes[T](b), nil
}

func widthOf[T Numeric]() int {
	var z T
	switch any(z).(type) {
	case uint8, int8:
		return 1
	case uint16, int16:
		return 2
	case uint32, int32, float32:
		return 4
	default:
		return 8
	}
}

// nativeBytes renders v in the host's native byte order.
func nativeBytes[T Numeric](v T) []byte {
	switch x := any(v).(type) {
	case uint8:
		return []byte{x}
	case int8:
		return []byte{byte(x)}
	case uint16:
		return binary.NativeEndian.AppendUint16(nil, x)
	case int16:
		return binary.NativeEndian.AppendUint16(nil, uint16(x))
	case uint32:
		return binary.NativeEndian.AppendUint32(nil, x)
	case int32:
		return binary.NativeEndian.AppendUint32(nil, uint32(x))
	case float32:
		return binary.NativeEndian.AppendUint32(nil, math.Float32bits(x))
	case uint64:
		return binary.NativeEndian.AppendUint64(nil, x)
	case int64:
		return binary.NativeEndian.AppendUint64(nil, uint64(x))
	case float64:
		return binary.NativeEndian.AppendUint64(nil, math.Float64bits(x))
	default:
		panic("packet: unreachable numeric type")
	}
}

// fromNativeBytes decodes b (in host native byte order) back into T.
func fromNativeBytes[T Numeric](b []byte) T {
	var z T
	switch any(z).(type) {
	case uint8:
		return T(b[0])
	case int8:
		return T(int8(b[0]))
	case uint16:
		return T(binary.NativeEndian.Uint16(b))
	case int16:
		return T(int16(binary.NativeEndian.Uint16(b)))
	case uint32:
		return T(binary.NativeEndian.Uint32(b))
	case int32:
		return T(int32(binary.NativeEndian.Uint32(b)))
	case float32:
		return T(math.Float32frombits(binary.NativeEndian.Uint32(b)))
	case uint64:
		return T(binary.NativeEndian.Uint64(b))
	case int64:
		return T(int64(binary.NativeEndian.Uint64(b)))
	case float64:
		return T(math.Float64frombits(binary.NativeEndian.Uint64(b)))
	default:
		panic("packet: unreachable numeric type")
	}
}
