// Package wire implements the self-describing byte codec used to move
// handler arguments, return values, and exceptions between the container and
// the control plane. Every encoded value carries its own type tag, in the
// style of the append-to-buffer encoders used elsewhere in this codebase for
// building encoded output incrementally rather than through reflection-heavy
// marshaling.
//
// The format is stable within a single build of this package but is not
// intended to be read by unrelated languages or tools: it exists purely to
// round-trip values between a client and server built from the same codec.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Tag identifies the type of an encoded value.
type Tag byte

const (
	TagNil Tag = iota
	TagBool
	TagInt64
	TagFloat64
	TagString
	TagBytes
	TagList
	TagMap
)

// Encode appends the encoding of v to dst, returning the extended slice.
// Supported types: nil, bool, every integer/float kind (narrowed to
// int64/float64), string, []byte, []any, and map[string]any (recursively).
func Encode(dst []byte, v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return append(dst, byte(TagNil)), nil

	case bool:
		dst = append(dst, byte(TagBool))
		if t {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil

	case string:
		dst = append(dst, byte(TagString))
		return appendBytes(dst, []byte(t)), nil

	case []byte:
		dst = append(dst, byte(TagBytes))
		return appendBytes(dst, t), nil

	case []any:
		dst = append(dst, byte(TagList))
		dst = binary.AppendUvarint(dst, uint64(len(t)))
		for _, el := range t {
			var err error
			dst, err = Encode(dst, el)
			if err != nil {
				return nil, err
			}
		}
		return dst, nil

	case map[string]any:
		dst = append(dst, byte(TagMap))
		dst = binary.AppendUvarint(dst, uint64(len(t)))
		for k, el := range t {
			dst = appendBytes(dst, []byte(k))
			var err error
			dst, err = Encode(dst, el)
			if err != nil {
				return nil, err
			}
		}
		return dst, nil

	default:
		if i, ok := toInt64(v); ok {
			dst = append(dst, byte(TagInt64))
			return binary.AppendVarint(dst, i), nil
		}
		if f, ok := toFloat64(v); ok {
			dst = append(dst, byte(TagFloat64))
			return binary.AppendUvarint(dst, math.Float64bits(f)), nil
		}
		return nil, fmt.Errorf("wire: unsupported type %T", v)
	}
}

// Decode reads a single encoded value from the front of src, returning the
// value and the remainder of src.
func Decode(src []byte) (any, []byte, error) {
	if len(src) == 0 {
		return nil, nil, fmt.Errorf("wire: empty input")
	}

	tag := Tag(src[0])
	src = src[1:]

	switch tag {
	case TagNil:
		return nil, src, nil

	case TagBool:
		if len(src) < 1 {
			return nil, nil, fmt.Errorf("wire: truncated bool")
		}
		return src[0] != 0, src[1:], nil

	case TagInt64:
		i, n := binary.Varint(src)
		if n <= 0 {
			return nil, nil, fmt.Errorf("wire: truncated int64")
		}
		return i, src[n:], nil

	case TagFloat64:
		u, n := binary.Uvarint(src)
		if n <= 0 {
			return nil, nil, fmt.Errorf("wire: truncated float64")
		}
		return math.Float64frombits(u), src[n:], nil

	case TagString:
		b, rest, err := readBytes(src)
		if err != nil {
			return nil, nil, err
		}
		return string(b), rest, nil

	case TagBytes:
		return readBytes(src)

	case TagList:
		count, n := binary.Uvarint(src)
		if n <= 0 {
			return nil, nil, fmt.Errorf("wire: truncated list length")
		}
		src = src[n:]
		list := make([]any, 0, count)
		for i := uint64(0); i < count; i++ {
			var v any
			var err error
			v, src, err = Decode(src)
			if err != nil {
				return nil, nil, err
			}
			list = append(list, v)
		}
		return list, src, nil

	case TagMap:
		count, n := binary.Uvarint(src)
		if n <= 0 {
			return nil, nil, fmt.Errorf("wire: truncated map length")
		}
		src = src[n:]
		m := make(map[string]any, count)
		for i := uint64(0); i < count; i++ {
			var key []byte
			var err error
			key, src, err = readBytes(src)
			if err != nil {
				return nil, nil, err
			}
			var v any
			v, src, err = Decode(src)
			if err != nil {
				return nil, nil, err
			}
			m[string(key)] = v
		}
		return m, src, nil

	default:
		return nil, nil, fmt.Errorf("wire: unknown tag %d", tag)
	}
}

func appendBytes(dst, b []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

func readBytes(src []byte) ([]byte, []byte, error) {
	n, k := binary.Uvarint(src)
	if k <= 0 {
		return nil, nil, fmt.Errorf("wire: truncated length prefix")
	}
	src = src[k:]
	if uint64(len(src)) < n {
		return nil, nil, fmt.Errorf("wire: truncated payload")
	}
	return src[:n], src[n:], nil
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// Exception is the wire shape of a failed call: a best-effort encoded
// exception value, plus the diagnostic text that is always preserved even
// when the value itself could not be encoded.
type Exception struct {
	ExceptionRepr string
	TracebackText string
	Body          []byte
}

// EncodeException attempts to encode v (typically a recovered panic value or
// an error) as the exception body. If v cannot be encoded, Body is left nil
// rather than failing the whole call: ExceptionRepr and TracebackText are the
// only parts guaranteed to survive.
func EncodeException(exceptionRepr, tracebackText string, v any) Exception {
	body, err := Encode(nil, v)
	if err != nil {
		body = nil
	}
	return Exception{
		ExceptionRepr: exceptionRepr,
		TracebackText: tracebackText,
		Body:          body,
	}
}

// Value decodes the exception's body, if present.
func (e Exception) Value() (any, error) {
	if len(e.Body) == 0 {
		return nil, nil
	}
	v, _, err := Decode(e.Body)
	return v, err
}
