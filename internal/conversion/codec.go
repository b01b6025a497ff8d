package conversion

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
)

// Field codec constants.
const (
	// int8Max is the largest value an Int8 field accepts.
	int8Max = 255

	// int16Mask truncates Int16 values to their wire width.
	int16Mask = 0xFFFF

	// colorHexLen is the length of the "#RRGGBB" textual form.
	colorHexLen = 7

	// byteShift is the bit shift for byte extraction.
	byteShift = 8
)

// EncodeField writes the wire form of value into dst.
//
// dst must be exactly spec.Width() bytes long. The returned error is one of
// the conversion sentinels (ErrRange, ErrFormat, ErrUnknownSymbol) and is
// wrapped in a *FieldError by the frame encoder.
//
// Parameters:
//   - spec: Field to encode
//   - value: Record value as produced by encoding/json (float64, json.Number,
//     bool, string) or a Go integer
//   - dst: Destination slice inside the frame buffer
//
// Returns:
//   - error: If the value does not fit the field
func EncodeField(spec FieldSpec, value any, dst []byte) error {
	if len(dst) != spec.Width() {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrFrameOverflow, spec.Kind, spec.Width(), len(dst))
	}

	switch spec.Kind {
	case KindInt8:
		n, err := toInteger(value)
		if err != nil {
			return err
		}
		if n < 0 || n > int8Max {
			return fmt.Errorf("%w: %d not in [0,%d]", ErrRange, n, int8Max)
		}
		dst[0] = byte(n)

	case KindInt16:
		u, err := int16Bits(value)
		if err != nil {
			return err
		}
		dst[0] = byte(u >> byteShift)
		dst[1] = byte(u)

	case KindBool:
		b, err := toBool(value)
		if err != nil {
			return err
		}
		if b {
			dst[0] = 1
		} else {
			dst[0] = 0
		}

	case KindColorHex:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: colour must be a \"#RRGGBB\" string, got %T", ErrFormat, value)
		}
		rgb, err := ParseColorHex(s)
		if err != nil {
			return err
		}
		copy(dst, rgb[:])

	case KindEnum:
		name, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %v", ErrUnknownSymbol, value)
		}
		code, ok := spec.Enum.Code(name)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownSymbol, name)
		}
		dst[0] = code

	default:
		return fmt.Errorf("%w: unsupported kind %s", ErrFormat, spec.Kind)
	}
	return nil
}

// DecodeField reads one field from the start of src.
//
// Parameters:
//   - spec: Field to decode
//   - src: Frame bytes starting at the field's offset (at least spec.Width())
//
// Returns:
//   - any: int for Int8/Int16, bool for Bool, string for ColorHex and Enum
//   - error: ErrFrameOverflow if src is too short, ErrUnknownCode for an
//     unmapped enum code
func DecodeField(spec FieldSpec, src []byte) (any, error) {
	w := spec.Width()
	if len(src) < w {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrFrameOverflow, spec.Kind, w, len(src))
	}

	switch spec.Kind {
	case KindInt8:
		return int(src[0]), nil
	case KindInt16:
		return int(uint16(src[0])<<byteShift | uint16(src[1])), nil
	case KindBool:
		return src[0] != 0, nil
	case KindColorHex:
		return FormatColorHex(src[0], src[1], src[2]), nil
	case KindEnum:
		name, ok := spec.Enum.Lookup(src[0])
		if !ok {
			return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownCode, src[0])
		}
		return name, nil
	default:
		return nil, fmt.Errorf("%w: unsupported kind %s", ErrFormat, spec.Kind)
	}
}

// ParseColorHex parses "#RRGGBB" (either case) into its three bytes.
func ParseColorHex(s string) ([3]byte, error) {
	var rgb [3]byte
	if len(s) != colorHexLen || s[0] != '#' {
		return rgb, fmt.Errorf("%w: colour %q is not #RRGGBB", ErrFormat, s)
	}
	for i := range rgb {
		v, err := strconv.ParseUint(s[1+2*i:3+2*i], 16, 8)
		if err != nil {
			return rgb, fmt.Errorf("%w: colour %q is not #RRGGBB", ErrFormat, s)
		}
		rgb[i] = byte(v)
	}
	return rgb, nil
}

// FormatColorHex renders three bytes as uppercase "#RRGGBB".
func FormatColorHex(r, g, b byte) string {
	return fmt.Sprintf("#%02X%02X%02X", r, g, b)
}

// toInteger accepts JSON numbers and Go integers. Non-integral numbers are
// a format error rather than being rounded.
func toInteger(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d", ErrRange, v)
		}
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrFormat, v)
		}
		if v > math.MaxInt64 || v < math.MinInt64 {
			return 0, fmt.Errorf("%w: %v", ErrRange, v)
		}
		return int64(v), nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrFormat, v.String())
		}
		return toInteger(f)
	default:
		return 0, fmt.Errorf("%w: expected integer, got %T", ErrFormat, value)
	}
}

// int16Bits returns the low 16 bits of an integer of any magnitude, with
// negative values in two's complement. Integers beyond int64 are masked too.
func int16Bits(value any) (uint16, error) {
	switch v := value.(type) {
	case uint64:
		return uint16(v & int16Mask), nil
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) && (v > math.MaxInt64 || v < math.MinInt64) {
			m := math.Mod(v, int16Mask+1)
			if m < 0 {
				m += int16Mask + 1
			}
			return uint16(m), nil
		}
	case json.Number:
		if n, ok := new(big.Int).SetString(v.String(), 10); ok {
			return uint16(n.And(n, big.NewInt(int16Mask)).Uint64()), nil
		}
		if f, err := v.Float64(); err == nil {
			return int16Bits(f)
		}
	}

	n, err := toInteger(value)
	if err != nil {
		return 0, err
	}
	return uint16(n & int16Mask), nil
}

// toBool accepts JSON booleans and numbers (non-zero is true).
func toBool(value any) (bool, error) {
	if b, ok := value.(bool); ok {
		return b, nil
	}
	if f, ok := value.(float64); ok {
		return f != 0, nil
	}
	if n, ok := value.(json.Number); ok {
		f, err := n.Float64()
		if err != nil {
			return false, fmt.Errorf("%w: %q is not a number", ErrFormat, n.String())
		}
		return f != 0, nil
	}
	n, err := toInteger(value)
	if err != nil {
		return false, fmt.Errorf("%w: expected boolean, got %T", ErrFormat, value)
	}
	return n != 0, nil
}
