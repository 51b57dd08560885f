package ir

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Value is a sealed interface representing payload values carried by
// ports, actions, and tokens. Only Int, String, Bool, and Bytes
// implement it. There is deliberately NO float variant: floating-point
// payloads are forbidden because their formatting and arithmetic are
// not bit-stable across platforms, which would break trace determinism.
type Value interface {
	valueType() TypeName
}

// Int is an int64 payload value.
type Int int64

func (Int) valueType() TypeName { return TypeInt }

// String is a string payload value.
type String string

func (String) valueType() TypeName { return TypeString }

// Bool is a boolean payload value.
type Bool bool

func (Bool) valueType() TypeName { return TypeBool }

// Bytes is an opaque byte payload value.
type Bytes []byte

func (Bytes) valueType() TypeName { return TypeBytes }

// TypeOf returns the declared type name of a value. Nil values report
// TypeNone.
func TypeOf(v Value) TypeName {
	if v == nil {
		return TypeNone
	}
	return v.valueType()
}

// CheckType verifies that v is assignable to a slot declared with type
// t. A nil value is assignable to every type (an event with no
// payload); a non-nil value requires an exact type match.
func CheckType(v Value, t TypeName) error {
	if v == nil {
		return nil
	}
	if t == TypeNone {
		return fmt.Errorf("value of type %q on a payload-less trigger", TypeOf(v))
	}
	if got := TypeOf(v); got != t {
		return fmt.Errorf("value type %q does not match declared type %q", got, t)
	}
	return nil
}

// EncodeValue serializes a value for network transport. Layout is
// little-endian and carries no type tag: the receiving end knows the
// declared type of the destination port.
func EncodeValue(v Value) []byte {
	switch val := v.(type) {
	case nil:
		return nil
	case Int:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(val))
		return buf[:]
	case String:
		return []byte(val)
	case Bool:
		if val {
			return []byte{1}
		}
		return []byte{0}
	case Bytes:
		return []byte(val)
	default:
		// Sealed interface: unreachable unless a variant is added
		// without extending this switch.
		panic(fmt.Sprintf("ir: unknown value type %T", v))
	}
}

// DecodeValue deserializes network payload bytes into a value of the
// declared type. Empty payloads decode to nil for every type.
func DecodeValue(t TypeName, payload []byte) (Value, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	switch t {
	case TypeNone:
		return nil, fmt.Errorf("payload of %d bytes on a payload-less trigger", len(payload))
	case TypeInt:
		if len(payload) != 8 {
			return nil, fmt.Errorf("int payload must be 8 bytes, got %d", len(payload))
		}
		return Int(binary.LittleEndian.Uint64(payload)), nil
	case TypeString:
		return String(payload), nil
	case TypeBool:
		if len(payload) != 1 {
			return nil, fmt.Errorf("bool payload must be 1 byte, got %d", len(payload))
		}
		return Bool(payload[0] != 0), nil
	case TypeBytes:
		return Bytes(bytes.Clone(payload)), nil
	default:
		return nil, fmt.Errorf("unknown payload type %q", t)
	}
}

// Equal reports whether two values are identical in type and content.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if TypeOf(a) != TypeOf(b) {
		return false
	}
	switch av := a.(type) {
	case Int:
		return av == b.(Int)
	case String:
		return av == b.(String)
	case Bool:
		return av == b.(Bool)
	case Bytes:
		return bytes.Equal(av, b.(Bytes))
	}
	return false
}
