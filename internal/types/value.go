package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Value is a typed tag value.
type Value struct {
	Type DataType
	b    bool
	f    float64
	i    int64
}

func BoolValue(b bool) Value      { return Value{Type: DataTypeBoolean, b: b} }
func DoubleValue(f float64) Value { return Value{Type: DataTypeDouble, f: f} }
func ByteValue(v uint8) Value     { return Value{Type: DataTypeByte, i: int64(v)} }
func IntValue(v int64) Value      { return Value{Type: DataTypeInt, i: v} }

func (v Value) Bool() bool { return v.b }

func (v Value) Byte() uint8 { return uint8(v.i) }

func (v Value) Int() int64 { return v.i }

// Float64 is the numeric view used for actuator commands.
func (v Value) Float64() float64 {
	switch v.Type {
	case DataTypeDouble:
		return v.f
	case DataTypeByte, DataTypeInt:
		return float64(v.i)
	case DataTypeBoolean:
		if v.b {
			return 1
		}
	}
	return 0
}

func (v Value) Interface() any {
	switch v.Type {
	case DataTypeBoolean:
		return v.b
	case DataTypeDouble:
		return v.f
	case DataTypeByte:
		return uint8(v.i)
	case DataTypeInt:
		return v.i
	}
	return nil
}

func (v Value) String() string {
	switch v.Type {
	case DataTypeBoolean:
		return strconv.FormatBool(v.b)
	case DataTypeDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case DataTypeByte, DataTypeInt:
		return strconv.FormatInt(v.i, 10)
	}
	return "<invalid>"
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  DataType `json:"type"`
		Value any      `json:"value"`
	}{v.Type, v.Interface()})
}

// Convert coerces a raw Go value as produced by an OPC UA client into the
// declared type. Lossy conversions are rejected.
func Convert(dt DataType, raw any) (Value, error) {
	switch dt {
	case DataTypeBoolean:
		if b, ok := raw.(bool); ok {
			return BoolValue(b), nil
		}
	case DataTypeDouble:
		switch x := raw.(type) {
		case float64:
			return DoubleValue(x), nil
		case float32:
			return DoubleValue(float64(x)), nil
		}
	case DataTypeByte:
		switch x := raw.(type) {
		case uint8:
			return ByteValue(x), nil
		case int8:
			if x >= 0 {
				return ByteValue(uint8(x)), nil
			}
		}
	case DataTypeInt:
		switch x := raw.(type) {
		case int16:
			return IntValue(int64(x)), nil
		case int32:
			return IntValue(int64(x)), nil
		case int64:
			return IntValue(x), nil
		case uint16:
			return IntValue(int64(x)), nil
		case uint32:
			return IntValue(int64(x)), nil
		case uint64:
			if x <= math.MaxInt64 {
				return IntValue(int64(x)), nil
			}
		}
	default:
		return Value{}, fmt.Errorf("unsupported data type: %s", dt)
	}
	return Value{}, fmt.Errorf("cannot use %T as %s", raw, dt)
}

// ParseValue parses command line or API input.
func ParseValue(dt DataType, s string) (Value, error) {
	switch dt {
	case DataTypeBoolean:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, fmt.Errorf("invalid boolean %q: %w", s, err)
		}
		return BoolValue(b), nil
	case DataTypeDouble:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid double %q: %w", s, err)
		}
		return DoubleValue(f), nil
	case DataTypeByte:
		n, err := strconv.ParseUint(s, 10, 8)
		if err != nil {
			return Value{}, fmt.Errorf("invalid byte %q: %w", s, err)
		}
		return ByteValue(uint8(n)), nil
	case DataTypeInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid int %q: %w", s, err)
		}
		return IntValue(n), nil
	}
	return Value{}, fmt.Errorf("unsupported data type: %s", dt)
}
