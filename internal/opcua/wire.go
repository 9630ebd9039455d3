package opcua

import (
	"fmt"
	"math"

	"github.com/KevinKickass/OpenMachineBridge/internal/types"
	"github.com/gopcua/opcua/id"
)

// accepts reports whether a node of the given built-in data type can back a
// binding declared as dt.
func accepts(dt types.DataType, wire uint32) bool {
	switch dt {
	case types.DataTypeBoolean:
		return wire == id.Boolean
	case types.DataTypeDouble:
		return wire == id.Double || wire == id.Float
	case types.DataTypeByte:
		return wire == id.Byte || wire == id.SByte
	case types.DataTypeInt:
		switch wire {
		case id.Int16, id.UInt16, id.Int32, id.UInt32, id.Int64, id.UInt64:
			return true
		}
	}
	return false
}

// encode turns v into the Go type the node expects on the wire.
func encode(wire uint32, v types.Value) (any, error) {
	switch wire {
	case id.Boolean:
		return v.Bool(), nil
	case id.Double:
		return v.Float64(), nil
	case id.Float:
		return float32(v.Float64()), nil
	case id.Byte:
		return v.Byte(), nil
	case id.SByte:
		if v.Byte() > math.MaxInt8 {
			return nil, fmt.Errorf("%d overflows SByte", v.Byte())
		}
		return int8(v.Byte()), nil
	case id.Int16:
		if v.Int() < math.MinInt16 || v.Int() > math.MaxInt16 {
			return nil, fmt.Errorf("%d overflows Int16", v.Int())
		}
		return int16(v.Int()), nil
	case id.UInt16:
		if v.Int() < 0 || v.Int() > math.MaxUint16 {
			return nil, fmt.Errorf("%d overflows UInt16", v.Int())
		}
		return uint16(v.Int()), nil
	case id.Int32:
		if v.Int() < math.MinInt32 || v.Int() > math.MaxInt32 {
			return nil, fmt.Errorf("%d overflows Int32", v.Int())
		}
		return int32(v.Int()), nil
	case id.UInt32:
		if v.Int() < 0 || v.Int() > math.MaxUint32 {
			return nil, fmt.Errorf("%d overflows UInt32", v.Int())
		}
		return uint32(v.Int()), nil
	case id.Int64:
		return v.Int(), nil
	case id.UInt64:
		if v.Int() < 0 {
			return nil, fmt.Errorf("%d overflows UInt64", v.Int())
		}
		return uint64(v.Int()), nil
	}
	return nil, fmt.Errorf("unsupported wire type %s", wireTypeName(wire))
}

func wireTypeName(wire uint32) string {
	switch wire {
	case id.Boolean:
		return "Boolean"
	case id.SByte:
		return "SByte"
	case id.Byte:
		return "Byte"
	case id.Int16:
		return "Int16"
	case id.UInt16:
		return "UInt16"
	case id.Int32:
		return "Int32"
	case id.UInt32:
		return "UInt32"
	case id.Int64:
		return "Int64"
	case id.UInt64:
		return "UInt64"
	case id.Float:
		return "Float"
	case id.Double:
		return "Double"
	case id.String:
		return "String"
	}
	return fmt.Sprintf("i=%d", wire)
}
