package types

import "fmt"

// NodeAddress is an OPC UA node id string such as
// "ns=6;s=::Logic:conveyor[0].io.aoSpeed". The bridge never parses it.
type NodeAddress string

type DataType string

const (
	DataTypeBoolean DataType = "boolean"
	DataTypeDouble  DataType = "double"
	DataTypeByte    DataType = "byte"
	DataTypeInt     DataType = "int"
)

func ParseDataType(s string) (DataType, error) {
	switch DataType(s) {
	case DataTypeBoolean, DataTypeDouble, DataTypeByte, DataTypeInt:
		return DataType(s), nil
	case "bool":
		return DataTypeBoolean, nil
	case "real", "float", "float64":
		return DataTypeDouble, nil
	case "uint8", "usint":
		return DataTypeByte, nil
	case "int16", "int32", "dint":
		return DataTypeInt, nil
	}
	return "", fmt.Errorf("unsupported data type: %s", s)
}

// Numeric reports whether values of this type can drive an actuator.
func (d DataType) Numeric() bool {
	return d == DataTypeDouble || d == DataTypeByte || d == DataTypeInt
}

// Direction is seen from the PLC: Read tags are read from the PLC and applied
// to the host, Write tags carry host state into the PLC.
type Direction string

const (
	DirectionRead  Direction = "read"
	DirectionWrite Direction = "write"
)

type TagDefinition struct {
	LogicalName string      `json:"logical_name" yaml:"logical_name"`
	Address     NodeAddress `json:"address" yaml:"address"`
	DataType    DataType    `json:"data_type" yaml:"data_type"`
	Direction   Direction   `json:"direction" yaml:"direction"`
}

func (t TagDefinition) String() string {
	return fmt.Sprintf("%s(%s %s %s)", t.LogicalName, t.Direction, t.DataType, t.Address)
}

// NodeHandle is a resolved node. Only valid while the session that resolved
// it is open.
type NodeHandle interface {
	Address() NodeAddress
	DataType() DataType
}

// SensorConfig is the spatial setup of a photoeye along the line.
type SensorConfig struct {
	Name     string  `json:"name"`
	Position float64 `json:"position"`
	RangeMin float64 `json:"range_min"`
	RangeMax float64 `json:"range_max"`
}
