package domain

import (
	"fmt"
	"strconv"
)

// PlcValue is a typed value read from or written to a PLC address.
// Exactly one representation is meaningful, selected by Type.
type PlcValue struct {
	Type  PointDataType `json:"type"`
	Bool  bool          `json:"bool,omitempty"`
	Int   int64         `json:"int,omitempty"`
	Float float64       `json:"float,omitempty"`
	Str   string        `json:"str,omitempty"`
}

// BoolValue builds a boolean PLC value.
func BoolValue(v bool) PlcValue { return PlcValue{Type: DataTypeBool, Bool: v} }

// IntValue builds an integer PLC value.
func IntValue(v int64) PlcValue { return PlcValue{Type: DataTypeInt, Int: v} }

// FloatValue builds a float PLC value.
func FloatValue(v float64) PlcValue { return PlcValue{Type: DataTypeFloat, Float: v} }

// StringValue builds a string PLC value.
func StringValue(v string) PlcValue { return PlcValue{Type: DataTypeString, Str: v} }

// AsFloat returns the value as a float64. Bool maps to 0/1.
func (v PlcValue) AsFloat() (float64, error) {
	switch v.Type {
	case DataTypeFloat:
		return v.Float, nil
	case DataTypeInt:
		return float64(v.Int), nil
	case DataTypeBool:
		if v.Bool {
			return 1, nil
		}
		return 0, nil
	case DataTypeString:
		f, err := strconv.ParseFloat(v.Str, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not numeric", ErrTypeMismatch, v.Str)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrInvalidDataType, v.Type)
}

// AsBool returns the value as a boolean. Numeric values map non-zero to true.
func (v PlcValue) AsBool() (bool, error) {
	switch v.Type {
	case DataTypeBool:
		return v.Bool, nil
	case DataTypeInt:
		return v.Int != 0, nil
	case DataTypeFloat:
		return v.Float != 0, nil
	}
	return false, fmt.Errorf("%w: %s", ErrTypeMismatch, v.Type)
}

func (v PlcValue) String() string {
	switch v.Type {
	case DataTypeBool:
		return strconv.FormatBool(v.Bool)
	case DataTypeInt:
		return strconv.FormatInt(v.Int, 10)
	case DataTypeFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case DataTypeString:
		return v.Str
	}
	return ""
}
