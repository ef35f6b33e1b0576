package domain

import "fmt"

// ChannelDefinition is one imported I/O point of the unit under test.
// Definitions are created by the import collaborator and never mutated by
// the core.
type ChannelDefinition struct {
	// ID is the unique identifier assigned at import time
	ID string `json:"id" yaml:"id"`

	// Tag is the instrument tag, e.g. "TT-1101"
	Tag string `json:"tag" yaml:"tag"`

	// VariableName is the PLC variable bound to this point
	VariableName string `json:"variable_name,omitempty" yaml:"variable_name,omitempty"`

	// Description is the free-text point description from the I/O list
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Station and Module locate the point on the UUT hardware
	Station string `json:"station,omitempty" yaml:"station,omitempty"`
	Module  string `json:"module,omitempty" yaml:"module,omitempty"`

	// Type is the electrical module type (AI/AO/DI/DO)
	Type ModuleType `json:"type" yaml:"type"`

	// Power is the loop power polarity; required, never defaulted
	Power PowerSupplyType `json:"power" yaml:"power"`

	// DataType is the wire data type of CommAddress
	DataType PointDataType `json:"data_type,omitempty" yaml:"data_type,omitempty"`

	// RangeLow/RangeHigh bound the engineering range; required for analog
	RangeLow  *float64 `json:"range_low,omitempty" yaml:"range_low,omitempty"`
	RangeHigh *float64 `json:"range_high,omitempty" yaml:"range_high,omitempty"`

	// Alarm set points (SLL/SL/SH/SHH). A nil set value means the alarm is
	// not configured and its sub-test is skipped.
	SLLSetValue *float64 `json:"sll_set_value,omitempty" yaml:"sll_set_value,omitempty"`
	SLSetValue  *float64 `json:"sl_set_value,omitempty" yaml:"sl_set_value,omitempty"`
	SHSetValue  *float64 `json:"sh_set_value,omitempty" yaml:"sh_set_value,omitempty"`
	SHHSetValue *float64 `json:"shh_set_value,omitempty" yaml:"shh_set_value,omitempty"`

	// Communication addresses of the alarm set points
	SLLAddress string `json:"sll_address,omitempty" yaml:"sll_address,omitempty"`
	SLAddress  string `json:"sl_address,omitempty" yaml:"sl_address,omitempty"`
	SHAddress  string `json:"sh_address,omitempty" yaml:"sh_address,omitempty"`
	SHHAddress string `json:"shh_address,omitempty" yaml:"shh_address,omitempty"`

	// Maintenance function addresses
	MaintenanceValueAddress  string `json:"maintenance_value_address,omitempty" yaml:"maintenance_value_address,omitempty"`
	MaintenanceEnableAddress string `json:"maintenance_enable_address,omitempty" yaml:"maintenance_enable_address,omitempty"`

	// CommAddress is the point's register-style communication address
	CommAddress string `json:"comm_address" yaml:"comm_address"`
}

// Validate checks the fields the allocation engine depends on. A blank
// power supply type is rejected rather than guessed.
func (d *ChannelDefinition) Validate() error {
	if d.Tag == "" {
		return fmt.Errorf("definition %s: tag is required", d.ID)
	}
	if _, err := ParseModuleType(string(d.Type)); err != nil {
		return fmt.Errorf("definition %s: %w", d.Tag, err)
	}
	if _, err := ParsePowerSupplyType(string(d.Power)); err != nil {
		return fmt.Errorf("definition %s: %w", d.Tag, err)
	}
	if d.Type.IsAnalog() && (d.RangeLow == nil || d.RangeHigh == nil) {
		return fmt.Errorf("definition %s: %w", d.Tag, ErrMissingRange)
	}
	if d.CommAddress == "" {
		return fmt.Errorf("definition %s: communication address is required", d.Tag)
	}
	return nil
}

// RangeSpan returns high-low of the engineering range, or 0 when unset.
func (d *ChannelDefinition) RangeSpan() float64 {
	if d.RangeLow == nil || d.RangeHigh == nil {
		return 0
	}
	return *d.RangeHigh - *d.RangeLow
}

// EngineeringValueAt maps a percentage of range (0..1) to an engineering value.
func (d *ChannelDefinition) EngineeringValueAt(percent float64) float64 {
	if d.RangeLow == nil || d.RangeHigh == nil {
		return 0
	}
	return *d.RangeLow + (*d.RangeHigh-*d.RangeLow)*percent
}

// TestPlcSlot is one physical channel of the test rig.
type TestPlcSlot struct {
	// ID is the configuration identifier of the slot
	ID string `json:"id" yaml:"id"`

	// ChannelAddress is the physical channel tag, e.g. "AO1_3"
	ChannelAddress string `json:"channel_address" yaml:"channel_address"`

	// CommAddress is the rig PLC communication address
	CommAddress string `json:"comm_address" yaml:"comm_address"`

	// Type is the rig channel's own electrical type
	Type ModuleType `json:"type" yaml:"type"`

	// Power is the rig channel's loop power polarity
	Power PowerSupplyType `json:"power" yaml:"power"`

	// Enabled excludes miswired or reserved rig channels when false
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Description is optional configuration commentary
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// CanTest reports whether the slot can exercise the given definition: the
// rig channel must be the I/O complement of the definition's type and carry
// the opposite power polarity.
func (s *TestPlcSlot) CanTest(d *ChannelDefinition) bool {
	return s.Type == d.Type.Complement() && s.Power == d.Power.Opposite()
}
