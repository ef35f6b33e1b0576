// Package domain contains the core business entities and interfaces.
// These are protocol-agnostic and represent the core concepts of the
// factory acceptance testing workflow.
package domain

import "fmt"

// ModuleType identifies the electrical I/O type of a channel.
type ModuleType string

const (
	ModuleAI ModuleType = "AI"
	ModuleAO ModuleType = "AO"
	ModuleDI ModuleType = "DI"
	ModuleDO ModuleType = "DO"
)

// IsAnalog reports whether the module type belongs to the analog family.
func (m ModuleType) IsAnalog() bool {
	return m == ModuleAI || m == ModuleAO
}

// IsDigital reports whether the module type belongs to the digital family.
func (m ModuleType) IsDigital() bool {
	return m == ModuleDI || m == ModuleDO
}

// Complement returns the test-rig module type able to exercise a channel of
// this type: an input channel on the unit under test is driven by an output
// channel on the rig and vice versa.
func (m ModuleType) Complement() ModuleType {
	switch m {
	case ModuleAI:
		return ModuleAO
	case ModuleAO:
		return ModuleAI
	case ModuleDI:
		return ModuleDO
	case ModuleDO:
		return ModuleDI
	}
	return m
}

// ParseModuleType parses a module type from its textual form.
func ParseModuleType(s string) (ModuleType, error) {
	switch ModuleType(s) {
	case ModuleAI, ModuleAO, ModuleDI, ModuleDO:
		return ModuleType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidModuleType, s)
}

// PowerSupplyType describes whether a channel sources its own loop power
// (active) or expects the far side to provide it (passive).
type PowerSupplyType string

const (
	PowerActive  PowerSupplyType = "active"
	PowerPassive PowerSupplyType = "passive"
)

// Opposite returns the complementary power polarity.
func (p PowerSupplyType) Opposite() PowerSupplyType {
	if p == PowerActive {
		return PowerPassive
	}
	return PowerActive
}

// ParsePowerSupplyType parses a power supply polarity. Blank values are a
// validation error and are never defaulted.
func ParsePowerSupplyType(s string) (PowerSupplyType, error) {
	switch PowerSupplyType(s) {
	case PowerActive, PowerPassive:
		return PowerSupplyType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPowerSupply, s)
}

// PointDataType is the wire-level data type of a PLC address.
type PointDataType string

const (
	DataTypeBool   PointDataType = "Bool"
	DataTypeInt    PointDataType = "Int"
	DataTypeFloat  PointDataType = "Float"
	DataTypeString PointDataType = "String"
)

// OverallStatus is the lifecycle state of a channel instance.
type OverallStatus string

const (
	StatusNotTested                  OverallStatus = "NotTested"
	StatusSkipped                    OverallStatus = "Skipped"
	StatusWiringConfirmationRequired OverallStatus = "WiringConfirmationRequired"
	StatusWiringConfirmed            OverallStatus = "WiringConfirmed"
	StatusHardPointTesting           OverallStatus = "HardPointTesting"
	StatusHardPointTestCompleted     OverallStatus = "HardPointTestCompleted"
	StatusManualTesting              OverallStatus = "ManualTesting"
	StatusAlarmTesting               OverallStatus = "AlarmTesting"
	StatusTestCompletedPassed        OverallStatus = "TestCompletedPassed"
	StatusTestCompletedFailed        OverallStatus = "TestCompletedFailed"
	StatusRetesting                  OverallStatus = "Retesting"
)

// IsTerminal reports whether the status ends the channel's test lifecycle.
func (s OverallStatus) IsTerminal() bool {
	switch s {
	case StatusTestCompletedPassed, StatusTestCompletedFailed, StatusSkipped:
		return true
	}
	return false
}

// SubTestItem identifies one sub-test of a channel. HardPoint is the
// automated signal-integrity check; the remaining items are operator
// confirmed.
type SubTestItem string

const (
	ItemHardPoint     SubTestItem = "HardPoint"
	ItemLowLowAlarm   SubTestItem = "LowLowAlarm"
	ItemLowAlarm      SubTestItem = "LowAlarm"
	ItemHighAlarm     SubTestItem = "HighAlarm"
	ItemHighHighAlarm SubTestItem = "HighHighAlarm"
	ItemMaintenance   SubTestItem = "Maintenance"
	ItemValueDisplay  SubTestItem = "ValueDisplay"
)

// IsManual reports whether the item requires operator confirmation.
func (i SubTestItem) IsManual() bool {
	return i != ItemHardPoint
}

// SubTestStatus is the state of one sub-test item.
type SubTestStatus string

const (
	SubNotTested     SubTestStatus = "NotTested"
	SubTesting       SubTestStatus = "Testing"
	SubPassed        SubTestStatus = "Passed"
	SubFailed        SubTestStatus = "Failed"
	SubNotApplicable SubTestStatus = "NotApplicable"
	SubSkipped       SubTestStatus = "Skipped"
)

// IsTerminal reports whether the sub-test status needs no further action.
func (s SubTestStatus) IsTerminal() bool {
	switch s {
	case SubPassed, SubFailed, SubNotApplicable, SubSkipped:
		return true
	}
	return false
}
