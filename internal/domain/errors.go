package domain

import "errors"

// Validation and allocation errors.
var (
	ErrInvalidModuleType  = errors.New("invalid module type")
	ErrInvalidPowerSupply = errors.New("invalid power supply type")
	ErrMissingRange       = errors.New("analog definition requires an engineering range")
	ErrSlotNotFound       = errors.New("test plc slot not found")
	ErrSlotAlreadyBound   = errors.New("test plc slot already bound")
	ErrSlotNotBound       = errors.New("test plc slot not bound")
	ErrNoCompatibleSlots  = errors.New("no compatible test plc slots available")
)

// State machine errors.
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownSubTest    = errors.New("sub-test item not applicable to channel")
)

// Task and manager errors.
var (
	ErrTaskAlreadyRunning  = errors.New("task is already running")
	ErrTaskFinished        = errors.New("task has already finished")
	ErrWiringNotConfirmed  = errors.New("wiring confirmation has not been acknowledged")
	ErrRunInProgress       = errors.New("a test run is in progress")
	ErrAllocationBusy      = errors.New("an allocation is in progress")
	ErrNoBatchLoaded       = errors.New("no batch loaded")
	ErrInstanceNotFound    = errors.New("channel instance not found")
	ErrChannelUnderTest    = errors.New("channel is currently under test")
)

// PLC communication errors.
var (
	ErrConnectionClosed   = errors.New("plc connection closed")
	ErrConnectionFailed   = errors.New("plc connection failed")
	ErrConnectionTimeout  = errors.New("plc connection timeout")
	ErrReadFailed         = errors.New("plc read failed")
	ErrWriteFailed        = errors.New("plc write failed")
	ErrInvalidAddress     = errors.New("invalid plc address")
	ErrInvalidDataType    = errors.New("invalid plc data type")
	ErrTypeMismatch       = errors.New("plc value type mismatch")
)
