// Package plc defines the abstract read/write-by-address capability the
// test core needs from a PLC, and the manager that serializes access to
// the two shared connections (test rig and unit under test).
package plc

import (
	"context"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
)

// Connection is a protocol-specific client for one PLC. Implementations
// live under internal/adapter (modbus, s7, opcua) plus the in-memory Sim.
// Connections are not required to be safe for concurrent use; the Manager
// serializes calls.
type Connection interface {
	// Name identifies the connection for logging ("rig", "uut").
	Name() string

	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	// Read reads the value at a register-style communication address.
	Read(ctx context.Context, address string, dt domain.PointDataType) (domain.PlcValue, error)

	// Write writes a value to a register-style communication address.
	Write(ctx context.Context, address string, dt domain.PointDataType, v domain.PlcValue) error
}

// Port is the serialized, fault-wrapped view of one connection handed to
// test tasks. Every call is bounded by the configured timeout and retried
// per the configured policy.
type Port interface {
	Read(ctx context.Context, address string, dt domain.PointDataType) (domain.PlcValue, error)
	Write(ctx context.Context, address string, dt domain.PointDataType, v domain.PlcValue) error
}
