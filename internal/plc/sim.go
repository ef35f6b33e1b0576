package plc

import (
	"context"
	"sync"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
)

// Sim is an in-memory PLC used by tests and by loopback demo mode. It
// stores values by address and can mirror writes on one address to reads
// on another, emulating the wired path between rig and UUT channels.
type Sim struct {
	name string

	mu        sync.Mutex
	values    map[string]domain.PlcValue
	links     map[string]link
	failAddrs map[string]error
	connected bool

	// WriteHook, when set, observes every successful write. Used by tests
	// to assert ordering (e.g. the digital safety reset).
	WriteHook func(address string, v domain.PlcValue)
}

type link struct {
	to    string
	scale float64
	bias  float64
}

// NewSim creates an empty simulated PLC.
func NewSim(name string) *Sim {
	return &Sim{
		name:      name,
		values:    make(map[string]domain.PlcValue),
		links:     make(map[string]link),
		failAddrs: make(map[string]error),
	}
}

// Link mirrors writes on src to reads on dst, applying scale and bias to
// numeric values. Used to emulate the physical loop between a rig output
// and a UUT input.
func (s *Sim) Link(src, dst string, scale, bias float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[src] = link{to: dst, scale: scale, bias: bias}
}

// FailOn makes every call touching the address return err.
func (s *Sim) FailOn(address string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAddrs[address] = err
}

// Preload sets an address value directly.
func (s *Sim) Preload(address string, v domain.PlcValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[address] = v
}

// Value returns the current value at an address.
func (s *Sim) Value(address string) (domain.PlcValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[address]
	return v, ok
}

func (s *Sim) Name() string { return s.name }

func (s *Sim) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *Sim) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Sim) Read(ctx context.Context, address string, dt domain.PointDataType) (domain.PlcValue, error) {
	if err := ctx.Err(); err != nil {
		return domain.PlcValue{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failAddrs[address]; ok {
		return domain.PlcValue{}, err
	}
	v, ok := s.values[address]
	if !ok {
		// Unwritten addresses read as the zero value of their type.
		return domain.PlcValue{Type: dt}, nil
	}
	return v, nil
}

func (s *Sim) Write(ctx context.Context, address string, dt domain.PointDataType, v domain.PlcValue) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if err, ok := s.failAddrs[address]; ok {
		s.mu.Unlock()
		return err
	}
	s.values[address] = v
	if l, ok := s.links[address]; ok {
		s.values[l.to] = applyLink(v, l)
	}
	hook := s.WriteHook
	s.mu.Unlock()

	if hook != nil {
		hook(address, v)
	}
	return nil
}

func applyLink(v domain.PlcValue, l link) domain.PlcValue {
	switch v.Type {
	case domain.DataTypeFloat:
		return domain.FloatValue(v.Float*l.scale + l.bias)
	case domain.DataTypeInt:
		return domain.IntValue(int64(float64(v.Int)*l.scale + l.bias))
	default:
		return v
	}
}
