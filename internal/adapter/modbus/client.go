// Package modbus adapts a Modbus TCP device to the plc.Connection
// interface using classic data-model addressing (0xxxx coils, 1xxxx
// discrete inputs, 3xxxx input registers, 4xxxx holding registers).
package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
)

// Config holds the Modbus TCP connection settings.
type Config struct {
	// Address is host:port of the device
	Address string

	// SlaveID is the Modbus unit ID (1-247)
	SlaveID byte

	// Timeout is the connection and response timeout
	Timeout time.Duration

	// IdleTimeout is how long to keep an idle connection open
	IdleTimeout time.Duration
}

// Client is a Modbus TCP connection to one PLC. Retries and circuit
// breaking live in the plc.Manager wrapper, not here.
type Client struct {
	name    string
	cfg     Config
	logger  zerolog.Logger
	mu      sync.RWMutex
	handler *modbus.TCPClientHandler
	client  modbus.Client

	connected atomic.Bool
}

// NewClient creates a Modbus client. The connection is established by
// Connect, not here.
func NewClient(name string, cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("modbus %s: address is required", name)
	}
	if cfg.SlaveID == 0 || cfg.SlaveID > 247 {
		return nil, fmt.Errorf("modbus %s: slave id %d out of range", name, cfg.SlaveID)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	return &Client{
		name:   name,
		cfg:    cfg,
		logger: logger.With().Str("component", "modbus-client").Str("plc", name).Str("address", cfg.Address).Logger(),
	}, nil
}

func (c *Client) Name() string { return c.name }

// Connect establishes the TCP connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	handler := modbus.NewTCPClientHandler(c.cfg.Address)
	handler.Timeout = c.cfg.Timeout
	handler.SlaveId = c.cfg.SlaveID
	handler.IdleTimeout = c.cfg.IdleTimeout

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- handler.Connect()
	}()
	select {
	case err := <-connectDone:
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrConnectionTimeout, ctx.Err())
	}

	c.handler = handler
	c.client = modbus.NewClient(handler)
	c.connected.Store(true)
	c.logger.Info().Msg("connected to modbus device")
	return nil
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() {
		return nil
	}
	if c.handler != nil {
		if err := c.handler.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("error closing modbus connection")
		}
	}
	c.connected.Store(false)
	c.handler = nil
	c.client = nil
	return nil
}

func (c *Client) IsConnected() bool { return c.connected.Load() }

// Read reads one point. Bool reads use the coil/discrete area encoded
// in the address; numeric reads use registers.
func (c *Client) Read(ctx context.Context, address string, dt domain.PointDataType) (domain.PlcValue, error) {
	if err := ctx.Err(); err != nil {
		return domain.PlcValue{}, err
	}
	client, err := c.session()
	if err != nil {
		return domain.PlcValue{}, err
	}
	area, offset, err := parseAddress(address)
	if err != nil {
		return domain.PlcValue{}, err
	}

	switch dt {
	case domain.DataTypeBool:
		var raw []byte
		switch area {
		case areaCoil:
			raw, err = client.ReadCoils(offset, 1)
		case areaDiscrete:
			raw, err = client.ReadDiscreteInputs(offset, 1)
		default:
			return domain.PlcValue{}, fmt.Errorf("%w: %s is not a bit address", domain.ErrInvalidAddress, address)
		}
		if err != nil {
			return domain.PlcValue{}, err
		}
		if len(raw) == 0 {
			return domain.PlcValue{}, fmt.Errorf("%w: empty response for %s", domain.ErrReadFailed, address)
		}
		return domain.BoolValue(raw[0]&0x01 == 1), nil

	case domain.DataTypeInt:
		raw, err := c.readRegisters(client, area, offset, 1)
		if err != nil {
			return domain.PlcValue{}, err
		}
		return domain.IntValue(int64(int16(binary.BigEndian.Uint16(raw)))), nil

	case domain.DataTypeFloat:
		raw, err := c.readRegisters(client, area, offset, 2)
		if err != nil {
			return domain.PlcValue{}, err
		}
		bits := binary.BigEndian.Uint32(raw)
		return domain.FloatValue(float64(math.Float32frombits(bits))), nil
	}
	return domain.PlcValue{}, fmt.Errorf("%w: %s", domain.ErrInvalidDataType, dt)
}

// Write writes one point to the coil or holding register area.
func (c *Client) Write(ctx context.Context, address string, dt domain.PointDataType, v domain.PlcValue) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := c.session()
	if err != nil {
		return err
	}
	area, offset, err := parseAddress(address)
	if err != nil {
		return err
	}

	switch dt {
	case domain.DataTypeBool:
		if area != areaCoil {
			return fmt.Errorf("%w: %s is not writable as a coil", domain.ErrInvalidAddress, address)
		}
		b, err := v.AsBool()
		if err != nil {
			return err
		}
		var val uint16
		if b {
			val = 0xFF00
		}
		_, err = client.WriteSingleCoil(offset, val)
		return err

	case domain.DataTypeInt:
		if area != areaHolding {
			return fmt.Errorf("%w: %s is not a holding register", domain.ErrInvalidAddress, address)
		}
		f, err := v.AsFloat()
		if err != nil {
			return err
		}
		_, err = client.WriteSingleRegister(offset, uint16(int16(f)))
		return err

	case domain.DataTypeFloat:
		if area != areaHolding {
			return fmt.Errorf("%w: %s is not a holding register", domain.ErrInvalidAddress, address)
		}
		f, err := v.AsFloat()
		if err != nil {
			return err
		}
		raw := make([]byte, 4)
		binary.BigEndian.PutUint32(raw, math.Float32bits(float32(f)))
		_, err = client.WriteMultipleRegisters(offset, 2, raw)
		return err
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidDataType, dt)
}

func (c *Client) session() (modbus.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, domain.ErrConnectionClosed
	}
	return c.client, nil
}

func (c *Client) readRegisters(client modbus.Client, area byte, offset, count uint16) ([]byte, error) {
	var raw []byte
	var err error
	switch area {
	case areaHolding:
		raw, err = client.ReadHoldingRegisters(offset, count)
	case areaInput:
		raw, err = client.ReadInputRegisters(offset, count)
	default:
		return nil, fmt.Errorf("%w: register read from area %d", domain.ErrInvalidAddress, area)
	}
	if err != nil {
		return nil, err
	}
	if len(raw) < int(count)*2 {
		return nil, fmt.Errorf("%w: short response", domain.ErrReadFailed)
	}
	return raw, nil
}

const (
	areaCoil     byte = 0
	areaDiscrete byte = 1
	areaInput    byte = 3
	areaHolding  byte = 4
)

// parseAddress converts a classic 1-based data-model address ("40001")
// into an area code and zero-based register offset.
func parseAddress(address string) (byte, uint16, error) {
	n, err := strconv.Atoi(address)
	if err != nil || n < 1 {
		return 0, 0, fmt.Errorf("%w: %q", domain.ErrInvalidAddress, address)
	}
	switch {
	case n < 10000:
		return areaCoil, uint16(n - 1), nil
	case n >= 10001 && n < 20000:
		return areaDiscrete, uint16(n - 10001), nil
	case n >= 30001 && n < 40000:
		return areaInput, uint16(n - 30001), nil
	case n >= 40001 && n < 50000:
		return areaHolding, uint16(n - 40001), nil
	}
	return 0, 0, fmt.Errorf("%w: %q outside the modbus data model", domain.ErrInvalidAddress, address)
}
