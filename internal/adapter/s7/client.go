// Package s7 adapts a Siemens S7 PLC to the plc.Connection interface
// using DB addressing (DB1.DBD0, DB1.DBW2, DB1.DBX0.3).
package s7

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robinson/gos7"
	"github.com/rs/zerolog"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
)

// Config holds the S7 connection settings.
type Config struct {
	// Address is the PLC IP address
	Address string

	// Rack and Slot locate the CPU
	Rack int
	Slot int

	// Timeout is the request timeout
	Timeout time.Duration

	// IdleTimeout is how long to keep an idle connection open
	IdleTimeout time.Duration
}

// Client is an S7 connection to one PLC.
type Client struct {
	name   string
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	handler *gos7.TCPClientHandler
	client  gos7.Client

	connected atomic.Bool
}

// NewClient creates an S7 client; Connect establishes the session.
func NewClient(name string, cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("s7 %s: address is required", name)
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
		logger: logger.With().Str("component", "s7-client").Str("plc", name).Str("address", cfg.Address).Logger(),
	}, nil
}

func (c *Client) Name() string { return c.name }

// Connect establishes the ISO-on-TCP session.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	handler := gos7.NewTCPClientHandler(c.cfg.Address, c.cfg.Rack, c.cfg.Slot)
	handler.Timeout = c.cfg.Timeout
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
	c.client = gos7.NewClient(handler)
	c.connected.Store(true)
	c.logger.Info().Int("rack", c.cfg.Rack).Int("slot", c.cfg.Slot).Msg("connected to s7 plc")
	return nil
}

// Close shuts the session down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() {
		return nil
	}
	if c.handler != nil {
		if err := c.handler.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("error closing s7 connection")
		}
	}
	c.connected.Store(false)
	c.handler = nil
	c.client = nil
	return nil
}

func (c *Client) IsConnected() bool { return c.connected.Load() }

// Read reads one DB point.
func (c *Client) Read(ctx context.Context, address string, dt domain.PointDataType) (domain.PlcValue, error) {
	if err := ctx.Err(); err != nil {
		return domain.PlcValue{}, err
	}
	loc, err := parseAddress(address)
	if err != nil {
		return domain.PlcValue{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return domain.PlcValue{}, domain.ErrConnectionClosed
	}

	buf := make([]byte, loc.size)
	if err := c.client.AGReadDB(loc.db, loc.offset, loc.size, buf); err != nil {
		return domain.PlcValue{}, err
	}

	switch dt {
	case domain.DataTypeBool:
		if !loc.isBit {
			return domain.PlcValue{}, fmt.Errorf("%w: %s is not a bit address", domain.ErrInvalidAddress, address)
		}
		return domain.BoolValue(buf[0]&(1<<loc.bit) != 0), nil
	case domain.DataTypeInt:
		if loc.size < 2 {
			return domain.PlcValue{}, fmt.Errorf("%w: %s too small for an int", domain.ErrInvalidAddress, address)
		}
		return domain.IntValue(int64(int16(binary.BigEndian.Uint16(buf)))), nil
	case domain.DataTypeFloat:
		if loc.size < 4 {
			return domain.PlcValue{}, fmt.Errorf("%w: %s too small for a real", domain.ErrInvalidAddress, address)
		}
		return domain.FloatValue(float64(math.Float32frombits(binary.BigEndian.Uint32(buf)))), nil
	}
	return domain.PlcValue{}, fmt.Errorf("%w: %s", domain.ErrInvalidDataType, dt)
}

// Write writes one DB point. Bit writes read-modify-write the holding
// byte because S7 DB access is byte granular.
func (c *Client) Write(ctx context.Context, address string, dt domain.PointDataType, v domain.PlcValue) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc, err := parseAddress(address)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return domain.ErrConnectionClosed
	}

	switch dt {
	case domain.DataTypeBool:
		if !loc.isBit {
			return fmt.Errorf("%w: %s is not a bit address", domain.ErrInvalidAddress, address)
		}
		b, err := v.AsBool()
		if err != nil {
			return err
		}
		buf := make([]byte, 1)
		if err := c.client.AGReadDB(loc.db, loc.offset, 1, buf); err != nil {
			return err
		}
		if b {
			buf[0] |= 1 << loc.bit
		} else {
			buf[0] &^= 1 << loc.bit
		}
		return c.client.AGWriteDB(loc.db, loc.offset, 1, buf)

	case domain.DataTypeInt:
		f, err := v.AsFloat()
		if err != nil {
			return err
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(int16(f)))
		return c.client.AGWriteDB(loc.db, loc.offset, 2, buf)

	case domain.DataTypeFloat:
		f, err := v.AsFloat()
		if err != nil {
			return err
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(f)))
		return c.client.AGWriteDB(loc.db, loc.offset, 4, buf)
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidDataType, dt)
}

type location struct {
	db     int
	offset int
	size   int
	isBit  bool
	bit    uint
}

var addressRe = regexp.MustCompile(`^DB(\d+)\.DB([XBWD])(\d+)(?:\.(\d))?$`)

// parseAddress decodes "DB<n>.DBX<byte>.<bit>", "DB<n>.DBW<byte>" and
// "DB<n>.DBD<byte>" forms.
func parseAddress(address string) (location, error) {
	m := addressRe.FindStringSubmatch(address)
	if m == nil {
		return location{}, fmt.Errorf("%w: %q", domain.ErrInvalidAddress, address)
	}
	db, _ := strconv.Atoi(m[1])
	offset, _ := strconv.Atoi(m[3])
	loc := location{db: db, offset: offset}
	switch m[2] {
	case "X":
		if m[4] == "" {
			return location{}, fmt.Errorf("%w: %q missing bit number", domain.ErrInvalidAddress, address)
		}
		bit, _ := strconv.Atoi(m[4])
		if bit > 7 {
			return location{}, fmt.Errorf("%w: %q bit out of range", domain.ErrInvalidAddress, address)
		}
		loc.size = 1
		loc.isBit = true
		loc.bit = uint(bit)
	case "B":
		loc.size = 1
	case "W":
		loc.size = 2
	case "D":
		loc.size = 4
	}
	if m[2] != "X" && m[4] != "" {
		return location{}, fmt.Errorf("%w: %q has a bit number on a non-bit address", domain.ErrInvalidAddress, address)
	}
	return loc, nil
}
