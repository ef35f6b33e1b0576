// Package opcua adapts an OPC UA server to the plc.Connection interface
// using attribute reads and writes on node IDs (ns=2;s=Tank.Level).
package opcua

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
)

// Config holds the OPC UA session settings.
type Config struct {
	// Endpoint is the server URL, e.g. opc.tcp://host:4840
	Endpoint string

	// SecurityPolicy and SecurityMode select the channel security;
	// blank means None
	SecurityPolicy string
	SecurityMode   string

	// RequestTimeout bounds individual service calls
	RequestTimeout time.Duration
}

// Client is an OPC UA session to one server.
type Client struct {
	name   string
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	client *opcua.Client

	connected atomic.Bool
}

// NewClient creates an OPC UA client; Connect opens the session.
func NewClient(name string, cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("opcua %s: endpoint is required", name)
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Client{
		name:   name,
		cfg:    cfg,
		logger: logger.With().Str("component", "opcua-client").Str("plc", name).Str("endpoint", cfg.Endpoint).Logger(),
	}, nil
}

func (c *Client) Name() string { return c.name }

// Connect opens the secure channel and session.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	opts := []opcua.Option{
		opcua.SecurityPolicy(c.cfg.SecurityPolicy),
		opcua.RequestTimeout(c.cfg.RequestTimeout),
	}
	if c.cfg.SecurityMode != "" {
		opts = append(opts, opcua.SecurityModeString(c.cfg.SecurityMode))
	}

	client, err := opcua.NewClient(c.cfg.Endpoint, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}

	c.client = client
	c.connected.Store(true)
	c.logger.Info().Msg("connected to opcua server")
	return nil
}

// Close terminates the session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() {
		return nil
	}
	if c.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.client.Close(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("error closing opcua session")
		}
	}
	c.connected.Store(false)
	c.client = nil
	return nil
}

func (c *Client) IsConnected() bool { return c.connected.Load() }

// Read reads the value attribute of one node.
func (c *Client) Read(ctx context.Context, address string, dt domain.PointDataType) (domain.PlcValue, error) {
	client, err := c.session()
	if err != nil {
		return domain.PlcValue{}, err
	}
	id, err := ua.ParseNodeID(address)
	if err != nil {
		return domain.PlcValue{}, fmt.Errorf("%w: %q: %v", domain.ErrInvalidAddress, address, err)
	}

	req := &ua.ReadRequest{
		MaxAge:             0,
		TimestampsToReturn: ua.TimestampsToReturnNeither,
		NodesToRead: []*ua.ReadValueID{
			{NodeID: id, AttributeID: ua.AttributeIDValue},
		},
	}
	resp, err := client.Read(ctx, req)
	if err != nil {
		return domain.PlcValue{}, err
	}
	if len(resp.Results) == 0 {
		return domain.PlcValue{}, fmt.Errorf("%w: empty response for %s", domain.ErrReadFailed, address)
	}
	result := resp.Results[0]
	if result.Status != ua.StatusOK {
		return domain.PlcValue{}, fmt.Errorf("%w: %s: %s", domain.ErrReadFailed, address, result.Status)
	}
	return fromVariant(result.Value, dt)
}

// Write writes the value attribute of one node.
func (c *Client) Write(ctx context.Context, address string, dt domain.PointDataType, v domain.PlcValue) error {
	client, err := c.session()
	if err != nil {
		return err
	}
	id, err := ua.ParseNodeID(address)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", domain.ErrInvalidAddress, address, err)
	}
	variant, err := toVariant(dt, v)
	if err != nil {
		return err
	}

	req := &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{
			{
				NodeID:      id,
				AttributeID: ua.AttributeIDValue,
				Value: &ua.DataValue{
					EncodingMask: ua.DataValueValue,
					Value:        variant,
				},
			},
		},
	}
	resp, err := client.Write(ctx, req)
	if err != nil {
		return err
	}
	if len(resp.Results) == 0 {
		return fmt.Errorf("%w: empty response for %s", domain.ErrWriteFailed, address)
	}
	if resp.Results[0] != ua.StatusOK {
		return fmt.Errorf("%w: %s: %s", domain.ErrWriteFailed, address, resp.Results[0])
	}
	return nil
}

func (c *Client) session() (*opcua.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, domain.ErrConnectionClosed
	}
	return c.client, nil
}

func fromVariant(variant *ua.Variant, dt domain.PointDataType) (domain.PlcValue, error) {
	if variant == nil {
		return domain.PlcValue{}, domain.ErrReadFailed
	}
	switch dt {
	case domain.DataTypeBool:
		b, ok := variant.Value().(bool)
		if !ok {
			return domain.PlcValue{}, fmt.Errorf("%w: expected bool, got %T", domain.ErrTypeMismatch, variant.Value())
		}
		return domain.BoolValue(b), nil
	case domain.DataTypeInt:
		switch n := variant.Value().(type) {
		case int16:
			return domain.IntValue(int64(n)), nil
		case int32:
			return domain.IntValue(int64(n)), nil
		case int64:
			return domain.IntValue(n), nil
		}
		return domain.PlcValue{}, fmt.Errorf("%w: expected int, got %T", domain.ErrTypeMismatch, variant.Value())
	case domain.DataTypeFloat:
		switch f := variant.Value().(type) {
		case float32:
			return domain.FloatValue(float64(f)), nil
		case float64:
			return domain.FloatValue(f), nil
		}
		return domain.PlcValue{}, fmt.Errorf("%w: expected float, got %T", domain.ErrTypeMismatch, variant.Value())
	case domain.DataTypeString:
		s, ok := variant.Value().(string)
		if !ok {
			return domain.PlcValue{}, fmt.Errorf("%w: expected string, got %T", domain.ErrTypeMismatch, variant.Value())
		}
		return domain.StringValue(s), nil
	}
	return domain.PlcValue{}, fmt.Errorf("%w: %s", domain.ErrInvalidDataType, dt)
}

func toVariant(dt domain.PointDataType, v domain.PlcValue) (*ua.Variant, error) {
	switch dt {
	case domain.DataTypeBool:
		b, err := v.AsBool()
		if err != nil {
			return nil, err
		}
		return ua.NewVariant(b)
	case domain.DataTypeInt:
		f, err := v.AsFloat()
		if err != nil {
			return nil, err
		}
		return ua.NewVariant(int32(f))
	case domain.DataTypeFloat:
		f, err := v.AsFloat()
		if err != nil {
			return nil, err
		}
		// OPC UA REAL maps to float32 on the wire.
		return ua.NewVariant(float32(f))
	case domain.DataTypeString:
		return ua.NewVariant(v.Str)
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrInvalidDataType, dt)
}
