// Package mqtt publishes test progress events to an MQTT broker so
// operator panels can follow a run live.
package mqtt

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
)

// PublisherConfig contains MQTT publisher configuration.
type PublisherConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	KeepAlive      time.Duration
	ReconnectDelay time.Duration
	PublishTimeout time.Duration
}

// Publisher pushes progress and summary events to the broker. Topics:
//
//	<prefix>/progress/<batch_id>
//	<prefix>/summary/<batch_id>
type Publisher struct {
	config PublisherConfig
	client paho.Client
	logger zerolog.Logger

	isConnected atomic.Bool
	published   atomic.Uint64
}

// NewPublisher creates an MQTT publisher.
func NewPublisher(config PublisherConfig, logger zerolog.Logger) (*Publisher, error) {
	if config.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt broker url is required")
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = "factest"
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 5 * time.Second
	}

	p := &Publisher{
		config: config,
		logger: logger.With().Str("component", "mqtt-publisher").Logger(),
	}

	opts := paho.NewClientOptions().
		AddBroker(config.BrokerURL).
		SetClientID(config.ClientID).
		SetKeepAlive(config.KeepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(config.ReconnectDelay).
		SetConnectionLostHandler(p.onConnectionLost).
		SetOnConnectHandler(p.onConnect)

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	p.client = paho.NewClient(opts)
	return p, nil
}

// Connect establishes the broker connection.
func (p *Publisher) Connect(ctx context.Context) error {
	p.logger.Info().
		Str("broker", p.config.BrokerURL).
		Str("client_id", p.config.ClientID).
		Msg("connecting to mqtt broker")

	token := p.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("%w: mqtt connect", domain.ErrConnectionTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, token.Error())
	}
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
	p.isConnected.Store(false)
}

// IsConnected reports the broker connection state.
func (p *Publisher) IsConnected() bool { return p.isConnected.Load() }

// PublishProgress emits one per-channel progress event.
func (p *Publisher) PublishProgress(ctx context.Context, ev domain.ChannelProgressEvent) error {
	topic := fmt.Sprintf("%s/progress/%s", p.config.TopicPrefix, ev.BatchID)
	return p.publish(ctx, topic, ev)
}

// PublishBatchSummary emits the final batch summary.
func (p *Publisher) PublishBatchSummary(ctx context.Context, ev domain.BatchSummaryEvent) error {
	topic := fmt.Sprintf("%s/summary/%s", p.config.TopicPrefix, ev.BatchID)
	return p.publish(ctx, topic, ev)
}

func (p *Publisher) publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	timeout := p.config.PublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remain := time.Until(deadline); remain < timeout {
			timeout = remain
		}
	}

	token := p.client.Publish(topic, p.config.QoS, false, data)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: publish to %s", domain.ErrConnectionTimeout, topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", topic, token.Error())
	}
	p.published.Add(1)
	return nil
}

// Published returns how many events were delivered to the broker.
func (p *Publisher) Published() uint64 { return p.published.Load() }

func (p *Publisher) onConnect(paho.Client) {
	p.isConnected.Store(true)
	p.logger.Info().Msg("mqtt connection established")
}

func (p *Publisher) onConnectionLost(_ paho.Client, err error) {
	p.isConnected.Store(false)
	p.logger.Warn().Err(err).Msg("mqtt connection lost")
}
