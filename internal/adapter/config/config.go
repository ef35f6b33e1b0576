// Package config loads the service configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete service configuration.
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	PLC     PLCConfig     `mapstructure:"plc"`
	Rig     RigConfig     `mapstructure:"rig"`
	Test    TestConfig    `mapstructure:"test"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServiceConfig identifies the service instance.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig holds the health/metrics endpoint settings.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// EndpointConfig describes one PLC connection.
type EndpointConfig struct {
	// Driver selects the protocol adapter: modbus, s7, opcua or sim.
	Driver  string `mapstructure:"driver"`
	Address string `mapstructure:"address"`

	// Modbus
	SlaveID byte `mapstructure:"slave_id"`

	// S7
	Rack int `mapstructure:"rack"`
	Slot int `mapstructure:"slot"`
}

// PLCConfig holds the two test connections plus the shared call policy.
type PLCConfig struct {
	Rig EndpointConfig `mapstructure:"rig"`
	UUT EndpointConfig `mapstructure:"uut"`

	CallTimeout        time.Duration `mapstructure:"call_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout"`
}

// RigConfig locates the test rig channel table.
type RigConfig struct {
	SlotsFile string `mapstructure:"slots_file"`
}

// TestConfig tunes batch execution and the hard-point protocol.
type TestConfig struct {
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	Serial             bool          `mapstructure:"serial"`
	Tolerance          float64       `mapstructure:"tolerance"`
	StabilizationDelay time.Duration `mapstructure:"stabilization_delay"`
}

// MQTTConfig holds the progress event broker settings. A blank broker
// URL disables publishing.
type MQTTConfig struct {
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

// StoreConfig holds the result database settings. A blank DSN disables
// persistence.
type StoreConfig struct {
	DSN      string `mapstructure:"dsn"`
	PoolSize int    `mapstructure:"pool_size"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the configuration file and applies FACTEST_* environment
// overrides (FACTEST_MQTT_BROKER_URL overrides mqtt.broker_url, and so
// on). A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FACTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "factest")
	v.SetDefault("service.environment", "development")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("plc.rig.driver", "sim")
	v.SetDefault("plc.uut.driver", "sim")
	v.SetDefault("plc.call_timeout", 5*time.Second)
	v.SetDefault("plc.max_retries", 2)
	v.SetDefault("plc.retry_delay", 100*time.Millisecond)
	v.SetDefault("plc.breaker_max_failures", 5)
	v.SetDefault("plc.breaker_open_timeout", 10*time.Second)

	v.SetDefault("rig.slots_file", "config/slots.yaml")

	v.SetDefault("test.max_concurrent", 8)
	v.SetDefault("test.serial", false)
	v.SetDefault("test.tolerance", 0.02)
	v.SetDefault("test.stabilization_delay", 200*time.Millisecond)

	v.SetDefault("mqtt.client_id", "factest")
	v.SetDefault("mqtt.topic_prefix", "factest")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)

	v.SetDefault("store.pool_size", 4)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func validate(cfg *Config) error {
	for _, ep := range []struct {
		name string
		cfg  EndpointConfig
	}{{"rig", cfg.PLC.Rig}, {"uut", cfg.PLC.UUT}} {
		switch ep.cfg.Driver {
		case "modbus", "s7", "opcua":
			if ep.cfg.Address == "" {
				return fmt.Errorf("plc.%s: address is required for driver %s", ep.name, ep.cfg.Driver)
			}
		case "sim":
		default:
			return fmt.Errorf("plc.%s: unknown driver %q", ep.name, ep.cfg.Driver)
		}
	}
	if cfg.Test.Tolerance <= 0 || cfg.Test.Tolerance >= 1 {
		return fmt.Errorf("test.tolerance must be within (0, 1)")
	}
	if cfg.Test.MaxConcurrent < 1 {
		return fmt.Errorf("test.max_concurrent must be at least 1")
	}
	return nil
}
