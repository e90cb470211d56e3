// Package config loads node configuration from a YAML file, environment
// variables and command line overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. XBEEMESH_RADIO_DEVICE.
const EnvPrefix = "XBEEMESH"

// ErrInvalid is returned for a configuration that fails validation.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Node     NodeConfig     `mapstructure:"node"`
	Radio    RadioConfig    `mapstructure:"radio"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Routing  RoutingConfig  `mapstructure:"routing"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`

	settings map[string]any
}

type NodeConfig struct {
	// Address is the logical node address, 1-254.
	Address int `mapstructure:"address"`
}

type RadioConfig struct {
	// Device is a serial port or tcp://host:port.
	Device        string        `mapstructure:"device"`
	Simulated     bool          `mapstructure:"simulated"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	TransmitPower int           `mapstructure:"transmit_power"`
	Retries       int           `mapstructure:"retries"`
}

type DeliveryConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// Prefix namespaces this node's topics on a shared broker.
	Prefix         string        `mapstructure:"prefix"`
	QoS            int           `mapstructure:"qos"`
	Buffer         int           `mapstructure:"buffer"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type RoutingConfig struct {
	TickInterval             time.Duration `mapstructure:"tick_interval"`
	MaxRetransmissions       int           `mapstructure:"max_retransmissions"`
	HopConstant              float64       `mapstructure:"hop_constant"`
	GlobalConstant           float64       `mapstructure:"global_constant"`
	ForwarderMultiplier      float64       `mapstructure:"forwarder_multiplier"`
	AntireliabilityThreshold float64       `mapstructure:"antireliability_threshold"`
	HeartbeatInterval        time.Duration `mapstructure:"heartbeat_interval"`
	LivenessInterval         time.Duration `mapstructure:"liveness_interval"`
	LivenessTimeout          time.Duration `mapstructure:"liveness_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// File enables a JSON log file, rotated by size.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.address", 0)

	v.SetDefault("radio.device", "/dev/ttyUSB0")
	v.SetDefault("radio.simulated", false)
	v.SetDefault("radio.dial_timeout", "5s")
	v.SetDefault("radio.transmit_power", 0)
	v.SetDefault("radio.retries", 1)

	v.SetDefault("delivery.broker", "tcp://localhost:1883")
	v.SetDefault("delivery.client_id", "")
	v.SetDefault("delivery.username", "")
	v.SetDefault("delivery.password", "")
	v.SetDefault("delivery.prefix", "")
	v.SetDefault("delivery.qos", 1)
	v.SetDefault("delivery.buffer", 64)
	v.SetDefault("delivery.connect_timeout", "10s")

	v.SetDefault("routing.tick_interval", "100ms")
	v.SetDefault("routing.max_retransmissions", 5)
	v.SetDefault("routing.hop_constant", 1.0)
	v.SetDefault("routing.global_constant", 2.0)
	v.SetDefault("routing.forwarder_multiplier", 100.0)
	v.SetDefault("routing.antireliability_threshold", 10.0)
	v.SetDefault("routing.heartbeat_interval", "15s")
	v.SetDefault("routing.liveness_interval", "3s")
	v.SetDefault("routing.liveness_timeout", "20s")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9464")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)
}

// Load reads the file at path when path is not empty, applies environment
// variables and then overrides, keyed like "radio.device", and validates
// the result.
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		ext := filepath.Ext(path)
		v.SetConfigFile(path)
		v.SetConfigType(strings.TrimPrefix(ext, "."))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	for k, val := range overrides {
		v.Set(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.settings = v.AllSettings()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem found, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Node.Address >= 1 && c.Node.Address <= 254, "node.address %d is outside 1-254", c.Node.Address)
	check(c.Radio.Device != "", "radio.device is required")
	check(c.Radio.TransmitPower >= 0 && c.Radio.TransmitPower <= 4, "radio.transmit_power %d is outside 0-4", c.Radio.TransmitPower)
	check(c.Radio.Retries >= 0 && c.Radio.Retries <= 15, "radio.retries %d is outside 0-15", c.Radio.Retries)
	check(c.Delivery.Broker != "", "delivery.broker is required")
	check(c.Delivery.QoS >= 0 && c.Delivery.QoS <= 2, "delivery.qos %d is outside 0-2", c.Delivery.QoS)
	check(c.Routing.TickInterval > 0, "routing.tick_interval must be positive")
	check(c.Routing.MaxRetransmissions > 0, "routing.max_retransmissions must be positive")
	check(c.Routing.HeartbeatInterval > 0, "routing.heartbeat_interval must be positive")
	check(c.Routing.LivenessInterval > 0, "routing.liveness_interval must be positive")
	check(c.Routing.LivenessTimeout > c.Routing.HeartbeatInterval,
		"routing.liveness_timeout %s must exceed routing.heartbeat_interval %s",
		c.Routing.LivenessTimeout, c.Routing.HeartbeatInterval)
	check(!c.Metrics.Enabled || c.Metrics.Address != "", "metrics.address is required when metrics are enabled")

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is unknown", c.Log.Level))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// YAML renders the effective settings.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.settings)
}
