// Package config decodes and validates the gateway's YAML configuration
// file into the typed sections each component wires itself from.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/NotCoffee418/meterbridge/internal/serialio"
	"gopkg.in/yaml.v3"
)

// SerialConfig describes the optical or RS232/RS485 line a meter or a
// Modbus RTU master is reached over.
type SerialConfig struct {
	Device   string `yaml:"device"`
	Baud     int    `yaml:"baud"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

const (
	ParityNone = "none"
	ParityEven = "even"
	ParityOdd  = "odd"
)

// ToSerialConfig converts the decoded YAML fields into the
// serialio.Config the serial port layer consumes.
func (s SerialConfig) ToSerialConfig() serialio.Config {
	var parity serialio.Parity
	switch s.Parity {
	case ParityEven:
		parity = serialio.ParityEven
	case ParityOdd:
		parity = serialio.ParityOdd
	default:
		parity = serialio.ParityNone
	}
	return serialio.NewConfig(s.Device, serialio.StandardDevice,
		serialio.WithBaud(s.Baud), serialio.WithDataBits(s.DataBits),
		serialio.WithStopBits(s.StopBits), serialio.WithParity(parity))
}

// MeterConfig is the mandatory `meter` section.
type MeterConfig struct {
	Serial         SerialConfig  `yaml:"serial"`
	PowerFactor    float64       `yaml:"power_factor"`
	Frequency      float64       `yaml:"frequency"`
	ReconnectDelay ReconnectSpec `yaml:"reconnect_delay"`
}

// ReconnectSpec is the exponential backoff window the meter pipeline
// reconnect loop doubles its delay within.
type ReconnectSpec struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

// MQTTConfig is the mandatory `mqtt` section.
type MQTTConfig struct {
	BrokerURL      string        `yaml:"broker_url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	BaseTopic      string        `yaml:"base_topic"`
	QueueLength    int           `yaml:"queue_length"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// LoggerConfig is the mandatory `logger` section.
type LoggerConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// ModbusConfig is the optional `modbus` section; a nil *ModbusConfig on
// Config disables the register engine entirely.
type ModbusConfig struct {
	Transport      string        `yaml:"transport"`
	SlaveID        int           `yaml:"slave_id"`
	ListenAddress  string        `yaml:"listen_address"`
	Serial         SerialConfig  `yaml:"serial"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	UseFloatModel  bool          `yaml:"use_float_model"`
}

// MonitorConfig is the optional `monitor` section; an empty Listen
// disables the status monitor.
type MonitorConfig struct {
	Listen string `yaml:"listen"`
}

// Config is the decoded and defaulted YAML configuration file.
type Config struct {
	Meter   MeterConfig    `yaml:"meter"`
	MQTT    MQTTConfig     `yaml:"mqtt"`
	Logger  LoggerConfig   `yaml:"logger"`
	Modbus  *ModbusConfig  `yaml:"modbus"`
	Monitor *MonitorConfig `yaml:"monitor"`
}

const (
	TransportTCP = "tcp"
	TransportRTU = "rtu"
)

// Load reads, decodes, defaults, and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// applyDefaults fills in every field a config file is allowed to omit.
// Explicit zero values in the file are indistinguishable from omission,
// so this uses plain zero-value checks rather than pointer-typed
// optional scalars.
func (c *Config) applyDefaults() {
	if c.Meter.Serial.Baud == 0 {
		c.Meter.Serial.Baud = 9600
	}
	if c.Meter.Serial.DataBits == 0 {
		c.Meter.Serial.DataBits = 7
	}
	if c.Meter.Serial.StopBits == 0 {
		c.Meter.Serial.StopBits = 1
	}
	if c.Meter.Serial.Parity == "" {
		c.Meter.Serial.Parity = ParityEven
	}
	if c.Meter.PowerFactor == 0 {
		c.Meter.PowerFactor = 0.95
	}
	if c.Meter.Frequency == 0 {
		c.Meter.Frequency = 50.0
	}
	if c.Meter.ReconnectDelay.Min == 0 {
		c.Meter.ReconnectDelay.Min = time.Second
	}
	if c.Meter.ReconnectDelay.Max == 0 {
		c.Meter.ReconnectDelay.Max = 30 * time.Second
	}
	if c.MQTT.QueueLength == 0 {
		c.MQTT.QueueLength = 64
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "meterbridge"
	}
	if c.MQTT.PublishTimeout == 0 {
		c.MQTT.PublishTimeout = 5 * time.Second
	}
	if c.MQTT.ConnectTimeout == 0 {
		c.MQTT.ConnectTimeout = 10 * time.Second
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Encoding == "" {
		c.Logger.Encoding = "console"
	}

	if c.Modbus != nil {
		if c.Modbus.Transport == "" {
			c.Modbus.Transport = TransportTCP
		}
		if c.Modbus.SlaveID == 0 {
			c.Modbus.SlaveID = 1
		}
		if c.Modbus.RequestTimeout == 0 {
			c.Modbus.RequestTimeout = 5 * time.Second
		}
		if c.Modbus.IdleTimeout == 0 {
			c.Modbus.IdleTimeout = 60 * time.Second
		}
		if c.Modbus.Serial.Baud == 0 {
			c.Modbus.Serial.Baud = 9600
		}
		if c.Modbus.Serial.DataBits == 0 {
			c.Modbus.Serial.DataBits = 8
		}
		if c.Modbus.Serial.StopBits == 0 {
			c.Modbus.Serial.StopBits = 1
		}
		if c.Modbus.Serial.Parity == "" {
			c.Modbus.Serial.Parity = ParityNone
		}
	}
}

// Validate checks every field range the gateway's components rely on
// having already been enforced by the time they're wired up.
func (c *Config) Validate() error {
	if err := validateSerial("meter.serial", c.Meter.Serial); err != nil {
		return err
	}
	if c.Meter.ReconnectDelay.Min >= c.Meter.ReconnectDelay.Max {
		return fmt.Errorf("meter.reconnect_delay: min (%s) must be less than max (%s)",
			c.Meter.ReconnectDelay.Min, c.Meter.ReconnectDelay.Max)
	}

	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url must not be empty")
	}
	if c.MQTT.BaseTopic == "" || c.MQTT.BaseTopic[0] == '/' || c.MQTT.BaseTopic[len(c.MQTT.BaseTopic)-1] == '/' {
		return fmt.Errorf("mqtt.base_topic must be a non-empty topic with no leading or trailing slash")
	}
	if c.MQTT.QueueLength <= 0 {
		return fmt.Errorf("mqtt.queue_length must be positive")
	}

	switch c.Logger.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logger.level must be one of debug|info|warn|error, got %q", c.Logger.Level)
	}

	if c.Modbus != nil {
		if err := c.Modbus.validate(); err != nil {
			return err
		}
	}

	if c.Monitor != nil && c.Monitor.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Monitor.Listen); err != nil {
			return fmt.Errorf("monitor.listen must be a host:port address: %w", err)
		}
	}
	return nil
}

func (m *ModbusConfig) validate() error {
	if m.SlaveID < 1 || m.SlaveID > 247 {
		return fmt.Errorf("modbus.slave_id must be 1-247, got %d", m.SlaveID)
	}
	if m.IdleTimeout < m.RequestTimeout {
		return fmt.Errorf("modbus.idle_timeout (%s) must be >= request_timeout (%s)", m.IdleTimeout, m.RequestTimeout)
	}

	switch m.Transport {
	case TransportTCP:
		_, port, err := net.SplitHostPort(m.ListenAddress)
		if err != nil {
			return fmt.Errorf("modbus.listen_address must be a host:port address: %w", err)
		}
		if err := validateTCPPort(port); err != nil {
			return fmt.Errorf("modbus.listen_address: %w", err)
		}
	case TransportRTU:
		if m.Serial.Device == "" {
			return fmt.Errorf("modbus.serial.device must not be empty when transport is rtu")
		}
		if err := validateSerial("modbus.serial", m.Serial); err != nil {
			return err
		}
	default:
		return fmt.Errorf("modbus.transport must be tcp or rtu, got %q", m.Transport)
	}
	return nil
}

func validateSerial(prefix string, s SerialConfig) error {
	if s.Device == "" {
		return fmt.Errorf("%s.device must not be empty", prefix)
	}
	if s.Baud <= 0 {
		return fmt.Errorf("%s.baud must be positive, got %d", prefix, s.Baud)
	}
	if s.DataBits < 5 || s.DataBits > 8 {
		return fmt.Errorf("%s.data_bits must be 5-8, got %d", prefix, s.DataBits)
	}
	if s.StopBits != 1 && s.StopBits != 2 {
		return fmt.Errorf("%s.stop_bits must be 1 or 2, got %d", prefix, s.StopBits)
	}
	switch s.Parity {
	case ParityNone, ParityEven, ParityOdd:
	default:
		return fmt.Errorf("%s.parity must be none|even|odd, got %q", prefix, s.Parity)
	}
	return nil
}

func validateTCPPort(port string) error {
	var n int
	if _, err := fmt.Sscanf(port, "%d", &n); err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", n)
	}
	return nil
}
