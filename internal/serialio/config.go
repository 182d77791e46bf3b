package serialio

import "fmt"

// Parity is one of the three line parity modes a meter's optical port may
// be configured for.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

// Preset is a named baseline SerialConfig that individual fields can be
// overridden on top of.
type Preset int

const (
	// OpticalDevice is the baseline for an eBZ/Easymeter IR optical head:
	// 9600 7E1.
	OpticalDevice Preset = iota
	// StandardDevice is a generic RS232/RS485 baseline: 9600 8N1.
	StandardDevice
)

// Config is an immutable serial line configuration.
type Config struct {
	Device   string
	Baud     int
	DataBits int
	StopBits int
	Parity   Parity
}

var validBauds = map[int]bool{
	1200: true, 2400: true, 4800: true, 9600: true, 19200: true,
	38400: true, 57600: true, 115200: true, 230400: true,
}

// NewConfig resolves a preset baseline for device and applies opts on top
// of it.
func NewConfig(device string, preset Preset, opts ...Option) Config {
	var cfg Config
	switch preset {
	case OpticalDevice:
		cfg = Config{Device: device, Baud: 9600, DataBits: 7, StopBits: 1, Parity: ParityEven}
	default:
		cfg = Config{Device: device, Baud: 9600, DataBits: 8, StopBits: 1, Parity: ParityNone}
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option overrides a single field of a preset Config.
type Option func(*Config)

func WithBaud(baud int) Option   { return func(c *Config) { c.Baud = baud } }
func WithDataBits(n int) Option  { return func(c *Config) { c.DataBits = n } }
func WithStopBits(n int) Option  { return func(c *Config) { c.StopBits = n } }
func WithParity(p Parity) Option { return func(c *Config) { c.Parity = p } }

// Validate checks the field ranges a valid serial config must satisfy.
func (c Config) Validate() error {
	if c.Device == "" {
		return fmt.Errorf("serial: device path must not be empty")
	}
	if !validBauds[c.Baud] {
		return fmt.Errorf("serial: unsupported baud rate %d", c.Baud)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("serial: data bits must be 5-8, got %d", c.DataBits)
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return fmt.Errorf("serial: stop bits must be 1 or 2, got %d", c.StopBits)
	}
	return nil
}
