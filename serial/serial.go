// Package serial provides the io.ReadWriter connection between the at and
// volte packages (or runner's direct AT helper) and a physical modem's
// character device.
package serial

import (
	"time"

	"github.com/tarm/serial"
)

// Config holds the parameters used to open a serial port.
type Config struct {
	port        string
	baud        int
	readTimeout time.Duration
}

// Option configures a Config passed to New.
type Option func(*Config)

// WithPort overrides the device path to open.
func WithPort(port string) Option {
	return func(c *Config) { c.port = port }
}

// WithBaud overrides the baud rate.
func WithBaud(baud int) Option {
	return func(c *Config) { c.baud = baud }
}

// WithReadTimeout bounds how long a Read blocks waiting for data.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) { c.readTimeout = d }
}

// New opens a serial port, applying defaultConfig (platform-specific) then
// any options.
func New(opts ...Option) (*serial.Port, error) {
	cfg := defaultConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	sc := &serial.Config{
		Name:        cfg.port,
		Baud:        cfg.baud,
		ReadTimeout: cfg.readTimeout,
	}
	return serial.OpenPort(sc)
}
