// Package config loads the plotter's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Serial   SerialConfig  `yaml:"serial"`
	Stream   StreamConfig  `yaml:"stream"`
	Plot     PlotConfig    `yaml:"plot"`
	Server   ServerConfig  `yaml:"server"`
	Machine  MachineConfig `yaml:"machine"`
	LogLevel string       `yaml:"log_level"`
}

// SerialConfig selects and opens the device.
type SerialConfig struct {
	Port             string        `yaml:"port"` // empty means auto-discover
	Baud             int           `yaml:"baud"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// StreamConfig tunes the streaming engine.
type StreamConfig struct {
	BufferCapacity     int           `yaml:"buffer_capacity"`
	StatusInterval     time.Duration `yaml:"status_interval"`
	StatusTimeout      time.Duration `yaml:"status_timeout"`
	LineTimeout        time.Duration `yaml:"line_timeout"`
	ReconnectAttempts  int           `yaml:"reconnect_attempts"`
	ReconnectBackoff   time.Duration `yaml:"reconnect_backoff"`
	CancelTimeout      time.Duration `yaml:"cancel_timeout"`
	ResetOnCancel      bool          `yaml:"reset_on_cancel"`
	EnableBufferReport bool          `yaml:"enable_buffer_report"`
}

// PlotConfig controls how artwork is turned into a motion program.
type PlotConfig struct {
	PageSize     string        `yaml:"page_size"`
	Tolerance    float64       `yaml:"tolerance"` // flattening tolerance, document units
	Simplify     float64       `yaml:"simplify"`  // mm, 0 disables
	Sort         bool          `yaml:"sort"`
	FlipY        bool          `yaml:"flip_y"`
	Margin       float64       `yaml:"margin"`
	FeedRate     int           `yaml:"feed_rate"`
	PenUp        int           `yaml:"pen_up"`
	PenDown      int           `yaml:"pen_down"`
	PenUpDelay   time.Duration `yaml:"pen_up_delay"`
	PenDownDelay time.Duration `yaml:"pen_down_delay"`
	ReturnHome   bool          `yaml:"return_home"`
}

// MachineConfig describes the plotter's motion limits, used for time
// estimates only.
type MachineConfig struct {
	MaxRate      float64 `yaml:"max_rate"`     // mm/min
	Acceleration float64 `yaml:"acceleration"` // mm/s^2
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr        string        `yaml:"addr"`
	BodyLimit   string        `yaml:"body_limit"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Baud:             115200,
			HandshakeTimeout: 3 * time.Second,
		},
		Stream: StreamConfig{
			BufferCapacity:    127,
			StatusInterval:    250 * time.Millisecond,
			StatusTimeout:     time.Second,
			LineTimeout:       100 * time.Second,
			ReconnectAttempts: 3,
			ReconnectBackoff:  2 * time.Second,
			CancelTimeout:     10 * time.Second,
		},
		Plot: PlotConfig{
			PageSize:     "297x210mm",
			Tolerance:    0.1,
			Simplify:     0.1,
			Sort:         true,
			FlipY:        true,
			FeedRate:     2000,
			PenUp:        40,
			PenDown:      80,
			PenUpDelay:   100 * time.Millisecond,
			PenDownDelay: 200 * time.Millisecond,
			ReturnHome:   true,
		},
		Server: ServerConfig{
			Addr:        "127.0.0.1:8089",
			BodyLimit:   "16M",
			ReadTimeout: 30 * time.Second,
		},
		Machine: MachineConfig{
			MaxRate:      3000,
			Acceleration: 800,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML file on top of the defaults. A missing file is not
// an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()
	if err := cfg.decode(f); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Parse reads a YAML document on top of the defaults.
func Parse(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.decode(r); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside the
// streaming engine.
func (c *Config) Validate() error {
	switch {
	case c.Serial.Baud <= 0:
		return fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud)
	case c.Stream.BufferCapacity <= 0:
		return fmt.Errorf("stream.buffer_capacity must be positive, got %d", c.Stream.BufferCapacity)
	case c.Stream.LineTimeout <= 0:
		return fmt.Errorf("stream.line_timeout must be positive")
	case c.Stream.ReconnectAttempts < 0:
		return fmt.Errorf("stream.reconnect_attempts must not be negative")
	case c.Plot.Tolerance <= 0:
		return fmt.Errorf("plot.tolerance must be positive, got %g", c.Plot.Tolerance)
	case c.Plot.FeedRate <= 0:
		return fmt.Errorf("plot.feed_rate must be positive, got %d", c.Plot.FeedRate)
	case c.Plot.Margin < 0:
		return fmt.Errorf("plot.margin must not be negative")
	case c.Machine.MaxRate <= 0 || c.Machine.Acceleration <= 0:
		return fmt.Errorf("machine.max_rate and machine.acceleration must be positive")
	}
	return nil
}
