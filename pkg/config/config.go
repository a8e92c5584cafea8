package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/oxibridge/internal/sdk"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendSim = "sim"
	BackendBLE = "ble"
)

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"info"`
	Listen         string        `yaml:"listen" default:"127.0.0.1:8765"`
	MethodChannel  string        `yaml:"method_channel" default:"/ycbt"`
	EventChannel   string        `yaml:"event_channel" default:"/ycbt_events"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"20s"`
	Backend        string        `yaml:"backend" default:"sim"`
	EventBuffer    int           `yaml:"event_buffer" default:"64"`
	AllowedOrigins []string      `yaml:"allowed_origins"`

	Sim SimConfig `yaml:"sim"`
	BLE BLEConfig `yaml:"ble"`
}

// SimConfig configures the simulated SDK backend.
type SimConfig struct {
	Devices        []sdk.Device  `yaml:"devices"`
	LastDevice     sdk.Device    `yaml:"last_device"` // empty MAC = nothing remembered
	ScanDelay      time.Duration `yaml:"scan_delay" default:"500ms"`
	ConnectDelay   time.Duration `yaml:"connect_delay" default:"200ms"`
	SampleInterval time.Duration `yaml:"sample_interval" default:"1s"`
	Samples        []int         `yaml:"samples"`
}

// BLEConfig configures the go-ble backend.
type BLEConfig struct {
	NamePrefix     string        `yaml:"name_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"10s"`
	LastDevice     sdk.Device    `yaml:"last_device"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML from r over the defaults and validates the result.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen: address is required"))
	}
	if !strings.HasPrefix(c.MethodChannel, "/") {
		errs = append(errs, fmt.Errorf("method_channel: %q must start with /", c.MethodChannel))
	}
	if !strings.HasPrefix(c.EventChannel, "/") {
		errs = append(errs, fmt.Errorf("event_channel: %q must start with /", c.EventChannel))
	}
	if c.MethodChannel == c.EventChannel {
		errs = append(errs, errors.New("method_channel and event_channel must differ"))
	}
	if c.ScanTimeout <= 0 {
		errs = append(errs, fmt.Errorf("scan_timeout: must be positive, got %s", c.ScanTimeout))
	}
	if c.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("event_buffer: must be positive, got %d", c.EventBuffer))
	}
	switch c.Backend {
	case BackendSim, BackendBLE:
	default:
		errs = append(errs, fmt.Errorf("backend: unknown backend %q (expected %s or %s)", c.Backend, BackendSim, BackendBLE))
	}
	for i, v := range c.Sim.Samples {
		if v < 0 || v > 100 {
			errs = append(errs, fmt.Errorf("sim.samples[%d]: SpO2 %d out of range 0-100", i, v))
		}
	}

	return errors.Join(errs...)
}

// Level returns the parsed log level, InfoLevel when unparsable.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
