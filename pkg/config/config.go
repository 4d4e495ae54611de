package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Nordic UART Service layout; RX is written by the peer, TX is notified to it
const (
	DefaultServiceUUID      = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultRequestCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultResponseCharUUID = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// Supported stack backends
const (
	StackBlueZ  = "bluez"
	StackGoBLE  = "goble"
	StackTinyGo = "tinygo"
)

// Config holds transport configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// Stack selects the Bluetooth binding: bluez, goble or tinygo
	Stack string `yaml:"stack" default:"bluez"`
	// Adapter pins a specific adapter id (e.g. hci0); empty picks the first suitable one
	Adapter string `yaml:"adapter"`
	// LocalName is advertised by bindings hosting the service
	LocalName string `yaml:"local_name" default:"gattlink"`

	ServiceUUID      string `yaml:"service_uuid" default:"6e400001-b5a3-f393-e0a9-e50e24dcca9e"`
	RequestCharUUID  string `yaml:"request_char_uuid" default:"6e400002-b5a3-f393-e0a9-e50e24dcca9e"`
	ResponseCharUUID string `yaml:"response_char_uuid" default:"6e400003-b5a3-f393-e0a9-e50e24dcca9e"`

	// MaxFragmentSize is the payload carried by one characteristic write, header excluded
	MaxFragmentSize int `yaml:"max_fragment_size" default:"180"`
	MaxMessageSize  int `yaml:"max_message_size" default:"65536"`

	StartTimeout     time.Duration `yaml:"start_timeout" default:"2s"`
	DiscoveryRetries int           `yaml:"discovery_retries" default:"5"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" default:"2s"`
	ConnectRetries   int           `yaml:"connect_retries" default:"5"`
	RetryDelay       time.Duration `yaml:"retry_delay" default:"1s"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"10s"`
	SendTimeout      time.Duration `yaml:"send_timeout" default:"30s"`
	RecoverySettle   time.Duration `yaml:"recovery_settle" default:"3s"`
	RequestQueueSize uint32        `yaml:"request_queue_size" default:"256"`

	// StorePath is the auto-connect set file; empty keeps the set in memory
	StorePath string `yaml:"store_path"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file on top of the defaults. Fields missing in the
// file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	defaults.SetDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Stack {
	case StackBlueZ, StackGoBLE, StackTinyGo:
	default:
		return fmt.Errorf("unknown stack %q (must be %s, %s or %s)", c.Stack, StackBlueZ, StackGoBLE, StackTinyGo)
	}
	if c.MaxFragmentSize <= 0 {
		return fmt.Errorf("max_fragment_size must be positive")
	}
	if c.MaxMessageSize < c.MaxFragmentSize {
		return fmt.Errorf("max_message_size %d smaller than max_fragment_size %d", c.MaxMessageSize, c.MaxFragmentSize)
	}
	if c.DiscoveryRetries <= 0 || c.ConnectRetries <= 0 {
		return fmt.Errorf("retry counts must be positive")
	}
	if c.StartTimeout <= 0 || c.DiscoveryTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// Level returns the parsed log level, falling back to info
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// ResolveStorePath expands a leading ~ in StorePath
func (c *Config) ResolveStorePath() string {
	if len(c.StorePath) > 1 && c.StorePath[0] == '~' && c.StorePath[1] == '/' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, c.StorePath[2:])
		}
	}
	return c.StorePath
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
