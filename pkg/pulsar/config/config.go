// Package config loads consumer settings from an HCL or YAML file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/itchyny/gojq"
	"github.com/robfig/cron/v3"
	"github.com/tsarna/go2cty2go"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DefaultMaxWorkers            = 4
	DefaultMaxPayloadSize        = 1024 * 1024
	DefaultMaxConnectionAttempts = 10
	DefaultInitialBackoff        = time.Second
	DefaultFragmentDelay         = 20 * time.Millisecond
	DefaultDialTimeout           = 30 * time.Second
	DefaultAckTimeout            = 30 * time.Second
	DefaultShutdownTimeout       = 30 * time.Second
	DefaultPingTimeout           = 10 * time.Second
	DefaultPingSchedule          = "@every 60s"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is a fully resolved consumer configuration.
type Config struct {
	BrokerURL     string
	Topic         string
	Subscription  string
	Headers       map[string]string
	Authorization string

	// QueueSize enables admission control when set.
	QueueSize      *int
	MaxWorkers     int
	MaxPayloadSize int

	PingSchedule string
	PingTimeout  time.Duration

	InitialBackoff        time.Duration
	MaxBackoff            time.Duration
	MaxConnectionAttempts int

	FragmentDelay   time.Duration
	DialTimeout     time.Duration
	AckTimeout      time.Duration
	ShutdownTimeout time.Duration

	// ModuleInfo and APIInfo are any JSON-marshalable value, or nil.
	ModuleInfo any
	APIInfo    any

	// Transform is a jq program applied to REQUEST payloads to build the
	// reply. Requests are echoed when it is empty.
	Transform string

	LogLevel string
}

// fileConfig is the on-disk shape shared by both formats. Durations are
// strings accepted by time.ParseDuration.
type fileConfig struct {
	BrokerURL     string            `hcl:"broker_url,optional" yaml:"broker_url"`
	Topic         string            `hcl:"topic,optional" yaml:"topic"`
	Subscription  string            `hcl:"subscription,optional" yaml:"subscription"`
	Headers       map[string]string `hcl:"headers,optional" yaml:"headers"`
	Authorization string            `hcl:"authorization,optional" yaml:"authorization"`

	QueueSize      *int `hcl:"queue_size,optional" yaml:"queue_size"`
	MaxWorkers     int  `hcl:"max_workers,optional" yaml:"max_workers"`
	MaxPayloadSize int  `hcl:"max_payload_size,optional" yaml:"max_payload_size"`

	PingSchedule string `hcl:"ping_schedule,optional" yaml:"ping_schedule"`
	PingTimeout  string `hcl:"ping_timeout,optional" yaml:"ping_timeout"`

	InitialBackoff        string `hcl:"initial_backoff,optional" yaml:"initial_backoff"`
	MaxBackoff            string `hcl:"max_backoff,optional" yaml:"max_backoff"`
	MaxConnectionAttempts int    `hcl:"max_connection_attempts,optional" yaml:"max_connection_attempts"`

	FragmentDelay   string `hcl:"fragment_delay,optional" yaml:"fragment_delay"`
	DialTimeout     string `hcl:"dial_timeout,optional" yaml:"dial_timeout"`
	AckTimeout      string `hcl:"ack_timeout,optional" yaml:"ack_timeout"`
	ShutdownTimeout string `hcl:"shutdown_timeout,optional" yaml:"shutdown_timeout"`

	ModuleInfo any `yaml:"module_info"`
	APIInfo    any `yaml:"api_info"`

	// HCL decodes objects as cty values; resolve converts them.
	ModuleInfoHCL cty.Value `hcl:"module_info,optional" yaml:"-"`
	APIInfoHCL    cty.Value `hcl:"api_info,optional" yaml:"-"`

	Transform string `hcl:"transform,optional" yaml:"transform"`

	LogLevel string `hcl:"log_level,optional" yaml:"log_level"`
}

// Load reads path, choosing the format by extension: .yaml, .yml and .json
// are YAML, anything else is HCL. Defaults are applied and the result is
// validated.
func Load(path string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var raw *fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		raw, err = parseYAML(data)
	default:
		raw, err = parseHCL(data, path)
	}
	if err != nil {
		return nil, err
	}

	cfg, err := raw.resolve()
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Debug("Configuration loaded",
		zap.String("path", path),
		zap.String("broker_url", cfg.BrokerURL),
		zap.String("topic", cfg.Topic),
		zap.String("subscription", cfg.Subscription),
	)
	return cfg, nil
}

func (f *fileConfig) resolve() (*Config, error) {
	cfg := &Config{
		BrokerURL:             f.BrokerURL,
		Topic:                 f.Topic,
		Subscription:          f.Subscription,
		Headers:               f.Headers,
		Authorization:         f.Authorization,
		QueueSize:             f.QueueSize,
		MaxWorkers:            f.MaxWorkers,
		MaxPayloadSize:        f.MaxPayloadSize,
		PingSchedule:          f.PingSchedule,
		MaxConnectionAttempts: f.MaxConnectionAttempts,
		ModuleInfo:            f.ModuleInfo,
		APIInfo:               f.APIInfo,
		Transform:             f.Transform,
		LogLevel:              f.LogLevel,
	}

	var err error
	if cfg.ModuleInfo == nil {
		if cfg.ModuleInfo, err = ctyToAny(f.ModuleInfoHCL); err != nil {
			return nil, fmt.Errorf("%w: module_info: %v", ErrInvalidConfig, err)
		}
	}
	if cfg.APIInfo == nil {
		if cfg.APIInfo, err = ctyToAny(f.APIInfoHCL); err != nil {
			return nil, fmt.Errorf("%w: api_info: %v", ErrInvalidConfig, err)
		}
	}

	durations := []struct {
		name  string
		value string
		into  *time.Duration
	}{
		{"ping_timeout", f.PingTimeout, &cfg.PingTimeout},
		{"initial_backoff", f.InitialBackoff, &cfg.InitialBackoff},
		{"max_backoff", f.MaxBackoff, &cfg.MaxBackoff},
		{"fragment_delay", f.FragmentDelay, &cfg.FragmentDelay},
		{"dial_timeout", f.DialTimeout, &cfg.DialTimeout},
		{"ack_timeout", f.AckTimeout, &cfg.AckTimeout},
		{"shutdown_timeout", f.ShutdownTimeout, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, d.name, err)
		}
		*d.into = parsed
	}

	return cfg, nil
}

func ctyToAny(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}
	return go2cty2go.CtyToAny(val)
}

// ApplyDefaults fills every unset option with its default.
func (c *Config) ApplyDefaults() {
	if c.MaxWorkers == 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.MaxPayloadSize == 0 {
		c.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if c.MaxConnectionAttempts == 0 {
		c.MaxConnectionAttempts = DefaultMaxConnectionAttempts
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.FragmentDelay == 0 {
		c.FragmentDelay = DefaultFragmentDelay
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.PingSchedule == "" {
		c.PingSchedule = DefaultPingSchedule
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.BrokerURL == "" {
		errs = append(errs, errors.New("broker_url is required"))
	} else if u, err := url.Parse(c.BrokerURL); err != nil {
		errs = append(errs, fmt.Errorf("broker_url: %v", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("broker_url: unsupported scheme %q", u.Scheme))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if c.Subscription == "" {
		errs = append(errs, errors.New("subscription is required"))
	}
	if c.QueueSize != nil && *c.QueueSize < 0 {
		errs = append(errs, errors.New("queue_size must not be negative"))
	}
	if c.MaxWorkers < 0 {
		errs = append(errs, errors.New("max_workers must be positive"))
	}
	if c.MaxPayloadSize < 0 {
		errs = append(errs, errors.New("max_payload_size must be positive"))
	}
	if c.MaxConnectionAttempts < 0 {
		errs = append(errs, errors.New("max_connection_attempts must be positive"))
	}
	if c.MaxBackoff < 0 || c.InitialBackoff < 0 || c.FragmentDelay < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.PingSchedule != "" {
		if _, err := cron.ParseStandard(c.PingSchedule); err != nil {
			errs = append(errs, fmt.Errorf("ping_schedule: %v", err))
		}
	}
	if c.Transform != "" {
		if _, err := gojq.Parse(c.Transform); err != nil {
			errs = append(errs, fmt.Errorf("transform: %v", err))
		}
	}
	if c.LogLevel != "" {
		if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("log_level: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
