// Package config provides configuration management for rdmaxfer.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (RDMAXFER_* prefix, plus the legacy RDMA_SRC_IP,
//     RDMA_INITIATOR_DEPTH and RDMA_RESPONDER_RESOURCES)
//  3. Configuration file (rdmaxfer.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("", config.Options{Peer: "10.0.0.2"})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

// ErrInvalidConfig is returned when the effective configuration is unusable.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration for rdmaxfer
type Config struct {
	// Fabric selects the provider: "quic" or "sim"
	Fabric string `mapstructure:"fabric" yaml:"fabric"`

	// Peer is the acceptor's host for initiator commands
	Peer string `mapstructure:"peer" yaml:"peer"`

	// Port is the connection-manager port
	Port int `mapstructure:"port" yaml:"port"`

	// SourceAddr is the optional local address used for resolution
	SourceAddr string `mapstructure:"source_addr" yaml:"source_addr"`

	// BindAddr is the address the acceptor listens on; empty means all
	BindAddr string `mapstructure:"bind_addr" yaml:"bind_addr"`

	// Sizes accept byte counts with K/M/G suffixes
	TotalSize  string `mapstructure:"total_size" yaml:"total_size"`
	ChunkSize  string `mapstructure:"chunk_size" yaml:"chunk_size"`
	ExposeSize string `mapstructure:"expose_size" yaml:"expose_size"`

	// Bulk scheduler
	MaxInFlight int `mapstructure:"max_in_flight" yaml:"max_in_flight"`
	SignalEvery int `mapstructure:"signal_every" yaml:"signal_every"`

	// Queue sizing
	CQDepth   int `mapstructure:"cq_depth" yaml:"cq_depth"`
	MaxSendWR int `mapstructure:"max_send_wr" yaml:"max_send_wr"`
	MaxRecvWR int `mapstructure:"max_recv_wr" yaml:"max_recv_wr"`
	MaxSGE    int `mapstructure:"max_sge" yaml:"max_sge"`

	// Handshake credits, 0..255
	InitiatorDepth     int `mapstructure:"initiator_depth" yaml:"initiator_depth"`
	ResponderResources int `mapstructure:"responder_resources" yaml:"responder_resources"`

	// ResolveTimeout bounds address and route resolution
	ResolveTimeout time.Duration `mapstructure:"resolve_timeout" yaml:"resolve_timeout"`

	// FillPattern is the byte written into the sender's chunk buffer
	FillPattern int `mapstructure:"fill_pattern" yaml:"fill_pattern"`

	// LockMemory pins registered buffers with mlock
	LockMemory bool `mapstructure:"lock_memory" yaml:"lock_memory"`

	// Verify makes the receiver count bytes matching FillPattern
	Verify bool `mapstructure:"verify" yaml:"verify"`

	// Iterations is the number of cached-buffer writes the basic client
	// makes before its write and read
	Iterations int `mapstructure:"iterations" yaml:"iterations"`

	// Telemetry configuration
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// History configuration
	History HistoryConfig `mapstructure:"history" yaml:"history"`

	// Logging
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// Parsed sizes, set by validate
	TotalBytes  uint64 `mapstructure:"-" yaml:"-"`
	ChunkBytes  uint64 `mapstructure:"-" yaml:"-"`
	ExposeBytes uint64 `mapstructure:"-" yaml:"-"`
}

// TelemetryConfig holds progress sampling configuration
type TelemetryConfig struct {
	// Interval is the wall-clock cadence of progress samples
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// StallThreshold flags a sample when no completion arrived for longer
	StallThreshold time.Duration `mapstructure:"stall_threshold" yaml:"stall_threshold"`

	// CSVPath enables the CSV sink when set
	CSVPath string `mapstructure:"csv_path" yaml:"csv_path"`

	// Console enables progress log lines
	Console bool `mapstructure:"console" yaml:"console"`
}

// MetricsConfig holds the observability server configuration
type MetricsConfig struct {
	// Listen is the address of the /metrics and /health server; empty disables it
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// HistoryConfig holds run history configuration
type HistoryConfig struct {
	// Dir is the badger directory; empty disables history
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// Options are command line overrides
type Options struct {
	Fabric        string
	Peer          string
	Port          int
	SourceAddr    string
	BindAddr      string
	TotalSize     string
	ChunkSize     string
	ExposeSize    string
	MetricsListen string
	HistoryDir    string
	CSVPath       string
	LogLevel      string

	// Pointers distinguish "not given" from an explicit zero
	InitiatorDepth     *int
	ResponderResources *int
	Verify             *bool
	Iterations         *int
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load from config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("rdmaxfer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rdmaxfer")
		v.AddConfigPath("$HOME/.rdmaxfer")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	// Environment variables override
	v.SetEnvPrefix("RDMAXFER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Legacy variables of the original tools; the prefixed name wins
	_ = v.BindEnv("source_addr", "RDMAXFER_SOURCE_ADDR", "RDMA_SRC_IP")
	_ = v.BindEnv("initiator_depth", "RDMAXFER_INITIATOR_DEPTH", "RDMA_INITIATOR_DEPTH")
	_ = v.BindEnv("responder_resources", "RDMAXFER_RESPONDER_RESOURCES", "RDMA_RESPONDER_RESOURCES")

	// Apply command line options
	applyOptions(v, opts)

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate and set derived values
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyOptions(v *viper.Viper, opts Options) {
	strs := map[string]string{
		"fabric":             opts.Fabric,
		"peer":               opts.Peer,
		"source_addr":        opts.SourceAddr,
		"bind_addr":          opts.BindAddr,
		"total_size":         opts.TotalSize,
		"chunk_size":         opts.ChunkSize,
		"expose_size":        opts.ExposeSize,
		"metrics.listen":     opts.MetricsListen,
		"history.dir":        opts.HistoryDir,
		"telemetry.csv_path": opts.CSVPath,
		"log_level":          opts.LogLevel,
	}
	for key, val := range strs {
		if val != "" {
			v.Set(key, val)
		}
	}

	if opts.Port != 0 {
		v.Set("port", opts.Port)
	}
	if opts.InitiatorDepth != nil {
		v.Set("initiator_depth", *opts.InitiatorDepth)
	}
	if opts.ResponderResources != nil {
		v.Set("responder_resources", *opts.ResponderResources)
	}
	if opts.Verify != nil {
		v.Set("verify", *opts.Verify)
	}
	if opts.Iterations != nil {
		v.Set("iterations", *opts.Iterations)
	}
}

func setDefaults(v *viper.Viper) {
	// Transport
	v.SetDefault("fabric", rdma.FabricQUIC)
	v.SetDefault("port", 7471)
	v.SetDefault("source_addr", "")
	v.SetDefault("bind_addr", "")
	v.SetDefault("peer", "")

	// Sizes
	v.SetDefault("total_size", "1G")
	v.SetDefault("chunk_size", "4M")
	v.SetDefault("expose_size", "1G")

	// Bulk scheduler, the original tool's constants
	v.SetDefault("max_in_flight", 64)
	v.SetDefault("signal_every", 16)

	// Queue sizing
	v.SetDefault("cq_depth", 256)
	v.SetDefault("max_send_wr", 128)
	v.SetDefault("max_recv_wr", 128)
	v.SetDefault("max_sge", 1)

	// Conservative credits for low-capability fabrics
	v.SetDefault("initiator_depth", 0)
	v.SetDefault("responder_resources", 0)
	v.SetDefault("resolve_timeout", 2*time.Second)

	v.SetDefault("fill_pattern", 0x5a)
	v.SetDefault("lock_memory", false)
	v.SetDefault("verify", false)
	v.SetDefault("iterations", 0)

	// Telemetry
	v.SetDefault("telemetry.interval", time.Second)
	v.SetDefault("telemetry.stall_threshold", 2*time.Second)
	v.SetDefault("telemetry.csv_path", "")
	v.SetDefault("telemetry.console", true)

	// Observability
	v.SetDefault("metrics.listen", "")
	v.SetDefault("history.dir", "")

	v.SetDefault("log_level", "info")
}

func (c *Config) validate() error {
	switch c.Fabric {
	case rdma.FabricQUIC, rdma.FabricSim:
	default:
		return fmt.Errorf("%w: fabric %q (supported: %s)", ErrInvalidConfig, c.Fabric, strings.Join(rdma.Fabrics(), ", "))
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}

	var err error
	if c.TotalBytes, err = ParseSize(c.TotalSize); err != nil {
		return fmt.Errorf("total_size: %w", err)
	}
	if c.ChunkBytes, err = ParseSize(c.ChunkSize); err != nil {
		return fmt.Errorf("chunk_size: %w", err)
	}
	if c.ExposeBytes, err = ParseSize(c.ExposeSize); err != nil {
		return fmt.Errorf("expose_size: %w", err)
	}

	if c.ChunkBytes > rdma.MaxMessageSize {
		return fmt.Errorf("%w: chunk_size %s exceeds %s", ErrInvalidConfig, c.ChunkSize, FormatSize(rdma.MaxMessageSize))
	}

	if c.MaxInFlight < 1 {
		return fmt.Errorf("%w: max_in_flight must be at least 1", ErrInvalidConfig)
	}
	if c.SignalEvery < 1 {
		return fmt.Errorf("%w: signal_every must be at least 1", ErrInvalidConfig)
	}
	if c.CQDepth < 1 || c.MaxRecvWR < 1 || c.MaxSGE < 1 {
		return fmt.Errorf("%w: cq_depth, max_recv_wr and max_sge must be positive", ErrInvalidConfig)
	}
	if c.MaxSendWR < c.MaxInFlight {
		return fmt.Errorf("%w: max_send_wr %d is smaller than max_in_flight %d", ErrInvalidConfig, c.MaxSendWR, c.MaxInFlight)
	}
	if need := signaledPerWindow(c.MaxInFlight, c.SignalEvery); c.CQDepth < need {
		return fmt.Errorf("%w: cq_depth %d cannot hold the %d signaled completions a window of %d with signal_every %d keeps outstanding",
			ErrInvalidConfig, c.CQDepth, need, c.MaxInFlight, c.SignalEvery)
	}

	if c.InitiatorDepth < 0 || c.InitiatorDepth > 255 {
		return fmt.Errorf("%w: initiator_depth %d out of range 0..255", ErrInvalidConfig, c.InitiatorDepth)
	}
	if c.ResponderResources < 0 || c.ResponderResources > 255 {
		return fmt.Errorf("%w: responder_resources %d out of range 0..255", ErrInvalidConfig, c.ResponderResources)
	}
	if c.Iterations < 0 {
		return fmt.Errorf("%w: iterations must not be negative", ErrInvalidConfig)
	}
	if c.FillPattern < 0 || c.FillPattern > 255 {
		return fmt.Errorf("%w: fill_pattern %d is not a byte", ErrInvalidConfig, c.FillPattern)
	}

	if c.SourceAddr != "" && net.ParseIP(c.SourceAddr) == nil {
		return fmt.Errorf("%w: source_addr %q is not an IP address", ErrInvalidConfig, c.SourceAddr)
	}

	if c.ResolveTimeout <= 0 {
		return fmt.Errorf("%w: resolve_timeout must be positive", ErrInvalidConfig)
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
	}

	return nil
}

// signaledPerWindow is the most signaled completions a full window can leave
// queued. The scheduler clamps the signal interval to the window.
func signaledPerWindow(maxInFlight, signalEvery int) int {
	signalEvery = min(signalEvery, maxInFlight)

	return (maxInFlight + signalEvery - 1) / signalEvery
}

// PeerAddr returns host:port for the configured peer.
func (c *Config) PeerAddr() string {
	return net.JoinHostPort(c.Peer, fmt.Sprint(c.Port))
}

// ListenAddr returns host:port the acceptor binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.BindAddr, fmt.Sprint(c.Port))
}

// ConnConfig returns the connection settings for the rdma package.
func (c *Config) ConnConfig() rdma.ConnConfig {
	cc := rdma.DefaultConnConfig()
	cc.CQDepth = c.CQDepth
	cc.MaxSendWR = c.MaxSendWR
	cc.MaxRecvWR = c.MaxRecvWR
	cc.MaxSGE = c.MaxSGE
	cc.InitiatorDepth = uint8(c.InitiatorDepth)         //nolint:gosec // G115: validated 0..255
	cc.ResponderResources = uint8(c.ResponderResources) //nolint:gosec // G115: validated 0..255
	cc.ResolveTimeout = c.ResolveTimeout
	cc.SourceAddr = c.SourceAddr
	cc.Allocator = rdma.PageAllocator{Lock: c.LockMemory}

	return cc
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
