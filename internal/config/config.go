// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/rom/internal/core"
	"firestige.xyz/rom/internal/engine"
	"firestige.xyz/rom/internal/limiter"
	"firestige.xyz/rom/internal/log"
	"firestige.xyz/rom/internal/queue"
	"firestige.xyz/rom/internal/whitelist"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `rom:` root key in YAML.
type GlobalConfig struct {
	Node      NodeConfig        `mapstructure:"node" yaml:"node"`
	Whitelist WhitelistConfig   `mapstructure:"whitelist" yaml:"whitelist"`
	Routes    RoutesConfig      `mapstructure:"routes" yaml:"routes"`
	Queue     QueueConfig       `mapstructure:"queue" yaml:"queue"`
	Feedback  FeedbackConfig    `mapstructure:"feedback" yaml:"feedback"`
	Control   ControlConfig     `mapstructure:"control" yaml:"control"`
	EventBus  EventBusConfig    `mapstructure:"eventbus" yaml:"eventbus"`
	Kafka     GlobalKafkaConfig `mapstructure:"kafka" yaml:"kafka"`
	Reporters []ReporterConfig  `mapstructure:"reporters" yaml:"reporters"`
	Metrics   MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Log       log.Config        `mapstructure:"log" yaml:"log"`
}

// ─── Node Identity ───

// NodeConfig contains node settings.
type NodeConfig struct {
	Hostname string `mapstructure:"hostname" yaml:"hostname"` // Empty = os.Hostname()
	Gateway  bool   `mapstructure:"gateway" yaml:"gateway"`   // seeds the gateway-reachable flag
}

// ─── Forwarding State ───

// WhitelistConfig lists operator-declared local subnetworks.
type WhitelistConfig struct {
	Capacity int      `mapstructure:"capacity" yaml:"capacity"`
	Subnets  []string `mapstructure:"subnets" yaml:"subnets"` // CIDR, addr/mask or bare address
}

// RoutesConfig sizes the route table.
type RoutesConfig struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

// QueueConfig configures the per-destination packet queues.
type QueueConfig struct {
	CapacityBytes int    `mapstructure:"capacity_bytes" yaml:"capacity_bytes"` // 0 = one page
	DropPolicy    string `mapstructure:"drop_policy" yaml:"drop_policy"`       // "head" | "tail"
}

// FeedbackConfig configures link-layer failure reporting.
type FeedbackConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Threshold int           `mapstructure:"threshold" yaml:"threshold"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket         string `mapstructure:"socket" yaml:"socket"`
	PIDFile        string `mapstructure:"pid_file" yaml:"pid_file"`
	OutboundBuffer int    `mapstructure:"outbound_buffer" yaml:"outbound_buffer"` // notifications buffered per subscriber
}

// EventBusConfig sizes the notification bus.
type EventBusConfig struct {
	Partitions int `mapstructure:"partitions" yaml:"partitions"`
	QueueSize  int `mapstructure:"queue_size" yaml:"queue_size"`
}

// ─── Kafka Global Default ───

// GlobalKafkaConfig provides shared Kafka connection defaults.
// A kafka reporter without brokers inherits them.
type GlobalKafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
}

// ReporterConfig selects a notification mirror. Options are decoded by the
// reporter itself.
type ReporterConfig struct {
	Type    string         `mapstructure:"type" yaml:"type"`
	Options map[string]any `mapstructure:"options" yaml:"options"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `rom: ...`.
type configRoot struct {
	ROM GlobalConfig `mapstructure:"rom"`
}

// Load loads configuration from path. With an empty path only defaults and
// environment overrides apply. Env vars use the ROM_ prefix
// (e.g., ROM_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `rom.` key prefix maps to `ROM_` through the key replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.ROM

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "rom." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Node defaults
	v.SetDefault("rom.node.gateway", false)

	// Forwarding state defaults
	v.SetDefault("rom.whitelist.capacity", whitelist.DefaultCapacity)
	v.SetDefault("rom.whitelist.subnets", []string{})
	v.SetDefault("rom.routes.capacity", 256)
	v.SetDefault("rom.queue.capacity_bytes", 0)
	v.SetDefault("rom.queue.drop_policy", "head")

	// Feedback defaults
	v.SetDefault("rom.feedback.enabled", false)
	v.SetDefault("rom.feedback.threshold", 2)
	v.SetDefault("rom.feedback.interval", limiter.DefaultFailureInterval)

	// Control defaults
	v.SetDefault("rom.control.socket", "/var/run/rom.sock")
	v.SetDefault("rom.control.pid_file", "/var/run/rom.pid")
	v.SetDefault("rom.control.outbound_buffer", 64)

	// Event bus defaults
	v.SetDefault("rom.eventbus.partitions", 4)
	v.SetDefault("rom.eventbus.queue_size", 1024)

	// Kafka defaults
	v.SetDefault("rom.kafka.brokers", []string{})

	// Log defaults
	v.SetDefault("rom.log.level", "info")
	v.SetDefault("rom.log.format", "pattern")
	v.SetDefault("rom.log.pattern", log.DefaultPattern)
	v.SetDefault("rom.log.time", log.DefaultTimeLayout)
	v.SetDefault("rom.log.file.enabled", false)
	v.SetDefault("rom.log.file.filename", "/var/log/rom/rom.log")
	v.SetDefault("rom.log.file.max_size", 100)
	v.SetDefault("rom.log.file.max_backups", 5)
	v.SetDefault("rom.log.file.max_age", 30)
	v.SetDefault("rom.log.file.compress", true)

	// Metrics defaults
	v.SetDefault("rom.metrics.enabled", false)
	v.SetDefault("rom.metrics.listen", ":9091")
	v.SetDefault("rom.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults validates configuration and applies runtime
// defaults, including Kafka broker inheritance.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "pattern", "prefixed", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be pattern/prefixed/json)", cfg.Log.Format)
	}
	if cfg.Log.File.Enabled && cfg.Log.File.Filename == "" {
		return fmt.Errorf("log.file.filename is required when log.file.enabled=true")
	}

	// ── Node hostname auto-detect ──
	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	// ── Forwarding state ──
	if _, err := cfg.Subnets(); err != nil {
		return err
	}
	if _, err := queue.ParseDropPolicy(cfg.Queue.DropPolicy); err != nil {
		return fmt.Errorf("queue.drop_policy: %w", err)
	}
	if cfg.Queue.CapacityBytes < 0 {
		return fmt.Errorf("queue.capacity_bytes must not be negative")
	}
	if cfg.Routes.Capacity <= 0 {
		return fmt.Errorf("routes.capacity must be positive")
	}
	if cfg.Whitelist.Capacity <= 0 {
		cfg.Whitelist.Capacity = whitelist.DefaultCapacity
	}
	if cfg.Feedback.Threshold < 0 {
		return fmt.Errorf("feedback.threshold must not be negative")
	}
	if cfg.Feedback.Interval <= 0 {
		cfg.Feedback.Interval = limiter.DefaultFailureInterval
	}

	// ── Control ──
	if cfg.Control.Socket == "" {
		return fmt.Errorf("control.socket is required")
	}

	// ── Reporters ──
	for i := range cfg.Reporters {
		r := &cfg.Reporters[i]
		if r.Type != "kafka" {
			return fmt.Errorf("unsupported reporters[%d].type: %s (only 'kafka' supported)", i, r.Type)
		}
		applyKafkaInheritance(cfg.Kafka, r)
	}

	return nil
}

// applyKafkaInheritance copies the global brokers into a reporter that has
// none.
func applyKafkaInheritance(global GlobalKafkaConfig, r *ReporterConfig) {
	if len(global.Brokers) == 0 {
		return
	}
	if r.Options == nil {
		r.Options = make(map[string]any)
	}
	if _, ok := r.Options["brokers"]; !ok {
		brokers := make([]any, len(global.Brokers))
		for i, b := range global.Brokers {
			brokers[i] = b
		}
		r.Options["brokers"] = brokers
	}
}

// Subnets parses whitelist.subnets.
func (cfg *GlobalConfig) Subnets() ([]core.AddressMask, error) {
	out := make([]core.AddressMask, 0, len(cfg.Whitelist.Subnets))
	for _, s := range cfg.Whitelist.Subnets {
		am, err := core.ParseAddressMask(s)
		if err != nil {
			return nil, fmt.Errorf("whitelist.subnets: %w", err)
		}
		out = append(out, am)
	}
	return out, nil
}

// WhitelistConfig returns the whitelist build settings.
func (cfg *GlobalConfig) WhitelistConfig() (whitelist.Config, error) {
	subnets, err := cfg.Subnets()
	if err != nil {
		return whitelist.Config{}, err
	}
	return whitelist.Config{Capacity: cfg.Whitelist.Capacity, Subnets: subnets}, nil
}

// EngineConfig returns the engine settings.
func (cfg *GlobalConfig) EngineConfig() (engine.Config, error) {
	policy, err := queue.ParseDropPolicy(cfg.Queue.DropPolicy)
	if err != nil {
		return engine.Config{}, fmt.Errorf("queue.drop_policy: %w", err)
	}
	return engine.Config{
		Gateway:       cfg.Node.Gateway,
		RouteCapacity: cfg.Routes.Capacity,
		Queue: queue.Config{
			CapacityBytes: cfg.Queue.CapacityBytes,
			Policy:        policy,
		},
		Feedback: limiter.FailureConfig{
			Enabled:   cfg.Feedback.Enabled,
			Threshold: cfg.Feedback.Threshold,
			Interval:  cfg.Feedback.Interval,
		},
	}, nil
}
