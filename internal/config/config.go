// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"firestige.xyz/pcap4mcast/internal/core"
	"firestige.xyz/pcap4mcast/internal/device"
	"firestige.xyz/pcap4mcast/internal/log"
	"firestige.xyz/pcap4mcast/internal/pcapfile"
)

// Root is the top-level YAML key. Environment variables use the matching
// PCAP4MCAST_ prefix, e.g. PCAP4MCAST_LOG_LEVEL.
const Root = "pcap4mcast"

// Config is the effective configuration of one capture process.
type Config struct {
	OutFile      string              `mapstructure:"out_file" yaml:"out_file"`
	FileMode     pcapfile.FileMode   `mapstructure:"file_mode" yaml:"file_mode"`
	Device       string              `mapstructure:"device" yaml:"device"` // e.g. "Group=225.6.6.6|Bind=22566"
	CheckLost    bool                `mapstructure:"check_lost" yaml:"check_lost"`
	FlushHorizon time.Duration       `mapstructure:"flush_horizon" yaml:"flush_horizon"`
	Resolution   pcapfile.Resolution `mapstructure:"resolution" yaml:"resolution"` // ns | us, new files only
	SnapLen      uint32              `mapstructure:"snap_len" yaml:"snap_len"`
	Log          log.LoggerConfig    `mapstructure:"log" yaml:"log"`
	Metrics      MetricsConfig       `mapstructure:"metrics" yaml:"metrics"`
	Control      ControlConfig       `mapstructure:"control" yaml:"control"`

	device device.Config
}

// MetricsConfig contains Prometheus exporter settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ControlConfig contains the local control channel settings. An empty
// socket disables the channel.
type ControlConfig struct {
	Socket  string `mapstructure:"socket" yaml:"socket"`
	PIDFile string `mapstructure:"pid_file" yaml:"pid_file"` // empty = none
}

// Key returns the full viper key for a configuration field, e.g.
// Key("log.level") is "pcap4mcast.log.level".
func Key(name string) string {
	return Root + "." + name
}

// New returns a viper instance with defaults and environment overrides
// applied. Callers may bind flags or set values on it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	// Keys without a default are only visible to AutomaticEnv once bound.
	for _, k := range []string{"out_file", "file_mode", "device"} {
		_ = v.BindEnv(Key(k))
	}
	return v
}

// setDefaults sets default values for configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault(Key("check_lost"), false)
	v.SetDefault(Key("flush_horizon"), "500ms")
	v.SetDefault(Key("resolution"), "ns")
	v.SetDefault(Key("snap_len"), core.MaxPacketSize)

	// Log defaults
	v.SetDefault(Key("log.level"), "info")
	v.SetDefault(Key("log.format"), log.FormatPattern)
	v.SetDefault(Key("log.pattern"), log.DefaultPattern)
	v.SetDefault(Key("log.time"), log.DefaultTime)
	v.SetDefault(Key("log.console"), "stderr")
	v.SetDefault(Key("log.file.enabled"), false)
	v.SetDefault(Key("log.file.filename"), "pcap4mcast.log")
	v.SetDefault(Key("log.file.max_size"), 100)
	v.SetDefault(Key("log.file.max_backups"), 5)
	v.SetDefault(Key("log.file.max_age"), 30)
	v.SetDefault(Key("log.file.compress"), true)

	// Metrics defaults
	v.SetDefault(Key("metrics.enabled"), false)
	v.SetDefault(Key("metrics.listen"), ":9091")
	v.SetDefault(Key("metrics.path"), "/metrics")

	// Control defaults
	v.SetDefault(Key("control.socket"), "")
	v.SetDefault(Key("control.pid_file"), "")
}

// configRoot is the top-level wrapper matching the YAML structure `pcap4mcast: ...`.
type configRoot struct {
	Pcap4mcast Config `mapstructure:"pcap4mcast"`
}

// Load reads path, if not empty, into v and decodes the result. The
// returned configuration has been validated.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var root configRoot
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&root, hooks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Pcap4mcast

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks required fields and parses the device string.
func (cfg *Config) Validate() error {
	if cfg.OutFile == "" {
		return fmt.Errorf("%w: out_file is required", core.ErrConfigInvalid)
	}
	if cfg.FileMode == 0 {
		return fmt.Errorf("%w: file_mode is required", core.ErrConfigInvalid)
	}
	if cfg.Device == "" {
		return fmt.Errorf("%w: device is required", core.ErrConfigInvalid)
	}
	dev, err := device.ParseConfig(cfg.Device)
	if err != nil {
		return err
	}
	cfg.device = dev

	if cfg.FlushHorizon <= 0 {
		return fmt.Errorf("%w: flush_horizon must be positive, got %s", core.ErrConfigInvalid, cfg.FlushHorizon)
	}
	if cfg.SnapLen < core.MinPacketSize {
		return fmt.Errorf("%w: snap_len must be at least %d, got %d", core.ErrConfigInvalid, core.MinPacketSize, cfg.SnapLen)
	}
	if _, err := log.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("%w: %w", core.ErrConfigInvalid, err)
	}
	switch cfg.Log.Format {
	case "", log.FormatPattern, log.FormatPrefixed:
	default:
		return fmt.Errorf("%w: log.format must be %s or %s, got %q", core.ErrConfigInvalid, log.FormatPattern, log.FormatPrefixed, cfg.Log.Format)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("%w: metrics.listen is required when metrics.enabled=true", core.ErrConfigInvalid)
	}
	return nil
}

// DeviceConfig returns the parsed device configuration. Only valid after
// Validate succeeded.
func (cfg *Config) DeviceConfig() device.Config {
	return cfg.device
}
