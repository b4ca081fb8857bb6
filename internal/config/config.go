package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds the entire application configuration. All values come from
// the config file, SCOPEFLOW_* environment variables, or CLI flags bound
// through viper.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Stage    StageConfig    `mapstructure:"stage" yaml:"stage"`
	Channels ChannelConfig  `mapstructure:"channels" yaml:"channels"`
	Tracking TrackingConfig `mapstructure:"tracking" yaml:"tracking"`
	Viz      VizConfig      `mapstructure:"viz" yaml:"viz"`
}

// LoggerConfig configures the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// EngineConfig configures the action-perception loop engine's timing, retry,
// and fault-escalation policy.
type EngineConfig struct {
	// TransportRetries bounds retries of a failing hardware call before the
	// run faults.
	TransportRetries int `mapstructure:"transport_retries" yaml:"transport_retries"`
	// RetryBackoff is the base backoff between transport retries; it doubles
	// per attempt up to MaxBackoff.
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	// HardwareTimeout bounds a single hardware call. A call exceeding it
	// counts as one transport failure.
	HardwareTimeout time.Duration `mapstructure:"hardware_timeout" yaml:"hardware_timeout"`
	// ValidationRetryBudget is how many consecutive rejected proposals of the
	// same action escalate to an ActionStall fault.
	ValidationRetryBudget int `mapstructure:"validation_retry_budget" yaml:"validation_retry_budget"`
	// PostconditionTimeout bounds how long the engine polls for an action's
	// expected effect before counting an action failure.
	PostconditionTimeout time.Duration `mapstructure:"postcondition_timeout" yaml:"postcondition_timeout"`
	// PostconditionPolls is the number of observation polls inside the
	// postcondition window.
	PostconditionPolls int `mapstructure:"postcondition_polls" yaml:"postcondition_polls"`
	// GapFaultThreshold is the number of consecutive perception gaps that
	// faults the run. Zero disables gap escalation.
	GapFaultThreshold int `mapstructure:"gap_fault_threshold" yaml:"gap_fault_threshold"`
	// IdleCycleDelay is how long the engine waits when a strategy returns no
	// action for a cycle.
	IdleCycleDelay time.Duration `mapstructure:"idle_cycle_delay" yaml:"idle_cycle_delay"`
}

// StageConfig declares the physical travel limits of the stage in
// micrometers. Proposed positions outside the limits are constraint
// violations.
type StageConfig struct {
	XMin float64 `mapstructure:"x_min" yaml:"x_min"`
	XMax float64 `mapstructure:"x_max" yaml:"x_max"`
	YMin float64 `mapstructure:"y_min" yaml:"y_min"`
	YMax float64 `mapstructure:"y_max" yaml:"y_max"`
	ZMin float64 `mapstructure:"z_min" yaml:"z_min"`
	ZMax float64 `mapstructure:"z_max" yaml:"z_max"`
	// PositionTolerance is the acceptable distance between a commanded and a
	// reported position, in micrometers.
	PositionTolerance float64 `mapstructure:"position_tolerance" yaml:"position_tolerance"`
}

// ChannelConfig maps configured channel names to their exposure limits.
type ChannelConfig struct {
	// Exposures maps channel name to default exposure in milliseconds.
	Exposures map[string]float64 `mapstructure:"exposures" yaml:"exposures"`
	// MaxExposureMs caps any single acquisition.
	MaxExposureMs float64 `mapstructure:"max_exposure_ms" yaml:"max_exposure_ms"`
}

// Names returns the configured channel names in sorted order.
func (c ChannelConfig) Names() []string {
	names := make([]string, 0, len(c.Exposures))
	for name := range c.Exposures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the channel is configured.
func (c ChannelConfig) Has(channel string) bool {
	_, ok := c.Exposures[channel]
	return ok
}

// TrackingConfig configures the experiment-tracking sink.
type TrackingConfig struct {
	// DatabaseURL is a postgres DSN. Empty disables persistent tracking; the
	// run still records its in-memory history.
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`
	// BufferSize is the event buffer between the loop and the sink. When the
	// buffer is full events are dropped with a warning, never blocking the
	// loop.
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// VizConfig configures the snapshot publisher for external viewers.
type VizConfig struct {
	// ListenAddr is the websocket server bind address. Empty disables the
	// server.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	// MinPublishInterval rate-limits snapshot publication; snapshots arriving
	// faster are skipped, not queued.
	MinPublishInterval time.Duration `mapstructure:"min_publish_interval" yaml:"min_publish_interval"`
}

// Default returns the built-in configuration, used when no config file or
// environment overrides are present.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "console",
			ServiceName: "scopeflow",
			MaxSize:     50,
			MaxBackups:  3,
			MaxAge:      14,
		},
		Engine: EngineConfig{
			TransportRetries:      3,
			RetryBackoff:          200 * time.Millisecond,
			MaxBackoff:            5 * time.Second,
			HardwareTimeout:       30 * time.Second,
			ValidationRetryBudget: 5,
			PostconditionTimeout:  10 * time.Second,
			PostconditionPolls:    3,
			GapFaultThreshold:     20,
			IdleCycleDelay:        100 * time.Millisecond,
		},
		Stage: StageConfig{
			XMin: -50000, XMax: 50000,
			YMin: -50000, YMax: 50000,
			ZMin: -500, ZMax: 500,
			PositionTolerance: 0.5,
		},
		Channels: ChannelConfig{
			Exposures: map[string]float64{
				"brightfield": 20,
				"DAPI":        50,
				"GFP":         80,
			},
			MaxExposureMs: 1000,
		},
		Tracking: TrackingConfig{
			BufferSize: 1024,
		},
		Viz: VizConfig{
			MinPublishInterval: 250 * time.Millisecond,
		},
	}
}

// Load reads configuration from the given file (or the default search
// paths), layered under SCOPEFLOW_* environment variables and any flags
// already bound to viper.
func Load(cfgFile string) (Config, error) {
	v := viper.GetViper()
	return load(v, cfgFile)
}

func load(v *viper.Viper, cfgFile string) (Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".scopeflow"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SCOPEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := restoreChannelCase(v, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// restoreChannelCase repairs the channel exposure map after unmarshalling.
// Viper lowercases every key it stores, which mangles channel names
// ("DAPI" becomes "dapi") and breaks every lookup against the configured
// set. When the config file declares exposures, its spelling replaces the
// merged map wholesale; otherwise the built-in names are re-cased.
func restoreChannelCase(v *viper.Viper, cfg *Config) error {
	fromFile, err := fileExposures(v)
	if err != nil {
		return err
	}
	if len(fromFile) > 0 {
		cfg.Channels.Exposures = fromFile
		return nil
	}

	restored := make(map[string]float64, len(cfg.Channels.Exposures))
	for name, def := range Default().Channels.Exposures {
		if val, ok := cfg.Channels.Exposures[strings.ToLower(name)]; ok {
			restored[name] = val
		} else if val, ok := cfg.Channels.Exposures[name]; ok {
			restored[name] = val
		} else {
			restored[name] = def
		}
	}
	cfg.Channels.Exposures = restored
	return nil
}

// fileExposures reads the channels.exposures subtree straight from the raw
// config file, preserving key case.
func fileExposures(v *viper.Viper) (map[string]float64, error) {
	path := v.ConfigFileUsed()
	if path == "" {
		return nil, nil
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
	default:
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read config file: %w", err)
	}
	var doc struct {
		Channels struct {
			Exposures map[string]float64 `yaml:"exposures"`
		} `yaml:"channels"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse channel config: %w", err)
	}
	return doc.Channels.Exposures, nil
}

// Validate rejects configurations the engine cannot safely run with.
func (c Config) Validate() error {
	if c.Engine.TransportRetries < 0 {
		return fmt.Errorf("engine.transport_retries must be >= 0")
	}
	if c.Engine.ValidationRetryBudget < 1 {
		return fmt.Errorf("engine.validation_retry_budget must be >= 1")
	}
	if c.Stage.XMin >= c.Stage.XMax || c.Stage.YMin >= c.Stage.YMax || c.Stage.ZMin >= c.Stage.ZMax {
		return fmt.Errorf("stage limits are inverted")
	}
	if c.Channels.MaxExposureMs <= 0 {
		return fmt.Errorf("channels.max_exposure_ms must be > 0")
	}
	for name, exp := range c.Channels.Exposures {
		if exp <= 0 || exp > c.Channels.MaxExposureMs {
			return fmt.Errorf("channel %q exposure %.1fms outside (0, %.1f]", name, exp, c.Channels.MaxExposureMs)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.format", d.Logger.Format)
	v.SetDefault("logger.service_name", d.Logger.ServiceName)
	v.SetDefault("logger.max_size", d.Logger.MaxSize)
	v.SetDefault("logger.max_backups", d.Logger.MaxBackups)
	v.SetDefault("logger.max_age", d.Logger.MaxAge)
	v.SetDefault("engine.transport_retries", d.Engine.TransportRetries)
	v.SetDefault("engine.retry_backoff", d.Engine.RetryBackoff)
	v.SetDefault("engine.max_backoff", d.Engine.MaxBackoff)
	v.SetDefault("engine.hardware_timeout", d.Engine.HardwareTimeout)
	v.SetDefault("engine.validation_retry_budget", d.Engine.ValidationRetryBudget)
	v.SetDefault("engine.postcondition_timeout", d.Engine.PostconditionTimeout)
	v.SetDefault("engine.postcondition_polls", d.Engine.PostconditionPolls)
	v.SetDefault("engine.gap_fault_threshold", d.Engine.GapFaultThreshold)
	v.SetDefault("engine.idle_cycle_delay", d.Engine.IdleCycleDelay)
	v.SetDefault("stage.x_min", d.Stage.XMin)
	v.SetDefault("stage.x_max", d.Stage.XMax)
	v.SetDefault("stage.y_min", d.Stage.YMin)
	v.SetDefault("stage.y_max", d.Stage.YMax)
	v.SetDefault("stage.z_min", d.Stage.ZMin)
	v.SetDefault("stage.z_max", d.Stage.ZMax)
	v.SetDefault("stage.position_tolerance", d.Stage.PositionTolerance)
	v.SetDefault("channels.exposures", d.Channels.Exposures)
	v.SetDefault("channels.max_exposure_ms", d.Channels.MaxExposureMs)
	v.SetDefault("tracking.buffer_size", d.Tracking.BufferSize)
	v.SetDefault("viz.min_publish_interval", d.Viz.MinPublishInterval)
}

