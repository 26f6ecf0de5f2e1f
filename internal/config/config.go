package config

import (
	"io/fs"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/hwmonctl/internal/errors"
	"codeberg.org/mutker/hwmonctl/internal/gpu"
	"codeberg.org/mutker/hwmonctl/internal/profile"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultConfigPath     = "/etc/hwmonctl.toml"
	DefaultEnvPrefix      = "HWMONCTL"
	DefaultInterval       = 1
	DefaultResumeDebounce = 2 * time.Second
	DefaultLogLevel       = string(LogLevelWarning)
	DefaultMetricsDB      = "/var/lib/hwmonctl/metrics.db"
)

type Config struct {
	Interval       int
	ResumeDebounce time.Duration
	FanModeOnExit  gpu.FanMode
	Monitor        bool
	Debug          bool
	Verbose        bool
	LogLevel       string
	SysfsRoot      string
	NVML           bool
	Metrics        bool
	MetricsDB      string
	Listen         string
	Profiles       []*profile.Profile
}

// Load reads the TOML file, HWMONCTL_* environment variables and args, in
// increasing order of precedence.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	flags := newFlagSet()
	if err := flags.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := bindFlags(v, flags); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	if err := readConfigFile(v, flags, o); err != nil {
		return nil, err
	}

	cfg := &Config{
		Interval:       v.GetInt("interval"),
		ResumeDebounce: v.GetDuration("resume_debounce"),
		FanModeOnExit:  gpu.FanMode(strings.ToLower(v.GetString("fan_mode_on_exit"))),
		Monitor:        v.GetBool("monitor"),
		Debug:          v.GetBool("debug"),
		Verbose:        v.GetBool("verbose"),
		LogLevel:       strings.ToLower(v.GetString("log_level")),
		SysfsRoot:      v.GetString("sysfs"),
		NVML:           v.GetBool("nvml"),
		Metrics:        v.GetBool("metrics"),
		MetricsDB:      v.GetString("metrics_db"),
		Listen:         v.GetString("listen"),
	}

	// --debug and --verbose win over log_level
	switch {
	case cfg.Debug:
		cfg.LogLevel = string(LogLevelDebug)
	case cfg.Verbose:
		cfg.LogLevel = string(LogLevelInfo)
	}

	var raw []profileConfig
	if err := v.UnmarshalKey("profile", &raw); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	for _, pc := range raw {
		p, err := pc.build()
		if err != nil {
			return nil, err
		}
		cfg.Profiles = append(cfg.Profiles, p)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that do not depend on discovered hardware.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.FanModeOnExit != gpu.FanModeAutomatic && c.FanModeOnExit != gpu.FanModeManual {
		return errFactory.WithData(errors.ErrConfiguration, "fan_mode_on_exit must be automatic or manual")
	}
	if c.ResumeDebounce < 0 {
		return errFactory.WithData(errors.ErrConfiguration, "resume_debounce must not be negative")
	}
	if c.Metrics && c.MetricsDB == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "metrics enabled without metrics_db")
	}

	return nil
}

// IntervalDuration returns the tick interval.
func (c *Config) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("resume_debounce", DefaultResumeDebounce)
	v.SetDefault("fan_mode_on_exit", string(gpu.FanModeAutomatic))
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("sysfs", gpu.DefaultSysfsRoot)
	v.SetDefault("nvml", false)
	v.SetDefault("metrics", false)
	v.SetDefault("metrics_db", DefaultMetricsDB)
	v.SetDefault("listen", "")
}

func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("hwmonctl", pflag.ContinueOnError)

	flags.String("config", "", "Path to the configuration file")
	flags.Int("interval", DefaultInterval, "Interval between updates in seconds")
	flags.Bool("monitor", false, "Only monitor temperatures and fan duty, never write")
	flags.Bool("debug", false, "Enable debugging mode")
	flags.Bool("verbose", false, "Enable verbose logging")
	flags.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	flags.String("sysfs", gpu.DefaultSysfsRoot, "sysfs mount point")
	flags.Bool("metrics", false, "Store samples in the metrics database")
	flags.String("metrics-db", DefaultMetricsDB, "Path to the metrics database")
	flags.String("listen", "", "Address for the Prometheus exporter, empty to disable")

	return flags
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	bindings := map[string]string{
		"interval":   "interval",
		"monitor":    "monitor",
		"debug":      "debug",
		"verbose":    "verbose",
		"log_level":  "log-level",
		"sysfs":      "sysfs",
		"metrics":    "metrics",
		"metrics_db": "metrics-db",
		"listen":     "listen",
	}

	for key, name := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return err
		}
	}

	return nil
}

// readConfigFile loads --config, then $HWMONCTL_CONFIG, then the default
// path. Only a missing default file is tolerated.
func readConfigFile(v *viper.Viper, flags *pflag.FlagSet, o options) error {
	errFactory := errors.New()

	path, explicit := o.configPath, o.configPath != ""
	if p, _ := flags.GetString("config"); p != "" {
		path, explicit = p, true
	}
	if !explicit {
		if p := os.Getenv(o.envPrefix + "_CONFIG"); p != "" {
			path, explicit = p, true
		}
	}
	if path == "" {
		path = DefaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")

	err := v.ReadInConfig()
	if err == nil {
		return nil
	}

	var notFound viper.ConfigFileNotFoundError
	if !explicit && (errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)) {
		return nil
	}

	return errFactory.Wrap(errors.ErrReadConfig, err)
}
