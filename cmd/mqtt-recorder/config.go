package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tinytelemetry/mqtt-recorder/internal/model"
	"github.com/tinytelemetry/mqtt-recorder/internal/mqttbus"
	"github.com/tinytelemetry/mqtt-recorder/internal/replay"
)

const (
	envPrefix = "MQTT_RECORDER"

	defaultAddress       = "localhost"
	defaultPort          = 1883
	defaultKeepAlive     = 30 * time.Second
	defaultVerbose       = 1
	defaultTopic         = "#"
	defaultInactivitySec = int(model.DefaultInactivityTimeout / time.Second)
	defaultStatsSec      = int(model.DefaultStatsInterval / time.Second)
	defaultAPIAddr       = "127.0.0.1:3000"
)

// Accepted forms of --start-time and --end-time, tried in order.
var timeLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	Address            string        `mapstructure:"address"`
	Port               int           `mapstructure:"port"`
	ClientID           string        `mapstructure:"client-id"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	CAFile             string        `mapstructure:"cafile"`
	CertFile           string        `mapstructure:"certfile"`
	KeyFile            string        `mapstructure:"keyfile"`
	InsecureSkipVerify bool          `mapstructure:"insecure-skip-verify"`
	KeepAlive          time.Duration `mapstructure:"keep-alive"`
	QoS                int           `mapstructure:"qos"`
	Verbose            int           `mapstructure:"verbose"`
	LogFile            string        `mapstructure:"log-file"`
	Timezone           string        `mapstructure:"timezone"`

	Topic         []string      `mapstructure:"topic"`
	Directory     string        `mapstructure:"directory"`
	Sec           int           `mapstructure:"sec"`
	MaxRecords    int           `mapstructure:"max-records"`
	NoAllTopics   bool          `mapstructure:"no-all-topics"`
	Stats         bool          `mapstructure:"stats"`
	StatsInterval int           `mapstructure:"stats-interval"`
	SweepInterval time.Duration `mapstructure:"sweep-interval"`
	Workers       int           `mapstructure:"workers"`
	Buffer        int           `mapstructure:"buffer"`
	RetentionDays int           `mapstructure:"retention-days"`
	APIEnabled    bool          `mapstructure:"api-enabled"`
	APIAddr       string        `mapstructure:"api-addr"`

	Speed     float64 `mapstructure:"speed"`
	StartTime string  `mapstructure:"start-time"`
	EndTime   string  `mapstructure:"end-time"`
	Loop      bool    `mapstructure:"loop"`
	Source    string  `mapstructure:"source"`

	ConfigPath string `mapstructure:"-"` // not from config file

	location *time.Location
	window   replay.Window
}

// loadConfig layers flags over MQTT_RECORDER_* environment variables over the
// config file over defaults. A missing config file is not an error.
func loadConfig(configPath string, flags *pflag.FlagSet) (appConfig, error) {
	var cfg appConfig

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("address", defaultAddress)
	v.SetDefault("port", defaultPort)
	v.SetDefault("keep-alive", defaultKeepAlive)
	v.SetDefault("qos", 0)
	v.SetDefault("verbose", defaultVerbose)
	v.SetDefault("timezone", "Local")
	v.SetDefault("topic", []string{defaultTopic})
	v.SetDefault("sec", defaultInactivitySec)
	v.SetDefault("max-records", model.DefaultMaxRecordsPerFile)
	v.SetDefault("stats-interval", defaultStatsSec)
	v.SetDefault("sweep-interval", model.DefaultSweepInterval)
	v.SetDefault("workers", model.DefaultWorkers)
	v.SetDefault("buffer", model.DefaultBuffer)
	v.SetDefault("retention-days", 0)
	v.SetDefault("api-enabled", false)
	v.SetDefault("api-addr", defaultAPIAddr)
	v.SetDefault("speed", model.DefaultReplaySpeed)
	v.SetDefault("source", string(replay.SourceAuto))

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return cfg, fmt.Errorf("binding flags: %w", err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.SetConfigFile(filepath.Join(home, ".config", "mqtt-recorder", "config.yml"))
	}

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			var configFileNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
				return cfg, err
			}
		} else {
			cfg.ConfigPath = v.ConfigFileUsed()
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.validateCommon(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *appConfig) validateCommon() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.QoS < 0 || c.QoS > 2 {
		return fmt.Errorf("invalid qos: %d", c.QoS)
	}
	loc, err := loadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	c.location = loc
	return nil
}

func (c *appConfig) validateCapture(intelligent bool) error {
	if c.Directory == "" {
		return errors.New("--directory is required")
	}
	if len(c.Topic) == 0 {
		return errors.New("at least one --topic filter is required")
	}
	for _, t := range c.Topic {
		if strings.TrimSpace(t) == "" {
			return errors.New("empty --topic filter")
		}
	}
	if c.Workers <= 0 || c.Buffer <= 0 {
		return fmt.Errorf("workers and buffer must be positive (got %d, %d)", c.Workers, c.Buffer)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("invalid sweep-interval: %s", c.SweepInterval)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("invalid retention-days: %d", c.RetentionDays)
	}
	if !intelligent {
		return nil
	}
	if c.Sec <= 0 {
		return fmt.Errorf("invalid sec: %d (inactivity timeout must be positive)", c.Sec)
	}
	if c.MaxRecords <= 0 {
		return fmt.Errorf("invalid max-records: %d", c.MaxRecords)
	}
	if c.Stats && c.StatsInterval <= 0 {
		return fmt.Errorf("invalid stats-interval: %d", c.StatsInterval)
	}
	return nil
}

func (c *appConfig) validateReplay() error {
	if !(c.Speed > 0) {
		return fmt.Errorf("%w: %v", replay.ErrInvalidSpeed, c.Speed)
	}
	if c.Directory == "" {
		return errors.New("--directory is required")
	}
	if _, err := os.ReadDir(c.Directory); err != nil {
		return fmt.Errorf("unreadable capture directory: %w", err)
	}
	if _, err := replay.ParseSourceKind(c.Source); err != nil {
		return err
	}

	var err error
	if c.window.Start, err = parseTime(c.StartTime, c.location); err != nil {
		return fmt.Errorf("invalid start-time: %w", err)
	}
	if c.window.End, err = parseTime(c.EndTime, c.location); err != nil {
		return fmt.Errorf("invalid end-time: %w", err)
	}
	if !c.window.Valid() {
		return fmt.Errorf("start-time %s is after end-time %s", c.StartTime, c.EndTime)
	}
	return nil
}

func (c *appConfig) tlsFiles() mqttbus.TLSFiles {
	return mqttbus.TLSFiles{
		CAFile:             c.CAFile,
		CertFile:           c.CertFile,
		KeyFile:            c.KeyFile,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}

func loadLocation(name string) (*time.Location, error) {
	switch name {
	case "", "Local", "local":
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

// parseTime reads a window bound in loc. The empty string is an open bound.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q does not match YYYY-MM-DD HH:MM[:SS] or RFC 3339", s)
}
