package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/mqtt-recorder/internal/model"
)

// exampleConfig is the file written by "config init". Keys match the
// command line flags.
type exampleConfig struct {
	Address       string   `yaml:"address"`
	Port          int      `yaml:"port"`
	Username      string   `yaml:"username,omitempty"`
	QoS           int      `yaml:"qos"`
	Verbose       int      `yaml:"verbose"`
	Timezone      string   `yaml:"timezone"`
	KeepAlive     string   `yaml:"keep-alive"`
	Topic         []string `yaml:"topic"`
	Directory     string   `yaml:"directory"`
	Sec           int      `yaml:"sec"`
	MaxRecords    int      `yaml:"max-records"`
	StatsInterval int      `yaml:"stats-interval"`
	RetentionDays int      `yaml:"retention-days"`
	APIEnabled    bool     `yaml:"api-enabled"`
	APIAddr       string   `yaml:"api-addr"`
	Speed         float64  `yaml:"speed"`
	Source        string   `yaml:"source"`
}

func defaultExampleConfig() exampleConfig {
	return exampleConfig{
		Address:       defaultAddress,
		Port:          defaultPort,
		QoS:           0,
		Verbose:       defaultVerbose,
		Timezone:      "Local",
		KeepAlive:     defaultKeepAlive.String(),
		Topic:         []string{defaultTopic},
		Directory:     "./capture",
		Sec:           defaultInactivitySec,
		MaxRecords:    model.DefaultMaxRecordsPerFile,
		StatsInterval: defaultStatsSec,
		RetentionDays: 0,
		APIEnabled:    false,
		APIAddr:       defaultAPIAddr,
		Speed:         model.DefaultReplaySpeed,
		Source:        "auto",
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write an example configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := defaultConfigPath()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				path = args[0]
			}
			if err := writeExampleConfig(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	return cmd
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home directory: %w", err)
	}
	return filepath.Join(home, ".config", "mqtt-recorder", "config.yml"), nil
}

func writeExampleConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	data, err := yaml.Marshal(defaultExampleConfig())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	header := []byte("# mqtt-recorder configuration. Flags and MQTT_RECORDER_* variables take precedence.\n")
	return os.WriteFile(path, append(header, data...), 0o600)
}
