package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinytelemetry/mqtt-recorder/internal/model"
)

// newRootCmd creates the mqtt-recorder command tree.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mqtt-recorder",
		Short: "Record MQTT traffic to files and replay it later",
		Long: `mqtt-recorder captures messages from an MQTT broker into newline-delimited
JSON files and plays them back with their original timing.

Settings come from flags, MQTT_RECORDER_* environment variables and
$HOME/.config/mqtt-recorder/config.yml, in that order of precedence.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (default is $HOME/.config/mqtt-recorder/config.yml)")
	pf.StringP("address", "a", defaultAddress, "broker address")
	pf.IntP("port", "p", defaultPort, "broker port")
	pf.String("client-id", "", "MQTT client id (random when empty)")
	pf.String("username", "", "broker username")
	pf.String("password", "", "broker password")
	pf.StringP("cafile", "c", "", "certificate of a trusted CA (enables TLS)")
	pf.String("certfile", "", "client certificate for TLS")
	pf.String("keyfile", "", "client key for TLS")
	pf.Bool("insecure-skip-verify", false, "skip broker certificate verification")
	pf.Duration("keep-alive", defaultKeepAlive, "MQTT keep-alive interval")
	pf.Int("qos", 0, "subscription QoS (0, 1 or 2)")
	pf.IntP("verbose", "v", defaultVerbose, "verbosity: 0 warn, 1 info, 2 debug, 3 trace")
	pf.String("log-file", "", "append logs to this file instead of stderr")
	pf.String("timezone", "Local", "time zone of file names, date directories and time windows")

	root.AddCommand(
		newRecordCmd(),
		newIntelligentRecordCmd(),
		newReplayCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)

	return root
}

func addCaptureFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSliceP("topic", "t", []string{defaultTopic}, "topic filter to record, repeatable")
	f.StringP("directory", "d", "", "directory to write capture files to (required)")
	f.Int("workers", model.DefaultWorkers, "per-topic writer goroutines")
	f.Int("buffer", model.DefaultBuffer, "messages queued between the bus and the writers")
	f.Duration("sweep-interval", model.DefaultSweepInterval, "how often idle files are checked")
	f.Int("retention-days", 0, "delete date directories older than this many days (0 keeps everything)")
	f.Bool("api-enabled", false, "serve the status API and metrics")
	f.String("api-addr", defaultAPIAddr, "status API listen address")
}

func newRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record every message into one file per minute",
		Long: `Records every message into the all-topics stream, starting a new file
whenever the wall-clock minute changes.`,
		Example: `  mqtt-recorder record -d ./capture
  mqtt-recorder record -t 'sensor/#' -t status -d ./capture`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCapture(cmd, captureFixedInterval)
		},
	}
	addCaptureFlags(cmd)
	return cmd
}

func newIntelligentRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "irecord",
		Short: "Record each topic into its own directory with rotation and statistics",
		Long: `Records each topic into <directory>/<topic>/<date>/ and, unless disabled,
every message into <directory>/<date>/ as well.

A file is closed once its topic has been quiet for --sec seconds or when it
holds --max-records records. With --stats, the variance of numeric fields and
the number of distinct string and boolean values are appended to
<topic>-stats.txt every --stats-interval seconds and on each rotation.`,
		Example: `  mqtt-recorder irecord -d ./capture --sec 30
  mqtt-recorder irecord -t 'sensor/#' -d ./capture --stats --stats-interval 10 --no-all-topics`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCapture(cmd, captureIntelligent)
		},
	}
	addCaptureFlags(cmd)
	f := cmd.Flags()
	f.Int("sec", defaultInactivitySec, "seconds without messages before a topic's file is closed")
	f.Int("max-records", model.DefaultMaxRecordsPerFile, "records per file before rotating")
	f.Bool("no-all-topics", false, "do not record the all-topics stream")
	f.Bool("stats", false, "write per-topic payload statistics")
	f.Int("stats-interval", defaultStatsSec, "seconds between statistics reports")
	return cmd
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Publish a capture directory back to the broker",
		Long: `Merges every capture file under --directory into one chronological stream
and publishes it with the original gaps between messages divided by --speed.`,
		Example: `  mqtt-recorder replay -d ./capture
  mqtt-recorder replay -d ./capture --speed 10 --start-time "2024-07-25 10:00" --end-time "2024-07-25 11:00"
  mqtt-recorder replay -d ./capture --loop --source all-topics`,
		RunE: runReplay,
	}
	f := cmd.Flags()
	f.StringP("directory", "d", "", "directory to read capture files from (required)")
	f.Float64P("speed", "s", model.DefaultReplaySpeed, "playback speed, 2.0 plays twice as fast")
	f.String("start-time", "", "first instant to replay (YYYY-MM-DD HH:MM)")
	f.String("end-time", "", "last instant to replay (YYYY-MM-DD HH:MM)")
	f.BoolP("loop", "l", false, "start over when the end is reached")
	f.String("source", "auto", "files to read: auto, topics or all-topics")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mqtt-recorder - MQTT capture and replay\n")
			fmt.Fprintf(out, "  Version:    %s\n", version)
			fmt.Fprintf(out, "  Commit:     %s\n", commit)
			fmt.Fprintf(out, "  Built:      %s\n", buildTime)
			fmt.Fprintf(out, "  Go version: %s\n", goVersion)
		},
	}
}

// configFor loads the configuration of cmd with its parsed flags.
func configFor(cmd *cobra.Command) (appConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	return loadConfig(path, cmd.Flags())
}
