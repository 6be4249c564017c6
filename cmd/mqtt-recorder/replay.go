package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tinytelemetry/mqtt-recorder/internal/metrics"
	"github.com/tinytelemetry/mqtt-recorder/internal/mqttbus"
	"github.com/tinytelemetry/mqtt-recorder/internal/replay"
)

// runReplay publishes the capture directory until it is exhausted, or
// forever with --loop, or until a shutdown signal arrives.
func runReplay(cmd *cobra.Command, _ []string) error {
	cfg, err := configFor(cmd)
	if err != nil {
		return err
	}
	if err := cfg.validateReplay(); err != nil {
		return err
	}
	source, err := replay.ParseSourceKind(cfg.Source)
	if err != nil {
		return err
	}

	logger, cleanupLogger := newLogger(cfg.Verbose, cfg.LogFile)
	defer cleanupLogger()

	merger, err := replay.NewMerger(replay.Options{
		Root:     cfg.Directory,
		Window:   cfg.window,
		Source:   source,
		Location: cfg.location,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	busCfg, err := brokerConfig(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := withShutdownSignals(cmd.Context())
	defer stop()

	client, err := mqttbus.Connect(ctx, busCfg)
	if err != nil {
		return err
	}
	defer client.Close()

	pacer, err := replay.NewPacer(client, replay.PacerConfig{
		Speed:   cfg.Speed,
		Loop:    cfg.Loop,
		Logger:  logger,
		Metrics: metrics.New(nil),
	})
	if err != nil {
		return err
	}

	printReplayBanner(cmd.OutOrStdout(), cfg, source)

	sum, err := pacer.Run(ctx, merger.Opener())
	printSummary(cmd.OutOrStdout(), sum)
	logger.WithFields(logrus.Fields{
		"passes":    sum.Passes,
		"published": sum.Published,
		"failed":    sum.Failed,
	}).Info("replay finished")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printSummary(w io.Writer, sum replay.Summary) {
	fmt.Fprintf(w, "Replayed %d messages (%d failed) in %d pass(es)\n", sum.Published, sum.Failed, sum.Passes)
	fmt.Fprintf(w, "  Recorded span: %s\n", sum.Span.Round(time.Millisecond))
	fmt.Fprintf(w, "  Wall time:     %s\n", sum.Wall.Round(time.Millisecond))
}
