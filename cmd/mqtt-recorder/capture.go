package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/mqtt-recorder/internal/capture"
	"github.com/tinytelemetry/mqtt-recorder/internal/clock"
	"github.com/tinytelemetry/mqtt-recorder/internal/httpserver"
	"github.com/tinytelemetry/mqtt-recorder/internal/metrics"
	"github.com/tinytelemetry/mqtt-recorder/internal/mqttbus"
	"github.com/tinytelemetry/mqtt-recorder/internal/recordstore"
)

type captureMode int

const (
	captureFixedInterval captureMode = iota
	captureIntelligent
)

func (m captureMode) String() string {
	if m == captureIntelligent {
		return "irecord"
	}
	return "record"
}

// captureConfig translates CLI settings into coordinator settings.
func captureConfig(cfg appConfig, mode captureMode) capture.Config {
	layout := recordstore.Layout{Root: cfg.Directory, Location: cfg.location}
	if mode == captureFixedInterval {
		return capture.FixedIntervalConfig(layout)
	}
	cc := capture.IntelligentConfig(layout, time.Duration(cfg.Sec)*time.Second, cfg.MaxRecords, !cfg.NoAllTopics)
	cc.Stats = cfg.Stats
	cc.StatsInterval = time.Duration(cfg.StatsInterval) * time.Second
	return cc
}

func brokerConfig(cfg appConfig, logger logrus.FieldLogger) (mqttbus.Config, error) {
	tlsCfg, err := mqttbus.NewTLSConfig(cfg.tlsFiles())
	if err != nil {
		return mqttbus.Config{}, err
	}
	return mqttbus.Config{
		Address:   cfg.Address,
		Port:      cfg.Port,
		ClientID:  cfg.ClientID,
		Username:  cfg.Username,
		Password:  cfg.Password,
		TLS:       tlsCfg,
		KeepAlive: cfg.KeepAlive,
		QoS:       byte(cfg.QoS),
		Logger:    logger,
	}, nil
}

// runCapture records until the subscription ends or a shutdown signal
// arrives. Every open file is closed before it returns.
func runCapture(cmd *cobra.Command, mode captureMode) error {
	cfg, err := configFor(cmd)
	if err != nil {
		return err
	}
	if err := cfg.validateCapture(mode == captureIntelligent); err != nil {
		return err
	}

	logger, cleanupLogger := newLogger(cfg.Verbose, cfg.LogFile)
	defer cleanupLogger()

	busCfg, err := brokerConfig(cfg, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	ccfg := captureConfig(cfg, mode)
	coord := capture.NewCoordinator(ccfg, clock.Real{}, logger, m)

	ctx, stop := withShutdownSignals(cmd.Context())
	defer stop()

	client, err := mqttbus.Connect(ctx, busCfg)
	if err != nil {
		return err
	}
	defer client.Close()

	msgs, err := client.Subscribe(ctx, cfg.Topic, cfg.Buffer)
	if err != nil {
		return err
	}

	// Start HTTP API server if enabled
	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(cfg.APIAddr, coord, reg)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
		cfg.APIAddr = apiServer.Addr()
	}

	retentionCleaner := capture.NewRetentionCleaner(capture.RetentionConfig{
		Layout:        ccfg.Layout,
		RetentionDays: cfg.RetentionDays,
		Active:        activeFiles(coord),
		Logger:        logger,
		Metrics:       m,
	})
	if retentionCleaner != nil {
		defer retentionCleaner.Stop()
	}

	printCaptureBanner(cmd.OutOrStdout(), cfg, mode)

	// The coordinator owns shutdown of its queues; closing the client ends
	// the subscription channel and lets Run drain what was received.
	var g errgroup.Group
	runDone := make(chan struct{})
	g.Go(func() error {
		defer close(runDone)
		return coord.Run(context.Background(), msgs, capture.RunConfig{
			Workers:       cfg.Workers,
			Buffer:        cfg.Buffer,
			SweepInterval: cfg.SweepInterval,
		})
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-runDone:
		}
		client.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	logger.Info("capture stopped, all files closed")
	return nil
}

func activeFiles(coord *capture.Coordinator) func() []string {
	return func() []string {
		var paths []string
		for _, s := range coord.Streams() {
			if s.Open {
				paths = append(paths, s.File.Path)
			}
		}
		return paths
	}
}
