package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hurttlocker/understory/internal/config"
	"github.com/hurttlocker/understory/internal/goals"
	"github.com/hurttlocker/understory/internal/ingest"
	"github.com/hurttlocker/understory/internal/lifecycle"
	"github.com/hurttlocker/understory/internal/mcp"
	"github.com/hurttlocker/understory/internal/resolve"
	"github.com/hurttlocker/understory/internal/stream"
)

// runServe starts the daemon: the Kafka consumer feeding the extraction
// pipeline, plus the periodic health, sweep, and sync jobs. Everything runs
// under one errgroup so a SIGINT or SIGTERM winds the whole process down.
func runServe(args []string) error {
	var overrides config.ResolveOptions
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--brokers" && i+1 < len(args):
			overrides.CLIBrokers = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--brokers="):
			overrides.CLIBrokers = strings.TrimPrefix(args[i], "--brokers=")
		case args[i] == "--topic" && i+1 < len(args):
			overrides.CLITopic = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--topic="):
			overrides.CLITopic = strings.TrimPrefix(args[i], "--topic=")
		case args[i] == "--group" && i+1 < len(args):
			overrides.CLIGroup = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--group="):
			overrides.CLIGroup = strings.TrimPrefix(args[i], "--group=")
		case args[i] == "--channels" && i+1 < len(args):
			overrides.CLIChannels = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--channels="):
			overrides.CLIChannels = strings.TrimPrefix(args[i], "--channels=")
		case args[i] == "--search" && i+1 < len(args):
			overrides.CLISearchURL = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--search="):
			overrides.CLISearchURL = strings.TrimPrefix(args[i], "--search=")
		case args[i] == "--forest" && i+1 < len(args):
			overrides.CLIForestURL = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--forest="):
			overrides.CLIForestURL = strings.TrimPrefix(args[i], "--forest=")
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	rc, err := loadSettings(overrides)
	if err != nil {
		return err
	}

	s, err := openStore(rc)
	if err != nil {
		return err
	}
	defer s.Close()

	searcher, err := searchClient(rc)
	if err != nil {
		return err
	}
	if searcher == nil {
		logger.Info("no similarity backend configured; dedup uses the textual fallback")
	}

	fc, err := forestClient(rc)
	if err != nil {
		return err
	}
	var archiver lifecycle.Archiver
	if fc != nil {
		archiver = fc
	}

	engine := resolve.NewEngine(s, searcher, logger, resolveOptions(rc))
	tracker := goals.NewTracker(s, logger, rc.Thresholds.GoalMatch.Float(0))
	pipeline := ingest.NewPipeline(nil, engine, tracker, logger)

	runner, err := lifecycle.NewRunner(s, archiver, nil, logger, lifecycle.Options{
		HealthInterval:   rc.Jobs.HealthInterval.Duration(0),
		SweepInterval:    rc.Jobs.SweepInterval.Duration(0),
		SyncInterval:     rc.Jobs.SyncInterval.Duration(0),
		SyncBatch:        rc.Jobs.SyncBatch.Int(0),
		ConsolidateBoost: rc.Thresholds.ConsolidateBoost.Float(0),
	})
	if err != nil {
		return err
	}

	consumer, err := stream.NewConsumer(stream.Config{
		Brokers:  rc.KafkaBrokers.List(),
		Topic:    rc.KafkaTopic.Value,
		GroupID:  rc.KafkaGroup.Value,
		Channels: rc.Channels.List(),
	}, func(ctx context.Context, e stream.Event) error {
		pipeline.Process(ctx, e.Content, e.Channel)
		return nil
	}, logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	for _, job := range runner.Jobs() {
		job := job
		g.Go(func() error {
			return runner.Every(gctx, job)
		})
	}
	g.Go(func() error {
		select {
		case sig := <-quit:
			logger.Info("shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	logger.Info("understory serving",
		zap.String("db", rc.DBPath.Value),
		zap.String("topic", rc.KafkaTopic.Value),
		zap.String("group", rc.KafkaGroup.Value),
		zap.Strings("channels", rc.Channels.List()),
		zap.Int("jobs", len(runner.Jobs())))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("understory stopped")
	return nil
}

// runMCP serves the agent tools over stdio. Logging stays off here: stdout
// belongs to the protocol.
func runMCP(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unknown flag: %s", args[0])
	}

	rc, err := loadSettings(config.ResolveOptions{})
	if err != nil {
		return err
	}

	s, err := openStore(rc)
	if err != nil {
		return err
	}
	defer s.Close()

	searcher, err := searchClient(rc)
	if err != nil {
		return err
	}
	fc, err := forestClient(rc)
	if err != nil {
		return err
	}
	var archiver mcp.Archiver
	if fc != nil {
		archiver = fc
	}

	srv := mcp.NewServer(mcp.ServerConfig{
		Store:     s,
		Version:   version,
		Searcher:  searcher,
		Archiver:  archiver,
		Resolve:   resolveOptions(rc),
		GoalMatch: rc.Thresholds.GoalMatch.Float(0),
	})
	return server.ServeStdio(srv)
}
