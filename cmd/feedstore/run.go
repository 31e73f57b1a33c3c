package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"feedstore/internal/config"
	"feedstore/internal/discovery"
	"feedstore/internal/metrics"
	"feedstore/internal/reader"
	"feedstore/internal/thingspeak"
	"feedstore/internal/writer"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

const (
	maxRetries       = 5
	discoveryTimeout = 2 * time.Second
)

var retryDelay = time.Second

type serviceDiscoverer interface {
	Discover(service string) (discovery.Service, error)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start polling",
	Long: `Start polling the configured ThingSpeak channel.

Each cycle fetches the latest feed entry and inserts it into the configured
table, then waits poll_interval before the next cycle. The process runs
until interrupted (Ctrl+C) or it receives SIGTERM.

Example:
  feedstore run -c config.yaml
  feedstore run -c config.yaml --once --debug`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("config", "c", "config.yaml", "path to config file")
	runCmd.Flags().String("env-file", ".env", "optional env file loaded before the config")
	runCmd.Flags().Bool("once", false, "run a single cycle and exit")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	dbCfg := cfg.Database
	if dbCfg.Discover != "" {
		svc, err := discoverDatabase(discovery.New(discoveryTimeout, logger.WithPrefix("mdns")), dbCfg.Discover)
		if err != nil {
			return fmt.Errorf("failed to discover database: %w", err)
		}
		logger.Info("Discovered database", "name", svc.Name, "host", svc.Host, "port", svc.Port)
		dbCfg.Host = svc.Host
		dbCfg.Port = svc.Port
	}

	m := metrics.New()
	r := reader.New(
		thingspeak.New(cfg.ThingSpeak, logger.WithPrefix("thingspeak")),
		writer.New(dbCfg, logger.WithPrefix("writer")),
		cfg.PollInterval.Duration(),
		m,
		logger.WithPrefix("reader"),
	)

	once, _ := cmd.Flags().GetBool("once")
	if once {
		outcome := r.Cycle(context.Background())
		if outcome == reader.OutcomeFetchFailed || outcome == reader.OutcomeStoreFailed {
			return fmt.Errorf("cycle failed: %s", outcome)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	if !cfg.Metrics.Disabled {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr, logger.WithPrefix("metrics")); err != nil {
				errs <- err
			}
		}()
	}

	done := make(chan error, 1)
	go func() {
		logger.Info("Starting poll loop",
			"channel", cfg.ThingSpeak.ChannelID,
			"interval", cfg.PollInterval.Duration(),
			"table", dbCfg.Table,
		)
		done <- r.Start(ctx)
	}()

	select {
	case err := <-done:
		logger.Info("Exiting...")
		return err
	case err := <-errs:
		stop()
		<-done
		return fmt.Errorf("metrics server: %w", err)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func discoverDatabase(resolver serviceDiscoverer, service string) (discovery.Service, error) {
	var (
		svc discovery.Service
		err error
	)

	for i := 0; i < maxRetries; i++ {
		svc, err = resolver.Discover(service)
		switch {
		case err == nil:
			return svc, nil
		case errors.Is(err, discovery.ServiceTimeout):
			log.Info("Discovery timed out, will retry in a moment", "service", service)
			time.Sleep(retryDelay)
		default:
			return svc, err
		}
	}

	return svc, err
}
