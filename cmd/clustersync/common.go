package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/clustersync/config"
	"github.com/cyberinferno/clustersync/logger"
	"github.com/cyberinferno/clustersync/metrics"
	"github.com/cyberinferno/clustersync/transport"
)

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	envFile     string
	node        string
	logLevel    string
	logDir      string
	metricsAddr string
}

// load reads the configuration and applies the shared flags that were set.
func (o *globalOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.envFile)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("node") {
		cfg.NodeName = o.node
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("log-dir") {
		cfg.LogDir = o.logDir
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}

	return cfg, nil
}

func newLogger(cfg config.Config) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	if cfg.LogDir != "" {
		return logger.NewFile(cfg.NodeName, cfg.LogDir, level)
	}

	return logger.New(os.Stdout, cfg.NodeName, level), nil
}

// newMetrics registers the collectors on a private registry labelled with
// the node name, alongside the Go and process collectors.
func newMetrics(cfg config.Config) (*metrics.Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := metrics.New(
		metrics.WithRegistry(reg),
		metrics.WithConstLabels(prometheus.Labels{"node": cfg.NodeName}),
	)
	return m, reg
}

// serveMetrics starts the metrics endpoint in g when an address is configured.
func serveMetrics(ctx context.Context, g *errgroup.Group, cfg config.Config, log logger.Logger, reg *prometheus.Registry, health metrics.HealthFunc, extra ...func(chi.Router)) {
	if cfg.MetricsAddr == "" {
		return
	}

	g.Go(func() error {
		log.Info("metrics endpoint listening", logger.Field{Key: "addr", Value: cfg.MetricsAddr})
		return metrics.ListenAndServe(ctx, cfg.MetricsAddr, metrics.Router(reg, health, extra...))
	})
}

func connConfig(cfg config.Config) transport.ConnConfig {
	return transport.ConnConfig{
		InboxSize:       cfg.InboxSize,
		WriteTimeout:    cfg.WriteTimeout,
		MaxDecodeErrors: cfg.MaxDecodeErrors,
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// shutdownErr maps an operator shutdown to success.
func shutdownErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
