package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/clustersync/admin"
	"github.com/cyberinferno/clustersync/clustermsg"
	"github.com/cyberinferno/clustersync/config"
	"github.com/cyberinferno/clustersync/daemon"
	"github.com/cyberinferno/clustersync/logger"
	"github.com/cyberinferno/clustersync/registry"
	"github.com/cyberinferno/clustersync/session"
	"github.com/cyberinferno/clustersync/transport"
)

type serveOptions struct {
	listen      string
	port        int
	sync        bool
	daemonHost  string
	daemonPort  int
	noNotify    bool
	allowAdmin  bool
	swapTimeout time.Duration
	fps         int
}

func serveCmd(global *globalOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a render server",
		Long: `Run a render server without a display.

The server binds the cluster rendezvous, tells the ready daemon it is
up and then runs its frame loop, applying camera updates from the
coordinator. Every render call is logged at debug level.

The process exits with a non-zero status when the port cannot be bound
or when the coordinator sends Exit.

Examples:
  clustersync serve
  clustersync serve --port=1971 --sync
  clustersync serve --daemon-host=10.0.0.1 --allow-admin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.load(cmd)
			if err != nil {
				return err
			}
			opts.apply(cmd, &cfg)

			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			return runServe(ctx, cfg, opts.fps)
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", "", "Interface to bind (default all)")
	cmd.Flags().IntVarP(&opts.port, "port", "p", config.DefaultPort, "Cluster rendezvous port")
	cmd.Flags().BoolVar(&opts.sync, "sync", false, "Gate buffer swaps on the coordinator")
	cmd.Flags().StringVar(&opts.daemonHost, "daemon-host", config.DefaultDaemonHost, "Ready daemon host")
	cmd.Flags().IntVar(&opts.daemonPort, "daemon-port", config.DefaultDaemonPort, "Ready daemon port")
	cmd.Flags().BoolVar(&opts.noNotify, "no-notify", false, "Do not notify the ready daemon")
	cmd.Flags().BoolVar(&opts.allowAdmin, "allow-admin", false, "Execute administrative commands")
	cmd.Flags().DurationVar(&opts.swapTimeout, "swap-timeout", config.DefaultSwapTimeout, "Longest wait for SwapNow")
	cmd.Flags().IntVar(&opts.fps, "fps", 60, "Frame rate of the headless frame loop")

	return cmd
}

func (o *serveOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddr = o.listen
	}
	if flags.Changed("port") {
		cfg.Port = o.port
	}
	if flags.Changed("sync") {
		cfg.Sync = o.sync
	}
	if flags.Changed("daemon-host") {
		cfg.DaemonHost = o.daemonHost
	}
	if flags.Changed("daemon-port") {
		cfg.DaemonPort = o.daemonPort
	}
	if flags.Changed("no-notify") {
		cfg.NotifyDaemon = !o.noNotify
	}
	if flags.Changed("allow-admin") {
		cfg.AllowAdminCommands = o.allowAdmin
	}
	if flags.Changed("swap-timeout") {
		cfg.SwapTimeout = o.swapTimeout
	}
}

func runServe(ctx context.Context, cfg config.Config, fps int) error {
	if fps <= 0 {
		return fmt.Errorf("fps must be positive, got %d", fps)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	m, reg := newMetrics(cfg)

	listener, err := transport.Listen(cfg.Addr(), connConfig(cfg), clustermsg.NewCodec(), log, m)
	if err != nil {
		log.Error("cannot bind cluster port", logger.Field{Key: "addr", Value: cfg.Addr()}, logger.Field{Key: "error", Value: err.Error()})
		return err
	}

	if cfg.NotifyDaemon {
		notifyDaemon(ctx, cfg, listener, log)
	}

	mode := session.Async
	if cfg.Sync {
		mode = session.Synchronized
	}

	render := &session.LogRenderer{Log: log.With(logger.Field{Key: "component", Value: "render"})}
	commands := admin.NewRegistry()

	server := session.New(session.Config{
		Mode:               mode,
		PollInterval:       cfg.PollInterval,
		SwapTimeout:        cfg.SwapTimeout,
		AllowAdminCommands: cfg.AllowAdminCommands,
	}, listener, render, commands, log, m)
	defer server.Close()

	registerBuiltins(commands, server, render, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, time.Second/time.Duration(fps))
	})
	serveMetrics(gctx, g, cfg, log, reg, func() error {
		if server.State() == session.StateTerminated {
			return errors.New("session terminated")
		}
		return nil
	})

	err = shutdownErr(g.Wait())
	if session.IsExit(err) {
		log.Warn("exiting at coordinator request")
	}
	return err
}

// notifyDaemon sends the ready notice. The server keeps running without a
// daemon.
func notifyDaemon(ctx context.Context, cfg config.Config, listener *transport.Listener, log logger.Logger) {
	notice := registry.Notice{
		Node: cfg.NodeName,
		Host: cfg.ListenAddr,
		Port: cfg.Port,
		Sync: cfg.Sync,
	}
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		notice.Port = addr.Port
	}

	if err := daemon.NotifyReady(ctx, cfg.DaemonAddr(), notice); err != nil {
		log.Warn("ready notice not delivered", logger.Field{Key: "daemon", Value: cfg.DaemonAddr()}, logger.Field{Key: "error", Value: err.Error()})
		return
	}

	log.Info("ready notice delivered", logger.Field{Key: "daemon", Value: cfg.DaemonAddr()})
}
