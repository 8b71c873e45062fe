package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/clustersync/config"
	"github.com/cyberinferno/clustersync/daemon"
	"github.com/cyberinferno/clustersync/logger"
	"github.com/cyberinferno/clustersync/registry"
)

func daemonCmd(global *globalOptions) *cobra.Command {
	var (
		port      int
		redisAddr string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the ready daemon",
		Long: `Run the ready daemon that render servers notify once they are up.

Notices are kept in memory, or in Redis when a Redis address is set so
that coordinators on other hosts can find the servers. With a metrics
address the daemon also serves the registered nodes on /nodes.

Examples:
  clustersync daemon
  clustersync daemon --port=8001 --redis=localhost:6379`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.DaemonPort = port
			}
			if cmd.Flags().Changed("redis") {
				cfg.RedisAddr = redisAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			return runDaemon(ctx, cfg)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultDaemonPort, "Port to accept ready notices on")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address for a shared registry")

	return cmd
}

func runDaemon(ctx context.Context, cfg config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	reg, closeReg := openRegistry(cfg, log)
	defer closeReg()

	m, promReg := newMetrics(cfg)
	server := daemon.NewServer(net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.DaemonPort)), reg, log, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx)
	})
	serveMetrics(gctx, g, cfg, log, promReg, nil, nodesRoute(reg))

	return shutdownErr(g.Wait())
}

// openRegistry picks the Redis registry when configured, memory otherwise.
func openRegistry(cfg config.Config, log logger.Logger) (registry.Registry, func()) {
	if cfg.RedisAddr == "" {
		return registry.NewMemory(cfg.RegistryTTL, time.Minute), func() {}
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	log.Info("using redis registry", logger.Field{Key: "addr", Value: cfg.RedisAddr})
	return registry.NewRedis(client, "", cfg.RegistryTTL), func() { _ = client.Close() }
}

func nodesRoute(reg registry.Registry) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/nodes", func(w http.ResponseWriter, req *http.Request) {
			notices, err := reg.List(req.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(notices)
		})

		r.Get("/nodes/{node}", func(w http.ResponseWriter, req *http.Request) {
			n, err := reg.Lookup(req.Context(), chi.URLParam(req, "node"))
			if err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, registry.ErrNotFound) {
					status = http.StatusNotFound
				}
				http.Error(w, err.Error(), status)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(n)
		})
	}
}
