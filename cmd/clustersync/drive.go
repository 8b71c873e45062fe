package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/clustersync/clustermsg"
	"github.com/cyberinferno/clustersync/config"
	"github.com/cyberinferno/clustersync/coordinator"
	"github.com/cyberinferno/clustersync/logger"
	"github.com/cyberinferno/clustersync/registry"
)

type driveOptions struct {
	servers   []string
	nodes     []string
	sync      bool
	fps       int
	frames    int
	iod       float64
	radius    float64
	exit      bool
	waitNodes time.Duration
	command   string
}

func driveCmd(global *globalOptions) *cobra.Command {
	opts := &driveOptions{}

	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Drive render servers as the coordinator",
		Long: `Connect to render servers and stream a camera orbit to them.

Servers are given by address, or by node name, in which case their
addresses are looked up in the Redis registry filled by the daemon.
Each server gets a horizontal lens offset so that the cluster renders
adjacent views. In synchronized mode every frame waits for all servers
to be ready before they are told to swap.

Examples:
  clustersync drive --server=10.0.0.2:1970 --server=10.0.0.3:1970
  clustersync drive --node-name=left --node-name=right --sync --frames=600 --exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("sync") {
				cfg.Sync = opts.sync
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			return runDrive(ctx, cfg, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.servers, "server", nil, "Render server address (repeatable)")
	cmd.Flags().StringSliceVar(&opts.nodes, "node-name", nil, "Render node name to look up in the registry (repeatable)")
	cmd.Flags().BoolVar(&opts.sync, "sync", false, "Hold the swap barrier each frame")
	cmd.Flags().IntVar(&opts.fps, "fps", 60, "Frames per second")
	cmd.Flags().IntVar(&opts.frames, "frames", 0, "Frames to drive; 0 runs until interrupted")
	cmd.Flags().Float64Var(&opts.iod, "iod", 0.065, "Lens offset between adjacent servers")
	cmd.Flags().Float64Var(&opts.radius, "radius", 10, "Orbit radius")
	cmd.Flags().BoolVar(&opts.exit, "exit", false, "Send Exit to every server when done")
	cmd.Flags().DurationVar(&opts.waitNodes, "wait", 30*time.Second, "How long to wait for named nodes to register")
	cmd.Flags().StringVar(&opts.command, "command", "", "Administrative command to broadcast before the first frame")

	return cmd
}

func runDrive(ctx context.Context, cfg config.Config, opts *driveOptions) error {
	if opts.fps <= 0 {
		return fmt.Errorf("fps must be positive, got %d", opts.fps)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	servers, err := resolveServers(ctx, cfg, opts, log)
	if err != nil {
		return err
	}

	m, reg := newMetrics(cfg)

	ccfg := coordinator.DefaultConfig(servers...)
	ccfg.Sync = cfg.Sync
	ccfg.SwapTimeout = cfg.SwapTimeout
	ccfg.Conn = connConfig(cfg)
	ccfg.OnPeerState = func(e coordinator.PeerStateEvent) {
		if e.State == coordinator.Disconnected && e.Error != nil {
			log.Warn("server disconnected", logger.Field{Key: "server", Value: e.Index}, logger.Field{Key: "addr", Value: e.Address})
		}
	}

	coord, err := coordinator.Dial(ctx, ccfg, log, m)
	if err != nil {
		return err
	}
	defer coord.Close()

	for i, off := range lensOffsets(len(servers), opts.iod) {
		if err := coord.SetOffset(i, clustermsg.Pose{X: off}); err != nil {
			return fmt.Errorf("server %d: %w", i, err)
		}
	}

	if opts.command != "" {
		if err := coord.Command(opts.command); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return driveFrames(gctx, coord, opts, log)
	})
	serveMetrics(gctx, g, cfg, log, reg, func() error {
		if len(coord.Live()) == 0 {
			return coordinator.ErrNoServers
		}
		return nil
	})

	err = shutdownErr(g.Wait())

	if opts.exit {
		if exitErr := coord.Exit(); exitErr != nil && !errors.Is(exitErr, coordinator.ErrNoServers) {
			log.Warn("exit not delivered everywhere", logger.Field{Key: "error", Value: exitErr.Error()})
		}
	}

	return err
}

// driveFrames runs the frame loop until opts.frames frames were sent, ctx
// ends or no server is left. Reaching the frame count cancels the group so
// the metrics endpoint stops too.
func driveFrames(ctx context.Context, coord *coordinator.Coordinator, opts *driveOptions, log logger.Logger) error {
	ticker := time.NewTicker(time.Second / time.Duration(opts.fps))
	defer ticker.Stop()

	for frame := 0; opts.frames == 0 || frame < opts.frames; frame++ {
		result, err := coord.Frame(ctx, orbitPose(frame, opts.fps, opts.radius))
		if err != nil {
			return err
		}
		if len(result.Dropped) > 0 {
			log.Warn("servers dropped", logger.Field{Key: "frame", Value: frame}, logger.Field{Key: "servers", Value: result.Dropped})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	log.Info("all frames sent", logger.Field{Key: "frames", Value: opts.frames})
	return context.Canceled
}

func resolveServers(ctx context.Context, cfg config.Config, opts *driveOptions, log logger.Logger) ([]string, error) {
	servers := append([]string(nil), opts.servers...)
	if len(opts.nodes) == 0 {
		if len(servers) == 0 {
			return nil, errors.New("no servers given: use --server or --node-name")
		}
		return servers, nil
	}

	if cfg.RedisAddr == "" {
		return nil, errors.New("--node-name needs a Redis registry (CLUSTER_REDIS_ADDR)")
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer client.Close()

	waitCtx, cancel := context.WithTimeout(ctx, opts.waitNodes)
	defer cancel()

	log.Info("waiting for nodes", logger.Field{Key: "nodes", Value: opts.nodes})
	notices, err := registry.WaitFor(waitCtx, registry.NewRedis(client, "", cfg.RegistryTTL), opts.nodes, 250*time.Millisecond)
	if err != nil {
		return nil, err
	}

	for _, n := range notices {
		servers = append(servers, n.Addr())
	}
	return servers, nil
}

// lensOffsets spreads n servers symmetrically around zero, iod apart.
func lensOffsets(n int, iod float64) []float32 {
	out := make([]float32, n)
	mid := float64(n-1) / 2
	for i := range out {
		out[i] = float32((float64(i) - mid) * iod)
	}
	return out
}

// orbitPose circles the origin once every ten seconds, facing the center.
func orbitPose(frame, fps int, radius float64) clustermsg.Pose {
	angle := 2 * math.Pi * float64(frame) / float64(10*fps)
	return clustermsg.Pose{
		X: float32(radius * math.Sin(angle)),
		Y: float32(-radius * math.Cos(angle)),
		H: float32(angle * 180 / math.Pi),
	}
}
