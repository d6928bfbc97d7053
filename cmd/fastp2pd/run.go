package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fastp2p/admin"
	"fastp2p/config"
	"fastp2p/observability/logging"
	telemetry "fastp2p/observability/otel"
	"fastp2p/p2p"
)

const adminShutdownTimeout = 5 * time.Second

type runOptions struct {
	configPath string
	port       int
	id         string
	demo       bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an overlay node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runNode(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "./fastp2p.toml", "Path to the configuration file")
	cmd.Flags().IntVar(&opts.port, "port", 0, "Listen port, overrides node.Port")
	cmd.Flags().StringVar(&opts.id, "id", "", "Node id, overrides node.ID")
	cmd.Flags().BoolVar(&opts.demo, "demo", false, "Run the sample transaction workload")
	return cmd
}

// loadConfig reads the configuration file and applies flags the user set.
func loadConfig(cmd *cobra.Command, opts *runOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Node.Port = opts.port
	}
	if flags.Changed("id") {
		cfg.Node.ID = opts.id
	}
	if flags.Changed("demo") {
		cfg.Demo.Enabled = opts.demo
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runNode(ctx context.Context, cfg *config.Config) error {
	logging.SetMasking(cfg.Logging.MaskAddresses)
	logger := logging.Setup("fastp2pd", cfg.Logging.Environment, cfg.LoggingOptions())

	nodeCfg, err := cfg.NodeConfig()
	if err != nil {
		return err
	}
	store, err := cfg.OpenPeerStore()
	if err != nil {
		return fmt.Errorf("open peer store: %w", err)
	}
	node, err := p2p.NewNode(nodeCfg, p2p.WithPeerStore(store))
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create node: %w", err)
	}
	logger = logger.With(slog.String("node_id", node.ID()))

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.TelemetryConfig("fastp2pd", node.ID()))
	if err != nil {
		node.Stop()
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	if err := node.Initialize(ctx); err != nil {
		node.Stop()
		return fmt.Errorf("initialize node: %w", err)
	}

	var workload *demo
	if cfg.Demo.Enabled {
		publishEvery, statsEvery, err := cfg.DemoIntervals()
		if err != nil {
			node.Stop()
			return err
		}
		workload = newDemo(node.Gossip(), node.RPC(), node.Peers, demoConfig{
			PublishInterval: publishEvery,
			StatsInterval:   statsEvery,
			Logger:          logging.Component("demo"),
		})
		workload.register()
	}

	if err := node.Start(ctx); err != nil {
		node.Stop()
		return fmt.Errorf("start node: %w", err)
	}
	defer node.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if addr := cfg.Admin.ListenAddress; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           admin.NewRouter(node),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("admin server listening", slog.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if workload != nil {
		g.Go(func() error {
			workload.run(gctx)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("shutting down", slog.Any("error", err))
	return err
}
