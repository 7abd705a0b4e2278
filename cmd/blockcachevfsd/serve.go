package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/objectfs/blockvfs/internal/cache"
	"github.com/objectfs/blockvfs/internal/daemon"
	"github.com/objectfs/blockvfs/internal/metrics"
)

func serveEntrypoint(g *globals) *cobra.Command {
	var (
		interval time.Duration
		port     int
	)

	cmd := &cobra.Command{
		Use:   "serve [container]",
		Short: "Publishes pending local writes periodically and serves Prometheus metrics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container := g.cfg.VFS.Bucket
			if len(args) > 0 {
				container = args[0]
			}
			if port == 0 {
				port = g.cfg.Global.MetricsPort
			}
			interval = daemon.ReconcileInterval(interval)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			collector, err := metrics.NewCollector(metrics.DefaultConfig(port), g.logger)
			if err != nil {
				return err
			}
			if err := collector.Start(ctx); err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				collector.Stop(shutdownCtx)
			}()

			c, err := g.coordinator(ctx, collector)
			if err != nil {
				return err
			}
			defer c.Close()

			cc, err := c.Cache()
			if err != nil {
				return err
			}
			client, err := c.Client(ctx, container)
			if err != nil {
				return err
			}
			key := client.Path().String()
			go reportCacheSize(ctx, cc, collector, key, interval)

			g.logger.Info().Str("container", key).Dur("interval", interval).Int("metrics_port", port).Msg("serving")
			return c.Reconcile(ctx, container, interval)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", daemon.DefaultReconcileInterval, "How often pending writes are published")
	cmd.Flags().IntVar(&port, "metrics-port", 0, "Prometheus listener port (default from configuration, 0 disables)")

	return cmd
}

func reportCacheSize(ctx context.Context, cc *cache.Cache, collector *metrics.Collector, container string, interval time.Duration) {
	ticker := time.NewTicker(daemon.ReconcileInterval(interval))
	defer ticker.Stop()
	for {
		collector.UpdateCacheSize(container, lo.SumBy(cc.Entries(container), func(e cache.Entry) int64 { return e.Size }))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
