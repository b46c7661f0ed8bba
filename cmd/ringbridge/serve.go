package main

import (
	"fmt"
	"io"
	"os/signal"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/srg/ringbridge/internal/bridge"
	"github.com/srg/ringbridge/internal/bus"
	"github.com/srg/ringbridge/internal/env"
	"github.com/srg/ringbridge/internal/hostapi"
	"github.com/srg/ringbridge/internal/support"
	"github.com/srg/ringbridge/internal/support/gatt"
	"github.com/srg/ringbridge/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge and its websocket API",
	Long: `Bootstrap the data directory, start the bridge and serve the host API
on ws://<listen>/ws until interrupted.

With --connect the bridge connects to the given ring address right away.
With --sync-schedule (cron syntax, e.g. "@every 30m") it requests a history
sync from the connected ring on that schedule.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveConnect string

func init() {
	serveCmd.Flags().StringVar(&serveConnect, "connect", "", "Ring address to connect to on startup")
	serveCmd.Flags().String("listen", "", "Host API listen address (default from config)")
	serveCmd.Flags().String("adapter", "", "BLE adapter to dial through, e.g. hci1 (default from config)")
	serveCmd.Flags().String("sync-schedule", "", "Cron schedule for periodic history sync")
	serveCmd.Flags().Bool("verbose", false, "Enable debug logging")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, "verbose", cfg.LogLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	eventBus := bus.New(cfg.EventBuffer, logger)
	defer eventBus.Close()

	boot := env.NewBootstrapper(cfg, eventBus, logger)
	defer func() {
		if err := boot.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close environment")
		}
	}()

	delegate := gatt.New(gatt.Options{ConnectTimeout: cfg.ConnectTimeout}, logger)
	br := bridge.New(cfg, boot, delegate, adapterManager(cfg), logger)
	if err := br.Start(ctx); err != nil {
		return err
	}
	defer br.Stop()

	if serveConnect != "" {
		ack, err := br.Connect(ctx, serveConnect)
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"address": serveConnect,
			"status":  ack.Status,
		}).Info("Connect requested")
	}

	srv := hostapi.NewServer(br, cfg.ListenAddr, logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})

	if cfg.SyncSchedule != "" {
		scheduler, err := newSyncScheduler(cfg, br, logger)
		if err != nil {
			return err
		}
		scheduler.Start()
		g.Go(func() error {
			<-gctx.Done()
			<-scheduler.Stop().Done()
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-srv.Ready():
			printBanner(cmd.OutOrStdout(), srv.BoundAddr())
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func printBanner(w io.Writer, addr string) {
	fmt.Fprintf(w, "ringbridge listening on ws://%s/ws (Ctrl+C to stop)\n", addr)
}

// syncRequester is the part of the bridge the scheduler drives.
type syncRequester interface {
	FetchSleepHistory() error
}

// newSyncScheduler builds a cron that asks the connected ring for its
// recorded data on cfg.SyncSchedule. Ticks without a session are logged and skipped.
func newSyncScheduler(cfg *config.Config, target syncRequester, logger *logrus.Logger) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(cfg.SyncSchedule, func() {
		if err := target.FetchSleepHistory(); err != nil {
			logger.WithError(err).Debug("Scheduled sync skipped")
			return
		}
		logger.Info("Scheduled sync requested")
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", cfg.SyncSchedule, err)
	}
	return c, nil
}

// adapterManager hands out the BLE adapter named by the config.
func adapterManager(cfg *config.Config) support.StaticManager {
	return support.StaticManager{Default: support.StaticAdapter(cfg.Adapter)}
}
