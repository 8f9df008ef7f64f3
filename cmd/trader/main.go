// Command trader turns trade-alert messages into option orders and tracks their fills.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/alert_trader/internal/config"
	"github.com/eddiefleurent/alert_trader/internal/feed"
	"github.com/eddiefleurent/alert_trader/internal/handler"
	"github.com/eddiefleurent/alert_trader/internal/journal"
	"github.com/eddiefleurent/alert_trader/internal/metrics"
	"github.com/eddiefleurent/alert_trader/internal/orders"
	"github.com/eddiefleurent/alert_trader/internal/reconcile"
	"github.com/eddiefleurent/alert_trader/internal/retry"
	"github.com/eddiefleurent/alert_trader/internal/server"
	"github.com/eddiefleurent/alert_trader/internal/storage"
)

func main() {
	os.Exit(runMain(os.Args[1:], os.Stderr))
}

// runMain returns the process exit code so deferred cleanup runs before exit.
func runMain(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("trader", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var configPath string
	var skipConfirm bool
	fs.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	fs.BoolVar(&skipConfirm, "yes", false, "Skip the live-mode confirmation delay")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger, logFile, err := setupLogger(cfg.Environment, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to set up logging: %v\n", err)
		return 1
	}
	defer logFile.Close()

	logger.Infof("Starting alert trader in %s mode", cfg.Environment.Mode)
	switch {
	case cfg.IsSimulated():
		logger.Info("SIMULATED MODE - orders go to an in-memory broker")
	case cfg.IsPaperTrading():
		logger.Info("PAPER TRADING MODE - No real money at risk")
	default:
		logger.Warn("LIVE TRADING MODE - Real money at risk!")
		if !skipConfirm {
			logger.Warn("Waiting 10 seconds to confirm...")
			time.Sleep(10 * time.Second)
		}
	}

	if err := run(cfg, configPath, logger); err != nil {
		logger.WithError(err).Error("Trader stopped with error")
		return 1
	}
	logger.Info("Trader stopped successfully")
	return 0
}

func run(cfg *config.Config, configPath string, logger *logrus.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open position store: %w", err)
	}
	logger.WithField("path", cfg.Storage.Path).Infof("Loaded %d tracked positions", len(store.List()))

	m := metrics.NewMetrics("")
	m.SetTrackedPositions(len(store.List()))

	gw := buildBroker(cfg, logger)

	// Verify broker connection, then audit the store against it (read-only).
	rec := reconcile.NewReconciler(gw, store, logger)
	var report *reconcile.Report
	err = retry.NewClient(logger).Do(ctx, "verify broker connection", func(ctx context.Context) error {
		rep, err := rec.Audit(ctx)
		if err != nil {
			return err
		}
		report = rep
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	rec.LogReport(report)

	var orderOpts []orders.Option
	orderOpts = append(orderOpts, orders.WithMetrics(m))
	var jrnl *journal.Journal
	if cfg.Journal.Path != "" {
		jrnl, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open order journal: %w", err)
		}
		defer jrnl.Close()
		orderOpts = append(orderOpts, orders.WithJournal(jrnl))
	}

	stop := make(chan struct{})
	mgr := orders.NewManager(gw, store, logger, stop, orderConfig(cfg), orderOpts...)
	holder := config.NewHolder(cfg, configPath)
	h := handler.New(holder, gw, store, mgr, logger, m)

	g, gctx := errgroup.WithContext(ctx)

	// Monitors observe shutdown through stop; close it as soon as the group winds down.
	go func() {
		<-gctx.Done()
		close(stop)
	}()

	var sources []feed.Source
	if cfg.Feed.Stdin {
		sources = append(sources, feed.NewLineSource(os.Stdin, os.Stdout, logger))
	}
	if cfg.Feed.WebsocketURL != "" {
		sources = append(sources, feed.NewWebsocketSource(cfg.Feed.WebsocketURL, nil, logger))
	}

	var feeds sync.WaitGroup
	for _, src := range sources {
		feeds.Add(1)
		g.Go(func() error {
			defer feeds.Done()
			logger.WithField("source", src.Name()).Info("Listening for triggers")
			err := src.Run(gctx, h.Dispatch)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("%s feed: %w", src.Name(), err)
			}
			logger.WithField("source", src.Name()).Info("Trigger source closed")
			return nil
		})
	}

	// Without a server, the process ends once every feed is exhausted and
	// the orders it produced have settled.
	if len(sources) > 0 && !cfg.Server.Enabled {
		g.Go(func() error {
			feeds.Wait()
			if gctx.Err() != nil {
				return nil
			}
			h.Wait()
			mgr.Wait()
			cancel()
			return nil
		})
	}

	if cfg.Server.Enabled {
		deps := server.Deps{Handler: h, Storage: store, Broker: gw, Orders: mgr, Metrics: m}
		if jrnl != nil {
			deps.Journal = jrnl
		}
		srv := server.NewServer(server.Config{Port: cfg.Server.Port, AuthToken: cfg.Server.AuthToken}, deps, logger)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		reloadLoop(gctx, holder, mgr, logger)
		return nil
	})

	if len(sources) == 0 && !cfg.Server.Enabled {
		logger.Warn("No trigger source configured (feed.stdin, feed.websocket_url or server.enabled)")
	}

	err = g.Wait()
	logger.Info("Stopping trader...")
	h.Wait()
	mgr.Wait()
	return err
}

// reloadLoop swaps in a fresh config snapshot on SIGHUP.
func reloadLoop(ctx context.Context, holder *config.Holder, mgr *orders.Manager, logger *logrus.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := holder.Reload()
			if err != nil {
				logger.WithError(err).Error("Config reload failed, keeping previous config")
				continue
			}
			mgr.SetConfig(orderConfig(cfg))
			if err := applyLogLevel(logger, cfg.Environment.LogLevel); err != nil {
				logger.WithError(err).Warn("Keeping previous log level")
			}
			logger.Info("Configuration reloaded")
		}
	}
}
