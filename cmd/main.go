package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/kisy/vpnledger/pkg/ledger"
	"github.com/kisy/vpnledger/pkg/logging"
	"github.com/kisy/vpnledger/pkg/metrics"
	"github.com/kisy/vpnledger/pkg/monitor"
	"github.com/kisy/vpnledger/pkg/scheduler"
	"github.com/kisy/vpnledger/pkg/stats"
	"github.com/kisy/vpnledger/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "vpnledger: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger hclog.Logger) error {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return err
	}
	order, err := ledger.ParseOrder(cfg.RecentOrder)
	if err != nil {
		return err
	}

	logger.Info("starting", "status_file", cfg.StatusFile, "store", cfg.Store, "data_dir", cfg.DataDir, "timezone", loc.String())

	// 1. Ledger store
	store, err := ledger.Open(cfg.Store, cfg.DataDir, ledger.Options{Order: order, Logger: logger.Named("ledger")})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close store", "error", err)
		}
	}()

	// 2. Collector
	collector := stats.NewCollector(afero.NewOsFs(), cfg.StatusFile, store, logger.Named("collector"))
	collector.SetLocation(loc)
	if cfg.Interface != "" {
		w := monitor.NewSubnetWatcher(cfg.Interface, logger.Named("subnet"))
		if err := w.Refresh(); err != nil {
			logger.Warn("tunnel subnets unavailable", "interface", cfg.Interface, "error", err)
		}
		collector.SetSubnetWatcher(w)
	}

	// First read right away rather than waiting for the schedule.
	if _, err := collector.Tick(context.Background()); err != nil {
		logger.Warn("initial tick failed", "error", err)
	}

	sched, err := scheduler.New(cfg.Schedule, collector, loc, logger.Named("scheduler"))
	if err != nil {
		return err
	}

	// 3. Prometheus exporter and web server
	exporter := metrics.NewExporter(collector, logger.Named("metrics"))
	prometheus.MustRegister(exporter)

	srv := web.NewServer(collector, cfg.RecentDays, loc, logger.Named("web"))
	if cfg.Conntrack {
		conns := monitor.NewConnCounter(logger.Named("conntrack"))
		exporter.SetConnectionCounter(conns)
		srv.SetConnectionCounter(conns)
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("web server listening", "addr", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 4. Wait for interrupt
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		logger.Error("http server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return serveErr
}
