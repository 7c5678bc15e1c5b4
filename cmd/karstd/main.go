package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/karst-db/karst/internal/config"
	"github.com/karst-db/karst/internal/logging"
	"github.com/karst-db/karst/internal/maintenance"
	"github.com/karst-db/karst/internal/memory"
	"github.com/karst-db/karst/internal/metrics"
	"github.com/karst-db/karst/internal/ops"
	"github.com/karst-db/karst/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version", "--version", "-version":
		fmt.Printf("karstd version %s (built %s)\n", version, buildTime)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: karstd <command> [options]

Commands:
  serve       Start the tablet server maintenance daemon
  version     Print version information

Run 'karstd serve --help' for serve options.`)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	statusAddr := fs.String("status-addr", "", "Override status endpoint address (e.g., :8650)")
	metricsAddr := fs.String("metrics-addr", "", "Override metrics endpoint address (e.g., :9090)")
	tablets := fs.String("tablets", "default", "Comma-separated tablet IDs to maintain")

	fs.Usage = func() {
		fmt.Println(`Usage: karstd serve [options]

Start the karst maintenance daemon.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *statusAddr != "" {
		cfg.Server.StatusAddr = *statusAddr
	}
	if *metricsAddr != "" {
		cfg.Server.MetricsAddr = *metricsAddr
	}

	logger := logging.Configure(cfg.Server.LogLevel, cfg.Server.LogFormat)
	logger.Infof("karstd starting", map[string]any{
		"version": version,
	})

	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		logger.Errorf("create data dir", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	mm := metrics.NewMaintenanceMetrics()
	probe := memory.NewRuntimeProbe()

	mgr := maintenance.NewManager(maintenance.Options{
		NumThreads:        cfg.Maintenance.NumThreads,
		PollingInterval:   time.Duration(cfg.Maintenance.PollingIntervalMs) * time.Millisecond,
		MemoryLimit:       cfg.Maintenance.MemoryLimitBytes,
		MaxTsAnchoredSecs: cfg.Maintenance.MaxTsAnchoredSecs,
		HistorySize:       cfg.Maintenance.HistorySize,
	}, probe).WithMetrics(mm)

	if err := mgr.Init(); err != nil {
		logger.Errorf("maintenance manager init failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	mgr.Tracker().StartInstrumentation(prometheus.DefaultRegisterer)

	var registered []maintenance.MaintenanceOp
	for _, tablet := range strings.Split(*tablets, ",") {
		tablet = strings.TrimSpace(tablet)
		if tablet == "" {
			continue
		}

		store := ops.NewMemStore()
		flush := ops.NewFlushOp(tablet, store, ops.FlushConfig{
			DataDir:             cfg.Store.DataDir,
			FlushThresholdBytes: cfg.Store.MemStoreFlushBytes,
		}, mm)
		mgr.RegisterOp(flush)
		registered = append(registered, flush)

		segStore, err := ops.OpenSegmentStore(filepath.Join(cfg.Store.WALDir, tablet))
		if err != nil {
			logger.Errorf("open segment store", map[string]any{
				"tablet": tablet,
				"error":  err.Error(),
			})
			os.Exit(1)
		}
		gc := ops.NewLogGCOp(tablet, segStore, ops.LogGCConfig{
			RetentionSecs: cfg.Store.WALRetentionSecs,
			Archive:       cfg.Store.ArchiveSegments,
			ArchiveDir:    filepath.Join(cfg.Store.ArchiveDir, tablet),
		}, mm)
		mgr.RegisterOp(gc)
		registered = append(registered, gc)
	}

	metricsServer := metrics.NewServer(cfg.Server.MetricsAddr)
	if err := metricsServer.Start(); err != nil {
		logger.Errorf("metrics server start failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	statusServer := server.NewStatusServer(cfg.Server.StatusAddr, mgr, logger)
	if err := statusServer.Start(); err != nil {
		logger.Errorf("status server start failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	logger.Infof("karstd ready", map[string]any{
		"statusAddr":  statusServer.Addr(),
		"metricsAddr": metricsServer.Addr(),
		"tablets":     *tablets,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("shutting down", map[string]any{"signal": sig.String()})

	_ = statusServer.Close()
	_ = metricsServer.Close()
	for _, op := range registered {
		mgr.UnregisterOp(op)
	}
	mgr.Shutdown()
	logger.Info("karstd stopped")
}
