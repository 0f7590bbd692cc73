package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/mylxsw/asteria/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mylxsw/sql-sandbox/internal/config"
	"github.com/mylxsw/sql-sandbox/internal/metrics"
	"github.com/mylxsw/sql-sandbox/internal/sandbox"
	"github.com/mylxsw/sql-sandbox/internal/server"
	"github.com/mylxsw/sql-sandbox/internal/storage"
	"github.com/mylxsw/sql-sandbox/internal/sweeper"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (defaults are used when empty)")
	sweepOnce := flag.Bool("sweep-once", false, "run a single eviction pass and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorf("load config: %v", err)
		return
	}

	if cfg.Debug {
		log.DefaultWithFileLine(true)
		log.Debug("Debug logging enabled")
	}

	resolver, err := storage.NewResolver(cfg.DataDir)
	if err != nil {
		log.Errorf("init storage root: %v", err)
		return
	}
	log.Infof("tenant databases stored in %s", resolver.Root())

	script, err := sandbox.LoadBootstrap(cfg.BootstrapScript)
	if err != nil {
		log.Errorf("load bootstrap script: %v", err)
		return
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	sqliteOpts := storage.Options{
		BusyTimeout: cfg.SQLite.BusyTimeout,
		ForeignKeys: cfg.SQLite.ForeignKeys,
		JournalMode: cfg.SQLite.JournalMode,
	}

	tracker := storage.NewTracker(resolver)
	manager := sandbox.NewManager(sandbox.ManagerConfig{
		Resolver: resolver,
		Tracker:  tracker,
		Script:   script,
		SQLite:   sqliteOpts,
		Metrics:  m,
	})
	executor := sandbox.NewExecutor(resolver, sqliteOpts, m)
	introspector := sandbox.NewIntrospector(executor, cfg.Schema.SampleRows)

	sw, err := sweeper.New(sweeper.Config{
		Interval:    cfg.Eviction.Interval,
		Retention:   cfg.Eviction.Retention,
		OrphanGrace: cfg.Eviction.OrphanGrace,
		Rule:        cfg.Eviction.Rule,
		RunOnStart:  cfg.Eviction.RunOnStart,
	}, resolver, manager, m)
	if err != nil {
		log.Errorf("init eviction sweeper: %v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *sweepOnce {
		report := sw.SweepOnce(ctx)
		log.Infof("sweep finished: %d evicted, %d failed", report.Evicted, report.Failed)
		return
	}

	if cfg.Eviction.Enabled {
		go sw.Run(ctx)
	} else {
		log.Warningf("eviction sweeper disabled, idle tenants are kept forever")
	}

	srv := server.New(cfg, server.Deps{
		Manager:      manager,
		Executor:     executor,
		Introspector: introspector,
		Metrics:      m,
		Gatherer:     registry,
	})

	log.Infof("Starting SQL sandbox on %s", cfg.Listen)

	if err := srv.Run(ctx); err != nil {
		log.Errorf("server exited with error: %v", err)
		return
	}
}
