package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/RowanDark/Seidr/internal/config"
	"github.com/RowanDark/Seidr/internal/logging"
	"github.com/RowanDark/Seidr/internal/proxy"
	"github.com/RowanDark/Seidr/internal/scripts"
)

func main() {
	configPath := flag.String("config", "seidr.yaml", "path to the YAML configuration file")
	addr := flag.String("addr", "", "override the bind address")
	port := flag.Int("port", 0, "override the listen port")
	scriptsDir := flag.String("scripts", "", "override the injection scripts directory")
	historyPath := flag.String("history", "", "write flow history as JSONL to this file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *addr, *port, *scriptsDir, *historyPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, addr string, port int, scriptsDir, historyPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Proxy.BindAddress = addr
	}
	if port != 0 {
		cfg.Proxy.Port = port
	}
	if scriptsDir != "" {
		cfg.Scripts.Directory = scriptsDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Logging.Level)

	var auditOpts []logging.Option
	if cfg.Logging.File != "" {
		auditOpts = append(auditOpts, logging.WithFile(cfg.Logging.File))
	}
	audit, err := logging.NewAuditLogger("seidrd", auditOpts...)
	if err != nil {
		return fmt.Errorf("initialise audit log: %w", err)
	}
	defer func() {
		if err := audit.Close(); err != nil {
			logger.Warn("failed to close audit log", "error", err)
		}
	}()

	store, err := scripts.NewStore(cfg.Scripts.Directory, logger, audit)
	if err != nil {
		return err
	}
	if err := store.Load(); err != nil {
		return err
	}
	logger.Info("scripts loaded", "count", store.Snapshot().Len(), "directory", cfg.Scripts.Directory)

	// SIGHUP swaps the script registry in place; the listener never restarts.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := store.Reload(); err != nil {
					logger.Error("script reload failed, keeping previous registry", "error", err)
					continue
				}
				logger.Info("scripts reloaded", "count", store.Snapshot().Len())
			}
		}
	}()

	p, err := proxy.New(proxy.Config{
		Settings:    cfg,
		Store:       store,
		Logger:      logger,
		Audit:       audit,
		HistoryPath: historyPath,
	})
	if err != nil {
		return err
	}
	return p.Run(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
