package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/go-relay/internal/ingest"
	"github.com/a-essam23/go-relay/internal/server"
	"github.com/a-essam23/go-relay/pkg/collab"
	"github.com/a-essam23/go-relay/pkg/collab/jwtsession"
	"github.com/a-essam23/go-relay/pkg/collab/sqlitedir"
	"github.com/a-essam23/go-relay/pkg/config"
	"github.com/a-essam23/go-relay/pkg/logging"
	"golang.org/x/sync/errgroup"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo, "text")
	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.New(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	var lookups collab.Lookups
	if cfg.Directory.SQLitePath != "" {
		store, err := sqlitedir.Open(cfg.Directory.SQLitePath, cfg.Directory.OpenAccess)
		if err != nil {
			return err
		}
		defer store.Close()
		lookups = collab.LookupsFrom(store)
		logger.Info("Directory backed by SQLite", slog.String("path", cfg.Directory.SQLitePath))
	} else {
		lookups = collab.LookupsFrom(collab.NewDirectory(cfg.Directory.OpenAccess))
		logger.Warn("Directory is in memory; bans, blocks and communities start empty")
	}

	sessions, err := jwtsession.New(logger, jwtsession.Options{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	app := server.NewApp(logger, ctx, cfg, server.Deps{Sessions: sessions, Lookups: lookups})

	if cfg.Ingest.NATSURL != "" {
		bridge, err := ingest.Connect(logger, cfg.Ingest.NATSURL, cfg.Ingest.SubjectPrefix, app.Engine())
		if err != nil {
			return err
		}
		if err := bridge.Start(); err != nil {
			_ = bridge.Close()
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			return bridge.Close()
		})
	}

	g.Go(app.Run)
	return g.Wait()
}
