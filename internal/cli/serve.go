package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vidbridge/internal/config"
	"vidbridge/internal/downloader"
	"vidbridge/internal/extractor"
	"vidbridge/internal/pipeline"
	"vidbridge/internal/scraper"
	"vidbridge/internal/server"
	"vidbridge/internal/status"
	"vidbridge/internal/validator"
	"vidbridge/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP acquisition service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg.Version = version.Version

	if err := os.MkdirAll(cfg.DownloadRoot, 0o755); err != nil {
		return err
	}

	history, err := server.OpenHistory(cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer history.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store := status.NewStore()
	pipe := pipeline.New(
		extractor.New(cfg),
		validator.New(cfg),
		scraper.New(cfg),
		downloader.New(cfg),
		store,
		history,
	)
	pool := server.NewPool(ctx, cfg.MaxWorkers, cfg.MaxWorkers*4)

	logrus.WithFields(logrus.Fields{
		"version": version.Version,
		"workers": cfg.MaxWorkers,
	}).Info("starting vidbridge")

	return server.New(cfg, pipe, store, history, pool).Run(ctx)
}
