// Package cli wires the command-line entry points: one-shot URL resolution
// and the HTTP server.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vidbridge/internal/config"
	"vidbridge/internal/downloader"
	"vidbridge/internal/extractor"
	"vidbridge/internal/strategy"
	"vidbridge/internal/util"
	"vidbridge/internal/validator"
	"vidbridge/internal/version"
)

var (
	cfgFile  string
	asJSON   bool
	download bool
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:     "vidbridge [url]",
	Short:   "Resolve video page URLs into playable streams or downloadable files",
	Version: version.Version,
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return runResolve(args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.Flags().BoolVar(&asJSON, "json", false, "print the extraction result as JSON")
	rootCmd.Flags().BoolVarP(&download, "download", "d", false, "download the video into the current directory")
	rootCmd.AddCommand(serveCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

func setupLogging() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}
}

// runResolve is the one-shot path: classify, extract, and either print the
// candidates or download the page's media into the working directory.
func runResolve(rawURL string) error {
	setupLogging()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg.Version = version.Version

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	prof := strategy.Classify(rawURL)

	if download {
		return runDownload(ctx, cfg, rawURL, prof)
	}

	ex, err := extractor.New(cfg).Extract(ctx, rawURL, prof)
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ex)
	}

	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	faint := color.New(color.Faint)

	bold.Println(ex.Title)
	if ex.Uploader != "" {
		faint.Printf("  by %s\n", ex.Uploader)
	}
	if ex.Duration > 0 {
		faint.Printf("  %s\n", (time.Duration(ex.Duration) * time.Second).String())
	}
	fmt.Println()
	for i, f := range ex.Formats {
		marker := "   "
		if f.URL == ex.Best.URL {
			marker = green.Sprint(" * ")
		}
		fmt.Printf("%s[%d] %dp %-5s %s\n", marker, i, f.Height, f.Ext, sizeLabel(f.Filesize))
	}
	fmt.Println()
	green.Println(ex.BestURL())

	res := validator.New(cfg).Validate(ctx, ex.BestURL())
	if !res.Valid {
		color.New(color.FgYellow).Printf("warning: best candidate failed validation: %s\n", res.Reason)
	}
	return nil
}

func runDownload(ctx context.Context, cfg config.Config, rawURL string, prof strategy.Profile) error {
	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	fmt.Printf("Downloading %s ...\n", rawURL)

	path, err := downloader.New(cfg).Download(ctx, rawURL, prof, dir)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("Saved %s (%s)\n", path, util.ReadableSize(info.Size()))
	return nil
}

func sizeLabel(n int64) string {
	if n <= 0 {
		return ""
	}
	return util.ReadableSize(n)
}
