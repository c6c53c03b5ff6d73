package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrator/internal/api"
	"github.com/jackzampolin/narrator/internal/config"
	"github.com/jackzampolin/narrator/internal/dispatch"
	"github.com/jackzampolin/narrator/internal/logging"
	"github.com/jackzampolin/narrator/internal/telemetry"
	"github.com/jackzampolin/narrator/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "narrator",
	Short: "Batch text-to-speech for paged books",
	Long: `Narrator turns the ordered pages of a book into audio.

Pages are flowed into continuous text, split into provider-sized chunks,
synthesized with bounded concurrency and retries, and reassembled into
per-page and whole-book audio. Progress is persisted so an interrupted
batch resumes where it stopped.

Providers:
  - ElevenLabs
  - OpenAI
  - Speechify
  - mock (offline, for dry runs)`,
	Version:      version.GitRelease,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.narrator/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "narrator home directory (default: ~/.narrator)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml, json or table",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}

// app bundles what serve and run share: config, logger and telemetry.
type app struct {
	cfgMgr  *config.Manager
	logger  *slog.Logger
	tel     *telemetry.Telemetry
	metrics *dispatch.Metrics
	closers []func() error
}

// setupApp loads config and builds the logger and meter provider.
func setupApp() (*app, error) {
	cfgMgr, err := config.NewManager(cfgFile, homeDir)
	if err != nil {
		return nil, err
	}
	cfg := cfgMgr.Get()

	logger, syncLog, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{cfgMgr: cfgMgr, logger: logger, closers: []func() error{syncLog}}

	tel, err := telemetry.Setup(cfg.Telemetry, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.tel = tel
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(ctx)
	})

	metrics, err := dispatch.NewMetrics(tel.Meter("narrator/dispatch"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.metrics = metrics

	if cfgMgr.ConfigFile() != "" {
		logger.Info("loaded config", "file", cfgMgr.ConfigFile())
	}
	return a, nil
}

// Close releases telemetry and flushes the logger, last opened first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
