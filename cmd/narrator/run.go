package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrator/internal/api"
	"github.com/jackzampolin/narrator/internal/batch"
	"github.com/jackzampolin/narrator/internal/providers"
	"github.com/jackzampolin/narrator/internal/server"
	"github.com/jackzampolin/narrator/internal/server/endpoints"
)

var (
	runSource      endpoints.PageSource
	runBookID      string
	runResume      bool
	runResetFailed bool
	runFFmpeg      string
	runInterval    time.Duration
	runOverrides   batch.Overrides
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Synthesize a book in this process without a server",
	Long: `Run a batch to completion in the foreground.

Pages come from a JSON manifest (--manifest), a directory of numbered
.txt files (--pages-dir with --book) or an EPUB (--epub). Progress is written to the
configured state store, so an interrupted run can be continued with
--resume. Ctrl+C aborts the batch after in-flight calls finish.

Examples:
  narrator run --manifest book.json
  narrator run --pages-dir ./pages --book moby-dick --provider openai
  narrator run --epub walden.epub --voice nova
  narrator run --resume --book moby-dick --reset-failed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := setupApp()
		if err != nil {
			return err
		}
		defer a.Close()

		registry := providers.NewRegistryFromConfig(a.cfgMgr.Get().ToProviderRegistryConfig())
		registry.SetLogger(a.logger)

		services, closeFn, err := server.OpenServices(ctx, server.ServicesConfig{
			ConfigManager: a.cfgMgr,
			Registry:      registry,
			Metrics:       a.metrics,
			FFmpegPath:    runFFmpeg,
			Logger:        a.logger,
		})
		if err != nil {
			return err
		}
		defer closeFn()
		orch := services.Orchestrator

		var bookID string
		if runResume {
			if runBookID == "" {
				return fmt.Errorf("--book is required with --resume")
			}
			bookID = runBookID
			if _, err := orch.ResumeBatch(ctx, bookID, batch.ResumeOptions{ResetFailed: runResetFailed}); err != nil {
				return err
			}
		} else {
			req, err := endpoints.LoadStartRequest(runSource, runBookID)
			if err != nil {
				return err
			}
			bookID = req.BookID
			cfg := runOverrides.Apply(a.cfgMgr.Get().Defaults)
			if _, err := orch.StartBatch(ctx, bookID, req.Pages, cfg); err != nil {
				return err
			}
		}

		stop := reportProgress(ctx, cmd, orch, bookID, runInterval)
		waitErr := orch.Wait(ctx, bookID)
		stop()
		if waitErr != nil {
			a.logger.Info("interrupted, aborting batch", "book_id", bookID)
			_ = orch.AbortBatch(bookID)
			_ = orch.Wait(context.Background(), bookID)
		}

		progress, err := orch.GetProgress(context.WithoutCancel(ctx), bookID)
		if err != nil {
			return err
		}
		if err := api.Output(progress); err != nil {
			return err
		}
		if progress.ChunksFailed > 0 || progress.Error != "" {
			return fmt.Errorf("batch %s finished %s with %d failed chunks", bookID, progress.Status, progress.ChunksFailed)
		}
		return nil
	},
}

// reportProgress prints a progress line every interval until stopped.
func reportProgress(ctx context.Context, cmd *cobra.Command, orch *batch.Orchestrator, bookID string, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p, err := orch.GetProgress(ctx, bookID)
				if err != nil {
					continue
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: chunks %d/%d (%d failed), pages %d/%d\n",
					bookID, p.ChunksDone, p.ChunksTotal, p.ChunksFailed, p.PagesDone, p.PagesTotal)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func init() {
	runSource.AddFlags(runCmd)
	runCmd.Flags().StringVar(&runBookID, "book", "", "Book id (required with --pages-dir and --resume)")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Resume a stored batch instead of starting one")
	runCmd.Flags().BoolVar(&runResetFailed, "reset-failed", false, "With --resume, retry failed chunks with a fresh budget")
	runCmd.Flags().StringVar(&runFFmpeg, "ffmpeg", "", "Path to ffmpeg for joining compressed audio")
	runCmd.Flags().DurationVar(&runInterval, "interval", 5*time.Second, "Progress report interval (0 disables)")
	endpoints.AddOverrideFlags(runCmd, &runOverrides)

	rootCmd.AddCommand(runCmd)
}
