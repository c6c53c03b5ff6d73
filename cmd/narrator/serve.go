package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrator/internal/server"
)

var (
	serveHost   string
	servePort   string
	serveFFmpeg string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the narrator server",
	Long: `Start the narrator HTTP server.

The server opens the configured state store, audio storage and event
publisher, then accepts batches over HTTP. On shutdown (Ctrl+C or
SIGTERM) running batches are aborted and their progress is saved so
they can be resumed.

The server provides:
  - /health  - Basic server health check
  - /ready   - Readiness check (includes state store status)
  - /metrics - Prometheus metrics when telemetry is enabled

Examples:
  narrator serve                    # Start on the configured address
  narrator serve --port 3000        # Start on custom port
  narrator serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := setupApp()
		if err != nil {
			return err
		}
		defer a.Close()

		cfg := a.cfgMgr.Get()
		host, port := cfg.Server.Host, cfg.Server.Port
		if cmd.Flags().Changed("host") {
			host = serveHost
		}
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		srv, err := server.New(server.Config{
			Host:           host,
			Port:           port,
			ConfigManager:  a.cfgMgr,
			MetricsHandler: a.tel.Handler(),
			Metrics:        a.metrics,
			FFmpegPath:     serveFFmpeg,
			Logger:         a.logger,
		})
		if err != nil {
			return err
		}

		// Reload providers when the config file changes
		a.cfgMgr.WatchConfig()

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to (default from config)")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveFFmpeg, "ffmpeg", "", "Path to ffmpeg for joining compressed audio")

	rootCmd.AddCommand(serveCmd)
}
