package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vibestack/syncd/internal/metrics"
	"github.com/vibestack/syncd/internal/server"
	"github.com/vibestack/syncd/internal/sync"
	"github.com/vibestack/syncd/internal/tui"
)

var serveTUI bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync server",
	Long: `Serve starts the full syncd pipeline: the WAL ingestor tailing the
replication slot, the durable change history, and the WebSocket endpoint
streaming changes to clients. The replication slot is created on startup
if it does not exist.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		collector := metrics.NewCollector(logger)
		defer collector.Close()

		if serveTUI {
			// The dashboard owns the terminal; route logs into its panel.
			logger = zerolog.New(metrics.NewLogWriter(collector)).Level(logger.GetLevel()).With().Timestamp().Logger()
		}

		engine := sync.NewEngine(&cfg, collector, logger)
		if err := engine.Start(cmd.Context()); err != nil {
			return err
		}
		defer engine.Stop()

		srv := server.New(collector, &cfg, engine.Dispatcher, engine.History, engine.DB.Pool, logger)

		if serveTUI {
			srv.StartBackground(cmd.Context(), cfg.Server.Port)
			return tui.Run(collector)
		}
		return srv.Start(cmd.Context(), cfg.Server.Port)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveTUI, "tui", false, "Show terminal dashboard while serving")
	rootCmd.AddCommand(serveCmd)
}
