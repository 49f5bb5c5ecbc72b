package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/G1D0/http-pipeline/internal/app"
	"github.com/G1D0/http-pipeline/internal/config"
	"github.com/G1D0/http-pipeline/internal/observe"
	"github.com/G1D0/http-pipeline/internal/server"
)

var serveFlags struct {
	watch    bool
	debounce time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pipeline server",
	Long: `Start the HTTP server. /healthz and /metrics are answered directly;
every other path goes through the pipeline.

With --watch the config file is reloaded when it changes and the new
pipeline replaces the old one without dropping requests. Listener settings
(server.addr, server.drain_timeout) only take effect on restart.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveFlags.watch, "watch", false, "reload the config file when it changes")
	serveCmd.Flags().DurationVar(&serveFlags.debounce, "debounce", 200*time.Millisecond, "wait this long after a change before reloading")
}

func runServe(cmd *cobra.Command, args []string) error {
	// A missing .env is normal.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level, _ := observe.ParseLevel(cfg.Log.Level)
	logger := observe.NewLogger(os.Stderr, level, cfg.Log.Format)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps := app.Deps{
		Logger:     logger,
		Metrics:    observe.NewMetrics(reg),
		RequestLog: os.Stdout,
		Limiters:   app.NewLimiters(),
	}

	swapper := app.NewSwapper(app.Build(cfg, deps))

	srv := server.New(server.Config{
		Addr:         cfg.Server.Addr,
		Handler:      server.NewMux(swapper, reg),
		DrainTimeout: cfg.Server.DrainTimeout,
		Logger:       logger,
	})

	if serveFlags.watch {
		if cfgFile == "" {
			return fmt.Errorf("--watch needs --config")
		}
		w, err := config.NewWatcher(cfgFile, serveFlags.debounce, logger, func(next *config.Config) {
			if err := swapper.Swap(app.Build(next, deps)); err != nil {
				logger.Warn("closing replaced pipeline", "error", err)
			}
		})
		if err != nil {
			return err
		}
		srv.RegisterCloser(w)
	}
	srv.RegisterCloser(swapper)
	srv.RegisterCloser(deps.Limiters)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}
