package main

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardend/warden/internal/api"
	"github.com/wardend/warden/internal/config"
	"github.com/wardend/warden/internal/logging"
	"github.com/wardend/warden/internal/metrics"
	"github.com/wardend/warden/internal/supervisor"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the warden supervisor daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, settings, warnings, err := config.Load(flagConfig)
		if err != nil {
			return err
		}

		logger := logging.New(logging.LogConfig{
			Level:  settings.LogLevel,
			Format: settings.LogFormat,
		})
		for _, w := range warnings {
			logger.Warn("config warning", "warning", w)
		}

		sup := supervisor.New(supervisor.Config{
			Tree:       tree,
			Settings:   settings,
			ConfigPath: flagConfig,
			Logger:     logger,
		})

		var metricsHandler http.Handler
		if settings.Metrics {
			collector := metrics.New()
			collector.Wire(sup.Bus())
			metricsHandler = collector.Handler()
		}

		srv := api.NewServer(api.Config{
			Socket:   settings.Socket,
			Username: settings.AuthUser,
			Password: settings.AuthPassword,
			Metrics:  metricsHandler,
		}, sup, logger)

		mode, err := strconv.ParseUint(settings.SocketMode, 8, 32)
		if err != nil {
			return err
		}
		if err := srv.Start(settings.Socket, os.FileMode(mode)); err != nil {
			return err
		}

		runErr := sup.Run()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			logger.Error("control server shutdown failed", "error", err)
		}

		return runErr
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
