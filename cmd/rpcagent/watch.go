package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchFlags struct {
	report time.Duration
}

var watchCmd = &cobra.Command{
	Use:   "watch SERVICE...",
	Short: "Keep connection pools to every instance of the given services",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		a, err := newAgent(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		for _, service := range args {
			if err := a.client.Watch(ctx, service); err != nil {
				return err
			}
			logger.Info("watching", zap.String("service", service))
		}

		ticker := time.NewTicker(watchFlags.report)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				return nil
			case <-ticker.C:
				report(a, args)
			}
		}
	},
}

func report(a *agent, services []string) {
	for _, service := range services {
		eps := a.client.Endpoints(service)
		a.logger.Info("status",
			zap.String("service", service),
			zap.Strings("endpoints", eps),
			zap.Int("available", len(a.registry.AvailablePools(eps))))
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().DurationVar(&watchFlags.report, "report", 30*time.Second,
		"Interval between status log lines.")
}
