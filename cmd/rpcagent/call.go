package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var callFlags struct {
	timeout time.Duration
}

var callCmd = &cobra.Command{
	Use:   "call SERVICE.METHOD [JSON_ARGS]",
	Short: "Issue a single call and print the JSON reply",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		service, _, ok := strings.Cut(args[0], ".")
		if !ok {
			return fmt.Errorf("invalid service method %q", args[0])
		}
		params := json.RawMessage("{}")
		if len(args) == 2 {
			params = json.RawMessage(args[1])
			if !json.Valid(params) {
				return fmt.Errorf("arguments are not valid JSON")
			}
		}

		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		a, err := newAgent(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), callFlags.timeout)
		defer cancel()
		if err := a.client.Watch(ctx, service); err != nil {
			return err
		}
		if err := a.waitReady(ctx, service); err != nil {
			return fmt.Errorf("no endpoint of %s became available: %w", service, err)
		}

		var reply json.RawMessage
		if err := a.client.Call(ctx, args[0], params, &reply); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(reply))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().DurationVar(&callFlags.timeout, "timeout", 10*time.Second,
		"Overall deadline for discovery, connecting and the call itself.")
}
