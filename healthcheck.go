package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/eddielth/gadgetbridge-mqtt/config"
	"github.com/eddielth/gadgetbridge-mqtt/health"
	"github.com/spf13/cobra"
)

var errUnhealthy = errors.New("unhealthy")

// newHealthcheckCommand only reads the liveness file; it never connects to
// the broker or opens the datastore.
func newHealthcheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Exit 0 when the last successful cycle is recent enough, 1 otherwise",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}

			threshold := cfg.Health.Staleness(cfg.Scheduler.Interval())
			result := health.NewProbe(cfg.Health.LivenessFile, threshold).Check(time.Now())
			if !result.Healthy {
				fmt.Fprintf(cmd.ErrOrStderr(), "unhealthy: %s\n", result.Reason)
				return errUnhealthy
			}

			fmt.Fprintf(cmd.OutOrStdout(), "healthy: last success %s ago (threshold %s)\n",
				result.Age.Truncate(time.Second), threshold)
			return nil
		},
	}
}
