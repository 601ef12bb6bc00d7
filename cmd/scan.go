package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonamat/daly-bms-bt/internal/config"
)

func newScanCmd(a *app, opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List advertising Bluetooth devices to find the BMS address",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if err := config.ValidateAdapter(cfg.BLE.Adapter); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			log, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}

			devices, err := a.scan(cmd.Context(), cfg.BLE.Adapter, timeout, log)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderDevices(devices, newStyles()))
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to scan")
	return cmd
}
