package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jonamat/daly-bms-bt/internal/bms"
)

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("want on or off, got %q", s)
}

// withClient opens one session for a write command.
func withClient(cmd *cobra.Command, a *app, opts *rootOptions, fn func(ctx context.Context, c *bms.Client) error) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if err := cfg.ValidateLink(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	dialer, addr, err := a.dial(cfg, log)
	if err != nil {
		return err
	}
	client, err := bms.Connect(cmd.Context(), dialer, a.clientOptions(addr), log)
	if err != nil {
		return err
	}
	defer client.Disconnect()
	return fn(cmd.Context(), client)
}

func newSetCmd(a *app, opts *rootOptions) *cobra.Command {
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Change BMS state",
	}

	setCmd.AddCommand(
		&cobra.Command{
			Use:   "soc <percent>",
			Short: "Set the state of charge (0-100)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				percent, err := strconv.ParseFloat(args[0], 64)
				if err != nil || percent < 0 || percent > 100 {
					return fmt.Errorf("soc must be a number between 0 and 100, got %q", args[0])
				}
				return withClient(cmd, a, opts, func(ctx context.Context, c *bms.Client) error {
					return c.SetSOC(ctx, percent)
				})
			},
		},
		&cobra.Command{
			Use:   "charge-mosfet <on|off>",
			Short: "Switch the charge MOSFET",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				on, err := parseOnOff(args[0])
				if err != nil {
					return err
				}
				return withClient(cmd, a, opts, func(ctx context.Context, c *bms.Client) error {
					return c.SetChargeMosfet(ctx, on)
				})
			},
		},
		&cobra.Command{
			Use:   "discharge-mosfet <on|off>",
			Short: "Switch the discharge MOSFET",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				on, err := parseOnOff(args[0])
				if err != nil {
					return err
				}
				return withClient(cmd, a, opts, func(ctx context.Context, c *bms.Client) error {
					return c.SetDischargeMosfet(ctx, on)
				})
			},
		},
		&cobra.Command{
			Use:   "restart",
			Short: "Restart the BMS",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withClient(cmd, a, opts, func(ctx context.Context, c *bms.Client) error {
					return c.Restart(ctx)
				})
			},
		},
	)
	return setCmd
}
