package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type readingJSON struct {
	Timestamp    time.Time `json:"timestamp"`
	SOCPercent   float64   `json:"soc_percent"`
	PackVoltage  float64   `json:"pack_voltage"`
	Current      float64   `json:"current"`
	CellVoltages []float64 `json:"cell_voltages"`
}

func newLatestCmd(a *app, opts *rootOptions) *cobra.Command {
	var (
		count  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Show the most recent stored readings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if !cfg.Store.Enabled {
				return fmt.Errorf("database logging is disabled")
			}
			if err := cfg.ValidateStore(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			log, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}

			s, err := a.openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer s.Close()

			readings, err := s.Latest(cmd.Context(), count)
			if err != nil {
				return err
			}

			if asJSON {
				out := make([]readingJSON, 0, len(readings))
				for _, r := range readings {
					out = append(out, readingJSON{
						Timestamp:    r.Timestamp(),
						SOCPercent:   r.SOCPercent(),
						PackVoltage:  r.PackVoltage(),
						Current:      r.Current(),
						CellVoltages: r.CellVoltages(),
					})
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderReadings(readings, newStyles()))
			return err
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 10, "number of readings to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
