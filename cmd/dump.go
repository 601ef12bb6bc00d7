package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jonamat/daly-bms-bt/internal/bms"
	"github.com/jonamat/daly-bms-bt/internal/protocol"
)

// dumpSettings holds the configuration registers. Firmware that does not
// answer a register leaves its field nil.
type dumpSettings struct {
	SoftwareVersion string                         `json:"software_version,omitempty"`
	HardwareVersion string                         `json:"hardware_version,omitempty"`
	RatedNominals   *protocol.RatedNominals        `json:"rated_nominals,omitempty"`
	CellAlarms      *protocol.AlarmVoltages        `json:"cell_alarms,omitempty"`
	PackAlarms      *protocol.AlarmVoltages        `json:"pack_alarms,omitempty"`
	CurrentAlarms   *protocol.CurrentAlarms        `json:"current_alarms,omitempty"`
	DiffAlarms      *protocol.DiffAlarms           `json:"diff_alarms,omitempty"`
	Balance         *protocol.BalanceSettings      `json:"balance,omitempty"`
	ShortCircuit    *protocol.ShortCircuitSettings `json:"short_circuit,omitempty"`
}

func (d dumpSettings) rows(s styles) []string {
	var rows []string
	if d.SoftwareVersion != "" {
		rows = append(rows, s.row("Software version", "%s", d.SoftwareVersion))
	}
	if d.HardwareVersion != "" {
		rows = append(rows, s.row("Hardware version", "%s", d.HardwareVersion))
	}
	if r := d.RatedNominals; r != nil {
		rows = append(rows, s.row("Rated capacity", "%.3f Ah", r.CapacityAh), s.row("Nominal cell voltage", "%.3f V", r.CellVoltage))
	}
	if a := d.CellAlarms; a != nil {
		rows = append(rows, s.row("Cell alarms (V)", "max %.3f/%.3f min %.3f/%.3f", a.Alarm1Max, a.Alarm2Max, a.Alarm1Min, a.Alarm2Min))
	}
	if a := d.PackAlarms; a != nil {
		rows = append(rows, s.row("Pack alarms (V)", "max %.1f/%.1f min %.1f/%.1f", a.Alarm1Max, a.Alarm2Max, a.Alarm1Min, a.Alarm2Min))
	}
	if a := d.CurrentAlarms; a != nil {
		rows = append(rows, s.row("Current alarms (A)", "charge %.1f/%.1f load %.1f/%.1f", a.Alarm1Charge, a.Alarm2Charge, a.Alarm1Load, a.Alarm2Load))
	}
	if a := d.DiffAlarms; a != nil {
		rows = append(rows, s.row("Diff alarms", "cell %.3f/%.3f V temp %d/%d °C", a.Alarm1CellVoltageDiff, a.Alarm2CellVoltageDiff, a.Alarm1TemperatureDiff, a.Alarm2TemperatureDiff))
	}
	if b := d.Balance; b != nil {
		rows = append(rows, s.row("Balancing", "start %.3f V diff %.3f V", b.StartVoltage, b.AcceptableDiff))
	}
	if sc := d.ShortCircuit; sc != nil {
		rows = append(rows, s.row("Short circuit", "%d A, sampling %.3f mOhm", sc.ShutdownCurrent, sc.SamplingOhms))
	}
	return rows
}

// readSettings reads every configuration register, skipping the ones the
// firmware does not answer.
func readSettings(cmd *cobra.Command, c *bms.Client, log *slog.Logger) dumpSettings {
	ctx := cmd.Context()
	var st dumpSettings
	skip := func(what string, err error) bool {
		if err != nil {
			log.Debug("[BMS] register not available", "register", what, "error", err)
			return true
		}
		return false
	}

	if v, err := c.GetVersion(ctx, false); !skip("software version", err) {
		st.SoftwareVersion = v
	}
	if v, err := c.GetVersion(ctx, true); !skip("hardware version", err) {
		st.HardwareVersion = v
	}
	if v, err := c.GetRatedNominals(ctx); !skip("rated nominals", err) {
		st.RatedNominals = v
	}
	if v, err := c.GetAlarmVoltages(ctx, false); !skip("cell alarms", err) {
		st.CellAlarms = v
	}
	if v, err := c.GetAlarmVoltages(ctx, true); !skip("pack alarms", err) {
		st.PackAlarms = v
	}
	if v, err := c.GetCurrentAlarms(ctx); !skip("current alarms", err) {
		st.CurrentAlarms = v
	}
	if v, err := c.GetDiffAlarms(ctx); !skip("diff alarms", err) {
		st.DiffAlarms = v
	}
	if v, err := c.GetBalanceSettings(ctx); !skip("balance settings", err) {
		st.Balance = v
	}
	if v, err := c.GetShortCircuitSettings(ctx); !skip("short circuit", err) {
		st.ShortCircuit = v
	}
	return st
}

func newDumpCmd(a *app, opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Read and print every register group once",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			data, err := client.GetAllData(cmd.Context())
			if err != nil {
				return fmt.Errorf("read bms: %w", err)
			}
			settings := readSettings(cmd, client, log)

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					*bms.AllData
					Settings dumpSettings `json:"settings"`
				}{data, settings})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderDump(deviceName(cfg), data, settings, newStyles()))
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
