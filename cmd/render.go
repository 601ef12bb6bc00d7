package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/jonamat/daly-bms-bt/internal/ble"
	"github.com/jonamat/daly-bms-bt/internal/bms"
)

type styles struct {
	title   lipgloss.Style
	header  lipgloss.Style
	section lipgloss.Style
	key     lipgloss.Style
	value   lipgloss.Style
	warning lipgloss.Style
	empty   lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:   lipgloss.NewStyle().Bold(true),
		header:  lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		section: lipgloss.NewStyle().MarginTop(1).Bold(true).Foreground(lipgloss.Color("39")),
		key:     lipgloss.NewStyle().Foreground(lipgloss.Color("250")),
		value:   lipgloss.NewStyle().Foreground(lipgloss.Color("159")),
		warning: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		empty:   lipgloss.NewStyle().Faint(true),
	}
}

func (s styles) row(key string, format string, args ...any) string {
	return lipgloss.JoinHorizontal(lipgloss.Top,
		s.key.Render(fmt.Sprintf("%-22s", key)),
		s.value.Render(fmt.Sprintf(format, args...)),
	)
}

func socColor(percent float64) lipgloss.Color {
	switch {
	case percent < 20:
		return lipgloss.Color("203")
	case percent < 50:
		return lipgloss.Color("221")
	}
	return lipgloss.Color("114")
}

func formatCells(cells []float64) string {
	parts := make([]string, len(cells))
	for i, v := range cells {
		parts[i] = fmt.Sprintf("%d:%.3f", i+1, v)
	}
	return strings.Join(parts, " ")
}

func renderDump(device string, data *bms.AllData, st dumpSettings, s styles) string {
	socStyle := lipgloss.NewStyle().Bold(true).Foreground(socColor(data.SOC.Percent))
	lines := []string{
		s.title.Render("Daly BMS"),
		s.header.Render(device),
		s.section.Render("State"),
		lipgloss.JoinHorizontal(lipgloss.Top, s.key.Render(fmt.Sprintf("%-22s", "SOC")), socStyle.Render(fmt.Sprintf("%.1f%%", data.SOC.Percent))),
		s.row("Pack voltage", "%.1f V", data.SOC.PackVoltage),
		s.row("Current", "%.1f A", data.SOC.Current),
		s.row("Mode", "%s", data.MosfetStatus.Mode),
		s.row("Charge MOSFET", "%t", data.MosfetStatus.ChargeMosfet),
		s.row("Discharge MOSFET", "%t", data.MosfetStatus.DischargeMosfet),
		s.row("Remaining capacity", "%.3f Ah", data.MosfetStatus.CapacityAh),
		s.row("Cycles", "%d", data.Status.Cycles),
		s.row("Charger running", "%t", data.Status.ChargerRunning),
		s.row("Load running", "%t", data.Status.LoadRunning),
		s.section.Render("Cells"),
		s.row("Voltages (V)", "%s", formatCells(data.CellVoltages)),
		s.row("Highest", "%.3f V (cell %d)", data.CellVoltageRange.HighestVoltage, data.CellVoltageRange.HighestCell),
		s.row("Lowest", "%.3f V (cell %d)", data.CellVoltageRange.LowestVoltage, data.CellVoltageRange.LowestCell),
		s.row("Balancing", "%s", formatBalancing(data.BalancingStatus)),
		s.section.Render("Temperatures"),
		s.row("Sensors (°C)", "%v", data.Temperatures),
		s.row("Highest", "%.0f °C (sensor %d)", data.TemperatureRange.HighestTemperature, data.TemperatureRange.HighestSensor),
		s.row("Lowest", "%.0f °C (sensor %d)", data.TemperatureRange.LowestTemperature, data.TemperatureRange.LowestSensor),
		s.section.Render("Faults"),
	}
	if len(data.Errors) == 0 {
		lines = append(lines, s.empty.Render("none"))
	}
	for _, e := range data.Errors {
		lines = append(lines, s.warning.Render(e))
	}

	lines = append(lines, s.section.Render("Settings"))
	settings := st.rows(s)
	if len(settings) == 0 {
		lines = append(lines, s.empty.Render("not reported"))
	}
	lines = append(lines, settings...)
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func formatBalancing(m map[int]bool) string {
	var active []int
	for cell, on := range m {
		if on {
			active = append(active, cell)
		}
	}
	if len(active) == 0 {
		return "idle"
	}
	sort.Ints(active)
	return fmt.Sprintf("cells %v", active)
}

func renderReadings(readings []bms.Reading, s styles) string {
	lines := []string{
		s.title.Render("Latest readings"),
		s.header.Render(fmt.Sprintf("readings: %d", len(readings))),
	}
	if len(readings) == 0 {
		lines = append(lines, s.empty.Render("No readings stored."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}
	for _, r := range readings {
		socStyle := lipgloss.NewStyle().Foreground(socColor(r.SOCPercent()))
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top,
			s.key.Render(r.Timestamp().Local().Format(time.DateTime)),
			"  ",
			socStyle.Render(fmt.Sprintf("%5.1f%%", r.SOCPercent())),
			"  ",
			s.value.Render(fmt.Sprintf("%5.1f V %6.1f A", r.PackVoltage(), r.Current())),
			"  ",
			s.header.Render(formatCells(r.CellVoltages())),
		))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderDevices(devices []ble.Device, s styles) string {
	lines := []string{
		s.title.Render("Bluetooth devices"),
		s.header.Render(fmt.Sprintf("found: %d", len(devices))),
	}
	if len(devices) == 0 {
		lines = append(lines, s.empty.Render("No devices found."))
	}
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top,
			s.value.Render(d.MAC),
			"  ",
			s.key.Render(fmt.Sprintf("%4d dBm", d.RSSI)),
			"  ",
			name,
		))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
