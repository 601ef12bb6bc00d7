package bms

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jonamat/daly-bms-bt/internal/link"
	"github.com/jonamat/daly-bms-bt/internal/protocol"
)

// Get BMS status. The result is cached; cell and sensor counts size the
// multi-frame queries.
func (c *Client) GetStatus(ctx context.Context) (*protocol.Status, error) {
	status, err := single[protocol.Status](ctx, c, protocol.CmdStatus)
	if err != nil {
		return nil, err
	}
	c.latestStatus = status
	return status, nil
}

// status returns the cached status, querying it when missing.
func (c *Client) status(ctx context.Context) (*protocol.Status, error) {
	if c.latestStatus != nil {
		return c.latestStatus, nil
	}
	return c.GetStatus(ctx)
}

// Get State of Charge
func (c *Client) GetSOC(ctx context.Context) (*protocol.SOC, error) {
	return single[protocol.SOC](ctx, c, protocol.CmdSOC)
}

// Get highest/lowest cell voltages
func (c *Client) GetCellVoltageRange(ctx context.Context) (*protocol.CellVoltageRange, error) {
	return single[protocol.CellVoltageRange](ctx, c, protocol.CmdCellVoltageRange)
}

// Get overall highest/lowest temperature info
func (c *Client) GetTemperatureRange(ctx context.Context) (*protocol.TemperatureRange, error) {
	return single[protocol.TemperatureRange](ctx, c, protocol.CmdTemperatureRange)
}

// Get MOSFET charging/discharging status
func (c *Client) GetMosfetStatus(ctx context.Context) (*protocol.MosfetStatus, error) {
	return single[protocol.MosfetStatus](ctx, c, protocol.CmdMosfetStatus)
}

func framesFor(items, perFrame int) int {
	return (items + perFrame - 1) / perFrame
}

// GetCellVoltages returns every cell voltage in volts, index = cell number - 1.
// A reply missing any cell fails as a whole.
func (c *Client) GetCellVoltages(ctx context.Context) ([]float64, error) {
	status, err := c.status(ctx)
	if err != nil {
		return nil, err
	}
	cells := status.Cells
	if cells == 0 {
		return nil, fmt.Errorf("bms reports no cells")
	}

	var voltages []float64
	err = c.query(ctx, protocol.CmdCellVoltages, nil, framesFor(cells, protocol.CellsPerFrame), func(frags []protocol.Fragment) error {
		got := make([]float64, cells)
		seen := 0
		for _, frag := range frags {
			f, ok := frag.(protocol.CellVoltageFrame)
			if !ok {
				continue
			}
			for i, mv := range f.Millivolts {
				cell := (f.Index-1)*protocol.CellsPerFrame + i
				if cell >= cells || mv <= 0 || got[cell] != 0 {
					continue
				}
				got[cell] = float64(mv) / 1000.0
				seen++
			}
		}
		if seen != cells {
			return &protocol.DecodeError{Kind: protocol.Malformed, Command: protocol.CmdCellVoltages,
				Reason: fmt.Sprintf("got %d of %d cell voltages", seen, cells)}
		}
		voltages = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return voltages, nil
}

// GetTemperatures returns sensor temperatures in °C, index = sensor number - 1.
func (c *Client) GetTemperatures(ctx context.Context) ([]float64, error) {
	status, err := c.status(ctx)
	if err != nil {
		return nil, err
	}
	sensors := status.TemperatureSensors
	if sensors == 0 {
		return []float64{}, nil
	}

	var temperatures []float64
	err = c.query(ctx, protocol.CmdTemperatures, nil, framesFor(sensors, protocol.TemperaturesPerFrame), func(frags []protocol.Fragment) error {
		got := make([]float64, sensors)
		filled := make([]bool, sensors)
		seen := 0
		for _, frag := range frags {
			f, ok := frag.(protocol.TemperatureFrame)
			if !ok {
				continue
			}
			for i, celsius := range f.Celsius {
				sensor := (f.Index-1)*protocol.TemperaturesPerFrame + i
				if sensor >= sensors || filled[sensor] {
					continue
				}
				got[sensor] = float64(celsius)
				filled[sensor] = true
				seen++
			}
		}
		if seen != sensors {
			return &protocol.DecodeError{Kind: protocol.Malformed, Command: protocol.CmdTemperatures,
				Reason: fmt.Sprintf("got %d of %d temperatures", seen, sensors)}
		}
		temperatures = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return temperatures, nil
}

// Get cell balancing (on/off) for each cell in a map[cellNumber] = isBalancing
func (c *Client) GetBalancingStatus(ctx context.Context) (map[int]bool, error) {
	status, err := c.status(ctx)
	if err != nil {
		return nil, err
	}
	bits, err := single[protocol.BalancingBits](ctx, c, protocol.CmdBalancingStatus)
	if err != nil {
		return nil, err
	}
	return bits.Cells(status.Cells), nil
}

// Get errors from the BMS. An empty slice means no active fault.
func (c *Client) GetErrors(ctx context.Context) ([]string, error) {
	faults, err := single[protocol.FaultBits](ctx, c, protocol.CmdErrors)
	if err != nil {
		return nil, err
	}
	messages := faults.Messages()
	if messages == nil {
		messages = []string{}
	}
	return messages, nil
}

func (c *Client) GetRatedNominals(ctx context.Context) (*protocol.RatedNominals, error) {
	return single[protocol.RatedNominals](ctx, c, protocol.CmdRatedNominals)
}

// GetAlarmVoltages reads the cell alarm thresholds, or the pack thresholds
// when pack is true.
func (c *Client) GetAlarmVoltages(ctx context.Context, pack bool) (*protocol.AlarmVoltages, error) {
	cmd := protocol.CmdCellAlarmVoltages
	if pack {
		cmd = protocol.CmdPackAlarmVoltages
	}
	return single[protocol.AlarmVoltages](ctx, c, cmd)
}

func (c *Client) GetCurrentAlarms(ctx context.Context) (*protocol.CurrentAlarms, error) {
	return single[protocol.CurrentAlarms](ctx, c, protocol.CmdCurrentAlarms)
}

func (c *Client) GetDiffAlarms(ctx context.Context) (*protocol.DiffAlarms, error) {
	return single[protocol.DiffAlarms](ctx, c, protocol.CmdDiffAlarms)
}

func (c *Client) GetBalanceSettings(ctx context.Context) (*protocol.BalanceSettings, error) {
	return single[protocol.BalanceSettings](ctx, c, protocol.CmdBalanceSettings)
}

func (c *Client) GetShortCircuitSettings(ctx context.Context) (*protocol.ShortCircuitSettings, error) {
	return single[protocol.ShortCircuitSettings](ctx, c, protocol.CmdShortCircuit)
}

// GetVersion reads the software version string, or the hardware version
// when hardware is true.
func (c *Client) GetVersion(ctx context.Context, hardware bool) (string, error) {
	cmd := protocol.CmdSoftwareVersion
	if hardware {
		cmd = protocol.CmdHardwareVersion
	}
	var version string
	err := c.query(ctx, cmd, nil, 2, func(frags []protocol.Fragment) error {
		parts := make([]protocol.VersionFrame, 0, len(frags))
		for _, frag := range frags {
			if v, ok := frag.(protocol.VersionFrame); ok {
				parts = append(parts, v)
			}
		}
		v, err := protocol.Version(parts)
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	return version, err
}

type AllData struct {
	SOC              *protocol.SOC
	CellVoltageRange *protocol.CellVoltageRange
	TemperatureRange *protocol.TemperatureRange
	MosfetStatus     *protocol.MosfetStatus
	Status           *protocol.Status
	CellVoltages     []float64
	Temperatures     []float64
	BalancingStatus  map[int]bool
	Errors           []string
}

// Get all data in one call
func (c *Client) GetAllData(ctx context.Context) (*AllData, error) {
	var (
		data AllData
		err  error
	)
	if data.SOC, err = c.GetSOC(ctx); err != nil {
		return nil, err
	}
	if data.CellVoltageRange, err = c.GetCellVoltageRange(ctx); err != nil {
		return nil, err
	}
	if data.TemperatureRange, err = c.GetTemperatureRange(ctx); err != nil {
		return nil, err
	}
	if data.MosfetStatus, err = c.GetMosfetStatus(ctx); err != nil {
		return nil, err
	}
	if data.Status, err = c.GetStatus(ctx); err != nil {
		return nil, err
	}
	if data.CellVoltages, err = c.GetCellVoltages(ctx); err != nil {
		return nil, err
	}
	if data.Temperatures, err = c.GetTemperatures(ctx); err != nil {
		return nil, err
	}
	if data.BalancingStatus, err = c.GetBalancingStatus(ctx); err != nil {
		return nil, err
	}
	if data.Errors, err = c.GetErrors(ctx); err != nil {
		return nil, err
	}
	return &data, nil
}

func (c *Client) command(ctx context.Context, cmd protocol.Command, payload []byte) error {
	return c.query(ctx, cmd, payload, 1, func(frags []protocol.Fragment) error {
		c.log.Info("[BMS] command acknowledged", "cmd", cmd, "reply", fmt.Sprintf("%x", frags[0].(protocol.Ack).Payload))
		return nil
	})
}

func onOff(on bool) []byte {
	if on {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// SetChargeMosfet switches the charge MOSFET. When off, the BMS refuses charging.
func (c *Client) SetChargeMosfet(ctx context.Context, on bool) error {
	return c.command(ctx, protocol.CmdChargeMosfet, onOff(on))
}

// SetDischargeMosfet switches the discharge MOSFET. When off, the BMS refuses discharging.
func (c *Client) SetDischargeMosfet(ctx context.Context, on bool) error {
	return c.command(ctx, protocol.CmdDischargeMosfet, onOff(on))
}

// Set SoC percentage (0..100)
func (c *Client) SetSOC(ctx context.Context, percent float64) error {
	raw := int(percent * 10.0)
	if raw > 1000 {
		raw = 1000
	}
	if raw < 0 {
		raw = 0
	}
	payload := make([]byte, protocol.PayloadLength)
	binary.BigEndian.PutUint16(payload[6:], uint16(raw))
	return c.command(ctx, protocol.CmdSetSOC, payload)
}

// Restart device. The BMS usually reboots without replying, so a timeout
// counts as success.
func (c *Client) Restart(ctx context.Context) error {
	req := protocol.EncodeRequest(c.opts.Address, protocol.CmdRestart)
	_, err := c.session.Request(ctx, req, 1)
	if errors.Is(err, link.ErrTimeout) {
		c.log.Info("[BMS] restart sent, no reply")
		return nil
	}
	return err
}
