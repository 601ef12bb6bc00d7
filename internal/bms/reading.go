package bms

import (
	"context"
	"fmt"
	"time"

	"github.com/jonamat/daly-bms-bt/internal/protocol"
)

// Reading is one SOC plus cell voltage sample. It is immutable: build it
// with NewReading and read it through its accessors.
type Reading struct {
	socPercent   float64
	cellVoltages []float64
	packVoltage  float64
	current      float64
	timestamp    time.Time
}

// NewReading validates and freezes a sample. The timestamp is stored in UTC.
func NewReading(soc protocol.SOC, cellVoltages []float64, at time.Time) (Reading, error) {
	if soc.Percent < 0 || soc.Percent > 100 {
		return Reading{}, fmt.Errorf("reading: soc %.1f%% out of range", soc.Percent)
	}
	if len(cellVoltages) == 0 {
		return Reading{}, fmt.Errorf("reading: no cell voltages")
	}
	for i, v := range cellVoltages {
		if v <= 0 {
			return Reading{}, fmt.Errorf("reading: cell %d voltage %.3f V invalid", i+1, v)
		}
	}
	if at.IsZero() {
		return Reading{}, fmt.Errorf("reading: missing timestamp")
	}
	return Reading{
		socPercent:   soc.Percent,
		cellVoltages: append([]float64(nil), cellVoltages...),
		packVoltage:  soc.PackVoltage,
		current:      soc.Current,
		timestamp:    at.UTC(),
	}, nil
}

func (r Reading) SOCPercent() float64  { return r.socPercent }
func (r Reading) PackVoltage() float64 { return r.packVoltage }

// Current is in amps, positive while charging.
func (r Reading) Current() float64 { return r.current }

func (r Reading) Timestamp() time.Time { return r.timestamp }

// CellVoltages returns a copy of the cell voltages, index = cell number - 1.
func (r Reading) CellVoltages() []float64 {
	return append([]float64(nil), r.cellVoltages...)
}

func (r Reading) String() string {
	return fmt.Sprintf("soc=%.1f%% pack=%.1fV current=%.1fA cells=%v at=%s",
		r.socPercent, r.packVoltage, r.current, r.cellVoltages, r.timestamp.Format(time.RFC3339))
}

// ReadSample queries SOC then cell voltages and assembles a Reading.
func (c *Client) ReadSample(ctx context.Context, now func() time.Time) (Reading, error) {
	soc, err := c.GetSOC(ctx)
	if err != nil {
		return Reading{}, err
	}
	cells, err := c.GetCellVoltages(ctx)
	if err != nil {
		return Reading{}, err
	}
	return NewReading(*soc, cells, now())
}
