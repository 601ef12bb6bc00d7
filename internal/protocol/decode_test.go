package protocol

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSOC(t *testing.T) {
	// 53.3 V, 2.5 A charging, 72.0 %
	raw := response(CmdSOC, 0x02, 0x15, 0x00, 0x00, 0x75, 0x17, 0x02, 0xD0)

	frag, err := DecodeResponse(raw)
	require.NoError(t, err)
	soc, ok := frag.(SOC)
	require.True(t, ok, "got %T", frag)
	assert.Equal(t, 72.0, soc.Percent)
	assert.InDelta(t, 53.3, soc.PackVoltage, 1e-9)
	assert.InDelta(t, 2.5, soc.Current, 1e-9)
}

func TestDecodeSOCRawValue(t *testing.T) {
	// 0x02D0 tenths of a percent
	raw := response(CmdSOC, 0, 0, 0, 0, 0x75, 0x30, 0x02, 0xD0)

	frag, err := DecodeResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, 72.0, frag.(SOC).Percent)
	assert.Equal(t, 0.0, frag.(SOC).Current)
}

func TestDecodeBareSOCFieldIsNotAFrame(t *testing.T) {
	raw := []byte{0x01, 0x03, 0x02, 0xD0}
	raw = append(raw, Checksum(raw))

	frag, err := DecodeResponse(raw)
	assert.Nil(t, frag)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeSOCDischargeIsNegative(t *testing.T) {
	// raw current 30123 => 12.3 A leaving the pack
	raw := response(CmdSOC, 0x02, 0x0A, 0, 0, 0x75, 0xAB, 0x01, 0xF4)

	frag, err := DecodeResponse(raw)
	require.NoError(t, err)
	assert.InDelta(t, -12.3, frag.(SOC).Current, 1e-9)
	assert.Equal(t, 50.0, frag.(SOC).Percent)
}

func TestDecodeSOCOutOfRange(t *testing.T) {
	// 100.1 %
	raw := response(CmdSOC, 0, 0, 0, 0, 0x75, 0x30, 0x03, 0xE9)

	_, err := DecodeResponse(raw)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeCorruptedNeverReturnsFragment(t *testing.T) {
	valid := response(CmdSOC, 0x02, 0x15, 0x00, 0x00, 0x75, 0x17, 0x02, 0xD0)
	for pos := 0; pos < FrameLength; pos++ {
		for _, mask := range []byte{0x01, 0x80, 0xFF} {
			raw := append([]byte(nil), valid...)
			raw[pos] ^= mask

			frag, err := DecodeResponse(raw)
			assert.Nil(t, frag, "byte %d ^ %#02x", pos, mask)
			var de *DecodeError
			if assert.ErrorAs(t, err, &de, "byte %d ^ %#02x", pos, mask) {
				assert.Equal(t, Malformed, de.Kind, "byte %d ^ %#02x", pos, mask)
			}
		}
	}
}

func TestDecodeUnknownCommand(t *testing.T) {
	raw := response(Command(0x42), 1, 2, 3)

	frag, err := DecodeResponse(raw)
	assert.Nil(t, frag)
	assert.ErrorIs(t, err, ErrUnknownCommand)
	assert.NotErrorIs(t, err, ErrMalformed)
}

func TestDecodeCellVoltageFrame(t *testing.T) {
	raw := response(CmdCellVoltages, 2, 0x0C, 0xE4, 0x0C, 0xE5, 0x00, 0x00)

	frag, err := DecodeResponse(raw)
	require.NoError(t, err)
	cf := frag.(CellVoltageFrame)
	assert.Equal(t, 2, cf.Index)
	assert.Equal(t, [CellsPerFrame]int16{3300, 3301, 0}, cf.Millivolts)

	_, err = DecodeResponse(response(CmdCellVoltages, 0, 0x0C, 0xE4))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeStatus(t *testing.T) {
	// 8 cells, 2 sensors, charger on, load off, DI1 and DO1, 113 cycles
	raw := response(CmdStatus, 8, 2, 1, 0, 0x11, 0x00, 0x71, 0x00)

	frag, err := DecodeResponse(raw)
	require.NoError(t, err)
	st := frag.(Status)
	assert.Equal(t, 8, st.Cells)
	assert.Equal(t, 2, st.TemperatureSensors)
	assert.True(t, st.ChargerRunning)
	assert.False(t, st.LoadRunning)
	assert.True(t, st.States["DI1"])
	assert.True(t, st.States["DO1"])
	assert.False(t, st.States["DI2"])
	assert.Equal(t, 113, st.Cycles)
}

func TestDecodeRanges(t *testing.T) {
	frag, err := DecodeResponse(response(CmdCellVoltageRange, 0x0D, 0x05, 3, 0x0C, 0xE4, 7))
	require.NoError(t, err)
	assert.Equal(t, CellVoltageRange{HighestVoltage: 3.333, HighestCell: 3, LowestVoltage: 3.3, LowestCell: 7}, frag)

	frag, err = DecodeResponse(response(CmdTemperatureRange, 65, 1, 60, 2))
	require.NoError(t, err)
	assert.Equal(t, TemperatureRange{HighestTemperature: 25, HighestSensor: 1, LowestTemperature: 20, LowestSensor: 2}, frag)
}

func TestDecodeMosfetStatus(t *testing.T) {
	// mode 2, both MOSFETs on, 5 cycles, 100000 mAh
	frag, err := DecodeResponse(response(CmdMosfetStatus, 2, 1, 1, 5, 0x00, 0x01, 0x86, 0xA0))
	require.NoError(t, err)
	assert.Equal(t, MosfetStatus{
		Mode:            "discharging",
		ChargeMosfet:    true,
		DischargeMosfet: true,
		BMSCycles:       5,
		CapacityAh:      100,
	}, frag)
}

func TestDecodeTemperatureFrame(t *testing.T) {
	frag, err := DecodeResponse(response(CmdTemperatures, 1, 62, 63, 40, 0, 0, 0, 0))
	require.NoError(t, err)
	tf := frag.(TemperatureFrame)
	assert.Equal(t, 1, tf.Index)
	assert.Equal(t, 22, tf.Celsius[0])
	assert.Equal(t, 23, tf.Celsius[1])
	assert.Equal(t, 0, tf.Celsius[2])
}

func TestBalancingBits(t *testing.T) {
	frag, err := DecodeResponse(response(CmdBalancingStatus, 0, 0, 0, 0, 0, 0, 0, 0x05))
	require.NoError(t, err)
	cells := frag.(BalancingBits).Cells(4)
	assert.Equal(t, map[int]bool{1: true, 2: false, 3: true, 4: false}, cells)
}

func TestFaultMessages(t *testing.T) {
	frag, err := DecodeResponse(response(CmdErrors, 0x01, 0, 0x80, 0, 0, 0, 0x10, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"cell voltage is too high level one alarm",
		"SOC is too low level two alarm",
		"unknown fault at byte=6 bit=4",
	}, frag.(FaultBits).Messages())

	assert.Empty(t, FaultBits{}.Messages())
}

func TestDecodeSettings(t *testing.T) {
	frag, err := DecodeResponse(response(CmdRatedNominals, 0x00, 0x01, 0x86, 0xA0, 0, 0, 0x0C, 0x80))
	require.NoError(t, err)
	assert.Equal(t, RatedNominals{CapacityAh: 100, CellVoltage: 3.2}, frag)

	frag, err = DecodeResponse(response(CmdPackAlarmVoltages, 0x02, 0x3A, 0x02, 0x44, 0x01, 0x90, 0x01, 0x86))
	require.NoError(t, err)
	assert.Equal(t, AlarmVoltages{Cmd: CmdPackAlarmVoltages, Alarm1Max: 57, Alarm2Max: 58, Alarm1Min: 40, Alarm2Min: 39}, frag)

	// 100 A charge, 150 A load
	frag, err = DecodeResponse(response(CmdCurrentAlarms, 0x71, 0x48, 0x71, 0x48, 0x7B, 0x0C, 0x7B, 0x0C))
	require.NoError(t, err)
	assert.Equal(t, CurrentAlarms{Alarm1Charge: 100, Alarm2Charge: 100, Alarm1Load: 150, Alarm2Load: 150}, frag)
}

func TestVersion(t *testing.T) {
	first, err := DecodeResponse(response(CmdSoftwareVersion, 1, '2', '0', '2', '1', '0', '1', '0'))
	require.NoError(t, err)
	second, err := DecodeResponse(response(CmdSoftwareVersion, 2, '5', '-', 'V', '1', 0, 0, 0))
	require.NoError(t, err)

	v, err := Version([]VersionFrame{second.(VersionFrame), first.(VersionFrame)})
	require.NoError(t, err)
	assert.Equal(t, "20210105-V1", v)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		volts   float64
		current float64
		percent float64
	}{
		{"empty pack", 0, 0, 0},
		{"charging", 53.3, 2.5, 72},
		{"full", 58.4, 0.1, 100},
		{"heavy load", 48.0, -150.5, 50.5},
		{"max charge", 12.0, 300.0, 0.1},
		{"low", 10.2, -0.3, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := make([]byte, PayloadLength)
			binary.BigEndian.PutUint16(payload[0:], uint16(math.Round(tt.volts*voltageScale)))
			binary.BigEndian.PutUint16(payload[4:], uint16(currentOffset-int(math.Round(tt.current*currentScale))))
			binary.BigEndian.PutUint16(payload[6:], uint16(math.Round(tt.percent*socScale)))
			f, err := Encode(Address(ResponseAddress), CmdSOC, payload)
			require.NoError(t, err)

			frag, err := DecodeResponse(f.Bytes())
			require.NoError(t, err)
			soc := frag.(SOC)
			assert.InDelta(t, tt.volts, soc.PackVoltage, 1e-9)
			assert.InDelta(t, tt.current, soc.Current, 1e-9)
			assert.InDelta(t, tt.percent, soc.Percent, 1e-9)
		})
	}
}
