package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Scale factors of the Daly register layouts.
const (
	voltageScale    = 10.0   // 0.1 V
	currentScale    = 10.0   // 0.1 A
	socScale        = 10.0   // 0.1 %
	milliScale      = 1000.0 // mV, mAh, mOhm
	currentOffset   = 30000
	temperatureBias = 40

	CellsPerFrame        = 3
	TemperaturesPerFrame = 7
)

// Fragment is the decoded payload of a single response frame.
type Fragment interface {
	Command() Command
}

// SOC query
type SOC struct {
	PackVoltage float64
	// Current is positive while charging.
	Current float64
	Percent float64
}

func (SOC) Command() Command { return CmdSOC }

type CellVoltageRange struct {
	HighestVoltage float64
	HighestCell    int
	LowestVoltage  float64
	LowestCell     int
}

func (CellVoltageRange) Command() Command { return CmdCellVoltageRange }

type TemperatureRange struct {
	HighestTemperature float64
	HighestSensor      int
	LowestTemperature  float64
	LowestSensor       int
}

func (TemperatureRange) Command() Command { return CmdTemperatureRange }

type MosfetStatus struct {
	Mode            string
	ChargeMosfet    bool
	DischargeMosfet bool
	// BMSCycles is reported unreliably by some firmware.
	BMSCycles  int
	CapacityAh float64
}

func (MosfetStatus) Command() Command { return CmdMosfetStatus }

// Status is the BMS configuration summary. Cell and sensor counts drive
// the number of frames expected for multi-frame queries.
type Status struct {
	Cells              int
	TemperatureSensors int
	ChargerRunning     bool
	LoadRunning        bool
	States             map[string]bool
	Cycles             int
}

func (Status) Command() Command { return CmdStatus }

// CellVoltageFrame carries up to three cell voltages. Index is 1-based.
type CellVoltageFrame struct {
	Index      int
	Millivolts [CellsPerFrame]int16
}

func (CellVoltageFrame) Command() Command { return CmdCellVoltages }

// TemperatureFrame carries up to seven sensor temperatures. Index is 1-based.
type TemperatureFrame struct {
	Index   int
	Celsius [TemperaturesPerFrame]int
}

func (TemperatureFrame) Command() Command { return CmdTemperatures }

// BalancingBits holds one balancing flag per cell, cell 1 in the lowest bit.
type BalancingBits uint64

func (BalancingBits) Command() Command { return CmdBalancingStatus }

// Cells expands the bit field for the first n cells.
func (b BalancingBits) Cells(n int) map[int]bool {
	out := make(map[int]bool, n)
	for cell := 1; cell <= n && cell <= 64; cell++ {
		out[cell] = b&(1<<uint(cell-1)) != 0
	}
	return out
}

// FaultBits is the raw 0x98 fault bitmap.
type FaultBits [PayloadLength]byte

func (FaultBits) Command() Command { return CmdErrors }

type RatedNominals struct {
	CapacityAh  float64
	CellVoltage float64
}

func (RatedNominals) Command() Command { return CmdRatedNominals }

// AlarmVoltages is shared by the cell (0x59) and pack (0x5A) alarm queries.
type AlarmVoltages struct {
	Cmd       Command
	Alarm1Max float64
	Alarm2Max float64
	Alarm1Min float64
	Alarm2Min float64
}

func (a AlarmVoltages) Command() Command { return a.Cmd }

type CurrentAlarms struct {
	Alarm1Charge float64
	Alarm2Charge float64
	Alarm1Load   float64
	Alarm2Load   float64
}

func (CurrentAlarms) Command() Command { return CmdCurrentAlarms }

type DiffAlarms struct {
	Alarm1CellVoltageDiff float64
	Alarm2CellVoltageDiff float64
	Alarm1TemperatureDiff int
	Alarm2TemperatureDiff int
}

func (DiffAlarms) Command() Command { return CmdDiffAlarms }

type BalanceSettings struct {
	StartVoltage   float64
	AcceptableDiff float64
}

func (BalanceSettings) Command() Command { return CmdBalanceSettings }

type ShortCircuitSettings struct {
	ShutdownCurrent int
	SamplingOhms    float64
}

func (ShortCircuitSettings) Command() Command { return CmdShortCircuit }

// VersionFrame is one half of a version string reply.
type VersionFrame struct {
	Cmd   Command
	Index int
	Text  []byte
}

func (v VersionFrame) Command() Command { return v.Cmd }

// Ack is the reply to a write command. The payload layout is firmware
// specific and kept raw.
type Ack struct {
	Cmd     Command
	Payload [PayloadLength]byte
}

func (a Ack) Command() Command { return a.Cmd }

// DecodeResponse validates raw and decodes its payload according to the
// command byte.
func DecodeResponse(raw []byte) (Fragment, error) {
	f, err := ParseFrame(raw)
	if err != nil {
		return nil, err
	}
	return Decode(f)
}

// Decode decodes the payload of an already validated frame.
func Decode(f Frame) (Fragment, error) {
	p := f.Payload[:]
	switch f.Command {
	case CmdSOC:
		return decodeSOC(p)
	case CmdCellVoltageRange:
		return decodeCellVoltageRange(p)
	case CmdTemperatureRange:
		return decodeTemperatureRange(p)
	case CmdMosfetStatus:
		return decodeMosfetStatus(p)
	case CmdStatus:
		return decodeStatus(p)
	case CmdCellVoltages:
		return decodeCellVoltageFrame(p)
	case CmdTemperatures:
		return decodeTemperatureFrame(p)
	case CmdBalancingStatus:
		return BalancingBits(binary.BigEndian.Uint64(p)), nil
	case CmdErrors:
		return FaultBits(f.Payload), nil
	case CmdRatedNominals:
		return decodeRatedNominals(p)
	case CmdCellAlarmVoltages:
		return decodeAlarmVoltages(f.Command, p, milliScale)
	case CmdPackAlarmVoltages:
		return decodeAlarmVoltages(f.Command, p, voltageScale)
	case CmdCurrentAlarms:
		return decodeCurrentAlarms(p)
	case CmdDiffAlarms:
		return decodeDiffAlarms(p)
	case CmdBalanceSettings:
		return decodeBalanceSettings(p)
	case CmdShortCircuit:
		return decodeShortCircuit(p)
	case CmdSoftwareVersion, CmdHardwareVersion:
		return VersionFrame{Cmd: f.Command, Index: int(p[0]), Text: append([]byte(nil), p[1:]...)}, nil
	case CmdSetSOC, CmdChargeMosfet, CmdDischargeMosfet, CmdRestart:
		return Ack{Cmd: f.Command, Payload: f.Payload}, nil
	}
	return nil, &DecodeError{Kind: UnknownCommand, Command: f.Command, Reason: "no payload layout"}
}

func unpack(cmd Command, p []byte, raw any) error {
	if err := binary.Read(bytes.NewReader(p), binary.BigEndian, raw); err != nil {
		return malformed(cmd, "unpack payload: %v", err)
	}
	return nil
}

func decodeSOC(p []byte) (Fragment, error) {
	// >HHHH
	var raw struct {
		PackVoltage uint16
		Reserved    uint16
		Current     uint16
		Percent     uint16
	}
	if err := unpack(CmdSOC, p, &raw); err != nil {
		return nil, err
	}
	soc := SOC{
		PackVoltage: float64(raw.PackVoltage) / voltageScale,
		Current:     float64(currentOffset-int(raw.Current)) / currentScale,
		Percent:     float64(raw.Percent) / socScale,
	}
	if soc.Percent > 100 {
		return nil, malformed(CmdSOC, "soc %.1f%% out of range", soc.Percent)
	}
	return soc, nil
}

func decodeCellVoltageRange(p []byte) (Fragment, error) {
	// >h b h b 2x
	var raw struct {
		Highest     int16
		HighestCell int8
		Lowest      int16
		LowestCell  int8
		Skipped     [2]byte
	}
	if err := unpack(CmdCellVoltageRange, p, &raw); err != nil {
		return nil, err
	}
	return CellVoltageRange{
		HighestVoltage: float64(raw.Highest) / milliScale,
		HighestCell:    int(raw.HighestCell),
		LowestVoltage:  float64(raw.Lowest) / milliScale,
		LowestCell:     int(raw.LowestCell),
	}, nil
}

func decodeTemperatureRange(p []byte) (Fragment, error) {
	// >b b b b 4x
	var raw struct {
		Highest       uint8
		HighestSensor int8
		Lowest        uint8
		LowestSensor  int8
		Skipped       [4]byte
	}
	if err := unpack(CmdTemperatureRange, p, &raw); err != nil {
		return nil, err
	}
	return TemperatureRange{
		HighestTemperature: float64(int(raw.Highest) - temperatureBias),
		HighestSensor:      int(raw.HighestSensor),
		LowestTemperature:  float64(int(raw.Lowest) - temperatureBias),
		LowestSensor:       int(raw.LowestSensor),
	}, nil
}

func decodeMosfetStatus(p []byte) (Fragment, error) {
	// >b ? ? B l
	var raw struct {
		Mode            int8
		ChargeMosfet    bool
		DischargeMosfet bool
		BMSCycles       uint8
		Capacity        int32
	}
	if err := unpack(CmdMosfetStatus, p, &raw); err != nil {
		return nil, err
	}
	mode := "discharging"
	switch raw.Mode {
	case 0:
		mode = "stationary"
	case 1:
		mode = "charging"
	}
	return MosfetStatus{
		Mode:            mode,
		ChargeMosfet:    raw.ChargeMosfet,
		DischargeMosfet: raw.DischargeMosfet,
		BMSCycles:       int(raw.BMSCycles),
		CapacityAh:      float64(raw.Capacity) / milliScale,
	}, nil
}

var stateNames = [8]string{"DI1", "DI2", "DI3", "DI4", "DO1", "DO2", "DO3", "DO4"}

func decodeStatus(p []byte) (Fragment, error) {
	// >b b ? ? b h x
	var raw struct {
		Cells              int8
		TemperatureSensors int8
		ChargerRunning     bool
		LoadRunning        bool
		StateBits          uint8
		Cycles             int16
		Skipped            byte
	}
	if err := unpack(CmdStatus, p, &raw); err != nil {
		return nil, err
	}
	if raw.Cells < 0 || raw.TemperatureSensors < 0 {
		return nil, malformed(CmdStatus, "negative cell or sensor count")
	}
	states := make(map[string]bool, len(stateNames))
	for bit, name := range stateNames {
		states[name] = raw.StateBits&(1<<uint(bit)) != 0
	}
	return Status{
		Cells:              int(raw.Cells),
		TemperatureSensors: int(raw.TemperatureSensors),
		ChargerRunning:     raw.ChargerRunning,
		LoadRunning:        raw.LoadRunning,
		States:             states,
		Cycles:             int(raw.Cycles),
	}, nil
}

func decodeCellVoltageFrame(p []byte) (Fragment, error) {
	// >b 3h b
	var raw struct {
		Index      uint8
		Millivolts [CellsPerFrame]int16
		Skipped    byte
	}
	if err := unpack(CmdCellVoltages, p, &raw); err != nil {
		return nil, err
	}
	if raw.Index == 0 {
		return nil, malformed(CmdCellVoltages, "frame index 0")
	}
	return CellVoltageFrame{Index: int(raw.Index), Millivolts: raw.Millivolts}, nil
}

func decodeTemperatureFrame(p []byte) (Fragment, error) {
	if p[0] == 0 {
		return nil, malformed(CmdTemperatures, "frame index 0")
	}
	tf := TemperatureFrame{Index: int(p[0])}
	for i := range tf.Celsius {
		tf.Celsius[i] = int(p[i+1]) - temperatureBias
	}
	return tf, nil
}

func decodeRatedNominals(p []byte) (Fragment, error) {
	// >i xx h
	var raw struct {
		Capacity    int32
		Skipped     [2]byte
		CellVoltage int16
	}
	if err := unpack(CmdRatedNominals, p, &raw); err != nil {
		return nil, err
	}
	return RatedNominals{
		CapacityAh:  float64(raw.Capacity) / milliScale,
		CellVoltage: float64(raw.CellVoltage) / milliScale,
	}, nil
}

func decodeAlarmVoltages(cmd Command, p []byte, scale float64) (Fragment, error) {
	var raw [4]int16
	if err := unpack(cmd, p, &raw); err != nil {
		return nil, err
	}
	return AlarmVoltages{
		Cmd:       cmd,
		Alarm1Max: float64(raw[0]) / scale,
		Alarm2Max: float64(raw[1]) / scale,
		Alarm1Min: float64(raw[2]) / scale,
		Alarm2Min: float64(raw[3]) / scale,
	}, nil
}

func decodeCurrentAlarms(p []byte) (Fragment, error) {
	var raw [4]uint16
	if err := unpack(CmdCurrentAlarms, p, &raw); err != nil {
		return nil, err
	}
	return CurrentAlarms{
		Alarm1Charge: float64(currentOffset-int(raw[0])) / currentScale,
		Alarm2Charge: float64(currentOffset-int(raw[1])) / currentScale,
		Alarm1Load:   float64(int(raw[2])-currentOffset) / currentScale,
		Alarm2Load:   float64(int(raw[3])-currentOffset) / currentScale,
	}, nil
}

func decodeDiffAlarms(p []byte) (Fragment, error) {
	// >hhbbxx
	var raw struct {
		CellDiff1 int16
		CellDiff2 int16
		TempDiff1 int8
		TempDiff2 int8
		Skipped   [2]byte
	}
	if err := unpack(CmdDiffAlarms, p, &raw); err != nil {
		return nil, err
	}
	return DiffAlarms{
		Alarm1CellVoltageDiff: float64(raw.CellDiff1) / milliScale,
		Alarm2CellVoltageDiff: float64(raw.CellDiff2) / milliScale,
		Alarm1TemperatureDiff: int(raw.TempDiff1),
		Alarm2TemperatureDiff: int(raw.TempDiff2),
	}, nil
}

func decodeBalanceSettings(p []byte) (Fragment, error) {
	// >hhxxxx
	var raw struct {
		Start   int16
		Diff    int16
		Skipped [4]byte
	}
	if err := unpack(CmdBalanceSettings, p, &raw); err != nil {
		return nil, err
	}
	return BalanceSettings{
		StartVoltage:   float64(raw.Start) / milliScale,
		AcceptableDiff: float64(raw.Diff) / milliScale,
	}, nil
}

func decodeShortCircuit(p []byte) (Fragment, error) {
	var raw struct {
		Current int16
		Ohms    int16
		Skipped [4]byte
	}
	if err := unpack(CmdShortCircuit, p, &raw); err != nil {
		return nil, err
	}
	return ShortCircuitSettings{
		ShutdownCurrent: int(raw.Current),
		SamplingOhms:    float64(raw.Ohms) / milliScale,
	}, nil
}

// Version joins the text of the version frames in index order.
func Version(frames []VersionFrame) (string, error) {
	if len(frames) == 0 {
		return "", fmt.Errorf("protocol: no version frames")
	}
	ordered := make([]VersionFrame, len(frames))
	copy(ordered, frames)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	var text []byte
	for _, f := range ordered {
		text = append(text, f.Text...)
	}
	return string(bytes.TrimRight(text, "\x00 ")), nil
}
