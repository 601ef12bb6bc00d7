// Package protocol implements the Daly BMS frame codec: request encoding,
// response validation and payload decoding.
package protocol

import (
	"fmt"
)

const (
	StartByte     byte = 0xA5
	FrameLength        = 13
	PayloadLength      = 8

	// ResponseAddress is the source address the BMS uses in every reply.
	ResponseAddress byte = 0x01
)

// Address is the host address placed in a request frame. The BMS answers on
// the same interface the request arrived on.
type Address byte

const (
	AddressRS485     Address = 0x40
	AddressBluetooth Address = 0x80
)

func (a Address) String() string {
	switch a {
	case AddressRS485:
		return "rs485"
	case AddressBluetooth:
		return "bluetooth"
	}
	return fmt.Sprintf("0x%02x", byte(a))
}

// Command identifies a request and the layout of its reply payload.
type Command byte

const (
	CmdRestart           Command = 0x00
	CmdSetSOC            Command = 0x21
	CmdRatedNominals     Command = 0x50
	CmdCellAlarmVoltages Command = 0x59
	CmdPackAlarmVoltages Command = 0x5A
	CmdCurrentAlarms     Command = 0x5B
	CmdDiffAlarms        Command = 0x5E
	CmdBalanceSettings   Command = 0x5F
	CmdShortCircuit      Command = 0x60
	CmdSoftwareVersion   Command = 0x62
	CmdHardwareVersion   Command = 0x63
	CmdSOC               Command = 0x90
	CmdCellVoltageRange  Command = 0x91
	CmdTemperatureRange  Command = 0x92
	CmdMosfetStatus      Command = 0x93
	CmdStatus            Command = 0x94
	CmdCellVoltages      Command = 0x95
	CmdTemperatures      Command = 0x96
	CmdBalancingStatus   Command = 0x97
	CmdErrors            Command = 0x98
	CmdDischargeMosfet   Command = 0xD9
	CmdChargeMosfet      Command = 0xDA
)

func (c Command) String() string {
	return fmt.Sprintf("0x%02x", byte(c))
}

// Frame is one 13-byte Daly frame.
type Frame struct {
	Address  byte
	Command  Command
	Payload  [PayloadLength]byte
	Checksum byte
}

// Bytes returns the wire representation of the frame.
func (f Frame) Bytes() []byte {
	out := make([]byte, 0, FrameLength)
	out = append(out, StartByte, f.Address, byte(f.Command), PayloadLength)
	out = append(out, f.Payload[:]...)
	return append(out, f.Checksum)
}

// Checksum returns the low byte of the sum of b.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// EncodeRequest builds a read request with an all-zero payload.
func EncodeRequest(addr Address, cmd Command) Frame {
	f, _ := Encode(addr, cmd, nil)
	return f
}

// Encode builds a request carrying payload, zero padded to eight bytes.
func Encode(addr Address, cmd Command, payload []byte) (Frame, error) {
	if len(payload) > PayloadLength {
		return Frame{}, fmt.Errorf("protocol: payload for %s is %d bytes, max %d", cmd, len(payload), PayloadLength)
	}
	f := Frame{Address: byte(addr), Command: cmd}
	copy(f.Payload[:], payload)
	b := f.Bytes()
	f.Checksum = Checksum(b[:FrameLength-1])
	return f, nil
}

// ParseFrame validates raw as a complete frame. A frame failing any check is
// never returned.
func ParseFrame(raw []byte) (Frame, error) {
	if len(raw) != FrameLength {
		return Frame{}, malformed(0, "frame is %d bytes, want %d", len(raw), FrameLength)
	}
	cmd := Command(raw[2])
	if raw[0] != StartByte {
		return Frame{}, malformed(cmd, "bad start byte 0x%02x", raw[0])
	}
	if raw[3] != PayloadLength {
		return Frame{}, malformed(cmd, "bad length byte %d", raw[3])
	}
	if want := Checksum(raw[:FrameLength-1]); raw[FrameLength-1] != want {
		return Frame{}, malformed(cmd, "checksum 0x%02x, want 0x%02x", raw[FrameLength-1], want)
	}
	f := Frame{Address: raw[1], Command: cmd, Checksum: raw[FrameLength-1]}
	copy(f.Payload[:], raw[4:FrameLength-1])
	return f, nil
}

// SplitFrames cuts a notification byte stream into frame-sized chunks that
// start with StartByte. Bytes before a start byte are dropped. An incomplete
// trailing frame is returned as rest so it can be joined with the next
// notification. Chunks are not validated; use ParseFrame on each.
func SplitFrames(buf []byte) (frames [][]byte, rest []byte) {
	i := 0
	for i < len(buf) {
		if buf[i] != StartByte {
			i++
			continue
		}
		if len(buf)-i < FrameLength {
			break
		}
		frame := make([]byte, FrameLength)
		copy(frame, buf[i:i+FrameLength])
		frames = append(frames, frame)
		i += FrameLength
	}
	if i < len(buf) {
		rest = append([]byte(nil), buf[i:]...)
	}
	return frames, rest
}
