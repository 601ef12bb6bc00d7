// Package dalybms exposes the Daly BMS client for use outside this module.
package dalybms

import (
	"context"
	"log/slog"

	_ble "github.com/jonamat/daly-bms-bt/internal/ble"
	_bms "github.com/jonamat/daly-bms-bt/internal/bms"
	_link "github.com/jonamat/daly-bms-bt/internal/link"
	_protocol "github.com/jonamat/daly-bms-bt/internal/protocol"
	_serial "github.com/jonamat/daly-bms-bt/internal/serial"
)

type Client = _bms.Client
type Options = _bms.Options
type Reading = _bms.Reading
type AllData = _bms.AllData
type Dialer = _link.Dialer
type Session = _link.Session

type SOCData = _protocol.SOC
type StatusData = _protocol.Status
type CellVoltageRangeData = _protocol.CellVoltageRange
type TemperatureRangeData = _protocol.TemperatureRange
type MosfetStatusData = _protocol.MosfetStatus

var (
	New            = _bms.New
	Connect        = _bms.Connect
	DefaultOptions = _bms.DefaultOptions
	NewReading     = _bms.NewReading

	ErrDeviceUnreachable  = _link.ErrDeviceUnreachable
	ErrAdapterUnavailable = _link.ErrAdapterUnavailable
	ErrTimeout            = _link.ErrTimeout
	ErrDisconnected       = _link.ErrDisconnected
	ErrMalformed          = _protocol.ErrMalformed
)

// ConnectBluetooth opens a client to the BMS with the given MAC through the
// named HCI adapter.
func ConnectBluetooth(ctx context.Context, mac, adapterID string, logger *slog.Logger) (*Client, error) {
	if err := _ble.ProbeAdapter(adapterID); err != nil {
		return nil, err
	}
	t := _ble.NewTransport(_ble.NewAdapter, _ble.DefaultOptions(), logger)
	opts := _bms.DefaultOptions()
	opts.Address = _protocol.AddressBluetooth
	return _bms.Connect(ctx, t.Dialer(mac, adapterID), opts, logger)
}

// ConnectSerial opens a client over an RS485/UART adapter, eg /dev/ttyUSB0.
func ConnectSerial(ctx context.Context, device string, logger *slog.Logger) (*Client, error) {
	opts := _bms.DefaultOptions()
	opts.Address = _protocol.AddressRS485
	return _bms.Connect(ctx, _serial.Dialer(device, _serial.DefaultOptions(), logger), opts, logger)
}
