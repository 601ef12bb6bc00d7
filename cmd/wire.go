package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonamat/daly-bms-bt/internal/ble"
	"github.com/jonamat/daly-bms-bt/internal/bms"
	"github.com/jonamat/daly-bms-bt/internal/config"
	"github.com/jonamat/daly-bms-bt/internal/link"
	"github.com/jonamat/daly-bms-bt/internal/poller"
	"github.com/jonamat/daly-bms-bt/internal/protocol"
	"github.com/jonamat/daly-bms-bt/internal/serial"
	"github.com/jonamat/daly-bms-bt/internal/store"
)

type readingStore interface {
	poller.Sink
	Latest(ctx context.Context, n int) ([]bms.Reading, error)
	Close() error
}

type app struct {
	dial        func(cfg *config.Config, log *slog.Logger) (link.Dialer, protocol.Address, error)
	openStore   func(ctx context.Context, cfg *config.Config, log *slog.Logger) (readingStore, error)
	scan        func(ctx context.Context, adapterID string, timeout time.Duration, log *slog.Logger) ([]ble.Device, error)
	pollOptions poller.Options
}

func wireApp() *app {
	return &app{
		dial:        dialLink,
		openStore:   openStore,
		scan:        scanAdapter,
		pollOptions: poller.DefaultOptions(),
	}
}

func (a *app) clientOptions(addr protocol.Address) bms.Options {
	opts := a.pollOptions.Client
	opts.Address = addr
	return opts
}

func dialLink(cfg *config.Config, log *slog.Logger) (link.Dialer, protocol.Address, error) {
	if cfg.Transport == config.TransportSerial {
		opts := serial.DefaultOptions()
		opts.Baud = cfg.Serial.Baud
		return serial.Dialer(cfg.Serial.Device, opts, log), protocol.AddressRS485, nil
	}
	if err := ble.ProbeAdapter(cfg.BLE.Adapter); err != nil {
		return nil, 0, err
	}
	t := ble.NewTransport(ble.NewAdapter, ble.DefaultOptions(), log)
	return t.Dialer(cfg.BLE.Address, cfg.BLE.Adapter), protocol.AddressBluetooth, nil
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (readingStore, error) {
	s, err := store.Open(ctx, store.Options{
		Driver: cfg.Store.Driver,
		DSN:    cfg.Store.DSN(),
		Device: deviceName(cfg),
	}, log)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func scanAdapter(ctx context.Context, adapterID string, timeout time.Duration, log *slog.Logger) ([]ble.Device, error) {
	if err := ble.ProbeAdapter(adapterID); err != nil {
		return nil, err
	}
	return ble.NewTransport(ble.NewAdapter, ble.DefaultOptions(), log).Scan(ctx, adapterID, timeout)
}

func deviceName(cfg *config.Config) string {
	if cfg.Transport == config.TransportSerial {
		return cfg.Serial.Device
	}
	return cfg.BLE.Address
}
