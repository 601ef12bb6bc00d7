//go:build linux

package ble

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/jonamat/daly-bms-bt/internal/link"
)

const (
	bluezBus     = "org.bluez"
	bluezAdapter = "org.bluez.Adapter1"
)

// ProbeAdapter checks that BlueZ exposes the adapter and powers it on when
// it is off.
func ProbeAdapter(id string) error {
	// The system bus connection is shared; it must not be closed here.
	conn, err := dbus.SystemBus()
	if err != nil {
		return &link.ConnectError{Kind: link.AdapterUnavailable, Address: id, Err: fmt.Errorf("system bus: %w", err)}
	}
	obj := conn.Object(bluezBus, dbus.ObjectPath("/org/bluez/"+id))

	variant, err := obj.GetProperty(bluezAdapter + ".Powered")
	if err != nil {
		return &link.ConnectError{Kind: link.AdapterUnavailable, Address: id, Err: fmt.Errorf("adapter %s not found: %w", id, err)}
	}
	if powered, ok := variant.Value().(bool); ok && powered {
		return nil
	}
	if err := obj.SetProperty(bluezAdapter+".Powered", dbus.MakeVariant(true)); err != nil {
		return &link.ConnectError{Kind: link.AdapterUnavailable, Address: id, Err: fmt.Errorf("power on %s: %w", id, err)}
	}
	return nil
}
