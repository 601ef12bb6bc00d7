//go:build !linux

package ble

import "tinygo.org/x/bluetooth"

// Only the default adapter is addressable outside BlueZ.
func systemAdapter(string) *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}

// On macOS, device addresses are CoreBluetooth UUIDs, not MAC addresses.
func parseAddress(s string) (bluetooth.Address, error) {
	var addr bluetooth.Address
	addr.Set(s)
	return addr, nil
}
