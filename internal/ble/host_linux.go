//go:build linux

package ble

import "tinygo.org/x/bluetooth"

func systemAdapter(id string) *bluetooth.Adapter {
	if id == "" || id == "hci0" {
		return bluetooth.DefaultAdapter
	}
	return bluetooth.NewAdapter(id)
}

func parseAddress(s string) (bluetooth.Address, error) {
	mac, err := bluetooth.ParseMAC(s)
	if err != nil {
		return bluetooth.Address{}, err
	}
	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}
