//go:build !linux

package ble

// ProbeAdapter is a no-op where BlueZ is not available.
func ProbeAdapter(string) error { return nil }
