// Package ble implements the Daly BMS Bluetooth Low Energy transport. It
// manages the connection lifecycle to one BMS and turns GATT notifications
// back into protocol frames.
package ble

import "context"

// Daly BLE UUIDs
const (
	ServiceUUID    = "0000fff0-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID = "0000fff1-0000-1000-8000-00805f9b34fb"
	WriteCharUUID  = "0000fff2-0000-1000-8000-00805f9b34fb"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic without response.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the host BLE adapter for testing.
type Adapter interface {
	// Enable powers on the adapter.
	Enable() error
	// Scan discovers peripherals until ctx is done. An empty serviceUUID
	// reports every advertising peripheral.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
