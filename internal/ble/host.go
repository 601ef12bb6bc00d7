package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// HostAdapter wraps a tinygo-org/bluetooth adapter. On Linux it is bound to
// a BlueZ adapter id such as hci0.
type HostAdapter struct {
	id      string
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*hostConnection // keyed by upper-case address
}

// NewHostAdapter creates an adapter bound to the given host adapter id.
func NewHostAdapter(id string) *HostAdapter {
	return &HostAdapter{
		id:          id,
		adapter:     systemAdapter(id),
		connections: make(map[string]*hostConnection),
	}
}

// NewAdapter has the factory signature expected by NewTransport.
func NewAdapter(id string) Adapter {
	return NewHostAdapter(id)
}

func (a *HostAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable %s: %w", a.id, err)
	}

	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		key := strings.ToUpper(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[key]
		if ok {
			delete(a.connections, key)
		}
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})
	return nil
}

func (a *HostAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	var filter *bluetooth.UUID
	if serviceUUID != "" {
		uuid, err := bluetooth.ParseUUID(serviceUUID)
		if err != nil {
			return nil, fmt.Errorf("ble: parse service UUID: %w", err)
		}
		filter = &uuid
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if filter != nil && !result.HasServiceUUID(*filter) {
			return
		}
		mac := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[mac] {
			return
		}
		seen[mac] = true
		devices = append(devices, Device{
			Name: result.LocalName(),
			MAC:  mac,
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return devices, nil
}

func (a *HostAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	addr, err := parseAddress(mac)
	if err != nil {
		return nil, fmt.Errorf("ble: parse address %q: %w", mac, err)
	}

	// tinygo/bluetooth's Connect blocks with its own timeout; ctx only
	// bounds how long we wait for it.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			// A late success must not leave a dangling link.
			if r := <-ch; r.err == nil {
				r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, result.err)
		}
		conn := &hostConnection{device: &result.device}
		a.mu.Lock()
		a.connections[strings.ToUpper(addr.String())] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

// Compile-time check that HostAdapter implements Adapter.
var _ Adapter = (*HostAdapter)(nil)

type hostConnection struct {
	device *bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *hostConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &hostCharacteristic{char: &chars[0]}, nil
}

func (c *hostConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *hostConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *hostConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type hostCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *hostCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *hostCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
