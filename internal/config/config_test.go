package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBLE() *Config {
	c := Default()
	c.BLE.Address = "C6:6C:09:03:0A:13"
	return c
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, TransportBLE, c.Transport)
	assert.Equal(t, "hci0", c.BLE.Adapter)
	assert.Equal(t, 9600, c.Serial.Baud)
	assert.Equal(t, 0, c.Poll.Interval)
	assert.Equal(t, "power_monitor", c.Store.Name)
	assert.Equal(t, 5432, c.Store.Port)
	assert.Equal(t, "info", c.LogLevel)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
ble:
  address: "17:71:06:02:09:D1"
poll:
  interval: 10
  keep: true
store:
  driver: postgres
  host: db.local
log_level: debug
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "17:71:06:02:09:D1", c.BLE.Address)
	assert.Equal(t, "hci0", c.BLE.Adapter, "default kept")
	assert.Equal(t, 10*time.Second, c.Poll.IntervalDuration())
	assert.True(t, c.Poll.Keep)
	assert.Equal(t, "db.local", c.Store.Host)
	assert.Equal(t, 5432, c.Store.Port)
	require.NoError(t, c.Validate())
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
transport = "serial"
log_level = "warning"

[serial]
device = "/dev/ttyAMA0"

[store]
enabled = false
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, TransportSerial, c.Transport)
	assert.Equal(t, "/dev/ttyAMA0", c.Serial.Device)
	assert.Equal(t, 9600, c.Serial.Baud)
	assert.False(t, c.Store.Enabled)
	require.NoError(t, c.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")

	_, err = Load(writeFile(t, "bad.yaml", "ble: [unterminated"))
	assert.ErrorContains(t, err, "parsing config file")
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	c, err := Load(writeFile(t, "c.yaml", "store:\n  path: ~/bms/data.db\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "bms", "data.db"), c.Store.Path)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DB_HOST", "10.0.0.5")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("DB_USER", "bms")
	t.Setenv("DALYBMS_BT", "17:71:06:02:09:D1")
	t.Setenv("DALYBMS_LOOP", "30")
	t.Setenv("DALYBMS_KEEP", "true")

	c := Default()
	require.NoError(t, c.ApplyEnv(nil))
	assert.Equal(t, "10.0.0.5", c.Store.Host)
	assert.Equal(t, 5433, c.Store.Port)
	assert.Equal(t, "bms", c.Store.User)
	assert.Equal(t, "power_monitor", c.Store.Name, "unset variable keeps value")
	assert.Equal(t, "17:71:06:02:09:D1", c.BLE.Address)
	assert.Equal(t, 30, c.Poll.Interval)
	assert.True(t, c.Poll.Keep)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{"valid ble", func(c *Config) {}, false},
		{"missing address", func(c *Config) { c.BLE.Address = "" }, true},
		{"bad address", func(c *Config) { c.BLE.Address = "not-a-mac" }, true},
		{"bad adapter", func(c *Config) { c.BLE.Adapter = "hci0; rm -rf /" }, true},
		{"custom adapter", func(c *Config) { c.BLE.Adapter = "hci1" }, false},
		{"bad transport", func(c *Config) { c.Transport = "usb" }, true},
		{"serial without device", func(c *Config) { c.Transport = TransportSerial; c.Serial.Device = "" }, true},
		{"serial ignores mac", func(c *Config) { c.Transport = TransportSerial; c.BLE.Address = "" }, false},
		{"negative interval", func(c *Config) { c.Poll.Interval = -1 }, true},
		{"bad driver", func(c *Config) { c.Store.Driver = "mysql" }, true},
		{"store disabled ignores driver", func(c *Config) { c.Store.Enabled = false; c.Store.Driver = "mysql" }, false},
		{"postgres bad port", func(c *Config) { c.Store.Driver = "postgres"; c.Store.Port = 0 }, true},
		{"empty sqlite path", func(c *Config) { c.Store.Path = "" }, true},
		{"warning level", func(c *Config) { c.LogLevel = "warning" }, false},
		{"bad level", func(c *Config) { c.LogLevel = "verbose" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validBLE()
			tt.modify(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStoreDSN(t *testing.T) {
	s := Default().Store
	assert.Equal(t, "dalybms.db", s.DSN())

	s.Driver = "postgres"
	s.User = "odoo"
	assert.Equal(t, "host=localhost port=5432 dbname=power_monitor user=odoo sslmode=disable", s.DSN())
}
