package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"tinygo.org/x/bluetooth"

	"github.com/jonamat/daly-bms-bt/internal/logging"
)

const (
	TransportBLE    = "ble"
	TransportSerial = "serial"
)

// Config holds all application configuration.
type Config struct {
	Transport string       `yaml:"transport" toml:"transport"`
	BLE       BLEConfig    `yaml:"ble" toml:"ble"`
	Serial    SerialConfig `yaml:"serial" toml:"serial"`
	Poll      PollConfig   `yaml:"poll" toml:"poll"`
	Store     StoreConfig  `yaml:"store" toml:"store"`
	LogLevel  string       `yaml:"log_level" toml:"log_level"`
}

type BLEConfig struct {
	Address string `yaml:"address" toml:"address"` // BMS MAC, eg "C6:6C:09:03:0A:13"
	Adapter string `yaml:"adapter" toml:"adapter"`
}

type SerialConfig struct {
	Device string `yaml:"device" toml:"device"`
	Baud   int    `yaml:"baud" toml:"baud"`
}

type PollConfig struct {
	// Interval in seconds between readings, 0 for a single reading.
	Interval int  `yaml:"interval" toml:"interval"`
	Keep     bool `yaml:"keep" toml:"keep"`
}

func (p PollConfig) IntervalDuration() time.Duration {
	return time.Duration(p.Interval) * time.Second
}

type StoreConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Driver   string `yaml:"driver" toml:"driver"` // "sqlite" or "postgres"
	Path     string `yaml:"path" toml:"path"`
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Name     string `yaml:"name" toml:"name"`
	User     string `yaml:"user" toml:"user"`
	Password string `yaml:"password" toml:"password"`
}

// DSN builds the connection string for the configured driver.
func (s StoreConfig) DSN() string {
	if s.Driver != "postgres" {
		return s.Path
	}
	parts := []string{
		"host=" + s.Host,
		fmt.Sprintf("port=%d", s.Port),
		"dbname=" + s.Name,
	}
	if s.User != "" {
		parts = append(parts, "user="+s.User)
	}
	if s.Password != "" {
		parts = append(parts, "password="+s.Password)
	}
	parts = append(parts, "sslmode=disable")
	return strings.Join(parts, " ")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Transport: TransportBLE,
		BLE: BLEConfig{
			Adapter: "hci0",
		},
		Serial: SerialConfig{
			Device: "/dev/ttyUSB0",
			Baud:   9600,
		},
		Store: StoreConfig{
			Enabled: true,
			Driver:  "sqlite",
			Path:    "dalybms.db",
			Host:    "localhost",
			Port:    5432,
			Name:    "power_monitor",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML or, for a .toml extension, TOML config file. Missing
// fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Store.Path = expandTilde(cfg.Store.Path)
	return cfg, nil
}

// envBindings maps config keys to the environment variables that override
// them. DB_* names match existing deployments.
var envBindings = []struct {
	key  string
	envs []string
}{
	{"transport", []string{"DALYBMS_TRANSPORT"}},
	{"ble.address", []string{"DALYBMS_BT"}},
	{"ble.adapter", []string{"DALYBMS_HCI"}},
	{"serial.device", []string{"DALYBMS_SERIAL"}},
	{"poll.interval", []string{"DALYBMS_LOOP"}},
	{"poll.keep", []string{"DALYBMS_KEEP"}},
	{"log_level", []string{"DALYBMS_LOG_LEVEL"}},
	{"store.driver", []string{"DALYBMS_DB_DRIVER"}},
	{"store.path", []string{"DALYBMS_DB_PATH"}},
	{"store.host", []string{"DB_HOST"}},
	{"store.port", []string{"DB_PORT"}},
	{"store.name", []string{"DB_NAME"}},
	{"store.user", []string{"DB_USER"}},
	{"store.password", []string{"DB_PASSWORD"}},
}

// ApplyEnv overlays environment variables onto c. A nil v uses a fresh
// viper instance.
func (c *Config) ApplyEnv(v *viper.Viper) error {
	if v == nil {
		v = viper.New()
	}
	for _, b := range envBindings {
		if err := v.BindEnv(append([]string{b.key}, b.envs...)...); err != nil {
			return fmt.Errorf("binding %s: %w", b.key, err)
		}
	}

	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setString("transport", &c.Transport)
	setString("ble.address", &c.BLE.Address)
	setString("ble.adapter", &c.BLE.Adapter)
	setString("serial.device", &c.Serial.Device)
	setString("log_level", &c.LogLevel)
	setString("store.driver", &c.Store.Driver)
	setString("store.path", &c.Store.Path)
	setString("store.host", &c.Store.Host)
	setString("store.name", &c.Store.Name)
	setString("store.user", &c.Store.User)
	setString("store.password", &c.Store.Password)
	if v.IsSet("store.port") {
		c.Store.Port = v.GetInt("store.port")
	}
	if v.IsSet("poll.interval") {
		c.Poll.Interval = v.GetInt("poll.interval")
	}
	if v.IsSet("poll.keep") {
		c.Poll.Keep = v.GetBool("poll.keep")
	}
	return nil
}

var adapterName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if err := c.ValidateLink(); err != nil {
		return err
	}
	if c.Poll.Interval < 0 {
		return fmt.Errorf("poll.interval must be >= 0")
	}
	if err := c.ValidateStore(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level must be debug, info, warning, error, or critical, got %q", c.LogLevel)
	}
	return nil
}

// ValidateAdapter checks a BlueZ adapter name such as "hci0".
func ValidateAdapter(name string) error {
	if !adapterName.MatchString(name) {
		return fmt.Errorf("ble.adapter %q is not a valid adapter name", name)
	}
	return nil
}

// ValidateLink checks the settings of the selected transport.
func (c *Config) ValidateLink() error {
	switch c.Transport {
	case TransportBLE:
		if c.BLE.Address == "" {
			return fmt.Errorf("ble.address must not be empty")
		}
		if _, err := bluetooth.ParseMAC(c.BLE.Address); err != nil {
			return fmt.Errorf("ble.address %q is not a MAC address: %w", c.BLE.Address, err)
		}
		return ValidateAdapter(c.BLE.Adapter)
	case TransportSerial:
		if c.Serial.Device == "" {
			return fmt.Errorf("serial.device must not be empty")
		}
		if c.Serial.Baud <= 0 {
			return fmt.Errorf("serial.baud must be > 0")
		}
		return nil
	}
	return fmt.Errorf("transport must be %q or %q, got %q", TransportBLE, TransportSerial, c.Transport)
}

// ValidateStore checks the database settings. A disabled store is always valid.
func (c *Config) ValidateStore() error {
	if !c.Store.Enabled {
		return nil
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path must not be empty")
		}
	case "postgres":
		if c.Store.Host == "" || c.Store.Name == "" {
			return fmt.Errorf("store.host and store.name must not be empty")
		}
		if c.Store.Port <= 0 || c.Store.Port > 65535 {
			return fmt.Errorf("store.port %d out of range", c.Store.Port)
		}
	default:
		return fmt.Errorf("store.driver must be \"sqlite\" or \"postgres\", got %q", c.Store.Driver)
	}
	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
