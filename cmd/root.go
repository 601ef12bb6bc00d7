package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jonamat/daly-bms-bt/internal/config"
	"github.com/jonamat/daly-bms-bt/internal/logging"
	"github.com/jonamat/daly-bms-bt/internal/poller"
	"github.com/jonamat/daly-bms-bt/internal/store"
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(wireApp())
}

type rootOptions struct {
	configPath string
	bt         string
	hci        string
	transport  string
	serialDev  string
	logLevel   string
	dbDriver   string
	dbPath     string
	noDB       bool
	loop       int
	keep       bool
}

func newRootCmdWith(a *app) *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "dalybms",
		Short: "Poll a Daly BMS over Bluetooth LE and store its readings",
		Long: "dalybms reads state of charge and cell voltages from a Daly BMS, over BLE or RS485, " +
			"once or on a fixed interval, and stores every reading in SQLite or PostgreSQL.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPoll(cmd, a, opts)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (.yaml or .toml)")
	pf.StringVar(&opts.bt, "bt", "", "BMS Bluetooth MAC address")
	pf.StringVar(&opts.hci, "hci", "hci0", "Bluetooth adapter to use")
	pf.StringVar(&opts.transport, "transport", config.TransportBLE, "link to the BMS: ble or serial")
	pf.StringVar(&opts.serialDev, "serial", "", "serial device for the RS485/UART link, eg /dev/ttyUSB0")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warning, error, critical)")
	pf.StringVar(&opts.dbDriver, "db-driver", "sqlite", "database driver: sqlite or postgres")
	pf.StringVar(&opts.dbPath, "db-path", "dalybms.db", "SQLite database file")
	pf.BoolVar(&opts.noDB, "no-db", false, "disable database logging")

	rootCmd.Flags().IntVar(&opts.loop, "loop", 0, "pause between readings in seconds, single reading when absent")
	rootCmd.Flags().BoolVar(&opts.keep, "keep", false, "keep the connection open between readings")

	rootCmd.AddCommand(
		newVersionCmd(),
		newScanCmd(a, opts),
		newDumpCmd(a, opts),
		newLatestCmd(a, opts),
		newSetCmd(a, opts),
	)
	return rootCmd
}

// loadConfig layers defaults, the config file, the environment and the
// flags that were set explicitly.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(viper.New()); err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("bt") {
		cfg.BLE.Address = opts.bt
	}
	if f.Changed("hci") {
		cfg.BLE.Adapter = opts.hci
	}
	if f.Changed("serial") {
		cfg.Serial.Device = opts.serialDev
		if !f.Changed("transport") {
			cfg.Transport = config.TransportSerial
		}
	}
	if f.Changed("transport") {
		cfg.Transport = opts.transport
	}
	if f.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if f.Changed("db-driver") {
		cfg.Store.Driver = opts.dbDriver
	}
	if f.Changed("db-path") {
		cfg.Store.Path = opts.dbPath
	}
	if f.Changed("no-db") && opts.noDB {
		cfg.Store.Enabled = false
	}
	if f.Changed("loop") {
		cfg.Poll.Interval = opts.loop
	}
	if f.Changed("keep") {
		cfg.Poll.Keep = opts.keep
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return logging.New(cmd.ErrOrStderr(), level), nil
}

func runPoll(cmd *cobra.Command, a *app, opts *rootOptions) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialer, addr, err := a.dial(cfg, log)
	if err != nil {
		return err
	}

	var sink poller.Sink = store.Discard
	if cfg.Store.Enabled {
		s, err := a.openStore(ctx, cfg, log)
		if err != nil {
			log.Error("[STORE] database setup failed, readings will not be stored", "driver", cfg.Store.Driver, "error", err)
		} else {
			defer s.Close()
			sink = s
		}
	} else {
		log.Info("[STORE] database logging disabled")
	}

	popts := a.pollOptions
	popts.Client = a.clientOptions(addr)
	p := poller.New(dialer, sink, poller.Config{
		Interval:           cfg.Poll.IntervalDuration(),
		KeepConnectionOpen: cfg.Poll.Keep,
		DeviceAddress:      deviceName(cfg),
		AdapterID:          cfg.BLE.Adapter,
	}, popts, log)

	if err := p.Run(ctx); err != nil {
		log.Log(ctx, logging.LevelCritical, "[POLL] stopped", "error", err)
		return err
	}
	return nil
}
