package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kisy/vpnledger/pkg/ledger"
	"github.com/kisy/vpnledger/pkg/scheduler"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
)

const defaultConfigFile = "vpnledger.toml"

type Config struct {
	Listen      string `toml:"listen"`
	StatusFile  string `toml:"status_file"`
	DataDir     string `toml:"data_dir"`
	Store       string `toml:"store"`
	Schedule    string `toml:"schedule"`
	Timezone    string `toml:"timezone"`
	RecentDays  int    `toml:"recent_days"`
	RecentOrder string `toml:"recent_order"`
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`
	Interface   string `toml:"interface"`
	Conntrack   bool   `toml:"conntrack"`
}

func (c *Config) setDefaults() {
	if c.Listen == "" {
		c.Listen = ":8075"
	}
	if c.StatusFile == "" {
		c.StatusFile = "/var/log/openvpn-status.log"
	}
	if c.DataDir == "" {
		c.DataDir = "daily"
	}
	if c.Store == "" {
		c.Store = "file"
	}
	if c.Schedule == "" {
		c.Schedule = scheduler.DefaultSchedule
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.RecentDays == 0 {
		c.RecentDays = 7
	}
	if c.RecentOrder == "" {
		c.RecentOrder = "mtime"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

func (c *Config) Validate() error {
	switch c.Store {
	case "file", "sqlite", "badger":
	default:
		return fmt.Errorf("store must be file, sqlite or badger, got %q", c.Store)
	}
	if _, err := ledger.ParseOrder(c.RecentOrder); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("schedule %q: %w", c.Schedule, err)
	}
	if c.RecentDays < 0 {
		return fmt.Errorf("recent_days must not be negative, got %d", c.RecentDays)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// loadConfig reads the TOML file named by --config, applies flags given on
// the command line on top of it and fills in defaults.
func loadConfig(args []string) (Config, error) {
	var (
		cfg        Config
		configFile string
		flagCfg    Config
	)

	fs := pflag.NewFlagSet("vpnledger", pflag.ContinueOnError)
	fs.StringVarP(&configFile, "config", "c", defaultConfigFile, "Path to configuration file")
	fs.StringVar(&flagCfg.Listen, "listen", "", "HTTP listen address")
	fs.StringVar(&flagCfg.StatusFile, "status", "", "OpenVPN status file")
	fs.StringVar(&flagCfg.DataDir, "data-dir", "", "Directory for daily ledgers")
	fs.StringVar(&flagCfg.Store, "store", "", "Ledger store: file, sqlite or badger")
	fs.StringVar(&flagCfg.Schedule, "schedule", "", "Cron schedule for reading the status file")
	fs.StringVar(&flagCfg.Timezone, "timezone", "", "Timezone that decides day boundaries")
	fs.IntVar(&flagCfg.RecentDays, "recent-days", 0, "Days shown on the stats page")
	fs.StringVar(&flagCfg.RecentOrder, "recent-order", "", "Recent day order: mtime or date")
	fs.StringVar(&flagCfg.LogLevel, "log-level", "", "Log level")
	fs.StringVar(&flagCfg.LogFormat, "log-format", "", "Log format: text or json")
	fs.StringVar(&flagCfg.Interface, "interface", "", "Tunnel interface for subnet checks")
	fs.BoolVar(&flagCfg.Conntrack, "conntrack", false, "Count live connections per client")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if _, err := os.Stat(configFile); err == nil {
		if _, err := toml.DecodeFile(configFile, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", configFile, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) || fs.Changed("config") {
		// A missing default file is fine; an explicit one is not.
		return Config{}, fmt.Errorf("config file: %w", err)
	}

	if fs.Changed("listen") {
		cfg.Listen = flagCfg.Listen
	}
	if fs.Changed("status") {
		cfg.StatusFile = flagCfg.StatusFile
	}
	if fs.Changed("data-dir") {
		cfg.DataDir = flagCfg.DataDir
	}
	if fs.Changed("store") {
		cfg.Store = flagCfg.Store
	}
	if fs.Changed("schedule") {
		cfg.Schedule = flagCfg.Schedule
	}
	if fs.Changed("timezone") {
		cfg.Timezone = flagCfg.Timezone
	}
	if fs.Changed("recent-days") {
		cfg.RecentDays = flagCfg.RecentDays
	}
	if fs.Changed("recent-order") {
		cfg.RecentOrder = flagCfg.RecentOrder
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = flagCfg.LogLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = flagCfg.LogFormat
	}
	if fs.Changed("interface") {
		cfg.Interface = flagCfg.Interface
	}
	if fs.Changed("conntrack") {
		cfg.Conntrack = flagCfg.Conntrack
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
