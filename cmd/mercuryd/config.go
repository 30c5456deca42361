// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "mercury.conf"
	defaultLogFilename    = "mercury.log"
	defaultSwapsFilename  = "swaps.db"
	defaultHost           = "trade.mercuryex.com:16250"
	defaultConfDepth      = 1
)

var defaultAppData = btcutil.AppDataDir("mercury", false)

// Config is mercuryd's configuration, parsed from the command line over an
// optional INI file in the application directory.
type Config struct {
	AppData    string `long:"appdata" description:"Path to the application directory."`
	ConfigPath string `long:"config" description:"Path to an INI configuration file."`

	Host       string   `long:"host" description:"Trade service address (host:port)."`
	ServerCert string   `long:"servercert" description:"Path to the trade service's TLS certificate. Unneeded when the certificate chains to a system root."`
	Coins      []string `long:"coin" description:"Currency ID to enable. May be given multiple times."`
	Fee        uint64   `long:"fee" description:"Exchange fee to offer, in base units per 1000 traded."`
	ConfDepth  uint32   `long:"confdepth" description:"Confirmations required on a counterparty's bail-in."`

	LogPath    string `long:"logpath" description:"A file to save app logs."`
	DebugLevel string `long:"log" description:"Logging level {trace, debug, info, warn, error, critical}."`
	LocalLogs  bool   `long:"loglocal" description:"Use local time zone time stamps in log entries."`
	Stdout     bool   `long:"stdout" description:"Also write logs to stdout."`
	ShowVer    bool   `short:"V" long:"version" description:"Display version information and exit."`
}

// swapsPath is the swap collection file location.
func (cfg *Config) swapsPath() string {
	return filepath.Join(cfg.AppData, defaultSwapsFilename)
}

// configure parses the command line and the config file. Command-line values
// win over file values.
func configure() (*Config, error) {
	cfg := &Config{
		AppData:    defaultAppData,
		Host:       defaultHost,
		ConfDepth:  defaultConfDepth,
		DebugLevel: "info",
	}

	// A pre-parse picks up --appdata and --config so the right file is read
	// before the full parse.
	preCfg := *cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag|flags.PassDoubleDash|flags.IgnoreUnknown)
	if _, err := preParser.Parse(); err != nil {
		return nil, err
	}
	if preCfg.ShowVer {
		cfg.ShowVer = true
		return cfg, nil
	}
	if preCfg.AppData != "" {
		cfg.AppData = preCfg.AppData
	}
	configPath := preCfg.ConfigPath
	if configPath == "" {
		configPath = filepath.Join(cfg.AppData, defaultConfigFilename)
	}

	parser := flags.NewParser(cfg, flags.Default)
	if _, err := os.Stat(configPath); err == nil {
		if err := flags.NewIniParser(parser).ParseFile(configPath); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if len(cfg.Coins) < 2 {
		return nil, fmt.Errorf("at least two coins must be enabled to trade")
	}
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(cfg.AppData, defaultLogFilename)
	}
	return cfg, nil
}
