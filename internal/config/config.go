// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package config loads the node's runtime configuration, merging (in
// increasing priority) defaults, an optional config file, and CLI flags,
// matching the teacher's flags>file>defaults precedence convention.
package config

import (
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is every setting the CLI collaborator needs to start an engine.
type Config struct {
	ListenAddr     string   `mapstructure:"listen-addr"`
	BootstrapAddrs []string `mapstructure:"bootstrap"`
	NodeFile       string   `mapstructure:"node-file"`
	IPCSocket      string   `mapstructure:"ipc-socket"`
	Alpha          int64    `mapstructure:"alpha"`
	Debug          bool     `mapstructure:"debug"`
}

// Defaults returns the configuration used when neither a file nor a flag
// overrides a setting.
func Defaults() Config {
	return Config{
		ListenAddr: "0.0.0.0:0",
		NodeFile:   "",
		IPCSocket:  "",
		Alpha:      3,
		Debug:      false,
	}
}

// BindFlags registers every Config field on flags, so cmd/dhtnode's cobra
// command exposes them as CLI flags with the same names used in the
// config file.
func BindFlags(flags *pflag.FlagSet) {
	d := Defaults()
	flags.String("listen-addr", d.ListenAddr, "UDP address to bind, e.g. 0.0.0.0:7946")
	flags.StringSlice("bootstrap", nil, "supernode address to bootstrap from (repeatable)")
	flags.String("node-file", d.NodeFile, "path to the persistent node-list file (bbolt)")
	flags.String("ipc-socket", d.IPCSocket, "unix socket path for the local IPC surface")
	flags.Int64("alpha", d.Alpha, "fan-out concurrency parameter")
	flags.Bool("debug", d.Debug, "enable debug-level logging")
}

// Load merges defaults, an optional config file at path (ignored if
// empty or missing), and flags (highest priority) into a Config.
func Load(flags *pflag.FlagSet, path string) (Config, error) {
	v := viper.New()
	d := Defaults()
	v.SetDefault("listen-addr", d.ListenAddr)
	v.SetDefault("node-file", d.NodeFile)
	v.SetDefault("ipc-socket", d.IPCSocket)
	v.SetDefault("alpha", d.Alpha)
	v.SetDefault("debug", d.Debug)

	v.SetEnvPrefix("dhtnode")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !os.IsNotExist(err) {
				return Config{}, err
			}
		}
	}

	if err := v.BindPFlags(flags); err != nil {
		return Config{}, err
	}

	var cfg Config
	cfg.ListenAddr = v.GetString("listen-addr")
	cfg.BootstrapAddrs = v.GetStringSlice("bootstrap")
	if len(cfg.BootstrapAddrs) == 0 {
		cfg.BootstrapAddrs = nil
	}
	cfg.NodeFile = v.GetString("node-file")
	cfg.IPCSocket = v.GetString("ipc-socket")
	cfg.Alpha = v.GetInt64("alpha")
	cfg.Debug = v.GetBool("debug")
	return cfg, nil
}
