// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads reloader settings from a YAML file and command-line
// flags.
package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/reloader/internal/xdg"
)

// FileName is the config file looked up in the config directory.
const FileName = "config.yaml"

// Config holds reloader settings.
type Config struct {
	PackagesPath          string        `koanf:"packages_path"`
	InstalledPackagesPath string        `koanf:"installed_packages_path"`
	HostVersion           string        `koanf:"host_version"`
	LogFormat             string        `koanf:"log_format"`
	MetricsAddr           string        `koanf:"metrics_addr"`
	Debounce              time.Duration `koanf:"debounce"`
	Dummy                 bool          `koanf:"dummy"`
	Verbose               bool          `koanf:"verbose"`
	Exclude               []string      `koanf:"exclude"`
}

// Default values.
const (
	DefaultHostVersion = "3.8.0"
	DefaultLogFormat   = "text"
	DefaultDebounce    = 200 * time.Millisecond
)

// Defaults returns the configuration used when nothing is set. Package
// directories live under the XDG data directory.
func Defaults() Config {
	return Config{
		PackagesPath:          filepath.Join(xdg.DataDir(), "Packages"),
		InstalledPackagesPath: filepath.Join(xdg.DataDir(), "Installed Packages"),
		HostVersion:           DefaultHostVersion,
		LogFormat:             DefaultLogFormat,
		Debounce:              DefaultDebounce,
		Dummy:                 true,
		Verbose:               true,
		Exclude:               []string{"**.tmp", "**~", "**/.git/**"},
	}
}

// RegisterFlags adds one flag per key to flags, defaulting to Defaults. Flag
// names use hyphens where keys use underscores.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Defaults()
	flags.String("packages-path", d.PackagesPath, "directory of loose packages")
	flags.String("installed-packages-path", d.InstalledPackagesPath, "directory of installed package archives")
	flags.String("host-version", d.HostVersion, "runtime version of the plugin host")
	flags.String("log-format", d.LogFormat, "log format (json or text)")
	flags.String("metrics-addr", d.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	flags.Duration("debounce", d.Debounce, "quiet period before a saved file triggers a reload")
	flags.Bool("dummy", d.Dummy, "install a dummy package after reloading so the host rescans plugins")
	flags.Bool("verbose", d.Verbose, "print reload diagnostics")
	flags.StringSlice("exclude", d.Exclude, "file globs the watcher ignores")
}

// Load reads path (or the default config file when path is empty) and
// applies flags explicitly set on flags over it. A missing default file is not
// an error; a missing explicit file is.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = filepath.Join(xdg.ConfigDir(), FileName)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, oops.In("config").With("path", path).Hint("failed to load config file").Wrap(err)
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.In("config").Hint("failed to load flags").Wrap(err)
		}
	}

	cfg := Defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.In("config").Hint("failed to decode config").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.PackagesPath == "" {
		return oops.In("config").Code("INVALID_CONFIG").New("packages_path is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return oops.In("config").Code("INVALID_CONFIG").With("log_format", c.LogFormat).
			Errorf("log_format must be 'json' or 'text', got %q", c.LogFormat)
	}
	if c.Debounce < 0 {
		return oops.In("config").Code("INVALID_CONFIG").New("debounce cannot be negative")
	}
	return nil
}

// EnsureDirs creates the package directories if they do not exist.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.PackagesPath, c.InstalledPackagesPath} {
		if dir == "" {
			continue
		}
		if err := xdg.EnsureDir(dir); err != nil {
			return oops.In("config").With("path", dir).Wrap(err)
		}
	}
	return nil
}
