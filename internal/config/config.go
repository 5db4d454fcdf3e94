// Package config is used to load the configuration file
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"github.com/vtfind/vtfind/pkg/paging"
	"github.com/vtfind/vtfind/pkg/scan"
)

// Size is a byte count accepting hex ("0x4000000") or humanized ("64MB") values
type Size int64

type scanner struct {
	Window     Size        `mapstructure:"window"`
	Workers    int         `mapstructure:"workers"`
	Types      scan.PTType `mapstructure:"types"`
	ExitAfter  int         `mapstructure:"exit-after"`
	LinuxCache int         `mapstructure:"linux-cache"`
}

type database struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// Config is the configuration struct
type Config struct {
	Verbose  bool     `mapstructure:"verbose"`
	Scan     scanner  `mapstructure:"scan"`
	Database database `mapstructure:"database"`
}

// Dir returns the directory holding the config file and the default checkpoint database.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: failed to get user home directory: %v", err)
	}
	return filepath.Join(home, ".config", "vtfind"), nil
}

func (c *Config) verify() error {
	if c.Scan.Window == 0 {
		c.Scan.Window = scan.DefaultWindowSize
	} else if c.Scan.Window < paging.PageSize || c.Scan.Window%paging.PageSize != 0 {
		return fmt.Errorf("config: scan window %#x must be a multiple of %#x", int64(c.Scan.Window), paging.PageSize)
	}
	if c.Scan.Workers <= 0 {
		c.Scan.Workers = runtime.NumCPU()
	}
	if c.Scan.Types == 0 {
		c.Scan.Types = scan.PTAll
	}
	if c.Scan.ExitAfter < 0 {
		return fmt.Errorf("config: scan exit-after must not be negative")
	}
	if c.Scan.LinuxCache <= 0 {
		c.Scan.LinuxCache = scan.DefaultLinuxCacheSize
	}

	switch c.Database.Driver {
	case "", "sqlite":
		c.Database.Driver = "sqlite"
		if c.Database.Path == "" {
			dir, err := Dir()
			if err != nil {
				return err
			}
			c.Database.Path = filepath.Join(dir, "checkpoints.db")
		}
	case "none":
	case "memory":
		if c.Database.Path == "" {
			return fmt.Errorf("config: database path must be set for the memory driver")
		}
	case "postgres":
		if c.Database.Host == "" || c.Database.Name == "" || c.Database.User == "" {
			return fmt.Errorf("config: database host, name and user must be set for the postgres driver")
		}
		if c.Database.Port == "" {
			c.Database.Port = "5432"
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = "disable"
		}
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}

	return nil
}

// ScanConfig returns the scan configuration.
func (c *Config) ScanConfig() *scan.Config {
	return &scan.Config{
		WindowSize:     int64(c.Scan.Window),
		Workers:        c.Scan.Workers,
		Verbose:        c.Verbose,
		LinuxCacheSize: c.Scan.LinuxCache,
	}
}

// ParseSize parses a byte count in hex, decimal or humanized ("64MB", "1GiB") form.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return Size(n), nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return Size(n), nil
}

func sizeHook(from, to reflect.Type, data any) (any, error) {
	if from == to || to != reflect.TypeOf(Size(0)) {
		return data, nil
	}
	if from.Kind() == reflect.String {
		if strings.TrimSpace(data.(string)) == "" {
			return Size(0), nil
		}
		return ParseSize(data.(string))
	}
	n, err := cast.ToInt64E(data)
	if err != nil {
		return nil, err
	}
	return Size(n), nil
}

func ptTypeHook(from, to reflect.Type, data any) (any, error) {
	if from == to || to != reflect.TypeOf(scan.PTType(0)) {
		return data, nil
	}
	names, err := cast.ToStringSliceE(data)
	if err != nil {
		return nil, err
	}
	return scan.ParsePTType(names...)
}

// DecodeHook converts sizes and page table type lists while unmarshalling.
func DecodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		sizeHook,
		ptTypeHook,
	))
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	return Load(viper.GetViper())
}

// Load unmarshals and verifies the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var c *Config

	if err := v.Unmarshal(&c, DecodeHook()); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}
	if c == nil {
		c = &Config{}
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
