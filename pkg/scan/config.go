package scan

import (
	"runtime"

	"github.com/pkg/errors"
	"github.com/vtfind/vtfind/pkg/paging"
)

const (
	// DefaultWindowSize is the number of bytes consumed per scan window
	DefaultWindowSize = 64 * 1024 * 1024
	// DefaultLinuxCacheSize is the number of LinuxS first pages kept in the hot cache
	DefaultLinuxCacheSize = 4096
)

// Config is the scan configuration handed to the engine and the detectors.
type Config struct {
	// WindowSize is the size of each scan window (multiple of the page size)
	WindowSize int64
	// Workers bounds the heuristics (and VMCS scan set checks) run concurrently per page
	Workers int
	// Verbose logs every accepted candidate
	Verbose bool
	// LinuxCacheSize sizes the cache of recently matched LinuxS first pages (group ids do not depend on it)
	LinuxCacheSize int
	// Progress, when set, receives the percentage of the region consumed each time it changes
	Progress func(percent int)
}

// DefaultConfig returns the default scan configuration.
func DefaultConfig() *Config {
	return &Config{
		WindowSize:     DefaultWindowSize,
		Workers:        runtime.NumCPU(),
		LinuxCacheSize: DefaultLinuxCacheSize,
	}
}

func (c *Config) verify() error {
	if c.WindowSize == 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.WindowSize < paging.PageSize || c.WindowSize%paging.PageSize != 0 {
		return errors.Errorf("window size %#x must be a non-zero multiple of %#x", c.WindowSize, paging.PageSize)
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.LinuxCacheSize <= 0 {
		c.LinuxCacheSize = DefaultLinuxCacheSize
	}
	return nil
}
