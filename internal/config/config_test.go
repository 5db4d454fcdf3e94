package config

import (
	"runtime"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/vtfind/vtfind/pkg/scan"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Size
		wantErr bool
	}{
		{"hex", "0x4000000", 0x4000000, false},
		{"decimal", "8192", 8192, false},
		{"iec", "64MiB", 64 << 20, false},
		{"si", "1MB", 1000000, false},
		{"junk", "lots", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSize() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSize() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	err := v.ReadConfig(strings.NewReader(`
verbose: true
scan:
  window: 16MiB
  workers: 3
  types: [windows, linux]
  exit-after: 10
database:
  driver: memory
  path: /tmp/vtfind.gob
`))
	if err != nil {
		t.Fatal(err)
	}

	c, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Scan.Window != 16<<20 || c.Scan.Workers != 3 || c.Scan.ExitAfter != 10 {
		t.Errorf("Load() scan = %+v", c.Scan)
	}
	if c.Scan.Types != scan.PTWindows|scan.PTLinuxS {
		t.Errorf("Load() types = %s", c.Scan.Types)
	}
	if c.Scan.LinuxCache != scan.DefaultLinuxCacheSize {
		t.Errorf("Load() linux-cache = %d", c.Scan.LinuxCache)
	}

	sc := c.ScanConfig()
	if sc.WindowSize != 16<<20 || sc.Workers != 3 || !sc.Verbose {
		t.Errorf("ScanConfig() = %+v", sc)
	}
}

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	v.Set("scan.types", "hv,freebsd")
	v.Set("database.driver", "postgres")
	v.Set("database.host", "localhost")
	v.Set("database.name", "vtfind")
	v.Set("database.user", "vtfind")

	c, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Scan.Window != scan.DefaultWindowSize || c.Scan.Workers != runtime.NumCPU() {
		t.Errorf("Load() defaults = %+v", c.Scan)
	}
	if c.Scan.Types != scan.PTHyperV|scan.PTFreeBSD {
		t.Errorf("Load() types = %s", c.Scan.Types)
	}
	if c.Database.Port != "5432" || c.Database.SSLMode != "disable" {
		t.Errorf("Load() database = %+v", c.Database)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"window not page aligned", "scan.window", "1MB"},
		{"unknown type", "scan.types", "plan9"},
		{"unknown driver", "database.driver", "mongo"},
		{"memory without path", "database.driver", "memory"},
		{"negative exit-after", "scan.exit-after", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set(tt.key, tt.val)
			if _, err := Load(v); err == nil {
				t.Errorf("Load() with %s=%v should fail", tt.key, tt.val)
			}
		})
	}
}

func TestLoadFlagDefaults(t *testing.T) {
	v := viper.New()
	v.Set("scan.window", "")
	v.Set("scan.types", []string{})
	v.Set("database.driver", "none")

	c, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Scan.Window != scan.DefaultWindowSize || c.Scan.Types != scan.PTAll {
		t.Errorf("Load() scan = %+v", c.Scan)
	}
	if c.Database.Driver != "none" || c.Database.Path != "" {
		t.Errorf("Load() database = %+v", c.Database)
	}
}
