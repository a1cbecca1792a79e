package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"dbt/pkg/constants"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `{
		"ram_size": 16777216,
		"mem_path": "/dev/hugepages",
		"smc_bitmap_threshold": 4,
		"snapshot_path": "/var/lib/dbt",
		"host_arch": "arm64"
	}`)
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Config{
		RAMSize:              16 << 20,
		MemPath:              "/dev/hugepages",
		SMCBitmapThreshold:   4,
		MaxCPUs:              DefaultMaxCPUs,
		SnapshotPath:         "/var/lib/dbt",
		SnapshotParityShards: DefaultSnapshotParityShards,
		HostArch:             "arm64",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	c := Config{SnapshotParityShards: 1}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.HostArch != runtime.GOARCH || c.SMCBitmapThreshold != constants.SMCBitmapUseThreshold || c.MaxCPUs != DefaultMaxCPUs {
		t.Errorf("defaults not filled: %+v", c)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"unaligned ram", func(c *Config) { c.RAMSize = 0x1001 }, "ram_size"},
		{"tiny code buffer", func(c *Config) { c.CodeGenBufferSize = 4096 }, "code_gen_buffer_size"},
		{"no parity", func(c *Config) { c.SnapshotParityShards = 0 }, "snapshot_parity_shards"},
		{"too much parity", func(c *Config) { c.SnapshotParityShards = 17 }, "snapshot_parity_shards"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %s", err, tt.want)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
	if _, err := Load(writeConfig(t, "{")); err == nil {
		t.Error("Load of malformed JSON succeeded")
	}
}
