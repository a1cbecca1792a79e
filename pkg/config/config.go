package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"dbt/pkg/constants"
)

// Config is injected into the core by whoever owns the process. Zero values
// fall back to the defaults below.
type Config struct {
	CodeGenBufferSize    uint64 `json:"code_gen_buffer_size"`   // 0 = derive from ram_size
	RAMSize              uint64 `json:"ram_size"`               // Guest RAM registered at guest physical 0
	MemPath              string `json:"mem_path"`               // hugetlbfs directory for RAM backing
	MemPrealloc          bool   `json:"mem_prealloc"`           // Touch every hugepage at allocation
	SMCBitmapThreshold   int    `json:"smc_bitmap_threshold"`   // Writes before a page builds its code bitmap
	MaxCPUs              int    `json:"max_cpus"`               // Upper bound on virtual CPUs
	SnapshotPath         string `json:"snapshot_path"`          // pebble directory for RAM snapshots
	SnapshotParityShards int    `json:"snapshot_parity_shards"` // Reed-Solomon parity shards per page
	HostArch             string `json:"host_arch"`              // Branch patcher override, default runtime.GOARCH
}

const (
	DefaultRAMSize              = 128 << 20
	DefaultMaxCPUs              = 1
	DefaultSnapshotParityShards = 2
	maxSnapshotParityShards     = 16
)

func Default() Config {
	return Config{
		RAMSize:              DefaultRAMSize,
		SMCBitmapThreshold:   constants.SMCBitmapUseThreshold,
		MaxCPUs:              DefaultMaxCPUs,
		SnapshotParityShards: DefaultSnapshotParityShards,
		HostArch:             runtime.GOARCH,
	}
}

// Load reads a JSON configuration file on top of the defaults
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate fills unset fields and rejects inconsistent ones
func (c *Config) Validate() error {
	if c.HostArch == "" {
		c.HostArch = runtime.GOARCH
	}
	if c.SMCBitmapThreshold <= 0 {
		c.SMCBitmapThreshold = constants.SMCBitmapUseThreshold
	}
	if c.MaxCPUs <= 0 {
		c.MaxCPUs = DefaultMaxCPUs
	}
	if c.RAMSize%constants.TargetPageSize != 0 {
		return fmt.Errorf("ram_size 0x%x is not a multiple of the target page size", c.RAMSize)
	}
	if c.CodeGenBufferSize != 0 && c.CodeGenBufferSize < constants.MinCodeGenBufferSize {
		return fmt.Errorf("code_gen_buffer_size 0x%x below minimum 0x%x", c.CodeGenBufferSize, constants.MinCodeGenBufferSize)
	}
	if c.SnapshotParityShards < 1 || c.SnapshotParityShards > maxSnapshotParityShards {
		return fmt.Errorf("snapshot_parity_shards must be in [1, %d], got %d", maxSnapshotParityShards, c.SnapshotParityShards)
	}
	return nil
}
