// Package integration bundles node runtime settings into named presets so
// operators pick a profile instead of tuning each knob.
//
//	cfg := integration.LitePreset()    // development and CI
//	cfg := integration.FullPreset()    // validators
//	cfg := integration.ArchivePreset() // observers serving history
package integration

import (
	"fmt"

	"github.com/oib/aitbc-chain/node"
)

// PresetConfig captures the tunables that vary across profiles. Network
// rules never come from a preset.
type PresetConfig struct {
	Name          string
	CacheMB       int
	Workers       int
	TxPoolSize    int
	FilterSize    int
	OrphanLimit   int
	EnableMetrics bool
	// InMemory keeps the chain database in memory only.
	InMemory bool
}

func DefaultPreset() PresetConfig {
	d := node.DefaultConfig()
	return PresetConfig{
		Name:        "default",
		CacheMB:     1024,
		Workers:     d.Workers,
		TxPoolSize:  d.TxPoolSize,
		FilterSize:  d.FilterSize,
		OrphanLimit: d.OrphanLimit,
	}
}

// LitePreset trades durability for a small footprint: the database lives in
// memory and caches are small.
func LitePreset() PresetConfig {
	cfg := DefaultPreset()
	cfg.Name = "lite"
	cfg.CacheMB = 64
	cfg.Workers = 2
	cfg.TxPoolSize = 4096
	cfg.FilterSize = 4096
	cfg.EnableMetrics = true
	cfg.InMemory = true
	return cfg
}

// FullPreset suits validators: more validation workers and a larger dedup
// window.
func FullPreset() PresetConfig {
	cfg := DefaultPreset()
	cfg.Name = "full"
	cfg.CacheMB = 4096
	cfg.Workers = 8
	cfg.FilterSize = 65536
	cfg.EnableMetrics = true
	return cfg
}

// ArchivePreset suits observers that keep up with a busy network and serve
// its history: the largest cache and orphan buffer.
func ArchivePreset() PresetConfig {
	cfg := DefaultPreset()
	cfg.Name = "archive"
	cfg.CacheMB = 8192
	cfg.Workers = 8
	cfg.OrphanLimit = 4096
	cfg.EnableMetrics = true
	return cfg
}

// GetPresetByName looks up a preset by its identifier.
func GetPresetByName(name string) (PresetConfig, error) {
	switch name {
	case "lite":
		return LitePreset(), nil
	case "full":
		return FullPreset(), nil
	case "archive":
		return ArchivePreset(), nil
	case "default", "":
		return DefaultPreset(), nil
	default:
		return PresetConfig{}, fmt.Errorf("unknown preset: %q (valid: lite, full, archive, default)", name)
	}
}

// ApplyPreset merges preset into target. Zero numeric fields in preset
// leave target unchanged; booleans always apply.
func ApplyPreset(target *PresetConfig, preset PresetConfig) {
	if preset.CacheMB > 0 {
		target.CacheMB = preset.CacheMB
	}
	if preset.Workers > 0 {
		target.Workers = preset.Workers
	}
	if preset.TxPoolSize > 0 {
		target.TxPoolSize = preset.TxPoolSize
	}
	if preset.FilterSize > 0 {
		target.FilterSize = preset.FilterSize
	}
	if preset.OrphanLimit > 0 {
		target.OrphanLimit = preset.OrphanLimit
	}
	target.EnableMetrics = preset.EnableMetrics
	target.InMemory = preset.InMemory
	if preset.Name != "" {
		target.Name = preset.Name
	}
}

// NodeConfig turns a preset into node settings; identity and keys are left
// to the caller.
func (p PresetConfig) NodeConfig() node.Config {
	cfg := node.DefaultConfig()
	cfg.Workers = p.Workers
	cfg.TxPoolSize = p.TxPoolSize
	cfg.FilterSize = p.FilterSize
	cfg.OrphanLimit = p.OrphanLimit
	return cfg
}
