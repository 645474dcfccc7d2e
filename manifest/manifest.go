// Package manifest handles fusabi.toml plugin configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/scarablabs/fusabi/vm"
)

// ManifestName is the file name looked up by Load and FindAndLoad.
const ManifestName = "fusabi.toml"

// Manifest represents a fusabi.toml plugin configuration.
type Manifest struct {
	Plugin       Plugin   `toml:"plugin"`
	Capabilities []string `toml:"capabilities"`
	Limits       Limits   `toml:"limits"`

	// Dir is the directory containing the fusabi.toml file (set at load time).
	Dir string `toml:"-"`
}

// Plugin contains plugin metadata.
type Plugin struct {
	Name    string   `toml:"name"`
	Version string   `toml:"version"`
	Authors []string `toml:"authors"`

	// Entry names the function to run instead of the container's
	// default entry point. Empty means the default.
	Entry string `toml:"entry"`
}

// Limits holds optional resource-limit overrides. Zero fields fall back
// to the engine defaults.
type Limits struct {
	MemoryLimit   uint64 `toml:"memory_limit"`
	MaxAllocation uint64 `toml:"max_allocation"`
	ValueStack    int    `toml:"value_stack"`
	CallStack     int    `toml:"call_stack"`
}

// Load parses a fusabi.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Plugin.Name == "" {
		return nil, fmt.Errorf("manifest is missing plugin.name")
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a fusabi.toml file, then
// loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, ManifestName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Policy builds a capability policy allowing exactly the capabilities
// the manifest declares.
func (m *Manifest) Policy() *vm.CapabilityPolicy {
	return vm.NewRestrictedPolicy(m.Capabilities)
}

// VmLimits merges the manifest's overrides onto the engine defaults. A
// manifest may only tighten limits, never widen them past the defaults.
func (m *Manifest) VmLimits() vm.Limits {
	limits := vm.DefaultLimits()
	if m.Limits.MemoryLimit > 0 && m.Limits.MemoryLimit < limits.MemoryLimit {
		limits.MemoryLimit = m.Limits.MemoryLimit
	}
	if m.Limits.MaxAllocation > 0 && m.Limits.MaxAllocation < limits.MaxAllocation {
		limits.MaxAllocation = m.Limits.MaxAllocation
	}
	if m.Limits.ValueStack > 0 && m.Limits.ValueStack < limits.MaxValueStack {
		limits.MaxValueStack = m.Limits.ValueStack
	}
	if m.Limits.CallStack > 0 && m.Limits.CallStack < limits.MaxCallDepth {
		limits.MaxCallDepth = m.Limits.CallStack
	}
	return limits
}
