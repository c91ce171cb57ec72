// Package manifest handles kiln.toml policy configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/kilnvm/kiln/snapshot"
	"github.com/kilnvm/kiln/vm"
)

// Manifest represents a kiln.toml policy file.
type Manifest struct {
	PolicySection PolicySection `toml:"policy"`
	Limits        LimitsSection `toml:"limits"`

	// Path is the file the manifest was loaded from (set at load time).
	Path string `toml:"-"`
}

// PolicySection names the policy and lists its rule sets. Opcodes are
// written by name, as the disassembler prints them. An empty
// allowed-opcodes list means every defined opcode is allowed.
type PolicySection struct {
	Name                  string   `toml:"name"`
	Version               int      `toml:"version"`
	AllowedOpcodes        []string `toml:"allowed-opcodes"`
	DeniedGlobals         []string `toml:"denied-globals"`
	AllowUndefinedGlobals bool     `toml:"allow-undefined-globals"`
}

// LimitsSection configures size limits. Zero values fall back to the
// defaults.
type LimitsSection struct {
	MaxObjectTable int `toml:"max-object-table"`
	MaxGraphDepth  int `toml:"max-graph-depth"`
	MaxPayload     int `toml:"max-payload"`
}

// Load parses a kiln.toml file at the given path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return &m, nil
}

// Policy converts the manifest into a snapshot policy, starting from
// the defaults and overriding whatever the file sets. Unknown opcode
// names are errors: a typo in an allow list must not silently widen or
// narrow the sandbox.
func (m *Manifest) Policy() (*snapshot.Policy, error) {
	p := snapshot.DefaultPolicy()
	if m.PolicySection.Name != "" {
		p.Name = m.PolicySection.Name
	}
	if m.PolicySection.Version != 0 {
		p.Version = m.PolicySection.Version
	}
	p.AllowUndefinedGlobals = m.PolicySection.AllowUndefinedGlobals

	for _, name := range m.PolicySection.AllowedOpcodes {
		op, ok := vm.OpcodeNamed(name)
		if !ok {
			return nil, fmt.Errorf("%s: unknown opcode %q in allowed-opcodes", m.Path, name)
		}
		p.AllowOps(op)
	}
	if len(m.PolicySection.DeniedGlobals) > 0 {
		p.DenyGlobals(m.PolicySection.DeniedGlobals...)
	}

	if m.Limits.MaxObjectTable > 0 {
		p.MaxTableSize = m.Limits.MaxObjectTable
	}
	if m.Limits.MaxGraphDepth > 0 {
		p.MaxDepth = m.Limits.MaxGraphDepth
	}
	if m.Limits.MaxPayload > 0 {
		p.MaxPayload = m.Limits.MaxPayload
	}
	return p, nil
}

// LoadPolicy loads a kiln.toml file and converts it in one step.
func LoadPolicy(path string) (*snapshot.Policy, error) {
	m, err := Load(path)
	if err != nil {
		return nil, err
	}
	return m.Policy()
}
