package snapshot

import "github.com/kilnvm/kiln/vm"

// ---------------------------------------------------------------------------
// Policy: sandbox limits for persisted closures
// ---------------------------------------------------------------------------

// Stable rule identifiers reported in PolicyViolationError.Rule.
// They are part of the operator-facing surface; log filters and tests
// key on them, so they never change.
const (
	RuleTableSize    = "max-object-table"
	RuleGraphDepth   = "max-graph-depth"
	RuleOpcodes      = "allowed-opcodes"
	RuleDeniedGlobal = "denied-globals"
	RuleMaxPayload   = "max-payload"
)

// Policy bounds what a persisted closure may contain. A zero AllowedOps
// set means every defined opcode is allowed; an explicit set restricts
// execution to exactly those opcodes.
type Policy struct {
	Name    string
	Version int

	AllowedOps    map[vm.Opcode]bool
	DeniedGlobals map[string]bool

	// MaxTableSize caps the object-table length, MaxDepth the nesting
	// depth of the capture graph (back-references excluded), and
	// MaxPayload the encoded record size accepted at restore.
	MaxTableSize int
	MaxDepth     int
	MaxPayload   int

	// AllowUndefinedGlobals lets Restore succeed even when the target
	// environment is missing globals the closure refers to; such
	// globals then fail at call time instead.
	AllowUndefinedGlobals bool
}

// DefaultPolicy returns the limits used when no policy file is loaded:
// all opcodes, no denied globals, and conservative size caps.
func DefaultPolicy() *Policy {
	return &Policy{
		Name:         "default",
		Version:      1,
		MaxTableSize: 4096,
		MaxDepth:     64,
		MaxPayload:   1 << 20,
	}
}

// AllowOps adds opcodes to the allowed set, switching the policy from
// allow-all to allow-listed on first use.
func (p *Policy) AllowOps(ops ...vm.Opcode) *Policy {
	if p.AllowedOps == nil {
		p.AllowedOps = make(map[vm.Opcode]bool)
	}
	for _, op := range ops {
		p.AllowedOps[op] = true
	}
	return p
}

// DenyGlobals adds names to the denied-globals set.
func (p *Policy) DenyGlobals(names ...string) *Policy {
	if p.DeniedGlobals == nil {
		p.DeniedGlobals = make(map[string]bool)
	}
	for _, name := range names {
		p.DeniedGlobals[name] = true
	}
	return p
}

// opAllowed reports whether op passes the policy's opcode rule.
func (p *Policy) opAllowed(op vm.Opcode) bool {
	if len(p.AllowedOps) == 0 {
		return op.IsDefined()
	}
	return p.AllowedOps[op]
}
