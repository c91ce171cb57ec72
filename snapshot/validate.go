package snapshot

import (
	"errors"
	"fmt"

	"github.com/kilnvm/kiln/vm"
)

// ---------------------------------------------------------------------------
// Validate: policy enforcement over a snapshot graph
// ---------------------------------------------------------------------------

// Verdict is the outcome of validating a graph against a policy. A
// failed verdict names the first rule that failed; rules are checked in
// a fixed order (table size, graph depth, opcodes, denied globals) so
// the same graph always reports the same violation.
type Verdict struct {
	OK     bool
	Rule   string
	Detail string
}

// Err returns nil for a passing verdict and a PolicyViolationError
// otherwise.
func (v Verdict) Err() error {
	if v.OK {
		return nil
	}
	return &PolicyViolationError{Rule: v.Rule, Detail: v.Detail}
}

func fail(rule, format string, args ...any) Verdict {
	return Verdict{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

var errStopScan = errors.New("stop scan")

// Validate checks g against p. It runs on both the persist and restore
// paths: a record written under a looser policy is rejected at restore
// time the same way a fresh capture would be at persist time.
func Validate(g *Graph, p *Policy) Verdict {
	if n := len(g.Nodes); n > p.MaxTableSize {
		return fail(RuleTableSize, "object table has %d records, limit %d", n, p.MaxTableSize)
	}

	if d := graphDepth(g); d > p.MaxDepth {
		return fail(RuleGraphDepth, "capture graph depth %d exceeds limit %d", d, p.MaxDepth)
	}

	// The opcode rule is checked for every function before the
	// denied-globals rule touches any of them, so a graph violating
	// both always reports the opcode violation.
	verdict := Verdict{OK: true}
	g.Functions(func(idx uint32, n *Node) error {
		if v := checkOpcodes(n.Proto, p); !v.OK {
			verdict = v
			return errStopScan
		}
		return nil
	})
	if !verdict.OK {
		return verdict
	}

	g.Functions(func(idx uint32, n *Node) error {
		for _, name := range n.Proto.FreeGlobals() {
			if p.DeniedGlobals[name] {
				verdict = fail(RuleDeniedGlobal, "function %s refers to denied global %q", protoName(n.Proto), name)
				return errStopScan
			}
		}
		return nil
	})
	return verdict
}

// checkOpcodes verifies every instruction of proto and its nested
// prototypes against the policy's opcode rule. An undefined opcode is a
// violation of the same rule: it is by definition outside any allow set.
//
// Jump targets are checked against the set of instruction start
// offsets. Without this, code could hide a disallowed opcode inside
// another instruction's operand bytes and jump into it, executing an
// instruction the linear scan never saw.
func checkOpcodes(proto *vm.Proto, p *Policy) Verdict {
	starts := make(map[int]bool)
	type jumpSite struct{ offset, target int }
	var jumps []jumpSite

	err := proto.ScanCode(func(offset int, op vm.Opcode, operands []byte) error {
		starts[offset] = true
		if !p.opAllowed(op) {
			return fmt.Errorf("opcode %s at offset %d in function %s", op, offset, protoName(proto))
		}
		if op.IsJump() {
			rel := int(int16(uint16(operands[0])<<8 | uint16(operands[1])))
			jumps = append(jumps, jumpSite{offset: offset, target: offset + op.InstructionLen() + rel})
		}
		return nil
	})
	if err != nil {
		return fail(RuleOpcodes, "%s", err)
	}
	for _, j := range jumps {
		// Jumping to the end of the code is a valid way to fall off.
		if j.target == len(proto.Code) || starts[j.target] {
			continue
		}
		return fail(RuleOpcodes, "jump at offset %d in function %s targets %d, which is not an instruction boundary",
			j.offset, protoName(proto), j.target)
	}

	for _, sub := range proto.Protos {
		if v := checkOpcodes(sub, p); !v.OK {
			return v
		}
	}
	return Verdict{OK: true}
}

func protoName(p *vm.Proto) string {
	if p.Name == "" {
		return "<anonymous>"
	}
	return p.Name
}

// graphDepth computes the maximum nesting depth of the capture graph.
// Back-reference edges are excluded, so cycles do not count as infinite
// depth. Non-backref children always precede their parent in the table,
// which makes a single forward pass sufficient.
func graphDepth(g *Graph) int {
	depth := make([]int, len(g.Nodes))
	max := 0
	for i, n := range g.Nodes {
		d := 1
		grow := func(ref uint32) {
			if g.Nodes[ref].Kind == NodeBackRef {
				return
			}
			if depth[ref]+1 > d {
				d = depth[ref] + 1
			}
		}
		switch n.Kind {
		case NodeComposite:
			for _, ref := range n.Elems {
				grow(ref)
			}
			for _, ref := range n.FieldRefs {
				grow(ref)
			}
		case NodeUpvalue:
			if !n.Inline {
				grow(n.ValueRef)
			}
		case NodeFunction:
			for _, ref := range n.UpvalRefs {
				grow(ref)
			}
		}
		depth[i] = d
		if d > max {
			max = d
		}
	}
	return max
}
