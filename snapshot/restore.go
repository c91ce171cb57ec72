package snapshot

import (
	"fmt"

	"github.com/kilnvm/kiln/vm"
)

// ---------------------------------------------------------------------------
// Restore: graph -> live closure
// ---------------------------------------------------------------------------

// RestoreOptions adjusts restoration behavior for a single call.
type RestoreOptions struct {
	// AllowUndefinedGlobals skips the up-front check that every global
	// the restored functions refer to is defined in the target
	// environment. An undefined global then errors at call time.
	AllowUndefinedGlobals bool
}

// Restore builds a live, callable closure from g bound to env. Globals
// are not copied: the restored closure resolves them through env at
// call time, so two restores into different environments yield
// independently-bound closures, and restoring twice into the same
// environment yields two closures that share nothing with each other.
//
// Restore never mutates env. If it fails, no partially built value is
// reachable from anything the caller holds.
func Restore(g *Graph, env *vm.Env, opts RestoreOptions) (*vm.Closure, error) {
	if len(g.Nodes) == 0 {
		return nil, &CorruptionError{Reason: "empty object table"}
	}
	if g.Nodes[g.Root()].Kind != NodeFunction {
		return nil, &CorruptionError{Reason: "root record is not a function descriptor"}
	}

	if !opts.AllowUndefinedGlobals {
		if err := checkGlobals(g, env); err != nil {
			return nil, err
		}
	}

	// Phase one: allocate a shell for every record so back-references
	// can resolve to final identities before anything is filled in.
	values := make([]vm.Value, len(g.Nodes))
	cells := make([]*vm.Cell, len(g.Nodes))
	for i, n := range g.Nodes {
		switch n.Kind {
		case NodePrimitive:
			values[i] = n.Prim
		case NodeComposite:
			values[i] = vm.TableValue(vm.NewTable())
		case NodeUpvalue:
			cells[i] = vm.NewCell(vm.Nil)
		case NodeFunction:
			values[i] = vm.ClosureValue(&vm.Closure{Proto: n.Proto, Env: env})
		}
	}

	valueAt := func(ref uint32) (vm.Value, error) {
		c := g.Resolve(ref)
		if cells[c] != nil {
			return vm.Nil, &CorruptionError{Reason: fmt.Sprintf("record %d references an upvalue cell outside a function descriptor", ref)}
		}
		return values[c], nil
	}

	// Phase two: fill shells. Sharing falls out of the table: every
	// reference to a record resolves to the one shell allocated for it,
	// so two closures that captured the same cell get the same *Cell.
	for i, n := range g.Nodes {
		switch n.Kind {
		case NodeComposite:
			t := values[i].Table()
			for _, ref := range n.Elems {
				v, err := valueAt(ref)
				if err != nil {
					return nil, err
				}
				t.Append(v)
			}
			for j, ref := range n.FieldRefs {
				v, err := valueAt(ref)
				if err != nil {
					return nil, err
				}
				t.Set(n.FieldNames[j], v)
			}
		case NodeUpvalue:
			if n.Inline {
				cells[i].Set(n.Prim)
				continue
			}
			v, err := valueAt(n.ValueRef)
			if err != nil {
				return nil, err
			}
			cells[i].Set(v)
		case NodeFunction:
			cl := values[i].Closure()
			for _, ref := range n.UpvalRefs {
				c := g.Resolve(ref)
				if cells[c] == nil {
					return nil, &CorruptionError{Reason: fmt.Sprintf("function record %d upvalue reference %d is not an upvalue cell", i, ref)}
				}
				cl.Upvals = append(cl.Upvals, cells[c])
			}
		}
	}

	return values[g.Root()].Closure(), nil
}

// checkGlobals verifies that env defines every global any function in
// the graph refers to. It runs before any allocation so a failed
// restore has no side effects at all.
func checkGlobals(g *Graph, env *vm.Env) error {
	var missing error
	g.Functions(func(idx uint32, n *Node) error {
		for _, name := range n.Proto.FreeGlobals() {
			if !env.Has(name) {
				missing = &UnresolvedReferenceError{Name: name}
				return missing
			}
		}
		return nil
	})
	return missing
}
