package snapshot

import "github.com/kilnvm/kiln/vm"

// NodeKind tags an object-table record. The numeric values are part of
// the binary format and must not be reordered.
type NodeKind uint8

const (
	NodePrimitive NodeKind = 0
	NodeComposite NodeKind = 1
	NodeUpvalue   NodeKind = 2
	NodeFunction  NodeKind = 3
	NodeBackRef   NodeKind = 4
)

func (k NodeKind) String() string {
	switch k {
	case NodePrimitive:
		return "primitive"
	case NodeComposite:
		return "composite"
	case NodeUpvalue:
		return "upvalue-cell"
	case NodeFunction:
		return "function"
	case NodeBackRef:
		return "back-reference"
	}
	return "invalid"
}

// Node is one record in the object table. The populated fields depend
// on Kind:
//
//	NodePrimitive  Prim
//	NodeComposite  Elems, FieldNames, FieldRefs
//	NodeUpvalue    Inline+Prim, or ValueRef
//	NodeFunction   Proto, UpvalRefs
//	NodeBackRef    Target
//
// All references except BackRef targets point strictly backward in the
// table; BackRef is the single mechanism by which cycles are expressed.
type Node struct {
	Kind NodeKind

	Prim vm.Value

	Elems      []uint32
	FieldNames []string
	FieldRefs  []uint32

	Inline   bool
	ValueRef uint32

	Proto     *vm.Proto
	UpvalRefs []uint32

	Target uint32
}

// Graph is a decoded or freshly walked object table. The root function
// descriptor is always the final record; the walker emits nodes in
// post-order, so the closure being captured completes last.
type Graph struct {
	Nodes []Node
}

// Root returns the index of the root function descriptor.
func (g *Graph) Root() uint32 {
	return uint32(len(g.Nodes) - 1)
}

// Resolve follows a reference through at most one BackRef hop and
// returns the index of the concrete node. The walker and decoder both
// guarantee BackRef targets are concrete, so a single hop suffices.
func (g *Graph) Resolve(ref uint32) uint32 {
	if g.Nodes[ref].Kind == NodeBackRef {
		return g.Nodes[ref].Target
	}
	return ref
}

// Functions calls fn for every function descriptor in table order.
func (g *Graph) Functions(fn func(idx uint32, n *Node) error) error {
	for i := range g.Nodes {
		if g.Nodes[i].Kind == NodeFunction {
			if err := fn(uint32(i), &g.Nodes[i]); err != nil {
				return err
			}
		}
	}
	return nil
}
