package snapshot

import "github.com/kilnvm/kiln/vm"

// Walker flattens a live closure and everything it transitively
// captures into an object-table Graph. Identity is tracked per live
// pointer: a cell, table, or closure reached twice produces one record,
// which is how shared upvalue cells survive the round trip. A node
// reached while it is still being built (a cycle) produces a BackRef
// record whose target is patched once the node completes.
//
// The closure's environment is deliberately not walked: global
// references stay symbolic and rebind at restore time.
type walker struct {
	nodes      []Node
	done       map[any]uint32
	inProgress map[any]bool
	pending    map[any][]uint32

	// Upvalue slot of the root closure currently being descended,
	// for attributing capture errors.
	rootSlot int
	rootName string
}

// Walk captures cl into a Graph. It fails with UnsupportedCaptureError
// if the capture set contains a native function.
func Walk(cl *vm.Closure) (*Graph, error) {
	w := &walker{
		done:       make(map[any]uint32),
		inProgress: make(map[any]bool),
		pending:    make(map[any][]uint32),
		rootSlot:   -1,
	}
	if _, err := w.walkClosure(cl, true); err != nil {
		return nil, err
	}
	return &Graph{Nodes: w.nodes}, nil
}

func (w *walker) append(n Node) uint32 {
	w.nodes = append(w.nodes, n)
	return uint32(len(w.nodes) - 1)
}

// walkRef implements the shared identity protocol: dedupe completed
// nodes, emit a patchable BackRef for in-progress ones, and otherwise
// build the node via build with its children emitted first.
func (w *walker) walkRef(key any, build func() (Node, error)) (uint32, error) {
	if idx, ok := w.done[key]; ok {
		return idx, nil
	}
	if w.inProgress[key] {
		idx := w.append(Node{Kind: NodeBackRef})
		w.pending[key] = append(w.pending[key], idx)
		return idx, nil
	}
	w.inProgress[key] = true
	n, err := build()
	if err != nil {
		return 0, err
	}
	idx := w.append(n)
	delete(w.inProgress, key)
	w.done[key] = idx
	for _, b := range w.pending[key] {
		w.nodes[b].Target = idx
	}
	delete(w.pending, key)
	return idx, nil
}

func (w *walker) walkValue(v vm.Value) (uint32, error) {
	if v.IsPrimitive() {
		return w.append(Node{Kind: NodePrimitive, Prim: v}), nil
	}
	switch v.Kind() {
	case vm.KindTable:
		return w.walkTable(v.Table())
	case vm.KindClosure:
		return w.walkClosure(v.Closure(), false)
	case vm.KindGoFunc:
		return 0, &UnsupportedCaptureError{Slot: w.rootSlot, Name: w.rootName, Kind: "native function"}
	}
	return 0, &UnsupportedCaptureError{Slot: w.rootSlot, Name: w.rootName, Kind: "unrepresentable value"}
}

func (w *walker) walkTable(t *vm.Table) (uint32, error) {
	return w.walkRef(t, func() (Node, error) {
		n := Node{Kind: NodeComposite}
		for i := 0; i < t.Len(); i++ {
			ref, err := w.walkValue(t.At(i))
			if err != nil {
				return Node{}, err
			}
			n.Elems = append(n.Elems, ref)
		}
		for _, name := range t.FieldNames() {
			ref, err := w.walkValue(t.Get(name))
			if err != nil {
				return Node{}, err
			}
			n.FieldNames = append(n.FieldNames, name)
			n.FieldRefs = append(n.FieldRefs, ref)
		}
		return n, nil
	})
}

func (w *walker) walkCell(c *vm.Cell) (uint32, error) {
	return w.walkRef(c, func() (Node, error) {
		v := c.Get()
		if v.IsPrimitive() {
			return Node{Kind: NodeUpvalue, Inline: true, Prim: v}, nil
		}
		ref, err := w.walkValue(v)
		if err != nil {
			return Node{}, err
		}
		return Node{Kind: NodeUpvalue, ValueRef: ref}, nil
	})
}

func (w *walker) walkClosure(cl *vm.Closure, root bool) (uint32, error) {
	return w.walkRef(cl, func() (Node, error) {
		n := Node{Kind: NodeFunction, Proto: cl.Proto}
		for i, c := range cl.Upvals {
			if root {
				w.rootSlot = i
				if i < len(cl.Proto.Upvals) {
					w.rootName = cl.Proto.Upvals[i].Name
				}
			}
			ref, err := w.walkCell(c)
			if err != nil {
				return Node{}, err
			}
			n.UpvalRefs = append(n.UpvalRefs, ref)
		}
		return n, nil
	})
}
