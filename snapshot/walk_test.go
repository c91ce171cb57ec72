package snapshot

import (
	"errors"
	"testing"

	"github.com/kilnvm/kiln/vm"
)

// tallyClosure builds a closure that increments and returns a counter
// held in a single captured cell starting at start.
func tallyClosure(start int64) *vm.Closure {
	b := vm.NewProtoBuilder("tally", 0)
	b.AddUpval("count", true, 0)
	b.EmitA(vm.OpGetUpval, 0)
	b.EmitConst(vm.Int(1))
	b.Emit(vm.OpAdd)
	b.Emit(vm.OpDup)
	b.EmitA(vm.OpSetUpval, 0)
	b.Emit(vm.OpReturn)

	cl := vm.NewClosure(b.Build(), vm.NewEnv())
	cl.Upvals[0].Set(vm.Int(start))
	return cl
}

// pairHolder builds a closure whose single captured cell holds a table
// of two closures, inc and get, that share one counter cell. Calling
// the holder returns the table.
func pairHolder() *vm.Closure {
	inc := vm.NewProtoBuilder("inc", 0)
	inc.AddUpval("count", true, 0)
	inc.EmitA(vm.OpGetUpval, 0)
	inc.EmitConst(vm.Int(1))
	inc.Emit(vm.OpAdd)
	inc.Emit(vm.OpDup)
	inc.EmitA(vm.OpSetUpval, 0)
	inc.Emit(vm.OpReturn)

	get := vm.NewProtoBuilder("get", 0)
	get.AddUpval("count", true, 0)
	get.EmitA(vm.OpGetUpval, 0)
	get.Emit(vm.OpReturn)

	env := vm.NewEnv()
	shared := vm.NewCell(vm.Int(0))
	incCl := &vm.Closure{Proto: inc.Build(), Upvals: []*vm.Cell{shared}, Env: env}
	getCl := &vm.Closure{Proto: get.Build(), Upvals: []*vm.Cell{shared}, Env: env}

	pair := vm.NewTable()
	pair.Append(vm.ClosureValue(incCl))
	pair.Append(vm.ClosureValue(getCl))

	b := vm.NewProtoBuilder("holder", 0)
	b.AddUpval("pair", true, 0)
	b.EmitA(vm.OpGetUpval, 0)
	b.Emit(vm.OpReturn)

	holder := vm.NewClosure(b.Build(), env)
	holder.Upvals[0].Set(vm.TableValue(pair))
	return holder
}

// selfRefClosure builds a closure whose captured table contains the
// closure itself, forming a cycle.
func selfRefClosure() *vm.Closure {
	b := vm.NewProtoBuilder("selfref", 0)
	b.AddUpval("box", true, 0)
	b.EmitA(vm.OpGetUpval, 0)
	b.Emit(vm.OpReturn)

	cl := vm.NewClosure(b.Build(), vm.NewEnv())
	box := vm.NewTable()
	box.Set("self", vm.ClosureValue(cl))
	cl.Upvals[0].Set(vm.TableValue(box))
	return cl
}

// rateClosure builds a closure that returns the global rate times
// three. It captures nothing; rate stays a symbolic reference.
func rateClosure() *vm.Closure {
	b := vm.NewProtoBuilder("scaledRate", 0)
	b.EmitGetGlobal("rate")
	b.EmitConst(vm.Int(3))
	b.Emit(vm.OpMul)
	b.Emit(vm.OpReturn)
	return vm.NewClosure(b.Build(), vm.NewEnv())
}

func countKind(g *Graph, k NodeKind) int {
	n := 0
	for i := range g.Nodes {
		if g.Nodes[i].Kind == k {
			n++
		}
	}
	return n
}

func TestWalkTally(t *testing.T) {
	g, err := Walk(tallyClosure(10))
	if err != nil {
		t.Fatalf("Walk() error: %v", err)
	}

	if len(g.Nodes) != 2 {
		t.Fatalf("Walk() produced %d nodes, want 2", len(g.Nodes))
	}
	root := g.Nodes[g.Root()]
	if root.Kind != NodeFunction {
		t.Fatalf("root node is %s, want function", root.Kind)
	}
	if len(root.UpvalRefs) != 1 || root.UpvalRefs[0] != 0 {
		t.Errorf("root UpvalRefs = %v, want [0]", root.UpvalRefs)
	}

	cell := g.Nodes[0]
	if cell.Kind != NodeUpvalue || !cell.Inline {
		t.Fatalf("node 0 = %s inline=%v, want inline upvalue cell", cell.Kind, cell.Inline)
	}
	if !cell.Prim.Equal(vm.Int(10)) {
		t.Errorf("cell payload = %v, want 10", cell.Prim)
	}
}

func TestWalkSharedCellSingleNode(t *testing.T) {
	g, err := Walk(pairHolder())
	if err != nil {
		t.Fatalf("Walk() error: %v", err)
	}

	// holder cell + one shared counter cell, never a third.
	if got := countKind(g, NodeUpvalue); got != 2 {
		t.Errorf("graph has %d upvalue cells, want 2", got)
	}

	// inc and get must reference the same cell record.
	var fnRefs []uint32
	for i := range g.Nodes {
		n := g.Nodes[i]
		if n.Kind == NodeFunction && uint32(i) != g.Root() {
			if len(n.UpvalRefs) != 1 {
				t.Fatalf("inner function has %d upvalue refs, want 1", len(n.UpvalRefs))
			}
			fnRefs = append(fnRefs, g.Resolve(n.UpvalRefs[0]))
		}
	}
	if len(fnRefs) != 2 {
		t.Fatalf("graph has %d inner functions, want 2", len(fnRefs))
	}
	if fnRefs[0] != fnRefs[1] {
		t.Errorf("inc and get reference cells %d and %d, want the same record", fnRefs[0], fnRefs[1])
	}
}

func TestWalkCycleTerminates(t *testing.T) {
	g, err := Walk(selfRefClosure())
	if err != nil {
		t.Fatalf("Walk() error: %v", err)
	}

	if got := countKind(g, NodeBackRef); got != 1 {
		t.Fatalf("graph has %d back-references, want 1", got)
	}
	for i := range g.Nodes {
		if g.Nodes[i].Kind == NodeBackRef && g.Nodes[i].Target != g.Root() {
			t.Errorf("back-reference targets %d, want root %d", g.Nodes[i].Target, g.Root())
		}
	}
	// The root closure must still complete last.
	if g.Nodes[g.Root()].Kind != NodeFunction {
		t.Errorf("root node is %s, want function", g.Nodes[g.Root()].Kind)
	}
}

func TestWalkRejectsNativeCapture(t *testing.T) {
	b := vm.NewProtoBuilder("callNative", 0)
	b.AddUpval("emit", true, 0)
	b.EmitA(vm.OpGetUpval, 0)
	b.Emit(vm.OpReturn)

	cl := vm.NewClosure(b.Build(), vm.NewEnv())
	cl.Upvals[0].Set(vm.GoFuncValue(&vm.GoFunc{Name: "emit", Fn: func(args []vm.Value) (vm.Value, error) {
		return vm.Nil, nil
	}}))

	_, err := Walk(cl)
	var capErr *UnsupportedCaptureError
	if !errors.As(err, &capErr) {
		t.Fatalf("Walk() error = %v, want UnsupportedCaptureError", err)
	}
	if capErr.Slot != 0 || capErr.Name != "emit" {
		t.Errorf("error identifies slot %d (%q), want slot 0 (emit)", capErr.Slot, capErr.Name)
	}
}

func TestWalkRejectsNestedNativeCapture(t *testing.T) {
	b := vm.NewProtoBuilder("holder", 0)
	b.AddUpval("bag", true, 0)
	b.EmitA(vm.OpGetUpval, 0)
	b.Emit(vm.OpReturn)

	bag := vm.NewTable()
	bag.Set("fn", vm.GoFuncValue(&vm.GoFunc{Name: "hidden", Fn: func(args []vm.Value) (vm.Value, error) {
		return vm.Nil, nil
	}}))

	cl := vm.NewClosure(b.Build(), vm.NewEnv())
	cl.Upvals[0].Set(vm.TableValue(bag))

	_, err := Walk(cl)
	var capErr *UnsupportedCaptureError
	if !errors.As(err, &capErr) {
		t.Fatalf("Walk() error = %v, want UnsupportedCaptureError", err)
	}
	// Attribution points at the root slot the value was reached through.
	if capErr.Slot != 0 || capErr.Name != "bag" {
		t.Errorf("error identifies slot %d (%q), want slot 0 (bag)", capErr.Slot, capErr.Name)
	}
}

func TestWalkDoesNotCaptureEnvironment(t *testing.T) {
	cl := rateClosure()
	cl.Env.Define("rate", vm.Int(4))

	g, err := Walk(cl)
	if err != nil {
		t.Fatalf("Walk() error: %v", err)
	}
	// One function record and nothing else: the environment binding
	// for rate stays out of the graph entirely.
	if len(g.Nodes) != 1 {
		t.Errorf("Walk() produced %d nodes, want 1", len(g.Nodes))
	}
}
