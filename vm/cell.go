package vm

// ---------------------------------------------------------------------------
// Cell: shared upvalue storage
// ---------------------------------------------------------------------------

// Cell holds a captured variable with reference semantics. Two closures
// that capture the same variable hold the same *Cell, so a write performed
// through one is observed through the other. Cell identity is what snapshot
// restoration preserves for shared captures.
type Cell struct {
	v Value
}

// NewCell creates a cell holding the given value.
func NewCell(v Value) *Cell {
	return &Cell{v: v}
}

// Get returns the current value.
func (c *Cell) Get() Value {
	if c == nil {
		return Nil
	}
	return c.v
}

// Set updates the cell's value.
func (c *Cell) Set(v Value) {
	if c == nil {
		return
	}
	c.v = v
}
