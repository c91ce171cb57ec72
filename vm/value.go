package vm

import (
	"fmt"
	"sort"
	"strconv"
)

// ---------------------------------------------------------------------------
// Value: Tagged value representation
// ---------------------------------------------------------------------------

// Kind identifies the runtime type of a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindTable
	KindClosure
	KindGoFunc
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindTable:
		return "table"
	case KindClosure:
		return "closure"
	case KindGoFunc:
		return "gofunc"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Value is a tagged scripting-language value.
// The zero Value is nil.
type Value struct {
	kind Kind
	n    int64   // int payload, bool (0/1)
	f    float64 // float payload
	s    string  // string payload
	t    *Table
	cl   *Closure
	fn   *GoFunc
}

// Nil is the nil value.
var Nil = Value{}

// True and False are the boolean values.
var (
	True  = Value{kind: KindBool, n: 1}
	False = Value{kind: KindBool}
)

// Bool returns a boolean value.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Int returns an integer value.
func Int(n int64) Value {
	return Value{kind: KindInt, n: n}
}

// Float returns a float value.
func Float(f float64) Value {
	return Value{kind: KindFloat, f: f}
}

// Str returns a string value.
func Str(s string) Value {
	return Value{kind: KindString, s: s}
}

// TableValue wraps a table.
func TableValue(t *Table) Value {
	return Value{kind: KindTable, t: t}
}

// ClosureValue wraps a closure.
func ClosureValue(cl *Closure) Value {
	return Value{kind: KindClosure, cl: cl}
}

// GoFuncValue wraps a native host function.
func GoFuncValue(fn *GoFunc) Value {
	return Value{kind: KindGoFunc, fn: fn}
}

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsNil reports whether the value is nil.
func (v Value) IsNil() bool { return v.kind == KindNil }

// IsPrimitive reports whether the value is nil, bool, int, float or string.
// Primitives are stored inline in snapshots; everything else is a graph node.
func (v Value) IsPrimitive() bool {
	return v.kind <= KindString
}

// AsBool returns the boolean payload. Only valid for KindBool.
func (v Value) AsBool() bool { return v.n != 0 }

// AsInt returns the integer payload. Only valid for KindInt.
func (v Value) AsInt() int64 { return v.n }

// AsFloat returns the float payload. Only valid for KindFloat.
func (v Value) AsFloat() float64 { return v.f }

// AsString returns the string payload. Only valid for KindString.
func (v Value) AsString() string { return v.s }

// Table returns the table payload, or nil.
func (v Value) Table() *Table { return v.t }

// Closure returns the closure payload, or nil.
func (v Value) Closure() *Closure { return v.cl }

// GoFunc returns the native function payload, or nil.
func (v Value) GoFunc() *GoFunc { return v.fn }

// Truthy reports whether the value is considered true in conditionals.
// Only nil and false are falsy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNil:
		return false
	case KindBool:
		return v.n != 0
	default:
		return true
	}
}

// Equal compares two values. Primitives compare by payload, tables,
// closures and native functions by identity.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNil:
		return true
	case KindBool, KindInt:
		return v.n == o.n
	case KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindTable:
		return v.t == o.t
	case KindClosure:
		return v.cl == o.cl
	case KindGoFunc:
		return v.fn == o.fn
	}
	return false
}

// String returns a display form of the value.
func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		if v.n != 0 {
			return "true"
		}
		return "false"
	case KindInt:
		return strconv.FormatInt(v.n, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindTable:
		return fmt.Sprintf("table:%p", v.t)
	case KindClosure:
		name := v.cl.Proto.Name
		if name == "" {
			name = "anonymous"
		}
		return "closure:" + name
	case KindGoFunc:
		return "gofunc:" + v.fn.Name
	default:
		return "?"
	}
}

// ---------------------------------------------------------------------------
// Table: array + record composite
// ---------------------------------------------------------------------------

// Table is the composite value type: an ordered list part plus a named
// field part. Tables have identity; sharing one between two closures means
// both observe each other's writes.
type Table struct {
	Items  []Value
	Fields map[string]Value
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{Fields: make(map[string]Value)}
}

// Append adds a value to the list part.
func (t *Table) Append(v Value) {
	t.Items = append(t.Items, v)
}

// At returns the list element at index, or nil if out of range.
func (t *Table) At(i int) Value {
	if i < 0 || i >= len(t.Items) {
		return Nil
	}
	return t.Items[i]
}

// SetAt stores a value at a list index. The list part grows as needed.
func (t *Table) SetAt(i int, v Value) {
	for len(t.Items) <= i {
		t.Items = append(t.Items, Nil)
	}
	t.Items[i] = v
}

// Get returns a named field, or nil if absent.
func (t *Table) Get(name string) Value {
	return t.Fields[name]
}

// Set stores a named field.
func (t *Table) Set(name string, v Value) {
	t.Fields[name] = v
}

// Len returns the length of the list part.
func (t *Table) Len() int {
	return len(t.Items)
}

// FieldNames returns the field names in sorted order.
// Sorting keeps traversal and encoding deterministic.
func (t *Table) FieldNames() []string {
	names := make([]string, 0, len(t.Fields))
	for name := range t.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ---------------------------------------------------------------------------
// GoFunc: native host function
// ---------------------------------------------------------------------------

// GoFunc is a host-provided native function. Native functions are callable
// but have no bytecode form, so they can never be captured by a closure
// that is going to be persisted.
type GoFunc struct {
	Name string
	Fn   func(args []Value) (Value, error)
}

// Call invokes the native function.
func (g *GoFunc) Call(args []Value) (Value, error) {
	return g.Fn(args)
}
