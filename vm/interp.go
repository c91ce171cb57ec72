package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Closure and interpreter
// ---------------------------------------------------------------------------

// Closure is a callable function value: a proto bound to live upvalue
// cells and the environment its free identifiers resolve against.
type Closure struct {
	Proto  *Proto
	Upvals []*Cell
	Env    *Env
}

// NewClosure creates a top-level closure over the given environment. Each
// declared upvalue gets a fresh nil cell; nested closures created during
// execution capture cells from their creating frame instead.
func NewClosure(p *Proto, env *Env) *Closure {
	cells := make([]*Cell, len(p.Upvals))
	for i := range cells {
		cells[i] = NewCell(Nil)
	}
	return &Closure{Proto: p, Upvals: cells, Env: env}
}

// Interpreter errors.
var (
	ErrUndefinedGlobal = errors.New("undefined global")
	ErrNotCallable     = errors.New("value is not callable")
	ErrStackDepth      = errors.New("call depth limit exceeded")
)

// maxCallDepth bounds recursive closure calls.
const maxCallDepth = 200

// Call invokes the closure with the given arguments. Missing arguments
// are nil, extra arguments are dropped.
func (cl *Closure) Call(args ...Value) (Value, error) {
	return runClosure(cl, args, 0)
}

// frame is one closure activation.
type frame struct {
	cl     *Closure
	locals []Value
	cells  map[int]*Cell // cells aliasing local slots captured by nested closures
	stack  []Value
	ip     int
}

// cellFor returns the cell aliasing a local slot, creating it on first
// capture. Later local reads and writes go through the cell so the frame
// and every closure that captured the slot observe the same variable.
func (f *frame) cellFor(slot int) *Cell {
	if f.cells == nil {
		f.cells = make(map[int]*Cell)
	}
	if c, ok := f.cells[slot]; ok {
		return c
	}
	c := NewCell(f.locals[slot])
	f.cells[slot] = c
	return c
}

func (f *frame) getLocal(slot int) Value {
	if c, ok := f.cells[slot]; ok {
		return c.Get()
	}
	return f.locals[slot]
}

func (f *frame) setLocal(slot int, v Value) {
	if c, ok := f.cells[slot]; ok {
		c.Set(v)
		return
	}
	f.locals[slot] = v
}

func (f *frame) push(v Value) {
	f.stack = append(f.stack, v)
}

func (f *frame) pop() Value {
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

// readU16 reads a two-byte operand and advances the instruction pointer.
func (f *frame) readU16() uint16 {
	v := uint16(f.cl.Proto.Code[f.ip])<<8 | uint16(f.cl.Proto.Code[f.ip+1])
	f.ip += 2
	return v
}

func (f *frame) readByte() byte {
	b := f.cl.Proto.Code[f.ip]
	f.ip++
	return b
}

// jump applies a relative offset, rejecting targets outside the code.
// A target equal to the code length is valid and ends execution.
func (f *frame) jump(offset int16) error {
	target := f.ip + int(offset)
	if target < 0 || target > len(f.cl.Proto.Code) {
		return fmt.Errorf("jump target %d out of range in %s", target, f.cl.Proto.Name)
	}
	f.ip = target
	return nil
}

// runClosure executes a closure activation.
func runClosure(cl *Closure, args []Value, depth int) (Value, error) {
	if depth >= maxCallDepth {
		return Nil, ErrStackDepth
	}
	p := cl.Proto

	f := &frame{
		cl:     cl,
		locals: make([]Value, p.NumLocals),
		stack:  make([]Value, 0, 16),
	}
	for i := 0; i < p.Arity && i < len(args); i++ {
		f.locals[i] = args[i]
	}

	for f.ip < len(p.Code) {
		op := Opcode(f.readByte())

		// Stored bytecode is untrusted: check operand bytes and stack
		// inputs before dispatch so crafted code errors instead of
		// panicking the host.
		info := GetOpcodeInfo(op)
		if f.ip+info.OperandLen > len(p.Code) {
			return Nil, fmt.Errorf("truncated instruction at offset %d in %s", f.ip-1, p.Name)
		}
		if len(f.stack) < info.StackIn {
			return Nil, fmt.Errorf("stack underflow at offset %d in %s", f.ip-1, p.Name)
		}

		switch op {
		case OpNop:

		case OpPop:
			f.pop()

		case OpDup:
			f.push(f.stack[len(f.stack)-1])

		case OpConst:
			idx := f.readU16()
			if int(idx) >= len(p.Constants) {
				return Nil, fmt.Errorf("constant index %d out of range in %s", idx, p.Name)
			}
			f.push(p.Constants[idx])

		case OpNil:
			f.push(Nil)

		case OpTrue:
			f.push(True)

		case OpFalse:
			f.push(False)

		case OpGetLocal:
			slot := int(f.readByte())
			if slot >= len(f.locals) {
				return Nil, fmt.Errorf("local slot %d out of range in %s", slot, p.Name)
			}
			f.push(f.getLocal(slot))

		case OpSetLocal:
			slot := int(f.readByte())
			if slot >= len(f.locals) {
				return Nil, fmt.Errorf("local slot %d out of range in %s", slot, p.Name)
			}
			f.setLocal(slot, f.pop())

		case OpGetUpval:
			idx := int(f.readByte())
			if idx >= len(cl.Upvals) {
				return Nil, fmt.Errorf("upvalue index %d out of range in %s", idx, p.Name)
			}
			f.push(cl.Upvals[idx].Get())

		case OpSetUpval:
			idx := int(f.readByte())
			if idx >= len(cl.Upvals) {
				return Nil, fmt.Errorf("upvalue index %d out of range in %s", idx, p.Name)
			}
			cl.Upvals[idx].Set(f.pop())

		case OpGetGlobal:
			name, ok := p.constName(f.readU16())
			if !ok {
				return Nil, fmt.Errorf("bad global name constant in %s", p.Name)
			}
			v, ok := cl.Env.Lookup(name)
			if !ok {
				return Nil, fmt.Errorf("%w: %q", ErrUndefinedGlobal, name)
			}
			f.push(v)

		case OpSetGlobal:
			name, ok := p.constName(f.readU16())
			if !ok {
				return Nil, fmt.Errorf("bad global name constant in %s", p.Name)
			}
			cl.Env.Define(name, f.pop())

		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			b := f.pop()
			a := f.pop()
			r, err := arith(op, a, b)
			if err != nil {
				return Nil, err
			}
			f.push(r)

		case OpNeg:
			a := f.pop()
			switch a.Kind() {
			case KindInt:
				f.push(Int(-a.AsInt()))
			case KindFloat:
				f.push(Float(-a.AsFloat()))
			default:
				return Nil, fmt.Errorf("cannot negate %s", a.Kind())
			}

		case OpEq:
			b := f.pop()
			a := f.pop()
			f.push(Bool(a.Equal(b)))

		case OpNe:
			b := f.pop()
			a := f.pop()
			f.push(Bool(!a.Equal(b)))

		case OpLt, OpLe, OpGt, OpGe:
			b := f.pop()
			a := f.pop()
			r, err := compare(op, a, b)
			if err != nil {
				return Nil, err
			}
			f.push(r)

		case OpNot:
			f.push(Bool(!f.pop().Truthy()))

		case OpNewTable:
			f.push(TableValue(NewTable()))

		case OpGetField:
			name, _ := p.constName(f.readU16())
			t := f.pop()
			if t.Kind() != KindTable {
				return Nil, fmt.Errorf("cannot index %s", t.Kind())
			}
			f.push(t.Table().Get(name))

		case OpSetField:
			name, _ := p.constName(f.readU16())
			v := f.pop()
			t := f.pop()
			if t.Kind() != KindTable {
				return Nil, fmt.Errorf("cannot index %s", t.Kind())
			}
			t.Table().Set(name, v)

		case OpGetIndex:
			i := f.pop()
			t := f.pop()
			if t.Kind() != KindTable || i.Kind() != KindInt {
				return Nil, fmt.Errorf("cannot index %s with %s", t.Kind(), i.Kind())
			}
			f.push(t.Table().At(int(i.AsInt())))

		case OpSetIndex:
			v := f.pop()
			i := f.pop()
			t := f.pop()
			if t.Kind() != KindTable || i.Kind() != KindInt {
				return Nil, fmt.Errorf("cannot index %s with %s", t.Kind(), i.Kind())
			}
			t.Table().SetAt(int(i.AsInt()), v)

		case OpTableAppend:
			v := f.pop()
			t := f.pop()
			if t.Kind() != KindTable {
				return Nil, fmt.Errorf("cannot append to %s", t.Kind())
			}
			t.Table().Append(v)

		case OpTableLen:
			t := f.pop()
			if t.Kind() != KindTable {
				return Nil, fmt.Errorf("cannot take length of %s", t.Kind())
			}
			f.push(Int(int64(t.Table().Len())))

		case OpJump:
			if err := f.jump(int16(f.readU16())); err != nil {
				return Nil, err
			}

		case OpJumpFalse:
			offset := int16(f.readU16())
			if !f.pop().Truthy() {
				if err := f.jump(offset); err != nil {
					return Nil, err
				}
			}

		case OpJumpTrue:
			offset := int16(f.readU16())
			if f.pop().Truthy() {
				if err := f.jump(offset); err != nil {
					return Nil, err
				}
			}

		case OpClosure:
			idx := int(f.readByte())
			if idx >= len(p.Protos) {
				return Nil, fmt.Errorf("proto index %d out of range in %s", idx, p.Name)
			}
			sub := p.Protos[idx]
			cells := make([]*Cell, len(sub.Upvals))
			for i, desc := range sub.Upvals {
				if desc.InStack {
					if int(desc.Index) >= len(f.locals) {
						return Nil, fmt.Errorf("upvalue capture slot %d out of range in %s", desc.Index, p.Name)
					}
					cells[i] = f.cellFor(int(desc.Index))
				} else {
					if int(desc.Index) >= len(cl.Upvals) {
						return Nil, fmt.Errorf("upvalue capture index %d out of range in %s", desc.Index, p.Name)
					}
					cells[i] = cl.Upvals[desc.Index]
				}
			}
			f.push(ClosureValue(&Closure{Proto: sub, Upvals: cells, Env: cl.Env}))

		case OpCall:
			argc := int(f.readByte())
			if len(f.stack) < argc+1 {
				return Nil, fmt.Errorf("stack underflow at offset %d in %s", f.ip-2, p.Name)
			}
			callArgs := make([]Value, argc)
			for i := argc - 1; i >= 0; i-- {
				callArgs[i] = f.pop()
			}
			callee := f.pop()
			var result Value
			var err error
			switch callee.Kind() {
			case KindClosure:
				result, err = runClosure(callee.Closure(), callArgs, depth+1)
			case KindGoFunc:
				result, err = callee.GoFunc().Call(callArgs)
			default:
				err = fmt.Errorf("%w: %s", ErrNotCallable, callee.Kind())
			}
			if err != nil {
				return Nil, err
			}
			f.push(result)

		case OpReturn:
			return f.pop(), nil

		case OpReturnNil:
			return Nil, nil

		default:
			return Nil, fmt.Errorf("unknown opcode 0x%02X at offset %d in %s", byte(op), f.ip-1, p.Name)
		}
	}

	// Falling off the end returns nil.
	return Nil, nil
}

// arith evaluates a binary arithmetic opcode. Integers stay integral;
// mixed int/float promotes to float. OpAdd on two strings concatenates.
func arith(op Opcode, a, b Value) (Value, error) {
	if op == OpAdd && a.Kind() == KindString && b.Kind() == KindString {
		return Str(a.AsString() + b.AsString()), nil
	}

	if a.Kind() == KindInt && b.Kind() == KindInt {
		x, y := a.AsInt(), b.AsInt()
		switch op {
		case OpAdd:
			return Int(x + y), nil
		case OpSub:
			return Int(x - y), nil
		case OpMul:
			return Int(x * y), nil
		case OpDiv:
			if y == 0 {
				return Nil, fmt.Errorf("integer division by zero")
			}
			return Int(x / y), nil
		case OpMod:
			if y == 0 {
				return Nil, fmt.Errorf("integer modulo by zero")
			}
			return Int(x % y), nil
		}
	}

	x, okA := toFloat(a)
	y, okB := toFloat(b)
	if !okA || !okB {
		return Nil, fmt.Errorf("cannot apply %s to %s and %s", op, a.Kind(), b.Kind())
	}
	switch op {
	case OpAdd:
		return Float(x + y), nil
	case OpSub:
		return Float(x - y), nil
	case OpMul:
		return Float(x * y), nil
	case OpDiv:
		return Float(x / y), nil
	case OpMod:
		return Nil, fmt.Errorf("cannot apply MOD to floats")
	}
	return Nil, fmt.Errorf("not an arithmetic opcode: %s", op)
}

func compare(op Opcode, a, b Value) (Value, error) {
	if a.Kind() == KindString && b.Kind() == KindString {
		x, y := a.AsString(), b.AsString()
		switch op {
		case OpLt:
			return Bool(x < y), nil
		case OpLe:
			return Bool(x <= y), nil
		case OpGt:
			return Bool(x > y), nil
		case OpGe:
			return Bool(x >= y), nil
		}
	}

	x, okA := toFloat(a)
	y, okB := toFloat(b)
	if !okA || !okB {
		return Nil, fmt.Errorf("cannot compare %s and %s", a.Kind(), b.Kind())
	}
	switch op {
	case OpLt:
		return Bool(x < y), nil
	case OpLe:
		return Bool(x <= y), nil
	case OpGt:
		return Bool(x > y), nil
	case OpGe:
		return Bool(x >= y), nil
	}
	return Nil, fmt.Errorf("not a comparison opcode: %s", op)
}

func toFloat(v Value) (float64, bool) {
	switch v.Kind() {
	case KindInt:
		return float64(v.AsInt()), true
	case KindFloat:
		return v.AsFloat(), true
	default:
		return 0, false
	}
}
