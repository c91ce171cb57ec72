package vm

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Proto: compiled form of a function
// ---------------------------------------------------------------------------

// UpvalDesc describes where one of a proto's upvalues comes from when a
// closure over it is created at runtime.
type UpvalDesc struct {
	Name    string // variable name (for diagnostics)
	InStack bool   // true: captured from the creating frame's local slot
	Index   uint8  // local slot or enclosing-closure upvalue index
}

// Proto is the compiled representation of a function: bytecode, a constant
// pool of primitives, upvalue descriptors and nested protos for closures
// the function creates. Protos carry no captured state; a Closure pairs a
// Proto with live upvalue cells and an environment.
type Proto struct {
	Name      string // function name (empty for anonymous functions)
	Arity     int    // number of parameters
	NumLocals int    // total local slots, parameters included

	Constants []Value  // constant pool; primitives only
	Code      []byte   // bytecode instructions
	Upvals    []UpvalDesc
	Protos    []*Proto // nested protos referenced by OpClosure
}

// walkErr aborts a code scan.
type codeScanError struct {
	Offset int
	Op     Opcode
}

func (e *codeScanError) Error() string {
	return fmt.Sprintf("undefined opcode 0x%02X at offset %d", byte(e.Op), e.Offset)
}

// ScanCode calls fn for each instruction in the proto's code section with
// its offset, opcode and operand bytes. Scanning stops with an error on the
// first undefined opcode or truncated operand.
func (p *Proto) ScanCode(fn func(offset int, op Opcode, operands []byte) error) error {
	for i := 0; i < len(p.Code); {
		op := Opcode(p.Code[i])
		if !op.IsDefined() {
			return &codeScanError{Offset: i, Op: op}
		}
		n := op.OperandLen()
		if i+1+n > len(p.Code) {
			return fmt.Errorf("truncated operand for %s at offset %d", op, i)
		}
		if err := fn(i, op, p.Code[i+1:i+1+n]); err != nil {
			return err
		}
		i += 1 + n
	}
	return nil
}

// constName returns the string constant at a pool index, used for
// global-name operands.
func (p *Proto) constName(idx uint16) (string, bool) {
	if int(idx) >= len(p.Constants) {
		return "", false
	}
	c := p.Constants[idx]
	if c.Kind() != KindString {
		return "", false
	}
	return c.AsString(), true
}

// FreeGlobals returns the sorted set of global identifier names this
// proto's code references, nested protos included. These are the names
// that resolve against an Env at call time.
func (p *Proto) FreeGlobals() []string {
	seen := make(map[string]bool)
	p.collectGlobals(seen)
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Proto) collectGlobals(seen map[string]bool) {
	p.ScanCode(func(_ int, op Opcode, operands []byte) error {
		if op == OpGetGlobal || op == OpSetGlobal {
			idx := uint16(operands[0])<<8 | uint16(operands[1])
			if name, ok := p.constName(idx); ok {
				seen[name] = true
			}
		}
		return nil
	})
	for _, sub := range p.Protos {
		sub.collectGlobals(seen)
	}
}

// ---------------------------------------------------------------------------
// ProtoBuilder: helper for constructing protos
// ---------------------------------------------------------------------------

// ProtoBuilder helps construct Proto instances, handling constant pooling
// and jump patching. Hosts embed a compiler in front of this; tests build
// protos directly.
type ProtoBuilder struct {
	proto *Proto
}

// NewProtoBuilder creates a builder for a function with the given name and
// arity. Parameters occupy local slots 0..arity-1.
func NewProtoBuilder(name string, arity int) *ProtoBuilder {
	return &ProtoBuilder{
		proto: &Proto{
			Name:      name,
			Arity:     arity,
			NumLocals: arity,
			Constants: make([]Value, 0, 8),
			Code:      make([]byte, 0, 32),
		},
	}
}

// AddLocal reserves a local slot and returns its index.
func (b *ProtoBuilder) AddLocal() int {
	idx := b.proto.NumLocals
	b.proto.NumLocals++
	return idx
}

// AddConstant adds a primitive to the constant pool and returns its index.
// Equal primitives share a pool slot.
func (b *ProtoBuilder) AddConstant(v Value) uint16 {
	if !v.IsPrimitive() {
		panic("ProtoBuilder.AddConstant: constants must be primitive")
	}
	for i, c := range b.proto.Constants {
		if c.Equal(v) {
			return uint16(i)
		}
	}
	idx := uint16(len(b.proto.Constants))
	b.proto.Constants = append(b.proto.Constants, v)
	return idx
}

// AddUpval declares an upvalue and returns its index.
func (b *ProtoBuilder) AddUpval(name string, inStack bool, index uint8) uint8 {
	idx := uint8(len(b.proto.Upvals))
	b.proto.Upvals = append(b.proto.Upvals, UpvalDesc{Name: name, InStack: inStack, Index: index})
	return idx
}

// AddProto adds a nested proto and returns its index.
func (b *ProtoBuilder) AddProto(p *Proto) uint8 {
	idx := uint8(len(b.proto.Protos))
	b.proto.Protos = append(b.proto.Protos, p)
	return idx
}

// Emit appends a single-byte instruction and returns its offset.
func (b *ProtoBuilder) Emit(op Opcode) int {
	offset := len(b.proto.Code)
	b.proto.Code = append(b.proto.Code, byte(op))
	return offset
}

// EmitA appends an instruction with a one-byte operand.
func (b *ProtoBuilder) EmitA(op Opcode, operand byte) int {
	offset := len(b.proto.Code)
	b.proto.Code = append(b.proto.Code, byte(op), operand)
	return offset
}

// EmitU16 appends an instruction with a two-byte operand.
func (b *ProtoBuilder) EmitU16(op Opcode, operand uint16) int {
	offset := len(b.proto.Code)
	b.proto.Code = append(b.proto.Code, byte(op), byte(operand>>8), byte(operand))
	return offset
}

// EmitConst pools the value and emits OpConst for it.
func (b *ProtoBuilder) EmitConst(v Value) int {
	return b.EmitU16(OpConst, b.AddConstant(v))
}

// EmitGetGlobal emits a global load for the named identifier.
func (b *ProtoBuilder) EmitGetGlobal(name string) int {
	return b.EmitU16(OpGetGlobal, b.AddConstant(Str(name)))
}

// EmitSetGlobal emits a global store for the named identifier.
func (b *ProtoBuilder) EmitSetGlobal(name string) int {
	return b.EmitU16(OpSetGlobal, b.AddConstant(Str(name)))
}

// EmitJump emits a jump with a placeholder offset and returns the
// placeholder position for PatchJump.
func (b *ProtoBuilder) EmitJump(op Opcode) int {
	b.proto.Code = append(b.proto.Code, byte(op), 0xFF, 0xFF)
	return len(b.proto.Code) - 2
}

// PatchJump patches a placeholder to jump to the current position.
func (b *ProtoBuilder) PatchJump(placeholder int) {
	delta := len(b.proto.Code) - (placeholder + 2)
	b.proto.Code[placeholder] = byte(delta >> 8)
	b.proto.Code[placeholder+1] = byte(delta)
}

// CurrentOffset returns the current code offset.
func (b *ProtoBuilder) CurrentOffset() int {
	return len(b.proto.Code)
}

// Build finalizes and returns the proto.
func (b *ProtoBuilder) Build() *Proto {
	return b.proto
}
