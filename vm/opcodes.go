package vm

import "fmt"

// Opcode represents a bytecode instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation (0x00-0x0F)
	// ========================================================================

	OpNop Opcode = 0x00 // No operation
	OpPop Opcode = 0x01 // Pop top of stack
	OpDup Opcode = 0x02 // Duplicate top of stack

	// ========================================================================
	// Constants (0x10-0x1F)
	// ========================================================================

	OpConst Opcode = 0x10 // Push constant from pool: OpConst <index:u16>
	OpNil   Opcode = 0x11 // Push nil
	OpTrue  Opcode = 0x12 // Push true
	OpFalse Opcode = 0x13 // Push false

	// ========================================================================
	// Local variables (0x20-0x2F)
	// ========================================================================

	OpGetLocal Opcode = 0x20 // Push local slot: OpGetLocal <slot:u8>
	OpSetLocal Opcode = 0x21 // Pop and store to local slot: OpSetLocal <slot:u8>

	// ========================================================================
	// Upvalues (0x30-0x3F)
	// ========================================================================

	OpGetUpval Opcode = 0x30 // Push upvalue cell content: OpGetUpval <index:u8>
	OpSetUpval Opcode = 0x31 // Pop and store into upvalue cell: OpSetUpval <index:u8>

	// ========================================================================
	// Globals (0x40-0x4F) - name comes from the constant pool
	// ========================================================================

	OpGetGlobal Opcode = 0x40 // Push global: OpGetGlobal <name_index:u16>
	OpSetGlobal Opcode = 0x41 // Pop and store global: OpSetGlobal <name_index:u16>

	// ========================================================================
	// Arithmetic (0x50-0x5F)
	// ========================================================================

	OpAdd Opcode = 0x50 // Pop two, push sum
	OpSub Opcode = 0x51 // Pop two, push difference (a - b where b is TOS)
	OpMul Opcode = 0x52 // Pop two, push product
	OpDiv Opcode = 0x53 // Pop two, push quotient
	OpMod Opcode = 0x54 // Pop two, push remainder
	OpNeg Opcode = 0x55 // Negate top of stack

	// ========================================================================
	// Comparison and logic (0x60-0x6F)
	// ========================================================================

	OpEq  Opcode = 0x60 // Pop two, push true if equal
	OpNe  Opcode = 0x61 // Pop two, push true if not equal
	OpLt  Opcode = 0x62 // Pop two, push true if a < b
	OpLe  Opcode = 0x63 // Pop two, push true if a <= b
	OpGt  Opcode = 0x64 // Pop two, push true if a > b
	OpGe  Opcode = 0x65 // Pop two, push true if a >= b
	OpNot Opcode = 0x68 // Push true if TOS is falsy

	// ========================================================================
	// Tables (0x70-0x7F)
	// ========================================================================

	OpNewTable    Opcode = 0x70 // Create empty table, push it
	OpGetField    Opcode = 0x71 // Pop table, push field: OpGetField <name_index:u16>
	OpSetField    Opcode = 0x72 // Pop value then table, store field: OpSetField <name_index:u16>
	OpGetIndex    Opcode = 0x73 // Pop index then table, push element
	OpSetIndex    Opcode = 0x74 // Pop value, index, table; store element
	OpTableAppend Opcode = 0x75 // Pop value then table, append to list part
	OpTableLen    Opcode = 0x76 // Pop table, push list length

	// ========================================================================
	// Control flow (0x80-0x8F)
	// ========================================================================

	OpJump      Opcode = 0x80 // Unconditional jump: OpJump <offset:i16>
	OpJumpFalse Opcode = 0x81 // Jump if top is falsy: OpJumpFalse <offset:i16>
	OpJumpTrue  Opcode = 0x82 // Jump if top is truthy: OpJumpTrue <offset:i16>

	// ========================================================================
	// Closures and calls (0xA0-0xAF)
	// ========================================================================

	OpClosure Opcode = 0xA0 // Create closure from nested proto: OpClosure <proto_index:u8>
	OpCall    Opcode = 0xA1 // Call TOS-argc..TOS: OpCall <argc:u8>

	// ========================================================================
	// Return (0xF0-0xFF)
	// ========================================================================

	OpReturn    Opcode = 0xF0 // Return top of stack
	OpReturnNil Opcode = 0xF1 // Return nil
)

// OpcodeInfo provides metadata about each opcode for disassembly and
// static validation.
type OpcodeInfo struct {
	Name       string // Human-readable name
	OperandLen int    // Number of operand bytes following the opcode
	StackIn    int    // Values popped from the operand stack (OpCall pops argc more)
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpNop: {"NOP", 0, 0},
	OpPop: {"POP", 0, 1},
	OpDup: {"DUP", 0, 1},

	OpConst: {"CONST", 2, 0},
	OpNil:   {"NIL", 0, 0},
	OpTrue:  {"TRUE", 0, 0},
	OpFalse: {"FALSE", 0, 0},

	OpGetLocal: {"GET_LOCAL", 1, 0},
	OpSetLocal: {"SET_LOCAL", 1, 1},

	OpGetUpval: {"GET_UPVAL", 1, 0},
	OpSetUpval: {"SET_UPVAL", 1, 1},

	OpGetGlobal: {"GET_GLOBAL", 2, 0},
	OpSetGlobal: {"SET_GLOBAL", 2, 1},

	OpAdd: {"ADD", 0, 2},
	OpSub: {"SUB", 0, 2},
	OpMul: {"MUL", 0, 2},
	OpDiv: {"DIV", 0, 2},
	OpMod: {"MOD", 0, 2},
	OpNeg: {"NEG", 0, 1},

	OpEq:  {"EQ", 0, 2},
	OpNe:  {"NE", 0, 2},
	OpLt:  {"LT", 0, 2},
	OpLe:  {"LE", 0, 2},
	OpGt:  {"GT", 0, 2},
	OpGe:  {"GE", 0, 2},
	OpNot: {"NOT", 0, 1},

	OpNewTable:    {"NEW_TABLE", 0, 0},
	OpGetField:    {"GET_FIELD", 2, 1},
	OpSetField:    {"SET_FIELD", 2, 2},
	OpGetIndex:    {"GET_INDEX", 0, 2},
	OpSetIndex:    {"SET_INDEX", 0, 3},
	OpTableAppend: {"TABLE_APPEND", 0, 2},
	OpTableLen:    {"TABLE_LEN", 0, 1},

	OpJump:      {"JUMP", 2, 0},
	OpJumpFalse: {"JUMP_FALSE", 2, 1},
	OpJumpTrue:  {"JUMP_TRUE", 2, 1},

	OpClosure: {"CLOSURE", 1, 0},
	OpCall:    {"CALL", 1, 1},

	OpReturn:    {"RETURN", 0, 1},
	OpReturnNil: {"RETURN_NIL", 0, 0},
}

// opcodeByName maps names back to opcodes (for policy files).
var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeInfoTable))
	for op, info := range opcodeInfoTable {
		m[info.Name] = op
	}
	return m
}()

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// IsDefined reports whether the opcode is part of the instruction set.
func (op Opcode) IsDefined() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// OperandLen returns the number of operand bytes for this opcode.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen
}

// InstructionLen returns the total length of an instruction (1 + operand bytes).
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

// IsJump returns true if this opcode is a jump instruction.
func (op Opcode) IsJump() bool {
	return op >= OpJump && op <= OpJumpTrue
}

// IsReturn returns true if this opcode terminates execution.
func (op Opcode) IsReturn() bool {
	return op == OpReturn || op == OpReturnNil
}

// OpcodeNamed looks up an opcode by its disassembly name.
func OpcodeNamed(name string) (Opcode, bool) {
	op, ok := opcodeByName[name]
	return op, ok
}

// AllOpcodes returns a slice of all defined opcodes.
// Useful for building allow-everything policies and for testing metadata.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}
