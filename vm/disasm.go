package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembler
// ---------------------------------------------------------------------------

// Disassemble returns a human-readable listing of a proto's bytecode,
// nested protos included.
func Disassemble(p *Proto) string {
	var sb strings.Builder
	disasmProto(&sb, p, "")
	return sb.String()
}

func disasmProto(sb *strings.Builder, p *Proto, indent string) {
	name := p.Name
	if name == "" {
		name = "<anonymous>"
	}
	fmt.Fprintf(sb, "%s%s (arity=%d locals=%d upvals=%d)\n", indent, name, p.Arity, p.NumLocals, len(p.Upvals))

	for i, desc := range p.Upvals {
		source := "upval"
		if desc.InStack {
			source = "stack"
		}
		fmt.Fprintf(sb, "%s  upval %d: %s (%s %d)\n", indent, i, desc.Name, source, desc.Index)
	}

	err := p.ScanCode(func(offset int, op Opcode, operands []byte) error {
		fmt.Fprintf(sb, "%s  %04x  %-14s", indent, offset, op.String())
		switch op {
		case OpConst, OpGetField, OpSetField:
			idx := uint16(operands[0])<<8 | uint16(operands[1])
			fmt.Fprintf(sb, " %d", idx)
			if int(idx) < len(p.Constants) {
				fmt.Fprintf(sb, " ; %s", p.Constants[idx])
			}
		case OpGetGlobal, OpSetGlobal:
			idx := uint16(operands[0])<<8 | uint16(operands[1])
			if name, ok := p.constName(idx); ok {
				fmt.Fprintf(sb, " %q", name)
			} else {
				fmt.Fprintf(sb, " %d", idx)
			}
		case OpJump, OpJumpFalse, OpJumpTrue:
			delta := int16(uint16(operands[0])<<8 | uint16(operands[1]))
			fmt.Fprintf(sb, " %+d ; -> %04x", delta, offset+3+int(delta))
		default:
			for _, b := range operands {
				fmt.Fprintf(sb, " %d", b)
			}
		}
		sb.WriteByte('\n')
		return nil
	})
	if err != nil {
		fmt.Fprintf(sb, "%s  <scan error: %v>\n", indent, err)
	}

	for i, sub := range p.Protos {
		fmt.Fprintf(sb, "%s  proto %d:\n", indent, i)
		disasmProto(sb, sub, indent+"    ")
	}
}
