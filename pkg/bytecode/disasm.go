package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Disassemble returns a human-readable listing of the whole module.
func (m *Module) Disassemble() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("; Quill Bytecode v%d\n", m.Version))

	if len(m.Imports) > 0 {
		sb.WriteString("; Imports:\n")
		for i, imp := range m.Imports {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s (params=%d results=%d)\n", i, imp.QualifiedName(), imp.Params, imp.Results))
		}
	}

	if len(m.Table) > 0 {
		sb.WriteString("; Table:\n")
		for slot, fn := range m.Table {
			sb.WriteString(fmt.Sprintf(";   [%3d] -> func %d (%s)\n", slot, fn, m.functionName(fn)))
		}
	}

	if len(m.Globals) > 0 {
		sb.WriteString("; Globals:\n")
		for i, g := range m.Globals {
			mut := ""
			if g.Mutable {
				mut = " mut"
			}
			sb.WriteString(fmt.Sprintf(";   [%3d] %s%s = %d\n", i, g.Name, mut, int64(g.Init)))
		}
	}

	if len(m.Exports) > 0 {
		sb.WriteString("; Exports:\n")
		for _, e := range m.Exports {
			sb.WriteString(fmt.Sprintf(";   %s -> func %d\n", e.Name, e.Func))
		}
	}

	for i, f := range m.Functions {
		sb.WriteString("\n")
		sb.WriteString(f.disassemble(m, fmt.Sprintf("func %d: %s", i, f.Name)))
	}
	return sb.String()
}

func (m *Module) functionName(fn uint32) string {
	if m != nil && int(fn) < len(m.Functions) {
		return m.Functions[fn].Name
	}
	return "?"
}

// Disassemble returns a human-readable bytecode listing for the function.
func (f *Function) Disassemble() string {
	return f.disassemble(nil, f.Name)
}

func (f *Function) disassemble(m *Module, header string) string {
	var sb strings.Builder

	if header != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", header))
	}
	sb.WriteString(fmt.Sprintf("; Params: %d  Locals: %d\n", f.ParamCount, f.LocalCount))

	if len(f.Constants) > 0 {
		sb.WriteString("; Constants:\n")
		for i, c := range f.Constants {
			sb.WriteString(fmt.Sprintf(";   [%3d] %d (f64 %g)\n", i, int64(c), math.Float64frombits(c)))
		}
	}

	sb.WriteString("; Code:\n")
	offset := 0
	for offset < len(f.Code) {
		line, instrLen := f.disassembleInstruction(m, offset)

		if srcLine, srcCol := f.GetSourceLocation(uint32(offset)); srcLine > 0 {
			sb.WriteString(fmt.Sprintf("%04X  %-36s ; line %d:%d\n", offset, line, srcLine, srcCol))
		} else {
			sb.WriteString(fmt.Sprintf("%04X  %s\n", offset, line))
		}

		offset += instrLen
	}

	return sb.String()
}

// disassembleInstruction disassembles a single instruction at the given offset.
// Returns the formatted string and the instruction length.
func (f *Function) disassembleInstruction(m *Module, offset int) (string, int) {
	if offset >= len(f.Code) {
		return "<end of code>", 0
	}

	op := Opcode(f.Code[offset])
	info := GetOpcodeInfo(op)
	instrLen := 1 + info.OperandLen
	if offset+instrLen > len(f.Code) {
		return fmt.Sprintf("%s <truncated>", info.Name), len(f.Code) - offset
	}

	switch op {
	case OpConst:
		idx := f.readUint16(offset + 1)
		if int(idx) < len(f.Constants) {
			return fmt.Sprintf("CONST %d ; %d", idx, int64(f.Constants[idx])), instrLen
		}
		return fmt.Sprintf("CONST %d", idx), instrLen

	case OpConstSmall:
		return fmt.Sprintf("CONST_SMALL %d", int8(f.Code[offset+1])), instrLen

	case OpLocalGet, OpLocalSet:
		slot := f.Code[offset+1]
		if name := f.localName(int(slot)); name != "" {
			return fmt.Sprintf("%s %d ; %s", info.Name, slot, name), instrLen
		}
		return fmt.Sprintf("%s %d", info.Name, slot), instrLen

	case OpGlobalGet, OpGlobalSet:
		idx := f.readUint16(offset + 1)
		if m != nil && int(idx) < len(m.Globals) {
			return fmt.Sprintf("%s %d ; %s", info.Name, idx, m.Globals[idx].Name), instrLen
		}
		return fmt.Sprintf("%s %d", info.Name, idx), instrLen

	case OpLoad64, OpStore64:
		return fmt.Sprintf("%s offset=%d", info.Name, binary.BigEndian.Uint32(f.Code[offset+1:])), instrLen

	case OpJump, OpJumpIfTrue, OpJumpIfFalse:
		delta := f.readInt16(offset + 1)
		target := offset + 3 + int(delta)
		return fmt.Sprintf("%s %+d (-> %04X)", info.Name, delta, target), instrLen

	case OpCall:
		idx := f.readUint16(offset + 1)
		argc := f.Code[offset+3]
		if m != nil {
			return fmt.Sprintf("CALL %d (%s) argc=%d", idx, m.functionName(uint32(idx)), argc), instrLen
		}
		return fmt.Sprintf("CALL %d argc=%d", idx, argc), instrLen

	case OpCallImport:
		idx := f.readUint16(offset + 1)
		argc := f.Code[offset+3]
		if m != nil && int(idx) < len(m.Imports) {
			return fmt.Sprintf("CALL_IMPORT %d (%s) argc=%d", idx, m.Imports[idx].QualifiedName(), argc), instrLen
		}
		return fmt.Sprintf("CALL_IMPORT %d argc=%d", idx, argc), instrLen

	case OpCallIndirect:
		return fmt.Sprintf("CALL_INDIRECT argc=%d", f.Code[offset+1]), instrLen

	case OpClosureMake:
		slot := f.readUint16(offset + 1)
		if m != nil && int(slot) < len(m.Table) {
			return fmt.Sprintf("CLOSURE_MAKE slot=%d (%s)", slot, m.functionName(m.Table[slot])), instrLen
		}
		return fmt.Sprintf("CLOSURE_MAKE slot=%d", slot), instrLen

	// Default: use info from table
	default:
		if info.OperandLen == 0 {
			return info.Name, instrLen
		}

		// Format operands generically
		operands := make([]string, 0, info.OperandLen)
		for i := 0; i < info.OperandLen; i++ {
			operands = append(operands, fmt.Sprintf("0x%02X", f.Code[offset+1+i]))
		}
		return fmt.Sprintf("%s %s", info.Name, strings.Join(operands, " ")), instrLen
	}
}

// DisassembleInstruction returns a human-readable representation of a single instruction.
func (f *Function) DisassembleInstruction(offset int) string {
	line, _ := f.disassembleInstruction(nil, offset)
	return line
}

// readUint16 reads a big-endian uint16 from the code at the given offset.
func (f *Function) readUint16(offset int) uint16 {
	if offset+1 >= len(f.Code) {
		return 0
	}
	return binary.BigEndian.Uint16(f.Code[offset:])
}

// readInt16 reads a big-endian int16 from the code at the given offset.
func (f *Function) readInt16(offset int) int16 {
	return int16(f.readUint16(offset))
}

// localName returns the name of a local slot if available.
func (f *Function) localName(slot int) string {
	if slot < len(f.LocalNames) {
		return f.LocalNames[slot]
	}
	return ""
}

// DisassembleToLines returns the disassembly as a slice of lines.
func (f *Function) DisassembleToLines() []string {
	var lines []string
	offset := 0
	for offset < len(f.Code) {
		line, instrLen := f.disassembleInstruction(nil, offset)
		lines = append(lines, fmt.Sprintf("%04X  %s", offset, line))
		offset += instrLen
	}
	return lines
}

// InstructionCount returns the number of instructions in the function.
func (f *Function) InstructionCount() int {
	count := 0
	offset := 0
	for offset < len(f.Code) {
		op := Opcode(f.Code[offset])
		offset += op.InstructionLen()
		count++
	}
	return count
}
