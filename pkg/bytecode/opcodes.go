package bytecode

import "fmt"

// Opcode represents a bytecode instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation (0x00-0x0F)
	// ========================================================================

	OpNop  Opcode = 0x00 // No operation
	OpPop  Opcode = 0x01 // Pop top of stack
	OpDup  Opcode = 0x02 // Duplicate top of stack
	OpSwap Opcode = 0x03 // Swap top two stack elements

	// ========================================================================
	// Constants (0x10-0x1F)
	// ========================================================================

	OpConst      Opcode = 0x10 // Push word from pool: OpConst <index:u16>
	OpConstZero  Opcode = 0x11 // Push 0 (false, unit)
	OpConstOne   Opcode = 0x12 // Push 1 (true)
	OpConstSmall Opcode = 0x13 // Push a signed 8-bit integer: OpConstSmall <value:i8>

	// ========================================================================
	// Locals and globals (0x20-0x2F)
	// ========================================================================

	OpLocalGet  Opcode = 0x20 // Push local slot: OpLocalGet <slot:u8>
	OpLocalSet  Opcode = 0x21 // Pop into local slot: OpLocalSet <slot:u8>
	OpGlobalGet Opcode = 0x22 // Push global: OpGlobalGet <index:u16>
	OpGlobalSet Opcode = 0x23 // Pop into global: OpGlobalSet <index:u16>

	// ========================================================================
	// Linear memory (0x30-0x3F)
	// ========================================================================

	OpLoad64  Opcode = 0x30 // addr -> mem[addr+offset]: OpLoad64 <offset:u32>
	OpStore64 Opcode = 0x31 // addr value -> (): OpStore64 <offset:u32>

	// ========================================================================
	// Integer arithmetic (0x40-0x4F)
	// ========================================================================

	OpI64Add Opcode = 0x40 // Pop two, push sum
	OpI64Sub Opcode = 0x41 // Pop two, push difference (a - b where b is TOS)
	OpI64Mul Opcode = 0x42 // Pop two, push product
	OpI64Div Opcode = 0x43 // Pop two, push signed quotient
	OpI64Rem Opcode = 0x44 // Pop two, push signed remainder
	OpI64Neg Opcode = 0x45 // Negate top of stack

	// ========================================================================
	// Float arithmetic (0x50-0x5F)
	// ========================================================================

	OpF64Add         Opcode = 0x50 // Pop two, push sum
	OpF64Sub         Opcode = 0x51 // Pop two, push difference
	OpF64Mul         Opcode = 0x52 // Pop two, push product
	OpF64Div         Opcode = 0x53 // Pop two, push quotient
	OpF64Neg         Opcode = 0x54 // Negate top of stack
	OpF64ConvertI64  Opcode = 0x55 // Convert signed integer on top to float
	OpI64TruncateF64 Opcode = 0x56 // Truncate float on top to signed integer
	OpF64ConvertLHS  Opcode = 0x57 // Convert the integer below the top to float

	// ========================================================================
	// Comparison (0x60-0x6F)
	// ========================================================================

	OpI64Eq  Opcode = 0x60 // Pop two, push 1 if equal
	OpI64Ne  Opcode = 0x61 // Pop two, push 1 if not equal
	OpI64Lt  Opcode = 0x62 // Pop two, push 1 if a < b (signed)
	OpI64Le  Opcode = 0x63 // Pop two, push 1 if a <= b (signed)
	OpI64Gt  Opcode = 0x64 // Pop two, push 1 if a > b (signed)
	OpI64Ge  Opcode = 0x65 // Pop two, push 1 if a >= b (signed)
	OpI64Eqz Opcode = 0x66 // Push 1 if top is zero (logical not)
	OpF64Eq  Opcode = 0x68 // Pop two floats, push 1 if equal
	OpF64Ne  Opcode = 0x69
	OpF64Lt  Opcode = 0x6A
	OpF64Le  Opcode = 0x6B
	OpF64Gt  Opcode = 0x6C
	OpF64Ge  Opcode = 0x6D

	// ========================================================================
	// Control flow (0x80-0x8F)
	// ========================================================================

	OpJump        Opcode = 0x80 // Unconditional jump: OpJump <offset:i16>
	OpJumpIfTrue  Opcode = 0x81 // Pop, jump if non-zero: OpJumpIfTrue <offset:i16>
	OpJumpIfFalse Opcode = 0x82 // Pop, jump if zero: OpJumpIfFalse <offset:i16>

	// ========================================================================
	// Calls (0x90-0x9F)
	// ========================================================================

	OpCall         Opcode = 0x90 // Call function: OpCall <func:u16> <argc:u8>
	OpCallImport   Opcode = 0x91 // Call host import: OpCallImport <import:u16> <argc:u8>
	OpCallIndirect Opcode = 0x92 // Pop table slot, call with argc args: OpCallIndirect <argc:u8>

	// ========================================================================
	// Closures (0xA0-0xAF)
	// ========================================================================

	OpClosureMake  Opcode = 0xA0 // Pop env, push (slot<<32)|env: OpClosureMake <slot:u16>
	OpClosureIndex Opcode = 0xA1 // Pop closure, push its table slot
	OpClosureEnv   Opcode = 0xA2 // Pop closure, push its environment pointer

	// ========================================================================
	// Return (0xF0-0xFF)
	// ========================================================================

	OpReturn     Opcode = 0xF0 // Return top of stack
	OpReturnUnit Opcode = 0xF1 // Return unit (0)
	OpTrap       Opcode = 0xFF // Abort execution
)

// OpcodeInfo provides metadata about each opcode for debugging and validation.
type OpcodeInfo struct {
	Name       string // Human-readable name
	StackPop   int    // How many values popped from stack (-1 = variable)
	StackPush  int    // How many values pushed to stack
	OperandLen int    // Number of operand bytes following the opcode
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Stack manipulation
	OpNop:  {"NOP", 0, 0, 0},
	OpPop:  {"POP", 1, 0, 0},
	OpDup:  {"DUP", 1, 2, 0},
	OpSwap: {"SWAP", 2, 2, 0},

	// Constants
	OpConst:      {"CONST", 0, 1, 2},
	OpConstZero:  {"CONST_ZERO", 0, 1, 0},
	OpConstOne:   {"CONST_ONE", 0, 1, 0},
	OpConstSmall: {"CONST_SMALL", 0, 1, 1},

	// Locals and globals
	OpLocalGet:  {"LOCAL_GET", 0, 1, 1},
	OpLocalSet:  {"LOCAL_SET", 1, 0, 1},
	OpGlobalGet: {"GLOBAL_GET", 0, 1, 2},
	OpGlobalSet: {"GLOBAL_SET", 1, 0, 2},

	// Memory
	OpLoad64:  {"LOAD64", 1, 1, 4},
	OpStore64: {"STORE64", 2, 0, 4},

	// Integer arithmetic
	OpI64Add: {"I64_ADD", 2, 1, 0},
	OpI64Sub: {"I64_SUB", 2, 1, 0},
	OpI64Mul: {"I64_MUL", 2, 1, 0},
	OpI64Div: {"I64_DIV", 2, 1, 0},
	OpI64Rem: {"I64_REM", 2, 1, 0},
	OpI64Neg: {"I64_NEG", 1, 1, 0},

	// Float arithmetic
	OpF64Add:         {"F64_ADD", 2, 1, 0},
	OpF64Sub:         {"F64_SUB", 2, 1, 0},
	OpF64Mul:         {"F64_MUL", 2, 1, 0},
	OpF64Div:         {"F64_DIV", 2, 1, 0},
	OpF64Neg:         {"F64_NEG", 1, 1, 0},
	OpF64ConvertI64:  {"F64_CONVERT_I64", 1, 1, 0},
	OpI64TruncateF64: {"I64_TRUNCATE_F64", 1, 1, 0},
	OpF64ConvertLHS:  {"F64_CONVERT_LHS", 2, 2, 0},

	// Comparison
	OpI64Eq:  {"I64_EQ", 2, 1, 0},
	OpI64Ne:  {"I64_NE", 2, 1, 0},
	OpI64Lt:  {"I64_LT", 2, 1, 0},
	OpI64Le:  {"I64_LE", 2, 1, 0},
	OpI64Gt:  {"I64_GT", 2, 1, 0},
	OpI64Ge:  {"I64_GE", 2, 1, 0},
	OpI64Eqz: {"I64_EQZ", 1, 1, 0},
	OpF64Eq:  {"F64_EQ", 2, 1, 0},
	OpF64Ne:  {"F64_NE", 2, 1, 0},
	OpF64Lt:  {"F64_LT", 2, 1, 0},
	OpF64Le:  {"F64_LE", 2, 1, 0},
	OpF64Gt:  {"F64_GT", 2, 1, 0},
	OpF64Ge:  {"F64_GE", 2, 1, 0},

	// Control flow
	OpJump:        {"JUMP", 0, 0, 2},
	OpJumpIfTrue:  {"JUMP_IF_TRUE", 1, 0, 2},
	OpJumpIfFalse: {"JUMP_IF_FALSE", 1, 0, 2},

	// Calls
	OpCall:         {"CALL", -1, 1, 3},       // Pops argc args
	OpCallImport:   {"CALL_IMPORT", -1, 1, 3}, // Pops argc args
	OpCallIndirect: {"CALL_INDIRECT", -1, 1, 1},

	// Closures
	OpClosureMake:  {"CLOSURE_MAKE", 1, 1, 2},
	OpClosureIndex: {"CLOSURE_INDEX", 1, 1, 0},
	OpClosureEnv:   {"CLOSURE_ENV", 1, 1, 0},

	// Return
	OpReturn:     {"RETURN", 1, 0, 0},
	OpReturnUnit: {"RETURN_UNIT", 0, 0, 0},
	OpTrap:       {"TRAP", 0, 0, 0},
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// IsValid reports whether op is a defined opcode.
func (op Opcode) IsValid() bool {
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
	return op >= OpJump && op <= OpJumpIfFalse
}

// IsReturn returns true if this opcode terminates the current function.
func (op Opcode) IsReturn() bool {
	return op >= OpReturn
}

// IsCall returns true if this opcode transfers control to another function.
func (op Opcode) IsCall() bool {
	return op >= OpCall && op <= OpCallIndirect
}

// AllOpcodes returns a slice of all defined opcodes.
// Useful for testing that all opcodes have metadata.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
