package bytecode

import (
	"errors"
	"fmt"
	"math"
)

// BytecodeVersion is the current bytecode format version.
// Increment when making incompatible changes to the format.
const BytecodeVersion uint16 = 1

// Magic bytes for bytecode files: "QLBC" (Quill ByteCode)
var BytecodeMagic = []byte{'Q', 'L', 'B', 'C'}

// WordSize is the width in bytes of a stack value and of one closure
// environment slot.
const WordSize = 8

// Limits imposed by the operand widths.
const (
	MaxLocals    = math.MaxUint8      // local slots per function
	MaxConstants = math.MaxUint16 + 1 // constant pool entries per function
)

// Errors recorded by a Function whose code exceeds an operand width.
var (
	ErrTooManyLocals    = errors.New("more than 255 local slots")
	ErrTooManyConstants = errors.New("more than 65536 constants")
	ErrJumpTooFar       = errors.New("jump distance exceeds 32767 bytes")
)

// Import is a function provided by the host, addressed by a stable
// module/name pair such as rt.alloc.
type Import struct {
	Module  string
	Name    string
	Params  uint8
	Results uint8 // 0 or 1
}

// QualifiedName returns "module.name".
func (i Import) QualifiedName() string {
	return i.Module + "." + i.Name
}

// Global is a module-level variable holding one word.
type Global struct {
	Name    string
	Init    uint64
	Mutable bool
}

// Export makes a function callable by name from the host.
type Export struct {
	Name string
	Func uint32
}

// SourceLocation maps bytecode position to source location for debugging.
type SourceLocation struct {
	BytecodeOffset uint32 // Offset in code section
	Line           uint32 // Source line number (1-based)
	Column         uint16 // Source column number (1-based)
}

// Function is the compiled code of one function or lambda.
type Function struct {
	Name       string
	ParamCount uint8 // parameters occupy the first local slots
	LocalCount uint8 // total local slots, parameters included

	// Code section
	Code []byte

	// Constant pool: words referenced by OpConst
	Constants []uint64

	// Debug information (optional)
	SourceMap  []SourceLocation
	LocalNames []string

	err error // first limit exceeded while emitting
}

// Err returns the first limit the emitted code exceeded, or nil. Code of a
// function with an error must not be run.
func (f *Function) Err() error {
	return f.err
}

func (f *Function) fail(err error) {
	if f.err == nil {
		f.err = err
	}
}

// Clear discards the emitted code, constants and locals other than the
// parameters, along with any recorded error.
func (f *Function) Clear() {
	f.Code = f.Code[:0]
	f.Constants = nil
	f.SourceMap = nil
	f.LocalNames = nil
	f.LocalCount = f.ParamCount
	f.err = nil
}

// Module is a complete bytecode program: imports, functions, the
// indirect-call table, globals and exports.
type Module struct {
	Version   uint16
	Imports   []Import
	Functions []*Function
	Table     []uint32 // indirect-call slot -> function index
	Globals   []Global
	Exports   []Export
}

// NewModule creates a new empty module with the current version.
func NewModule() *Module {
	return &Module{Version: BytecodeVersion}
}

// AddImport registers a host import and returns its index. Registering the
// same module/name pair again returns the existing index.
func (m *Module) AddImport(module, name string, params, results uint8) uint16 {
	for i, imp := range m.Imports {
		if imp.Module == module && imp.Name == name {
			return uint16(i)
		}
	}
	m.Imports = append(m.Imports, Import{Module: module, Name: name, Params: params, Results: results})
	return uint16(len(m.Imports) - 1)
}

// AddFunction reserves a function index. The function's code may be
// emitted later.
func (m *Module) AddFunction(name string, params uint8) uint32 {
	m.Functions = append(m.Functions, &Function{
		Name:       name,
		ParamCount: params,
		LocalCount: params,
		Code:       make([]byte, 0, 64),
	})
	return uint32(len(m.Functions) - 1)
}

// AddGlobal adds a global and returns its index.
func (m *Module) AddGlobal(name string, init uint64, mutable bool) uint16 {
	m.Globals = append(m.Globals, Global{Name: name, Init: init, Mutable: mutable})
	return uint16(len(m.Globals) - 1)
}

// AddExport exports a function under the given name.
func (m *Module) AddExport(name string, fn uint32) {
	m.Exports = append(m.Exports, Export{Name: name, Func: fn})
}

// SetTableSize sizes the indirect-call table. Slots are filled with
// SetTableEntry.
func (m *Module) SetTableSize(n int) {
	m.Table = make([]uint32, n)
}

// SetTableEntry points an indirect-call slot at a function.
func (m *Module) SetTableEntry(slot int, fn uint32) error {
	if slot < 0 || slot >= len(m.Table) {
		return fmt.Errorf("table slot %d out of range (table size %d)", slot, len(m.Table))
	}
	m.Table[slot] = fn
	return nil
}

// LookupExport returns the function index exported under name.
func (m *Module) LookupExport(name string) (uint32, bool) {
	for _, e := range m.Exports {
		if e.Name == name {
			return e.Func, true
		}
	}
	return 0, false
}

// FunctionIndex returns the index of the first function with the given name.
func (m *Module) FunctionIndex(name string) (uint32, bool) {
	for i, f := range m.Functions {
		if f.Name == name {
			return uint32(i), true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Emitting code
// ---------------------------------------------------------------------------

// AddConstant adds a word to the pool and returns its index.
// If the constant already exists, returns the existing index.
func (f *Function) AddConstant(value uint64) uint16 {
	for i, c := range f.Constants {
		if c == value {
			return uint16(i)
		}
	}
	if len(f.Constants) >= MaxConstants {
		f.fail(ErrTooManyConstants)
		return 0
	}
	idx := uint16(len(f.Constants))
	f.Constants = append(f.Constants, value)
	return idx
}

// AddLocal allocates a new local slot and returns it. Past MaxLocals the
// function records ErrTooManyLocals and the returned slot is not usable.
func (f *Function) AddLocal(name string) uint8 {
	if f.LocalCount == MaxLocals {
		f.fail(ErrTooManyLocals)
		return MaxLocals - 1
	}
	slot := f.LocalCount
	f.LocalCount++
	for len(f.LocalNames) < int(slot) {
		f.LocalNames = append(f.LocalNames, "")
	}
	f.LocalNames = append(f.LocalNames, name)
	return slot
}

// Emit appends a single-byte opcode to the code section.
func (f *Function) Emit(op Opcode) int {
	offset := len(f.Code)
	f.Code = append(f.Code, byte(op))
	return offset
}

// EmitWithOperand appends an opcode with operand bytes.
func (f *Function) EmitWithOperand(op Opcode, operands ...byte) int {
	offset := len(f.Code)
	f.Code = append(f.Code, byte(op))
	f.Code = append(f.Code, operands...)
	return offset
}

// EmitU16 emits an opcode with a 16-bit operand.
func (f *Function) EmitU16(op Opcode, v uint16) int {
	return f.EmitWithOperand(op, byte(v>>8), byte(v))
}

// EmitU32 emits an opcode with a 32-bit operand.
func (f *Function) EmitU32(op Opcode, v uint32) int {
	return f.EmitWithOperand(op, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// EmitI64 pushes an integer, using the short forms where possible.
func (f *Function) EmitI64(v int64) int {
	switch {
	case v == 0:
		return f.Emit(OpConstZero)
	case v == 1:
		return f.Emit(OpConstOne)
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return f.EmitWithOperand(OpConstSmall, byte(int8(v)))
	}
	return f.EmitU16(OpConst, f.AddConstant(uint64(v)))
}

// EmitF64 pushes a float as its IEEE 754 bits.
func (f *Function) EmitF64(v float64) int {
	return f.EmitU16(OpConst, f.AddConstant(math.Float64bits(v)))
}

// EmitCall emits a direct call to a function index.
func (f *Function) EmitCall(op Opcode, index uint16, argc uint8) int {
	return f.EmitWithOperand(op, byte(index>>8), byte(index), argc)
}

// EmitJump emits a jump instruction with a placeholder offset.
// Returns the offset of the placeholder for later patching.
func (f *Function) EmitJump(op Opcode) int {
	offset := len(f.Code)
	f.Code = append(f.Code, byte(op), 0xFF, 0xFF) // Placeholder
	return offset + 1                              // Return offset of the placeholder bytes
}

// PatchJump patches a jump instruction's offset to jump to the current position.
func (f *Function) PatchJump(placeholderOffset int) {
	f.PatchJumpTo(placeholderOffset, len(f.Code))
}

// PatchJumpTo patches a jump to go to a specific offset.
func (f *Function) PatchJumpTo(placeholderOffset int, target int) {
	jumpFrom := placeholderOffset + 2
	delta := target - jumpFrom
	if delta < math.MinInt16 || delta > math.MaxInt16 {
		f.fail(ErrJumpTooFar)
	}

	f.Code[placeholderOffset] = byte(delta >> 8)
	f.Code[placeholderOffset+1] = byte(delta)
}

// EmitLoop emits a backward jump to the given loop start.
func (f *Function) EmitLoop(loopStart int) {
	jumpFrom := len(f.Code) + 3 // After this instruction
	delta := loopStart - jumpFrom
	if delta < math.MinInt16 {
		f.fail(ErrJumpTooFar)
	}

	f.Code = append(f.Code, byte(OpJump), byte(delta>>8), byte(delta))
}

// CurrentOffset returns the current offset in the code section.
func (f *Function) CurrentOffset() int {
	return len(f.Code)
}

// AddSourceLocation adds a debug source location mapping for the current
// offset. Consecutive mappings for the same line are merged.
func (f *Function) AddSourceLocation(line uint32, column uint16) {
	offset := uint32(len(f.Code))
	if n := len(f.SourceMap); n > 0 {
		switch last := f.SourceMap[n-1]; {
		case last.BytecodeOffset == offset:
			f.SourceMap[n-1] = SourceLocation{BytecodeOffset: offset, Line: line, Column: column}
			return
		case last.Line == line:
			return
		}
	}
	f.SourceMap = append(f.SourceMap, SourceLocation{BytecodeOffset: offset, Line: line, Column: column})
}

// GetSourceLocation returns the source location for a bytecode offset.
// Returns line 0, column 0 if no mapping exists.
func (f *Function) GetSourceLocation(offset uint32) (line uint32, column uint16) {
	for i := len(f.SourceMap) - 1; i >= 0; i-- {
		if f.SourceMap[i].BytecodeOffset <= offset {
			return f.SourceMap[i].Line, f.SourceMap[i].Column
		}
	}
	return 0, 0
}

// PackClosure builds a closure value from a table slot and an environment
// pointer.
func PackClosure(slot uint32, env uint32) uint64 {
	return uint64(slot)<<32 | uint64(env)
}

// UnpackClosure splits a closure value into its table slot and environment
// pointer.
func UnpackClosure(v uint64) (slot uint32, env uint32) {
	return uint32(v >> 32), uint32(v)
}
