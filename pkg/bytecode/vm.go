package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// MaxCallDepth bounds nested calls before the VM traps.
const MaxCallDepth = 1024

// InitialMemory is the size of linear memory when a VM starts.
const InitialMemory = 64 * 1024

// ErrUnknownExport is returned by Invoke for a name the module does not
// export.
var ErrUnknownExport = errors.New("bytecode: unknown export")

// Host provides the imports a module calls by name.
type Host interface {
	CallImport(vm *VM, imp Import, args []uint64) (uint64, error)
}

// Trap is a runtime fault raised while executing bytecode.
type Trap struct {
	Func   string
	Offset int
	Reason string
}

func (t *Trap) Error() string {
	return fmt.Sprintf("trap in %s at %04X: %s", t.Func, t.Offset, t.Reason)
}

// trapSignal carries a trap reason out of the frame helpers.
type trapSignal string

// VM executes a bytecode module. Every value is one 64-bit word: integers
// are two's complement, floats are IEEE 754 bits, booleans are 0 or 1 and
// closures are packed slot/environment pairs.
type VM struct {
	module  *Module
	host    Host
	globals []uint64
	depth   int

	// Memory is the VM's linear memory. Address 0 is never handed out.
	Memory []byte

	// Trace prints each executed instruction.
	Trace bool
}

// frame is one active function invocation.
type frame struct {
	fn     *Function
	ip     int
	locals []uint64
	stack  []uint64
}

// NewVM creates a VM for a module. The host may be nil for modules without
// imports.
func NewVM(m *Module, host Host) *VM {
	vm := &VM{
		module:  m,
		host:    host,
		globals: make([]uint64, len(m.Globals)),
		Memory:  make([]byte, InitialMemory),
	}
	for i, g := range m.Globals {
		vm.globals[i] = g.Init
	}
	return vm
}

// Module returns the module being executed.
func (vm *VM) Module() *Module {
	return vm.module
}

// EnsureMemory grows linear memory to at least size bytes.
func (vm *VM) EnsureMemory(size uint32) {
	if int(size) <= len(vm.Memory) {
		return
	}
	n := len(vm.Memory)
	for n < int(size) {
		n *= 2
	}
	grown := make([]byte, n)
	copy(grown, vm.Memory)
	vm.Memory = grown
}

// Load64 reads a word from linear memory.
func (vm *VM) Load64(addr uint64) (uint64, error) {
	if addr > uint64(len(vm.Memory))-WordSize {
		return 0, fmt.Errorf("memory access out of bounds: address %d", addr)
	}
	return binary.LittleEndian.Uint64(vm.Memory[addr:]), nil
}

// Store64 writes a word to linear memory.
func (vm *VM) Store64(addr uint64, v uint64) error {
	if addr > uint64(len(vm.Memory))-WordSize {
		return fmt.Errorf("memory access out of bounds: address %d", addr)
	}
	binary.LittleEndian.PutUint64(vm.Memory[addr:], v)
	return nil
}

// Invoke calls an exported function by name.
func (vm *VM) Invoke(name string, args ...uint64) (uint64, error) {
	fn, ok := vm.module.LookupExport(name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownExport, name)
	}
	return vm.Call(fn, args)
}

// Call runs the function with the given index.
func (vm *VM) Call(fn uint32, args []uint64) (uint64, error) {
	if int(fn) >= len(vm.module.Functions) {
		return 0, &Trap{Func: "?", Reason: fmt.Sprintf("function index %d out of range", fn)}
	}
	f := vm.module.Functions[fn]
	if len(args) != int(f.ParamCount) {
		return 0, &Trap{Func: f.Name, Reason: fmt.Sprintf("expects %d arguments, got %d", f.ParamCount, len(args))}
	}
	if vm.depth >= MaxCallDepth {
		return 0, &Trap{Func: f.Name, Reason: "call stack exhausted"}
	}

	fr := &frame{
		fn:     f,
		locals: make([]uint64, max(int(f.LocalCount), len(args))),
		stack:  make([]uint64, 0, 16),
	}
	copy(fr.locals, args)

	vm.depth++
	defer func() { vm.depth-- }()
	return vm.run(fr)
}

// run is the main execution loop for one frame.
func (vm *VM) run(fr *frame) (result uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			reason, ok := r.(trapSignal)
			if !ok {
				panic(r)
			}
			err = &Trap{Func: fr.fn.Name, Offset: fr.ip, Reason: string(reason)}
		}
	}()

	code := fr.fn.Code
	for fr.ip < len(code) {
		start := fr.ip
		op := Opcode(code[fr.ip])
		fr.ip++

		if vm.Trace {
			fmt.Printf("[%s %04x] %-16s depth=%d stack=%v\n", fr.fn.Name, start, op, vm.depth, fr.stack)
		}

		switch op {
		// ============ Stack Operations ============
		case OpNop:
			// Do nothing

		case OpPop:
			fr.pop()

		case OpDup:
			v := fr.pop()
			fr.push(v)
			fr.push(v)

		case OpSwap:
			b, a := fr.pop(), fr.pop()
			fr.push(b)
			fr.push(a)

		// ============ Constants ============
		case OpConst:
			idx := fr.readU16()
			if int(idx) >= len(fr.fn.Constants) {
				panic(trapSignal(fmt.Sprintf("constant %d out of range", idx)))
			}
			fr.push(fr.fn.Constants[idx])

		case OpConstZero:
			fr.push(0)

		case OpConstOne:
			fr.push(1)

		case OpConstSmall:
			fr.push(uint64(int64(int8(fr.readU8()))))

		// ============ Variables ============
		case OpLocalGet:
			fr.push(fr.locals[fr.localSlot()])

		case OpLocalSet:
			slot := fr.localSlot()
			fr.locals[slot] = fr.pop()

		case OpGlobalGet:
			fr.push(vm.globals[vm.globalIndex(fr.readU16())])

		case OpGlobalSet:
			idx := vm.globalIndex(fr.readU16())
			vm.globals[idx] = fr.pop()

		// ============ Memory ============
		case OpLoad64:
			offset := uint64(fr.readU32())
			v, err := vm.Load64(fr.pop() + offset)
			if err != nil {
				panic(trapSignal(err.Error()))
			}
			fr.push(v)

		case OpStore64:
			offset := uint64(fr.readU32())
			v := fr.pop()
			if err := vm.Store64(fr.pop()+offset, v); err != nil {
				panic(trapSignal(err.Error()))
			}

		// ============ Integer Arithmetic ============
		case OpI64Add, OpI64Sub, OpI64Mul, OpI64Div, OpI64Rem:
			b, a := int64(fr.pop()), int64(fr.pop())
			fr.push(uint64(intArith(op, a, b)))

		case OpI64Neg:
			fr.push(uint64(-int64(fr.pop())))

		// ============ Float Arithmetic ============
		case OpF64Add, OpF64Sub, OpF64Mul, OpF64Div:
			b, a := fr.popF64(), fr.popF64()
			fr.pushF64(floatArith(op, a, b))

		case OpF64Neg:
			fr.pushF64(-fr.popF64())

		case OpF64ConvertI64:
			fr.pushF64(float64(int64(fr.pop())))

		case OpI64TruncateF64:
			fr.push(uint64(int64(fr.popF64())))

		case OpF64ConvertLHS:
			b := fr.pop()
			fr.pushF64(float64(int64(fr.pop())))
			fr.push(b)

		// ============ Comparison ============
		case OpI64Eq, OpI64Ne, OpI64Lt, OpI64Le, OpI64Gt, OpI64Ge:
			b, a := int64(fr.pop()), int64(fr.pop())
			fr.pushBool(intCompare(op, a, b))

		case OpI64Eqz:
			fr.pushBool(fr.pop() == 0)

		case OpF64Eq, OpF64Ne, OpF64Lt, OpF64Le, OpF64Gt, OpF64Ge:
			b, a := fr.popF64(), fr.popF64()
			fr.pushBool(floatCompare(op, a, b))

		// ============ Control Flow ============
		case OpJump:
			delta := fr.readI16()
			fr.ip += int(delta)

		case OpJumpIfTrue:
			delta := fr.readI16()
			if fr.pop() != 0 {
				fr.ip += int(delta)
			}

		case OpJumpIfFalse:
			delta := fr.readI16()
			if fr.pop() == 0 {
				fr.ip += int(delta)
			}

		// ============ Calls ============
		case OpCall:
			fn := fr.readU16()
			args := fr.popN(int(fr.readU8()))
			v, err := vm.Call(uint32(fn), args)
			if err != nil {
				return 0, err
			}
			fr.push(v)

		case OpCallImport:
			idx := fr.readU16()
			args := fr.popN(int(fr.readU8()))
			v, err := vm.callImport(idx, args)
			if err != nil {
				return 0, err
			}
			fr.push(v)

		case OpCallIndirect:
			argc := int(fr.readU8())
			slot := fr.pop()
			args := fr.popN(argc)
			if slot >= uint64(len(vm.module.Table)) {
				panic(trapSignal(fmt.Sprintf("table slot %d out of range", slot)))
			}
			v, err := vm.Call(vm.module.Table[slot], args)
			if err != nil {
				return 0, err
			}
			fr.push(v)

		// ============ Closures ============
		case OpClosureMake:
			slot := fr.readU16()
			env := fr.pop()
			fr.push(PackClosure(uint32(slot), uint32(env)))

		case OpClosureIndex:
			slot, _ := UnpackClosure(fr.pop())
			fr.push(uint64(slot))

		case OpClosureEnv:
			_, env := UnpackClosure(fr.pop())
			fr.push(uint64(env))

		// ============ Return ============
		case OpReturn:
			return fr.pop(), nil

		case OpReturnUnit:
			return 0, nil

		case OpTrap:
			panic(trapSignal("unreachable"))

		default:
			fr.ip = start
			panic(trapSignal(fmt.Sprintf("unknown opcode 0x%02X", byte(op))))
		}
	}

	if len(fr.stack) > 0 {
		return fr.stack[len(fr.stack)-1], nil
	}
	return 0, nil
}

func (vm *VM) callImport(idx uint16, args []uint64) (uint64, error) {
	if int(idx) >= len(vm.module.Imports) {
		panic(trapSignal(fmt.Sprintf("import %d out of range", idx)))
	}
	imp := vm.module.Imports[idx]
	if vm.host == nil {
		panic(trapSignal("no host for import " + imp.QualifiedName()))
	}
	return vm.host.CallImport(vm, imp, args)
}

func (vm *VM) globalIndex(idx uint16) int {
	if int(idx) >= len(vm.globals) {
		panic(trapSignal(fmt.Sprintf("global %d out of range", idx)))
	}
	return int(idx)
}

// ---------------------------------------------------------------------------
// Frame helpers
// ---------------------------------------------------------------------------

func (fr *frame) push(v uint64) {
	fr.stack = append(fr.stack, v)
}

func (fr *frame) pop() uint64 {
	n := len(fr.stack)
	if n == 0 {
		panic(trapSignal("stack underflow"))
	}
	v := fr.stack[n-1]
	fr.stack = fr.stack[:n-1]
	return v
}

// popN pops n values and returns them in push order.
func (fr *frame) popN(n int) []uint64 {
	if n > len(fr.stack) {
		panic(trapSignal("stack underflow"))
	}
	args := make([]uint64, n)
	copy(args, fr.stack[len(fr.stack)-n:])
	fr.stack = fr.stack[:len(fr.stack)-n]
	return args
}

func (fr *frame) pushF64(f float64) { fr.push(math.Float64bits(f)) }
func (fr *frame) popF64() float64   { return math.Float64frombits(fr.pop()) }

func (fr *frame) pushBool(b bool) {
	if b {
		fr.push(1)
	} else {
		fr.push(0)
	}
}

func (fr *frame) operands(n int) []byte {
	if fr.ip+n > len(fr.fn.Code) {
		panic(trapSignal("truncated instruction"))
	}
	b := fr.fn.Code[fr.ip : fr.ip+n]
	fr.ip += n
	return b
}

func (fr *frame) readU8() uint8   { return fr.operands(1)[0] }
func (fr *frame) readU16() uint16 { return binary.BigEndian.Uint16(fr.operands(2)) }
func (fr *frame) readI16() int16  { return int16(fr.readU16()) }
func (fr *frame) readU32() uint32 { return binary.BigEndian.Uint32(fr.operands(4)) }

func (fr *frame) localSlot() int {
	slot := int(fr.readU8())
	if slot >= len(fr.locals) {
		panic(trapSignal(fmt.Sprintf("local %d out of range", slot)))
	}
	return slot
}

func intArith(op Opcode, a, b int64) int64 {
	switch op {
	case OpI64Add:
		return a + b
	case OpI64Sub:
		return a - b
	case OpI64Mul:
		return a * b
	case OpI64Div:
		if b == 0 {
			panic(trapSignal("integer divide by zero"))
		}
		return a / b
	default:
		if b == 0 {
			panic(trapSignal("integer divide by zero"))
		}
		return a % b
	}
}

func floatArith(op Opcode, a, b float64) float64 {
	switch op {
	case OpF64Add:
		return a + b
	case OpF64Sub:
		return a - b
	case OpF64Mul:
		return a * b
	default:
		return a / b
	}
}

func intCompare(op Opcode, a, b int64) bool {
	switch op {
	case OpI64Eq:
		return a == b
	case OpI64Ne:
		return a != b
	case OpI64Lt:
		return a < b
	case OpI64Le:
		return a <= b
	case OpI64Gt:
		return a > b
	default:
		return a >= b
	}
}

func floatCompare(op Opcode, a, b float64) bool {
	switch op {
	case OpF64Eq:
		return a == b
	case OpF64Ne:
		return a != b
	case OpF64Lt:
		return a < b
	case OpF64Le:
		return a <= b
	case OpF64Gt:
		return a > b
	default:
		return a >= b
	}
}
