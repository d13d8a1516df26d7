package bytecode

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
)

// moduleWithCode builds a module whose exported "main" has the given code.
func moduleWithCode(params uint8, build func(f *Function)) *Module {
	m := NewModule()
	idx := m.AddFunction("main", params)
	build(m.Functions[idx])
	m.AddExport("main", idx)
	return m
}

func run(t *testing.T, m *Module, args ...uint64) uint64 {
	t.Helper()
	v, err := NewVM(m, NewRuntimeHost(nil)).Invoke("main", args...)
	if err != nil {
		t.Fatalf("Invoke: %v\n%s", err, m.Disassemble())
	}
	return v
}

func TestVMIntegerArithmetic(t *testing.T) {
	tests := []struct {
		op   Opcode
		a, b int64
		want int64
	}{
		{OpI64Add, 2, 3, 5},
		{OpI64Sub, 2, 5, -3},
		{OpI64Mul, -4, 6, -24},
		{OpI64Div, 17, 5, 3},
		{OpI64Rem, 17, 5, 2},
		{OpI64Eq, 4, 4, 1},
		{OpI64Ne, 4, 4, 0},
		{OpI64Lt, -1, 0, 1},
		{OpI64Le, 3, 3, 1},
		{OpI64Gt, 3, 3, 0},
		{OpI64Ge, 4, 3, 1},
	}
	for _, tc := range tests {
		m := moduleWithCode(0, func(f *Function) {
			f.EmitI64(tc.a)
			f.EmitI64(tc.b)
			f.Emit(tc.op)
			f.Emit(OpReturn)
		})
		if got := int64(run(t, m)); got != tc.want {
			t.Errorf("%d %s %d = %d, want %d", tc.a, tc.op, tc.b, got, tc.want)
		}
	}
}

func TestVMFloatArithmetic(t *testing.T) {
	tests := []struct {
		name  string
		build func(f *Function)
		want  float64
	}{
		{"add", func(f *Function) { f.EmitF64(1.5); f.EmitF64(2.25); f.Emit(OpF64Add) }, 3.75},
		{"div", func(f *Function) { f.EmitF64(1); f.EmitF64(4); f.Emit(OpF64Div) }, 0.25},
		{"neg", func(f *Function) { f.EmitF64(2); f.Emit(OpF64Neg) }, -2},
		{"convert top", func(f *Function) { f.EmitF64(0.5); f.EmitI64(2); f.Emit(OpF64ConvertI64); f.Emit(OpF64Mul) }, 1},
		{"convert lhs", func(f *Function) { f.EmitI64(3); f.EmitF64(0.5); f.Emit(OpF64ConvertLHS); f.Emit(OpF64Sub) }, 2.5},
	}
	for _, tc := range tests {
		m := moduleWithCode(0, func(f *Function) {
			tc.build(f)
			f.Emit(OpReturn)
		})
		if got := math.Float64frombits(run(t, m)); got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, got, tc.want)
		}
	}

	m := moduleWithCode(0, func(f *Function) {
		f.EmitF64(-7.9)
		f.Emit(OpI64TruncateF64)
		f.Emit(OpReturn)
	})
	if got := int64(run(t, m)); got != -7 {
		t.Errorf("truncate = %d, want -7", got)
	}
}

func TestVMStackOps(t *testing.T) {
	m := moduleWithCode(0, func(f *Function) {
		f.EmitI64(10)
		f.EmitI64(3)
		f.Emit(OpSwap) // 3 10
		f.Emit(OpI64Sub)
		f.Emit(OpDup)
		f.Emit(OpI64Mul) // (3-10)^2
		f.EmitI64(99)
		f.Emit(OpPop)
		f.Emit(OpNop)
		f.Emit(OpReturn)
	})
	if got := run(t, m); got != 49 {
		t.Errorf("result = %d, want 49", got)
	}
}

func TestVMLocalsAndLoop(t *testing.T) {
	// sum = 0; i = n; while i != 0 { sum += i; i -= 1 }
	m := moduleWithCode(1, func(f *Function) {
		sum := f.AddLocal("sum")
		f.Emit(OpConstZero)
		f.EmitWithOperand(OpLocalSet, sum)
		loop := f.CurrentOffset()
		f.EmitWithOperand(OpLocalGet, 0)
		f.Emit(OpI64Eqz)
		exit := f.EmitJump(OpJumpIfTrue)
		f.EmitWithOperand(OpLocalGet, sum)
		f.EmitWithOperand(OpLocalGet, 0)
		f.Emit(OpI64Add)
		f.EmitWithOperand(OpLocalSet, sum)
		f.EmitWithOperand(OpLocalGet, 0)
		f.EmitI64(1)
		f.Emit(OpI64Sub)
		f.EmitWithOperand(OpLocalSet, 0)
		f.EmitLoop(loop)
		f.PatchJump(exit)
		f.EmitWithOperand(OpLocalGet, sum)
		f.Emit(OpReturn)
	})
	if got := run(t, m, 100); got != 5050 {
		t.Errorf("sum(100) = %d, want 5050", got)
	}
}

func TestVMGlobals(t *testing.T) {
	m := NewModule()
	g := m.AddGlobal("g", 5, true)
	idx := m.AddFunction("bump", 0)
	f := m.Functions[idx]
	f.EmitU16(OpGlobalGet, g)
	f.EmitI64(1)
	f.Emit(OpI64Add)
	f.Emit(OpDup)
	f.EmitU16(OpGlobalSet, g)
	f.Emit(OpReturn)
	m.AddExport("bump", idx)

	vm := NewVM(m, nil)
	for _, want := range []uint64{6, 7} {
		got, err := vm.Invoke("bump")
		if err != nil || got != want {
			t.Errorf("bump() = %d, %v, want %d", got, err, want)
		}
	}
	// A fresh VM starts from the initial value.
	if got, _ := NewVM(m, nil).Invoke("bump"); got != 6 {
		t.Errorf("fresh bump() = %d, want 6", got)
	}
}

func TestVMCalls(t *testing.T) {
	m := NewModule()
	main := m.AddFunction("main", 0)
	sub := m.AddFunction("sub", 2)

	s := m.Functions[sub]
	s.EmitWithOperand(OpLocalGet, 0)
	s.EmitWithOperand(OpLocalGet, 1)
	s.Emit(OpI64Sub)
	s.Emit(OpReturn)

	f := m.Functions[main]
	f.EmitI64(10)
	f.EmitI64(4)
	f.EmitCall(OpCall, uint16(sub), 2)
	f.Emit(OpReturn)
	m.AddExport("main", main)

	if got := run(t, m); got != 6 {
		t.Errorf("main() = %d, want 6", got)
	}
}

func TestVMClosures(t *testing.T) {
	// lambda(env, x) = x + mem[env]
	m := NewModule()
	main := m.AddFunction("main", 0)
	lambda := m.AddFunction("main.lambda0", 2)
	m.SetTableSize(1)
	if err := m.SetTableEntry(0, lambda); err != nil {
		t.Fatal(err)
	}
	alloc := m.AddImport(RuntimeModule, ImportAlloc, 1, 1)

	l := m.Functions[lambda]
	l.EmitWithOperand(OpLocalGet, 1)
	l.EmitWithOperand(OpLocalGet, 0)
	l.EmitU32(OpLoad64, 0)
	l.Emit(OpI64Add)
	l.Emit(OpReturn)

	f := m.Functions[main]
	env := f.AddLocal("env")
	clo := f.AddLocal("f")
	f.EmitI64(WordSize)
	f.EmitCall(OpCallImport, alloc, 1)
	f.EmitWithOperand(OpLocalSet, env)
	f.EmitWithOperand(OpLocalGet, env)
	f.EmitI64(10)
	f.EmitU32(OpStore64, 0)
	f.EmitWithOperand(OpLocalGet, env)
	f.EmitU16(OpClosureMake, 0)
	f.EmitWithOperand(OpLocalSet, clo)
	// f(5)
	f.EmitWithOperand(OpLocalGet, clo)
	f.Emit(OpClosureEnv)
	f.EmitI64(5)
	f.EmitWithOperand(OpLocalGet, clo)
	f.Emit(OpClosureIndex)
	f.EmitWithOperand(OpCallIndirect, 2)
	f.Emit(OpReturn)
	m.AddExport("main", main)

	host := NewRuntimeHost(nil)
	vm := NewVM(m, host)
	got, err := vm.Invoke("main")
	if err != nil {
		t.Fatalf("Invoke: %v\n%s", err, m.Disassemble())
	}
	if got != 15 {
		t.Errorf("main() = %d, want 15", got)
	}
	if len(host.Allocations) != 1 || host.Allocations[0].Addr != WordSize || host.BytesAllocated() != WordSize {
		t.Errorf("allocations = %+v", host.Allocations)
	}
	if v, _ := vm.Load64(WordSize); v != 10 {
		t.Errorf("environment word = %d, want 10", v)
	}
}

func TestVMTraps(t *testing.T) {
	tests := []struct {
		name   string
		build  func(f *Function)
		reason string
	}{
		{"trap", func(f *Function) { f.Emit(OpTrap) }, "unreachable"},
		{"underflow", func(f *Function) { f.Emit(OpI64Add) }, "stack underflow"},
		{"divide by zero", func(f *Function) { f.EmitI64(1); f.EmitI64(0); f.Emit(OpI64Div) }, "integer divide by zero"},
		{"bad local", func(f *Function) { f.EmitWithOperand(OpLocalGet, 9) }, "local 9 out of range"},
		{"bad opcode", func(f *Function) { f.Emit(Opcode(0xEE)) }, "unknown opcode 0xEE"},
		{"bad slot", func(f *Function) { f.EmitI64(3); f.EmitWithOperand(OpCallIndirect, 0) }, "table slot 3 out of range"},
		{"bad address", func(f *Function) { f.EmitI64(-1); f.EmitU32(OpLoad64, 0) }, "out of bounds"},
		{"truncated", func(f *Function) { f.Code = append(f.Code, byte(OpConst), 0) }, "truncated instruction"},
		{"no host", func(f *Function) { f.EmitCall(OpCallImport, 0, 0) }, "import 0 out of range"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := moduleWithCode(0, tc.build)
			_, err := NewVM(m, nil).Invoke("main")
			var trap *Trap
			if !errors.As(err, &trap) {
				t.Fatalf("error = %v, want a trap", err)
			}
			if !strings.Contains(trap.Reason, tc.reason) {
				t.Errorf("reason = %q, want %q", trap.Reason, tc.reason)
			}
			if trap.Func != "main" {
				t.Errorf("trap in %q, want main", trap.Func)
			}
		})
	}
}

func TestVMInvokeErrors(t *testing.T) {
	m := moduleWithCode(1, func(f *Function) { f.Emit(OpReturnUnit) })
	vm := NewVM(m, nil)
	if _, err := vm.Invoke("missing"); !errors.Is(err, ErrUnknownExport) {
		t.Errorf("Invoke(missing) = %v, want ErrUnknownExport", err)
	}
	if _, err := vm.Invoke("main"); err == nil || !strings.Contains(err.Error(), "expects 1 arguments, got 0") {
		t.Errorf("arity error = %v", err)
	}
}

func TestVMCallDepth(t *testing.T) {
	m := NewModule()
	idx := m.AddFunction("loop", 0)
	m.Functions[idx].EmitCall(OpCall, uint16(idx), 0)
	m.Functions[idx].Emit(OpReturn)
	m.AddExport("loop", idx)

	_, err := NewVM(m, nil).Invoke("loop")
	var trap *Trap
	if !errors.As(err, &trap) || trap.Reason != "call stack exhausted" {
		t.Errorf("error = %v, want call stack exhausted", err)
	}
}

func TestRuntimeHostPrint(t *testing.T) {
	var out bytes.Buffer
	m := moduleWithCode(0, func(f *Function) {})
	printInt := m.AddImport(RuntimeModule, ImportPrint, 1, 0)
	printF := m.AddImport(RuntimeModule, ImportPrintF, 1, 0)
	f := m.Functions[0]
	f.EmitI64(-12)
	f.EmitCall(OpCallImport, printInt, 1)
	f.Emit(OpPop)
	f.EmitF64(0.5)
	f.EmitCall(OpCallImport, printF, 1)
	f.Emit(OpReturn)

	if _, err := NewVM(m, NewRuntimeHost(&out)).Invoke("main"); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "-12\n0.5\n" {
		t.Errorf("output = %q", got)
	}
}

func TestRuntimeHostErrors(t *testing.T) {
	h := NewRuntimeHost(nil)
	vm := NewVM(NewModule(), h)
	if _, err := h.CallImport(vm, Import{Module: "env", Name: "x"}, nil); err == nil {
		t.Error("foreign module accepted")
	}
	if _, err := h.CallImport(vm, Import{Module: RuntimeModule, Name: "nope"}, nil); err == nil {
		t.Error("unknown import accepted")
	}
	if _, err := h.CallImport(vm, Import{Module: RuntimeModule, Name: ImportAlloc}, nil); err == nil {
		t.Error("alloc without size accepted")
	}
}

func TestRuntimeHostAlloc(t *testing.T) {
	h := NewRuntimeHost(nil)
	vm := NewVM(NewModule(), h)
	a, _ := h.CallImport(vm, Import{Module: RuntimeModule, Name: ImportAlloc}, []uint64{12})
	b, _ := h.CallImport(vm, Import{Module: RuntimeModule, Name: ImportAlloc}, []uint64{InitialMemory})
	if a != WordSize {
		t.Errorf("first address = %d, want %d", a, WordSize)
	}
	if b != WordSize+16 {
		t.Errorf("second address = %d, want %d (rounded to words)", b, WordSize+16)
	}
	if len(vm.Memory) < int(b)+InitialMemory {
		t.Errorf("memory not grown: %d bytes", len(vm.Memory))
	}
	if h.BytesAllocated() != 12+InitialMemory {
		t.Errorf("BytesAllocated = %d", h.BytesAllocated())
	}
}
