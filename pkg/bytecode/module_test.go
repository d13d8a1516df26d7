package bytecode

import (
	"errors"
	"math"
	"testing"
)

func TestNewModule(t *testing.T) {
	m := NewModule()
	if m.Version != BytecodeVersion {
		t.Errorf("Version = %d, want %d", m.Version, BytecodeVersion)
	}
	if len(m.Functions) != 0 || len(m.Imports) != 0 || len(m.Table) != 0 {
		t.Errorf("new module not empty: %+v", m)
	}
}

func TestModuleAddImportDeduplicates(t *testing.T) {
	m := NewModule()
	a := m.AddImport(RuntimeModule, ImportAlloc, 1, 1)
	p := m.AddImport(RuntimeModule, ImportPrint, 1, 0)
	again := m.AddImport(RuntimeModule, ImportAlloc, 1, 1)
	if a != 0 || p != 1 || again != a {
		t.Errorf("indices = %d, %d, %d, want 0, 1, 0", a, p, again)
	}
	if got := m.Imports[0].QualifiedName(); got != "rt.alloc" {
		t.Errorf("QualifiedName() = %q", got)
	}
}

func TestModuleFunctionsAndExports(t *testing.T) {
	m := NewModule()
	main := m.AddFunction("main", 0)
	add := m.AddFunction("add", 2)
	m.AddExport("main", main)

	if f := m.Functions[add]; f.ParamCount != 2 || f.LocalCount != 2 {
		t.Errorf("add: params/locals = %d/%d, want 2/2", f.ParamCount, f.LocalCount)
	}
	if idx, ok := m.LookupExport("main"); !ok || idx != main {
		t.Errorf("LookupExport(main) = %d, %v", idx, ok)
	}
	if _, ok := m.LookupExport("add"); ok {
		t.Error("add is not exported")
	}
	if idx, ok := m.FunctionIndex("add"); !ok || idx != add {
		t.Errorf("FunctionIndex(add) = %d, %v", idx, ok)
	}
	if _, ok := m.FunctionIndex("nope"); ok {
		t.Error("FunctionIndex(nope) found a function")
	}
}

func TestModuleTable(t *testing.T) {
	m := NewModule()
	fn := m.AddFunction("f.lambda0", 1)
	m.SetTableSize(2)
	if err := m.SetTableEntry(1, fn); err != nil {
		t.Fatal(err)
	}
	if m.Table[1] != fn {
		t.Errorf("Table[1] = %d, want %d", m.Table[1], fn)
	}
	if err := m.SetTableEntry(2, fn); err == nil {
		t.Error("SetTableEntry past the end succeeded")
	}
	if err := m.SetTableEntry(-1, fn); err == nil {
		t.Error("SetTableEntry(-1) succeeded")
	}
}

func TestFunctionAddConstant(t *testing.T) {
	f := &Function{}
	a := f.AddConstant(42)
	b := f.AddConstant(math.Float64bits(1.5))
	c := f.AddConstant(42)
	if a != 0 || b != 1 || c != 0 {
		t.Errorf("indices = %d, %d, %d, want 0, 1, 0", a, b, c)
	}
	if len(f.Constants) != 2 {
		t.Errorf("len(Constants) = %d, want 2", len(f.Constants))
	}
}

func TestFunctionAddLocal(t *testing.T) {
	m := NewModule()
	f := m.Functions[m.AddFunction("f", 2)]
	slot := f.AddLocal("x")
	if slot != 2 || f.LocalCount != 3 {
		t.Errorf("slot/LocalCount = %d/%d, want 2/3", slot, f.LocalCount)
	}
	if len(f.LocalNames) != 3 || f.LocalNames[2] != "x" {
		t.Errorf("LocalNames = %q", f.LocalNames)
	}
}

func TestFunctionEmitI64(t *testing.T) {
	tests := []struct {
		v    int64
		code []byte
	}{
		{0, []byte{byte(OpConstZero)}},
		{1, []byte{byte(OpConstOne)}},
		{-1, []byte{byte(OpConstSmall), 0xFF}},
		{127, []byte{byte(OpConstSmall), 0x7F}},
		{128, []byte{byte(OpConst), 0x00, 0x00}},
	}
	for _, tc := range tests {
		f := &Function{}
		f.EmitI64(tc.v)
		if string(f.Code) != string(tc.code) {
			t.Errorf("EmitI64(%d) = % x, want % x", tc.v, f.Code, tc.code)
		}
	}

	f := &Function{}
	f.EmitF64(2.5)
	if len(f.Constants) != 1 || math.Float64frombits(f.Constants[0]) != 2.5 {
		t.Errorf("EmitF64 constants = %v", f.Constants)
	}
}

func TestFunctionOperandEncoding(t *testing.T) {
	f := &Function{}
	f.EmitU16(OpGlobalGet, 0x0102)
	f.EmitU32(OpLoad64, 0x01020304)
	f.EmitCall(OpCall, 0x0A0B, 3)
	want := []byte{
		byte(OpGlobalGet), 0x01, 0x02,
		byte(OpLoad64), 0x01, 0x02, 0x03, 0x04,
		byte(OpCall), 0x0A, 0x0B, 0x03,
	}
	if string(f.Code) != string(want) {
		t.Errorf("code = % x, want % x", f.Code, want)
	}
}

func TestFunctionJumpPatch(t *testing.T) {
	f := &Function{}
	jump := f.EmitJump(OpJumpIfFalse)
	f.Emit(OpNop)
	f.Emit(OpNop)
	f.PatchJump(jump)
	if got := int16(uint16(f.Code[1])<<8 | uint16(f.Code[2])); got != 2 {
		t.Errorf("forward delta = %d, want 2", got)
	}

	loopStart := f.CurrentOffset()
	f.Emit(OpNop)
	f.EmitLoop(loopStart)
	n := len(f.Code)
	if got := int16(uint16(f.Code[n-2])<<8 | uint16(f.Code[n-1])); got != -4 {
		t.Errorf("loop delta = %d, want -4", got)
	}
}

func TestFunctionLimits(t *testing.T) {
	t.Run("locals", func(t *testing.T) {
		f := &Function{}
		for i := 0; i < MaxLocals; i++ {
			if slot := f.AddLocal(""); int(slot) != i {
				t.Fatalf("slot %d = %d", i, slot)
			}
		}
		if f.Err() != nil {
			t.Fatalf("Err() = %v at the limit", f.Err())
		}
		f.AddLocal("overflow")
		if !errors.Is(f.Err(), ErrTooManyLocals) {
			t.Errorf("Err() = %v, want ErrTooManyLocals", f.Err())
		}
		if f.LocalCount != MaxLocals {
			t.Errorf("LocalCount = %d, want %d", f.LocalCount, MaxLocals)
		}
	})

	t.Run("forward jump", func(t *testing.T) {
		f := &Function{}
		jump := f.EmitJump(OpJump)
		f.Code = append(f.Code, make([]byte, math.MaxInt16+1)...)
		f.PatchJump(jump)
		if !errors.Is(f.Err(), ErrJumpTooFar) {
			t.Errorf("Err() = %v, want ErrJumpTooFar", f.Err())
		}
	})

	t.Run("loop", func(t *testing.T) {
		f := &Function{}
		f.Code = append(f.Code, make([]byte, math.MaxInt16)...)
		f.EmitLoop(0)
		if !errors.Is(f.Err(), ErrJumpTooFar) {
			t.Errorf("Err() = %v, want ErrJumpTooFar", f.Err())
		}
	})

	t.Run("in range", func(t *testing.T) {
		f := &Function{}
		jump := f.EmitJump(OpJump)
		f.Code = append(f.Code, make([]byte, math.MaxInt16)...)
		f.PatchJump(jump)
		if f.Err() != nil {
			t.Errorf("Err() = %v", f.Err())
		}
	})
}

func TestFunctionClear(t *testing.T) {
	m := NewModule()
	f := m.Functions[m.AddFunction("f", 1)]
	for i := 0; i <= MaxLocals; i++ {
		f.AddLocal("")
	}
	f.EmitI64(1000)
	f.Clear()
	if f.Err() != nil || len(f.Code) != 0 || len(f.Constants) != 0 || f.LocalCount != 1 {
		t.Errorf("after Clear: err=%v code=%d constants=%d locals=%d", f.Err(), len(f.Code), len(f.Constants), f.LocalCount)
	}
}

func TestFunctionSourceLocation(t *testing.T) {
	f := &Function{}
	f.AddSourceLocation(3, 5)
	f.Emit(OpNop)
	f.AddSourceLocation(3, 9) // same line: merged
	f.Emit(OpNop)
	f.AddSourceLocation(4, 1)
	f.AddSourceLocation(5, 2) // same offset: replaces
	f.Emit(OpNop)

	if len(f.SourceMap) != 2 {
		t.Fatalf("SourceMap = %+v, want 2 entries", f.SourceMap)
	}
	tests := []struct {
		offset uint32
		line   uint32
		col    uint16
	}{
		{0, 3, 5},
		{1, 3, 5},
		{2, 5, 2},
		{10, 5, 2},
	}
	for _, tc := range tests {
		line, col := f.GetSourceLocation(tc.offset)
		if line != tc.line || col != tc.col {
			t.Errorf("GetSourceLocation(%d) = %d:%d, want %d:%d", tc.offset, line, col, tc.line, tc.col)
		}
	}
	if line, _ := (&Function{}).GetSourceLocation(0); line != 0 {
		t.Errorf("empty source map gave line %d", line)
	}
}

func TestPackClosure(t *testing.T) {
	v := PackClosure(7, 4096)
	if v != 7<<32|4096 {
		t.Errorf("PackClosure = %#x", v)
	}
	slot, env := UnpackClosure(v)
	if slot != 7 || env != 4096 {
		t.Errorf("UnpackClosure = %d, %d", slot, env)
	}
	if slot, env := UnpackClosure(PackClosure(0, 0)); slot != 0 || env != 0 {
		t.Errorf("zero closure = %d, %d", slot, env)
	}
}
