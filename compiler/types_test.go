package compiler

import "testing"

var (
	typePoint = KnownType{Shape: NamedShape{Name: "Point", Kind: NamedStruct}}
	typeShape = KnownType{Shape: NamedShape{Name: "Shape", Kind: NamedEnum}}
)

func TestTypeStrings(t *testing.T) {
	tests := []struct {
		typ  Type
		want string
	}{
		{TypeInt, "i64"},
		{TypeFloat, "f64"},
		{TypeUnit, "()"},
		{TypeElement, "Element"},
		{Unknown, "unknown"},
		{Any, "any"},
		{ArrayOf(ArrayOf(TypeString)), "[[string]]"},
		{FuncOf([]Type{TypeInt, TypeBool}, TypeString), "fn(i64, bool) -> string"},
		{FuncOf(nil, TypeUnit), "fn() -> ()"},
		{KnownType{Shape: FuncShape{Result: TypeUnit, Variadic: true}}, "fn(..) -> ()"},
		{typePoint, "Point"},
	}
	for _, tc := range tests {
		if got := tc.typ.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		op   TokenType
		l, r Type
		want Type
		ok   bool
	}{
		{"int", TokenPlus, TypeInt, TypeInt, TypeInt, true},
		{"float promotes", TokenStar, TypeInt, TypeFloat, TypeFloat, true},
		{"float both", TokenMinus, TypeFloat, TypeFloat, TypeFloat, true},
		{"concat", TokenPlus, TypeString, TypeString, TypeString, true},
		{"concat any", TokenPlus, TypeString, Any, TypeString, true},
		{"string minus", TokenMinus, TypeString, TypeString, Unknown, false},
		{"string plus int", TokenPlus, TypeString, TypeInt, Unknown, false},
		{"bool", TokenPlus, TypeBool, TypeInt, Unknown, false},
		{"unknown absorbs", TokenPlus, Unknown, TypeBool, Unknown, true},
		{"any", TokenSlash, Any, TypeInt, Any, true},
	}
	for _, tc := range tests {
		got, ok := Arithmetic(tc.op, tc.l, tc.r)
		if got != tc.want || ok != tc.ok {
			t.Errorf("%s: Arithmetic = %v, %v, want %v, %v", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}

func TestComparisonAndLogical(t *testing.T) {
	tests := []struct {
		name string
		op   TokenType
		l, r Type
		ok   bool
	}{
		{"int eq", TokenEq, TypeInt, TypeInt, true},
		{"mixed numeric", TokenLt, TypeInt, TypeFloat, true},
		{"string order", TokenLt, TypeString, TypeString, true},
		{"named eq", TokenEq, typePoint, typePoint, true},
		{"named vs int", TokenEq, typePoint, TypeInt, false},
		{"bool order", TokenGt, TypeBool, TypeBool, false},
		{"unknown", TokenLt, Unknown, typePoint, true},
	}
	for _, tc := range tests {
		got, ok := Comparison(tc.op, tc.l, tc.r)
		if got != TypeBool || ok != tc.ok {
			t.Errorf("%s: Comparison = %v, %v, want bool, %v", tc.name, got, ok, tc.ok)
		}
	}

	if _, ok := Logical(TypeBool, Any); !ok {
		t.Error("Logical(bool, any) rejected")
	}
	if _, ok := Logical(TypeBool, TypeInt); ok {
		t.Error("Logical(bool, i64) accepted")
	}
}

func TestCompatibleAndAssignable(t *testing.T) {
	fnA := FuncOf([]Type{TypeInt}, TypeInt)
	fnB := FuncOf([]Type{TypeInt, TypeInt}, TypeInt)
	variadic := KnownType{Shape: FuncShape{Result: TypeUnit, Variadic: true}}

	tests := []struct {
		name string
		a, b Type
		want bool
	}{
		{"same", TypeInt, TypeInt, true},
		{"different prims", TypeInt, TypeFloat, false},
		{"unknown", Unknown, typePoint, true},
		{"any", TypeString, Any, true},
		{"arrays", ArrayOf(TypeInt), ArrayOf(TypeInt), true},
		{"array elem", ArrayOf(TypeInt), ArrayOf(TypeString), false},
		{"array of unknown", ArrayOf(Unknown), ArrayOf(TypeString), true},
		{"funcs", fnA, FuncOf([]Type{TypeInt}, TypeInt), true},
		{"func arity", fnA, fnB, false},
		{"variadic", variadic, fnB, true},
		{"named", typePoint, typeShape, false},
		{"array vs prim", ArrayOf(TypeInt), TypeInt, false},
	}
	for _, tc := range tests {
		if got := Compatible(tc.a, tc.b); got != tc.want {
			t.Errorf("%s: Compatible = %v, want %v", tc.name, got, tc.want)
		}
	}

	if !Assignable(TypeFloat, TypeInt) {
		t.Error("i64 is not assignable to f64")
	}
	if Assignable(TypeInt, TypeFloat) {
		t.Error("f64 is assignable to i64")
	}
}

func TestJoin(t *testing.T) {
	tests := []struct {
		name string
		a, b Type
		want Type
	}{
		{"identity left", Unknown, TypeInt, TypeInt},
		{"identity right", TypeString, Unknown, TypeString},
		{"same", TypeBool, TypeBool, TypeBool},
		{"numeric widens", TypeInt, TypeFloat, TypeFloat},
		{"any", Any, TypeInt, Any},
		{"unrelated", TypeInt, TypeString, Any},
	}
	for _, tc := range tests {
		if got := Join(tc.a, tc.b); got != tc.want {
			t.Errorf("%s: Join = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCopyAndScalar(t *testing.T) {
	fn := FuncOf(nil, TypeInt)
	tests := []struct {
		typ          Type
		copy, scalar bool
	}{
		{TypeInt, true, true},
		{TypeFloat, true, true},
		{TypeBool, true, true},
		{TypeUnit, true, true},
		{TypeString, true, false},
		{TypeElement, true, false},
		{Unknown, true, true},
		{Any, true, true},
		{ArrayOf(TypeInt), false, false},
		{typePoint, false, false},
		{typeShape, false, false},
		{fn, false, true},
	}
	for _, tc := range tests {
		if got := IsCopy(tc.typ); got != tc.copy {
			t.Errorf("IsCopy(%v) = %v, want %v", tc.typ, got, tc.copy)
		}
		if got := IsScalar(tc.typ); got != tc.scalar {
			t.Errorf("IsScalar(%v) = %v, want %v", tc.typ, got, tc.scalar)
		}
	}
}

func TestPrimitiveOf(t *testing.T) {
	if p, ok := PrimitiveOf(TypeString); !ok || p != PrimString {
		t.Errorf("PrimitiveOf(string) = %v, %v", p, ok)
	}
	if _, ok := PrimitiveOf(ArrayOf(TypeInt)); ok {
		t.Error("PrimitiveOf(array) reported a primitive")
	}
	if _, ok := PrimitiveOf(Any); ok {
		t.Error("PrimitiveOf(any) reported a primitive")
	}
	if !IsKnown(TypeInt) || IsKnown(Unknown) || !IsUnknown(Unknown) || !IsAny(Any) {
		t.Error("Known/Unknown/Any predicates disagree")
	}
}
