package compiler

import (
	"strings"
)

// ---------------------------------------------------------------------------
// Type system: Known(shape) | Unknown | Any
// ---------------------------------------------------------------------------

// Type is the closed sum of analysis types. The only implementations are
// UnknownType, AnyType and KnownType.
type Type interface {
	String() string
	isType()
}

// UnknownType is a type whose inference is still pending. It propagates
// through expressions without producing diagnostics.
type UnknownType struct{}

// AnyType is the deliberate escape hatch: it is compatible with every type.
type AnyType struct{}

// KnownType is a fully resolved type with a concrete shape.
type KnownType struct {
	Shape Shape
}

func (UnknownType) String() string { return "unknown" }
func (AnyType) String() string     { return "any" }
func (t KnownType) String() string { return t.Shape.String() }
func (UnknownType) isType()        {}
func (AnyType) isType()            {}
func (KnownType) isType()          {}

// Shape is the structure of a known type.
type Shape interface {
	String() string
	isShape()
}

// Primitive is a built-in scalar or opaque shape.
type Primitive int

const (
	PrimInt Primitive = iota
	PrimFloat
	PrimString
	PrimBool
	PrimUnit
	PrimElement
)

var primitiveNames = map[Primitive]string{
	PrimInt:     "i64",
	PrimFloat:   "f64",
	PrimString:  "string",
	PrimBool:    "bool",
	PrimUnit:    "()",
	PrimElement: "Element",
}

func (p Primitive) String() string { return primitiveNames[p] }
func (Primitive) isShape()         {}

// ArrayShape is [Elem].
type ArrayShape struct {
	Elem Type
}

func (a ArrayShape) String() string { return "[" + a.Elem.String() + "]" }
func (ArrayShape) isShape()         {}

// FuncShape is fn(Params) -> Result. A variadic function accepts any number
// of arguments.
type FuncShape struct {
	Params   []Type
	Result   Type
	Variadic bool
}

func (f FuncShape) String() string {
	parts := make([]string, len(f.Params))
	for i, p := range f.Params {
		parts[i] = p.String()
	}
	if f.Variadic {
		parts = append(parts, "..")
	}
	return "fn(" + strings.Join(parts, ", ") + ") -> " + f.Result.String()
}
func (FuncShape) isShape() {}

// NamedKind distinguishes user-declared types.
type NamedKind int

const (
	NamedStruct NamedKind = iota
	NamedEnum
)

// NamedShape is a user-declared struct or enum.
type NamedShape struct {
	Name string
	Kind NamedKind
}

func (n NamedShape) String() string { return n.Name }
func (NamedShape) isShape()         {}

// Common types.
var (
	Unknown     Type = UnknownType{}
	Any         Type = AnyType{}
	TypeInt     Type = KnownType{Shape: PrimInt}
	TypeFloat   Type = KnownType{Shape: PrimFloat}
	TypeString  Type = KnownType{Shape: PrimString}
	TypeBool    Type = KnownType{Shape: PrimBool}
	TypeUnit    Type = KnownType{Shape: PrimUnit}
	TypeElement Type = KnownType{Shape: PrimElement}
)

// ArrayOf returns the known array type [elem].
func ArrayOf(elem Type) Type {
	return KnownType{Shape: ArrayShape{Elem: elem}}
}

// FuncOf returns the known function type fn(params) -> result.
func FuncOf(params []Type, result Type) Type {
	return KnownType{Shape: FuncShape{Params: params, Result: result}}
}

// IsUnknown reports whether t is Unknown.
func IsUnknown(t Type) bool {
	_, ok := t.(UnknownType)
	return ok
}

// IsAny reports whether t is Any.
func IsAny(t Type) bool {
	_, ok := t.(AnyType)
	return ok
}

// IsKnown reports whether t is a Known type.
func IsKnown(t Type) bool {
	_, ok := t.(KnownType)
	return ok
}

// PrimitiveOf returns the primitive shape of t, if it has one.
func PrimitiveOf(t Type) (Primitive, bool) {
	if k, ok := t.(KnownType); ok {
		if p, ok := k.Shape.(Primitive); ok {
			return p, true
		}
	}
	return 0, false
}

func isPrim(t Type, p Primitive) bool {
	q, ok := PrimitiveOf(t)
	return ok && q == p
}

// IsNumeric reports whether t is a known numeric type.
func IsNumeric(t Type) bool {
	return isPrim(t, PrimInt) || isPrim(t, PrimFloat)
}

func numericOrAny(t Type) bool { return IsNumeric(t) || IsAny(t) }
func stringOrAny(t Type) bool  { return isPrim(t, PrimString) || IsAny(t) }
func boolOrAny(t Type) bool    { return isPrim(t, PrimBool) || IsAny(t) }

// Arithmetic returns the result of applying an arithmetic operator to l and
// r. The second result is false when the operand types are incompatible.
//
// Unknown on either side yields Unknown, Any yields Any, any f64 operand
// makes the result f64. '+' also concatenates when both sides are
// string-or-Any.
func Arithmetic(op TokenType, l, r Type) (Type, bool) {
	if IsUnknown(l) || IsUnknown(r) {
		return Unknown, true
	}
	if numericOrAny(l) && numericOrAny(r) {
		switch {
		case IsAny(l) || IsAny(r):
			return Any, true
		case isPrim(l, PrimFloat) || isPrim(r, PrimFloat):
			return TypeFloat, true
		default:
			return TypeInt, true
		}
	}
	if op == TokenPlus && stringOrAny(l) && stringOrAny(r) {
		return TypeString, true
	}
	return Unknown, false
}

// Comparison returns the result type of a comparison, which is always bool.
// The second result is false when the operands are not comparable.
func Comparison(op TokenType, l, r Type) (Type, bool) {
	if IsUnknown(l) || IsUnknown(r) {
		return TypeBool, true
	}
	switch op {
	case TokenEq, TokenNotEq:
		return TypeBool, Compatible(l, r) || (numericOrAny(l) && numericOrAny(r))
	default:
		ok := (numericOrAny(l) && numericOrAny(r)) || (stringOrAny(l) && stringOrAny(r))
		return TypeBool, ok
	}
}

// Logical returns the result of && and ||.
func Logical(l, r Type) (Type, bool) {
	if IsUnknown(l) || IsUnknown(r) {
		return TypeBool, true
	}
	return TypeBool, boolOrAny(l) && boolOrAny(r)
}

// Compatible reports whether values of the two types may be used
// interchangeably. Unknown and Any are compatible with everything.
func Compatible(a, b Type) bool {
	ka, okA := a.(KnownType)
	kb, okB := b.(KnownType)
	if !okA || !okB {
		return true
	}
	return shapesCompatible(ka.Shape, kb.Shape)
}

func shapesCompatible(a, b Shape) bool {
	switch sa := a.(type) {
	case Primitive:
		sb, ok := b.(Primitive)
		return ok && sa == sb
	case ArrayShape:
		sb, ok := b.(ArrayShape)
		return ok && Compatible(sa.Elem, sb.Elem)
	case FuncShape:
		sb, ok := b.(FuncShape)
		if !ok {
			return false
		}
		if sa.Variadic || sb.Variadic {
			return true
		}
		if len(sa.Params) != len(sb.Params) {
			return false
		}
		for i := range sa.Params {
			if !Compatible(sa.Params[i], sb.Params[i]) {
				return false
			}
		}
		return Compatible(sa.Result, sb.Result)
	case NamedShape:
		sb, ok := b.(NamedShape)
		return ok && sa.Name == sb.Name
	}
	return false
}

// Assignable reports whether a value of type src may be stored where dst is
// expected. Integers widen to floats.
func Assignable(dst, src Type) bool {
	if isPrim(dst, PrimFloat) && isPrim(src, PrimInt) {
		return true
	}
	return Compatible(dst, src)
}

// Join returns the type of an expression that yields either a or b.
func Join(a, b Type) Type {
	switch {
	case IsUnknown(a):
		return b
	case IsUnknown(b):
		return a
	case IsAny(a) || IsAny(b):
		return Any
	case Compatible(a, b):
		return a
	case IsNumeric(a) && IsNumeric(b):
		return TypeFloat
	}
	return Any
}

// IsCopy reports whether values of t are copied rather than moved. Scalars
// and strings are copy; so are Unknown and Any, which the borrow checker
// cannot reason about.
func IsCopy(t Type) bool {
	switch k := t.(type) {
	case KnownType:
		_, prim := k.Shape.(Primitive)
		return prim
	}
	return true
}

// IsScalar reports whether a value of t fits in one machine word on the
// bytecode target: integers, floats, booleans and closures.
func IsScalar(t Type) bool {
	k, ok := t.(KnownType)
	if !ok {
		return true
	}
	switch s := k.Shape.(type) {
	case Primitive:
		return s == PrimInt || s == PrimFloat || s == PrimBool || s == PrimUnit
	case FuncShape:
		return true
	}
	return false
}

// primitiveByName maps source type names to primitive types.
var primitiveByName = map[string]Type{
	"i64":     TypeInt,
	"i32":     TypeInt,
	"int":     TypeInt,
	"f64":     TypeFloat,
	"f32":     TypeFloat,
	"float":   TypeFloat,
	"string":  TypeString,
	"String":  TypeString,
	"str":     TypeString,
	"bool":    TypeBool,
	"Element": TypeElement,
	"VNode":   TypeElement,
	"any":     Any,
	"Any":     Any,
}
