// Package ssa is a small typed SSA intermediate representation: modules of
// functions made of basic blocks of values, a builder that constructs them,
// a verifier, a reference interpreter and a textual printer.
package ssa

import "fmt"

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// Type is the type of a value. Pointer types mark stack slots and are
// formed with Ptr.
type Type uint8

const (
	TypeVoid Type = iota
	TypeBool
	TypeI32
	TypeF64
	TypeString
)

const ptrBit Type = 0x80

// Ptr returns the type of a stack slot holding t.
func (t Type) Ptr() Type { return t | ptrBit }

// IsPtr reports whether t is a slot type.
func (t Type) IsPtr() bool { return t&ptrBit != 0 }

// Elem returns the slot element type of a pointer type.
func (t Type) Elem() Type { return t &^ ptrBit }

// IsNumeric reports whether t supports arithmetic.
func (t Type) IsNumeric() bool { return t == TypeI32 || t == TypeF64 }

func (t Type) String() string {
	if t.IsPtr() {
		return "*" + t.Elem().String()
	}
	switch t {
	case TypeVoid:
		return "void"
	case TypeBool:
		return "bool"
	case TypeI32:
		return "i32"
	case TypeF64:
		return "f64"
	case TypeString:
		return "string"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// ---------------------------------------------------------------------------
// Ops
// ---------------------------------------------------------------------------

// Op is the operation a value performs.
type Op uint8

const (
	OpInvalid Op = iota

	OpConst // AuxInt (i32, bool), AuxFloat (f64) or Aux string
	OpParam // AuxInt = parameter index

	// Arithmetic on two operands of the value's type.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem

	// Comparisons. The result is bool; operands share a type.
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe

	OpNot
	OpNeg

	// Memory. Allocas live in the entry block.
	OpAlloca
	OpLoad  // Args[0] slot
	OpStore // Args[0] slot, Args[1] value

	OpCall // Aux = *Func callee
	OpPhi  // Args[i] flows in from Block.Preds[i]
)

var opNames = [...]string{
	OpInvalid: "Invalid",
	OpConst:   "Const",
	OpParam:   "Param",
	OpAdd:     "Add",
	OpSub:     "Sub",
	OpMul:     "Mul",
	OpDiv:     "Div",
	OpRem:     "Rem",
	OpEq:      "Eq",
	OpNe:      "Ne",
	OpLt:      "Lt",
	OpLe:      "Le",
	OpGt:      "Gt",
	OpGe:      "Ge",
	OpNot:     "Not",
	OpNeg:     "Neg",
	OpAlloca:  "Alloca",
	OpLoad:    "Load",
	OpStore:   "Store",
	OpCall:    "Call",
	OpPhi:     "Phi",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", uint8(op))
}

// IsArithmetic reports whether op is Add, Sub, Mul, Div or Rem.
func (op Op) IsArithmetic() bool { return op >= OpAdd && op <= OpRem }

// IsCompare reports whether op is a comparison.
func (op Op) IsCompare() bool { return op >= OpEq && op <= OpGe }

// IsOrdering reports whether op is one of Lt, Le, Gt, Ge.
func (op Op) IsOrdering() bool { return op >= OpLt && op <= OpGe }

// ---------------------------------------------------------------------------
// Block kinds
// ---------------------------------------------------------------------------

// BlockKind says how control leaves a block.
type BlockKind uint8

const (
	BlockInvalid BlockKind = iota // not yet terminated
	BlockPlain                    // one successor
	BlockIf                       // Control is the condition; Succs[0] then, Succs[1] else
	BlockRet                      // Control is the return value, nil for void
)

func (k BlockKind) String() string {
	switch k {
	case BlockPlain:
		return "Plain"
	case BlockIf:
		return "If"
	case BlockRet:
		return "Ret"
	}
	return "Invalid"
}
