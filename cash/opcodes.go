package cash

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is the 4-byte tag that starts every encoded instruction.
type Opcode uint32

// Placeholder and structural opcodes
const (
	OpNone  Opcode = 0 // undefined / no value
	OpFun   Opcode = 1 // function definition (params_len u8, body_len u32)
	OpCall  Opcode = 2 // call (args_len u8)
	OpBlock Opcode = 3 // lexical block (len u32)
	OpVar   Opcode = 4 // variable reference
)

// Arithmetic
const (
	OpSum Opcode = 5
	OpSub Opcode = 6
	OpMul Opcode = 7
	OpDiv Opcode = 8
	OpRem Opcode = 9
)

// Comparisons
const (
	OpEq  Opcode = 10
	OpNeq Opcode = 11
	OpGt  Opcode = 12
	OpLt  Opcode = 13
	OpGte Opcode = 14
	OpLte Opcode = 15
)

// Logic and unary
const (
	OpLogicAnd Opcode = 16
	OpLogicOr  Opcode = 17
	OpNot      Opcode = 18
	OpNeg      Opcode = 19
)

// Literals
const (
	OpI32    Opcode = 20 // i32 payload
	OpF64    Opcode = 21 // f64 payload
	OpBool   Opcode = 22 // u8 payload
	OpString Opcode = 23 // offset u32, length u32 into the string pool
)

// Statements and control flow
const (
	OpRet     Opcode = 24
	OpVarDecl Opcode = 25 // declared type u32
	OpAssign  Opcode = 26
	OpLoop    Opcode = 27 // len u32
	OpRepeat  Opcode = 28
	OpBranch  Opcode = 29 // then_len u32, else_len u32
	OpBreak   Opcode = 30
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// Category groups opcodes by payload shape.
type Category uint8

const (
	CategoryNullary Category = iota
	CategoryLiteral
	CategoryStructural
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string   // human-readable name
	PayloadBytes int      // fixed payload size following the tag
	Category     Category // payload shape
	Named        bool     // consumes an entry from the name table
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNone:  {"NONE", 0, CategoryNullary, false},
	OpFun:   {"FUN", 5, CategoryStructural, true},
	OpCall:  {"CALL", 1, CategoryStructural, true},
	OpBlock: {"BLOCK", 4, CategoryStructural, false},
	OpVar:   {"VAR", 0, CategoryNullary, true},

	OpSum: {"SUM", 0, CategoryNullary, false},
	OpSub: {"SUB", 0, CategoryNullary, false},
	OpMul: {"MUL", 0, CategoryNullary, false},
	OpDiv: {"DIV", 0, CategoryNullary, false},
	OpRem: {"REM", 0, CategoryNullary, false},

	OpEq:  {"EQ", 0, CategoryNullary, false},
	OpNeq: {"NEQ", 0, CategoryNullary, false},
	OpGt:  {"GT", 0, CategoryNullary, false},
	OpLt:  {"LT", 0, CategoryNullary, false},
	OpGte: {"GTE", 0, CategoryNullary, false},
	OpLte: {"LTE", 0, CategoryNullary, false},

	OpLogicAnd: {"LOGIC_AND", 0, CategoryNullary, false},
	OpLogicOr:  {"LOGIC_OR", 0, CategoryNullary, false},
	OpNot:      {"NOT", 0, CategoryNullary, false},
	OpNeg:      {"NEG", 0, CategoryNullary, false},

	OpI32:    {"I32", 4, CategoryLiteral, false},
	OpF64:    {"F64", 8, CategoryLiteral, false},
	OpBool:   {"BOOL", 1, CategoryLiteral, false},
	OpString: {"STRING", 8, CategoryLiteral, false},

	OpRet:     {"RET", 0, CategoryNullary, false},
	OpVarDecl: {"VAR_DECL", 4, CategoryStructural, true},
	OpAssign:  {"ASSIGN", 0, CategoryNullary, true},
	OpLoop:    {"LOOP", 4, CategoryStructural, false},
	OpRepeat:  {"REPEAT", 0, CategoryNullary, false},
	OpBranch:  {"BRANCH", 8, CategoryStructural, false},
	OpBreak:   {"BREAK", 0, CategoryNullary, false},
}

// Info returns metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%d", uint32(op))}
}

// Valid reports whether op is a known wire tag.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// PayloadBytes returns the fixed payload size following the tag.
func (op Opcode) PayloadBytes() int {
	return op.Info().PayloadBytes
}

// Named reports whether the instruction consumes a name table entry.
func (op Opcode) Named() bool {
	return op.Info().Named
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// IsBinary reports whether op pops two operands and pushes one result.
func (op Opcode) IsBinary() bool {
	return op >= OpSum && op <= OpLogicOr
}

// IsArithmetic reports whether op is SUM, SUB, MUL, DIV or REM.
func (op Opcode) IsArithmetic() bool {
	return op >= OpSum && op <= OpRem
}

// IsComparison reports whether op is one of the six comparisons.
func (op Opcode) IsComparison() bool {
	return op >= OpEq && op <= OpLte
}

// IsLogic reports whether op is a short-circuit logical operator.
func (op Opcode) IsLogic() bool {
	return op == OpLogicAnd || op == OpLogicOr
}

// ---------------------------------------------------------------------------
// Declared types
// ---------------------------------------------------------------------------

// Ty is a declared type as encoded in VAR_DECL payloads and the extra table.
type Ty uint32

const (
	TyString Ty = 0
	TyI32    Ty = 1
	TyF64    Ty = 2
	TyBool   Ty = 3
	TyVoid   Ty = 4
)

// Valid reports whether t is a known type tag.
func (t Ty) Valid() bool {
	return t <= TyVoid
}

// String implements the Stringer interface.
func (t Ty) String() string {
	switch t {
	case TyString:
		return "string"
	case TyI32:
		return "i32"
	case TyF64:
		return "f64"
	case TyBool:
		return "bool"
	case TyVoid:
		return "void"
	default:
		return fmt.Sprintf("Ty(%d)", uint32(t))
	}
}
