package cash

import (
	"bytes"
	"fmt"
)

// ---------------------------------------------------------------------------
// Inst: one decoded instruction
// ---------------------------------------------------------------------------

// Inst is a decoded instruction. The concrete type identifies the payload
// shape; Opcode reports the wire tag.
type Inst interface {
	Opcode() Opcode
	isInst()
}

// Nullary is any instruction without a payload.
type Nullary struct {
	Op Opcode
}

// I32 pushes a 32-bit signed integer.
type I32 struct {
	Value int32
}

// F64 pushes a 64-bit float.
type F64 struct {
	Value float64
}

// Bool pushes a boolean.
type Bool struct {
	Value bool
}

// String pushes the string pool slice [Offset, Offset+Length).
type String struct {
	Offset uint32
	Length uint32
}

// Fun defines a function. ParamsLen VAR_DECL instructions follow, then
// BodyLen instructions of body.
type Fun struct {
	ParamsLen uint8
	BodyLen   uint32
}

// Call calls a named function with ArgsLen arguments taken from the stack.
type Call struct {
	ArgsLen uint8
}

// Block opens a lexical scope over the next Len instructions.
type Block struct {
	Len uint32
}

// Loop repeats the next Len instructions.
type Loop struct {
	Len uint32
}

// Branch selects between a then region and an else region.
type Branch struct {
	ThenLen uint32
	ElseLen uint32
}

// VarDecl declares a named variable of type Ty.
type VarDecl struct {
	Ty Ty
}

func (i Nullary) Opcode() Opcode { return i.Op }
func (I32) Opcode() Opcode       { return OpI32 }
func (F64) Opcode() Opcode       { return OpF64 }
func (Bool) Opcode() Opcode      { return OpBool }
func (String) Opcode() Opcode    { return OpString }
func (Fun) Opcode() Opcode       { return OpFun }
func (Call) Opcode() Opcode      { return OpCall }
func (Block) Opcode() Opcode     { return OpBlock }
func (Loop) Opcode() Opcode      { return OpLoop }
func (Branch) Opcode() Opcode    { return OpBranch }
func (VarDecl) Opcode() Opcode   { return OpVarDecl }

func (Nullary) isInst() {}
func (I32) isInst()     {}
func (F64) isInst()     {}
func (Bool) isInst()    {}
func (String) isInst()  {}
func (Fun) isInst()     {}
func (Call) isInst()    {}
func (Block) isInst()   {}
func (Loop) isInst()    {}
func (Branch) isInst()  {}
func (VarDecl) isInst() {}

// Op returns the Nullary instruction for op.
func Op(op Opcode) Inst {
	return Nullary{Op: op}
}

// Payload formats the instruction's payload for listings.
func Payload(inst Inst) string {
	switch i := inst.(type) {
	case I32:
		return fmt.Sprintf("%d", i.Value)
	case F64:
		return fmt.Sprintf("%g", i.Value)
	case Bool:
		return fmt.Sprintf("%t", i.Value)
	case String:
		return fmt.Sprintf("@%d+%d", i.Offset, i.Length)
	case Fun:
		return fmt.Sprintf("params=%d body=%d", i.ParamsLen, i.BodyLen)
	case Call:
		return fmt.Sprintf("args=%d", i.ArgsLen)
	case Block:
		return fmt.Sprintf("len=%d", i.Len)
	case Loop:
		return fmt.Sprintf("len=%d", i.Len)
	case Branch:
		return fmt.Sprintf("then=%d else=%d", i.ThenLen, i.ElseLen)
	case VarDecl:
		return i.Ty.String()
	default:
		return ""
	}
}

// ---------------------------------------------------------------------------
// Extra: auxiliary typed metadata
// ---------------------------------------------------------------------------

// ExtraTag is the wire tag of an extra table entry.
type ExtraTag uint32

const (
	ExtraTagType ExtraTag = 0
)

// Extra is an entry of the extra metadata table.
type Extra interface {
	Tag() ExtraTag
	isExtra()
}

// ExtraType records a declared type, e.g. a function's return type.
type ExtraType struct {
	Ty Ty
}

func (ExtraType) Tag() ExtraTag { return ExtraTagType }
func (ExtraType) isExtra()      {}

// ---------------------------------------------------------------------------
// Program: decoder output
// ---------------------------------------------------------------------------

// Program is a decoded bytecode container. It is not modified after Decode
// returns it.
type Program struct {
	Version [3]uint8
	Insts   []Inst
	Strings []byte
	Extra   []Extra

	// Offsets holds the byte offset of each instruction's opcode tag.
	Offsets []int
}

// VersionString formats the version tuple as major.minor.patch.
func (p *Program) VersionString() string {
	return fmt.Sprintf("%d.%d.%d", p.Version[0], p.Version[1], p.Version[2])
}

// Len returns the number of instructions.
func (p *Program) Len() int {
	return len(p.Insts)
}

// Slice returns the string pool bytes addressed by a STRING instruction.
func (p *Program) Slice(s String) ([]byte, bool) {
	end := uint64(s.Offset) + uint64(s.Length)
	if end > uint64(len(p.Strings)) {
		return nil, false
	}
	return p.Strings[s.Offset:end], true
}

// ---------------------------------------------------------------------------
// NameTable: sequential reader over the string pool
// ---------------------------------------------------------------------------

// NameTable hands out the NUL-terminated names at the front of the string
// pool in the order name-bearing instructions consume them.
type NameTable struct {
	pool   []byte
	offset int
}

// Names returns a fresh name table cursor over the program's string pool.
func (p *Program) Names() *NameTable {
	return &NameTable{pool: p.Strings}
}

// Next returns the next name. ok is false when the pool holds no further
// NUL-terminated entry.
func (t *NameTable) Next() (name string, ok bool) {
	if t.offset >= len(t.pool) {
		return "", false
	}
	end := bytes.IndexByte(t.pool[t.offset:], 0)
	if end < 0 {
		return "", false
	}
	name = string(t.pool[t.offset : t.offset+end])
	t.offset += end + 1
	return name, true
}

// Offset returns the pool offset of the next entry.
func (t *NameTable) Offset() int {
	return t.offset
}
