package ssa

import (
	"fmt"
	"math"
)

// Builder appends values to one function. Each compilation owns its own
// builders; there is no shared state between them.
type Builder struct {
	fn     *Func
	block  *Block
	consts map[constKey]*Value
}

type constKey struct {
	t Type
	i int64
	f uint64
	s string
}

// NewBuilder returns a builder positioned at the end of f's entry block.
func NewBuilder(f *Func) *Builder {
	return &Builder{fn: f, block: f.Entry(), consts: make(map[constKey]*Value)}
}

// Func returns the function being built.
func (b *Builder) Func() *Func { return b.fn }

// Block returns the current insertion block.
func (b *Builder) Block() *Block { return b.block }

// SetInsertPoint moves the builder to the end of blk.
func (b *Builder) SetInsertPoint(blk *Block) { b.block = blk }

// NewBlock adds an empty block to the function without moving the builder.
func (b *Builder) NewBlock(name string) *Block { return b.fn.newBlock(name) }

// Terminated reports whether the current block already has a terminator.
func (b *Builder) Terminated() bool { return b.block.Terminated() }

// Param returns the value of parameter i.
func (b *Builder) Param(i int) *Value { return b.fn.params[i] }

func (b *Builder) emit(op Op, t Type, args ...*Value) *Value {
	if b.block.Terminated() {
		panic(fmt.Sprintf("ssa: %s emitted into terminated block %s", op, b.block))
	}
	v := b.fn.newValue(b.block, op, t, args...)
	b.block.Values = append(b.block.Values, v)
	return v
}

// hoist places v in the entry block prologue, ahead of ordinary values.
func (b *Builder) hoist(op Op, t Type) *Value {
	entry := b.fn.Entry()
	v := b.fn.newValue(entry, op, t)
	vals := entry.Values
	vals = append(vals, nil)
	copy(vals[b.fn.prologue+1:], vals[b.fn.prologue:])
	vals[b.fn.prologue] = v
	entry.Values = vals
	b.fn.prologue++
	return v
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

// Constants are interned per function and live in the entry block, so
// they dominate every use.
func (b *Builder) constant(k constKey) *Value {
	if v, ok := b.consts[k]; ok {
		return v
	}
	v := b.hoist(OpConst, k.t)
	v.AuxInt = k.i
	v.AuxFloat = math.Float64frombits(k.f)
	if k.t == TypeString {
		v.Aux = k.s
	}
	b.consts[k] = v
	return v
}

func (b *Builder) ConstI32(n int32) *Value {
	return b.constant(constKey{t: TypeI32, i: int64(n)})
}

func (b *Builder) ConstF64(x float64) *Value {
	return b.constant(constKey{t: TypeF64, f: math.Float64bits(x)})
}

func (b *Builder) ConstBool(c bool) *Value {
	k := constKey{t: TypeBool}
	if c {
		k.i = 1
	}
	return b.constant(k)
}

func (b *Builder) ConstString(s string) *Value {
	return b.constant(constKey{t: TypeString, s: s})
}

// Zero returns the zero value of t.
func (b *Builder) Zero(t Type) *Value {
	switch t {
	case TypeI32:
		return b.ConstI32(0)
	case TypeF64:
		return b.ConstF64(0)
	case TypeBool:
		return b.ConstBool(false)
	case TypeString:
		return b.ConstString("")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// Binary emits x op y for an arithmetic op. Operands must share a numeric
// type. Two constant operands are folded, except integer division that
// would trap at run time.
func (b *Builder) Binary(op Op, x, y *Value) *Value {
	if x.IsConst() && y.IsConst() && x.Type == y.Type {
		if v, ok := b.foldBinary(op, x, y); ok {
			return v
		}
	}
	return b.emit(op, x.Type, x, y)
}

func (b *Builder) foldBinary(op Op, x, y *Value) (*Value, bool) {
	switch x.Type {
	case TypeI32:
		a, c := int32(x.AuxInt), int32(y.AuxInt)
		switch op {
		case OpAdd:
			return b.ConstI32(a + c), true
		case OpSub:
			return b.ConstI32(a - c), true
		case OpMul:
			return b.ConstI32(a * c), true
		case OpDiv, OpRem:
			if c == 0 || (a == math.MinInt32 && c == -1) {
				return nil, false
			}
			if op == OpDiv {
				return b.ConstI32(a / c), true
			}
			return b.ConstI32(a % c), true
		}
	case TypeF64:
		a, c := x.AuxFloat, y.AuxFloat
		switch op {
		case OpAdd:
			return b.ConstF64(a + c), true
		case OpSub:
			return b.ConstF64(a - c), true
		case OpMul:
			return b.ConstF64(a * c), true
		case OpDiv:
			return b.ConstF64(a / c), true
		case OpRem:
			return b.ConstF64(math.Mod(a, c)), true
		}
	}
	return nil, false
}

// Compare emits a comparison of two operands of the same type.
func (b *Builder) Compare(op Op, x, y *Value) *Value {
	if x.IsConst() && y.IsConst() && x.Type == y.Type {
		if r, ok := foldCompare(op, x, y); ok {
			return b.ConstBool(r)
		}
	}
	return b.emit(op, TypeBool, x, y)
}

func foldCompare(op Op, x, y *Value) (bool, bool) {
	var c int
	switch x.Type {
	case TypeI32, TypeBool:
		a, d := x.AuxInt, y.AuxInt
		switch {
		case a < d:
			c = -1
		case a > d:
			c = 1
		}
	case TypeF64:
		a, d := x.AuxFloat, y.AuxFloat
		if math.IsNaN(a) || math.IsNaN(d) {
			// Every ordered comparison with NaN is false; Ne is true.
			return op == OpNe, true
		}
		switch {
		case a < d:
			c = -1
		case a > d:
			c = 1
		}
	default:
		return false, false
	}
	switch op {
	case OpEq:
		return c == 0, true
	case OpNe:
		return c != 0, true
	case OpLt:
		return c < 0, true
	case OpLe:
		return c <= 0, true
	case OpGt:
		return c > 0, true
	case OpGe:
		return c >= 0, true
	}
	return false, false
}

// Not emits a boolean negation.
func (b *Builder) Not(x *Value) *Value {
	if x.IsConst() && x.Type == TypeBool {
		return b.ConstBool(x.AuxInt == 0)
	}
	return b.emit(OpNot, TypeBool, x)
}

// Neg emits an arithmetic negation. i32 negation wraps.
func (b *Builder) Neg(x *Value) *Value {
	if x.IsConst() {
		switch x.Type {
		case TypeI32:
			return b.ConstI32(-int32(x.AuxInt))
		case TypeF64:
			return b.ConstF64(-x.AuxFloat)
		}
	}
	return b.emit(OpNeg, x.Type, x)
}

// Alloca reserves a stack slot for a t in the entry block.
func (b *Builder) Alloca(t Type) *Value {
	return b.hoist(OpAlloca, t.Ptr())
}

// Load reads a slot.
func (b *Builder) Load(slot *Value) *Value {
	return b.emit(OpLoad, slot.Type.Elem(), slot)
}

// Store writes v into a slot.
func (b *Builder) Store(slot, v *Value) *Value {
	return b.emit(OpStore, TypeVoid, slot, v)
}

// Call calls fn with args. The result has fn's return type.
func (b *Builder) Call(fn *Func, args ...*Value) *Value {
	v := b.emit(OpCall, fn.Return, args...)
	v.Aux = fn
	return v
}

// Phi adds a phi at the head of the current block. args[i] is the value
// arriving from the block's i-th predecessor.
func (b *Builder) Phi(t Type, args ...*Value) *Value {
	if b.block.Terminated() {
		panic(fmt.Sprintf("ssa: Phi emitted into terminated block %s", b.block))
	}
	v := b.fn.newValue(b.block, OpPhi, t, args...)
	vals := b.block.Values
	n := 0
	for n < len(vals) && vals[n].Op == OpPhi {
		n++
	}
	vals = append(vals, nil)
	copy(vals[n+1:], vals[n:])
	vals[n] = v
	b.block.Values = vals
	return v
}

// ---------------------------------------------------------------------------
// Terminators
// ---------------------------------------------------------------------------

func (b *Builder) terminate(kind BlockKind, control *Value, succs ...*Block) {
	if b.block.Terminated() {
		panic(fmt.Sprintf("ssa: block %s terminated twice", b.block))
	}
	b.block.Kind = kind
	b.block.Control = control
	b.block.Succs = succs
	for _, s := range succs {
		s.Preds = append(s.Preds, b.block)
	}
}

// Jump ends the current block with an unconditional branch.
func (b *Builder) Jump(to *Block) { b.terminate(BlockPlain, nil, to) }

// If ends the current block with a conditional branch on cond.
func (b *Builder) If(cond *Value, then, els *Block) { b.terminate(BlockIf, cond, then, els) }

// Return ends the current block with a return of v, or nil for void.
func (b *Builder) Return(v *Value) { b.terminate(BlockRet, v) }
