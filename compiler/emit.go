package compiler

import (
	"github.com/chazu/cashier/cash"
	"github.com/chazu/cashier/ssa"
)

// ---------------------------------------------------------------------------
// Emitter: one function body
// ---------------------------------------------------------------------------

// emitter carries the per-function state of the emit pass: the operand
// stack, the scope chain (innermost last) and the open loops.
type emitter struct {
	c       *Compiler
	fn      *ssa.Func
	b       *ssa.Builder
	retType ssa.Type
	stack   []*ssa.Value
	scopes  []map[string]*ssa.Value
	loops   []*loop
	depth   int // open compileRange calls
}

type loop struct {
	header *ssa.Block
	exit   *ssa.Block
	base   []*ssa.Value // operand stack on entry
}

func (c *Compiler) newEmitter(fn *ssa.Func) *emitter {
	return &emitter{
		c:       c,
		fn:      fn,
		b:       ssa.NewBuilder(fn),
		retType: fn.Return,
		scopes:  []map[string]*ssa.Value{{}},
	}
}

func (c *Compiler) compileMain(fn *ssa.Func) error {
	e := c.newEmitter(fn)
	done, err := e.compileRange(0, len(c.prog.Insts))
	if err != nil {
		return err
	}
	if !done {
		e.b.Return(e.b.ConstI32(0))
	}
	return nil
}

func (c *Compiler) compileFun(fi *funInfo) error {
	e := c.newEmitter(fi.fn)
	for k, name := range fi.paramNames {
		slot := e.b.Alloca(fi.params[k])
		e.b.Store(slot, e.b.Param(k))
		e.scopes[0][name] = slot
	}
	done, err := e.compileRange(fi.bodyStart, fi.end)
	if err != nil {
		return err
	}
	if !done {
		e.b.Return(e.b.Zero(e.retType))
	}
	log.Debugf("compiled function %s%s", fi.name, fi.fn.Signature())
	return nil
}

// compileRange compiles instructions [start, end). It reports whether
// control cannot fall off the end of the range; the remaining instructions
// of a terminated range are unreachable and are not compiled.
func (e *emitter) compileRange(start, end int) (bool, error) {
	if e.depth >= e.c.opts.maxDepth {
		return false, e.c.errorf(start-1, ErrMalformedNesting, "nesting deeper than %d", e.c.opts.maxDepth)
	}
	e.depth++
	defer func() { e.depth-- }()

	for i := start; i < end; {
		if j, ok := e.c.rhsEnd[i]; ok {
			if j >= end {
				return false, e.c.errorf(j, ErrMalformedNesting, "right operand starting at %d crosses the region ending at %d", i, end)
			}
			if err := e.shortCircuit(i, j); err != nil {
				return false, err
			}
			i = j + 1
			continue
		}
		next, done, err := e.inst(i, end)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
		i = next
	}
	return false, nil
}

// inst compiles the instruction at i and returns the index of the next
// instruction in the same region.
func (e *emitter) inst(i, end int) (next int, done bool, err error) {
	c := e.c
	b := e.b
	next = i + 1

	switch in := c.prog.Insts[i].(type) {
	case cash.I32:
		e.push(b.ConstI32(in.Value))
	case cash.F64:
		e.push(b.ConstF64(in.Value))
	case cash.Bool:
		e.push(b.ConstBool(in.Value))
	case cash.String:
		s, ok := c.prog.Slice(in)
		if !ok {
			return 0, false, c.errorf(i, ErrMalformedNesting, "string @%d+%d outside the pool", in.Offset, in.Length)
		}
		e.push(b.ConstString(string(s)))

	case cash.VarDecl:
		err = e.declare(i, in.Ty)
	case cash.Call:
		err = e.call(i, int(in.ArgsLen))

	case cash.Block:
		stop, err := e.region(i, i+1+int(in.Len), end)
		if err != nil {
			return 0, false, err
		}
		e.pushScope()
		done, err = e.compileRange(i+1, stop)
		e.popScope()
		return stop, done, err

	case cash.Branch:
		elseStart := i + 1 + int(in.ThenLen)
		stop, err := e.region(i, elseStart+int(in.ElseLen), end)
		if err != nil {
			return 0, false, err
		}
		done, err = e.branch(i, elseStart, stop)
		return stop, done, err

	case cash.Loop:
		stop, err := e.region(i, i+1+int(in.Len), end)
		if err != nil {
			return 0, false, err
		}
		done, err = e.loop(i, stop)
		return stop, done, err

	case cash.Fun:
		// Function bodies are compiled on their own after the enclosing
		// code; here the definition is only skipped.
		fi := c.funAt[i]
		if _, err := e.region(i, fi.end, end); err != nil {
			return 0, false, err
		}
		return fi.end, false, nil

	case cash.Nullary:
		return e.nullary(i, in.Op)

	default:
		return 0, false, c.errorf(i, ErrUnknownOpcode, "no lowering for %T", in)
	}
	return next, false, err
}

func (e *emitter) nullary(i int, op cash.Opcode) (next int, done bool, err error) {
	c := e.c
	b := e.b
	next = i + 1

	switch {
	case op.IsArithmetic():
		err = e.arith(i, op)
	case op.IsComparison():
		err = e.compare(i, op)
	case op.IsLogic():
		// Reached only when the right operand lies outside this region.
		return 0, false, c.errorf(i, ErrMalformedNesting, "operands of %s are not in the same region", op)

	case op == cash.OpNot:
		var x *ssa.Value
		if x, err = e.pop(i); err == nil {
			if x.Type != ssa.TypeBool {
				return 0, false, c.errorf(i, ErrTypeMismatch, "NOT on %s", x.Type)
			}
			e.push(b.Not(x))
		}
	case op == cash.OpNeg:
		var x *ssa.Value
		if x, err = e.pop(i); err == nil {
			if !x.Type.IsNumeric() {
				return 0, false, c.errorf(i, ErrTypeMismatch, "NEG on %s", x.Type)
			}
			e.push(b.Neg(x))
		}

	case op == cash.OpVar:
		slot, err := e.lookup(i)
		if err != nil {
			return 0, false, err
		}
		e.push(b.Load(slot))
	case op == cash.OpAssign:
		err = e.assign(i)

	case op == cash.OpRet:
		return next, true, e.ret(i)
	case op == cash.OpRepeat, op == cash.OpBreak:
		return next, true, e.jumpLoop(i, op)

	default:
		return 0, false, c.errorf(i, ErrUnknownOpcode, "%s has no lowering", op)
	}
	return next, false, err
}

// region checks that a structure opened at i ending at stop fits inside
// the enclosing region ending at end.
func (e *emitter) region(i, stop, end int) (int, error) {
	if stop > end {
		return 0, e.c.errorf(i, ErrMalformedNesting, "region [%d,%d) exceeds the enclosing region ending at %d", i+1, stop, end)
	}
	return stop, nil
}

// ---------------------------------------------------------------------------
// Operand stack and scopes
// ---------------------------------------------------------------------------

func (e *emitter) push(v *ssa.Value) {
	e.stack = append(e.stack, v)
}

func (e *emitter) pop(i int) (*ssa.Value, error) {
	vals, err := e.popN(i, 1)
	if err != nil {
		return nil, err
	}
	return vals[0], nil
}

// popN pops n values and returns them in the order they were pushed.
func (e *emitter) popN(i, n int) ([]*ssa.Value, error) {
	if len(e.stack) < n {
		return nil, e.c.errorf(i, ErrStackUnderflow, "need %d operands, have %d", n, len(e.stack))
	}
	vals := make([]*ssa.Value, n)
	for k := n - 1; k >= 0; k-- {
		vals[k] = e.stack[len(e.stack)-1]
		e.stack = e.stack[:len(e.stack)-1]
	}
	return vals, nil
}

func (e *emitter) pushScope() {
	e.scopes = append(e.scopes, map[string]*ssa.Value{})
}

func (e *emitter) popScope() {
	e.scopes = e.scopes[:len(e.scopes)-1]
}

func (e *emitter) lookup(i int) (*ssa.Value, error) {
	name := e.c.names[i]
	for k := len(e.scopes) - 1; k >= 0; k-- {
		if slot, ok := e.scopes[k][name]; ok {
			return slot, nil
		}
	}
	return nil, e.c.errorf(i, ErrUndefinedSymbol, "variable %q", name)
}

func (e *emitter) declare(i int, ty cash.Ty) error {
	t := ssaType(ty)
	if t == ssa.TypeVoid {
		return e.c.errorf(i, ErrTypeMismatch, "variable %q declared void", e.c.names[i])
	}
	v, err := e.pop(i)
	if err != nil {
		return err
	}
	if v.Type != t {
		return e.c.errorf(i, ErrTypeMismatch, "variable %q is %s, initializer is %s", e.c.names[i], t, v.Type)
	}
	slot := e.b.Alloca(t)
	e.b.Store(slot, v)
	e.scopes[len(e.scopes)-1][e.c.names[i]] = slot
	return nil
}

func (e *emitter) assign(i int) error {
	v, err := e.pop(i)
	if err != nil {
		return err
	}
	slot, err := e.lookup(i)
	if err != nil {
		return err
	}
	if t := slot.Type.Elem(); v.Type != t {
		return e.c.errorf(i, ErrTypeMismatch, "assigning %s to %q of type %s", v.Type, e.c.names[i], t)
	}
	e.b.Store(slot, v)
	return nil
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

var binaryOps = map[cash.Opcode]ssa.Op{
	cash.OpSum: ssa.OpAdd,
	cash.OpSub: ssa.OpSub,
	cash.OpMul: ssa.OpMul,
	cash.OpDiv: ssa.OpDiv,
	cash.OpRem: ssa.OpRem,
	cash.OpEq:  ssa.OpEq,
	cash.OpNeq: ssa.OpNe,
	cash.OpGt:  ssa.OpGt,
	cash.OpLt:  ssa.OpLt,
	cash.OpGte: ssa.OpGe,
	cash.OpLte: ssa.OpLe,
}

func (e *emitter) operands(i int, op cash.Opcode) (x, y *ssa.Value, err error) {
	vals, err := e.popN(i, 2)
	if err != nil {
		return nil, nil, err
	}
	x, y = vals[0], vals[1]
	if x.Type != y.Type {
		return nil, nil, e.c.errorf(i, ErrTypeMismatch, "%s on %s and %s", op, x.Type, y.Type)
	}
	return x, y, nil
}

func (e *emitter) arith(i int, op cash.Opcode) error {
	x, y, err := e.operands(i, op)
	if err != nil {
		return err
	}
	if !x.Type.IsNumeric() {
		return e.c.errorf(i, ErrTypeMismatch, "%s on %s", op, x.Type)
	}
	if (op == cash.OpDiv || op == cash.OpRem) && x.IsConst() && y.IsConstI32(0) {
		return e.c.errorf(i, ErrDivisionByZero, "constant %s by zero", op)
	}
	e.push(e.b.Binary(binaryOps[op], x, y))
	return nil
}

func (e *emitter) compare(i int, op cash.Opcode) error {
	x, y, err := e.operands(i, op)
	if err != nil {
		return err
	}
	ok := x.Type.IsNumeric()
	if op == cash.OpEq || op == cash.OpNeq {
		ok = ok || x.Type == ssa.TypeBool
	}
	if !ok {
		return e.c.errorf(i, ErrTypeMismatch, "%s on %s", op, x.Type)
	}
	e.push(e.b.Compare(binaryOps[op], x, y))
	return nil
}

// shortCircuit lowers the logical operator at j whose right operand is
// [k, j). The left operand is on the stack; the right operand is compiled
// into a block entered only when the left does not decide the result.
func (e *emitter) shortCircuit(k, j int) error {
	c := e.c
	b := e.b
	op := c.prog.Insts[j].Opcode()

	lhs, err := e.pop(j)
	if err != nil {
		return err
	}
	if lhs.Type != ssa.TypeBool {
		return c.errorf(j, ErrTypeMismatch, "%s on %s", op, lhs.Type)
	}

	label := "and"
	if op == cash.OpLogicOr {
		label = "or"
	}
	rhsBlock := b.NewBlock(label + ".rhs")
	merge := b.NewBlock(label + ".end")
	if op == cash.OpLogicAnd {
		b.If(lhs, rhsBlock, merge)
	} else {
		b.If(lhs, merge, rhsBlock)
	}

	b.SetInsertPoint(rhsBlock)
	depth := len(e.stack)
	// The first instruction is compiled directly so that k is not taken
	// for the start of another right operand.
	next, _, err := e.inst(k, j)
	if err != nil {
		return err
	}
	if _, err := e.compileRange(next, j); err != nil {
		return err
	}
	if len(e.stack) != depth+1 {
		return c.errorf(j, ErrMalformedNesting, "right operand of %s produced %d values", op, len(e.stack)-depth)
	}
	rhs, _ := e.pop(j)
	if rhs.Type != ssa.TypeBool {
		return c.errorf(j, ErrTypeMismatch, "%s on %s", op, rhs.Type)
	}
	b.Jump(merge)

	// Preds of merge: the deciding block first, then the end of the rhs.
	b.SetInsertPoint(merge)
	e.push(b.Phi(ssa.TypeBool, b.ConstBool(op == cash.OpLogicOr), rhs))
	return nil
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

type arm struct {
	done  bool
	stack []*ssa.Value
	end   *ssa.Block
}

func (e *emitter) compileArm(blk *ssa.Block, base []*ssa.Value, start, stop int) (arm, error) {
	e.b.SetInsertPoint(blk)
	e.stack = append([]*ssa.Value(nil), base...)
	e.pushScope()
	done, err := e.compileRange(start, stop)
	e.popScope()
	return arm{done: done, stack: e.stack, end: e.b.Block()}, err
}

// branch lowers a BRANCH at i whose then arm is [i+1, elseStart) and whose
// else arm is [elseStart, stop).
func (e *emitter) branch(i, elseStart, stop int) (bool, error) {
	c := e.c
	b := e.b

	cond, err := e.pop(i)
	if err != nil {
		return false, err
	}
	if cond.Type != ssa.TypeBool {
		return false, c.errorf(i, ErrTypeMismatch, "branch condition is %s", cond.Type)
	}

	base := e.stack
	thenBlock, elseBlock := b.NewBlock("then"), b.NewBlock("else")
	b.If(cond, thenBlock, elseBlock)

	t, err := e.compileArm(thenBlock, base, i+1, elseStart)
	if err != nil {
		return false, err
	}
	f, err := e.compileArm(elseBlock, base, elseStart, stop)
	if err != nil {
		return false, err
	}

	switch {
	case t.done && f.done:
		return true, nil
	case t.done:
		b.SetInsertPoint(f.end)
		e.stack = f.stack
		return false, nil
	case f.done:
		b.SetInsertPoint(t.end)
		e.stack = t.stack
		return false, nil
	}

	if len(t.stack) != len(f.stack) {
		return false, c.errorf(i, ErrTypeMismatch, "branch arms leave %d and %d values", len(t.stack), len(f.stack))
	}
	for k := range t.stack {
		if t.stack[k].Type != f.stack[k].Type {
			return false, c.errorf(i, ErrTypeMismatch, "branch arms leave %s and %s at depth %d", t.stack[k].Type, f.stack[k].Type, k)
		}
	}

	merge := b.NewBlock("merge")
	b.SetInsertPoint(t.end)
	b.Jump(merge)
	b.SetInsertPoint(f.end)
	b.Jump(merge)
	b.SetInsertPoint(merge)

	e.stack = make([]*ssa.Value, len(t.stack))
	for k := range t.stack {
		if t.stack[k] == f.stack[k] {
			e.stack[k] = t.stack[k]
		} else {
			e.stack[k] = b.Phi(t.stack[k].Type, t.stack[k], f.stack[k])
		}
	}
	return false, nil
}

// loop lowers a LOOP at i whose body is [i+1, stop).
func (e *emitter) loop(i, stop int) (bool, error) {
	b := e.b
	lp := &loop{
		header: b.NewBlock("loop"),
		exit:   b.NewBlock("loop.exit"),
		base:   append([]*ssa.Value(nil), e.stack...),
	}
	b.Jump(lp.header)
	b.SetInsertPoint(lp.header)

	e.loops = append(e.loops, lp)
	e.pushScope()
	done, err := e.compileRange(i+1, stop)
	e.popScope()
	e.loops = e.loops[:len(e.loops)-1]
	if err != nil {
		return false, err
	}

	if !done {
		// Falling off the body starts the next iteration.
		if err := e.checkLoopStack(i, lp); err != nil {
			return false, err
		}
		b.Jump(lp.header)
	}

	if len(lp.exit.Preds) == 0 {
		// No BREAK: the loop never exits.
		e.fn.RemoveBlock(lp.exit)
		return true, nil
	}
	b.SetInsertPoint(lp.exit)
	e.stack = append([]*ssa.Value(nil), lp.base...)
	return false, nil
}

// checkLoopStack requires the operand stack to be exactly as it was when
// the loop was entered.
func (e *emitter) checkLoopStack(i int, lp *loop) error {
	if len(e.stack) != len(lp.base) {
		return e.c.errorf(i, ErrMalformedNesting, "loop body leaves %d values, entered with %d", len(e.stack), len(lp.base))
	}
	for k, v := range lp.base {
		if e.stack[k] != v {
			return e.c.errorf(i, ErrMalformedNesting, "loop body replaces operand %d", k)
		}
	}
	return nil
}

func (e *emitter) jumpLoop(i int, op cash.Opcode) error {
	if len(e.loops) == 0 {
		return e.c.errorf(i, ErrMalformedNesting, "%s outside a loop", op)
	}
	lp := e.loops[len(e.loops)-1]
	if err := e.checkLoopStack(i, lp); err != nil {
		return err
	}
	if op == cash.OpRepeat {
		e.b.Jump(lp.header)
	} else {
		e.b.Jump(lp.exit)
	}
	return nil
}

func (e *emitter) ret(i int) error {
	if e.retType == ssa.TypeVoid {
		e.b.Return(nil)
		return nil
	}
	v, err := e.pop(i)
	if err != nil {
		return err
	}
	if v.Type != e.retType {
		return e.c.errorf(i, ErrTypeMismatch, "%s returns %s, got %s", e.fn.Name, e.retType, v.Type)
	}
	e.b.Return(v)
	return nil
}

func (e *emitter) call(i, n int) error {
	name := e.c.names[i]
	callee := e.c.mod.Func(name)
	if callee == nil {
		return e.c.errorf(i, ErrUndefinedSymbol, "function %q", name)
	}
	if n != len(callee.Params) {
		return e.c.errorf(i, ErrTypeMismatch, "%s takes %d arguments, got %d", name, len(callee.Params), n)
	}
	args, err := e.popN(i, n)
	if err != nil {
		return err
	}
	for k, a := range args {
		if a.Type != callee.Params[k] {
			return e.c.errorf(i, ErrTypeMismatch, "argument %d of %s is %s, want %s", k, name, a.Type, callee.Params[k])
		}
	}
	v := e.b.Call(callee, args...)
	if callee.Return != ssa.TypeVoid {
		e.push(v)
	}
	return nil
}
