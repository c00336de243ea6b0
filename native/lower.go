// Package native lowers SSA modules to LLVM IR and links them into
// executables with an external clang toolchain.
package native

import (
	"errors"
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/tliron/commonlog"

	"github.com/chazu/cashier/compiler"
	"github.com/chazu/cashier/ssa"
)

var log = commonlog.GetLogger("cashier.native")

var (
	ErrReservedName = errors.New("reserved symbol name")
	ErrUnsupported  = errors.New("unsupported construct")
)

// printfName is the C runtime function the builtins are written on.
const printfName = "printf"

// LoweringVersion changes whenever Lower emits different IR for the same
// module, invalidating IR cached by earlier versions.
const LoweringVersion = "1"

// Lower translates a verified SSA module into an LLVM IR module. Builtin
// externs are given bodies that call printf; other externs stay
// declarations to be resolved at link time.
func Lower(src *ssa.Module) (*ir.Module, error) {
	if src.Func(printfName) != nil {
		return nil, fmt.Errorf("%w: %q", ErrReservedName, printfName)
	}

	l := &lowerer{
		src:   src,
		m:     ir.NewModule(),
		funcs: make(map[*ssa.Func]*ir.Func),
		strs:  make(map[string]constant.Constant),
	}
	l.m.SourceFilename = src.Name

	for _, f := range src.Funcs {
		params := make([]*ir.Param, len(f.Params))
		for i, t := range f.Params {
			name := ""
			if i < len(f.ParamNames) {
				name = f.ParamNames[i]
			}
			params[i] = ir.NewParam(name, irType(t))
		}
		l.funcs[f] = l.m.NewFunc(f.Name, irType(f.Return), params...)
	}

	for _, f := range src.Funcs {
		switch {
		case f.Extern && compiler.IsBuiltin(f.Name):
			l.builtin(f.Name, l.funcs[f])
		case f.Extern:
			// Declaration only.
		default:
			if err := l.lowerFunc(f); err != nil {
				return nil, fmt.Errorf("lowering %s: %w", f.Name, err)
			}
		}
	}
	log.Debugf("lowered module %s: %d functions, %d string constants", src.Name, len(l.m.Funcs), len(l.strs))
	return l.m, nil
}

type lowerer struct {
	src    *ssa.Module
	m      *ir.Module
	funcs  map[*ssa.Func]*ir.Func
	strs   map[string]constant.Constant
	printf *ir.Func
}

// irType maps an SSA type to its LLVM representation. Strings are
// pointers to NUL-terminated bytes.
func irType(t ssa.Type) types.Type {
	if t.IsPtr() {
		return types.NewPointer(irType(t.Elem()))
	}
	switch t {
	case ssa.TypeBool:
		return types.I1
	case ssa.TypeI32:
		return types.I32
	case ssa.TypeF64:
		return types.Double
	case ssa.TypeString:
		return types.I8Ptr
	}
	return types.Void
}

// str returns a pointer to a private constant holding s.
func (l *lowerer) str(s string) constant.Constant {
	if c, ok := l.strs[s]; ok {
		return c
	}
	data := constant.NewCharArrayFromString(s + "\x00")
	g := l.m.NewGlobalDef(fmt.Sprintf(".str.%d", len(l.strs)), data)
	g.Linkage = enum.LinkagePrivate
	g.UnnamedAddr = enum.UnnamedAddrUnnamedAddr
	g.Immutable = true

	zero := constant.NewInt(types.I64, 0)
	c := constant.NewGetElementPtr(data.Typ, g, zero, zero)
	l.strs[s] = c
	return c
}

func (l *lowerer) printfFunc() *ir.Func {
	if l.printf == nil {
		l.printf = l.m.NewFunc(printfName, types.I32, ir.NewParam("format", types.I8Ptr))
		l.printf.Sig.Variadic = true
	}
	return l.printf
}

// builtin defines one of the print_* runtime functions.
func (l *lowerer) builtin(name string, f *ir.Func) {
	entry := f.NewBlock("entry")
	var arg value.Value = f.Params[0]

	format := "%s\n"
	switch name {
	case compiler.PrintI32:
		format = "%d\n"
	case compiler.PrintF64:
		format = "%g\n"
	case compiler.PrintBool:
		arg = entry.NewSelect(arg, l.str("true"), l.str("false"))
	}
	entry.NewCall(l.printfFunc(), l.str(format), arg)
	entry.NewRet(nil)
}

// ---------------------------------------------------------------------------
// Function bodies
// ---------------------------------------------------------------------------

type funcLowerer struct {
	*lowerer
	f      *ssa.Func
	fn     *ir.Func
	blocks map[*ssa.Block]*ir.Block
	vals   map[*ssa.Value]value.Value
	phis   []pendingPhi
}

// pendingPhi is a phi whose incoming values are filled in once every
// block has been lowered.
type pendingPhi struct {
	v   *ssa.Value
	phi *ir.InstPhi
}

func (l *lowerer) lowerFunc(f *ssa.Func) error {
	fl := &funcLowerer{
		lowerer: l,
		f:       f,
		fn:      l.funcs[f],
		blocks:  make(map[*ssa.Block]*ir.Block),
		vals:    make(map[*ssa.Value]value.Value),
	}

	order := reversePostorder(f)
	for _, b := range order {
		name := "entry"
		if b != f.Entry() {
			name = fmt.Sprintf("%s.%d", b.Name, b.ID)
		}
		fl.blocks[b] = fl.fn.NewBlock(name)
	}
	for _, b := range order {
		if err := fl.block(b); err != nil {
			return err
		}
	}

	for _, p := range fl.phis {
		for i, arg := range p.v.Args {
			x, err := fl.value(arg)
			if err != nil {
				return err
			}
			p.phi.Incs = append(p.phi.Incs, ir.NewIncoming(x, fl.blocks[p.v.Block.Preds[i]]))
		}
	}
	return nil
}

// reversePostorder lists reachable blocks so that every definition is
// lowered before its non-phi uses. Unreachable blocks follow.
func reversePostorder(f *ssa.Func) []*ssa.Block {
	type frame struct {
		b    *ssa.Block
		next int
	}
	seen := map[*ssa.Block]bool{f.Entry(): true}
	stack := []frame{{b: f.Entry()}}
	var post []*ssa.Block
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.b.Succs) {
			s := top.b.Succs[top.next]
			top.next++
			if !seen[s] {
				seen[s] = true
				stack = append(stack, frame{b: s})
			}
			continue
		}
		post = append(post, top.b)
		stack = stack[:len(stack)-1]
	}

	order := make([]*ssa.Block, 0, len(f.Blocks))
	for i := len(post) - 1; i >= 0; i-- {
		order = append(order, post[i])
	}
	for _, b := range f.Blocks {
		if !seen[b] {
			order = append(order, b)
		}
	}
	return order
}

func (fl *funcLowerer) value(v *ssa.Value) (value.Value, error) {
	if v.Op == ssa.OpConst {
		return fl.constant(v), nil
	}
	x, ok := fl.vals[v]
	if !ok {
		return nil, fmt.Errorf("%w: %s used before its definition was lowered", ErrUnsupported, v)
	}
	return x, nil
}

func (fl *funcLowerer) constant(v *ssa.Value) constant.Constant {
	switch v.Type {
	case ssa.TypeBool:
		return constant.NewBool(v.AuxInt != 0)
	case ssa.TypeI32:
		return constant.NewInt(types.I32, int64(int32(v.AuxInt)))
	case ssa.TypeF64:
		return constant.NewFloat(types.Double, v.AuxFloat)
	}
	s, _ := v.Aux.(string)
	return fl.str(s)
}

func (fl *funcLowerer) args(v *ssa.Value) ([]value.Value, error) {
	out := make([]value.Value, len(v.Args))
	for i, a := range v.Args {
		x, err := fl.value(a)
		if err != nil {
			return nil, err
		}
		out[i] = x
	}
	return out, nil
}

var (
	intOps = map[ssa.Op]enum.IPred{
		ssa.OpEq: enum.IPredEQ,
		ssa.OpNe: enum.IPredNE,
		ssa.OpLt: enum.IPredSLT,
		ssa.OpLe: enum.IPredSLE,
		ssa.OpGt: enum.IPredSGT,
		ssa.OpGe: enum.IPredSGE,
	}
	// Ordered predicates, except that NaN != NaN holds.
	floatOps = map[ssa.Op]enum.FPred{
		ssa.OpEq: enum.FPredOEQ,
		ssa.OpNe: enum.FPredUNE,
		ssa.OpLt: enum.FPredOLT,
		ssa.OpLe: enum.FPredOLE,
		ssa.OpGt: enum.FPredOGT,
		ssa.OpGe: enum.FPredOGE,
	}
)

func (fl *funcLowerer) block(b *ssa.Block) error {
	blk := fl.blocks[b]

	for _, v := range b.Values {
		switch v.Op {
		case ssa.OpConst:
			continue
		case ssa.OpParam:
			fl.vals[v] = fl.fn.Params[v.AuxInt]
			continue
		case ssa.OpPhi:
			phi := blk.NewPhi()
			phi.Typ = irType(v.Type)
			fl.phis = append(fl.phis, pendingPhi{v: v, phi: phi})
			fl.vals[v] = phi
			continue
		}

		args, err := fl.args(v)
		if err != nil {
			return err
		}
		var res value.Value
		switch {
		case v.Op.IsArithmetic():
			res = fl.arith(blk, v.Op, v.Type, args[0], args[1])
		case v.Op.IsCompare():
			if v.Args[0].Type == ssa.TypeF64 {
				res = blk.NewFCmp(floatOps[v.Op], args[0], args[1])
			} else {
				res = blk.NewICmp(intOps[v.Op], args[0], args[1])
			}
		case v.Op == ssa.OpNot:
			res = blk.NewXor(args[0], constant.True)
		case v.Op == ssa.OpNeg:
			if v.Type == ssa.TypeF64 {
				res = blk.NewFNeg(args[0])
			} else {
				res = blk.NewSub(constant.NewInt(types.I32, 0), args[0])
			}
		case v.Op == ssa.OpAlloca:
			res = blk.NewAlloca(irType(v.Type.Elem()))
		case v.Op == ssa.OpLoad:
			res = blk.NewLoad(irType(v.Type), args[0])
		case v.Op == ssa.OpStore:
			blk.NewStore(args[1], args[0])
		case v.Op == ssa.OpCall:
			res = blk.NewCall(fl.funcs[v.Callee()], args...)
		default:
			return fmt.Errorf("%w: %s", ErrUnsupported, v.LongString())
		}
		if res != nil {
			fl.vals[v] = res
		}
	}

	switch b.Kind {
	case ssa.BlockPlain:
		blk.NewBr(fl.blocks[b.Succs[0]])
	case ssa.BlockIf:
		cond, err := fl.value(b.Control)
		if err != nil {
			return err
		}
		blk.NewCondBr(cond, fl.blocks[b.Succs[0]], fl.blocks[b.Succs[1]])
	case ssa.BlockRet:
		if b.Control == nil {
			blk.NewRet(nil)
			return nil
		}
		x, err := fl.value(b.Control)
		if err != nil {
			return err
		}
		blk.NewRet(x)
	default:
		return fmt.Errorf("%w: block %s has no terminator", ErrUnsupported, b)
	}
	return nil
}

func (fl *funcLowerer) arith(blk *ir.Block, op ssa.Op, t ssa.Type, x, y value.Value) value.Value {
	if t == ssa.TypeF64 {
		switch op {
		case ssa.OpAdd:
			return blk.NewFAdd(x, y)
		case ssa.OpSub:
			return blk.NewFSub(x, y)
		case ssa.OpMul:
			return blk.NewFMul(x, y)
		case ssa.OpDiv:
			return blk.NewFDiv(x, y)
		}
		return blk.NewFRem(x, y)
	}
	switch op {
	case ssa.OpAdd:
		return blk.NewAdd(x, y)
	case ssa.OpSub:
		return blk.NewSub(x, y)
	case ssa.OpMul:
		return blk.NewMul(x, y)
	case ssa.OpDiv:
		return blk.NewSDiv(x, y)
	}
	return blk.NewSRem(x, y)
}
