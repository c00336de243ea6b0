// Package compiler lowers a decoded bytecode program, a stack-machine
// program with structured control flow, into an SSA module.
package compiler

import (
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/cashier/cash"
	"github.com/chazu/cashier/ssa"
)

var log = commonlog.GetLogger("cashier.compiler")

// EntryPoint is the name of the exported function holding the top-level
// instruction sequence. It returns an i32 status.
const EntryPoint = "main"

// ---------------------------------------------------------------------------
// Compiler
// ---------------------------------------------------------------------------

// Compiler holds the state of one compilation. A Compiler is not safe for
// concurrent use; independent compilations each use their own.
type Compiler struct {
	prog *cash.Program
	opts options
	mod  *ssa.Module

	// names[i] is the name bound by instruction i, if it is name-bearing.
	names []string
	funs  []*funInfo
	funAt map[int]*funInfo

	// rhsEnd maps the first instruction of a logical operator's right
	// operand to the operator's index.
	rhsEnd map[int]int
}

// funInfo describes a FUN instruction collected by the bind pass.
type funInfo struct {
	index      int
	name       string
	ret        ssa.Type
	params     []ssa.Type
	paramNames []string
	bodyStart  int
	end        int
	fn         *ssa.Func
}

// Compile lowers prog into a verified SSA module.
func Compile(prog *cash.Program, opts ...Option) (*ssa.Module, error) {
	return New(prog, opts...).Compile()
}

// New returns a compiler for prog.
func New(prog *cash.Program, opts ...Option) *Compiler {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Compiler{prog: prog, opts: o}
}

// Compile runs the bind and emit passes. On failure no module is
// returned.
func (c *Compiler) Compile() (*ssa.Module, error) {
	c.mod = ssa.NewModule(c.opts.moduleName)
	c.names = make([]string, len(c.prog.Insts))
	c.funs = nil
	c.funAt = make(map[int]*funInfo)
	c.rhsEnd = make(map[int]int)

	if err := c.declareExterns(); err != nil {
		return nil, err
	}
	main := c.mod.NewFunc(EntryPoint, ssa.TypeI32)

	if err := c.bind(); err != nil {
		return nil, err
	}
	log.Debugf("bound %d instructions, %d functions, %d short-circuit operators",
		len(c.prog.Insts), len(c.funs), len(c.rhsEnd))

	if err := c.compileMain(main); err != nil {
		return nil, err
	}
	for _, fi := range c.funs {
		if err := c.compileFun(fi); err != nil {
			return nil, err
		}
	}

	if err := c.mod.Verify(); err != nil {
		return nil, fmt.Errorf("compiler produced an invalid module: %w", err)
	}
	log.Debugf("compiled module %s with %d functions", c.mod.Name, len(c.mod.Funcs))
	return c.mod, nil
}

func (c *Compiler) declareExterns() error {
	var all []extern
	if c.opts.builtins {
		all = append(all, builtins...)
	}
	all = append(all, c.opts.externs...)
	for _, e := range all {
		if e.name == EntryPoint || c.mod.Func(e.name) != nil {
			return &CompileError{Index: -1, Kind: ErrDuplicateSymbol, Detail: fmt.Sprintf("extern %q declared twice", e.name)}
		}
		c.mod.DeclareExtern(e.name, e.ret, e.params...)
	}
	return nil
}

// errorf builds a CompileError for instruction i.
func (c *Compiler) errorf(i int, kind error, format string, args ...any) error {
	e := &CompileError{Index: i, Kind: kind, Detail: fmt.Sprintf(format, args...)}
	if i >= 0 && i < len(c.prog.Insts) {
		e.Op = c.prog.Insts[i].Opcode()
	}
	return e
}

// ---------------------------------------------------------------------------
// Bind pass: names, signatures and short-circuit operands
// ---------------------------------------------------------------------------

func (c *Compiler) bind() error {
	insts := c.prog.Insts
	names := c.prog.Names()
	nextType := 0

	for i, inst := range insts {
		op := inst.Opcode()
		if op.Named() {
			name, ok := names.Next()
			if !ok {
				return c.errorf(i, ErrUndefinedSymbol, "name table exhausted at pool offset %d", names.Offset())
			}
			c.names[i] = name
		}

		fun, ok := inst.(cash.Fun)
		if !ok {
			continue
		}
		if nextType >= len(c.prog.Extra) {
			return c.errorf(i, ErrMalformedNesting, "no return type for function %q", c.names[i])
		}
		et, ok := c.prog.Extra[nextType].(cash.ExtraType)
		if !ok {
			return c.errorf(i, ErrMalformedNesting, "extra entry %d is not a type", nextType)
		}
		nextType++

		fi := &funInfo{
			index:     i,
			name:      c.names[i],
			ret:       ssaType(et.Ty),
			bodyStart: i + 1 + int(fun.ParamsLen),
			end:       i + 1 + int(fun.ParamsLen) + int(fun.BodyLen),
		}
		if fi.end > len(insts) {
			return c.errorf(i, ErrMalformedNesting, "function %q ends at %d past the program end %d", fi.name, fi.end, len(insts))
		}
		c.funs = append(c.funs, fi)
		c.funAt[i] = fi
	}

	// Parameters are the VAR_DECLs of each params region; their names are
	// bound by now.
	for _, fi := range c.funs {
		for j := fi.index + 1; j < fi.bodyStart; j++ {
			decl, ok := insts[j].(cash.VarDecl)
			if !ok {
				return c.errorf(j, ErrMalformedNesting, "parameter %d of %q is %s, want VAR_DECL", j-fi.index-1, fi.name, insts[j].Opcode())
			}
			if decl.Ty == cash.TyVoid {
				return c.errorf(j, ErrTypeMismatch, "parameter %q of %q is void", c.names[j], fi.name)
			}
			fi.params = append(fi.params, ssaType(decl.Ty))
			fi.paramNames = append(fi.paramNames, c.names[j])
		}
		if c.mod.Func(fi.name) != nil {
			return c.errorf(fi.index, ErrDuplicateSymbol, "function %q already defined", fi.name)
		}
		fi.fn = c.mod.NewFunc(fi.name, fi.ret, fi.params...)
		fi.fn.ParamNames = fi.paramNames
	}

	// Signatures are known, so CALL stack effects can be resolved.
	return c.scan()
}

// scan makes one forward pass over the program. It checks that every
// region lies inside the region enclosing it, reachable or not, and
// records where the right operand of each logical operator begins.
//
// starts holds, for each value on a simulated operand stack, the index of
// the first instruction that went into computing it. A value computed from
// operands that were on the stack before floor, the last instruction that
// is not a straight-line expression or the last region boundary, has start
// -1.
func (c *Compiler) scan() error {
	insts := c.prog.Insts
	ends := []int{len(insts)}
	var starts []int
	floor, floorEnd := -1, false

	for i, inst := range insts {
		for len(ends) > 1 && ends[len(ends)-1] == i {
			ends = ends[:len(ends)-1]
			starts, floor, floorEnd = starts[:0], i, true
		}

		if inner, outer, ok := c.regionEnds(i); ok {
			if limit := ends[len(ends)-1]; outer > limit {
				return c.errorf(i, ErrMalformedNesting, "region [%d,%d) exceeds the enclosing region ending at %d", i+1, outer, limit)
			}
			ends = append(ends, outer)
			if inner != outer {
				ends = append(ends, inner)
			}
		}

		pops, pushes, ok := c.stackEffect(i)
		if !ok {
			starts, floor, floorEnd = starts[:0], i, false
			continue
		}

		if op := inst.Opcode(); op.IsLogic() {
			k := -1
			if n := len(starts); n > 0 {
				k = starts[n-1]
			}
			if k < 0 {
				return c.operandError(i, floor, floorEnd)
			}
			if other, dup := c.rhsEnd[k]; dup {
				return c.errorf(i, ErrMalformedNesting, "right operand shares its start %d with operator %d", k, other)
			}
			c.rhsEnd[k] = i
		}

		// Operands nearer the bottom started earlier, so the result starts
		// where its deepest operand does.
		start := i
		for ; pops > 0; pops-- {
			start = -1
			if n := len(starts); n > 0 {
				start = starts[n-1]
				starts = starts[:n-1]
			}
		}
		if pushes > 0 {
			starts = append(starts, start)
		}
	}
	return nil
}

// operandError explains why the right operand of the logical operator at
// j reaches back past floor.
func (c *Compiler) operandError(j, floor int, floorEnd bool) error {
	op := c.prog.Insts[j].Opcode()
	switch {
	case floor < 0:
		return c.errorf(j, ErrStackUnderflow, "%s needs two operands", op)
	case floorEnd:
		return c.errorf(j, ErrMalformedNesting, "right operand of %s crosses the region ending at %d", op, floor)
	case c.prog.Insts[floor].Opcode() == cash.OpCall:
		return c.errorf(floor, ErrUndefinedSymbol, "function %q", c.names[floor])
	}
	return c.errorf(j, ErrMalformedNesting, "right operand of %s contains %s at %d", op, c.prog.Insts[floor].Opcode(), floor)
}

// regionEnds returns the ends of the regions a structural instruction at i
// opens: the whole extent (outer) and its first part (inner), the then
// arm of a BRANCH or the params of a FUN. Both are equal for BLOCK and
// LOOP.
func (c *Compiler) regionEnds(i int) (inner, outer int, ok bool) {
	switch in := c.prog.Insts[i].(type) {
	case cash.Block:
		outer = i + 1 + int(in.Len)
		return outer, outer, true
	case cash.Loop:
		outer = i + 1 + int(in.Len)
		return outer, outer, true
	case cash.Branch:
		inner = i + 1 + int(in.ThenLen)
		return inner, inner + int(in.ElseLen), true
	case cash.Fun:
		inner = i + 1 + int(in.ParamsLen)
		return inner, inner + int(in.BodyLen), true
	}
	return 0, 0, false
}

// stackEffect returns how many values instruction i pops and pushes. ok is
// false if it is not a straight-line expression instruction, including a
// CALL whose callee is unknown.
func (c *Compiler) stackEffect(i int) (pops, pushes int, ok bool) {
	inst := c.prog.Insts[i]
	op := inst.Opcode()
	switch {
	case op == cash.OpI32, op == cash.OpF64, op == cash.OpBool, op == cash.OpString, op == cash.OpVar:
		return 0, 1, true
	case op.IsBinary():
		return 2, 1, true
	case op == cash.OpNot, op == cash.OpNeg:
		return 1, 1, true
	case op == cash.OpCall:
		callee := c.mod.Func(c.names[i])
		if callee == nil {
			return 0, 0, false
		}
		pushes = 1
		if callee.Return == ssa.TypeVoid {
			pushes = 0
		}
		return int(inst.(cash.Call).ArgsLen), pushes, true
	}
	return 0, 0, false
}

// ssaType maps a declared type onto the SSA type system.
func ssaType(t cash.Ty) ssa.Type {
	switch t {
	case cash.TyString:
		return ssa.TypeString
	case cash.TyI32:
		return ssa.TypeI32
	case cash.TyF64:
		return ssa.TypeF64
	case cash.TyBool:
		return ssa.TypeBool
	}
	return ssa.TypeVoid
}
