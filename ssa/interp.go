package ssa

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrDivideByZero  = errors.New("integer divide by zero")
	ErrOverflow      = errors.New("integer division overflow")
	ErrStepLimit     = errors.New("step limit exceeded")
	ErrUnboundExtern = errors.New("extern function has no binding")
	ErrCallDepth     = errors.New("call depth exceeded")
	ErrNoFunc        = errors.New("no such function")
)

// DefaultMaxDepth bounds recursion when Interpreter.MaxDepth is zero.
const DefaultMaxDepth = 10000

// ExternFunc implements an extern. Arguments and results use the
// interpreter's value representation: int32, float64, bool and string.
// Void externs return nil.
type ExternFunc func(args []any) (any, error)

// Interpreter executes functions of a module directly. It is the reference
// semantics for native lowering. An Interpreter is not safe for concurrent
// use.
type Interpreter struct {
	Module    *Module
	Externs   map[string]ExternFunc
	StepLimit int // 0 means unlimited
	MaxDepth  int

	steps int
	depth int
}

// Steps returns the number of values evaluated so far.
func (in *Interpreter) Steps() int { return in.steps }

type slot struct{ v any }

// Run calls the named function.
func (in *Interpreter) Run(name string, args ...any) (any, error) {
	f := in.Module.Func(name)
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoFunc, name)
	}
	return in.call(f, args)
}

func (in *Interpreter) call(f *Func, args []any) (any, error) {
	if f.Extern {
		ext, ok := in.Externs[f.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnboundExtern, f.Name)
		}
		return ext(args)
	}

	maxDepth := in.MaxDepth
	if maxDepth == 0 {
		maxDepth = DefaultMaxDepth
	}
	if in.depth >= maxDepth {
		return nil, fmt.Errorf("%w: %s at depth %d", ErrCallDepth, f.Name, in.depth)
	}
	in.depth++
	defer func() { in.depth-- }()

	vals := make([]any, f.NumValues())
	var prev *Block
	b := f.Entry()
	for {
		// Phis read their inputs simultaneously.
		var phis []any
		for _, v := range b.Values {
			if v.Op != OpPhi {
				break
			}
			i := b.predIndex(prev)
			if i < 0 {
				return nil, fmt.Errorf("%s: phi %s in %s reached from non-predecessor", f.Name, v, b)
			}
			phis = append(phis, vals[v.Args[i].ID])
		}
		for i, x := range phis {
			vals[b.Values[i].ID] = x
		}

		for _, v := range b.Values[len(phis):] {
			in.steps++
			if in.StepLimit > 0 && in.steps > in.StepLimit {
				return nil, fmt.Errorf("%w: %d", ErrStepLimit, in.StepLimit)
			}
			x, err := in.eval(v, vals, args)
			if err != nil {
				return nil, err
			}
			vals[v.ID] = x
		}

		switch b.Kind {
		case BlockPlain:
			prev, b = b, b.Succs[0]
		case BlockIf:
			if vals[b.Control.ID].(bool) {
				prev, b = b, b.Succs[0]
			} else {
				prev, b = b, b.Succs[1]
			}
		case BlockRet:
			if b.Control == nil {
				return nil, nil
			}
			return vals[b.Control.ID], nil
		default:
			return nil, fmt.Errorf("%s: fell off unterminated block %s", f.Name, b)
		}
	}
}

func (in *Interpreter) eval(v *Value, vals []any, params []any) (any, error) {
	arg := func(i int) any { return vals[v.Args[i].ID] }

	switch v.Op {
	case OpConst:
		switch v.Type {
		case TypeI32:
			return int32(v.AuxInt), nil
		case TypeF64:
			return v.AuxFloat, nil
		case TypeBool:
			return v.AuxInt != 0, nil
		case TypeString:
			return v.Aux.(string), nil
		}
	case OpParam:
		return params[v.AuxInt], nil
	case OpAlloca:
		return &slot{}, nil
	case OpLoad:
		return arg(0).(*slot).v, nil
	case OpStore:
		arg(0).(*slot).v = arg(1)
		return nil, nil
	case OpNot:
		return !arg(0).(bool), nil
	case OpNeg:
		switch x := arg(0).(type) {
		case int32:
			return -x, nil
		case float64:
			return -x, nil
		}
	case OpCall:
		args := make([]any, len(v.Args))
		for i := range v.Args {
			args[i] = arg(i)
		}
		return in.call(v.Callee(), args)
	}

	if v.Op.IsArithmetic() {
		switch x := arg(0).(type) {
		case int32:
			return arithI32(v.Op, x, arg(1).(int32))
		case float64:
			return arithF64(v.Op, x, arg(1).(float64)), nil
		}
	}
	if v.Op.IsCompare() {
		return compare(v.Op, arg(0), arg(1)), nil
	}
	return nil, fmt.Errorf("%s: cannot evaluate %s %s", v.Block.Func.Name, v.Op, v)
}

func arithI32(op Op, a, b int32) (int32, error) {
	switch op {
	case OpAdd:
		return a + b, nil
	case OpSub:
		return a - b, nil
	case OpMul:
		return a * b, nil
	case OpDiv, OpRem:
		if b == 0 {
			return 0, ErrDivideByZero
		}
		// sdiv and srem trap on this pair in native code.
		if a == math.MinInt32 && b == -1 {
			return 0, ErrOverflow
		}
		if op == OpDiv {
			return a / b, nil
		}
		return a % b, nil
	}
	return 0, nil
}

func arithF64(op Op, a, b float64) float64 {
	switch op {
	case OpAdd:
		return a + b
	case OpSub:
		return a - b
	case OpMul:
		return a * b
	case OpDiv:
		return a / b
	case OpRem:
		return math.Mod(a, b)
	}
	return 0
}

func compare(op Op, a, b any) bool {
	var lt, eq bool
	switch x := a.(type) {
	case int32:
		y := b.(int32)
		lt, eq = x < y, x == y
	case float64:
		y := b.(float64)
		if math.IsNaN(x) || math.IsNaN(y) {
			return op == OpNe
		}
		lt, eq = x < y, x == y
	case bool:
		eq = x == b.(bool)
	}
	switch op {
	case OpEq:
		return eq
	case OpNe:
		return !eq
	case OpLt:
		return lt
	case OpLe:
		return lt || eq
	case OpGt:
		return !lt && !eq
	case OpGe:
		return !lt
	}
	return false
}
