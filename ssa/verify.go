package ssa

import (
	"errors"
	"fmt"
)

// ErrInvalidFunc is wrapped by every verifier failure.
var ErrInvalidFunc = errors.New("invalid function")

// Verify checks every function of the module.
func (m *Module) Verify() error {
	for _, f := range m.Funcs {
		if err := Verify(f); err != nil {
			return err
		}
	}
	return nil
}

// Verify checks that f is well formed: every block is terminated, edges
// are symmetric, operand types fit their ops, phis match predecessors, and
// every use is dominated by its definition.
func Verify(f *Func) error {
	if f.Extern {
		if len(f.Blocks) != 0 {
			return f.invalid("extern has a body")
		}
		return nil
	}
	if len(f.Blocks) == 0 {
		return f.invalid("function has no body")
	}
	if len(f.Blocks[0].Preds) != 0 {
		return f.invalid("entry block has predecessors")
	}

	inFunc := make(map[*Block]bool, len(f.Blocks))
	for _, b := range f.Blocks {
		inFunc[b] = true
	}

	for _, b := range f.Blocks {
		if err := f.checkBlock(b, inFunc); err != nil {
			return err
		}
	}

	idom := dominators(f)
	dom := newDomTree(idom, f.Entry())
	pos := make(map[*Value]int)
	for _, b := range f.Blocks {
		for i, v := range b.Values {
			pos[v] = i
		}
	}
	for _, b := range f.Blocks {
		if _, ok := idom[b]; !ok {
			continue // unreachable
		}
		for i, v := range b.Values {
			for k, a := range v.Args {
				if _, ok := pos[a]; !ok {
					return f.invalid("%s: %s uses %s from another function", b, v, a)
				}
				if v.Op == OpPhi {
					p := b.Preds[k]
					if _, ok := idom[p]; ok && !dom.dominates(a.Block, p) {
						return f.invalid("%s: phi %s argument %s does not dominate predecessor %s", b, v, a, p)
					}
					continue
				}
				if a.Block == b {
					if pos[a] >= i {
						return f.invalid("%s: %s used by %s before definition", b, a, v)
					}
				} else if !dom.dominates(a.Block, b) {
					return f.invalid("%s: %s defined in %s does not dominate use in %s", b, a, a.Block, v)
				}
			}
		}
		if c := b.Control; c != nil {
			if _, ok := pos[c]; !ok {
				return f.invalid("%s: control %s from another function", b, c)
			}
			if c.Block != b && !dom.dominates(c.Block, b) {
				return f.invalid("%s: control %s does not dominate the block", b, c)
			}
		}
	}
	return nil
}

func (f *Func) invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidFunc, f.Name, fmt.Sprintf(format, args...))
}

func (f *Func) checkBlock(b *Block, inFunc map[*Block]bool) error {
	switch b.Kind {
	case BlockInvalid:
		return f.invalid("block %s is not terminated", b)
	case BlockPlain:
		if len(b.Succs) != 1 || b.Control != nil {
			return f.invalid("plain block %s needs one successor and no control", b)
		}
	case BlockIf:
		if len(b.Succs) != 2 {
			return f.invalid("if block %s needs two successors", b)
		}
		if b.Control == nil || b.Control.Type != TypeBool {
			return f.invalid("if block %s needs a bool control", b)
		}
	case BlockRet:
		if len(b.Succs) != 0 {
			return f.invalid("return block %s has successors", b)
		}
		if f.Return == TypeVoid {
			if b.Control != nil {
				return f.invalid("%s returns a value from a void function", b)
			}
		} else if b.Control == nil || b.Control.Type != f.Return {
			return f.invalid("%s must return %s", b, f.Return)
		}
	}

	for _, s := range b.Succs {
		if !inFunc[s] {
			return f.invalid("%s branches to %s outside the function", b, s)
		}
		if count(s.Preds, b) != count(b.Succs, s) {
			return f.invalid("edge %s -> %s is not mirrored in predecessors", b, s)
		}
	}
	for _, p := range b.Preds {
		if !inFunc[p] {
			return f.invalid("%s has predecessor %s outside the function", b, p)
		}
		if count(p.Succs, b) != count(b.Preds, p) {
			return f.invalid("edge %s -> %s is not mirrored in successors", p, b)
		}
	}

	phis := true
	for _, v := range b.Values {
		if v.Block != b {
			return f.invalid("%s listed in %s belongs to %s", v, b, v.Block)
		}
		if v.Op == OpPhi {
			if !phis {
				return f.invalid("%s: phi %s follows a non-phi value", b, v)
			}
		} else {
			phis = false
		}
		if err := f.checkValue(b, v); err != nil {
			return err
		}
	}
	return nil
}

func (f *Func) checkValue(b *Block, v *Value) error {
	args := func(n int) error {
		if len(v.Args) != n {
			return f.invalid("%s: %s %s has %d args, want %d", b, v.Op, v, len(v.Args), n)
		}
		return nil
	}

	switch {
	case v.Op == OpConst:
		if err := args(0); err != nil {
			return err
		}
		if v.Type == TypeVoid || v.Type.IsPtr() {
			return f.invalid("%s: constant %s of type %s", b, v, v.Type)
		}

	case v.Op == OpParam:
		if err := args(0); err != nil {
			return err
		}
		i := int(v.AuxInt)
		if b != f.Entry() || i < 0 || i >= len(f.Params) || f.Params[i] != v.Type {
			return f.invalid("%s: bad param %s", b, v)
		}

	case v.Op.IsArithmetic():
		if err := args(2); err != nil {
			return err
		}
		if !v.Type.IsNumeric() || v.Args[0].Type != v.Type || v.Args[1].Type != v.Type {
			return f.invalid("%s: %s %s on %s, %s", b, v.Op, v, v.Args[0].Type, v.Args[1].Type)
		}

	case v.Op.IsCompare():
		if err := args(2); err != nil {
			return err
		}
		t := v.Args[0].Type
		ok := v.Type == TypeBool && v.Args[1].Type == t && t.IsNumeric()
		if !v.Op.IsOrdering() && t == TypeBool && v.Args[1].Type == TypeBool {
			ok = v.Type == TypeBool
		}
		if !ok {
			return f.invalid("%s: %s %s on %s, %s", b, v.Op, v, t, v.Args[1].Type)
		}

	case v.Op == OpNot:
		if err := args(1); err != nil {
			return err
		}
		if v.Type != TypeBool || v.Args[0].Type != TypeBool {
			return f.invalid("%s: Not %s on %s", b, v, v.Args[0].Type)
		}

	case v.Op == OpNeg:
		if err := args(1); err != nil {
			return err
		}
		if !v.Type.IsNumeric() || v.Args[0].Type != v.Type {
			return f.invalid("%s: Neg %s on %s", b, v, v.Args[0].Type)
		}

	case v.Op == OpAlloca:
		if err := args(0); err != nil {
			return err
		}
		if b != f.Entry() || !v.Type.IsPtr() {
			return f.invalid("%s: alloca %s outside entry or not a pointer", b, v)
		}

	case v.Op == OpLoad:
		if err := args(1); err != nil {
			return err
		}
		if !v.Args[0].Type.IsPtr() || v.Args[0].Type.Elem() != v.Type {
			return f.invalid("%s: load %s of %s from %s", b, v, v.Type, v.Args[0].Type)
		}

	case v.Op == OpStore:
		if err := args(2); err != nil {
			return err
		}
		if !v.Args[0].Type.IsPtr() || v.Args[0].Type.Elem() != v.Args[1].Type {
			return f.invalid("%s: store %s of %s into %s", b, v, v.Args[1].Type, v.Args[0].Type)
		}

	case v.Op == OpCall:
		callee := v.Callee()
		if callee == nil || callee.Module != f.Module {
			return f.invalid("%s: call %s has no callee in this module", b, v)
		}
		if err := args(len(callee.Params)); err != nil {
			return err
		}
		for i, a := range v.Args {
			if a.Type != callee.Params[i] {
				return f.invalid("%s: call %s argument %d is %s, %s wants %s", b, v, i, a.Type, callee.Name, callee.Params[i])
			}
		}
		if v.Type != callee.Return {
			return f.invalid("%s: call %s typed %s, %s returns %s", b, v, v.Type, callee.Name, callee.Return)
		}

	case v.Op == OpPhi:
		if err := args(len(b.Preds)); err != nil {
			return err
		}
		for _, a := range v.Args {
			if a.Type != v.Type {
				return f.invalid("%s: phi %s of %s has %s argument", b, v, v.Type, a.Type)
			}
		}

	default:
		return f.invalid("%s: unknown op %s", b, v.Op)
	}
	return nil
}

func count(bs []*Block, b *Block) int {
	n := 0
	for _, x := range bs {
		if x == b {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Dominators
// ---------------------------------------------------------------------------

// dominators computes immediate dominators of the reachable blocks with the
// iterative algorithm of Cooper, Harvey and Kennedy. The entry maps to
// itself; unreachable blocks are absent.
func dominators(f *Func) map[*Block]*Block {
	entry := f.Entry()
	post := postorder(entry)
	order := make(map[*Block]int, len(post))
	for i, b := range post {
		order[b] = i
	}

	idom := map[*Block]*Block{entry: entry}
	intersect := func(a, b *Block) *Block {
		for a != b {
			for order[a] < order[b] {
				a = idom[a]
			}
			for order[b] < order[a] {
				b = idom[b]
			}
		}
		return a
	}

	for changed := true; changed; {
		changed = false
		for i := len(post) - 1; i >= 0; i-- {
			b := post[i]
			if b == entry {
				continue
			}
			var d *Block
			for _, p := range b.Preds {
				if _, ok := idom[p]; !ok {
					continue
				}
				if d == nil {
					d = p
				} else {
					d = intersect(p, d)
				}
			}
			if d != nil && idom[b] != d {
				idom[b] = d
				changed = true
			}
		}
	}
	return idom
}

// postorder lists the blocks reachable from entry in depth-first
// postorder. The walk keeps its own stack, so long block chains cannot
// exhaust the goroutine stack.
func postorder(entry *Block) []*Block {
	type frame struct {
		b    *Block
		next int
	}
	seen := map[*Block]bool{entry: true}
	stack := []frame{{b: entry}}
	var post []*Block
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
	return post
}

// domTree numbers a dominator tree depth first, so that a dominates b
// exactly when b's interval nests inside a's.
type domTree struct {
	in, out map[*Block]int
}

func newDomTree(idom map[*Block]*Block, entry *Block) *domTree {
	children := make(map[*Block][]*Block, len(idom))
	for b, d := range idom {
		if b != entry {
			children[d] = append(children[d], b)
		}
	}

	t := &domTree{
		in:  make(map[*Block]int, len(idom)),
		out: make(map[*Block]int, len(idom)),
	}
	type frame struct {
		b    *Block
		next int
	}
	n := 0
	t.in[entry] = n
	stack := []frame{{b: entry}}
	for len(stack) > 0 {
		n++
		top := &stack[len(stack)-1]
		if kids := children[top.b]; top.next < len(kids) {
			c := kids[top.next]
			top.next++
			t.in[c] = n
			stack = append(stack, frame{b: c})
			continue
		}
		t.out[top.b] = n
		stack = stack[:len(stack)-1]
	}
	return t
}

// dominates reports whether a dominates b. Unreachable blocks dominate
// nothing and are dominated by nothing.
func (t *domTree) dominates(a, b *Block) bool {
	ia, ok := t.in[a]
	if !ok {
		return false
	}
	ib, ok := t.in[b]
	if !ok {
		return false
	}
	return ia <= ib && t.out[b] <= t.out[a]
}
