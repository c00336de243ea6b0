package ssa

import "fmt"

// Value is one SSA value: the result of an operation in a block.
type Value struct {
	ID    int
	Op    Op
	Type  Type
	Args  []*Value
	Block *Block

	AuxInt   int64
	AuxFloat float64
	Aux      any // string constant or *Func callee
}

// Callee returns the function an OpCall value calls.
func (v *Value) Callee() *Func {
	f, _ := v.Aux.(*Func)
	return f
}

// IsConst reports whether v is a constant.
func (v *Value) IsConst() bool { return v.Op == OpConst }

// IsConstI32 reports whether v is the i32 constant n.
func (v *Value) IsConstI32(n int32) bool {
	return v.Op == OpConst && v.Type == TypeI32 && int32(v.AuxInt) == n
}

func (v *Value) String() string { return fmt.Sprintf("v%d", v.ID) }

// Block is a basic block. Values execute in order; phis come first.
type Block struct {
	ID      int
	Name    string
	Kind    BlockKind
	Values  []*Value
	Control *Value
	Succs   []*Block
	Preds   []*Block
	Func    *Func
}

func (b *Block) String() string { return fmt.Sprintf("b%d", b.ID) }

// Terminated reports whether the block has a terminator.
func (b *Block) Terminated() bool { return b.Kind != BlockInvalid }

// predIndex returns the position of p in b.Preds, or -1.
func (b *Block) predIndex(p *Block) int {
	for i, q := range b.Preds {
		if q == p {
			return i
		}
	}
	return -1
}

// Func is a function. Extern functions have a signature and no blocks.
type Func struct {
	Name       string
	Params     []Type
	ParamNames []string
	Return     Type
	Extern     bool
	Module     *Module
	Blocks     []*Block

	params      []*Value
	prologue    int // number of hoisted values at the head of the entry block
	nextValueID int
	nextBlockID int
}

// Entry returns the entry block, or nil for externs.
func (f *Func) Entry() *Block {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// NumValues returns an upper bound on value IDs in f.
func (f *Func) NumValues() int { return f.nextValueID }

// Signature formats the function type.
func (f *Func) Signature() string {
	s := "("
	for i, p := range f.Params {
		if i > 0 {
			s += ", "
		}
		if i < len(f.ParamNames) && f.ParamNames[i] != "" {
			s += f.ParamNames[i] + " "
		}
		s += p.String()
	}
	return s + ") " + f.Return.String()
}

func (f *Func) newBlock(name string) *Block {
	b := &Block{ID: f.nextBlockID, Name: name, Func: f}
	f.nextBlockID++
	f.Blocks = append(f.Blocks, b)
	return b
}

func (f *Func) newValue(b *Block, op Op, t Type, args ...*Value) *Value {
	v := &Value{ID: f.nextValueID, Op: op, Type: t, Args: args, Block: b}
	f.nextValueID++
	return v
}

// RemoveBlock deletes a block that has no predecessors. Edges to its
// successors are removed, along with the matching phi arguments.
func (f *Func) RemoveBlock(b *Block) {
	if len(b.Preds) != 0 {
		panic(fmt.Sprintf("ssa: RemoveBlock(%s) with %d predecessors", b, len(b.Preds)))
	}
	for _, s := range b.Succs {
		if i := s.predIndex(b); i >= 0 {
			s.Preds = append(s.Preds[:i], s.Preds[i+1:]...)
			for _, v := range s.Values {
				if v.Op == OpPhi && i < len(v.Args) {
					v.Args = append(v.Args[:i], v.Args[i+1:]...)
				}
			}
		}
	}
	b.Succs = nil
	for i, x := range f.Blocks {
		if x == b {
			f.Blocks = append(f.Blocks[:i], f.Blocks[i+1:]...)
			break
		}
	}
}

// Module is a set of functions, in definition order.
type Module struct {
	Name  string
	Funcs []*Func

	byName map[string]*Func
}

// NewModule returns an empty module.
func NewModule(name string) *Module {
	return &Module{Name: name, byName: make(map[string]*Func)}
}

// Func returns the function or extern called name, or nil.
func (m *Module) Func(name string) *Func {
	return m.byName[name]
}

// NewFunc adds a function with an entry block and one OpParam value per
// parameter. It panics if name is already taken.
func (m *Module) NewFunc(name string, ret Type, params ...Type) *Func {
	f := m.add(name, ret, params)
	entry := f.newBlock("entry")
	for i, t := range params {
		p := f.newValue(entry, OpParam, t)
		p.AuxInt = int64(i)
		entry.Values = append(entry.Values, p)
		f.params = append(f.params, p)
	}
	f.prologue = len(entry.Values)
	return f
}

// DeclareExtern adds a function implemented outside the module.
func (m *Module) DeclareExtern(name string, ret Type, params ...Type) *Func {
	f := m.add(name, ret, params)
	f.Extern = true
	return f
}

func (m *Module) add(name string, ret Type, params []Type) *Func {
	if _, ok := m.byName[name]; ok {
		panic(fmt.Sprintf("ssa: function %q already defined", name))
	}
	f := &Func{
		Name:   name,
		Params: append([]Type(nil), params...),
		Return: ret,
		Module: m,
	}
	m.Funcs = append(m.Funcs, f)
	m.byName[name] = f
	return f
}
