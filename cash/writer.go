package cash

import (
	"bytes"
	"math"
)

// ---------------------------------------------------------------------------
// Writer: builds well-formed bytecode containers
// ---------------------------------------------------------------------------

// Writer assembles a bytecode container. Instructions are encoded as they
// are emitted; region lengths and literal offsets are patched in place once
// they are known. The zero value is not usable; call NewWriter.
type Writer struct {
	version [3]uint8
	code    []byte
	count   uint64

	names    bytes.Buffer
	literals bytes.Buffer
	extra    []Extra

	// byte positions in code of STRING offset fields, relative to literals
	literalFixups []int
}

// Param is a FUN parameter: a VAR_DECL inside the params region.
type Param struct {
	Name string
	Ty   Ty
}

// NewWriter creates a writer that stamps the given version tuple.
func NewWriter(major, minor, patch uint8) *Writer {
	return &Writer{version: [3]uint8{major, minor, patch}}
}

// Count returns the number of instructions emitted so far.
func (w *Writer) Count() int {
	return int(w.count)
}

// Emit appends an encoded instruction. Name-bearing instructions emitted
// this way do not add a name; pair them with Name.
func (w *Writer) Emit(inst Inst) *Writer {
	w.code = AppendInst(w.code, inst)
	w.count++
	return w
}

// Raw appends an arbitrary tag and payload, bypassing validation. It exists
// for producing malformed input.
func (w *Writer) Raw(tag uint32, payload ...byte) *Writer {
	w.code = appendU32(w.code, tag)
	w.code = append(w.code, payload...)
	w.count++
	return w
}

// Name appends an entry to the name table.
func (w *Writer) Name(name string) *Writer {
	w.names.WriteString(name)
	w.names.WriteByte(0)
	return w
}

// Type appends an ExtraType entry to the type table.
func (w *Writer) Type(ty Ty) *Writer {
	w.extra = append(w.extra, ExtraType{Ty: ty})
	return w
}

// ---------------------------------------------------------------------------
// Convenience emitters
// ---------------------------------------------------------------------------

func (w *Writer) Op(op Opcode) *Writer       { return w.Emit(Nullary{Op: op}) }
func (w *Writer) I32(v int32) *Writer        { return w.Emit(I32{Value: v}) }
func (w *Writer) F64(v float64) *Writer      { return w.Emit(F64{Value: v}) }
func (w *Writer) Bool(v bool) *Writer        { return w.Emit(Bool{Value: v}) }
func (w *Writer) Ret() *Writer               { return w.Op(OpRet) }
func (w *Writer) Var(name string) *Writer    { return w.Op(OpVar).Name(name) }
func (w *Writer) Assign(name string) *Writer { return w.Op(OpAssign).Name(name) }

// VarDecl declares name with type ty.
func (w *Writer) VarDecl(ty Ty, name string) *Writer {
	return w.Emit(VarDecl{Ty: ty}).Name(name)
}

// Call calls name with args arguments.
func (w *Writer) Call(name string, args uint8) *Writer {
	return w.Emit(Call{ArgsLen: args}).Name(name)
}

// Str emits a STRING literal whose bytes are placed after the name table.
func (w *Writer) Str(s string) *Writer {
	pos := len(w.code) + tagSize
	w.Emit(String{Offset: uint32(w.literals.Len()), Length: uint32(len(s))})
	w.literalFixups = append(w.literalFixups, pos)
	w.literals.WriteString(s)
	return w
}

// Block emits a BLOCK whose region holds everything body emits.
func (w *Writer) Block(body func(*Writer)) *Writer {
	w.Emit(Block{})
	w.region(len(w.code)-4, body)
	return w
}

// Loop emits a LOOP whose region holds everything body emits.
func (w *Writer) Loop(body func(*Writer)) *Writer {
	w.Emit(Loop{})
	w.region(len(w.code)-4, body)
	return w
}

// Branch emits a BRANCH; the condition must already be on the stack.
// Either arm may be nil.
func (w *Writer) Branch(then, els func(*Writer)) *Writer {
	w.Emit(Branch{})
	at := len(w.code) - 8
	w.region(at, then)
	w.region(at+4, els)
	return w
}

// Fun emits a function definition with its name, return type, params
// region and body region.
func (w *Writer) Fun(name string, ret Ty, params []Param, body func(*Writer)) *Writer {
	w.Emit(Fun{ParamsLen: uint8(len(params))})
	at := len(w.code) - 4
	w.Name(name).Type(ret)
	for _, p := range params {
		w.VarDecl(p.Ty, p.Name)
	}
	w.region(at, body)
	return w
}

// region runs body and patches the u32 at code[at:] with the number of
// instructions it emitted.
func (w *Writer) region(at int, body func(*Writer)) {
	start := w.count
	if body != nil {
		body(w)
	}
	WriteUint32(w.code[at:], uint32(w.count-start))
}

// Bytes returns the complete container. The writer can keep being used.
func (w *Writer) Bytes() []byte {
	code := append([]byte(nil), w.code...)
	base := uint32(w.names.Len())
	for _, pos := range w.literalFixups {
		WriteUint32(code[pos:], ReadUint32(code[pos:])+base)
	}

	out := make([]byte, 0, HeaderSize+len(code)+8+w.names.Len()+w.literals.Len()+8+8*len(w.extra))
	out = append(out, w.version[:]...)
	out = appendU64(out, w.count)
	out = append(out, code...)
	out = appendU64(out, uint64(w.names.Len()+w.literals.Len()))
	out = append(out, w.names.Bytes()...)
	out = append(out, w.literals.Bytes()...)
	out = appendU64(out, uint64(len(w.extra)))
	for _, e := range w.extra {
		out = AppendExtra(out, e)
	}
	return out
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// AppendInst appends the wire encoding of inst to dst.
func AppendInst(dst []byte, inst Inst) []byte {
	dst = appendU32(dst, uint32(inst.Opcode()))
	switch i := inst.(type) {
	case I32:
		dst = appendU32(dst, uint32(i.Value))
	case F64:
		dst = appendU64(dst, math.Float64bits(i.Value))
	case Bool:
		if i.Value {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case String:
		dst = appendU32(dst, i.Offset)
		dst = appendU32(dst, i.Length)
	case Fun:
		dst = append(dst, i.ParamsLen)
		dst = appendU32(dst, i.BodyLen)
	case Call:
		dst = append(dst, i.ArgsLen)
	case Block:
		dst = appendU32(dst, i.Len)
	case Loop:
		dst = appendU32(dst, i.Len)
	case Branch:
		dst = appendU32(dst, i.ThenLen)
		dst = appendU32(dst, i.ElseLen)
	case VarDecl:
		dst = appendU32(dst, uint32(i.Ty))
	}
	return dst
}

// AppendExtra appends the wire encoding of an extra table entry to dst.
func AppendExtra(dst []byte, e Extra) []byte {
	dst = appendU32(dst, uint32(e.Tag()))
	switch x := e.(type) {
	case ExtraType:
		dst = appendU32(dst, uint32(x.Ty))
	}
	return dst
}

func appendU32(dst []byte, v uint32) []byte {
	var buf [4]byte
	WriteUint32(buf[:], v)
	return append(dst, buf[:]...)
}

func appendU64(dst []byte, v uint64) []byte {
	var buf [8]byte
	WriteUint64(buf[:], v)
	return append(dst, buf[:]...)
}
