package cash

import (
	"errors"
	"fmt"
	"math"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("cashier.cash")

// ---------------------------------------------------------------------------
// Decode Error Types
// ---------------------------------------------------------------------------

var (
	ErrUnexpectedEOF   = errors.New("unexpected end of bytecode")
	ErrInvalidOpcode   = errors.New("invalid opcode")
	ErrMalformedHeader = errors.New("malformed header")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrTrailingData    = errors.New("trailing data after extra table")
)

// DecodeError reports where and why decoding stopped. Kind is one of the
// Err* sentinels above; Cause is an optional underlying sentinel.
type DecodeError struct {
	Offset int
	Kind   error
	Cause  error
	Detail string
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode error at offset %d: %v", e.Offset, e.Kind)
	if e.Cause != nil {
		msg += fmt.Sprintf(" (%v)", e.Cause)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap exposes Kind and Cause to errors.Is and errors.As.
func (e *DecodeError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// Field sizes
const (
	versionSize = 3
	countSize   = 8
	tagSize     = 4

	// HeaderSize is the size of the version tuple plus instruction count.
	HeaderSize = versionSize + countSize
)

// ---------------------------------------------------------------------------
// Decoder: single forward pass over a borrowed byte buffer
// ---------------------------------------------------------------------------

type decoder struct {
	data   []byte
	offset int
}

// Decode parses a complete bytecode container. On failure it returns a
// *DecodeError and no Program.
func Decode(data []byte) (*Program, error) {
	d := &decoder{data: data}
	prog, err := d.program()
	if err != nil {
		return nil, err
	}
	log.Debugf("decoded %d instructions, %d string bytes, %d extra entries (v%s)",
		len(prog.Insts), len(prog.Strings), len(prog.Extra), prog.VersionString())
	return prog, nil
}

func (d *decoder) program() (*Program, error) {
	prog := &Program{}

	for i := range prog.Version {
		b, err := d.readU8()
		if err != nil {
			return nil, d.header(err, "version")
		}
		prog.Version[i] = b
	}

	count, err := d.readU64()
	if err != nil {
		return nil, d.header(err, "instruction count")
	}

	// Every instruction is at least a tag, so the remaining bytes bound the
	// count. A larger count can only end in ErrUnexpectedEOF.
	capacity := uint64(d.remaining() / tagSize)
	if count < capacity {
		capacity = count
	}
	prog.Insts = make([]Inst, 0, capacity)
	prog.Offsets = make([]int, 0, capacity)

	for n := uint64(0); n < count; n++ {
		start := d.offset
		inst, err := d.inst()
		if err != nil {
			return nil, err
		}
		prog.Insts = append(prog.Insts, inst)
		prog.Offsets = append(prog.Offsets, start)
	}

	if prog.Strings, err = d.stringPool(); err != nil {
		return nil, err
	}
	if prog.Extra, err = d.extraTable(); err != nil {
		return nil, err
	}

	if d.remaining() > 0 {
		return nil, &DecodeError{
			Offset: d.offset,
			Kind:   ErrTrailingData,
			Detail: fmt.Sprintf("%d bytes", d.remaining()),
		}
	}

	if err := checkStrings(prog); err != nil {
		return nil, err
	}
	return prog, nil
}

// inst reads one tag and its fixed payload.
func (d *decoder) inst() (Inst, error) {
	tagOffset := d.offset
	tag, err := d.readU32()
	if err != nil {
		return nil, err
	}
	op := Opcode(tag)

	switch op {
	case OpFun:
		params, err := d.readU8()
		if err != nil {
			return nil, err
		}
		body, err := d.readU32()
		if err != nil {
			return nil, err
		}
		return Fun{ParamsLen: params, BodyLen: body}, nil

	case OpCall:
		args, err := d.readU8()
		if err != nil {
			return nil, err
		}
		return Call{ArgsLen: args}, nil

	case OpBlock:
		n, err := d.readU32()
		if err != nil {
			return nil, err
		}
		return Block{Len: n}, nil

	case OpLoop:
		n, err := d.readU32()
		if err != nil {
			return nil, err
		}
		return Loop{Len: n}, nil

	case OpBranch:
		thenLen, err := d.readU32()
		if err != nil {
			return nil, err
		}
		elseLen, err := d.readU32()
		if err != nil {
			return nil, err
		}
		return Branch{ThenLen: thenLen, ElseLen: elseLen}, nil

	case OpVarDecl:
		at := d.offset
		ty, err := d.readU32()
		if err != nil {
			return nil, err
		}
		if !Ty(ty).Valid() {
			return nil, &DecodeError{Offset: at, Kind: ErrInvalidPayload, Detail: fmt.Sprintf("unknown type tag %d", ty)}
		}
		return VarDecl{Ty: Ty(ty)}, nil

	case OpI32:
		v, err := d.readU32()
		if err != nil {
			return nil, err
		}
		return I32{Value: int32(v)}, nil

	case OpF64:
		bits, err := d.readU64()
		if err != nil {
			return nil, err
		}
		return F64{Value: math.Float64frombits(bits)}, nil

	case OpBool:
		at := d.offset
		b, err := d.readU8()
		if err != nil {
			return nil, err
		}
		if b > 1 {
			return nil, &DecodeError{Offset: at, Kind: ErrInvalidPayload, Detail: fmt.Sprintf("bool byte %#x", b)}
		}
		return Bool{Value: b == 1}, nil

	case OpString:
		off, err := d.readU32()
		if err != nil {
			return nil, err
		}
		n, err := d.readU32()
		if err != nil {
			return nil, err
		}
		return String{Offset: off, Length: n}, nil

	case OpNone, OpVar,
		OpSum, OpSub, OpMul, OpDiv, OpRem,
		OpEq, OpNeq, OpGt, OpLt, OpGte, OpLte,
		OpLogicAnd, OpLogicOr, OpNot, OpNeg,
		OpRet, OpAssign, OpRepeat, OpBreak:
		return Nullary{Op: op}, nil

	default:
		return nil, &DecodeError{Offset: tagOffset, Kind: ErrInvalidOpcode, Detail: fmt.Sprintf("tag %d", tag)}
	}
}

func (d *decoder) stringPool() ([]byte, error) {
	at := d.offset
	n, err := d.readU64()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.remaining()) {
		return nil, &DecodeError{
			Offset: at,
			Kind:   ErrUnexpectedEOF,
			Detail: fmt.Sprintf("string pool of %d bytes, %d remaining", n, d.remaining()),
		}
	}
	pool, err := d.readBytes(int(n))
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func (d *decoder) extraTable() ([]Extra, error) {
	count, err := d.readU64()
	if err != nil {
		return nil, err
	}

	// Each entry is a tag plus a 4-byte payload.
	capacity := uint64(d.remaining() / (tagSize + 4))
	if count < capacity {
		capacity = count
	}
	extra := make([]Extra, 0, capacity)

	for n := uint64(0); n < count; n++ {
		tagOffset := d.offset
		tag, err := d.readU32()
		if err != nil {
			return nil, err
		}
		switch ExtraTag(tag) {
		case ExtraTagType:
			at := d.offset
			ty, err := d.readU32()
			if err != nil {
				return nil, err
			}
			if !Ty(ty).Valid() {
				return nil, &DecodeError{Offset: at, Kind: ErrInvalidPayload, Detail: fmt.Sprintf("unknown type tag %d", ty)}
			}
			extra = append(extra, ExtraType{Ty: Ty(ty)})
		default:
			return nil, &DecodeError{Offset: tagOffset, Kind: ErrInvalidPayload, Detail: fmt.Sprintf("unknown extra tag %d", tag)}
		}
	}
	return extra, nil
}

// checkStrings verifies every STRING literal addresses bytes inside the pool.
func checkStrings(prog *Program) error {
	for i, inst := range prog.Insts {
		s, ok := inst.(String)
		if !ok {
			continue
		}
		if _, ok := prog.Slice(s); !ok {
			return &DecodeError{
				Offset: prog.Offsets[i] + tagSize,
				Kind:   ErrInvalidPayload,
				Detail: fmt.Sprintf("string @%d+%d outside pool of %d bytes", s.Offset, s.Length, len(prog.Strings)),
			}
		}
	}
	return nil
}

// header converts a read failure inside the header into ErrMalformedHeader.
func (d *decoder) header(err error, field string) error {
	var de *DecodeError
	if errors.As(err, &de) {
		return &DecodeError{Offset: de.Offset, Kind: ErrMalformedHeader, Cause: de.Kind, Detail: field}
	}
	return &DecodeError{Offset: d.offset, Kind: ErrMalformedHeader, Cause: err, Detail: field}
}

// ---------------------------------------------------------------------------
// Bounds-checked little-endian reads
// ---------------------------------------------------------------------------

func (d *decoder) remaining() int {
	return len(d.data) - d.offset
}

func (d *decoder) eof(need int) error {
	return &DecodeError{
		Offset: d.offset,
		Kind:   ErrUnexpectedEOF,
		Detail: fmt.Sprintf("need %d bytes, %d remaining", need, d.remaining()),
	}
}

func (d *decoder) readU8() (uint8, error) {
	if d.remaining() < 1 {
		return 0, d.eof(1)
	}
	v := d.data[d.offset]
	d.offset++
	return v, nil
}

func (d *decoder) readU32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, d.eof(4)
	}
	v := ReadUint32(d.data[d.offset:])
	d.offset += 4
	return v, nil
}

func (d *decoder) readU64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, d.eof(8)
	}
	v := ReadUint64(d.data[d.offset:])
	d.offset += 8
	return v, nil
}

func (d *decoder) readBytes(n int) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, d.eof(n)
	}
	out := make([]byte, n)
	copy(out, d.data[d.offset:d.offset+n])
	d.offset += n
	return out, nil
}

// ReadUint32 composes four little-endian bytes.
func ReadUint32(buf []byte) uint32 {
	_ = buf[3]
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

// ReadUint64 composes eight little-endian bytes.
func ReadUint64(buf []byte) uint64 {
	_ = buf[7]
	return uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
		uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56
}

// WriteUint32 stores v as four little-endian bytes.
func WriteUint32(buf []byte, v uint32) {
	_ = buf[3]
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

// WriteUint64 stores v as eight little-endian bytes.
func WriteUint64(buf []byte, v uint64) {
	_ = buf[7]
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}
