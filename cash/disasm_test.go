package cash

import (
	"strings"
	"testing"
)

func TestDisassembleNesting(t *testing.T) {
	w := NewWriter(0, 1, 0)
	w.Fun("twice", TyI32, []Param{{Name: "x", Ty: TyI32}}, func(w *Writer) {
		w.Var("x").I32(2).Op(OpMul).Ret()
	})
	w.Bool(true).Branch(
		func(w *Writer) { w.I32(1).Ret() },
		func(w *Writer) { w.I32(0).Ret() },
	)
	prog, err := Decode(w.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	out := prog.Disassemble()
	lines := strings.Split(strings.TrimSpace(out), "\n")

	if !strings.HasPrefix(lines[0], "; cash bytecode v0.1.0") {
		t.Errorf("header = %q", lines[0])
	}

	mustContain := []string{
		"FUN       params=1 body=4  ; twice -> i32",
		"  VAR_DECL  i32  ; x",
		"  VAR  ; x",
		"BRANCH    then=2 else=2",
		"ELSE",
	}
	for _, want := range mustContain {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
}

func TestDisassembleFlagsBadRegion(t *testing.T) {
	w := NewWriter(0, 1, 0)
	w.Block(func(w *Writer) {
		w.Emit(Loop{Len: 50})
		w.I32(1)
	})
	prog, err := Decode(w.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	out := prog.Disassemble()
	if !strings.Contains(out, "!! region ends at 52 past enclosing end 3") {
		t.Errorf("listing does not flag the oversized loop:\n%s", out)
	}
}

func TestDisassembleExhaustedNames(t *testing.T) {
	prog, err := Decode(NewWriter(0, 1, 0).Op(OpVar).Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if out := prog.Disassemble(); !strings.Contains(out, "!! name table exhausted") {
		t.Errorf("listing does not flag the missing name:\n%s", out)
	}
}

func TestOpcodeInfo(t *testing.T) {
	for op := OpNone; op <= OpBreak; op++ {
		if !op.Valid() {
			t.Errorf("%d is not a valid opcode", op)
		}
		if strings.HasPrefix(op.Name(), "UNKNOWN") {
			t.Errorf("opcode %d has no name", op)
		}
	}
	if Opcode(31).Valid() {
		t.Error("opcode 31 reported valid")
	}
	if got := Opcode(255).String(); got != "UNKNOWN_255" {
		t.Errorf("String() = %q, want UNKNOWN_255", got)
	}

	sizes := map[Opcode]int{OpFun: 5, OpCall: 1, OpBranch: 8, OpF64: 8, OpBool: 1, OpSum: 0}
	for op, want := range sizes {
		if got := op.PayloadBytes(); got != want {
			t.Errorf("%s.PayloadBytes() = %d, want %d", op, got, want)
		}
		if got := len(AppendInst(nil, sampleInst(op))) - tagSize; got != want {
			t.Errorf("encoded %s payload = %d bytes, want %d", op, got, want)
		}
	}

	if !OpLogicOr.IsBinary() || OpNot.IsBinary() {
		t.Error("IsBinary misclassifies LOGIC_OR or NOT")
	}
	if !OpRem.IsArithmetic() || OpEq.IsArithmetic() {
		t.Error("IsArithmetic misclassifies REM or EQ")
	}
}

func sampleInst(op Opcode) Inst {
	switch op {
	case OpFun:
		return Fun{}
	case OpCall:
		return Call{}
	case OpBranch:
		return Branch{}
	case OpF64:
		return F64{}
	case OpBool:
		return Bool{}
	}
	return Nullary{Op: op}
}
