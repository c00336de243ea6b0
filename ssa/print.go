package ssa

import (
	"fmt"
	"strconv"
	"strings"
)

func (m *Module) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("module %s\n", m.Name))
	for _, f := range m.Funcs {
		sb.WriteString("\n")
		sb.WriteString(f.String())
	}
	return sb.String()
}

func (f *Func) String() string {
	var sb strings.Builder
	if f.Extern {
		sb.WriteString(fmt.Sprintf("extern %s%s\n", f.Name, f.Signature()))
		return sb.String()
	}
	sb.WriteString(fmt.Sprintf("func %s%s\n", f.Name, f.Signature()))
	for _, b := range f.Blocks {
		sb.WriteString(fmt.Sprintf("  %s:", b))
		if b.Name != "" {
			sb.WriteString(" ; " + b.Name)
		}
		if len(b.Preds) > 0 {
			preds := make([]string, len(b.Preds))
			for i, p := range b.Preds {
				preds[i] = p.String()
			}
			sb.WriteString(" <- " + strings.Join(preds, " "))
		}
		sb.WriteString("\n")
		for _, v := range b.Values {
			sb.WriteString("    " + v.LongString() + "\n")
		}
		sb.WriteString("    " + b.terminatorString() + "\n")
	}
	return sb.String()
}

// LongString formats a value with its op, type, aux and arguments.
func (v *Value) LongString() string {
	s := fmt.Sprintf("%s = %s <%s>", v, v.Op, v.Type)
	switch v.Op {
	case OpConst:
		s += " [" + v.auxString() + "]"
	case OpParam:
		s += fmt.Sprintf(" [%d]", v.AuxInt)
	case OpCall:
		if c := v.Callee(); c != nil {
			s += " {" + c.Name + "}"
		}
	}
	for _, a := range v.Args {
		s += " " + a.String()
	}
	return s
}

func (v *Value) auxString() string {
	switch v.Type {
	case TypeI32:
		return strconv.FormatInt(v.AuxInt, 10)
	case TypeF64:
		return strconv.FormatFloat(v.AuxFloat, 'g', -1, 64)
	case TypeBool:
		return strconv.FormatBool(v.AuxInt != 0)
	case TypeString:
		s, _ := v.Aux.(string)
		return strconv.Quote(s)
	}
	return ""
}

func (b *Block) terminatorString() string {
	switch b.Kind {
	case BlockPlain:
		return "Jump " + b.Succs[0].String()
	case BlockIf:
		return fmt.Sprintf("If %s -> %s %s", b.Control, b.Succs[0], b.Succs[1])
	case BlockRet:
		if b.Control == nil {
			return "Ret"
		}
		return "Ret " + b.Control.String()
	}
	return "<unterminated>"
}
