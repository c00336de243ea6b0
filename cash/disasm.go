package cash

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the program. Each line
// shows the instruction index, the byte offset of its tag, the opcode and
// payload, and the name or return type it binds. Region nesting is shown by
// indentation. Malformed region lengths are flagged inline.
func (p *Program) Disassemble() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("; cash bytecode v%s\n", p.VersionString()))
	sb.WriteString(fmt.Sprintf("; %d instructions, %d string bytes, %d extra\n", len(p.Insts), len(p.Strings), len(p.Extra)))
	sb.WriteString("\n")

	names := p.Names()
	nextType := 0
	var open []int              // end indices of open regions
	elseAt := make(map[int]int) // else arm start -> region depth

	for i, inst := range p.Insts {
		// Close every region that ends here.
		for len(open) > 0 && open[len(open)-1] <= i {
			open = open[:len(open)-1]
		}
		if depth, ok := elseAt[i]; ok && depth == len(open) {
			sb.WriteString(fmt.Sprintf("%14s%sELSE\n", "", strings.Repeat("  ", depth-1)))
		}

		offset := 0
		if i < len(p.Offsets) {
			offset = p.Offsets[i]
		}
		indent := strings.Repeat("  ", len(open))

		var notes []string
		op := inst.Opcode()
		if op.Named() {
			if name, ok := names.Next(); ok {
				notes = append(notes, name)
			} else {
				notes = append(notes, "!! name table exhausted")
			}
		}
		if op == OpFun {
			if nextType < len(p.Extra) {
				if et, ok := p.Extra[nextType].(ExtraType); ok {
					notes = append(notes, "-> "+et.Ty.String())
				}
			} else {
				notes = append(notes, "!! type table exhausted")
			}
			nextType++
		}
		if s, ok := inst.(String); ok {
			if b, ok := p.Slice(s); ok {
				notes = append(notes, fmt.Sprintf("%q", truncate(string(b))))
			}
		}

		end := regionEnd(i, inst)
		if end > 0 {
			limit := len(p.Insts)
			if len(open) > 0 {
				limit = open[len(open)-1]
			}
			if end > limit {
				notes = append(notes, fmt.Sprintf("!! region ends at %d past enclosing end %d", end, limit))
				end = limit
			}
		}

		line := fmt.Sprintf("%04d  %06x  %s%-9s %s", i, offset, indent, op.Name(), Payload(inst))
		line = strings.TrimRight(line, " ")
		if len(notes) > 0 {
			line += "  ; " + strings.Join(notes, " ")
		}
		sb.WriteString(line)
		sb.WriteString("\n")

		if end > i+1 {
			open = append(open, end)
			if br, ok := inst.(Branch); ok && br.ElseLen > 0 {
				if at := i + 1 + int(br.ThenLen); at < end {
					elseAt[at] = len(open)
				}
			}
		}
	}

	return sb.String()
}

// regionEnd returns the exclusive end index of the structure opened by the
// instruction at i, or 0 when it opens none.
func regionEnd(i int, inst Inst) int {
	switch in := inst.(type) {
	case Fun:
		return i + 1 + int(in.ParamsLen) + int(in.BodyLen)
	case Block:
		return i + 1 + int(in.Len)
	case Loop:
		return i + 1 + int(in.Len)
	case Branch:
		return i + 1 + int(in.ThenLen) + int(in.ElseLen)
	}
	return 0
}

func truncate(s string) string {
	if len(s) > 40 {
		return s[:37] + "..."
	}
	return s
}
