package condition

import (
	"fmt"
	"strings"
)

// Summary renders c as a markdown checklist evaluated against s. Pending
// conditions are shown unchecked with a trailing marker.
func Summary(c Condition, s Snapshot) string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	roots := []Condition{c}
	if and, ok := c.(And); ok {
		roots = and
	}
	for _, child := range roots {
		writeSummary(&b, child, s, 0)
	}
	return b.String()
}

func writeSummary(b *strings.Builder, c Condition, s Snapshot, depth int) {
	indent := strings.Repeat("  ", depth)
	st := c.Evaluate(s)
	switch n := c.(type) {
	case And:
		fmt.Fprintf(b, "%s- %s all of:\n", indent, box(st))
		for _, child := range n {
			writeSummary(b, child, s, depth+1)
		}
	case Or:
		fmt.Fprintf(b, "%s- %s any of:\n", indent, box(st))
		for _, child := range n {
			writeSummary(b, child, s, depth+1)
		}
	case Not:
		fmt.Fprintf(b, "%s- %s not:\n", indent, box(st))
		writeSummary(b, n.Condition, s, depth+1)
	default:
		line := fmt.Sprintf("%s- %s `%s`", indent, box(st), c.String())
		if st == Pending {
			line += " (pending)"
		}
		b.WriteString(line + "\n")
	}
}

func box(st Status) string {
	if st == True {
		return "[X]"
	}
	return "[ ]"
}
