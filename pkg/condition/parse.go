package condition

import (
	"fmt"
	"strings"
)

// Parse parses one condition string. Accepted forms:
//
//	label=ready            attribute, operator, value
//	-label=wip             negated term
//	#approved-reviews-by>=2
//	draft, -merged         bare boolean attribute
//	schedule=Mon-Fri 09:00-17:00[Europe/Paris]
func Parse(expr string) (Condition, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, fmt.Errorf("empty condition")
	}

	t := &Term{}
	if strings.HasPrefix(s, "-") {
		t.Negate = true
		s = s[1:]
	}
	if strings.HasPrefix(s, "#") {
		t.Count = true
		s = s[1:]
	}

	if rest, ok := strings.CutPrefix(s, "schedule="); ok {
		if t.Count {
			return nil, fmt.Errorf("condition %q: schedule cannot be counted", expr)
		}
		sched, err := ParseSchedule(rest)
		if err != nil {
			return nil, err
		}
		if t.Negate {
			return Not{Condition: sched}, nil
		}
		return sched, nil
	}

	attr, op, value := splitOperator(s)
	t.Attribute = strings.TrimSpace(attr)
	t.Operator = op
	t.Value = strings.TrimSpace(value)
	if err := t.compile(); err != nil {
		return nil, fmt.Errorf("condition %q: %w", expr, err)
	}
	return t, nil
}

// MustParse is like Parse but panics on error. Used for literals in tests and
// built-in rules.
func MustParse(expr string) Condition {
	c, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return c
}

func splitOperator(s string) (string, Operator, string) {
	best := -1
	var bestOp Operator
	for _, op := range operators {
		i := strings.Index(s, string(op))
		if i < 0 {
			continue
		}
		// The leftmost operator wins; on a tie the longer one, which comes first.
		if best < 0 || i < best {
			best = i
			bestOp = op
		}
	}
	if best < 0 {
		return s, OpTruthy, ""
	}
	return s[:best], bestOp, s[best+len(bestOp):]
}

// ReferencedAttributes returns the attribute names referenced by c.
func ReferencedAttributes(c Condition) []string {
	seen := map[string]bool{}
	var out []string
	Walk(c, func(n Condition) {
		if t, ok := n.(*Term); ok && !seen[t.Attribute] {
			seen[t.Attribute] = true
			out = append(out, t.Attribute)
		}
	})
	return out
}

// Schedules returns every schedule found in c.
func Schedules(c Condition) []*Schedule {
	var out []*Schedule
	Walk(c, func(n Condition) {
		if s, ok := n.(*Schedule); ok {
			out = append(out, s)
		}
	})
	return out
}
