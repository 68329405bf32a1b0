// Package condition evaluates rule condition trees against a pull request
// snapshot. Evaluation is tri-state: a condition that depends on information
// which has not been reported yet (an outstanding check, an unknown
// mergeability) is Pending rather than False, so that it is re-evaluated on the
// next event instead of rejecting the pull request early.
package condition

import (
	"strings"
	"time"
)

// Status is the result of evaluating a condition.
type Status int

const (
	False Status = iota
	True
	Pending
)

func (s Status) String() string {
	switch s {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "pending"
	}
}

// Not returns the tri-state negation. Pending stays Pending.
func (s Status) Not() Status {
	switch s {
	case True:
		return False
	case False:
		return True
	default:
		return Pending
	}
}

// Values is the resolved content of one attribute.
//
// Items holds the members known right now. When Open is set, members outside
// Items may still appear later unless they are listed in Resolved; this is how
// check attributes express that a check has not concluded yet. Missing marks
// an attribute whose value is not known at all.
type Values struct {
	Items    []string
	Resolved []string
	Open     bool
	Missing  bool
}

// Snapshot is the view of a pull request conditions are evaluated against.
type Snapshot interface {
	Attribute(name string) Values
	Now() time.Time
}

// Condition is a node of a rule condition tree.
type Condition interface {
	Evaluate(s Snapshot) Status
	String() string
}

// Evaluate evaluates c against s. A nil condition always matches.
func Evaluate(c Condition, s Snapshot) Status {
	if c == nil {
		return True
	}
	return c.Evaluate(s)
}

// Matches reports whether c evaluates to True. Pending is not a match.
func Matches(c Condition, s Snapshot) bool {
	return Evaluate(c, s) == True
}

// And is True when every child is True, False as soon as one child is False.
type And []Condition

func (a And) Evaluate(s Snapshot) Status {
	result := True
	for _, c := range a {
		switch c.Evaluate(s) {
		case False:
			return False
		case Pending:
			result = Pending
		}
	}
	return result
}

func (a And) String() string {
	return join("and", a)
}

// Or is True as soon as one child is True, False when every child is False.
type Or []Condition

func (o Or) Evaluate(s Snapshot) Status {
	result := False
	for _, c := range o {
		switch c.Evaluate(s) {
		case True:
			return True
		case Pending:
			result = Pending
		}
	}
	return result
}

func (o Or) String() string {
	return join("or", o)
}

// Not negates its child.
type Not struct {
	Condition Condition
}

func (n Not) Evaluate(s Snapshot) Status {
	return n.Condition.Evaluate(s).Not()
}

func (n Not) String() string {
	return "not(" + n.Condition.String() + ")"
}

func join(op string, conds []Condition) string {
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		parts = append(parts, c.String())
	}
	return op + "(" + strings.Join(parts, ", ") + ")"
}

// Walk calls fn for every node of the tree, parents first.
func Walk(c Condition, fn func(Condition)) {
	if c == nil {
		return
	}
	fn(c)
	switch n := c.(type) {
	case And:
		for _, child := range n {
			Walk(child, fn)
		}
	case Or:
		for _, child := range n {
			Walk(child, fn)
		}
	case Not:
		Walk(n.Condition, fn)
	case *Not:
		Walk(n.Condition, fn)
	}
}
