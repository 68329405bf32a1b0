package condition

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// Operator compares an attribute with the term value.
type Operator string

const (
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpRegex        Operator = "~="
	OpGlob         Operator = "*="
	// OpTruthy is the operator of a bare boolean term such as "draft".
	OpTruthy Operator = ""
)

// operators is ordered so that two-character operators are tried first.
var operators = []Operator{OpRegex, OpGlob, OpNotEqual, OpGreaterEqual, OpLessEqual, OpEqual, OpGreater, OpLess}

// Kind describes the shape of an attribute.
type Kind int

const (
	KindText Kind = iota
	KindList
	KindNumber
	KindBool
)

// Attributes lists every attribute a term may reference.
var Attributes = map[string]Kind{
	"base":                         KindText,
	"head":                         KindText,
	"author":                       KindText,
	"title":                        KindText,
	"body":                         KindText,
	"label":                        KindList,
	"files":                        KindList,
	"approved-reviews-by":          KindList,
	"changes-requested-reviews-by": KindList,
	"commented-reviews-by":         KindList,
	"dismissed-reviews-by":         KindList,
	"review-requested":             KindList,
	"check-success":                KindList,
	"check-failure":                KindList,
	"check-neutral":                KindList,
	"check-skipped":                KindList,
	"check-pending":                KindList,
	"commits":                      KindNumber,
	"draft":                        KindBool,
	"merged":                       KindBool,
	"closed":                       KindBool,
	"conflict":                     KindBool,
}

// Term compares one attribute of the snapshot with a literal value.
type Term struct {
	Attribute string
	Operator  Operator
	Value     string
	// Count compares the number of members instead of the members.
	Count  bool
	Negate bool

	re *regexp.Regexp
}

// NewTerm builds and validates a term.
func NewTerm(attribute string, op Operator, value string) (*Term, error) {
	t := &Term{Attribute: attribute, Operator: op, Value: value}
	if err := t.compile(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Term) compile() error {
	kind, ok := Attributes[t.Attribute]
	if !ok {
		return fmt.Errorf("unknown attribute %q", t.Attribute)
	}
	switch t.Operator {
	case OpTruthy:
		if kind != KindBool || t.Count {
			return fmt.Errorf("attribute %q needs an operator", t.Attribute)
		}
		return nil
	case OpRegex:
		re, err := regexp.Compile(t.Value)
		if err != nil {
			return fmt.Errorf("invalid regex %q: %w", t.Value, err)
		}
		t.re = re
	case OpGlob:
		if _, err := path.Match(t.Value, ""); err != nil {
			return fmt.Errorf("invalid glob %q: %w", t.Value, err)
		}
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		if !t.Count && kind != KindNumber {
			return fmt.Errorf("operator %s needs a numeric attribute, %q is not", t.Operator, t.Attribute)
		}
	case OpEqual, OpNotEqual:
	default:
		return fmt.Errorf("unknown operator %q", t.Operator)
	}
	if kind == KindBool {
		return fmt.Errorf("attribute %q does not take a value", t.Attribute)
	}
	if t.Count || kind == KindNumber {
		if _, err := strconv.Atoi(t.Value); err != nil {
			return fmt.Errorf("attribute %q compares with a number, got %q", t.Attribute, t.Value)
		}
		if t.Operator == OpRegex || t.Operator == OpGlob {
			return fmt.Errorf("operator %s is not valid on counts", t.Operator)
		}
	}
	return nil
}

func (t *Term) String() string {
	var b strings.Builder
	if t.Negate {
		b.WriteByte('-')
	}
	if t.Count {
		b.WriteByte('#')
	}
	b.WriteString(t.Attribute)
	if t.Operator != OpTruthy {
		b.WriteString(string(t.Operator))
		b.WriteString(t.Value)
	}
	return b.String()
}

func (t *Term) Evaluate(s Snapshot) Status {
	v := s.Attribute(t.Attribute)
	var st Status
	if v.Missing {
		st = Pending
	} else {
		st = t.evaluate(v)
	}
	if t.Negate {
		return st.Not()
	}
	return st
}

func (t *Term) evaluate(v Values) Status {
	if t.Count {
		n, _ := strconv.Atoi(t.Value)
		return compareCount(len(v.Items), t.Operator, n, v.Open)
	}
	if Attributes[t.Attribute] == KindNumber {
		n, _ := strconv.Atoi(t.Value)
		if len(v.Items) == 0 {
			return Pending
		}
		got, err := strconv.Atoi(v.Items[0])
		if err != nil {
			return False
		}
		return compareCount(got, t.Operator, n, false)
	}
	switch t.Operator {
	case OpTruthy:
		if len(v.Items) > 0 && v.Items[0] != "false" {
			return True
		}
		return False
	case OpEqual:
		return member(v, t.Value, func(item string) bool { return item == t.Value })
	case OpNotEqual:
		return member(v, t.Value, func(item string) bool { return item == t.Value }).Not()
	case OpRegex:
		return member(v, "", t.re.MatchString)
	case OpGlob:
		return member(v, "", func(item string) bool {
			ok, _ := path.Match(t.Value, item)
			return ok
		})
	}
	return False
}

// member reports whether some item satisfies match. With an open attribute a
// miss is only final when the exact candidate is known to be resolved.
func member(v Values, candidate string, match func(string) bool) Status {
	for _, item := range v.Items {
		if match(item) {
			return True
		}
	}
	if !v.Open {
		return False
	}
	if candidate != "" {
		for _, r := range v.Resolved {
			if r == candidate {
				return False
			}
		}
	}
	return Pending
}

// compareCount compares n with want. When the set can still grow, a result is
// only returned if no larger n could change it.
func compareCount(n int, op Operator, want int, canGrow bool) Status {
	now := compareInt(n, op, want)
	if !canGrow {
		return boolStatus(now)
	}
	switch op {
	case OpGreater, OpGreaterEqual:
		if now {
			return True
		}
	case OpLess, OpLessEqual:
		if !now {
			return False
		}
	case OpEqual:
		if n > want {
			return False
		}
	case OpNotEqual:
		if n > want {
			return True
		}
	}
	return Pending
}

func compareInt(n int, op Operator, want int) bool {
	switch op {
	case OpEqual:
		return n == want
	case OpNotEqual:
		return n != want
	case OpLess:
		return n < want
	case OpLessEqual:
		return n <= want
	case OpGreater:
		return n > want
	case OpGreaterEqual:
		return n >= want
	}
	return false
}

func boolStatus(b bool) Status {
	if b {
		return True
	}
	return False
}
