package rules

import (
	"errors"
	"fmt"

	"github.com/holon-run/mergequeue/pkg/condition"
)

// Validate checks cross-rule constraints: queue actions must name an existing
// queue rule, and two queue rules that may apply to the same base branch must
// not have overlapping schedules.
func (c *Config) Validate() error {
	for _, r := range c.Rules {
		for _, a := range r.Actions {
			if a.Name != "queue" {
				continue
			}
			name, _ := a.Options["name"].(string)
			if name == "" {
				name = c.defaultQueueName()
			}
			if _, ok := c.QueueRule(name); !ok {
				return &ConfigurationError{Rule: r.Name, Field: "actions.queue", Err: fmt.Errorf("queue rule %q does not exist", name)}
			}
		}
	}

	for i := range c.QueueRules {
		for j := i + 1; j < len(c.QueueRules); j++ {
			a, b := &c.QueueRules[i], &c.QueueRules[j]
			if a.Schedule == nil || b.Schedule == nil {
				continue
			}
			if !basesIntersect(baseBranches(a.Conditions), baseBranches(b.Conditions)) {
				continue
			}
			if condition.Overlaps(a.Schedule, b.Schedule) {
				return &ConfigurationError{
					Rule:  b.Name,
					Field: "schedule",
					Err:   fmt.Errorf("overlaps with the schedule of queue rule %q on the same base branch", a.Name),
				}
			}
		}
	}
	return nil
}

func (c *Config) defaultQueueName() string {
	if len(c.QueueRules) == 0 {
		return ""
	}
	return c.QueueRules[0].Name
}

// DefaultQueueName returns the queue used by a queue action that names none.
func (c *Config) DefaultQueueName() string {
	return c.defaultQueueName()
}

// baseBranches returns the base branches a condition is restricted to by
// top-level "base=" terms, or nil when it may apply to any branch.
func baseBranches(c condition.Condition) []string {
	and, ok := c.(condition.And)
	if !ok {
		and = condition.And{c}
	}
	var bases []string
	for _, child := range and {
		t, ok := child.(*condition.Term)
		if !ok || t.Attribute != "base" || t.Operator != condition.OpEqual || t.Negate || t.Count {
			continue
		}
		if bases != nil {
			// Two base= terms: only a branch matching both qualifies.
			if !contains(bases, t.Value) {
				return []string{}
			}
			bases = []string{t.Value}
			continue
		}
		bases = []string{t.Value}
	}
	return bases
}

func basesIntersect(a, b []string) bool {
	if a == nil || b == nil {
		return true
	}
	for _, x := range a {
		if contains(b, x) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// ErrNoQueueRules is returned by callers that need a queue rule when none is
// configured.
var ErrNoQueueRules = errors.New("no queue rules configured")
