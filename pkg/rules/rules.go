// Package rules holds the parsed repository configuration: pull request rules
// with their action pipelines, and the queue rules that drive the merge train.
package rules

import (
	"fmt"
	"time"

	"github.com/holon-run/mergequeue/pkg/condition"
	"github.com/holon-run/mergequeue/pkg/hosting"
)

const (
	DefaultBatchSize         = 1
	DefaultSpeculativeChecks = 1
	MaxBatchSize             = 128
	MaxSpeculativeChecks     = 20
)

// ActionSpec is one configured action of a rule, in configuration order.
type ActionSpec struct {
	Name    string
	Options map[string]any
}

// Rule is a pull request rule.
type Rule struct {
	Name       string
	Conditions condition.Condition
	Actions    []ActionSpec
}

// QueueRule configures one named queue.
type QueueRule struct {
	Name string
	// Conditions must hold for a pull request to stay queued under this rule.
	Conditions              condition.Condition
	RequiredChecks          []string
	SpeculativeChecks       int
	BatchSize               int
	BatchMaxWaitTime        time.Duration
	AllowInplaceChecks      bool
	AllowChecksInterruption bool
	// ChecksTimeout is zero when cars never time out.
	ChecksTimeout time.Duration
	MergeMethod   hosting.MergeMethod
	Schedule      *condition.Schedule
}

// Active reports whether the rule's schedule allows merging at t.
func (q *QueueRule) Active(t time.Time) bool {
	return q.Schedule == nil || q.Schedule.Active(t)
}

// Config is a loaded rule file.
type Config struct {
	Rules      []Rule
	QueueRules []QueueRule
	// Hash identifies the content the configuration was loaded from.
	Hash string
}

// QueueRule looks a queue rule up by name.
func (c *Config) QueueRule(name string) (*QueueRule, bool) {
	if c == nil {
		return nil, false
	}
	for i := range c.QueueRules {
		if c.QueueRules[i].Name == name {
			return &c.QueueRules[i], true
		}
	}
	return nil, false
}

// Precedence returns the queue rule names, highest precedence first.
func (c *Config) Precedence() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.QueueRules))
	for _, q := range c.QueueRules {
		names = append(names, q.Name)
	}
	return names
}

// ConfigurationError reports an invalid rule file. It is returned at load time
// and never reaches the queue.
type ConfigurationError struct {
	Rule  string
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Rule != "" && e.Field != "":
		return fmt.Sprintf("rule %q: %s: %v", e.Rule, e.Field, e.Err)
	case e.Rule != "":
		return fmt.Sprintf("rule %q: %v", e.Rule, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
