package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/holon-run/mergequeue/pkg/condition"
	"github.com/holon-run/mergequeue/pkg/hosting"
)

// ActionValidator checks the options of a configured action.
type ActionValidator interface {
	ValidateAction(name string, options map[string]any) error
}

type fileConfig struct {
	PullRequestRules []fileRule      `yaml:"pull_request_rules"`
	QueueRules       []fileQueueRule `yaml:"queue_rules"`
}

type fileRule struct {
	Name       string    `yaml:"name"`
	Conditions yaml.Node `yaml:"conditions"`
	Actions    yaml.Node `yaml:"actions"`
}

type fileQueueRule struct {
	Name                    string    `yaml:"name"`
	Conditions              yaml.Node `yaml:"conditions"`
	RequiredChecks          []string  `yaml:"required_checks"`
	SpeculativeChecks       *int      `yaml:"speculative_checks"`
	BatchSize               *int      `yaml:"batch_size"`
	BatchMaxWaitTime        string    `yaml:"batch_max_wait_time"`
	AllowInplaceChecks      *bool     `yaml:"allow_inplace_checks"`
	AllowChecksInterruption *bool     `yaml:"allow_checks_interruption"`
	ChecksTimeout           string    `yaml:"checks_timeout"`
	MergeMethod             string    `yaml:"merge_method"`
	Schedule                string    `yaml:"schedule"`
}

// LoadFile reads and parses a rule file.
func LoadFile(path string, validator ActionValidator) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return Parse(data, validator)
}

// FileLoader loads the rule file of a repository from disk. With Dir set the
// file is looked up as <dir>/<owner>/<name>.yml (or .yaml), falling back to
// Path, which is shared by every repository.
type FileLoader struct {
	Path      string
	Dir       string
	Validator ActionValidator
}

// Load reads and parses the rule file of repo.
func (l *FileLoader) Load(_ context.Context, repo hosting.Repo) (*Config, error) {
	if l.Dir != "" {
		for _, ext := range []string{".yml", ".yaml"} {
			path := filepath.Join(l.Dir, repo.Owner, repo.Name+ext)
			if _, err := os.Stat(path); err == nil {
				return LoadFile(path, l.Validator)
			}
		}
	}
	if l.Path == "" {
		return nil, fmt.Errorf("no rule file for %s", repo)
	}
	return LoadFile(l.Path, l.Validator)
}

// Parse parses a YAML rule file. validator may be nil, in which case action
// options are not checked.
func Parse(data []byte, validator ActionValidator) (*Config, error) {
	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("invalid YAML: %w", err)}
	}

	sum := sha256.Sum256(data)
	cfg := &Config{Hash: hex.EncodeToString(sum[:])}

	seen := map[string]bool{}
	for _, fq := range raw.QueueRules {
		q, err := buildQueueRule(fq)
		if err != nil {
			return nil, err
		}
		if seen[q.Name] {
			return nil, &ConfigurationError{Rule: q.Name, Err: errors.New("duplicate queue rule name")}
		}
		seen[q.Name] = true
		cfg.QueueRules = append(cfg.QueueRules, q)
	}

	seen = map[string]bool{}
	for _, fr := range raw.PullRequestRules {
		r, err := buildRule(fr, validator)
		if err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, &ConfigurationError{Rule: r.Name, Err: errors.New("duplicate rule name")}
		}
		seen[r.Name] = true
		cfg.Rules = append(cfg.Rules, r)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildQueueRule(fq fileQueueRule) (QueueRule, error) {
	q := QueueRule{
		Name:                    fq.Name,
		RequiredChecks:          fq.RequiredChecks,
		SpeculativeChecks:       DefaultSpeculativeChecks,
		BatchSize:               DefaultBatchSize,
		AllowChecksInterruption: true,
		MergeMethod:             hosting.MergeMethodMerge,
	}
	if q.Name == "" {
		return q, &ConfigurationError{Field: "queue_rules", Err: errors.New("queue rule without a name")}
	}
	fail := func(field string, err error) (QueueRule, error) {
		return q, &ConfigurationError{Rule: q.Name, Field: field, Err: err}
	}

	cond, err := parseConditions(&fq.Conditions)
	if err != nil {
		return fail("conditions", err)
	}
	q.Conditions = cond

	if fq.SpeculativeChecks != nil {
		q.SpeculativeChecks = *fq.SpeculativeChecks
	}
	if q.SpeculativeChecks < 1 || q.SpeculativeChecks > MaxSpeculativeChecks {
		return fail("speculative_checks", fmt.Errorf("must be between 1 and %d", MaxSpeculativeChecks))
	}
	if fq.BatchSize != nil {
		q.BatchSize = *fq.BatchSize
	}
	if q.BatchSize < 1 || q.BatchSize > MaxBatchSize {
		return fail("batch_size", fmt.Errorf("must be between 1 and %d", MaxBatchSize))
	}
	if q.BatchMaxWaitTime, err = parseDuration(fq.BatchMaxWaitTime); err != nil {
		return fail("batch_max_wait_time", err)
	}
	if q.ChecksTimeout, err = parseDuration(fq.ChecksTimeout); err != nil {
		return fail("checks_timeout", err)
	}
	if fq.AllowInplaceChecks != nil {
		q.AllowInplaceChecks = *fq.AllowInplaceChecks
	}
	if fq.AllowChecksInterruption != nil {
		q.AllowChecksInterruption = *fq.AllowChecksInterruption
	}
	if fq.MergeMethod != "" {
		q.MergeMethod = hosting.MergeMethod(fq.MergeMethod)
		if !q.MergeMethod.Valid() {
			return fail("merge_method", fmt.Errorf("unknown merge method %q", fq.MergeMethod))
		}
	}
	if fq.Schedule != "" {
		if q.Schedule, err = condition.ParseSchedule(fq.Schedule); err != nil {
			return fail("schedule", err)
		}
	}
	return q, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("must not be negative")
	}
	return d, nil
}

func buildRule(fr fileRule, validator ActionValidator) (Rule, error) {
	r := Rule{Name: fr.Name}
	if r.Name == "" {
		return r, &ConfigurationError{Field: "pull_request_rules", Err: errors.New("rule without a name")}
	}
	cond, err := parseConditions(&fr.Conditions)
	if err != nil {
		return r, &ConfigurationError{Rule: r.Name, Field: "conditions", Err: err}
	}
	r.Conditions = cond

	node := &fr.Actions
	if node.Kind == 0 {
		return r, &ConfigurationError{Rule: r.Name, Field: "actions", Err: errors.New("at least one action is required")}
	}
	if node.Kind != yaml.MappingNode {
		return r, &ConfigurationError{Rule: r.Name, Field: "actions", Err: errors.New("must be a mapping of action name to options")}
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		opts := map[string]any{}
		if v := node.Content[i+1]; v.Kind == yaml.MappingNode {
			if err := v.Decode(&opts); err != nil {
				return r, &ConfigurationError{Rule: r.Name, Field: "actions." + name, Err: err}
			}
		} else if v.Tag != "!!null" {
			return r, &ConfigurationError{Rule: r.Name, Field: "actions." + name, Err: errors.New("options must be a mapping")}
		}
		if validator != nil {
			if err := validator.ValidateAction(name, opts); err != nil {
				return r, &ConfigurationError{Rule: r.Name, Field: "actions." + name, Err: err}
			}
		}
		r.Actions = append(r.Actions, ActionSpec{Name: name, Options: opts})
	}
	if len(r.Actions) == 0 {
		return r, &ConfigurationError{Rule: r.Name, Field: "actions", Err: errors.New("at least one action is required")}
	}
	return r, nil
}

// parseConditions parses a condition list. Each item is a condition string or
// a single-key mapping "and", "or" or "not".
func parseConditions(node *yaml.Node) (condition.Condition, error) {
	if node.Kind == 0 || node.Tag == "!!null" {
		return condition.And{}, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, errors.New("must be a list")
	}
	var out condition.And
	for _, item := range node.Content {
		c, err := parseConditionNode(item)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func parseConditionNode(node *yaml.Node) (condition.Condition, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return condition.Parse(node.Value)
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return nil, fmt.Errorf("line %d: expected exactly one of and, or, not", node.Line)
		}
		key, value := node.Content[0].Value, node.Content[1]
		switch key {
		case "and", "or":
			list, err := parseConditions(value)
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", node.Line, key, err)
			}
			and := list.(condition.And)
			if len(and) == 0 {
				return nil, fmt.Errorf("line %d: %s needs at least one condition", node.Line, key)
			}
			if key == "or" {
				return condition.Or(and), nil
			}
			return and, nil
		case "not":
			c, err := parseConditionNode(value)
			if err != nil {
				return nil, fmt.Errorf("line %d: not: %w", node.Line, err)
			}
			return condition.Not{Condition: c}, nil
		default:
			return nil, fmt.Errorf("line %d: unknown operator %q", node.Line, key)
		}
	default:
		return nil, fmt.Errorf("line %d: invalid condition", node.Line)
	}
}
