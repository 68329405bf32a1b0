package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holon-run/mergequeue/pkg/condition"
	"github.com/holon-run/mergequeue/pkg/hosting"
	"github.com/holon-run/mergequeue/pkg/pull"
)

const sample = `
queue_rules:
  - name: hotfix
    conditions:
      - base=main
      - label=hotfix
    required_checks: [ci]
    speculative_checks: 2
    batch_size: 1
    allow_inplace_checks: true
  - name: default
    conditions:
      - base=main
    required_checks: [ci, lint]
    speculative_checks: 3
    batch_size: 4
    batch_max_wait_time: 30s
    checks_timeout: 1h
    allow_checks_interruption: false
    merge_method: squash
    schedule: Mon-Fri 09:00-18:00[Europe/Paris]

pull_request_rules:
  - name: automatic merge
    conditions:
      - "#approved-reviews-by>=1"
      - -draft
      - or:
          - label=ready
          - and:
              - author=dependabot
              - check-success=ci
      - not:
          label=wip
    actions:
      label:
        add: [queued]
      queue:
        name: default
        priority: 10
  - name: ping
    conditions: []
    actions:
      comment:
        message: hello
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"hotfix", "default"}, cfg.Precedence())
	assert.Len(t, cfg.Hash, 64)

	def, ok := cfg.QueueRule("default")
	require.True(t, ok)
	assert.Equal(t, 3, def.SpeculativeChecks)
	assert.Equal(t, 4, def.BatchSize)
	assert.Equal(t, 30*time.Second, def.BatchMaxWaitTime)
	assert.Equal(t, time.Hour, def.ChecksTimeout)
	assert.False(t, def.AllowChecksInterruption)
	assert.Equal(t, hosting.MergeMethodSquash, def.MergeMethod)
	require.NotNil(t, def.Schedule)

	hotfix, _ := cfg.QueueRule("hotfix")
	assert.True(t, hotfix.AllowInplaceChecks)
	assert.True(t, hotfix.AllowChecksInterruption)
	assert.Equal(t, hosting.MergeMethodMerge, hotfix.MergeMethod)
	assert.Nil(t, hotfix.Schedule)
	assert.True(t, hotfix.Active(time.Now()))

	require.Len(t, cfg.Rules, 2)
	rule := cfg.Rules[0]
	require.Len(t, rule.Actions, 2)
	assert.Equal(t, "label", rule.Actions[0].Name)
	assert.Equal(t, "queue", rule.Actions[1].Name)
	assert.Equal(t, 10, rule.Actions[1].Options["priority"])

	snap := &pull.Snapshot{
		Labels:  []string{"ready"},
		Reviews: []pull.Review{{Author: "bob", State: pull.ReviewApproved}},
	}
	assert.Equal(t, condition.True, rule.Conditions.Evaluate(snap))
	snap.Labels = append(snap.Labels, "wip")
	assert.Equal(t, condition.False, rule.Conditions.Evaluate(snap))

	assert.Equal(t, condition.True, cfg.Rules[1].Conditions.Evaluate(snap))
}

func TestHashChangesWithContent(t *testing.T) {
	a, err := Parse([]byte(sample), nil)
	require.NoError(t, err)
	b, err := Parse([]byte(sample+"\n# comment\n"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"invalid yaml":       "queue_rules: [",
		"unnamed queue":      "queue_rules:\n  - batch_size: 2\n",
		"duplicate queue":    "queue_rules:\n  - name: a\n  - name: a\n",
		"batch size":         "queue_rules:\n  - name: a\n    batch_size: 0\n",
		"speculative checks": "queue_rules:\n  - name: a\n    speculative_checks: 99\n",
		"bad duration":       "queue_rules:\n  - name: a\n    checks_timeout: soon\n",
		"merge method":       "queue_rules:\n  - name: a\n    merge_method: octopus\n",
		"bad schedule":       "queue_rules:\n  - name: a\n    schedule: Someday\n",
		"bad condition":      "queue_rules:\n  - name: a\n    conditions: [nope=1]\n",
		"unknown operator":   "queue_rules:\n  - name: a\n    conditions:\n      - xor: [label=a]\n",
		"empty or":           "queue_rules:\n  - name: a\n    conditions:\n      - or: []\n",
		"no actions":         "pull_request_rules:\n  - name: r\n    conditions: []\n",
		"unknown queue":      "queue_rules:\n  - name: a\npull_request_rules:\n  - name: r\n    actions:\n      queue:\n        name: b\n",
		"overlapping schedules": `
queue_rules:
  - name: day
    conditions: [base=main]
    schedule: Mon-Fri 09:00-18:00
  - name: evening
    conditions: [base=main]
    schedule: Mon-Fri 17:00-22:00
`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data), nil)
			require.Error(t, err)
			var cfgErr *ConfigurationError
			assert.True(t, errors.As(err, &cfgErr), "want ConfigurationError, got %T", err)
		})
	}
}

func TestOverlappingSchedulesOnDifferentBranchesAreAllowed(t *testing.T) {
	data := `
queue_rules:
  - name: main
    conditions: [base=main]
    schedule: Mon-Fri 09:00-18:00
  - name: release
    conditions: [base=release]
    schedule: Mon-Fri 09:00-18:00
  - name: weekend
    schedule: Sat-Sun
`
	cfg, err := Parse([]byte(data), nil)
	require.NoError(t, err)
	assert.Len(t, cfg.QueueRules, 3)
}

type rejectAll struct{}

func (rejectAll) ValidateAction(name string, _ map[string]any) error {
	return fmt.Errorf("action %q is not allowed", name)
}

func TestActionValidatorIsConsulted(t *testing.T) {
	data := "pull_request_rules:\n  - name: r\n    actions:\n      merge:\n"
	_, err := Parse([]byte(data), rejectAll{})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "actions.merge", cfgErr.Field)
	assert.Contains(t, err.Error(), `rule "r"`)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mergequeue.yml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	cfg, err := LoadFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Rules[0].Actions[1].Options["name"])

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yml"), nil)
	assert.Error(t, err)
}

func TestFileLoader(t *testing.T) {
	dir := t.TempDir()
	shared := filepath.Join(dir, "shared.yml")
	require.NoError(t, os.WriteFile(shared, []byte(sample), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "repos", "octo"), 0o755))
	own := "queue_rules:\n  - name: only\n    conditions: []\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "repos", "octo", "widgets.yaml"), []byte(own), 0o644))

	loader := &FileLoader{Path: shared, Dir: filepath.Join(dir, "repos")}

	cfg, err := loader.Load(context.Background(), hosting.Repo{Owner: "octo", Name: "widgets"})
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, cfg.Precedence())

	cfg, err = loader.Load(context.Background(), hosting.Repo{Owner: "octo", Name: "gadgets"})
	require.NoError(t, err)
	assert.Equal(t, []string{"hotfix", "default"}, cfg.Precedence())

	_, err = (&FileLoader{}).Load(context.Background(), hosting.Repo{Owner: "octo", Name: "gadgets"})
	assert.Error(t, err)
}
