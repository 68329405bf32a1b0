package pull

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holon-run/mergequeue/pkg/condition"
)

func boolPtr(b bool) *bool { return &b }

func TestReviewsUseLatestStatePerAuthor(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &Snapshot{Reviews: []Review{
		{Author: "alice", State: ReviewChangesRequested, SubmittedAt: t0},
		{Author: "alice", State: ReviewApproved, SubmittedAt: t0.Add(time.Hour)},
		{Author: "alice", State: ReviewCommented, SubmittedAt: t0.Add(2 * time.Hour)},
		{Author: "bob", State: ReviewApproved, SubmittedAt: t0},
		{Author: "bob", State: ReviewDismissed, SubmittedAt: t0.Add(time.Hour)},
		{Author: "carol", State: ReviewCommented, SubmittedAt: t0},
	}}

	assert.Equal(t, []string{"alice"}, s.Attribute("approved-reviews-by").Items)
	assert.Empty(t, s.Attribute("changes-requested-reviews-by").Items)
	assert.Equal(t, []string{"bob"}, s.Attribute("dismissed-reviews-by").Items)
	assert.Equal(t, []string{"carol"}, s.Attribute("commented-reviews-by").Items)
}

func TestChecksAreOpen(t *testing.T) {
	s := &Snapshot{Checks: map[string]CheckState{
		"build": CheckSuccess,
		"lint":  CheckFailure,
		"test":  CheckPending,
	}}

	success := s.Attribute("check-success")
	assert.True(t, success.Open)
	assert.Equal(t, []string{"build"}, success.Items)
	assert.Equal(t, []string{"build", "lint"}, success.Resolved)

	assert.Equal(t, []string{"test"}, s.Attribute("check-pending").Items)
	assert.Equal(t, []string{"lint"}, s.Attribute("check-failure").Items)

	assert.Equal(t, condition.Pending, condition.MustParse("check-success=test").Evaluate(s))
	assert.Equal(t, condition.False, condition.MustParse("check-success=lint").Evaluate(s))
	assert.Equal(t, condition.Pending, condition.MustParse("check-success=deploy").Evaluate(s))
}

func TestConflictIsUnknownUntilMergeabilityIsComputed(t *testing.T) {
	s := &Snapshot{}
	assert.Equal(t, condition.Pending, condition.MustParse("-conflict").Evaluate(s))

	s.Mergeable = boolPtr(true)
	assert.Equal(t, condition.True, condition.MustParse("-conflict").Evaluate(s))

	s.Mergeable = boolPtr(false)
	assert.Equal(t, condition.True, condition.MustParse("conflict").Evaluate(s))
}

func TestScalarAttributes(t *testing.T) {
	s := &Snapshot{
		Number:  7,
		Title:   "Add widget",
		Author:  "alice",
		Base:    "main",
		Head:    "feature/widget",
		Labels:  []string{"ready"},
		Commits: 2,
		Draft:   true,
	}
	for expr, want := range map[string]condition.Status{
		"base=main":          condition.True,
		"head~=^feature/":    condition.True,
		"author=bob":         condition.False,
		"title~=widget":      condition.True,
		"commits>1":          condition.True,
		"draft":              condition.True,
		"-closed":            condition.True,
		"label=ready":        condition.True,
		"#files=0":           condition.True,
		"review-requested=x": condition.False,
	} {
		assert.Equal(t, want, condition.MustParse(expr).Evaluate(s), expr)
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := &Snapshot{Labels: []string{"a"}, Checks: map[string]CheckState{"ci": CheckPending}, Mergeable: boolPtr(true)}
	c := s.Clone()
	c.Labels[0] = "b"
	c.Checks["ci"] = CheckSuccess
	*c.Mergeable = false

	require.Equal(t, "a", s.Labels[0])
	assert.Equal(t, CheckPending, s.Checks["ci"])
	assert.True(t, *s.Mergeable)
	assert.True(t, s.HasLabel("a"))
}

func TestEvaluatedAtDrivesNow(t *testing.T) {
	at := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	s := &Snapshot{EvaluatedAt: at}
	assert.Equal(t, at, s.Now())
	assert.False(t, (&Snapshot{}).Now().IsZero())
}
