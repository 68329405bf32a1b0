package fakehost

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holon-run/mergequeue/pkg/hosting"
	"github.com/holon-run/mergequeue/pkg/pull"
)

var repo = hosting.Repo{Owner: "octo", Name: "widgets"}

func TestSpeculativeBranchAndFastForward(t *testing.T) {
	ctx := context.Background()
	h := New()
	base := h.SetBranch(repo, "main")
	p1 := h.AddPull(repo, &pull.Snapshot{Number: 1, Base: "main"})
	p2 := h.AddPull(repo, &pull.Snapshot{Number: 2, Base: "main"})

	require.NoError(t, h.CreateRef(ctx, repo, "mq/main/car", base))
	_, err := h.MergeIntoRef(ctx, repo, "mq/main/car", p1.HeadSHA, "")
	require.NoError(t, err)
	tip, err := h.MergeIntoRef(ctx, repo, "mq/main/car", p2.HeadSHA, "")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, h.PullsOn(repo, "mq/main/car"))

	require.NoError(t, h.UpdateRef(ctx, repo, "main", tip, false))
	assert.Equal(t, []int{1, 2}, h.PullsOn(repo, "main"))

	// Moving main back is not a fast forward.
	err = h.UpdateRef(ctx, repo, "main", base, false)
	assert.True(t, hosting.IsPermanent(err))
}

func TestConflictsAndInjectedFailures(t *testing.T) {
	ctx := context.Background()
	h := New()
	base := h.SetBranch(repo, "main")
	p := h.AddPull(repo, &pull.Snapshot{Number: 3, Base: "main"})
	h.Conflicts[3] = true

	require.NoError(t, h.CreateRef(ctx, repo, "tmp", base))
	_, err := h.MergeIntoRef(ctx, repo, "tmp", p.HeadSHA, "")
	assert.True(t, hosting.IsConflict(err))

	h.FailNext("branch_sha", hosting.Transient("get branch", errors.New("502")))
	_, err = h.BranchSHA(ctx, repo, "main")
	assert.True(t, hosting.IsTransient(err))
	sha, err := h.BranchSHA(ctx, repo, "main")
	require.NoError(t, err)
	assert.Equal(t, base, sha)
	assert.Equal(t, 2, h.CountCalls("branch_sha"))
}

func TestMergeMarksPullMerged(t *testing.T) {
	ctx := context.Background()
	h := New()
	h.SetBranch(repo, "main")
	h.AddPull(repo, &pull.Snapshot{Number: 4, Base: "main"})

	_, err := h.Merge(ctx, repo, 4, hosting.MergeMethodMerge, "head-4")
	require.NoError(t, err)
	assert.True(t, h.Pull(repo, 4).Merged)
	assert.Equal(t, []int{4}, h.PullsOn(repo, "main"))

	_, err = h.PullRequest(ctx, repo, 99)
	assert.ErrorIs(t, err, hosting.ErrNotFound)
}
