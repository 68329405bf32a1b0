package github

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/go-github/v68/github"

	"github.com/holon-run/mergequeue/pkg/hosting"
)

// BackportBranch names the branch carrying the backport of number onto base.
func BackportBranch(base string, number int) string {
	return fmt.Sprintf("mergequeue-backport/%s/%d", base, number)
}

// Backport cherry-picks the merge commit of a pull request onto branch and
// opens a pull request with the result.
//
// The cherry-pick runs server side: a commit with the target tree is created
// on top of the merged commit's parent, the merged commit is merged into it,
// and the resulting tree is recommitted on top of the target branch.
func (c *Client) Backport(ctx context.Context, repo hosting.Repo, number int, branch string) (int, error) {
	op := fmt.Sprintf("backport #%d to %s", number, branch)
	pr, _, err := c.gh.PullRequests.Get(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		return 0, wrapError(op, err)
	}
	if !pr.GetMerged() || pr.GetMergeCommitSHA() == "" {
		return 0, hosting.Permanent(op, errors.New("pull request is not merged"))
	}

	merged, _, err := c.gh.Git.GetCommit(ctx, repo.Owner, repo.Name, pr.GetMergeCommitSHA())
	if err != nil {
		return 0, wrapError(op, err)
	}
	if len(merged.Parents) == 0 {
		return 0, hosting.Permanent(op, errors.New("merge commit has no parent"))
	}
	targetSHA, err := c.BranchSHA(ctx, repo, branch)
	if err != nil {
		return 0, err
	}
	target, _, err := c.gh.Git.GetCommit(ctx, repo.Owner, repo.Name, targetSHA)
	if err != nil {
		return 0, wrapError(op, err)
	}

	work := BackportBranch(branch, number)
	sibling, _, err := c.gh.Git.CreateCommit(ctx, repo.Owner, repo.Name, &github.Commit{
		Message: github.String("mergequeue backport of #" + fmt.Sprint(number)),
		Tree:    &github.Tree{SHA: target.GetTree().SHA},
		Parents: []*github.Commit{{SHA: merged.Parents[0].SHA}},
	}, nil)
	if err != nil {
		return 0, wrapError(op, err)
	}
	if err := c.CreateRef(ctx, repo, work, sibling.GetSHA()); err != nil {
		// Left over from an earlier attempt.
		if err := c.UpdateRef(ctx, repo, work, sibling.GetSHA(), true); err != nil {
			return 0, err
		}
	}

	tip, err := c.MergeIntoRef(ctx, repo, work, merged.GetSHA(), "mergequeue backport")
	if err != nil {
		if hosting.IsConflict(err) {
			_ = c.DeleteRef(ctx, repo, work)
		}
		return 0, err
	}
	tipCommit, _, err := c.gh.Git.GetCommit(ctx, repo.Owner, repo.Name, tip)
	if err != nil {
		return 0, wrapError(op, err)
	}
	picked, _, err := c.gh.Git.CreateCommit(ctx, repo.Owner, repo.Name, &github.Commit{
		Message: github.String(merged.GetMessage()),
		Tree:    &github.Tree{SHA: tipCommit.GetTree().SHA},
		Parents: []*github.Commit{{SHA: github.String(targetSHA)}},
	}, nil)
	if err != nil {
		return 0, wrapError(op, err)
	}
	if err := c.UpdateRef(ctx, repo, work, picked.GetSHA(), true); err != nil {
		return 0, err
	}

	created, _, err := c.gh.PullRequests.Create(ctx, repo.Owner, repo.Name, &github.NewPullRequest{
		Title: github.String(fmt.Sprintf("[%s] %s", branch, pr.GetTitle())),
		Head:  github.String(work),
		Base:  github.String(branch),
		Body:  github.String(fmt.Sprintf("Backport of #%d to `%s`.", number, branch)),
	})
	if err == nil {
		return created.GetNumber(), nil
	}
	if !isUnprocessable(err) {
		return 0, wrapError(op, err)
	}
	// A pull request for this branch already exists.
	existing, _, listErr := c.gh.PullRequests.List(ctx, repo.Owner, repo.Name, &github.PullRequestListOptions{
		State: "open",
		Head:  repo.Owner + ":" + work,
		Base:  branch,
	})
	if listErr != nil || len(existing) == 0 {
		return 0, wrapError(op, err)
	}
	return existing[0].GetNumber(), nil
}
