package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"

	"github.com/holon-run/mergequeue/pkg/hosting"
	"github.com/holon-run/mergequeue/pkg/train"
)

var _ hosting.Provider = (*Client)(nil)

// statusContext is the commit status context published on speculative shas.
const statusContext = "mergequeue"

// BranchSHA returns the tip of a branch.
func (c *Client) BranchSHA(ctx context.Context, repo hosting.Repo, branch string) (string, error) {
	ref, _, err := c.gh.Git.GetRef(ctx, repo.Owner, repo.Name, "heads/"+branch)
	if err != nil {
		return "", wrapError("get branch "+branch, err)
	}
	return ref.GetObject().GetSHA(), nil
}

// CreateRef creates branch at sha. An existing branch already pointing at sha
// is accepted.
func (c *Client) CreateRef(ctx context.Context, repo hosting.Repo, branch, sha string) error {
	_, _, err := c.gh.Git.CreateRef(ctx, repo.Owner, repo.Name, &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.String(sha)},
	})
	if err == nil {
		return nil
	}
	herr := wrapError("create branch "+branch, err)
	// 422 "Reference already exists"
	if current, lookupErr := c.BranchSHA(ctx, repo, branch); lookupErr == nil && current == sha {
		return nil
	}
	return herr
}

// UpdateRef moves branch to sha.
func (c *Client) UpdateRef(ctx context.Context, repo hosting.Repo, branch, sha string, force bool) error {
	_, _, err := c.gh.Git.UpdateRef(ctx, repo.Owner, repo.Name, &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.String(sha)},
	}, force)
	if err != nil {
		herr := wrapError("update branch "+branch, err)
		// A rejected fast-forward is a 422 "Update is not a fast forward".
		var respErr *github.ErrorResponse
		if !force && errors.As(err, &respErr) && strings.Contains(strings.ToLower(respErr.Message), "fast forward") {
			return hosting.Conflict("update branch "+branch, herr)
		}
		return herr
	}
	return nil
}

// DeleteRef deletes branch. A missing branch is not an error.
func (c *Client) DeleteRef(ctx context.Context, repo hosting.Repo, branch string) error {
	_, err := c.gh.Git.DeleteRef(ctx, repo.Owner, repo.Name, "heads/"+branch)
	if err != nil {
		herr := wrapError("delete branch "+branch, err)
		if errors.Is(herr, hosting.ErrNotFound) || isUnprocessable(err) {
			return nil
		}
		return herr
	}
	return nil
}

// MergeIntoRef merges head into branch and returns the new tip.
func (c *Client) MergeIntoRef(ctx context.Context, repo hosting.Repo, branch, head, message string) (string, error) {
	commit, _, err := c.gh.Repositories.Merge(ctx, repo.Owner, repo.Name, &github.RepositoryMergeRequest{
		Base:          github.String(branch),
		Head:          github.String(head),
		CommitMessage: github.String(message),
	})
	if err != nil {
		return "", wrapError(fmt.Sprintf("merge %s into %s", head, branch), err)
	}
	if sha := commit.GetSHA(); sha != "" {
		return sha, nil
	}
	// 204: head is already contained in branch.
	return c.BranchSHA(ctx, repo, branch)
}

// Merge merges a pull request.
func (c *Client) Merge(ctx context.Context, repo hosting.Repo, number int, method hosting.MergeMethod, expectedHeadSHA string) (string, error) {
	op := fmt.Sprintf("merge pull request #%d", number)
	if method == hosting.MergeMethodFastForward {
		pr, _, err := c.gh.PullRequests.Get(ctx, repo.Owner, repo.Name, number)
		if err != nil {
			return "", wrapError(op, err)
		}
		head := pr.GetHead().GetSHA()
		if expectedHeadSHA != "" && head != expectedHeadSHA {
			return "", hosting.Conflict(op, fmt.Errorf("head moved to %s", head))
		}
		if err := c.UpdateRef(ctx, repo, pr.GetBase().GetRef(), head, false); err != nil {
			return "", err
		}
		return head, nil
	}

	result, _, err := c.gh.PullRequests.Merge(ctx, repo.Owner, repo.Name, number, "", &github.PullRequestOptions{
		SHA:         expectedHeadSHA,
		MergeMethod: string(method),
	})
	if err != nil {
		herr := wrapError(op, err)
		// 405: not mergeable, 409: head moved.
		var hostErr *hosting.Error
		if errors.As(herr, &hostErr) && hostErr.StatusCode == 405 {
			return "", hosting.Conflict(op, herr)
		}
		return "", herr
	}
	return result.GetSHA(), nil
}

// UpdateBranch merges the base branch into the pull request head.
func (c *Client) UpdateBranch(ctx context.Context, repo hosting.Repo, number int, rebase bool) error {
	op := fmt.Sprintf("update pull request #%d", number)
	if rebase {
		return hosting.Permanent(op, errors.New("rebasing a pull request is not supported by the GitHub API"))
	}
	_, _, err := c.gh.PullRequests.UpdateBranch(ctx, repo.Owner, repo.Name, number, nil)
	if err != nil && !isAccepted(err) {
		herr := wrapError(op, err)
		if isUnprocessable(err) {
			return hosting.Conflict(op, herr)
		}
		return herr
	}
	return nil
}

// RequestChecks marks the speculative sha pending and, when configured,
// fires a repository_dispatch event carrying the request.
func (c *Client) RequestChecks(ctx context.Context, repo hosting.Repo, req hosting.CheckRequest) error {
	if err := c.SetStatus(ctx, repo, req.SHA, hosting.Status{
		Context:     statusContext,
		State:       hosting.StatusPending,
		Description: "Speculative checks for car " + req.CarID,
	}); err != nil {
		return err
	}
	if c.dispatchEvent == "" {
		return nil
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode check request: %w", err)
	}
	raw := json.RawMessage(payload)
	_, _, err = c.gh.Repositories.Dispatch(ctx, repo.Owner, repo.Name, github.DispatchRequestOptions{
		EventType:     c.dispatchEvent,
		ClientPayload: &raw,
	})
	if err != nil {
		return wrapError("dispatch checks for car "+req.CarID, err)
	}
	return nil
}

// CancelChecks cancels the queued and running workflow runs of a car's
// speculative branch.
func (c *Client) CancelChecks(ctx context.Context, repo hosting.Repo, carID string) error {
	for _, status := range []string{"queued", "in_progress"} {
		runs, err := paginate(func(opts github.ListOptions) ([]*github.WorkflowRun, *github.Response, error) {
			result, resp, err := c.gh.Actions.ListRepositoryWorkflowRuns(ctx, repo.Owner, repo.Name, &github.ListWorkflowRunsOptions{
				Status:      status,
				ListOptions: opts,
			})
			if err != nil {
				return nil, resp, err
			}
			return result.WorkflowRuns, resp, nil
		})
		if err != nil {
			return wrapError("list workflow runs", err)
		}
		for _, run := range runs {
			if _, id, ok := train.ParseRefName(run.GetHeadBranch()); !ok || id != carID {
				continue
			}
			if _, err := c.gh.Actions.CancelWorkflowRunByID(ctx, repo.Owner, repo.Name, run.GetID()); err != nil && !isAccepted(err) {
				herr := wrapError(fmt.Sprintf("cancel workflow run %d", run.GetID()), err)
				// 409: the run completed in the meantime.
				if hosting.IsConflict(herr) {
					continue
				}
				return herr
			}
		}
	}
	return nil
}

// SetStatus publishes a commit status.
func (c *Client) SetStatus(ctx context.Context, repo hosting.Repo, sha string, status hosting.Status) error {
	repoStatus := &github.RepoStatus{
		State:   github.String(string(status.State)),
		Context: github.String(status.Context),
	}
	if status.Description != "" {
		repoStatus.Description = github.String(truncate(status.Description, 140))
	}
	if status.TargetURL != "" {
		repoStatus.TargetURL = github.String(status.TargetURL)
	}
	if _, _, err := c.gh.Repositories.CreateStatus(ctx, repo.Owner, repo.Name, sha, repoStatus); err != nil {
		return wrapError("set status "+status.Context, err)
	}
	return nil
}

// AddLabels adds labels to a pull request.
func (c *Client) AddLabels(ctx context.Context, repo hosting.Repo, number int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	if _, _, err := c.gh.Issues.AddLabelsToIssue(ctx, repo.Owner, repo.Name, number, labels); err != nil {
		return wrapError(fmt.Sprintf("add labels to #%d", number), err)
	}
	return nil
}

// RemoveLabel removes a label from a pull request.
func (c *Client) RemoveLabel(ctx context.Context, repo hosting.Repo, number int, label string) error {
	if _, err := c.gh.Issues.RemoveLabelForIssue(ctx, repo.Owner, repo.Name, number, label); err != nil {
		return wrapError(fmt.Sprintf("remove label %q from #%d", label, number), err)
	}
	return nil
}

// PostComment comments on a pull request.
func (c *Client) PostComment(ctx context.Context, repo hosting.Repo, number int, body string) error {
	if _, _, err := c.gh.Issues.CreateComment(ctx, repo.Owner, repo.Name, number, &github.IssueComment{Body: github.String(body)}); err != nil {
		return wrapError(fmt.Sprintf("comment on #%d", number), err)
	}
	return nil
}

// UpsertComment edits the comment of number carrying marker, or posts a new
// one.
func (c *Client) UpsertComment(ctx context.Context, repo hosting.Repo, number int, marker, body string) error {
	body += "\n" + marker
	comments, err := paginate(func(opts github.ListOptions) ([]*github.IssueComment, *github.Response, error) {
		return c.gh.Issues.ListComments(ctx, repo.Owner, repo.Name, number, &github.IssueListCommentsOptions{ListOptions: opts})
	})
	if err != nil {
		return wrapError(fmt.Sprintf("list comments of #%d", number), err)
	}
	for _, cm := range comments {
		if !strings.Contains(cm.GetBody(), marker) {
			continue
		}
		if cm.GetBody() == body {
			return nil
		}
		if _, _, err := c.gh.Issues.EditComment(ctx, repo.Owner, repo.Name, cm.GetID(), &github.IssueComment{Body: github.String(body)}); err != nil {
			return wrapError(fmt.Sprintf("edit comment of #%d", number), err)
		}
		return nil
	}
	return c.PostComment(ctx, repo, number, body)
}

// RequestReviewers requests reviews from users and teams.
func (c *Client) RequestReviewers(ctx context.Context, repo hosting.Repo, number int, users, teams []string) error {
	if len(users) == 0 && len(teams) == 0 {
		return nil
	}
	_, _, err := c.gh.PullRequests.RequestReviewers(ctx, repo.Owner, repo.Name, number, github.ReviewersRequest{
		Reviewers:     users,
		TeamReviewers: teams,
	})
	if err != nil {
		return wrapError(fmt.Sprintf("request reviewers on #%d", number), err)
	}
	return nil
}

func isUnprocessable(err error) bool {
	var respErr *github.ErrorResponse
	return errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.StatusCode == 422
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
