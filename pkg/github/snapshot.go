package github

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
	"golang.org/x/sync/errgroup"

	"github.com/holon-run/mergequeue/pkg/hosting"
	"github.com/holon-run/mergequeue/pkg/pull"
)

// PullRequest fetches a pull request together with its reviews, files,
// checks and the tip of its base branch.
func (c *Client) PullRequest(ctx context.Context, repo hosting.Repo, number int) (*pull.Snapshot, error) {
	op := fmt.Sprintf("get pull request #%d", number)
	pr, _, err := c.gh.PullRequests.Get(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		return nil, wrapError(op, err)
	}

	snap := &pull.Snapshot{
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		Body:      pr.GetBody(),
		Author:    pr.GetUser().GetLogin(),
		Base:      pr.GetBase().GetRef(),
		Head:      pr.GetHead().GetRef(),
		BaseSHA:   pr.GetBase().GetSHA(),
		HeadSHA:   pr.GetHead().GetSHA(),
		Mergeable: pr.Mergeable,
		Draft:     pr.GetDraft(),
		Merged:    pr.GetMerged(),
		Closed:    pr.GetState() == "closed",
		Commits:   pr.GetCommits(),
		Checks:    map[string]pull.CheckState{},
	}
	for _, label := range pr.Labels {
		snap.Labels = append(snap.Labels, label.GetName())
	}
	for _, user := range pr.RequestedReviewers {
		snap.RequestedReviewers = append(snap.RequestedReviewers, user.GetLogin())
	}
	for _, team := range pr.RequestedTeams {
		snap.RequestedReviewers = append(snap.RequestedReviewers, "@"+repo.Owner+"/"+team.GetSlug())
	}

	var (
		reviews  []pull.Review
		files    []string
		runs     map[string]pull.CheckState
		statuses map[string]pull.CheckState
		baseSHA  string
		behind   = -1
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		reviews, err = c.reviews(gctx, repo, number)
		return err
	})
	g.Go(func() (err error) {
		files, err = c.files(gctx, repo, number)
		return err
	})
	g.Go(func() (err error) {
		runs, err = c.checkRuns(gctx, repo, snap.HeadSHA)
		return err
	})
	g.Go(func() (err error) {
		statuses, err = c.statuses(gctx, repo, snap.HeadSHA)
		return err
	})
	if !snap.Merged && !snap.Closed {
		g.Go(func() error {
			sha, err := c.BranchSHA(gctx, repo, snap.Base)
			if err != nil {
				return err
			}
			baseSHA = sha
			cmp, _, err := c.gh.Repositories.CompareCommits(gctx, repo.Owner, repo.Name, sha, snap.HeadSHA, &github.ListOptions{PerPage: 1})
			if err != nil {
				return wrapError("compare with base", err)
			}
			behind = cmp.GetBehindBy()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap.Reviews = reviews
	snap.Files = files
	// Commit statuses first so that a check run of the same name wins.
	for name, state := range statuses {
		snap.Checks[name] = state
	}
	for name, state := range runs {
		snap.Checks[name] = state
	}
	if baseSHA != "" {
		snap.BaseSHA = baseSHA
	}
	snap.UpToDate = behind == 0
	return snap, nil
}

func (c *Client) reviews(ctx context.Context, repo hosting.Repo, number int) ([]pull.Review, error) {
	all, err := paginate(func(opts github.ListOptions) ([]*github.PullRequestReview, *github.Response, error) {
		return c.gh.PullRequests.ListReviews(ctx, repo.Owner, repo.Name, number, &opts)
	})
	if err != nil {
		return nil, wrapError("list reviews", err)
	}
	out := make([]pull.Review, 0, len(all))
	for _, r := range all {
		if r.GetState() == "PENDING" {
			continue
		}
		out = append(out, pull.Review{
			Author:      r.GetUser().GetLogin(),
			State:       pull.ReviewState(r.GetState()),
			SubmittedAt: r.GetSubmittedAt().Time,
		})
	}
	return out, nil
}

func (c *Client) files(ctx context.Context, repo hosting.Repo, number int) ([]string, error) {
	all, err := paginate(func(opts github.ListOptions) ([]*github.CommitFile, *github.Response, error) {
		return c.gh.PullRequests.ListFiles(ctx, repo.Owner, repo.Name, number, &opts)
	})
	if err != nil {
		return nil, wrapError("list files", err)
	}
	out := make([]string, 0, len(all))
	for _, f := range all {
		out = append(out, f.GetFilename())
	}
	return out, nil
}

func (c *Client) checkRuns(ctx context.Context, repo hosting.Repo, sha string) (map[string]pull.CheckState, error) {
	all, err := paginate(func(opts github.ListOptions) ([]*github.CheckRun, *github.Response, error) {
		result, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, repo.Owner, repo.Name, sha, &github.ListCheckRunsOptions{
			Filter:      github.String("latest"),
			ListOptions: opts,
		})
		if err != nil {
			return nil, resp, err
		}
		return result.CheckRuns, resp, nil
	})
	if err != nil {
		return nil, wrapError("list check runs", err)
	}
	out := make(map[string]pull.CheckState, len(all))
	for _, run := range all {
		out[run.GetName()] = CheckRunState(run.GetStatus(), run.GetConclusion())
	}
	return out, nil
}

func (c *Client) statuses(ctx context.Context, repo hosting.Repo, sha string) (map[string]pull.CheckState, error) {
	combined, _, err := c.gh.Repositories.GetCombinedStatus(ctx, repo.Owner, repo.Name, sha, &github.ListOptions{PerPage: 100})
	if err != nil {
		return nil, wrapError("get combined status", err)
	}
	out := make(map[string]pull.CheckState, len(combined.Statuses))
	for _, s := range combined.Statuses {
		// Our own statuses are not checks.
		if s.GetContext() == statusContext || strings.HasPrefix(s.GetContext(), statusContext+"/") {
			continue
		}
		out[s.GetContext()] = StatusState(s.GetState())
	}
	return out, nil
}

// CheckRunState maps a check run status and conclusion to a check state.
func CheckRunState(status, conclusion string) pull.CheckState {
	if status != "completed" {
		return pull.CheckPending
	}
	switch conclusion {
	case "success":
		return pull.CheckSuccess
	case "failure":
		return pull.CheckFailure
	case "neutral":
		return pull.CheckNeutral
	case "cancelled":
		return pull.CheckCancelled
	case "skipped":
		return pull.CheckSkipped
	case "timed_out":
		return pull.CheckTimedOut
	case "action_required":
		return pull.CheckActionRequired
	case "stale":
		return pull.CheckStale
	default:
		return pull.CheckError
	}
}

// StatusState maps a commit status state to a check state.
func StatusState(state string) pull.CheckState {
	switch state {
	case "success":
		return pull.CheckSuccess
	case "failure":
		return pull.CheckFailure
	case "error":
		return pull.CheckError
	default:
		return pull.CheckPending
	}
}
