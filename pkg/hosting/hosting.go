// Package hosting defines the outbound contract between the merge queue and
// the code-hosting provider, together with the error taxonomy and retry policy
// shared by every caller of that contract.
package hosting

import (
	"context"
	"fmt"
	"strings"

	"github.com/holon-run/mergequeue/pkg/pull"
)

// Repo identifies a repository on the hosting provider.
type Repo struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// ParseRepo parses "owner/name".
func ParseRepo(s string) (Repo, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return Repo{}, fmt.Errorf("invalid repository %q (expected owner/name)", s)
	}
	return Repo{Owner: owner, Name: name}, nil
}

func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

// MergeMethod selects how a pull request is merged.
type MergeMethod string

const (
	MergeMethodMerge       MergeMethod = "merge"
	MergeMethodSquash      MergeMethod = "squash"
	MergeMethodRebase      MergeMethod = "rebase"
	MergeMethodFastForward MergeMethod = "fast-forward"
)

// Valid reports whether m is a known merge method.
func (m MergeMethod) Valid() bool {
	switch m {
	case MergeMethodMerge, MergeMethodSquash, MergeMethodRebase, MergeMethodFastForward:
		return true
	}
	return false
}

// CheckRequest asks the check system to validate a speculative ref. CarID
// travels with the request so that results can be matched to the car that
// asked for them.
type CheckRequest struct {
	CarID  string   `json:"car_id"`
	Ref    string   `json:"ref"`
	SHA    string   `json:"sha"`
	Checks []string `json:"checks,omitempty"`
}

// StatusState is the state of a commit status.
type StatusState string

const (
	StatusPending StatusState = "pending"
	StatusSuccess StatusState = "success"
	StatusFailure StatusState = "failure"
	StatusError   StatusState = "error"
)

// Status is a commit status published on a sha.
type Status struct {
	Context     string      `json:"context"`
	State       StatusState `json:"state"`
	Description string      `json:"description,omitempty"`
	TargetURL   string      `json:"target_url,omitempty"`
}

// Provider is the hosting-provider API used by the queue. Implementations
// return *Error values so that callers can tell transient failures from
// permanent ones.
type Provider interface {
	// PullRequest fetches a fresh snapshot of a pull request.
	PullRequest(ctx context.Context, repo Repo, number int) (*pull.Snapshot, error)
	// BranchSHA returns the tip of a branch.
	BranchSHA(ctx context.Context, repo Repo, branch string) (string, error)

	CreateRef(ctx context.Context, repo Repo, branch, sha string) error
	// UpdateRef moves branch to sha. Without force only fast-forwards are
	// accepted.
	UpdateRef(ctx context.Context, repo Repo, branch, sha string, force bool) error
	DeleteRef(ctx context.Context, repo Repo, branch string) error
	// MergeIntoRef merges head into branch and returns the new tip. A merge
	// conflict is reported as an error matching ErrConflict.
	MergeIntoRef(ctx context.Context, repo Repo, branch, head, message string) (string, error)

	// Merge merges a pull request and returns the resulting commit sha.
	Merge(ctx context.Context, repo Repo, number int, method MergeMethod, expectedHeadSHA string) (string, error)
	// UpdateBranch brings the pull request head up to date with its base.
	UpdateBranch(ctx context.Context, repo Repo, number int, rebase bool) error

	RequestChecks(ctx context.Context, repo Repo, req CheckRequest) error
	CancelChecks(ctx context.Context, repo Repo, carID string) error
	SetStatus(ctx context.Context, repo Repo, sha string, status Status) error

	AddLabels(ctx context.Context, repo Repo, number int, labels []string) error
	RemoveLabel(ctx context.Context, repo Repo, number int, label string) error
	PostComment(ctx context.Context, repo Repo, number int, body string) error
	// UpsertComment edits the comment of number carrying marker, or posts a
	// new one. The marker is appended to body.
	UpsertComment(ctx context.Context, repo Repo, number int, marker, body string) error
	RequestReviewers(ctx context.Context, repo Repo, number int, users, teams []string) error
	// Backport opens a pull request carrying number's changes onto branch and
	// returns the new pull request number.
	Backport(ctx context.Context, repo Repo, number int, branch string) (int, error)
}
