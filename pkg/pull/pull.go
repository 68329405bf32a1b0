// Package pull holds the pull request snapshot that rules are evaluated
// against. A snapshot is built once per processing cycle and then discarded.
package pull

import (
	"sort"
	"strconv"
	"time"

	"github.com/holon-run/mergequeue/pkg/condition"
)

// CheckState is the reported state of one check run or commit status.
type CheckState string

const (
	CheckSuccess        CheckState = "success"
	CheckFailure        CheckState = "failure"
	CheckError          CheckState = "error"
	CheckCancelled      CheckState = "cancelled"
	CheckSkipped        CheckState = "skipped"
	CheckActionRequired CheckState = "action_required"
	CheckTimedOut       CheckState = "timed_out"
	CheckNeutral        CheckState = "neutral"
	CheckStale          CheckState = "stale"
	CheckPending        CheckState = "pending"
)

// Concluded reports whether the check has reached a final state.
func (s CheckState) Concluded() bool {
	return s != CheckPending && s != ""
}

// Passed reports whether the state satisfies a required check.
func (s CheckState) Passed() bool {
	return s == CheckSuccess || s == CheckNeutral || s == CheckSkipped
}

// Failed reports whether the state fails a required check.
func (s CheckState) Failed() bool {
	switch s {
	case CheckFailure, CheckError, CheckCancelled, CheckTimedOut, CheckActionRequired, CheckStale:
		return true
	}
	return false
}

// ReviewState is the state of a pull request review.
type ReviewState string

const (
	ReviewApproved         ReviewState = "APPROVED"
	ReviewChangesRequested ReviewState = "CHANGES_REQUESTED"
	ReviewCommented        ReviewState = "COMMENTED"
	ReviewDismissed        ReviewState = "DISMISSED"
)

// Review is one submitted review.
type Review struct {
	Author      string      `json:"author"`
	State       ReviewState `json:"state"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

// Snapshot is the materialized state of one pull request.
type Snapshot struct {
	Number             int                   `json:"number"`
	Title              string                `json:"title"`
	Body               string                `json:"body"`
	Author             string                `json:"author"`
	Base               string                `json:"base"`
	Head               string                `json:"head"`
	BaseSHA            string                `json:"base_sha"`
	HeadSHA            string                `json:"head_sha"`
	Labels             []string              `json:"labels,omitempty"`
	Reviews            []Review              `json:"reviews,omitempty"`
	RequestedReviewers []string              `json:"requested_reviewers,omitempty"`
	Checks             map[string]CheckState `json:"checks,omitempty"`
	// Mergeable is nil while the hosting provider is still computing it.
	Mergeable *bool    `json:"mergeable,omitempty"`
	Draft     bool     `json:"draft,omitempty"`
	Merged    bool     `json:"merged,omitempty"`
	Closed    bool     `json:"closed,omitempty"`
	Commits   int      `json:"commits"`
	Files     []string `json:"files,omitempty"`
	// UpToDate is set when the head already contains the base branch tip.
	UpToDate bool `json:"up_to_date,omitempty"`

	EvaluatedAt time.Time `json:"-"`
}

var _ condition.Snapshot = (*Snapshot)(nil)

// Now returns the evaluation time of the snapshot.
func (s *Snapshot) Now() time.Time {
	if s.EvaluatedAt.IsZero() {
		return time.Now()
	}
	return s.EvaluatedAt
}

// Attribute resolves a condition attribute.
func (s *Snapshot) Attribute(name string) condition.Values {
	switch name {
	case "base":
		return text(s.Base)
	case "head":
		return text(s.Head)
	case "author":
		return text(s.Author)
	case "title":
		return text(s.Title)
	case "body":
		return text(s.Body)
	case "label":
		return condition.Values{Items: s.Labels}
	case "files":
		return condition.Values{Items: s.Files}
	case "review-requested":
		return condition.Values{Items: s.RequestedReviewers}
	case "approved-reviews-by":
		return condition.Values{Items: s.reviewersWith(ReviewApproved)}
	case "changes-requested-reviews-by":
		return condition.Values{Items: s.reviewersWith(ReviewChangesRequested)}
	case "commented-reviews-by":
		return condition.Values{Items: s.reviewersWith(ReviewCommented)}
	case "dismissed-reviews-by":
		return condition.Values{Items: s.reviewersWith(ReviewDismissed)}
	case "check-success":
		return s.checks(func(c CheckState) bool { return c == CheckSuccess })
	case "check-failure":
		return s.checks(CheckState.Failed)
	case "check-neutral":
		return s.checks(func(c CheckState) bool { return c == CheckNeutral })
	case "check-skipped":
		return s.checks(func(c CheckState) bool { return c == CheckSkipped })
	case "check-pending":
		return s.checks(func(c CheckState) bool { return !c.Concluded() })
	case "commits":
		return text(strconv.Itoa(s.Commits))
	case "draft":
		return flag(s.Draft)
	case "merged":
		return flag(s.Merged)
	case "closed":
		return flag(s.Closed)
	case "conflict":
		if s.Mergeable == nil {
			return condition.Values{Missing: true}
		}
		return flag(!*s.Mergeable)
	}
	return condition.Values{Missing: true}
}

// reviewersWith returns the authors whose latest review has the given state.
func (s *Snapshot) reviewersWith(state ReviewState) []string {
	latest := map[string]Review{}
	for _, r := range s.Reviews {
		// COMMENTED reviews do not override an approval or a change request.
		if prev, ok := latest[r.Author]; ok && r.State == ReviewCommented && prev.State != ReviewCommented {
			continue
		}
		if prev, ok := latest[r.Author]; !ok || !r.SubmittedAt.Before(prev.SubmittedAt) {
			latest[r.Author] = r
		}
	}
	var out []string
	for author, r := range latest {
		if r.State == state {
			out = append(out, author)
		}
	}
	sort.Strings(out)
	return out
}

// checks lists the checks whose state satisfies match. Check attributes are
// open: a check that has not reported yet may still appear.
func (s *Snapshot) checks(match func(CheckState) bool) condition.Values {
	v := condition.Values{Open: true}
	names := make([]string, 0, len(s.Checks))
	for name := range s.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		state := s.Checks[name]
		if match(state) {
			v.Items = append(v.Items, name)
		}
		if state.Concluded() {
			v.Resolved = append(v.Resolved, name)
		}
	}
	return v
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Labels = append([]string(nil), s.Labels...)
	c.Reviews = append([]Review(nil), s.Reviews...)
	c.RequestedReviewers = append([]string(nil), s.RequestedReviewers...)
	c.Files = append([]string(nil), s.Files...)
	if s.Checks != nil {
		c.Checks = make(map[string]CheckState, len(s.Checks))
		for k, v := range s.Checks {
			c.Checks[k] = v
		}
	}
	if s.Mergeable != nil {
		m := *s.Mergeable
		c.Mergeable = &m
	}
	return &c
}

// HasLabel reports whether the pull request carries label.
func (s *Snapshot) HasLabel(label string) bool {
	for _, l := range s.Labels {
		if l == label {
			return true
		}
	}
	return false
}

func text(v string) condition.Values {
	return condition.Values{Items: []string{v}}
}

func flag(b bool) condition.Values {
	return condition.Values{Items: []string{strconv.FormatBool(b)}}
}
