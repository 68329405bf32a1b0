// Package fakehost is an in-memory hosting provider. It models branches as
// chains of commits that record which pull requests they contain, which is
// enough to assert what a base branch received and in which order.
package fakehost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/holon-run/mergequeue/pkg/hosting"
	"github.com/holon-run/mergequeue/pkg/pull"
)

type commit struct {
	parent string
	pulls  []int
}

// Call is one recorded provider call.
type Call struct {
	Op     string
	Repo   string
	Number int
	Arg    string
}

// Host implements hosting.Provider in memory. It is safe for concurrent use.
type Host struct {
	mu sync.Mutex

	pulls    map[string]*pull.Snapshot
	refs     map[string]string
	commits  map[string]commit
	heads    map[string]int
	failures map[string][]error
	seq      int

	// Conflicts lists pull requests whose head cannot be merged anywhere.
	Conflicts map[int]bool

	calls         []Call
	checkRequests []hosting.CheckRequest
	cancelled     []string
	comments      map[int][]string
	sticky        map[string]string
	statuses      map[string][]hosting.Status
}

var _ hosting.Provider = (*Host)(nil)

// New returns an empty host.
func New() *Host {
	return &Host{
		pulls:     map[string]*pull.Snapshot{},
		refs:      map[string]string{},
		commits:   map[string]commit{},
		heads:     map[string]int{},
		failures:  map[string][]error{},
		Conflicts: map[int]bool{},
		comments:  map[int][]string{},
		sticky:    map[string]string{},
		statuses:  map[string][]hosting.Status{},
	}
}

func refKey(repo hosting.Repo, branch string) string {
	return repo.String() + ":" + branch
}

func pullKey(repo hosting.Repo, number int) string {
	return fmt.Sprintf("%s#%d", repo, number)
}

// SetBranch points branch at a fresh root commit and returns its sha.
func (h *Host) SetBranch(repo hosting.Repo, branch string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	sha := h.newCommit("", nil)
	h.refs[refKey(repo, branch)] = sha
	return sha
}

// AddPull registers a pull request. Its head sha is generated when empty.
func (h *Host) AddPull(repo hosting.Repo, snap *pull.Snapshot) *pull.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := snap.Clone()
	if s.HeadSHA == "" {
		s.HeadSHA = fmt.Sprintf("head-%d", s.Number)
	}
	h.heads[s.HeadSHA] = s.Number
	h.pulls[pullKey(repo, s.Number)] = s
	return s.Clone()
}

// UpdatePull applies fn to a registered pull request.
func (h *Host) UpdatePull(repo hosting.Repo, number int, fn func(*pull.Snapshot)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.pulls[pullKey(repo, number)]; ok {
		fn(s)
		h.heads[s.HeadSHA] = s.Number
	}
}

// FailNext makes the next call of op return err.
func (h *Host) FailNext(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[op] = append(h.failures[op], err)
}

// PullsOn returns, in order, the pull requests contained in branch.
func (h *Host) PullsOn(repo hosting.Repo, branch string) []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.commits[h.refs[refKey(repo, branch)]].pulls...)
}

// HasBranch reports whether branch exists.
func (h *Host) HasBranch(repo hosting.Repo, branch string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.refs[refKey(repo, branch)]
	return ok
}

// Branches lists the branches of repo with the given prefix.
func (h *Host) Branches(repo hosting.Repo, prefix string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	p := refKey(repo, prefix)
	for k := range h.refs {
		if strings.HasPrefix(k, p) {
			out = append(out, strings.TrimPrefix(k, repo.String()+":"))
		}
	}
	sort.Strings(out)
	return out
}

// Calls returns the recorded calls.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// CountCalls counts the recorded calls of op.
func (h *Host) CountCalls(op string) int {
	n := 0
	for _, c := range h.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// CheckRequests returns the recorded check requests.
func (h *Host) CheckRequests() []hosting.CheckRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hosting.CheckRequest(nil), h.checkRequests...)
}

// Cancelled returns the car ids whose checks were cancelled.
func (h *Host) Cancelled() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.cancelled...)
}

// Comments returns the comments posted on a pull request.
func (h *Host) Comments(number int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.comments[number]...)
}

// Sticky returns the comment of a pull request carrying marker, without the
// marker.
func (h *Host) Sticky(number int, marker string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sticky[fmt.Sprintf("%d/%s", number, marker)]
}

// Statuses returns the statuses published on sha.
func (h *Host) Statuses(sha string) []hosting.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hosting.Status(nil), h.statuses[sha]...)
}

// Pull returns the current state of a registered pull request.
func (h *Host) Pull(repo hosting.Repo, number int) *pull.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.pulls[pullKey(repo, number)]; ok {
		return s.Clone()
	}
	return nil
}

func (h *Host) newCommit(parent string, pulls []int) string {
	h.seq++
	sha := fmt.Sprintf("%040x", h.seq)
	h.commits[sha] = commit{parent: parent, pulls: pulls}
	return sha
}

// begin records a call and pops an injected failure. Callers hold h.mu.
func (h *Host) begin(op string, repo hosting.Repo, number int, arg string) error {
	h.calls = append(h.calls, Call{Op: op, Repo: repo.String(), Number: number, Arg: arg})
	if q := h.failures[op]; len(q) > 0 {
		h.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func notFound(op string, what string) error {
	return &hosting.Error{Kind: hosting.KindPermanent, Op: op, StatusCode: http.StatusNotFound, Err: errors.New(what)}
}

func (h *Host) isAncestor(ancestor, sha string) bool {
	for sha != "" {
		if sha == ancestor {
			return true
		}
		sha = h.commits[sha].parent
	}
	return false
}

func (h *Host) PullRequest(_ context.Context, repo hosting.Repo, number int) (*pull.Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("pull_request", repo, number, ""); err != nil {
		return nil, err
	}
	s, ok := h.pulls[pullKey(repo, number)]
	if !ok {
		return nil, notFound("get pull request", fmt.Sprintf("pull request #%d", number))
	}
	c := s.Clone()
	if sha, ok := h.refs[refKey(repo, c.Base)]; ok {
		c.BaseSHA = sha
	}
	return c, nil
}

func (h *Host) BranchSHA(_ context.Context, repo hosting.Repo, branch string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("branch_sha", repo, 0, branch); err != nil {
		return "", err
	}
	sha, ok := h.refs[refKey(repo, branch)]
	if !ok {
		return "", notFound("get branch", branch)
	}
	return sha, nil
}

func (h *Host) CreateRef(_ context.Context, repo hosting.Repo, branch, sha string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("create_ref", repo, 0, branch); err != nil {
		return err
	}
	if _, ok := h.commits[sha]; !ok {
		return &hosting.Error{Kind: hosting.KindPermanent, Op: "create ref", StatusCode: http.StatusUnprocessableEntity, Err: fmt.Errorf("unknown sha %s", sha)}
	}
	h.refs[refKey(repo, branch)] = sha
	return nil
}

func (h *Host) UpdateRef(_ context.Context, repo hosting.Repo, branch, sha string, force bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("update_ref", repo, 0, branch); err != nil {
		return err
	}
	cur, ok := h.refs[refKey(repo, branch)]
	if !ok {
		return notFound("update ref", branch)
	}
	if !force && !h.isAncestor(cur, sha) {
		return &hosting.Error{Kind: hosting.KindPermanent, Op: "update ref", StatusCode: http.StatusUnprocessableEntity, Err: errors.New("update is not a fast forward")}
	}
	h.refs[refKey(repo, branch)] = sha
	return nil
}

func (h *Host) DeleteRef(_ context.Context, repo hosting.Repo, branch string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("delete_ref", repo, 0, branch); err != nil {
		return err
	}
	if _, ok := h.refs[refKey(repo, branch)]; !ok {
		return notFound("delete ref", branch)
	}
	delete(h.refs, refKey(repo, branch))
	return nil
}

func (h *Host) MergeIntoRef(_ context.Context, repo hosting.Repo, branch, head, _ string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("merge_into_ref", repo, 0, branch); err != nil {
		return "", err
	}
	base, ok := h.refs[refKey(repo, branch)]
	if !ok {
		return "", notFound("merge", branch)
	}
	number, ok := h.heads[head]
	if !ok {
		return "", notFound("merge", "head "+head)
	}
	if h.Conflicts[number] {
		return "", hosting.Conflict("merge", fmt.Errorf("pull request #%d conflicts with %s", number, branch))
	}
	pulls := append(append([]int(nil), h.commits[base].pulls...), number)
	sha := h.newCommit(base, pulls)
	h.refs[refKey(repo, branch)] = sha
	return sha, nil
}

func (h *Host) Merge(_ context.Context, repo hosting.Repo, number int, method hosting.MergeMethod, expectedHeadSHA string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("merge", repo, number, string(method)); err != nil {
		return "", err
	}
	s, ok := h.pulls[pullKey(repo, number)]
	if !ok {
		return "", notFound("merge", fmt.Sprintf("pull request #%d", number))
	}
	if expectedHeadSHA != "" && s.HeadSHA != expectedHeadSHA {
		return "", &hosting.Error{Kind: hosting.KindPermanent, Op: "merge", StatusCode: http.StatusConflict, Err: errors.New("head branch was modified")}
	}
	if h.Conflicts[number] {
		return "", hosting.Conflict("merge", fmt.Errorf("pull request #%d is not mergeable", number))
	}
	base := h.refs[refKey(repo, s.Base)]
	pulls := append(append([]int(nil), h.commits[base].pulls...), number)
	sha := h.newCommit(base, pulls)
	h.refs[refKey(repo, s.Base)] = sha
	s.Merged = true
	s.Closed = true
	return sha, nil
}

func (h *Host) UpdateBranch(_ context.Context, repo hosting.Repo, number int, rebase bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("update_branch", repo, number, fmt.Sprint(rebase)); err != nil {
		return err
	}
	s, ok := h.pulls[pullKey(repo, number)]
	if !ok {
		return notFound("update branch", fmt.Sprintf("pull request #%d", number))
	}
	h.seq++
	s.HeadSHA = fmt.Sprintf("head-%d-%d", number, h.seq)
	h.heads[s.HeadSHA] = number
	return nil
}

func (h *Host) RequestChecks(_ context.Context, repo hosting.Repo, req hosting.CheckRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("request_checks", repo, 0, req.CarID); err != nil {
		return err
	}
	h.checkRequests = append(h.checkRequests, req)
	return nil
}

func (h *Host) CancelChecks(_ context.Context, repo hosting.Repo, carID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("cancel_checks", repo, 0, carID); err != nil {
		return err
	}
	h.cancelled = append(h.cancelled, carID)
	return nil
}

func (h *Host) SetStatus(_ context.Context, repo hosting.Repo, sha string, status hosting.Status) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("set_status", repo, 0, status.Context); err != nil {
		return err
	}
	h.statuses[sha] = append(h.statuses[sha], status)
	return nil
}

func (h *Host) AddLabels(_ context.Context, repo hosting.Repo, number int, labels []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("add_labels", repo, number, strings.Join(labels, ",")); err != nil {
		return err
	}
	s, ok := h.pulls[pullKey(repo, number)]
	if !ok {
		return notFound("add labels", fmt.Sprintf("pull request #%d", number))
	}
	for _, l := range labels {
		if !s.HasLabel(l) {
			s.Labels = append(s.Labels, l)
		}
	}
	return nil
}

func (h *Host) RemoveLabel(_ context.Context, repo hosting.Repo, number int, label string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("remove_label", repo, number, label); err != nil {
		return err
	}
	s, ok := h.pulls[pullKey(repo, number)]
	if !ok {
		return notFound("remove label", fmt.Sprintf("pull request #%d", number))
	}
	kept := s.Labels[:0]
	for _, l := range s.Labels {
		if l != label {
			kept = append(kept, l)
		}
	}
	s.Labels = kept
	return nil
}

func (h *Host) PostComment(_ context.Context, repo hosting.Repo, number int, body string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("post_comment", repo, number, ""); err != nil {
		return err
	}
	h.comments[number] = append(h.comments[number], body)
	return nil
}

// UpsertComment keeps marked comments apart from Comments.
func (h *Host) UpsertComment(_ context.Context, repo hosting.Repo, number int, marker, body string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("upsert_comment", repo, number, marker); err != nil {
		return err
	}
	h.sticky[fmt.Sprintf("%d/%s", number, marker)] = body
	return nil
}

func (h *Host) RequestReviewers(_ context.Context, repo hosting.Repo, number int, users, teams []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("request_reviewers", repo, number, strings.Join(append(append([]string(nil), users...), teams...), ",")); err != nil {
		return err
	}
	s, ok := h.pulls[pullKey(repo, number)]
	if !ok {
		return notFound("request reviewers", fmt.Sprintf("pull request #%d", number))
	}
	s.RequestedReviewers = append(s.RequestedReviewers, users...)
	return nil
}

func (h *Host) Backport(_ context.Context, repo hosting.Repo, number int, branch string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("backport", repo, number, branch); err != nil {
		return 0, err
	}
	s, ok := h.pulls[pullKey(repo, number)]
	if !ok {
		return 0, notFound("backport", fmt.Sprintf("pull request #%d", number))
	}
	if _, ok := h.refs[refKey(repo, branch)]; !ok {
		return 0, notFound("backport", branch)
	}
	h.seq++
	bp := s.Clone()
	bp.Number = 1000 + h.seq
	bp.Base = branch
	bp.Title = fmt.Sprintf("%s (backport #%d)", s.Title, number)
	bp.HeadSHA = fmt.Sprintf("head-%d", bp.Number)
	bp.Merged, bp.Closed = false, false
	h.pulls[pullKey(repo, bp.Number)] = bp
	h.heads[bp.HeadSHA] = bp.Number
	return bp.Number, nil
}
