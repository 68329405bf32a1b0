// Package train builds speculative batches ("cars") out of a base branch
// queue, drives their validation and fast-forwards the base branch to the
// cars that passed, strictly in train order.
//
// A car's speculative ref starts from the previous car's speculative sha, or
// from the base tip for the head car, and merges each of the car's pull
// requests on top. When the head car succeeds and still starts from the real
// base tip, the base branch is fast-forwarded to the car's sha, which leaves
// every following car valid.
package train

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/holon-run/mergequeue/pkg/hosting"
	mqlog "github.com/holon-run/mergequeue/pkg/log"
	"github.com/holon-run/mergequeue/pkg/pull"
	"github.com/holon-run/mergequeue/pkg/queue"
	"github.com/holon-run/mergequeue/pkg/rules"
)

// RefPrefix prefixes every speculative branch.
const RefPrefix = "mergequeue/"

// maxPasses bounds the number of refresh passes run until the train settles.
const maxPasses = 8

// RuleSource resolves queue rules by name.
type RuleSource interface {
	QueueRule(name string) (*rules.QueueRule, bool)
}

// Deps are the collaborators of a refresh. They are scoped to one processing
// cycle and never stored in the train.
type Deps struct {
	Provider hosting.Provider
	Queue    *queue.Manager
	Rules    RuleSource
	// Pull fetches a pull request snapshot. Defaults to Provider.PullRequest.
	Pull func(ctx context.Context, number int) (*pull.Snapshot, error)
	// Heads holds the latest known head sha of pull requests. A car carrying
	// a pull request at another head is rebuilt. Building a car records the
	// heads it merged.
	Heads map[int]string
	Now   func() time.Time
	NewID func() string
	Log   *zap.SugaredLogger
}

// Group is a bisection group: cars validated independently from the same
// starting point while the culprit of a failed batch is searched for.
type Group struct {
	ID string `json:"id"`
	// Origin lists the entries of the batch whose failure opened the group.
	Origin []int `json:"origin"`
}

// Train is the merge train of one base branch.
type Train struct {
	Repo    hosting.Repo      `json:"repo"`
	Base    string            `json:"base"`
	BaseSHA string            `json:"base_sha,omitempty"`
	Cars    map[string]*Car   `json:"cars"`
	Order   []string          `json:"order"`
	Groups  map[string]*Group `json:"groups,omitempty"`
}

// Merged describes one car merged into the base branch.
type Merged struct {
	CarID string
	PRs   []int
	SHA   string
}

// Removal describes a pull request the train removed from the queue.
type Removal struct {
	PR     int
	Reason queue.Reason
	Detail string
}

// Report summarizes what a refresh did.
type Report struct {
	Merged      []Merged
	Dequeued    []Removal
	Started     []*Car
	Invalidated []string
	Split       []string
	// WakeAt is the earliest time at which a refresh has something to do
	// without any new event: a check deadline or a batch wait expiring.
	WakeAt time.Time
}

func (r *Report) wake(at time.Time) {
	if at.IsZero() {
		return
	}
	if r.WakeAt.IsZero() || at.Before(r.WakeAt) {
		r.WakeAt = at
	}
}

// New returns an empty train.
func New(repo hosting.Repo, base string) *Train {
	return &Train{Repo: repo, Base: base, Cars: map[string]*Car{}, Groups: map[string]*Group{}}
}

func (d Deps) withDefaults(t *Train) Deps {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if d.Log == nil {
		d.Log = mqlog.With("repo", t.Repo.String(), "base", t.Base)
	}
	if d.Pull == nil {
		d.Pull = func(ctx context.Context, number int) (*pull.Snapshot, error) {
			return d.Provider.PullRequest(ctx, t.Repo, number)
		}
	}
	return d
}

// List returns the cars in train order.
func (t *Train) List() []*Car {
	out := make([]*Car, 0, len(t.Order))
	for _, id := range t.Order {
		out = append(out, t.Cars[id])
	}
	return out
}

// Empty reports whether the train has no cars.
func (t *Train) Empty() bool {
	return len(t.Order) == 0
}

// CarOf returns the car carrying pr.
func (t *Train) CarOf(pr int) (*Car, bool) {
	for _, c := range t.List() {
		if c.Contains(pr) {
			return c, true
		}
	}
	return nil, false
}

// CarBySHA returns the car validating sha.
func (t *Train) CarBySHA(sha string) (*Car, bool) {
	if sha == "" {
		return nil, false
	}
	for _, c := range t.List() {
		if c.SHA == sha {
			return c, true
		}
	}
	return nil, false
}

// CarByRef returns the car whose speculative ref is ref.
func (t *Train) CarByRef(ref string) (*Car, bool) {
	for _, c := range t.List() {
		if c.Ref != "" && c.Ref == ref {
			return c, true
		}
	}
	return nil, false
}

// Tail returns the entries of order that are not carried by any car.
func (t *Train) Tail(order []queue.Entry) []queue.Entry {
	carried := map[int]bool{}
	for _, c := range t.List() {
		for _, pr := range c.Entries {
			carried[pr] = true
		}
	}
	var tail []queue.Entry
	for _, e := range order {
		if !carried[e.PR] {
			tail = append(tail, e)
		}
	}
	return tail
}

// RefName returns the speculative branch of a car.
func RefName(base, carID string) string {
	return RefPrefix + base + "/" + carID
}

// ParseRefName extracts the car id from a speculative branch name.
func ParseRefName(ref string) (base, carID string, ok bool) {
	rest, ok := strings.CutPrefix(strings.TrimPrefix(ref, "refs/heads/"), RefPrefix)
	if !ok {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// RecordCheck stores a check result reported for carID at sha. Results for
// unknown cars, outdated shas or cars that are no longer awaiting checks are
// discarded; the return value reports whether the result was used.
func (t *Train) RecordCheck(rs RuleSource, carID, sha, name string, state pull.CheckState) bool {
	car, ok := t.Cars[carID]
	if !ok || car.SHA == "" || car.SHA != sha || car.State != StateAwaitingChecks {
		return false
	}
	if car.Checks == nil {
		car.Checks = map[string]pull.CheckState{}
	}
	car.Checks[name] = state
	if rule, ok := rs.QueueRule(car.Rule); ok {
		car.evaluate(rule.RequiredChecks)
	}
	return true
}

// Refresh brings the train in line with the queue and the base branch, then
// advances it: expired cars fail, failed batches are bisected, succeeded head
// cars are merged, stale cars are rebuilt and new cars are built.
func (t *Train) Refresh(ctx context.Context, d Deps) (*Report, error) {
	d = d.withDefaults(t)
	t.ensureMaps()
	r := &Report{}

	sha, err := d.Provider.BranchSHA(ctx, t.Repo, t.Base)
	if err != nil {
		return r, fmt.Errorf("failed to read base branch %s: %w", t.Base, err)
	}
	if t.BaseSHA != "" && sha != t.BaseSHA {
		d.Log.Infow("base branch moved", "from", t.BaseSHA, "to", sha)
	}
	t.BaseSHA = sha

	for pass := 0; pass < maxPasses; pass++ {
		before := t.fingerprint(d)

		t.freeze(d)
		t.sync(ctx, d, r)
		t.expire(d)
		if err := t.handleFailures(ctx, d, r); err != nil {
			return r, err
		}
		t.resolveGroups(ctx, d)
		if err := t.mergeHead(ctx, d, r); err != nil {
			return r, err
		}
		t.markStale(ctx, d, r)
		t.populate(ctx, d, r)
		if err := t.startCars(ctx, d, r); err != nil {
			return r, err
		}
		t.freeze(d)

		if t.fingerprint(d) == before {
			break
		}
	}

	for _, c := range t.List() {
		if c.State == StateAwaitingChecks {
			r.wake(c.Deadline)
		}
	}
	return r, nil
}

func (t *Train) fingerprint(d Deps) string {
	var b strings.Builder
	b.WriteString(t.BaseSHA)
	for _, c := range t.List() {
		fmt.Fprintf(&b, "|%s:%s:%s:%s", c.ID, c.State, c.SHA, c.Group)
	}
	fmt.Fprintf(&b, "|q%d", d.Queue.Len(t.Base))
	return b.String()
}

// sync invalidates the first car that no longer mirrors the queue, or that
// carries a pull request whose head moved, and every car after it. Cars ahead
// of the mutation are left untouched.
func (t *Train) sync(ctx context.Context, d Deps, r *Report) {
	order := d.Queue.SnapshotOrder(t.Base)
	pos := 0
	for i, c := range t.List() {
		if pr, moved := c.movedHead(d.Heads); moved {
			d.Log.Infow("pull request head moved, invalidating", "car", c.ID, "pr", pr, "built", c.Heads[pr], "head", d.Heads[pr])
			t.invalidateFrom(ctx, d, r, i)
			return
		}
		n := len(c.Entries)
		if pos+n > len(order) || !sameEntries(c.Entries, order[pos:pos+n]) {
			d.Log.Infow("queue changed behind car, invalidating", "car", c.ID, "position", i)
			t.invalidateFrom(ctx, d, r, i)
			return
		}
		pos += n
	}
}

func sameEntries(prs []int, entries []queue.Entry) bool {
	for i, e := range entries {
		if prs[i] != e.PR {
			return false
		}
	}
	return true
}

// invalidateFrom drops the cars from position i to the end. Their entries
// return to the queue tail.
func (t *Train) invalidateFrom(ctx context.Context, d Deps, r *Report, i int) {
	if i >= len(t.Order) {
		return
	}
	for _, id := range t.Order[i:] {
		c := t.Cars[id]
		t.discard(ctx, d, c)
		delete(t.Cars, id)
		r.Invalidated = append(r.Invalidated, id)
	}
	t.Order = t.Order[:i]
	t.pruneGroups()
	t.freeze(d)
}

// freeze pins the entries of every car up to the last one that may not be
// interrupted, in train order, ahead of the rest of the queue. Entries of
// cars ahead of such a car are pinned too so that freezing never moves an
// entry past a car.
func (t *Train) freeze(d Deps) {
	last := -1
	for i, c := range t.List() {
		if !c.ChecksRequested || (c.State != StateAwaitingChecks && c.State != StateSucceeded) {
			continue
		}
		if rule, ok := d.Rules.QueueRule(c.Rule); ok && !rule.AllowChecksInterruption {
			last = i
		}
	}
	var prs []int
	for _, c := range t.List()[:last+1] {
		prs = append(prs, c.Entries...)
	}
	d.Queue.Freeze(t.Base, prs)
}

// discard releases the external resources of a car: outstanding check
// requests are cancelled and the speculative ref is deleted. Both are best
// effort.
func (t *Train) discard(ctx context.Context, d Deps, c *Car) {
	if c.Outstanding() {
		if err := d.Provider.CancelChecks(ctx, t.Repo, c.ID); err != nil {
			d.Log.Warnw("failed to cancel checks", "car", c.ID, "error", err)
		}
	}
	if !c.Inplace && c.Ref != "" {
		if err := d.Provider.DeleteRef(ctx, t.Repo, c.Ref); err != nil && !isNotFound(err) {
			d.Log.Warnw("failed to delete speculative ref", "car", c.ID, "ref", c.Ref, "error", err)
		}
	}
}

func (t *Train) removeAt(i int) {
	delete(t.Cars, t.Order[i])
	t.Order = append(t.Order[:i:i], t.Order[i+1:]...)
}

func (t *Train) indexOf(id string) int {
	for i, x := range t.Order {
		if x == id {
			return i
		}
	}
	return -1
}

func (t *Train) pruneGroups() {
	live := map[string]bool{}
	for _, c := range t.List() {
		if c.Group != "" {
			live[c.Group] = true
		}
	}
	for id := range t.Groups {
		if !live[id] {
			delete(t.Groups, id)
		}
	}
}

func (t *Train) expire(d Deps) {
	now := d.Now()
	for _, c := range t.List() {
		if c.State == StateAwaitingChecks && !c.Deadline.IsZero() && !now.Before(c.Deadline) {
			d.Log.Infow("car timed out", "car", c.ID, "prs", c.Entries)
			c.fail(ReasonTimeout, 0)
		}
	}
}

func (t *Train) newCar(d Deps, entries []int, rule, group string) *Car {
	return &Car{
		ID:        d.NewID(),
		Entries:   entries,
		Rule:      rule,
		Group:     group,
		State:     StateCreated,
		CreatedAt: d.Now().UTC(),
	}
}
