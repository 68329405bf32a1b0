package train

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/holon-run/mergequeue/pkg/hosting"
	"github.com/holon-run/mergequeue/pkg/pull"
	"github.com/holon-run/mergequeue/pkg/queue"
)

func isNotFound(err error) bool {
	return errors.Is(err, hosting.ErrNotFound)
}

func (t *Train) ensureMaps() {
	if t.Cars == nil {
		t.Cars = map[string]*Car{}
	}
	if t.Groups == nil {
		t.Groups = map[string]*Group{}
	}
}

// dequeue removes pr from the queue on behalf of the train.
func (t *Train) dequeue(d Deps, r *Report, pr int, reason queue.Reason, detail string) {
	if _, err := d.Queue.Dequeue(pr, t.Base, reason); err != nil {
		return
	}
	d.Log.Infow("pull request dequeued", "pr", pr, "reason", reason, "detail", detail)
	r.Dequeued = append(r.Dequeued, Removal{PR: pr, Reason: reason, Detail: detail})
}

// handleFailures processes failed cars front to back. Cars behind a failed
// car are dropped since they were built on top of it. A failed car is only
// acted upon once every car ahead of it (outside its bisection group) has
// succeeded, since an earlier failure would explain it.
func (t *Train) handleFailures(ctx context.Context, d Deps, r *Report) error {
	t.ensureMaps()
	for {
		idx := -1
		for i, c := range t.List() {
			if c.State == StateFailed {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil
		}
		car := t.Cars[t.Order[idx]]

		end := idx + 1
		for end < len(t.Order) && car.Group != "" && t.Cars[t.Order[end]].Group == car.Group {
			end++
		}
		t.invalidateFrom(ctx, d, r, end)

		for _, c := range t.List()[:idx] {
			if c.State != StateSucceeded && (c.Group == "" || c.Group != car.Group) {
				return nil
			}
		}

		switch {
		case car.FailureReason == ReasonPermanentError && car.FailedPR == 0:
			// No culprit can be found: every entry is blocked.
			t.discard(ctx, d, car)
			t.removeAt(idx)
			for _, pr := range car.Entries {
				t.dequeue(d, r, pr, queue.ReasonPermanentError, "the merge queue could not validate this pull request")
			}

		case car.FailedPR != 0:
			// The culprit is known: drop it and rebuild the rest.
			t.discard(ctx, d, car)
			t.dequeue(d, r, car.FailedPR, dequeueReason(car.FailureReason), failureDetail(car))
			rest := without(car.Entries, car.FailedPR)
			if len(rest) == 0 {
				t.removeAt(idx)
				break
			}
			car.Entries = rest
			t.rekey(idx, d.NewID())

		case len(car.Entries) == 1:
			t.discard(ctx, d, car)
			t.removeAt(idx)
			t.dequeue(d, r, car.Entries[0], dequeueReason(car.FailureReason), failureDetail(car))

		default:
			t.split(ctx, d, r, idx)
		}
		t.pruneGroups()
		t.freeze(d)
	}
}

// split replaces the failed multi-entry car at idx by its two halves, both
// validated from the failed car's own starting point.
func (t *Train) split(ctx context.Context, d Deps, r *Report, idx int) {
	car := t.Cars[t.Order[idx]]
	group := car.Group
	if group == "" {
		group = d.NewID()
		t.Groups[group] = &Group{ID: group, Origin: append([]int(nil), car.Entries...)}
	}
	half := (len(car.Entries) + 1) / 2
	left := t.newCar(d, append([]int(nil), car.Entries[:half]...), car.Rule, group)
	right := t.newCar(d, append([]int(nil), car.Entries[half:]...), car.Rule, group)
	left.Parents = car.Parents
	right.Parents = car.Parents

	d.Log.Infow("bisecting failed car", "car", car.ID, "left", left.Entries, "right", right.Entries, "reason", car.FailureReason)
	t.discard(ctx, d, car)
	delete(t.Cars, car.ID)
	t.Cars[left.ID] = left
	t.Cars[right.ID] = right
	order := append([]string(nil), t.Order[:idx]...)
	order = append(order, left.ID, right.ID)
	t.Order = append(order, t.Order[idx+1:]...)
	r.Split = append(r.Split, car.ID)
}

// resolveGroups dissolves bisection groups whose members all succeeded: the
// failure was an interaction between entries, which are then re-batched one
// per car and validated in sequence.
func (t *Train) resolveGroups(ctx context.Context, d Deps) {
	for id := range t.Groups {
		members := 0
		done := true
		for _, c := range t.List() {
			if c.Group != id {
				continue
			}
			members++
			if c.State != StateSucceeded {
				done = false
			}
		}
		if members == 0 {
			delete(t.Groups, id)
			continue
		}
		if !done {
			continue
		}
		var order []string
		for _, cid := range t.Order {
			c := t.Cars[cid]
			if c.Group != id {
				order = append(order, cid)
				continue
			}
			c.Group = ""
			if len(c.Entries) == 1 {
				order = append(order, cid)
				continue
			}
			t.discard(ctx, d, c)
			for _, pr := range c.Entries {
				single := t.newCar(d, []int{pr}, c.Rule, "")
				single.Parents = c.Parents
				t.Cars[single.ID] = single
				order = append(order, single.ID)
			}
			delete(t.Cars, cid)
		}
		t.Order = order
		delete(t.Groups, id)
	}
}

// mergeHead merges succeeded cars at the head of the train.
func (t *Train) mergeHead(ctx context.Context, d Deps, r *Report) error {
	for len(t.Order) > 0 {
		car := t.Cars[t.Order[0]]
		if car.State != StateSucceeded || car.Group != "" || car.BuiltOn != t.BaseSHA {
			return nil
		}
		rule, ok := d.Rules.QueueRule(car.Rule)
		if !ok {
			return nil
		}
		if !rule.Active(d.Now()) {
			d.Log.Debugw("queue rule outside of its schedule, holding merge", "car", car.ID, "rule", car.Rule)
			return nil
		}

		var newSHA string
		var err error
		if car.Inplace {
			newSHA, err = d.Provider.Merge(ctx, t.Repo, car.Entries[0], rule.MergeMethod, car.SHA)
		} else {
			err = d.Provider.UpdateRef(ctx, t.Repo, t.Base, car.SHA, false)
			newSHA = car.SHA
		}
		if err != nil {
			if hosting.IsTransient(err) {
				return fmt.Errorf("failed to merge car %s: %w", car.ID, err)
			}
			current, shaErr := d.Provider.BranchSHA(ctx, t.Repo, t.Base)
			if shaErr != nil {
				return fmt.Errorf("failed to read base branch %s: %w", t.Base, shaErr)
			}
			if current != t.BaseSHA {
				// The base moved under us; the stale walk rebuilds the car.
				t.BaseSHA = current
				return nil
			}
			d.Log.Warnw("failed to merge car", "car", car.ID, "error", err)
			car.fail(ReasonPermanentError, 0)
			if car.Inplace || len(car.Entries) == 1 {
				car.FailedPR = car.Entries[0]
			}
			return nil
		}

		d.Log.Infow("car merged", "car", car.ID, "prs", car.Entries, "sha", newSHA)
		t.BaseSHA = newSHA
		if !car.Inplace && car.Ref != "" {
			if err := d.Provider.DeleteRef(ctx, t.Repo, car.Ref); err != nil && !isNotFound(err) {
				d.Log.Warnw("failed to delete speculative ref", "car", car.ID, "error", err)
			}
		}
		t.removeAt(0)
		for _, pr := range car.Entries {
			if _, err := d.Queue.Dequeue(pr, t.Base, queue.ReasonMerged); err != nil {
				d.Log.Warnw("merged pull request was not queued", "pr", pr)
			}
		}
		r.Merged = append(r.Merged, Merged{CarID: car.ID, PRs: append([]int(nil), car.Entries...), SHA: newSHA})
	}
	return nil
}

// expectedStarts returns, for each car in order, the sha it must be built on:
// the previous car's speculative sha, the base tip for the head car, and the
// group's starting point for bisection group members. An empty string means
// the predecessor has not been built yet.
func (t *Train) expectedStarts() []string {
	starts := make([]string, len(t.Order))
	prev := t.BaseSHA
	group, groupStart := "", ""
	for i, c := range t.List() {
		if c.Group != "" {
			if c.Group != group {
				group, groupStart = c.Group, prev
			}
			starts[i] = groupStart
			continue
		}
		group = ""
		starts[i] = prev
		prev = c.SHA
	}
	return starts
}

func checkStart(c *Car, expected string) error {
	if c.State == StateCreated || c.BuiltOn == expected {
		return nil
	}
	return fmt.Errorf("car %s built on %s, expected %s: %w", c.ID, c.BuiltOn, expected, ErrStaleReference)
}

// markStale sends cars whose starting point changed back to Created.
func (t *Train) markStale(ctx context.Context, d Deps, r *Report) {
	starts := t.expectedStarts()
	for i, c := range t.List() {
		err := checkStart(c, starts[i])
		if !errors.Is(err, ErrStaleReference) {
			continue
		}
		d.Log.Infow("rebuilding stale car", "car", c.ID, "error", err)
		t.discard(ctx, d, c)
		r.Invalidated = append(r.Invalidated, c.ID)
		t.rekey(i, d.NewID())
		// The sha of this car is gone, so every following car is stale too.
		starts = t.expectedStarts()
	}
}

// populate builds new cars from the queue tail, up to speculative_checks
// cars. Nothing is built while a failure is being isolated.
func (t *Train) populate(ctx context.Context, d Deps, r *Report) {
	if len(t.Groups) > 0 {
		return
	}
	for _, c := range t.List() {
		if c.State == StateFailed {
			return
		}
	}

	order := d.Queue.SnapshotOrder(t.Base)
	if len(order) == 0 {
		return
	}
	headRule, ok := d.Rules.QueueRule(order[0].Rule)
	if !ok {
		return
	}
	limit := headRule.SpeculativeChecks
	if len(t.Order) > limit {
		d.Log.Infow("speculative checks reduced, slicing train", "cars", len(t.Order), "limit", limit)
		t.invalidateFrom(ctx, d, r, limit)
		return
	}

	tail := t.Tail(order)
	now := d.Now()
	for len(t.Order) < limit && len(tail) > 0 {
		first := tail[0]
		rule, ok := d.Rules.QueueRule(first.Rule)
		if !ok || !rule.Active(now) {
			return
		}
		n := 0
		for n < len(tail) && n < rule.BatchSize && tail[n].Rule == first.Rule {
			n++
		}
		if n < rule.BatchSize && rule.BatchMaxWaitTime > 0 {
			ready := first.EnqueuedAt.Add(rule.BatchMaxWaitTime)
			if now.Before(ready) {
				r.wake(ready)
				return
			}
		}

		entries := make([]int, 0, n)
		for _, e := range tail[:n] {
			entries = append(entries, e.PR)
		}
		car := t.newCar(d, entries, first.Rule, "")
		for _, ahead := range t.List() {
			car.Parents = append(car.Parents, ahead.Entries...)
		}
		t.Cars[car.ID] = car
		t.Order = append(t.Order, car.ID)
		d.Log.Infow("car created", "car", car.ID, "prs", entries, "rule", first.Rule)
		tail = tail[n:]
	}
}

// startCars builds the speculative refs of Created cars and requests their
// checks, in train order.
func (t *Train) startCars(ctx context.Context, d Deps, r *Report) error {
	starts := t.expectedStarts()
	for i, c := range t.List() {
		if c.State != StateCreated {
			continue
		}
		if starts[i] == "" {
			// The predecessor is not built yet.
			return nil
		}
		if err := t.start(ctx, d, r, i, c, starts[i]); err != nil {
			return err
		}
		if c.State == StateFailed {
			return nil
		}
		starts = t.expectedStarts()
	}
	return nil
}

func (t *Train) start(ctx context.Context, d Deps, r *Report, i int, c *Car, start string) error {
	rule, ok := d.Rules.QueueRule(c.Rule)
	if !ok {
		return nil
	}
	c.BuiltOn = start
	c.Checks = map[string]pull.CheckState{}
	c.Heads = map[int]string{}

	if i == 0 && c.Group == "" && len(c.Entries) == 1 && rule.AllowInplaceChecks {
		snap, err := d.Pull(ctx, c.Entries[0])
		if err != nil {
			return t.startError(c, c.Entries[0], err)
		}
		if snap.UpToDate && snap.Base == t.Base && start == t.BaseSHA {
			c.Inplace = true
			c.Ref = snap.Head
			c.SHA = snap.HeadSHA
			recordHead(d, c, c.Entries[0], snap.HeadSHA)
		}
	}

	if !c.Inplace {
		c.Ref = RefName(t.Base, c.ID)
		if err := d.Provider.CreateRef(ctx, t.Repo, c.Ref, start); err != nil {
			return t.startError(c, 0, err)
		}
		sha := start
		for _, pr := range c.Entries {
			snap, err := d.Pull(ctx, pr)
			if err != nil {
				return t.startError(c, pr, err)
			}
			msg := fmt.Sprintf("Merge #%d into %s", pr, c.Ref)
			sha, err = d.Provider.MergeIntoRef(ctx, t.Repo, c.Ref, snap.HeadSHA, msg)
			if err != nil {
				return t.startError(c, pr, err)
			}
			recordHead(d, c, pr, snap.HeadSHA)
		}
		c.SHA = sha
	}

	req := hosting.CheckRequest{CarID: c.ID, Ref: c.Ref, SHA: c.SHA, Checks: rule.RequiredChecks}
	if err := d.Provider.RequestChecks(ctx, t.Repo, req); err != nil {
		return t.startError(c, 0, err)
	}
	c.ChecksRequested = true
	c.State = StateAwaitingChecks
	if rule.ChecksTimeout > 0 {
		c.Deadline = d.Now().Add(rule.ChecksTimeout)
	}
	if !rule.AllowChecksInterruption {
		t.freeze(d)
	}
	d.Log.Infow("car checks requested", "car", c.ID, "prs", c.Entries, "sha", c.SHA, "inplace", c.Inplace)
	c.evaluate(rule.RequiredChecks)
	r.Started = append(r.Started, c)
	return nil
}

func recordHead(d Deps, c *Car, pr int, sha string) {
	c.Heads[pr] = sha
	if d.Heads != nil {
		d.Heads[pr] = sha
	}
}

// startError turns a failure while building a car into a car failure, or
// returns it when it is transient so that the cycle is retried.
func (t *Train) startError(c *Car, pr int, err error) error {
	switch {
	case hosting.IsTransient(err):
		return fmt.Errorf("failed to build car %s: %w", c.ID, err)
	case hosting.IsConflict(err):
		c.fail(ReasonUnmergeable, pr)
	case hosting.IsPermanent(err):
		c.fail(ReasonPermanentError, pr)
	default:
		return fmt.Errorf("failed to build car %s: %w", c.ID, err)
	}
	return nil
}

func failureDetail(c *Car) string {
	switch c.FailureReason {
	case ReasonTimeout:
		return "required checks did not complete in time"
	case ReasonUnmergeable:
		return "the pull request conflicts with the pull requests ahead of it"
	case ReasonPermanentError:
		return "the hosting provider rejected an operation on this pull request"
	}
	var failed []string
	for name, st := range c.Checks {
		if st.Failed() {
			failed = append(failed, name)
		}
	}
	if len(failed) == 0 {
		return "required checks failed"
	}
	return "required checks failed: " + joinSorted(failed)
}

// rekey resets the car at position i under a new id.
func (t *Train) rekey(i int, id string) {
	c := t.Cars[t.Order[i]]
	delete(t.Cars, c.ID)
	c.reset(id)
	t.Cars[id] = c
	t.Order[i] = id
}

func joinSorted(names []string) string {
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func without(list []int, v int) []int {
	out := make([]int, 0, len(list))
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
