package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/holon-run/mergequeue/pkg/actions"
	"github.com/holon-run/mergequeue/pkg/condition"
	"github.com/holon-run/mergequeue/pkg/event"
	"github.com/holon-run/mergequeue/pkg/hosting"
	"github.com/holon-run/mergequeue/pkg/pull"
	"github.com/holon-run/mergequeue/pkg/queue"
	"github.com/holon-run/mergequeue/pkg/rules"
	"github.com/holon-run/mergequeue/pkg/train"
)

// cycle is the context of one processed event. It is created when the event
// is taken and discarded once the state is handed back to the scheduler.
type cycle struct {
	e     *Engine
	ctx   context.Context
	st    *State
	cfg   *rules.Config
	ev    event.Event
	now   time.Time
	queue *queue.Manager
	disp  *actions.Dispatcher
	env   *actions.Env
	log   *zap.SugaredLogger
	res   *Result

	flight singleflight.Group
	mu     sync.Mutex
	snaps  map[int]*pull.Snapshot
	// heads are the head shas read during the cycle.
	heads map[int]string
	// seen are the snapshots evaluated during the cycle.
	seen map[int]*pull.Snapshot

	removed []queue.Change
}

func (e *Engine) newCycle(ctx context.Context, st *State, cfg *rules.Config, ev event.Event) *cycle {
	now := e.Now()
	log := e.logger().With("repo", st.Repo.String(), "delivery", ev.DeliveryID)
	q := queue.Restore(st.Queue, cfg.Precedence())
	q.SetClock(e.Now)

	c := &cycle{
		e:     e,
		ctx:   ctx,
		st:    st,
		cfg:   cfg,
		ev:    ev,
		now:   now,
		queue: q,
		log:   log,
		res:   &Result{Reports: map[string]*train.Report{}},
		snaps: map[int]*pull.Snapshot{},
		heads: map[int]string{},
		seen:  map[int]*pull.Snapshot{},
	}
	q.Subscribe(func(ch queue.Change) {
		if ch.Kind == queue.ChangeDequeued {
			c.removed = append(c.removed, ch)
		}
	})

	c.disp = actions.NewDispatcher(e.Registry, st.Keys)
	c.disp.Retry = e.Retry
	c.disp.Log = log
	c.env = &actions.Env{
		Repo:     st.Repo,
		Provider: e.Provider,
		Queue:    q,
		Config:   cfg,
		Log:      log,
	}
	return c
}

func (c *cycle) handle(ev event.Event) error {
	switch ev.Kind {
	case event.KindPullRequest, event.KindReview:
		p, err := ev.PullRequest()
		if err != nil {
			return err
		}
		return c.evaluate(p.Number)

	case event.KindCheckRun:
		p, err := ev.CheckRun()
		if err != nil {
			return err
		}
		c.recordCheck(p)
		return c.evaluateAll(p.PullRequests)

	case event.KindPush:
		p, err := ev.Push()
		if err != nil {
			return err
		}
		if _, _, ok := train.ParseRefName(p.Branch); ok {
			return nil
		}
		// Pull requests based on the branch may no longer be up to date.
		var prs []int
		for _, e := range c.queue.SnapshotOrder(p.Branch) {
			prs = append(prs, e.PR)
		}
		return c.evaluateAll(prs)

	case event.KindComment:
		p, err := ev.Comment()
		if err != nil {
			return err
		}
		if cmd, ok := ParseCommand(c.e.CommandPrefix, p.Body); ok {
			if err := c.runCommand(p, cmd); err != nil {
				return err
			}
		}
		return c.evaluate(p.Number)

	case event.KindScheduleTick, event.KindRefresh:
		return c.evaluateAll(c.tracked())
	}
	return fmt.Errorf("%w: unhandled kind %s", event.ErrInvalid, ev.Kind)
}

// tracked returns every queued or watched pull request.
func (c *cycle) tracked() []int {
	seen := map[int]bool{}
	var prs []int
	for _, base := range c.queue.Bases() {
		for _, e := range c.queue.SnapshotOrder(base) {
			if !seen[e.PR] {
				seen[e.PR] = true
				prs = append(prs, e.PR)
			}
		}
	}
	for _, pr := range c.st.Watch {
		if !seen[pr] {
			seen[pr] = true
			prs = append(prs, pr)
		}
	}
	return prs
}

// recordCheck routes a check result to the car that asked for it. Results
// for cars that no longer exist or were rebuilt since are discarded.
func (c *cycle) recordCheck(p event.CheckRun) {
	_, _, fromCar := train.ParseRefName(p.Ref)
	bases := make([]string, 0, len(c.st.Trains))
	for base := range c.st.Trains {
		bases = append(bases, base)
	}
	sort.Strings(bases)

	for _, base := range bases {
		t := c.st.Trains[base]
		car, ok := t.CarByRef(p.Ref)
		if !ok {
			car, ok = t.CarBySHA(p.SHA)
		}
		if !ok {
			continue
		}
		if t.RecordCheck(c.cfg, car.ID, p.SHA, p.Name, p.State) {
			c.log.Debugw("check result recorded", "base", base, "car", car.ID, "check", p.Name, "state", p.State)
			return
		}
		fromCar = true
	}
	if fromCar {
		c.res.Discarded++
		c.log.Infow("discarding stale check result", "ref", p.Ref, "sha", p.SHA, "check", p.Name)
	}
}

// fetch reads a fresh snapshot, collapsing concurrent fetches of the same
// pull request.
func (c *cycle) fetch(ctx context.Context, number int) (*pull.Snapshot, error) {
	v, err, _ := c.flight.Do(strconv.Itoa(number), func() (any, error) {
		var snap *pull.Snapshot
		err := c.e.Retry.Do(ctx, func(ctx context.Context) error {
			s, err := c.e.Provider.PullRequest(ctx, c.st.Repo, number)
			snap = s
			return err
		})
		if err != nil {
			return nil, err
		}
		snap.EvaluatedAt = c.now
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pull.Snapshot), nil
}

// prefetch fetches the snapshots of prs in parallel. Failures are left for
// evaluate to report.
func (c *cycle) prefetch(prs []int) {
	if len(prs) < 2 {
		return
	}
	var g errgroup.Group
	g.SetLimit(max(1, c.e.Concurrency))
	for _, pr := range prs {
		pr := pr
		g.Go(func() error {
			snap, err := c.fetch(c.ctx, pr)
			if err == nil {
				c.mu.Lock()
				c.snaps[pr] = snap
				c.mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
}

// snapshot returns a prefetched snapshot once, or fetches a fresh one.
func (c *cycle) snapshot(pr int) (*pull.Snapshot, error) {
	c.mu.Lock()
	snap, ok := c.snaps[pr]
	delete(c.snaps, pr)
	c.mu.Unlock()
	if ok {
		return snap, nil
	}
	return c.fetch(c.ctx, pr)
}

func (c *cycle) evaluateAll(prs []int) error {
	c.prefetch(prs)
	var errs []error
	for _, pr := range prs {
		if err := c.evaluate(pr); err != nil {
			if retryable(err) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// evaluate runs the rules of one pull request and checks that its queue
// entry is still deserved.
func (c *cycle) evaluate(pr int) error {
	snap, err := c.snapshot(pr)
	if err != nil {
		if retryable(err) || c.ctx.Err() != nil {
			return err
		}
		c.log.Warnw("failed to read pull request", "pr", pr, "error", err)
		c.st.unwatch(pr)
		if e, ok := c.queue.Find(pr); ok {
			c.dequeue(e, queue.ReasonPermanentError)
		}
		if errors.Is(err, hosting.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to read pull request #%d: %w", pr, err)
	}
	c.heads[pr] = snap.HeadSHA
	c.seen[pr] = snap

	if e, ok := c.queue.Find(pr); ok {
		switch {
		case snap.Merged || snap.Closed:
			c.dequeue(e, queue.ReasonClosed)
		case e.Base != snap.Base:
			c.dequeue(e, queue.ReasonBaseChanged)
		}
	}

	outcomes := c.disp.Run(c.ctx, c.env, snap)
	c.res.Outcomes = append(c.res.Outcomes, outcomes...)
	for _, o := range outcomes {
		if o.Status == actions.StatusFailure && !o.Skipped {
			c.reportFailure(o)
		}
	}

	c.checkQueueConditions(snap)

	pending := false
	for _, o := range outcomes {
		if o.Status == actions.StatusPending {
			pending = true
		}
	}
	if !pending {
		for _, r := range c.cfg.Rules {
			if condition.Evaluate(r.Conditions, snap) == condition.Pending {
				pending = true
				break
			}
		}
	}
	if pending && !snap.Closed && !snap.Merged {
		c.st.watch(pr)
	} else {
		c.st.unwatch(pr)
	}
	return nil
}

// reportFailure comments once on a pull request whose action failed. The
// failure is recorded with the action key so later cycles skip it.
func (c *cycle) reportFailure(o actions.Outcome) {
	body := fmt.Sprintf("Rule `%s` failed to apply action `%s`: %s.", o.Rule, o.Action, o.Reason)
	if err := c.reply(o.PR, body); err != nil {
		c.log.Warnw("failed to report action failure", "pr", o.PR, "action", o.Action, "error", err)
	}
}

// checkQueueConditions dequeues a pull request whose queue conditions turned
// False. Pending keeps it queued.
func (c *cycle) checkQueueConditions(snap *pull.Snapshot) {
	e, ok := c.queue.Find(snap.Number)
	if !ok {
		return
	}
	qr, ok := c.cfg.QueueRule(e.Rule)
	if !ok {
		c.dequeue(e, queue.ReasonRuleRemoved)
		return
	}
	if condition.Evaluate(qr.Conditions, snap) != condition.False {
		return
	}
	c.dequeue(e, queue.ReasonConditionNoLongerMet)
	// Let the queue action run again once the conditions recover.
	c.st.Keys.Forget(actions.ActionPrefix(snap.Number, "queue"))
}

func (c *cycle) dequeue(e queue.Entry, reason queue.Reason) {
	if _, err := c.queue.Dequeue(e.PR, e.Base, reason); err != nil {
		return
	}
	c.log.Infow("pull request dequeued", "pr", e.PR, "base", e.Base, "reason", reason)
}

// refreshTrains advances the train of every base branch with a queue or a
// train. A failing train does not stop the others.
func (c *cycle) refreshTrains() error {
	bases := map[string]bool{}
	for _, b := range c.queue.Bases() {
		bases[b] = true
	}
	for b := range c.st.Trains {
		bases[b] = true
	}
	sorted := make([]string, 0, len(bases))
	for b := range bases {
		sorted = append(sorted, b)
	}
	sort.Strings(sorted)

	var errs []error
	for _, base := range sorted {
		t, ok := c.st.Trains[base]
		if !ok {
			t = train.New(c.st.Repo, base)
		}
		report, err := t.Refresh(c.ctx, train.Deps{
			Provider: c.e.Provider,
			Queue:    c.queue,
			Rules:    c.cfg,
			Pull:     c.fetch,
			Heads:    c.heads,
			Now:      c.e.Now,
			NewID:    c.e.NewID,
			Log:      c.log.With("base", base),
		})
		if report != nil {
			c.res.Reports[base] = report
			c.res.wake(report.WakeAt)
		}
		if t.Empty() && c.queue.Len(base) == 0 {
			delete(c.st.Trains, base)
		} else {
			c.st.Trains[base] = t
		}
		if err != nil {
			c.log.Warnw("train refresh failed", "base", base, "error", err)
			errs = append(errs, fmt.Errorf("train %s: %w", base, err))
		}
	}
	return errors.Join(errs...)
}

// notify reports removals on the affected pull requests.
func (c *cycle) notify() {
	details := map[int]string{}
	for _, report := range c.res.Reports {
		for _, r := range report.Dequeued {
			details[r.PR] = r.Detail
		}
	}
	for _, ch := range c.removed {
		removal := train.Removal{PR: ch.Entry.PR, Reason: ch.Reason, Detail: details[ch.Entry.PR]}
		c.res.Dequeued = append(c.res.Dequeued, removal)

		what, ok := notifiable[ch.Reason]
		if !ok {
			continue
		}
		body := fmt.Sprintf("This pull request has been removed from the merge queue because %s.", what)
		if removal.Detail != "" {
			body += "\n\n" + removal.Detail
		}
		body = c.e.Redactor.String(body)
		err := c.e.Retry.Do(c.ctx, func(ctx context.Context) error {
			return c.e.Provider.PostComment(ctx, c.st.Repo, removal.PR, body)
		})
		if err != nil {
			c.log.Warnw("failed to report removal", "pr", removal.PR, "error", err)
		}
	}
}

func (c *cycle) finish() {
	c.st.Queue = c.queue.State()
	c.st.UpdatedAt = c.now.UTC()
	c.st.WakeAt = c.res.WakeAt
}
