package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/holon-run/mergequeue/pkg/condition"
	"github.com/holon-run/mergequeue/pkg/hosting"
	"github.com/holon-run/mergequeue/pkg/pull"
	"github.com/holon-run/mergequeue/pkg/queue"
	"github.com/holon-run/mergequeue/pkg/rules"
)

type mergeAction struct {
	method hosting.MergeMethod
}

func newMerge(raw map[string]any) (Action, error) {
	o := newOptions(raw)
	a := &mergeAction{method: hosting.MergeMethod(o.String("method", string(hosting.MergeMethodMerge)))}
	if err := o.Done(); err != nil {
		return nil, err
	}
	if !a.method.Valid() {
		return nil, fmt.Errorf("unknown merge method %q", a.method)
	}
	return a, nil
}

func (a *mergeAction) Name() string { return "merge" }

func (a *mergeAction) Fingerprint(snap *pull.Snapshot) string {
	return string(a.method) + "@" + snap.HeadSHA
}

func (a *mergeAction) Apply(ctx context.Context, env *Env, snap *pull.Snapshot) error {
	if snap.Merged {
		return nil
	}
	if snap.Closed {
		return Failed("the pull request is closed")
	}
	if snap.Mergeable != nil && !*snap.Mergeable {
		return Failed("the pull request conflicts with its base branch")
	}
	if _, err := env.Provider.Merge(ctx, env.Repo, snap.Number, a.method, snap.HeadSHA); err != nil {
		if hosting.IsConflict(err) {
			return Failed("the pull request cannot be merged: %v", err)
		}
		return err
	}
	return nil
}

type queueAction struct {
	name     string
	priority int
}

func newQueue(raw map[string]any) (Action, error) {
	o := newOptions(raw)
	a := &queueAction{name: o.String("name", ""), priority: o.Int("priority", 0)}
	if err := o.Done(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *queueAction) Name() string { return "queue" }

func (a *queueAction) Fingerprint(snap *pull.Snapshot) string {
	return fmt.Sprintf("%s:%d:%s@%s", a.name, a.priority, snap.Base, snap.HeadSHA)
}

func (a *queueAction) Apply(ctx context.Context, env *Env, snap *pull.Snapshot) error {
	if snap.Merged || snap.Closed {
		return Failed("the pull request is closed")
	}
	name := a.name
	if name == "" {
		name = env.Config.DefaultQueueName()
	}
	if name == "" {
		return rules.ErrNoQueueRules
	}
	qr, ok := env.Config.QueueRule(name)
	if !ok {
		return Failed("queue rule %q does not exist", name)
	}
	switch condition.Evaluate(qr.Conditions, snap) {
	case condition.False:
		// Not recorded: a rerun check may satisfy the conditions on the
		// same head.
		return Waiting("the conditions of queue %q are not met", name)
	case condition.Pending:
		return Waiting("waiting for the conditions of queue %q", name)
	}
	e, err := env.Queue.Enqueue(snap.Number, snap.Base, name, a.priority)
	if errors.Is(err, queue.ErrAlreadyQueued) {
		if e.Rule == name && e.Priority == a.priority {
			return nil
		}
		// The rules changed the queue of an entry: move it.
		if e, err = env.Queue.Update(snap.Number, snap.Base, name, a.priority); err != nil {
			return err
		}
		if env.Log != nil {
			env.Log.Infow("pull request repositioned", "pr", snap.Number, "queue", e.Rule, "priority", e.Priority)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if env.Log != nil {
		env.Log.Infow("pull request queued", "pr", snap.Number, "queue", e.Rule, "priority", e.Priority)
	}
	return nil
}

type dequeueAction struct{}

func newDequeue(raw map[string]any) (Action, error) {
	if err := newOptions(raw).Done(); err != nil {
		return nil, err
	}
	return dequeueAction{}, nil
}

func (dequeueAction) Name() string { return "dequeue" }

func (dequeueAction) Fingerprint(snap *pull.Snapshot) string { return snap.HeadSHA }

func (dequeueAction) Apply(_ context.Context, env *Env, snap *pull.Snapshot) error {
	e, ok := env.Queue.Find(snap.Number)
	if !ok {
		return nil
	}
	_, err := env.Queue.Dequeue(snap.Number, e.Base, queue.ReasonDequeued)
	if errors.Is(err, queue.ErrNotQueued) {
		return nil
	}
	return err
}

type updateAction struct {
	rebase bool
}

func newUpdate(rebase bool) Constructor {
	return func(raw map[string]any) (Action, error) {
		if err := newOptions(raw).Done(); err != nil {
			return nil, err
		}
		return &updateAction{rebase: rebase}, nil
	}
}

func (a *updateAction) Name() string {
	if a.rebase {
		return "rebase"
	}
	return "update"
}

func (a *updateAction) Fingerprint(snap *pull.Snapshot) string {
	return snap.HeadSHA + ".." + snap.BaseSHA
}

func (a *updateAction) Apply(ctx context.Context, env *Env, snap *pull.Snapshot) error {
	if snap.UpToDate || snap.Merged || snap.Closed {
		return nil
	}
	if err := env.Provider.UpdateBranch(ctx, env.Repo, snap.Number, a.rebase); err != nil {
		if hosting.IsConflict(err) {
			return Failed("the branch cannot be updated: %v", err)
		}
		return err
	}
	return nil
}

type labelAction struct {
	add    []string
	remove []string
}

func newLabel(raw map[string]any) (Action, error) {
	o := newOptions(raw)
	a := &labelAction{add: o.Strings("add"), remove: o.Strings("remove")}
	if err := o.Done(); err != nil {
		return nil, err
	}
	if len(a.add) == 0 && len(a.remove) == 0 {
		return nil, errors.New("add or remove is required")
	}
	return a, nil
}

func (a *labelAction) Name() string { return "label" }

// Fingerprint includes the head sha so that labels changed by hand are fixed
// again on the next push.
func (a *labelAction) Fingerprint(snap *pull.Snapshot) string {
	return "+" + strings.Join(a.add, ",") + "-" + strings.Join(a.remove, ",") + "@" + snap.HeadSHA
}

func (a *labelAction) Apply(ctx context.Context, env *Env, snap *pull.Snapshot) error {
	var missing []string
	for _, l := range a.add {
		if !snap.HasLabel(l) {
			missing = append(missing, l)
		}
	}
	if len(missing) > 0 {
		if err := env.Provider.AddLabels(ctx, env.Repo, snap.Number, missing); err != nil {
			return err
		}
	}
	for _, l := range a.remove {
		if !snap.HasLabel(l) {
			continue
		}
		if err := env.Provider.RemoveLabel(ctx, env.Repo, snap.Number, l); err != nil && !errors.Is(err, hosting.ErrNotFound) {
			return err
		}
	}
	return nil
}

type commentAction struct {
	message string
	tmpl    *template.Template
}

func newComment(raw map[string]any) (Action, error) {
	o := newOptions(raw)
	a := &commentAction{message: o.String("message", "")}
	if err := o.Done(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(a.message) == "" {
		return nil, errors.New("message is required")
	}
	tmpl, err := template.New("comment").Option("missingkey=error").Parse(a.message)
	if err != nil {
		return nil, fmt.Errorf("invalid message template: %w", err)
	}
	a.tmpl = tmpl
	return a, nil
}

func (a *commentAction) Name() string { return "comment" }

func (a *commentAction) Fingerprint(*pull.Snapshot) string { return a.message }

func (a *commentAction) Apply(ctx context.Context, env *Env, snap *pull.Snapshot) error {
	var b strings.Builder
	if err := a.tmpl.Execute(&b, snap); err != nil {
		return Failed("failed to render comment: %v", err)
	}
	return env.Provider.PostComment(ctx, env.Repo, snap.Number, b.String())
}

type backportAction struct {
	branches []string
}

func newBackport(raw map[string]any) (Action, error) {
	o := newOptions(raw)
	a := &backportAction{branches: o.Strings("branches")}
	if err := o.Done(); err != nil {
		return nil, err
	}
	if len(a.branches) == 0 {
		return nil, errors.New("branches is required")
	}
	return a, nil
}

func (a *backportAction) Name() string { return "backport" }

func (a *backportAction) Fingerprint(*pull.Snapshot) string {
	return strings.Join(a.branches, ",")
}

func (a *backportAction) Apply(ctx context.Context, env *Env, snap *pull.Snapshot) error {
	if !snap.Merged {
		return Waiting("waiting for the pull request to be merged")
	}
	var failed []string
	for _, branch := range a.branches {
		number, err := env.Provider.Backport(ctx, env.Repo, snap.Number, branch)
		if err != nil {
			if hosting.IsTransient(err) {
				return err
			}
			failed = append(failed, fmt.Sprintf("%s (%v)", branch, err))
			continue
		}
		if env.Log != nil {
			env.Log.Infow("backport opened", "pr", snap.Number, "branch", branch, "backport", number)
		}
	}
	if len(failed) > 0 {
		return Failed("backport failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

type postCheckAction struct {
	title string
}

func newPostCheck(raw map[string]any) (Action, error) {
	o := newOptions(raw)
	a := &postCheckAction{title: o.String("title", "")}
	if err := o.Done(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *postCheckAction) Name() string { return "post_check" }

func (a *postCheckAction) Fingerprint(snap *pull.Snapshot) string { return snap.HeadSHA }

func (a *postCheckAction) Apply(ctx context.Context, env *Env, snap *pull.Snapshot) error {
	desc := a.title
	if desc == "" {
		desc = fmt.Sprintf("Rule %q matches", env.Rule)
	}
	return env.Provider.SetStatus(ctx, env.Repo, snap.HeadSHA, hosting.Status{
		Context:     "mergequeue/" + env.Rule,
		State:       hosting.StatusSuccess,
		Description: desc,
	})
}

type requestReviewsAction struct {
	users []string
	teams []string
}

func newRequestReviews(raw map[string]any) (Action, error) {
	o := newOptions(raw)
	a := &requestReviewsAction{users: o.Strings("users"), teams: o.Strings("teams")}
	if err := o.Done(); err != nil {
		return nil, err
	}
	if len(a.users) == 0 && len(a.teams) == 0 {
		return nil, errors.New("users or teams is required")
	}
	return a, nil
}

func (a *requestReviewsAction) Name() string { return "request_reviews" }

func (a *requestReviewsAction) Fingerprint(*pull.Snapshot) string {
	users := append([]string(nil), a.users...)
	teams := append([]string(nil), a.teams...)
	sort.Strings(users)
	sort.Strings(teams)
	return strings.Join(users, ",") + "|" + strings.Join(teams, ",")
}

func (a *requestReviewsAction) Apply(ctx context.Context, env *Env, snap *pull.Snapshot) error {
	requested := map[string]bool{snap.Author: true}
	for _, u := range snap.RequestedReviewers {
		requested[u] = true
	}
	for _, r := range snap.Reviews {
		requested[r.Author] = true
	}
	var users []string
	for _, u := range a.users {
		if !requested[u] {
			users = append(users, u)
		}
	}
	if len(users) == 0 && len(a.teams) == 0 {
		return nil
	}
	return env.Provider.RequestReviewers(ctx, env.Repo, snap.Number, users, a.teams)
}
