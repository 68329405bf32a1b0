// Package engine runs one processing cycle of a repository: it evaluates the
// rules of the pull requests an event touches, dispatches their actions,
// keeps the queues honest and advances the merge trains.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/holon-run/mergequeue/pkg/actions"
	"github.com/holon-run/mergequeue/pkg/event"
	"github.com/holon-run/mergequeue/pkg/hosting"
	mqlog "github.com/holon-run/mergequeue/pkg/log"
	"github.com/holon-run/mergequeue/pkg/queue"
	"github.com/holon-run/mergequeue/pkg/redact"
	"github.com/holon-run/mergequeue/pkg/rules"
	"github.com/holon-run/mergequeue/pkg/train"
)

// DefaultCommandPrefix introduces a command in a pull request comment.
const DefaultCommandPrefix = "@mergequeue"

// RuleLoader loads the rule file of a repository.
type RuleLoader interface {
	Load(ctx context.Context, repo hosting.Repo) (*rules.Config, error)
}

// Engine processes events. It holds no repository state: every call to
// Process works on the State it is given.
type Engine struct {
	Provider      hosting.Provider
	Rules         RuleLoader
	Registry      *actions.Registry
	Retry         hosting.RetryPolicy
	CommandPrefix string
	// Concurrency bounds the parallel pull request fetches of a cycle.
	Concurrency int
	Now         func() time.Time
	NewID       func() string
	Log         *zap.SugaredLogger
	// Redactor scrubs the comments posted on pull requests. Nil posts them
	// unchanged.
	Redactor *redact.Redactor
}

// New returns an engine with the default registry and retry policy.
func New(provider hosting.Provider, loader RuleLoader) *Engine {
	return &Engine{
		Provider:      provider,
		Rules:         loader,
		Registry:      actions.DefaultRegistry(),
		Retry:         hosting.DefaultRetryPolicy(),
		CommandPrefix: DefaultCommandPrefix,
		Concurrency:   4,
		Now:           time.Now,
		NewID:         uuid.NewString,
	}
}

// Result summarizes one processed event.
type Result struct {
	Outcomes []actions.Outcome
	Reports  map[string]*train.Report
	// Dequeued lists every pull request that left a queue during the cycle.
	Dequeued []train.Removal
	// Discarded counts check results that matched no live car.
	Discarded int
	// WakeAt is the earliest time the repository needs a tick.
	WakeAt time.Time
}

func (r *Result) wake(at time.Time) {
	if at.IsZero() {
		return
	}
	if r.WakeAt.IsZero() || at.Before(r.WakeAt) {
		r.WakeAt = at
	}
}

// Process runs one cycle for ev against st. st is updated in place, also when
// an error is returned, so that progress made before a transient failure is
// kept. The caller persists it.
func (e *Engine) Process(ctx context.Context, st *State, ev event.Event) (*Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	st.ensure()

	cfg, err := e.Rules.Load(ctx, st.Repo)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules of %s: %w", st.Repo, err)
	}

	c := e.newCycle(ctx, st, cfg, ev)
	c.log.Debugw("processing event", "kind", ev.Kind, "delivery", ev.DeliveryID)

	if st.ConfigHash != cfg.Hash {
		if st.ConfigHash != "" {
			c.log.Infow("rule file changed, reordering queues", "hash", cfg.Hash)
		}
		c.queue.Reorder(cfg.Precedence())
		st.ConfigHash = cfg.Hash
	}

	handleErr := c.handle(ev)
	if handleErr != nil && !retryable(handleErr) {
		// The event is dropped; the trains still advance.
		c.log.Warnw("event handling failed", "kind", ev.Kind, "error", handleErr)
	}
	refreshErr := c.refreshTrains()
	c.publishSummaries()
	c.notify()
	c.finish()

	switch {
	case handleErr != nil && retryable(handleErr):
		return c.res, handleErr
	case refreshErr != nil:
		return c.res, refreshErr
	case handleErr != nil:
		return c.res, handleErr
	}
	return c.res, nil
}

func (e *Engine) logger() *zap.SugaredLogger {
	if e.Log != nil {
		return e.Log
	}
	return mqlog.Get()
}

// retryable reports whether err may go away when the event is processed
// again.
func retryable(err error) bool {
	return hosting.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether a Process error is worth retrying.
func IsRetryable(err error) bool {
	return retryable(err)
}

// notifiable lists the removal reasons reported on the pull request.
var notifiable = map[queue.Reason]string{
	queue.ReasonCheckFailed:          "checks failed",
	queue.ReasonTimeout:              "checks timed out",
	queue.ReasonConflict:             "it conflicts with the base branch",
	queue.ReasonPermanentError:       "an unrecoverable error occurred",
	queue.ReasonConditionNoLongerMet: "the queue conditions are no longer met",
	queue.ReasonRuleRemoved:          "its queue rule was removed",
	queue.ReasonBaseChanged:          "its base branch changed",
}
