// Package actions implements the actions a pull request rule can run, the
// registry that resolves them from a rule file, and the dispatcher that
// applies them at most once per relevant pull request state.
package actions

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/holon-run/mergequeue/pkg/hosting"
	"github.com/holon-run/mergequeue/pkg/pull"
	"github.com/holon-run/mergequeue/pkg/queue"
	"github.com/holon-run/mergequeue/pkg/rules"
)

// Status is the result kind of an applied action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	// StatusPending means the action could not run yet and is retried on the
	// next cycle.
	StatusPending Status = "pending"
)

// Outcome is the result of applying one action.
type Outcome struct {
	Rule   string `json:"rule"`
	Action string `json:"action"`
	PR     int    `json:"pr"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
	// Skipped is set when the action already ran for the same state.
	Skipped bool `json:"skipped,omitempty"`
}

// Env carries the collaborators an action needs for one cycle.
type Env struct {
	Repo     hosting.Repo
	Provider hosting.Provider
	Queue    *queue.Manager
	Config   *rules.Config
	// Rule is the name of the rule whose conditions matched.
	Rule string
	Log  *zap.SugaredLogger
}

// Action is one configured, validated action.
type Action interface {
	Name() string
	// Fingerprint returns the parts of the snapshot the action depends on. The
	// action runs again only when the fingerprint changes.
	Fingerprint(snap *pull.Snapshot) string
	Apply(ctx context.Context, env *Env, snap *pull.Snapshot) error
}

// outcomeError lets an action report a failure or a pending state with a
// reason instead of a plain error.
type outcomeError struct {
	status Status
	reason string
}

func (e *outcomeError) Error() string {
	return fmt.Sprintf("%s: %s", e.status, e.reason)
}

// Failed returns an error turning into a failure outcome.
func Failed(format string, args ...any) error {
	return &outcomeError{status: StatusFailure, reason: fmt.Sprintf(format, args...)}
}

// Waiting returns an error turning into a pending outcome.
func Waiting(format string, args ...any) error {
	return &outcomeError{status: StatusPending, reason: fmt.Sprintf(format, args...)}
}

// outcomeOf maps the error returned by Apply to an outcome status.
func outcomeOf(err error) (Status, string) {
	if err == nil {
		return StatusSuccess, ""
	}
	var oe *outcomeError
	if errors.As(err, &oe) {
		return oe.status, oe.reason
	}
	return StatusFailure, err.Error()
}
