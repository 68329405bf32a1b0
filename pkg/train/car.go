package train

import (
	"errors"
	"time"

	"github.com/holon-run/mergequeue/pkg/pull"
	"github.com/holon-run/mergequeue/pkg/queue"
)

// State is the lifecycle state of a car.
type State string

const (
	StateCreated        State = "created"
	StateAwaitingChecks State = "awaiting_checks"
	StateSucceeded      State = "succeeded"
	StateFailed         State = "failed"
)

// FailureReason explains why a car failed.
type FailureReason string

const (
	ReasonCheckFailed    FailureReason = "check_failed"
	ReasonTimeout        FailureReason = "timeout"
	ReasonUnmergeable    FailureReason = "unmergeable"
	ReasonPermanentError FailureReason = "permanent_error"
)

// ErrStaleReference marks a car whose speculative ref no longer starts where
// the train expects it to. It never leaves the package.
var ErrStaleReference = errors.New("speculative reference is stale")

// Car is one speculative batch of pull requests validated together.
type Car struct {
	ID      string `json:"id"`
	Entries []int  `json:"entries"`
	Rule    string `json:"rule"`
	// Parents are the pull requests of the cars ahead when the car was built.
	Parents []int `json:"parents,omitempty"`
	// BuiltOn is the sha the speculative ref was created from.
	BuiltOn         string                     `json:"built_on,omitempty"`
	Ref             string                     `json:"speculative_ref,omitempty"`
	SHA             string                     `json:"speculative_sha,omitempty"`
	State           State                      `json:"state"`
	Checks          map[string]pull.CheckState `json:"check_results,omitempty"`
	FailureReason   FailureReason              `json:"failure_reason,omitempty"`
	FailedPR        int                        `json:"failed_pr,omitempty"`
	Group           string                     `json:"bisection_group,omitempty"`
	Deadline        time.Time                  `json:"deadline,omitempty"`
	ChecksRequested bool                       `json:"checks_requested,omitempty"`
	Inplace         bool                       `json:"inplace,omitempty"`
	// Heads are the head shas of the entries merged into the car.
	Heads     map[int]string `json:"heads,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Contains reports whether pr is part of the car.
func (c *Car) Contains(pr int) bool {
	for _, e := range c.Entries {
		if e == pr {
			return true
		}
	}
	return false
}

// Outstanding reports whether the car has check requests in flight.
func (c *Car) Outstanding() bool {
	return c.State == StateAwaitingChecks && c.ChecksRequested
}

// evaluate updates the car state from its check results. A required check
// that fails fails the car; the car succeeds once every required check passed.
func (c *Car) evaluate(required []string) {
	if c.State != StateAwaitingChecks {
		return
	}
	passed := 0
	for _, name := range required {
		st := c.Checks[name]
		switch {
		case st.Failed():
			c.fail(ReasonCheckFailed, 0)
			return
		case st.Passed():
			passed++
		}
	}
	if passed == len(required) {
		c.State = StateSucceeded
		c.Deadline = time.Time{}
	}
}

func (c *Car) fail(reason FailureReason, pr int) {
	c.State = StateFailed
	c.FailureReason = reason
	c.FailedPR = pr
	c.Deadline = time.Time{}
}

// reset sends the car back to Created under a new identity so that results
// reported for the previous build are discarded.
func (c *Car) reset(id string) {
	c.ID = id
	c.BuiltOn = ""
	c.Ref = ""
	c.SHA = ""
	c.State = StateCreated
	c.Checks = nil
	c.FailureReason = ""
	c.FailedPR = 0
	c.Deadline = time.Time{}
	c.ChecksRequested = false
	c.Inplace = false
	c.Heads = nil
}

// movedHead returns the first entry whose head differs from the one the car
// was built with, according to heads.
func (c *Car) movedHead(heads map[int]string) (int, bool) {
	for _, pr := range c.Entries {
		built, ok := c.Heads[pr]
		if !ok {
			continue
		}
		if sha, ok := heads[pr]; ok && sha != built {
			return pr, true
		}
	}
	return 0, false
}

// dequeueReason maps a car failure to the reason its culprit leaves the queue.
func dequeueReason(r FailureReason) queue.Reason {
	switch r {
	case ReasonTimeout:
		return queue.ReasonTimeout
	case ReasonUnmergeable:
		return queue.ReasonConflict
	case ReasonPermanentError:
		return queue.ReasonPermanentError
	default:
		return queue.ReasonCheckFailed
	}
}
