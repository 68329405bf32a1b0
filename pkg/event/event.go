// Package event defines the inbound events processed by the merge queue.
// Events are provider neutral: webhook deliveries are normalized into them
// before they reach the stream.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/holon-run/mergequeue/pkg/hosting"
	"github.com/holon-run/mergequeue/pkg/pull"
)

// Kind is the kind of an event.
type Kind string

const (
	KindPullRequest  Kind = "pull_request"
	KindCheckRun     Kind = "check_run"
	KindReview       Kind = "review"
	KindPush         Kind = "push"
	KindComment      Kind = "comment"
	KindScheduleTick Kind = "schedule_tick"
	// KindRefresh re-evaluates every tracked pull request of a repository.
	KindRefresh Kind = "refresh"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPullRequest, KindCheckRun, KindReview, KindPush, KindComment, KindScheduleTick, KindRefresh:
		return true
	}
	return false
}

// ErrInvalid is returned for malformed events.
var ErrInvalid = errors.New("invalid event")

// Event is one inbound event. DeliveryID is unique per delivery and is used
// to drop duplicates.
type Event struct {
	Repo       hosting.Repo    `json:"repo"`
	DeliveryID string          `json:"delivery_id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// New builds an event, encoding payload as JSON. An empty delivery id is
// replaced by a random one.
func New(repo hosting.Repo, kind Kind, deliveryID string, payload any) (Event, error) {
	ev := Event{Repo: repo, DeliveryID: deliveryID, Kind: kind, ReceivedAt: time.Now().UTC()}
	if ev.DeliveryID == "" {
		ev.DeliveryID = uuid.NewString()
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
		}
		ev.Payload = data
	}
	return ev, ev.Validate()
}

// Tick returns a synthetic schedule tick for repo.
func Tick(repo hosting.Repo, at time.Time) Event {
	return Event{
		Repo:       repo,
		DeliveryID: "tick-" + uuid.NewString(),
		Kind:       KindScheduleTick,
		ReceivedAt: at.UTC(),
	}
}

// Validate checks the envelope fields.
func (e Event) Validate() error {
	switch {
	case e.Repo.Owner == "" || e.Repo.Name == "":
		return fmt.Errorf("%w: missing repository", ErrInvalid)
	case e.DeliveryID == "":
		return fmt.Errorf("%w: missing delivery id", ErrInvalid)
	case !e.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, e.Kind)
	}
	return nil
}

// Synthetic reports whether the event was generated by the scheduler.
func (e Event) Synthetic() bool {
	return e.Kind == KindScheduleTick
}

// PullRequest is the payload of pull_request and review events.
type PullRequest struct {
	Number int `json:"number"`
	// Action is the provider action, e.g. "opened", "closed", "synchronize".
	Action string `json:"action,omitempty"`
	Base   string `json:"base,omitempty"`
	Merged bool   `json:"merged,omitempty"`
}

// CheckRun is the payload of check_run events. Commit statuses are reported
// as check runs too.
type CheckRun struct {
	Name  string          `json:"name"`
	State pull.CheckState `json:"state"`
	SHA   string          `json:"sha"`
	// Ref is the branch the check ran on, when known.
	Ref          string `json:"ref,omitempty"`
	PullRequests []int  `json:"pull_requests,omitempty"`
}

// Push is the payload of push events.
type Push struct {
	Branch string `json:"branch"`
	After  string `json:"after"`
}

// Comment is the payload of comment events on a pull request.
type Comment struct {
	Number int    `json:"number"`
	Author string `json:"author"`
	Body   string `json:"body"`
}

func (e Event) decode(kind Kind, v any) error {
	if e.Kind != kind {
		return fmt.Errorf("%w: %s event has no %s payload", ErrInvalid, e.Kind, kind)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrInvalid, kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalid, kind, err)
	}
	return nil
}

// PullRequest decodes the payload of a pull_request or review event.
func (e Event) PullRequest() (PullRequest, error) {
	var p PullRequest
	kind := KindPullRequest
	if e.Kind == KindReview {
		kind = KindReview
	}
	err := e.decode(kind, &p)
	return p, err
}

// CheckRun decodes the payload of a check_run event.
func (e Event) CheckRun() (CheckRun, error) {
	var p CheckRun
	err := e.decode(KindCheckRun, &p)
	return p, err
}

// Push decodes the payload of a push event.
func (e Event) Push() (Push, error) {
	var p Push
	err := e.decode(KindPush, &p)
	return p, err
}

// Comment decodes the payload of a comment event.
func (e Event) Comment() (Comment, error) {
	var p Comment
	err := e.decode(KindComment, &p)
	return p, err
}
