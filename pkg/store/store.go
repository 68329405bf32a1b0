// Package store persists repository state and carries the event streams the
// scheduler consumes. Both a memory backend, used by tests and one-shot runs,
// and a file backend are provided.
package store

import (
	"context"
	"errors"

	"github.com/holon-run/mergequeue/pkg/event"
	"github.com/holon-run/mergequeue/pkg/hosting"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("state not found")

// StateStore is a keyed blob store.
type StateStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	// Keys lists the stored keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Message is one event of a stream. Seq increases by one per append within
// a stream.
type Message struct {
	Stream string      `json:"stream"`
	Seq    int64       `json:"seq"`
	Event  event.Event `json:"event"`
}

// Stream is an append-only log of events per repository, read through
// consumer groups. Messages read but not acknowledged are delivered again
// after Rewind.
type Stream interface {
	Append(ctx context.Context, ev event.Event) (Message, error)
	// Read returns up to max messages not yet delivered to group, oldest
	// first within each stream.
	Read(ctx context.Context, group string, max int) ([]Message, error)
	Ack(ctx context.Context, group string, msg Message) error
	// Rewind makes every unacknowledged message deliverable again.
	Rewind(ctx context.Context, group string) error
	// Streams lists the streams with retained messages.
	Streams(ctx context.Context) ([]string, error)
	// Notify fires after new messages were appended.
	Notify() <-chan struct{}
	Close() error
}

// StateKey is the state key of a repository.
func StateKey(repo hosting.Repo) string {
	return "state/" + repo.String()
}

// StreamName is the stream a repository's events are appended to.
func StreamName(repo hosting.Repo) string {
	return repo.String()
}
