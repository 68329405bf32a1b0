package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/holon-run/mergequeue/pkg/actions"
	"github.com/holon-run/mergequeue/pkg/hosting"
	"github.com/holon-run/mergequeue/pkg/queue"
	"github.com/holon-run/mergequeue/pkg/store"
	"github.com/holon-run/mergequeue/pkg/train"
)

// DefaultMaxProcessed bounds the number of delivery ids remembered for
// deduplication.
const DefaultMaxProcessed = 2000

// State is everything persisted for one repository.
type State struct {
	Repo       hosting.Repo            `json:"repo"`
	ConfigHash string                  `json:"config_hash,omitempty"`
	Queue      queue.State             `json:"queue"`
	Trains     map[string]*train.Train `json:"trains,omitempty"`
	Keys       *actions.KeyStore       `json:"keys"`
	// Processed lists the latest delivery ids, oldest first.
	Processed []string `json:"processed,omitempty"`
	// Watch lists pull requests with pending rules or actions, re-evaluated
	// on every tick.
	Watch []int `json:"watch,omitempty"`
	// Summaries are the queue summaries last published, per pull request.
	Summaries map[int]Summary `json:"summaries,omitempty"`
	WakeAt    time.Time       `json:"wake_at,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`

	processed map[string]bool
}

// NewState returns the empty state of repo.
func NewState(repo hosting.Repo) *State {
	return &State{
		Repo:   repo,
		Queue:  queue.State{Queues: map[string][]queue.Entry{}},
		Trains: map[string]*train.Train{},
		Keys:   actions.NewKeyStore(actions.DefaultMaxKeys),
	}
}

func (s *State) ensure() {
	if s.Trains == nil {
		s.Trains = map[string]*train.Train{}
	}
	if s.Keys == nil {
		s.Keys = actions.NewKeyStore(actions.DefaultMaxKeys)
	}
	if s.Queue.Queues == nil {
		s.Queue.Queues = map[string][]queue.Entry{}
	}
	if s.Summaries == nil {
		s.Summaries = map[int]Summary{}
	}
	if s.processed == nil {
		s.processed = make(map[string]bool, len(s.Processed))
		for _, id := range s.Processed {
			s.processed[id] = true
		}
	}
}

// Seen reports whether the delivery was already processed.
func (s *State) Seen(deliveryID string) bool {
	s.ensure()
	return s.processed[deliveryID]
}

// MarkProcessed records a delivery id, dropping the oldest beyond
// DefaultMaxProcessed.
func (s *State) MarkProcessed(deliveryID string) {
	s.ensure()
	if s.processed[deliveryID] {
		return
	}
	s.Processed = append(s.Processed, deliveryID)
	s.processed[deliveryID] = true
	if over := len(s.Processed) - DefaultMaxProcessed; over > 0 {
		for _, id := range s.Processed[:over] {
			delete(s.processed, id)
		}
		s.Processed = append([]string(nil), s.Processed[over:]...)
	}
}

// Active reports whether the repository has queued pull requests, trains or
// watched pull requests, and therefore needs periodic ticks.
func (s *State) Active() bool {
	for _, entries := range s.Queue.Queues {
		if len(entries) > 0 {
			return true
		}
	}
	return len(s.Trains) > 0 || len(s.Watch) > 0
}

func (s *State) watch(pr int) {
	i := sort.SearchInts(s.Watch, pr)
	if i < len(s.Watch) && s.Watch[i] == pr {
		return
	}
	s.Watch = append(s.Watch, 0)
	copy(s.Watch[i+1:], s.Watch[i:])
	s.Watch[i] = pr
}

func (s *State) unwatch(pr int) {
	i := sort.SearchInts(s.Watch, pr)
	if i < len(s.Watch) && s.Watch[i] == pr {
		s.Watch = append(s.Watch[:i], s.Watch[i+1:]...)
	}
}

// LoadState reads the state of repo, returning an empty state when none was
// saved yet.
func LoadState(ctx context.Context, st store.StateStore, repo hosting.Repo) (*State, error) {
	data, err := st.Load(ctx, store.StateKey(repo))
	if errors.Is(err, store.ErrNotFound) {
		return NewState(repo), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state of %s: %w", repo, err)
	}
	s := &State{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to decode state of %s: %w", repo, err)
	}
	s.Repo = repo
	s.ensure()
	return s, nil
}

// SaveState persists s.
func SaveState(ctx context.Context, st store.StateStore, s *State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode state of %s: %w", s.Repo, err)
	}
	if err := st.Save(ctx, store.StateKey(s.Repo), data); err != nil {
		return fmt.Errorf("failed to save state of %s: %w", s.Repo, err)
	}
	return nil
}
