// Package queue orders the pull requests waiting to be merged, one queue per
// base branch. The queue is the single source of truth for the merge train:
// the train only ever mirrors a prefix of SnapshotOrder.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrAlreadyQueued is returned when a pull request is enqueued again on
	// the same base branch.
	ErrAlreadyQueued = errors.New("pull request is already queued")
	// ErrNotQueued is returned when dequeuing a pull request that is not queued.
	ErrNotQueued = errors.New("pull request is not queued")
	// ErrUnknownRule is returned when enqueuing under a rule that is not part
	// of the current precedence list.
	ErrUnknownRule = errors.New("unknown queue rule")
)

// Reason explains why an entry left the queue.
type Reason string

const (
	ReasonMerged               Reason = "merged"
	ReasonDequeued             Reason = "dequeued"
	ReasonConditionNoLongerMet Reason = "condition_no_longer_met"
	ReasonCheckFailed          Reason = "check_failed"
	ReasonTimeout              Reason = "timeout"
	ReasonConflict             Reason = "merge_conflict"
	ReasonPermanentError       Reason = "permanent_error"
	ReasonClosed               Reason = "closed"
	ReasonBaseChanged          Reason = "base_changed"
	ReasonRuleRemoved          Reason = "rule_removed"
)

// Entry is one queued pull request.
type Entry struct {
	PR         int       `json:"pr"`
	Base       string    `json:"base"`
	Rule       string    `json:"rule"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Priority   int       `json:"priority,omitempty"`
	// Pin is the 1-based position of the entry in the frozen prefix of the
	// queue, or 0. Frozen entries are carried by a car that may not be
	// interrupted, or by a car ahead of one; they keep their train order
	// ahead of every other entry.
	Pin int `json:"pin,omitempty"`
}

// Frozen reports whether the entry is part of the frozen prefix.
func (e Entry) Frozen() bool {
	return e.Pin > 0
}

// ChangeKind is the kind of a queue change.
type ChangeKind string

const (
	ChangeEnqueued     ChangeKind = "enqueued"
	ChangeDequeued     ChangeKind = "dequeued"
	ChangeRepositioned ChangeKind = "repositioned"
	ChangeReordered    ChangeKind = "reordered"
)

// Change describes one mutation of a queue.
type Change struct {
	Kind   ChangeKind
	Base   string
	Entry  Entry
	Reason Reason
}

// Listener is notified after every mutation.
type Listener func(Change)

// State is the serializable content of a Manager.
type State struct {
	Queues map[string][]Entry `json:"queues"`
}

// Manager holds the queues of one repository. It is not safe for concurrent
// use; the scheduler owns it for the duration of a cycle.
type Manager struct {
	queues     map[string][]Entry
	precedence map[string]int
	listeners  []Listener
	now        func() time.Time
}

// NewManager returns an empty manager for the given rule precedence, highest
// first.
func NewManager(precedence []string) *Manager {
	m := &Manager{queues: map[string][]Entry{}, now: time.Now}
	m.setPrecedence(precedence)
	return m
}

// Restore rebuilds a manager from persisted state.
func Restore(state State, precedence []string) *Manager {
	m := NewManager(precedence)
	for base, entries := range state.Queues {
		if len(entries) > 0 {
			m.queues[base] = append([]Entry(nil), entries...)
		}
	}
	for base := range m.queues {
		m.sort(base)
	}
	return m
}

// State returns a copy of the manager content.
func (m *Manager) State() State {
	s := State{Queues: make(map[string][]Entry, len(m.queues))}
	for base, entries := range m.queues {
		s.Queues[base] = append([]Entry(nil), entries...)
	}
	return s
}

// SetClock replaces the clock used to stamp new entries.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Subscribe registers a listener.
func (m *Manager) Subscribe(l Listener) {
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notify(c Change) {
	for _, l := range m.listeners {
		l(c)
	}
}

func (m *Manager) setPrecedence(names []string) {
	m.precedence = make(map[string]int, len(names))
	for i, n := range names {
		if _, dup := m.precedence[n]; !dup {
			m.precedence[n] = i
		}
	}
}

// Enqueue adds pr to the queue of base under rule. A pull request queued on
// another base branch is removed from it first. A pull request already queued
// on base is left in place and ErrAlreadyQueued is returned; Update changes
// its rule or priority.
func (m *Manager) Enqueue(pr int, base, rule string, priority int) (Entry, error) {
	if _, ok := m.precedence[rule]; !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownRule, rule)
	}

	for otherBase := range m.queues {
		if otherBase == base {
			continue
		}
		if _, ok := m.index(otherBase, pr); ok {
			if _, err := m.Dequeue(pr, otherBase, ReasonBaseChanged); err != nil {
				return Entry{}, err
			}
		}
	}

	if i, ok := m.index(base, pr); ok {
		return m.queues[base][i], ErrAlreadyQueued
	}

	e := Entry{PR: pr, Base: base, Rule: rule, EnqueuedAt: m.now().UTC(), Priority: priority}
	m.queues[base] = append(m.queues[base], e)
	m.sort(base)
	m.notify(Change{Kind: ChangeEnqueued, Base: base, Entry: e})
	return e, nil
}

// Dequeue removes pr from the queue of base.
func (m *Manager) Dequeue(pr int, base string, reason Reason) (Entry, error) {
	i, ok := m.index(base, pr)
	if !ok {
		return Entry{}, ErrNotQueued
	}
	entries := m.queues[base]
	e := entries[i]
	entries = append(entries[:i:i], entries[i+1:]...)
	if len(entries) == 0 {
		delete(m.queues, base)
	} else {
		m.queues[base] = entries
	}
	m.notify(Change{Kind: ChangeDequeued, Base: base, Entry: e, Reason: reason})
	return e, nil
}

// Find returns the entry of pr on any base branch.
func (m *Manager) Find(pr int) (Entry, bool) {
	for base := range m.queues {
		if i, ok := m.index(base, pr); ok {
			return m.queues[base][i], true
		}
	}
	return Entry{}, false
}

// Position returns the 0-based position of pr in the queue of base.
func (m *Manager) Position(pr int, base string) (int, bool) {
	return m.index(base, pr)
}

// Reorder installs a new rule precedence and re-sorts every queue. Entries
// whose rule no longer exists are dequeued with ReasonRuleRemoved.
func (m *Manager) Reorder(precedence []string) []Entry {
	m.setPrecedence(precedence)
	var removed []Entry
	for _, base := range m.Bases() {
		for _, e := range append([]Entry(nil), m.queues[base]...) {
			if _, ok := m.precedence[e.Rule]; !ok {
				if _, err := m.Dequeue(e.PR, base, ReasonRuleRemoved); err == nil {
					removed = append(removed, e)
				}
			}
		}
		if _, ok := m.queues[base]; ok {
			m.sort(base)
			m.notify(Change{Kind: ChangeReordered, Base: base})
		}
	}
	return removed
}

// Update changes the rule and priority of a queued entry and moves it to its
// new position. The entry leaves the frozen prefix. An entry that already
// has them is returned unchanged.
func (m *Manager) Update(pr int, base, rule string, priority int) (Entry, error) {
	if _, ok := m.precedence[rule]; !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownRule, rule)
	}
	i, ok := m.index(base, pr)
	if !ok {
		return Entry{}, ErrNotQueued
	}
	cur := m.queues[base][i]
	if cur.Rule == rule && cur.Priority == priority {
		return cur, nil
	}
	cur.Rule = rule
	cur.Priority = priority
	cur.Pin = 0
	m.queues[base][i] = cur
	m.sort(base)
	m.notify(Change{Kind: ChangeRepositioned, Base: base, Entry: cur})
	return cur, nil
}

// Freeze makes prs, in that order, the frozen prefix of the queue of base.
// Every other entry of base is unfrozen.
func (m *Manager) Freeze(base string, prs []int) {
	pins := make(map[int]int, len(prs))
	for i, pr := range prs {
		pins[pr] = i + 1
	}
	changed := false
	for i, e := range m.queues[base] {
		if e.Pin != pins[e.PR] {
			m.queues[base][i].Pin = pins[e.PR]
			changed = true
		}
	}
	if changed {
		m.sort(base)
	}
}

// SnapshotOrder returns a copy of the queue of base in merge order.
func (m *Manager) SnapshotOrder(base string) []Entry {
	return append([]Entry(nil), m.queues[base]...)
}

// Bases returns the base branches with a non-empty queue, sorted.
func (m *Manager) Bases() []string {
	out := make([]string, 0, len(m.queues))
	for base := range m.queues {
		out = append(out, base)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of entries queued on base.
func (m *Manager) Len(base string) int {
	return len(m.queues[base])
}

func (m *Manager) index(base string, pr int) (int, bool) {
	for i, e := range m.queues[base] {
		if e.PR == pr {
			return i, true
		}
	}
	return 0, false
}

func (m *Manager) sort(base string) {
	entries := m.queues[base]
	sort.SliceStable(entries, func(i, j int) bool {
		return m.less(entries[i], entries[j])
	})
}

// less orders frozen entries first in pin order, then by rule precedence,
// explicit priority (higher first), enqueue time and pull request number.
func (m *Manager) less(a, b Entry) bool {
	if a.Frozen() != b.Frozen() {
		return a.Frozen()
	}
	if a.Frozen() {
		return a.Pin < b.Pin
	}
	pa, pb := m.rank(a.Rule), m.rank(b.Rule)
	if pa != pb {
		return pa < pb
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.PR < b.PR
}

func (m *Manager) rank(rule string) int {
	if p, ok := m.precedence[rule]; ok {
		return p
	}
	return len(m.precedence)
}
