package actions

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds an action from its rule file options. It validates the
// options and is called once per rule file load.
type Constructor func(options map[string]any) (Action, error)

// Registry maps action names to their constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: map[string]Constructor{}}
}

// DefaultRegistry returns a registry holding every builtin action.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("merge", newMerge)
	r.Register("queue", newQueue)
	r.Register("dequeue", newDequeue)
	r.Register("rebase", newUpdate(true))
	r.Register("update", newUpdate(false))
	r.Register("label", newLabel)
	r.Register("comment", newComment)
	r.Register("backport", newBackport)
	r.Register("post_check", newPostCheck)
	r.Register("request_reviews", newRequestReviews)
	return r
}

// Register adds or replaces a constructor.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = ctor
}

// Names lists the registered actions, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for n := range r.ctors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build resolves one configured action.
func (r *Registry) Build(name string, options map[string]any) (Action, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown action %q", name)
	}
	a, err := ctor(options)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", name, err)
	}
	return a, nil
}

// ValidateAction implements rules.ActionValidator.
func (r *Registry) ValidateAction(name string, options map[string]any) error {
	_, err := r.Build(name, options)
	return err
}
