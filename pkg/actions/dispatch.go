package actions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/holon-run/mergequeue/pkg/condition"
	"github.com/holon-run/mergequeue/pkg/hosting"
	mqlog "github.com/holon-run/mergequeue/pkg/log"
	"github.com/holon-run/mergequeue/pkg/pull"
	"github.com/holon-run/mergequeue/pkg/rules"
)

// DefaultMaxKeys bounds the number of idempotency keys kept per repository.
const DefaultMaxKeys = 5000

// KeyStore remembers the actions already applied, newest last. It is
// persisted with the repository state.
type KeyStore struct {
	Keys []string `json:"keys"`
	Max  int      `json:"max,omitempty"`

	index map[string]bool
}

// NewKeyStore returns an empty store keeping at most max keys.
func NewKeyStore(max int) *KeyStore {
	return &KeyStore{Max: max}
}

func (k *KeyStore) ensureIndex() {
	if k.index != nil {
		return
	}
	k.index = make(map[string]bool, len(k.Keys))
	for _, key := range k.Keys {
		k.index[key] = true
	}
}

// Has reports whether key was recorded.
func (k *KeyStore) Has(key string) bool {
	k.ensureIndex()
	return k.index[key]
}

// Add records key and drops the oldest keys beyond the bound.
func (k *KeyStore) Add(key string) {
	k.ensureIndex()
	if k.index[key] {
		return
	}
	k.Keys = append(k.Keys, key)
	k.index[key] = true
	max := k.Max
	if max <= 0 {
		max = DefaultMaxKeys
	}
	if over := len(k.Keys) - max; over > 0 {
		for _, old := range k.Keys[:over] {
			delete(k.index, old)
		}
		k.Keys = append([]string(nil), k.Keys[over:]...)
	}
}

// Forget drops every key starting with prefix.
func (k *KeyStore) Forget(prefix string) {
	k.ensureIndex()
	kept := k.Keys[:0]
	for _, key := range k.Keys {
		if strings.HasPrefix(key, prefix) {
			delete(k.index, key)
			continue
		}
		kept = append(kept, key)
	}
	k.Keys = kept
}

// ActionPrefix is the key prefix of every key recorded for action name on
// pull request pr.
func ActionPrefix(pr int, name string) string {
	return fmt.Sprintf("%d/%s/", pr, name)
}

// Key builds the idempotency key of an action for a pull request.
func Key(pr int, rule string, a Action, snap *pull.Snapshot) string {
	sum := sha256.Sum256([]byte(rule + "\x00" + a.Fingerprint(snap)))
	return ActionPrefix(pr, a.Name()) + hex.EncodeToString(sum[:8])
}

// Dispatcher evaluates pull request rules and applies their actions.
type Dispatcher struct {
	Registry *Registry
	Retry    hosting.RetryPolicy
	Keys     *KeyStore
	Log      *zap.SugaredLogger
}

// NewDispatcher returns a dispatcher using the default retry policy.
func NewDispatcher(registry *Registry, keys *KeyStore) *Dispatcher {
	return &Dispatcher{Registry: registry, Retry: hosting.DefaultRetryPolicy(), Keys: keys}
}

// Run evaluates every rule of the environment configuration against snap and
// applies the actions of the rules that match. Pending rules and actions are
// left for a later cycle.
func (d *Dispatcher) Run(ctx context.Context, env *Env, snap *pull.Snapshot) []Outcome {
	var out []Outcome
	for _, r := range env.Config.Rules {
		if condition.Evaluate(r.Conditions, snap) != condition.True {
			continue
		}
		out = append(out, d.ApplyRule(ctx, env, r, snap)...)
	}
	return out
}

// ApplyRule applies the actions of a matching rule in configuration order.
func (d *Dispatcher) ApplyRule(ctx context.Context, env *Env, r rules.Rule, snap *pull.Snapshot) []Outcome {
	ruleEnv := *env
	ruleEnv.Rule = r.Name
	if ruleEnv.Log == nil {
		ruleEnv.Log = d.logger()
	}
	out := make([]Outcome, 0, len(r.Actions))
	for _, spec := range r.Actions {
		a, err := d.Registry.Build(spec.Name, spec.Options)
		if err != nil {
			o := Outcome{Rule: r.Name, Action: spec.Name, PR: snap.Number, Status: StatusFailure, Reason: err.Error()}
			// Recorded like an applied action so that it is reported once.
			key := ActionPrefix(snap.Number, spec.Name) + "invalid:" + r.Name
			if d.Keys != nil {
				o.Skipped = d.Keys.Has(key)
				d.Keys.Add(key)
			}
			out = append(out, o)
			continue
		}
		out = append(out, d.Apply(ctx, &ruleEnv, a, snap))
	}
	return out
}

// Apply applies one action unless it already ran for the same state.
// Transient hosting errors are retried within the retry budget; an action that
// still fails transiently is reported as pending and is not recorded.
func (d *Dispatcher) Apply(ctx context.Context, env *Env, a Action, snap *pull.Snapshot) Outcome {
	o := Outcome{Rule: env.Rule, Action: a.Name(), PR: snap.Number}
	key := Key(snap.Number, env.Rule, a, snap)
	if d.Keys != nil && d.Keys.Has(key) {
		o.Status = StatusSuccess
		o.Skipped = true
		return o
	}

	err := d.Retry.Do(ctx, func(ctx context.Context) error {
		return a.Apply(ctx, env, snap)
	})
	if err != nil && (hosting.IsTransient(err) || ctx.Err() != nil) {
		o.Status, o.Reason = StatusPending, err.Error()
	} else {
		o.Status, o.Reason = outcomeOf(err)
	}

	log := d.logger()
	switch o.Status {
	case StatusSuccess:
		log.Infow("action applied", "rule", env.Rule, "action", o.Action, "pr", snap.Number)
	case StatusFailure:
		log.Warnw("action failed", "rule", env.Rule, "action", o.Action, "pr", snap.Number, "reason", o.Reason)
	default:
		log.Debugw("action pending", "rule", env.Rule, "action", o.Action, "pr", snap.Number, "reason", o.Reason)
	}
	if o.Status != StatusPending && d.Keys != nil {
		d.Keys.Add(key)
	}
	return o
}

func (d *Dispatcher) logger() *zap.SugaredLogger {
	if d.Log != nil {
		return d.Log
	}
	return mqlog.Get()
}
