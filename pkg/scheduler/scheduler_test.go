package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holon-run/mergequeue/pkg/actions"
	"github.com/holon-run/mergequeue/pkg/engine"
	"github.com/holon-run/mergequeue/pkg/event"
	"github.com/holon-run/mergequeue/pkg/hosting"
	"github.com/holon-run/mergequeue/pkg/hosting/fakehost"
	"github.com/holon-run/mergequeue/pkg/pull"
	"github.com/holon-run/mergequeue/pkg/queue"
	"github.com/holon-run/mergequeue/pkg/rules"
	"github.com/holon-run/mergequeue/pkg/store"
)

var (
	widgets = hosting.Repo{Owner: "octo", Name: "widgets"}
	gadgets = hosting.Repo{Owner: "octo", Name: "gadgets"}
)

const ruleFile = `
queue_rules:
  - name: default
    required_checks: [ci]

pull_request_rules:
  - name: queue ready pull requests
    conditions:
      - label=ready
    actions:
      queue:
        name: default
`

type loader struct{ cfg *rules.Config }

func (l loader) Load(context.Context, hosting.Repo) (*rules.Config, error) { return l.cfg, nil }

type fixture struct {
	host   *fakehost.Host
	states *store.MemoryState
	stream *store.MemoryStream
	engine *engine.Engine

	mu       sync.Mutex
	outcomes []Outcome
	notify   chan Outcome
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := rules.Parse([]byte(ruleFile), actions.DefaultRegistry())
	require.NoError(t, err)

	f := &fixture{
		host:   fakehost.New(),
		states: store.NewMemoryState(),
		stream: store.NewMemoryStream(),
		notify: make(chan Outcome, 64),
	}
	for _, repo := range []hosting.Repo{widgets, gadgets} {
		f.host.SetBranch(repo, "main")
		f.host.AddPull(repo, &pull.Snapshot{Number: 1, Base: "main", Head: "feature", Labels: []string{"ready"}})
	}
	f.engine = engine.New(f.host, loader{cfg: cfg})
	f.engine.Retry = hosting.RetryPolicy{MaxAttempts: 1}
	return f
}

func (f *fixture) scheduler(cfg Config) *Scheduler {
	cfg.OnOutcome = func(o Outcome) {
		f.mu.Lock()
		f.outcomes = append(f.outcomes, o)
		f.mu.Unlock()
		f.notify <- o
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = hosting.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	}
	return New(f.engine, f.states, f.stream, cfg)
}

func (f *fixture) append(t *testing.T, repo hosting.Repo, delivery string, number int) {
	t.Helper()
	ev, err := event.New(repo, event.KindPullRequest, delivery, event.PullRequest{Number: number, Action: "labeled"})
	require.NoError(t, err)
	_, err = f.stream.Append(context.Background(), ev)
	require.NoError(t, err)
}

func (f *fixture) state(t *testing.T, repo hosting.Repo) *engine.State {
	t.Helper()
	st, err := engine.LoadState(context.Background(), f.states, repo)
	require.NoError(t, err)
	return st
}

func (f *fixture) wait(t *testing.T, match func(Outcome) bool) Outcome {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case o := <-f.notify:
			if match(o) {
				return o
			}
		case <-timeout:
			t.Fatal("timed out waiting for an outcome")
		}
	}
}

func TestDrainProcessesEveryRepository(t *testing.T) {
	f := newFixture(t)
	f.append(t, widgets, "d1", 1)
	f.append(t, gadgets, "d2", 1)
	f.append(t, widgets, "d1", 1)

	require.NoError(t, f.scheduler(Config{}).Drain(context.Background()))

	require.Len(t, f.outcomes, 3)
	dups := 0
	for _, o := range f.outcomes {
		require.NoError(t, o.Err)
		if o.Duplicate {
			dups++
			assert.Equal(t, widgets, o.Repo)
		}
	}
	assert.Equal(t, 1, dups)

	for _, repo := range []hosting.Repo{widgets, gadgets} {
		st := f.state(t, repo)
		assert.True(t, st.Seen(map[hosting.Repo]string{widgets: "d1", gadgets: "d2"}[repo]))
		require.Len(t, st.Queue.Queues["main"], 1)
		assert.Contains(t, st.Trains, "main")
	}
	assert.Empty(t, f.stream.Pending(DefaultGroup))
	streams, err := f.stream.Streams(context.Background())
	require.NoError(t, err)
	assert.Empty(t, streams)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	f := newFixture(t)
	boom := hosting.Transient("get pull request", errors.New("connection reset"))
	f.host.FailNext("pull_request", boom)
	f.host.FailNext("pull_request", boom)
	f.append(t, widgets, "d1", 1)

	require.NoError(t, f.scheduler(Config{}).Drain(context.Background()))

	require.Len(t, f.outcomes, 1)
	assert.NoError(t, f.outcomes[0].Err)
	assert.Equal(t, 3, f.outcomes[0].Attempts)
	assert.Len(t, f.state(t, widgets).Queue.Queues["main"], 1)
}

func TestExhaustedRetriesDropTheEvent(t *testing.T) {
	f := newFixture(t)
	boom := hosting.Transient("get pull request", errors.New("connection reset"))
	for i := 0; i < 2; i++ {
		f.host.FailNext("pull_request", boom)
	}
	f.append(t, widgets, "d1", 1)

	s := f.scheduler(Config{Retry: hosting.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}})
	require.NoError(t, s.Drain(context.Background()))

	require.Len(t, f.outcomes, 1)
	assert.True(t, engine.IsRetryable(f.outcomes[0].Err))
	assert.Equal(t, 2, f.outcomes[0].Attempts)
	assert.Empty(t, f.stream.Pending(DefaultGroup))
}

func TestRunRecoversActiveRepositories(t *testing.T) {
	f := newFixture(t)
	st := engine.NewState(widgets)
	st.Queue.Queues["main"] = []queue.Entry{{PR: 1, Base: "main", Rule: "default", EnqueuedAt: time.Now()}}
	require.NoError(t, engine.SaveState(context.Background(), f.states, st))
	require.NoError(t, engine.SaveState(context.Background(), f.states, engine.NewState(gadgets)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := f.scheduler(Config{TickInterval: time.Hour})
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	o := f.wait(t, func(o Outcome) bool { return o.Event.Kind == event.KindScheduleTick })
	assert.Equal(t, widgets, o.Repo)
	require.NoError(t, o.Err)
	assert.Contains(t, f.state(t, widgets).Trains, "main", "the recovered queue gets a train")

	f.append(t, gadgets, "d9", 1)
	o = f.wait(t, func(o Outcome) bool { return o.Event.DeliveryID == "d9" })
	assert.Equal(t, gadgets, o.Repo)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestUnacknowledgedMessagesAreRedelivered(t *testing.T) {
	f := newFixture(t)
	f.append(t, widgets, "d1", 1)

	// A previous run read the message and stopped before acknowledging it.
	msgs, err := f.stream.Read(context.Background(), DefaultGroup, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, f.scheduler(Config{}).Drain(context.Background()))
	require.Len(t, f.outcomes, 1)
	assert.Equal(t, "d1", f.outcomes[0].Event.DeliveryID)
	assert.True(t, f.state(t, widgets).Seen("d1"))
}

func TestEventsOfARepositoryAreSerialized(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 5; i++ {
		f.host.AddPull(widgets, &pull.Snapshot{Number: 10 + i, Base: "main", Head: fmt.Sprintf("f%d", i), Labels: []string{"ready"}})
		f.append(t, widgets, fmt.Sprintf("d%d", i), 10+i)
	}
	require.NoError(t, f.scheduler(Config{Workers: 4}).Drain(context.Background()))

	var got []string
	for _, o := range f.outcomes {
		got = append(got, o.Event.DeliveryID)
	}
	assert.Equal(t, []string{"d1", "d2", "d3", "d4", "d5"}, got)

	var prs []int
	for _, e := range f.state(t, widgets).Queue.Queues["main"] {
		prs = append(prs, e.PR)
	}
	assert.Equal(t, []int{11, 12, 13, 14, 15}, prs)
}

func TestFailingRepositoryDoesNotStopOthers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.states.Save(context.Background(), store.StateKey(widgets), []byte("{not json")))
	f.append(t, widgets, "d1", 1)
	f.append(t, gadgets, "d2", 1)
	f.append(t, widgets, "d3", 1)
	f.append(t, gadgets, "d4", 1)

	require.NoError(t, f.scheduler(Config{}).Drain(context.Background()))

	require.Len(t, f.outcomes, 4)
	for _, o := range f.outcomes {
		if o.Repo == widgets {
			assert.Error(t, o.Err)
		} else {
			assert.NoError(t, o.Err)
		}
	}
	st := f.state(t, gadgets)
	assert.True(t, st.Seen("d2"))
	require.Len(t, st.Queue.Queues["main"], 1)

	pending := f.stream.Pending(DefaultGroup)
	require.Len(t, pending, 2)
	for _, msg := range pending {
		assert.Equal(t, widgets, msg.Event.Repo)
	}
}

type panicking struct {
	Processor
	repo hosting.Repo
}

func (p panicking) Process(ctx context.Context, st *engine.State, ev event.Event) (*engine.Result, error) {
	if st.Repo == p.repo {
		panic("boom")
	}
	return p.Processor.Process(ctx, st, ev)
}

func TestPanicIsContainedToItsEvent(t *testing.T) {
	f := newFixture(t)
	f.append(t, widgets, "d1", 1)
	f.append(t, gadgets, "d2", 1)

	s := f.scheduler(Config{})
	s.proc = panicking{Processor: f.engine, repo: widgets}
	require.NoError(t, s.Drain(context.Background()))

	require.Len(t, f.outcomes, 2)
	for _, o := range f.outcomes {
		if o.Repo == widgets {
			assert.ErrorIs(t, o.Err, ErrPanic)
			assert.Equal(t, 1, o.Attempts)
		} else {
			assert.NoError(t, o.Err)
		}
	}
	assert.Empty(t, f.state(t, widgets).Queue.Queues, "the state of a panicked cycle is not saved")
	assert.Len(t, f.state(t, gadgets).Queue.Queues["main"], 1)
	assert.Empty(t, f.stream.Pending(DefaultGroup))
}

func TestRunSkipsUnreadableStates(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.states.Save(context.Background(), store.StateKey(widgets), []byte("{not json")))
	st := engine.NewState(gadgets)
	st.Queue.Queues["main"] = []queue.Entry{{PR: 1, Base: "main", Rule: "default", EnqueuedAt: time.Now()}}
	require.NoError(t, engine.SaveState(context.Background(), f.states, st))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := f.scheduler(Config{TickInterval: time.Hour})
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	o := f.wait(t, func(o Outcome) bool { return o.Event.Kind == event.KindScheduleTick })
	assert.Equal(t, gadgets, o.Repo)
	require.NoError(t, o.Err)

	f.append(t, widgets, "d1", 1)
	o = f.wait(t, func(o Outcome) bool { return o.Event.DeliveryID == "d1" })
	assert.Error(t, o.Err)

	f.append(t, gadgets, "d2", 1)
	o = f.wait(t, func(o Outcome) bool { return o.Event.DeliveryID == "d2" })
	assert.NoError(t, o.Err)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
