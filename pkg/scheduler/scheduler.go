// Package scheduler feeds stream events to the engine. Every repository has
// one slot, a bounded queue drained by a dedicated goroutine, so the events of
// a repository are processed one at a time and in order while repositories
// progress in parallel under a global limit.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/holon-run/mergequeue/pkg/engine"
	"github.com/holon-run/mergequeue/pkg/event"
	"github.com/holon-run/mergequeue/pkg/hosting"
	mqlog "github.com/holon-run/mergequeue/pkg/log"
	"github.com/holon-run/mergequeue/pkg/store"
)

const (
	DefaultGroup        = "scheduler"
	DefaultWorkers      = 8
	DefaultSlotSize     = 64
	DefaultTickInterval = time.Minute
	DefaultReadBatch    = 100
	// pollInterval bounds the wait for new messages when the stream
	// notification is missed.
	pollInterval = time.Second
)

// ErrPanic wraps a panic raised while processing an event.
var ErrPanic = errors.New("event processing panicked")

// Processor runs one cycle for an event.
type Processor interface {
	Process(ctx context.Context, st *engine.State, ev event.Event) (*engine.Result, error)
}

// Outcome is reported after every processed event.
type Outcome struct {
	Repo     hosting.Repo
	Event    event.Event
	Result   *engine.Result
	Err      error
	Attempts int
	// Duplicate is set when the delivery was already processed.
	Duplicate bool
}

// Config tunes the scheduler.
type Config struct {
	// Group is the stream consumer group.
	Group string
	// Workers bounds the number of repositories processed at once.
	Workers int
	// SlotSize bounds the events waiting per repository.
	SlotSize     int
	TickInterval time.Duration
	ReadBatch    int
	// Retry bounds the attempts of an event failing transiently.
	Retry hosting.RetryPolicy
	// OnOutcome is called after every event, from the repository's slot.
	OnOutcome func(Outcome)
	Log       *zap.SugaredLogger
	Now       func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.SlotSize <= 0 {
		c.SlotSize = DefaultSlotSize
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.ReadBatch <= 0 {
		c.ReadBatch = DefaultReadBatch
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = hosting.DefaultRetryPolicy()
	}
	if c.Log == nil {
		c.Log = mqlog.Get()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Scheduler owns the repository slots.
type Scheduler struct {
	proc   Processor
	states store.StateStore
	stream store.Stream
	cfg    Config
	sem    *semaphore.Weighted

	mu    sync.Mutex
	slots map[string]*slot
	group *errgroup.Group
	ctx   context.Context
	// oneShot disables wake timers while draining.
	oneShot bool
}

// New returns a scheduler reading stream and persisting to states.
func New(proc Processor, states store.StateStore, stream store.Stream, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		proc:   proc,
		states: states,
		stream: stream,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
		slots:  map[string]*slot{},
	}
}

type job struct {
	ev  event.Event
	msg *store.Message
	// done is closed once the job was processed.
	done chan struct{}
}

type slot struct {
	repo   hosting.Repo
	jobs   chan job
	mu     sync.Mutex
	active bool
	wake   *time.Timer
	wakeAt time.Time
}

// Run processes events until ctx is cancelled. Messages delivered but not
// acknowledged before a restart are delivered again, and every repository
// with persisted work gets a tick.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.group, s.ctx = g, gctx
	s.mu.Unlock()

	if err := s.stream.Rewind(gctx, s.cfg.Group); err != nil {
		return fmt.Errorf("failed to rewind stream: %w", err)
	}
	if err := s.recover(gctx); err != nil {
		return err
	}

	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.tickLoop(gctx) })

	err := g.Wait()
	s.stopTimers()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Drain processes every message currently in the stream and returns once
// they are all handled. It is used by one-shot runs.
func (s *Scheduler) Drain(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.group, s.ctx, s.oneShot = g, gctx, true
	s.mu.Unlock()

	if err := s.stream.Rewind(gctx, s.cfg.Group); err != nil {
		return fmt.Errorf("failed to rewind stream: %w", err)
	}
	var pending []chan struct{}
	for {
		msgs, err := s.stream.Read(gctx, s.cfg.Group, s.cfg.ReadBatch)
		if err != nil {
			s.closeSlots()
			_ = g.Wait()
			return fmt.Errorf("failed to read stream: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		for i := range msgs {
			done, err := s.submit(gctx, msgs[i].Event, &msgs[i])
			if err != nil {
				return g.Wait()
			}
			pending = append(pending, done)
		}
	}
	for _, done := range pending {
		select {
		case <-done:
		case <-gctx.Done():
			return g.Wait()
		}
	}
	s.closeSlots()
	return g.Wait()
}

// recover queues a tick for every repository whose persisted state still
// holds queued pull requests, trains or watched pull requests. States that
// cannot be read are skipped.
func (s *Scheduler) recover(ctx context.Context) error {
	keys, err := s.states.Keys(ctx, "state/")
	if err != nil {
		return fmt.Errorf("failed to list states: %w", err)
	}
	for _, key := range keys {
		repo, err := hosting.ParseRepo(strings.TrimPrefix(key, "state/"))
		if err != nil {
			s.cfg.Log.Warnw("ignoring unknown state key", "key", key)
			continue
		}
		st, err := engine.LoadState(ctx, s.states, repo)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.cfg.Log.Errorw("skipping unreadable state", "repo", repo.String(), "error", err)
			continue
		}
		if !st.Active() {
			continue
		}
		s.cfg.Log.Infow("recovering repository", "repo", repo.String(), "queues", len(st.Queue.Queues), "trains", len(st.Trains))
		s.slotFor(repo).setActive(true)
		s.tick(repo)
	}
	return nil
}

func (s *Scheduler) readLoop(ctx context.Context) error {
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()
	for {
		msgs, err := s.stream.Read(ctx, s.cfg.Group, s.cfg.ReadBatch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}
		for i := range msgs {
			if _, err := s.submit(ctx, msgs[i].Event, &msgs[i]); err != nil {
				return err
			}
		}
		if len(msgs) > 0 {
			continue
		}
		timer.Reset(pollInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stream.Notify():
		case <-timer.C:
		}
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, sl := range s.activeSlots() {
				s.tick(sl.repo)
			}
		}
	}
}

// submit hands an event to the slot of its repository, blocking while the
// slot is full.
func (s *Scheduler) submit(ctx context.Context, ev event.Event, msg *store.Message) (chan struct{}, error) {
	sl := s.slotFor(ev.Repo)
	j := job{ev: ev, msg: msg, done: make(chan struct{})}
	select {
	case sl.jobs <- j:
		return j.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// tick queues a synthetic tick unless the slot is full. A full slot already
// has work that evaluates the repository.
func (s *Scheduler) tick(repo hosting.Repo) {
	sl := s.slotFor(repo)
	j := job{ev: event.Tick(repo, s.cfg.Now()), done: make(chan struct{})}
	select {
	case sl.jobs <- j:
	default:
		s.cfg.Log.Debugw("slot full, skipping tick", "repo", repo.String())
	}
}

func (s *Scheduler) slotFor(repo hosting.Repo) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := repo.String()
	if sl, ok := s.slots[key]; ok {
		return sl
	}
	sl := &slot{repo: repo, jobs: make(chan job, s.cfg.SlotSize)}
	s.slots[key] = sl
	ctx := s.ctx
	s.group.Go(func() error { return s.runSlot(ctx, sl) })
	return sl
}

func (s *Scheduler) activeSlots() []*slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*slot
	for _, sl := range s.slots {
		if sl.isActive() {
			out = append(out, sl)
		}
	}
	return out
}

func (s *Scheduler) closeSlots() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, sl := range s.slots {
		close(sl.jobs)
		delete(s.slots, key)
	}
}

func (s *Scheduler) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range s.slots {
		sl.stopWake()
	}
}

// runSlot processes the jobs of one repository until the slot is closed. A
// failing repository never stops the slot nor the other repositories.
func (s *Scheduler) runSlot(ctx context.Context, sl *slot) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-sl.jobs:
			if !ok {
				return nil
			}
			s.process(ctx, sl, j)
			close(j.done)
		}
	}
}

// process runs one event under the global limit. When the state of the
// repository cannot be loaded or saved the message is left unacknowledged
// and delivered again after a restart.
func (s *Scheduler) process(ctx context.Context, sl *slot, j job) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	repo := sl.repo
	log := s.cfg.Log.With("repo", repo.String(), "kind", j.ev.Kind, "delivery", j.ev.DeliveryID)
	out := Outcome{Repo: repo, Event: j.ev}
	st, err := engine.LoadState(ctx, s.states, repo)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Errorw("failed to load state, leaving event unacknowledged", "error", err)
		out.Err = err
		s.report(out)
		return
	}

	if !j.ev.Synthetic() && st.Seen(j.ev.DeliveryID) {
		log.Debugw("skipping duplicate delivery")
		out.Duplicate = true
		s.report(out)
		s.ack(ctx, log, j)
		return
	}

	for attempt := 0; ; attempt++ {
		out.Attempts = attempt + 1
		out.Result, out.Err = s.run(ctx, st, j.ev)
		if errors.Is(out.Err, ErrPanic) {
			// The state of the cycle is left unsaved.
			log.Errorw("dropping event", "error", out.Err)
			s.report(out)
			s.ack(ctx, log, j)
			return
		}
		if err := engine.SaveState(ctx, s.states, st); err != nil {
			log.Errorw("failed to save state, leaving event unacknowledged", "error", err)
			out.Err = errors.Join(out.Err, err)
			s.report(out)
			return
		}
		if out.Err == nil || !engine.IsRetryable(out.Err) || attempt+1 >= s.cfg.Retry.MaxAttempts {
			break
		}
		delay := s.cfg.Retry.Delay(attempt)
		log.Infow("retrying event", "attempt", attempt+1, "delay", delay, "error", out.Err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
	if out.Err != nil {
		log.Errorw("event processing failed", "attempts", out.Attempts, "error", out.Err)
	}

	if !j.ev.Synthetic() {
		st.MarkProcessed(j.ev.DeliveryID)
		if err := engine.SaveState(ctx, s.states, st); err != nil {
			log.Errorw("failed to save state, leaving event unacknowledged", "error", err)
			out.Err = errors.Join(out.Err, err)
			s.report(out)
			return
		}
	}
	sl.setActive(st.Active())
	s.schedule(sl, st.WakeAt)
	s.report(out)
	s.ack(ctx, log, j)
}

// run calls the processor. A panic becomes an error of the cycle.
func (s *Scheduler) run(ctx context.Context, st *engine.State, ev event.Event) (res *engine.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			s.cfg.Log.Errorw("recovered from panic", "repo", st.Repo.String(), "delivery", ev.DeliveryID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return s.proc.Process(ctx, st, ev)
}

func (s *Scheduler) ack(ctx context.Context, log *zap.SugaredLogger, j job) {
	if j.msg == nil {
		return
	}
	if err := s.stream.Ack(ctx, s.cfg.Group, *j.msg); err != nil {
		log.Errorw("failed to acknowledge message", "stream", j.msg.Stream, "seq", j.msg.Seq, "error", err)
	}
}

func (s *Scheduler) report(out Outcome) {
	if s.cfg.OnOutcome != nil {
		s.cfg.OnOutcome(out)
	}
}

// schedule arms the wake timer of a slot. An earlier pending wake wins.
func (s *Scheduler) schedule(sl *slot, at time.Time) {
	s.mu.Lock()
	oneShot := s.oneShot
	s.mu.Unlock()
	if at.IsZero() || oneShot {
		return
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.wake != nil && !sl.wakeAt.IsZero() && sl.wakeAt.Before(at) && sl.wakeAt.After(s.cfg.Now()) {
		return
	}
	if sl.wake != nil {
		sl.wake.Stop()
	}
	delay := at.Sub(s.cfg.Now())
	if delay < 0 {
		delay = 0
	}
	sl.wakeAt = at
	repo := sl.repo
	sl.wake = time.AfterFunc(delay, func() {
		if s.ctx.Err() == nil {
			s.tick(repo)
		}
	})
}

func (sl *slot) setActive(v bool) {
	sl.mu.Lock()
	sl.active = v
	sl.mu.Unlock()
}

func (sl *slot) isActive() bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.active
}

func (sl *slot) stopWake() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.wake != nil {
		sl.wake.Stop()
		sl.wake = nil
	}
}
