// Package scheduler drives polling passes over every registered account on a
// fixed interval, with optional on-demand passes via a trigger queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/postwatch/postwatch/internal/dispatch"
	"github.com/postwatch/postwatch/internal/domain"
	"github.com/postwatch/postwatch/internal/metrics"
	"github.com/postwatch/postwatch/internal/monitor"
	"github.com/postwatch/postwatch/internal/store"
)

// State is the scheduler lifecycle state.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateSleeping:
		return "sleeping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrStopped is returned by RunOnce after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Skip reasons reported in PassResult.Skipped.
const (
	SkipBusy    = "cycle already in progress"
	SkipStopped = "scheduler stopping"
)

// CycleRunner runs one account cycle. *monitor.Monitor implements it.
type CycleRunner interface {
	RunCycle(ctx context.Context, account domain.Account, state domain.PersistedState) (monitor.CycleResult, error)
}

// Options tunes the scheduler.
type Options struct {
	// Interval is the sleep between passes.
	Interval time.Duration
	// Concurrency bounds the number of account cycles run in parallel.
	Concurrency int
	// AfterPass, when set, is called at the end of every pass.
	AfterPass func(PassResult)
}

// PassResult aggregates one polling pass.
type PassResult struct {
	PassID string
	// Accepted maps every successfully polled handle to the posts delivered
	// for it, oldest first. Priming cycles report no posts.
	Accepted map[string][]domain.Post
	// Failed maps handles to the error of their cycle.
	Failed map[string]error
	// Skipped maps handles that did not run to the reason.
	Skipped  map[string]string
	Duration time.Duration
}

// Total returns the number of delivered posts across all accounts.
func (r PassResult) Total() int {
	n := 0
	for _, posts := range r.Accepted {
		n += len(posts)
	}
	return n
}

func newPassResult() PassResult {
	return PassResult{
		PassID:   uuid.NewString(),
		Accepted: make(map[string][]domain.Post),
		Failed:   make(map[string]error),
		Skipped:  make(map[string]string),
	}
}

// Scheduler runs polling passes. Each account cycle is
// fetch, dedup, commit and then dispatch; cycles of one handle never overlap.
type Scheduler struct {
	registry   *monitor.Registry
	runner     CycleRunner
	store      store.Store
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Collector
	triggers   *TriggerQueue
	opts       Options
	logger     *logrus.Entry

	state atomic.Int32

	// passMu serialises passes between the loop and direct RunOnce calls.
	passMu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
	started   atomic.Bool

	errMu sync.Mutex
	err   error
}

// New creates a scheduler. m may be nil.
func New(
	registry *monitor.Registry,
	runner CycleRunner,
	st store.Store,
	dispatcher *dispatch.Dispatcher,
	m *metrics.Collector,
	opts Options,
	logger *logrus.Entry,
) *Scheduler {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	s := &Scheduler{
		registry:   registry,
		runner:     runner,
		store:      st,
		dispatcher: dispatcher,
		metrics:    m,
		triggers:   NewTriggerQueue(logger),
		opts:       opts,
		logger:     logger.WithField("component", "scheduler"),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.setState(StateIdle)
	return s
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
	s.metrics.SetSchedulerState(st.String())
}

// Err returns the error that halted the scheduler, if any.
func (s *Scheduler) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Scheduler) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Done is closed once the loop started by Start has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Trigger asks the running loop for an immediate pass. It reports false when
// a request was already pending.
func (s *Scheduler) Trigger(reason string) bool {
	return s.triggers.Enqueue(reason)
}

func (s *Scheduler) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Start launches the polling loop: a pass runs immediately, then the
// scheduler sleeps Interval between passes until ctx is cancelled, Stop is
// called or an authentication failure halts it.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.started.Store(true)
		s.logger.WithFields(logrus.Fields{
			"interval":    s.opts.Interval,
			"concurrency": s.opts.Concurrency,
			"accounts":    s.registry.Len(),
		}).Info("starting scheduler")
		go s.loop(ctx)
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	defer s.setState(StateStopped)

	for {
		if ctx.Err() != nil || s.stopping() {
			return
		}

		if _, err := s.pass(ctx, false); err != nil {
			if errors.Is(err, domain.ErrAuth) {
				s.logger.WithError(err).Error("authentication failed, halting scheduler")
			}
			return
		}

		if s.stopping() {
			return
		}
		s.setState(StateSleeping)

		timer := time.NewTimer(s.opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopping (context cancelled)")
			return
		case <-s.stopCh:
			timer.Stop()
			s.logger.Info("scheduler stopping")
			return
		case reason := <-s.triggers.C():
			timer.Stop()
			s.logger.WithField("reason", reason).Info("on-demand pass")
		case <-timer.C:
		}
	}
}

// Stop signals the loop to stop and blocks until it has exited. In-flight
// account cycles finish first; no new ones start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping scheduler")
		close(s.stopCh)
	})
	if s.started.Load() {
		<-s.done
	} else {
		s.passMu.Lock()
		s.setState(StateStopped)
		s.passMu.Unlock()
	}
	s.logger.Info("scheduler stopped")
}

// RunOnce executes one synchronous pass and returns its aggregated result.
// The error is non-nil only when the scheduler is stopped or an
// authentication failure aborted the pass.
func (s *Scheduler) RunOnce(ctx context.Context) (PassResult, error) {
	return s.pass(ctx, true)
}

// pass runs one polling pass. With restore set, the state held before the
// pass is put back afterwards; the loop manages its own transitions.
func (s *Scheduler) pass(ctx context.Context, restore bool) (PassResult, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	if s.State() == StateStopped || s.Err() != nil {
		if err := s.Err(); err != nil {
			return PassResult{}, err
		}
		return PassResult{}, ErrStopped
	}

	prev := s.State()
	s.setState(StatePolling)
	defer func() {
		if restore && s.State() == StatePolling {
			s.setState(prev)
		}
	}()

	result := newPassResult()
	log := s.logger.WithField("pass_id", result.PassID)
	start := time.Now()

	accounts := s.registry.Accounts()
	s.metrics.SetAccounts(len(accounts))
	log.WithField("accounts", len(accounts)).Debug("pass started")

	// Cycles run detached from cancellation so a stop never interrupts a
	// fetch-commit-dispatch sequence half way; the monitor's fetch timeout
	// bounds them instead.
	cycleCtx := context.WithoutCancel(ctx)

	var (
		mu     sync.Mutex
		halted atomic.Bool
		g      errgroup.Group
	)
	g.SetLimit(s.opts.Concurrency)

	for _, acct := range accounts {
		if ctx.Err() != nil || s.stopping() || halted.Load() {
			mu.Lock()
			result.Skipped[acct.Handle] = SkipStopped
			mu.Unlock()
			continue
		}
		if ok, reason := s.registry.Eligible(acct.Handle); !ok {
			log.WithFields(logrus.Fields{"handle": acct.Handle, "reason": reason}).Debug("skipping account")
			mu.Lock()
			result.Skipped[acct.Handle] = reason
			mu.Unlock()
			continue
		}

		acct := acct
		g.Go(func() error {
			// g.Go blocks while the pool is full, so a stop or halt may have
			// happened since the check above.
			if ctx.Err() != nil || s.stopping() || halted.Load() {
				mu.Lock()
				result.Skipped[acct.Handle] = SkipStopped
				mu.Unlock()
				return nil
			}
			posts, skipped, err := s.runAccount(cycleCtx, log, acct)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case skipped != "":
				result.Skipped[acct.Handle] = skipped
			case err != nil:
				result.Failed[acct.Handle] = err
				if errors.Is(err, domain.ErrAuth) {
					halted.Store(true)
				}
			default:
				result.Accepted[acct.Handle] = posts
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = time.Since(start)
	s.metrics.ObservePass(result.Duration)

	log.WithFields(logrus.Fields{
		"delivered": result.Total(),
		"succeeded": len(result.Accepted),
		"failed":    len(result.Failed),
		"skipped":   len(result.Skipped),
		"duration":  result.Duration.Round(time.Millisecond),
	}).Info("pass complete")

	if s.opts.AfterPass != nil {
		s.opts.AfterPass(result)
	}

	if halted.Load() {
		for _, err := range result.Failed {
			if errors.Is(err, domain.ErrAuth) {
				s.setErr(err)
				break
			}
		}
		s.setState(StateStopped)
		return result, s.Err()
	}
	return result, nil
}

// runAccount runs one account's fetch, commit and dispatch sequence under
// its handle lock.
func (s *Scheduler) runAccount(ctx context.Context, passLog *logrus.Entry, acct domain.Account) (delivered []domain.Post, skipped string, err error) {
	release, ok := s.registry.TryAcquire(acct.Handle)
	if !ok {
		return nil, SkipBusy, nil
	}
	defer release()

	log := passLog.WithField("handle", acct.Handle)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("account cycle panicked: %v", r)
			log.WithField("panic", r).Error("account cycle panicked")
		}
		if err != nil {
			kind := domain.Classify(err)
			s.registry.RecordFailure(acct.Handle, err)
			s.metrics.CycleFailed(acct.Handle, kind.String(), time.Since(start))
			entry := log.WithError(err).WithFields(logrus.Fields{
				"kind":      kind.String(),
				"retryable": kind.Retryable(),
			})
			if kind == domain.KindAuth || kind == domain.KindStateCommit {
				entry.Error("account cycle failed")
			} else {
				entry.Warn("account cycle failed")
			}
		}
	}()

	state, err := s.store.Load(ctx, acct.Handle)
	if err != nil {
		return nil, "", fmt.Errorf("loading state for @%s: %w", acct.Handle, err)
	}

	res, err := s.runner.RunCycle(ctx, acct, state)
	if err != nil {
		return nil, "", err
	}

	if res.Changed() {
		if err := s.store.Commit(ctx, acct.Handle, res.Accepted, res.State); err != nil {
			return nil, "", &domain.StateCommitError{Handle: acct.Handle, Err: err}
		}
	}

	s.metrics.ObserveCycle(acct.Handle, metrics.CycleCounts{
		Fetched:    res.Fetched,
		Accepted:   len(res.Accepted),
		Duplicates: res.Duplicates,
		Filtered:   res.Filtered,
	}, time.Since(start))

	delivered = res.Deliverable()
	if res.Priming && len(res.Accepted) > 0 {
		log.WithField("baseline", len(res.Accepted)).Info("first cycle recorded as baseline, not delivered")
	}
	if len(delivered) > 0 {
		s.dispatcher.Dispatch(ctx, acct.Handle, delivered)
		s.metrics.Delivered(acct.Handle, len(delivered))
	}
	s.registry.RecordSuccess(acct.Handle, res.State, len(delivered))

	if delivered == nil {
		delivered = []domain.Post{}
	}
	return delivered, "", nil
}
