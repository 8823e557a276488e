// Package reconciler implements the per-entity state machines: NIC, network,
// aggregation, instance, and node. Every reconciler follows the same scaffold:
// declared state transitions enforced at runtime, a single goroutine processing
// serialized signals, and a hard periodic refresh timer while waiting. It
// follows the controller pattern in npm/podController.go (one worker goroutine
// draining a workqueue), generalized from a k8s informer queue to this agent's
// own signal channel, since these reconcilers are not watching Kubernetes
// objects.
package reconciler

import (
	"fmt"
	"sync"
	"time"

	"github.com/joyent-sdc/net-agent/metrics"
)

// Table declares the legal from→to state transitions for one reconciler
// kind.
type Table map[string]map[string]bool

// NewTable builds a Table from a flat list of (from, to) pairs.
func NewTable(pairs ...[2]string) Table {
	t := Table{}
	for _, p := range pairs {
		from, to := p[0], p[1]
		if t[from] == nil {
			t[from] = map[string]bool{}
		}
		t[from][to] = true
	}
	return t
}

// Allowed reports whether from→to is a declared transition.
func (t Table) Allowed(from, to string) bool {
	return t[from] != nil && t[from][to]
}

// scaffold holds the state shared by every reconciler implementation:
// current state, its transition table, a signal queue, and the periodic
// refresh timer that fires while waiting.
type scaffold struct {
	kind  string
	table Table

	mu    sync.Mutex
	state string

	signals  chan func()
	stopped  chan struct{}
	stopOnce sync.Once

	periodicRefresh time.Duration
	timer           *time.Timer
}

func newScaffold(kind string, table Table, periodicRefresh time.Duration) *scaffold {
	observeReconcilerCreated(kind, "init")
	return &scaffold{
		kind:            kind,
		table:           table,
		state:           "init",
		signals:         make(chan func(), 32),
		stopped:         make(chan struct{}),
		periodicRefresh: periodicRefresh,
	}
}

// transition moves the reconciler to `to`, panicking if the move is not in
// the declared table. Must be called from the reconciler's own goroutine.
func (s *scaffold) transition(to string) {
	s.mu.Lock()
	from := s.state
	allowed := s.table.Allowed(from, to)
	if allowed {
		s.state = to
	}
	s.mu.Unlock()

	if !allowed {
		panic(fmt.Sprintf("reconciler: illegal %s transition %s -> %s", s.kind, from, to))
	}
	observeTransition(s.kind, from, to)
}

// State returns the current state (safe to call from any goroutine).
func (s *scaffold) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// enqueue serializes fn onto the reconciler's own goroutine. Safe to call
// from any goroutine; this is how external setters and signals reach a
// reconciler without a lock around its state machine body.
func (s *scaffold) enqueue(fn func()) {
	select {
	case s.signals <- fn:
	case <-s.stopped:
	}
}

// run drains signals one at a time until stop is called, additionally
// firing onPeriodic whenever the periodic refresh timer elapses while in
// "waiting".
func (s *scaffold) run(onPeriodic func()) {
	s.resetTimer()
	for {
		var timerC <-chan time.Time
		if s.timer != nil {
			timerC = s.timer.C
		}
		select {
		case <-s.stopped:
			return
		case fn := <-s.signals:
			fn()
			s.resetTimer()
		case <-timerC:
			if s.State() == "waiting" {
				onPeriodic()
			}
			s.resetTimer()
		}
	}
}

func (s *scaffold) resetTimer() {
	if s.periodicRefresh <= 0 {
		return
	}
	if s.timer == nil {
		s.timer = time.NewTimer(s.periodicRefresh)
		return
	}
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
	s.timer.Reset(s.periodicRefresh)
}

// stop shuts down the reconciler's goroutine. Safe to call more than once.
func (s *scaffold) stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// observeTransition and observeReconcilerCreated are package-level function
// variables that forward to the metrics package.
var observeTransition = func(kind, from, to string) {
	metrics.ObserveTransition(kind, from, to)
}

var observeReconcilerCreated = func(kind, state string) {
	metrics.ObserveReconcilerCreated(kind, state)
}
