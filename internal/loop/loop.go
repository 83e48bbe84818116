// Package loop implements RAVEL's single-threaded event dispatcher
// (spec.md §4.G/§5): one background worker owns every store mutation,
// every listener firing and every scheduled callback, guarded by exactly
// one mutex/condvar pair over two shared structures — a FIFO action
// queue and a time-ordered event list. The condvar-wait-with-deadline
// shape is grounded on the teacher-adjacent
// syncthing/internal/events.BufferedSubscription, which parks a
// goroutine on sync.Cond.Wait() under its own mutex and wakes it with
// Broadcast from a producer goroutine; this package adds a timer
// alongside the broadcast to support waiting for an absolute deadline,
// which that pattern doesn't need but a timer-event queue does.
package loop

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ravel-lang/ravel/internal/logutil"
	"github.com/ravel-lang/ravel/internal/ravelerr"
	"github.com/ravel-lang/ravel/internal/value"
)

// Logger is the dispatcher's operational logger, overridden by cmd/ravel
// the way internal/store.Logger is.
var Logger = logutil.Nop()

// Observer, when non-nil, is notified after every action and event runs
// — a read-only tap for internal/introspect's websocket push, kept
// outside the mu/cond pair's critical section (called after mu.Unlock in
// run) so a slow or blocking observer can never stall the dispatcher.
var Observer func(kind string)

// TEvent is the language-level handle returned by after/every, carrying
// just the `:cancel` capability (spec.md §4.G).
var TEvent = value.NewType("event", value.TAny)

func init() {
	value.Register("cancel", []*value.Type{TEvent}, func(args []value.Value) (value.Value, error) {
		ev, ok := args[0].(*Event)
		if !ok {
			return nil, ravelerr.New(ravelerr.TypeError, "cancel expects an event")
		}
		Cancel(ev)
		return value.Nil, nil
	})
}

// Event is one scheduled (one-shot or recurring) callback. Fields are
// only ever touched under mu, matching spec.md §5's "exactly two
// structures are shared" invariant.
type Event struct {
	at       time.Time
	period   time.Duration // zero means one-shot
	fn       func() error
	canceled bool
}

func (*Event) Kind() value.Kind  { return value.KEvent }
func (*Event) Type() *value.Type { return TEvent }

var (
	mu      sync.Mutex
	cond    = sync.NewCond(&mu)
	actions []func() error
	events  []*Event // kept sorted by at, ascending
	started bool
)

// Start launches the single dispatcher goroutine. Calling it more than
// once is a no-op — cmd/ravel calls it unconditionally at startup.
func Start() {
	mu.Lock()
	defer mu.Unlock()
	if started {
		return
	}
	started = true
	go run()
}

// Enqueue appends an action to the FIFO queue and wakes the dispatcher.
// Listener fires and any other deferred work go through this, never a
// direct call, per spec.md §5's "not called synchronously".
func Enqueue(fn func() error) {
	mu.Lock()
	actions = append(actions, fn)
	cond.Signal()
	mu.Unlock()
}

// After schedules fn to run once after d.
func After(d time.Duration, fn func() error) *Event {
	return schedule(time.Now().Add(d), 0, fn)
}

// Every schedules fn to run repeatedly every d, re-armed only while it
// keeps returning nil (spec.md §4.G: "if it is recurring and its
// callback returned nil, add its period ... and re-insert").
func Every(d time.Duration, fn func() error) *Event {
	return schedule(time.Now().Add(d), d, fn)
}

func schedule(at time.Time, period time.Duration, fn func() error) *Event {
	ev := &Event{at: at, period: period, fn: fn}
	mu.Lock()
	insertSorted(ev)
	cond.Signal()
	mu.Unlock()
	return ev
}

// Adjust reschedules ev by dt: removed and reinserted under the lock so
// a concurrent dispatch of the same event can't race the move.
func Adjust(ev *Event, dt time.Duration) {
	mu.Lock()
	defer mu.Unlock()
	removeEvent(ev)
	ev.at = ev.at.Add(dt)
	if !ev.canceled {
		insertSorted(ev)
	}
	cond.Signal()
}

// Cancel unlinks ev. Always safe: removal happens under the lock, so it
// can never race a concurrent fire (spec.md §5).
func Cancel(ev *Event) {
	mu.Lock()
	ev.canceled = true
	removeEvent(ev)
	mu.Unlock()
}

// Stats is a point-in-time read of the dispatcher's two shared
// structures, for internal/introspect's debug snapshot.
type Stats struct {
	PendingActions int
	PendingEvents  int
	NextEventAt    time.Time // zero if PendingEvents == 0
}

// Snapshot reads Stats under the lock, the only safe way to look at
// either shared structure from outside the dispatcher goroutine.
func Snapshot() Stats {
	mu.Lock()
	defer mu.Unlock()
	st := Stats{PendingActions: len(actions), PendingEvents: len(events)}
	if len(events) > 0 {
		st.NextEventAt = events[0].at
	}
	return st
}

func insertSorted(ev *Event) {
	i := 0
	for i < len(events) && !events[i].at.After(ev.at) {
		i++
	}
	events = append(events, nil)
	copy(events[i+1:], events[i:])
	events[i] = ev
}

func removeEvent(ev *Event) {
	for i, e := range events {
		if e == ev {
			events = append(events[:i], events[i+1:]...)
			return
		}
	}
}

// run is the single dispatcher loop: drain every ready action, then fire
// at most one ready event and start over; only when nothing is ready does
// it wait — for a deadline if an event is pending, unconditionally
// otherwise.
func run() {
	mu.Lock()
	for {
		for len(actions) > 0 {
			fn := actions[0]
			actions = actions[1:]
			mu.Unlock()
			if err := fn(); err != nil {
				logAction(err)
			}
			if Observer != nil {
				Observer("action")
			}
			mu.Lock()
		}

		if len(events) == 0 {
			cond.Wait()
			continue
		}

		head := events[0]
		now := time.Now()
		if head.at.After(now) {
			waitUntil(head.at)
			continue
		}

		events = events[1:]
		fn := head.fn
		mu.Unlock()
		err := fn()
		if Observer != nil {
			Observer("event")
		}
		mu.Lock()
		if head.period > 0 && err == nil && !head.canceled {
			head.at = head.at.Add(head.period)
			insertSorted(head)
		} else if err != nil {
			logAction(err)
		}
	}
}

// waitUntil parks on cond until deadline or until some producer signals
// sooner (a new, earlier event, a cancellation, or a fresh action).
// Called with mu held; returns with mu held.
func waitUntil(deadline time.Time) {
	timer := time.AfterFunc(time.Until(deadline), func() {
		mu.Lock()
		cond.Broadcast()
		mu.Unlock()
	})
	cond.Wait()
	timer.Stop()
}

func logAction(err error) {
	if re, ok := err.(*ravelerr.Error); ok {
		Logger.Error("action error", zap.String("kind", string(re.Kind)), zap.String("message", re.Message))
		return
	}
	Logger.Error("action error", zap.Error(err))
}
