package loop

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func init() {
	Start()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within timeout")
}

func TestEnqueueRunsInFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int

	for i := 0; i < 5; i++ {
		i := i
		Enqueue(func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	})
	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order 0..4, got %v", order)
		}
	}
}

func TestAfterFiresOnceAfterDuration(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	start := time.Now()

	After(20*time.Millisecond, func() error {
		mu.Lock()
		fired++
		mu.Unlock()
		return nil
	})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired == 1
	})
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("fired suspiciously early: %v", time.Since(start))
	}

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("a one-shot After must fire exactly once, got %d", fired)
	}
}

func TestEveryReArmsOnNilReturnAndStopsOnFirstError(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	stopErr := errors.New("stop")

	Every(10*time.Millisecond, func() error {
		mu.Lock()
		defer mu.Unlock()
		fired++
		if fired >= 3 {
			return stopErr
		}
		return nil
	})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired >= 3
	})

	// Once the callback returns a non-nil error, §4.G's "re-armed only
	// while it keeps returning nil" rule means it must not fire again.
	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired != 3 {
		t.Fatalf("expected exactly 3 fires once the callback errors, got %d", fired)
	}
}

func TestCancelPreventsFire(t *testing.T) {
	var mu sync.Mutex
	fired := 0

	ev := After(20*time.Millisecond, func() error {
		mu.Lock()
		fired++
		mu.Unlock()
		return nil
	})
	Cancel(ev)

	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired != 0 {
		t.Fatalf("a canceled event must never fire, got %d fires", fired)
	}
}

func TestAdjustReschedulesEvent(t *testing.T) {
	var mu sync.Mutex
	var firedAt time.Time
	start := time.Now()

	ev := After(15*time.Millisecond, func() error {
		mu.Lock()
		firedAt = time.Now()
		mu.Unlock()
		return nil
	})
	Adjust(ev, 40*time.Millisecond)

	time.Sleep(25 * time.Millisecond)
	mu.Lock()
	stillPending := firedAt.IsZero()
	mu.Unlock()
	if !stillPending {
		t.Fatalf("adjusted event fired before its new, later deadline")
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !firedAt.IsZero()
	})
	if firedAt.Sub(start) < 45*time.Millisecond {
		t.Fatalf("event fired before its adjusted deadline: %v", firedAt.Sub(start))
	}
}

func TestSnapshotReportsPendingEvents(t *testing.T) {
	ev := After(time.Hour, func() error { return nil })
	defer Cancel(ev)

	st := Snapshot()
	if st.PendingEvents < 1 {
		t.Fatalf("expected at least 1 pending event, got %d", st.PendingEvents)
	}
	if st.NextEventAt.IsZero() {
		t.Fatalf("NextEventAt must be set when events are pending")
	}
}

func TestCancelEventEvent(t *testing.T) {
	ev := After(time.Hour, func() error { return nil })
	before := Snapshot().PendingEvents
	Cancel(ev)
	after := Snapshot().PendingEvents
	if after != before-1 {
		t.Fatalf("expected pending events to drop by 1 after cancel, got %d -> %d", before, after)
	}
}
