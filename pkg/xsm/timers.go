package xsm

import (
	"sync"
	"time"
)

// TimerWheel tracks one Interpreter's "after" timers, each scheduled
// as its own time.AfterFunc, so they can be cancelled singly or all
// at once. Firing callbacks only enqueue events; they never touch a
// Configuration directly, per the concurrency model.
type TimerWheel struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*time.Timer
}

func NewTimerWheel() *TimerWheel {
	return &TimerWheel{pending: map[uint64]*time.Timer{}}
}

// TimerHandle cancels a single scheduled fire.
type TimerHandle struct {
	id    uint64
	wheel *TimerWheel
}

// Schedule fires fn after d elapses, unless Cancel is called first.
// fn runs on its own goroutine (time.AfterFunc); it must be
// non-blocking and must only enqueue an event.
func (w *TimerWheel) Schedule(d time.Duration, fn func()) *TimerHandle {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.mu.Unlock()

	t := time.AfterFunc(d, func() {
		w.mu.Lock()
		_, stillPending := w.pending[id]
		delete(w.pending, id)
		w.mu.Unlock()
		if stillPending {
			fn()
		}
	})

	w.mu.Lock()
	w.pending[id] = t
	w.mu.Unlock()

	return &TimerHandle{id: id, wheel: w}
}

// Cancel stops the timer if it has not already fired. A late fire
// racing with Cancel is discarded by the pending-map check above.
func (h *TimerHandle) Cancel() {
	h.wheel.mu.Lock()
	t, ok := h.wheel.pending[h.id]
	delete(h.wheel.pending, h.id)
	h.wheel.mu.Unlock()
	if ok {
		t.Stop()
	}
}

// CancelAll stops every still-pending timer, used on orchestrator
// shutdown.
func (w *TimerWheel) CancelAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, t := range w.pending {
		t.Stop()
		delete(w.pending, id)
	}
}
