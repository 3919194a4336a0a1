package httpx

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Watchdog cancels its context when no progress is reported for the idle
// period. The timer is armed by the first Kick, so time spent before the
// response arrives (retries, backoff) is not counted. Requests sent through a
// Client with the watchdog's context kick it when a 2xx response arrives.
type Watchdog struct {
	idle    time.Duration
	cancel  context.CancelFunc
	stalled atomic.Bool

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatchdog derives a cancellable context from parent. An idle of 0
// disables stall detection.
func NewWatchdog(parent context.Context, idle time.Duration) (context.Context, *Watchdog) {
	ctx, cancel := context.WithCancel(parent)
	wd := &Watchdog{idle: idle, cancel: cancel}
	return context.WithValue(ctx, watchdogKey{}, wd), wd
}

type watchdogKey struct{}

func watchdogFrom(ctx context.Context) *Watchdog {
	wd, _ := ctx.Value(watchdogKey{}).(*Watchdog)
	return wd
}

// Kick reports progress and re-arms the idle timer.
func (w *Watchdog) Kick() {
	if w.idle <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil {
		w.timer = time.AfterFunc(w.idle, func() {
			w.stalled.Store(true)
			w.cancel()
		})
		return
	}
	w.timer.Reset(w.idle)
}

// Stalled reports whether the context was cancelled by the idle timer.
func (w *Watchdog) Stalled() bool { return w.stalled.Load() }

// Stop disarms the timer and releases the context.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.cancel()
}
