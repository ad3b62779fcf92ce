// Package loop provides a single goroutine task loop. Guidance state
// (sequencer, observer, engine) is confined to it, so every timer tick,
// browser callback and API call is serialized the way a UI thread would
// serialize them.
package loop

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned when work is submitted to a closed loop.
var ErrClosed = errors.New("loop: closed")

// Loop runs posted tasks one at a time in FIFO order.
type Loop struct {
	logger *zap.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New starts a loop goroutine. Close must be called to release it.
func New(logger *zap.Logger) *Loop {
	l := &Loop{
		logger:  logger.Named("loop"),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post enqueues fn. It never blocks and reports false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to return. It must not be called
// from a task already running on the loop.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		// The loop drains its queue before stopping, so fn has run.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops accepting work, runs what is already queued and waits for the
// loop goroutine to exit. Safe to call more than once; must not be called
// from the loop itself.
func (l *Loop) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)
		select {
		case l.wake <- struct{}{}:
		default:
		}
	})
	<-l.stopped
}

// Done is closed when Close has been called.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) run() {
	defer close(l.stopped)
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			<-l.wake
			continue
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.exec(fn)
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Panic in loop task.",
				zap.Any("panic_reason", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}

// -- Timers --

// Timer is a one-shot timer whose callback runs on the loop.
type Timer struct {
	t       *time.Timer
	stopped atomic.Bool
}

// AfterFunc runs fn on the loop after d. A tick that is already queued when
// Stop is called does not run.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.stopped.Swap(true) {
				return
			}
			fn()
		})
	})
	return tm
}

// Stop cancels the timer. It is nil safe and idempotent.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped.Store(true)
	t.t.Stop()
}

// Ticker runs a callback on the loop at a fixed interval.
type Ticker struct {
	stop    chan struct{}
	once    sync.Once
	stopped atomic.Bool
	pending atomic.Bool
}

// Every runs fn on the loop every d until Stop. Ticks never pile up: while
// one is queued, further ticks are dropped.
func (l *Loop) Every(d time.Duration, fn func()) *Ticker {
	tk := &Ticker{stop: make(chan struct{})}
	go func() {
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-tk.stop:
				return
			case <-l.done:
				return
			case <-t.C:
				if !tk.pending.CompareAndSwap(false, true) {
					continue
				}
				l.Post(func() {
					tk.pending.Store(false)
					if tk.stopped.Load() {
						return
					}
					fn()
				})
			}
		}
	}()
	return tk
}

// Stop ends the ticker. It is nil safe and idempotent.
func (t *Ticker) Stop() {
	if t == nil {
		return
	}
	t.stopped.Store(true)
	t.once.Do(func() { close(t.stop) })
}
