// Package loop provides the single designated delivery context.
//
// Every reply resolution and every event push in the bridge runs as a task on
// one Loop. Tasks execute one at a time in the order they were posted, so state
// touched only from tasks needs no further locking. Posting never blocks and
// never drops work, which makes it safe to call from SDK callback goroutines.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/oxibridge/internal/groutine"
)

// ErrStopped is returned when waiting on a loop that has been stopped.
var ErrStopped = errors.New("delivery loop stopped")

// Loop is a serial FIFO executor.
type Loop struct {
	logger *logrus.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	started bool

	done chan struct{}
}

// New creates a loop. Call Start before posting work that must run.
func New(logger *logrus.Logger) *Loop {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the loop goroutine. It returns immediately; the loop runs
// until Stop is called or ctx is cancelled. Calling Start twice is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	groutine.Go(ctx, "delivery-loop", func(ctx context.Context) {
		defer close(l.done)
		defer l.logger.Debugf("%s: exiting", groutine.GetName(ctx))

		for {
			task, ok := l.next(ctx)
			if !ok {
				return
			}
			l.run(task)
		}
	})
}

// next blocks until a task is available. It returns false once the loop is
// stopped and the queue is drained, or when ctx is cancelled.
func (l *Loop) next(ctx context.Context) (func(), bool) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			task := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return task, true
		}
		stopped := l.stopped
		l.mu.Unlock()

		if stopped {
			return nil, false
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.queue = nil
			l.mu.Unlock()
			return nil, false
		}
	}
}

func (l *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", r).Error("Delivery loop: task panic recovered")
		}
	}()
	task()
}

// Post enqueues fn for execution on the loop. It never blocks.
// Returns false if the loop has been stopped; fn is then discarded.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}

	l.mu.Lock()
	if l.stopped {
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

// Timer is a pending delayed post.
type Timer struct {
	t        *time.Timer
	canceled atomic.Bool
	fired    atomic.Bool
}

// Stop prevents the delayed function from running. It reports whether the
// call stopped the timer, false if the function already ran or was stopped.
// Stop called from a loop task is exact: once it returns true the function
// is guaranteed never to run.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	if t.fired.Load() {
		return false
	}
	if !t.canceled.CompareAndSwap(false, true) {
		return false
	}
	t.t.Stop()
	return true
}

// PostDelayed posts fn to the loop once d has elapsed.
func (l *Loop) PostDelayed(d time.Duration, fn func()) *Timer {
	timer := &Timer{}
	timer.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if timer.canceled.Load() {
				return
			}
			timer.fired.Store(true)
			fn()
		})
	})
	return timer
}

// Flush waits until every task posted before the call has executed.
func (l *Loop) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	if !l.Post(func() { close(marker) }) {
		return ErrStopped
	}

	select {
	case <-marker:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting work, lets already queued tasks run and waits for the
// loop goroutine to exit. Safe to call more than once.
func (l *Loop) Stop() {
	l.mu.Lock()
	started := l.started
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	if started {
		<-l.done
	}
}

// Done is closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
