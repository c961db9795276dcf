package bridge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// task is a unit of work run on the event loop. A non-nil error ends the
// loop.
type task func(ctx context.Context) error

type timerEntry struct {
	timer Timer
	fn    func(ctx context.Context) error
	// event marks a guest timeout event. Its entry stays registered until
	// the guest clears it.
	event bool
}

type callResult struct {
	value any
	err   error
}

func (b *Bridge) loop(ctx context.Context, started chan<- error) {
	defer close(b.done)

	err := protect(func() error { return b.start(ctx) })
	if err == nil && b.cfg.keepAlive {
		err = b.settle(ctx)
	}
	started <- err
	if err == nil {
		err = b.serve(ctx)
	}

	b.stopTimers()
	if err != nil {
		b.log.Debug("event loop stopped", zap.Error(err))
	}
	b.err = err
}

func (b *Bridge) serve(ctx context.Context) error {
	for !b.exited.Load() {
		if !b.cfg.keepAlive && len(b.timers) == 0 && len(b.tasks) == 0 {
			if err := protect(func() error { return b.wakeIdle(ctx) }); err != nil {
				return err
			}
			continue
		}

		if err := b.step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// settle serves the loop until the guest has no timers and no queued work.
// A keep-alive guest that sleeps or waits on timers while initialising is
// not parked yet.
func (b *Bridge) settle(ctx context.Context) error {
	for !b.exited.Load() && (len(b.timers) > 0 || len(b.tasks) > 0) {
		if err := b.step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// step runs the next queued task.
func (b *Bridge) step(ctx context.Context) error {
	select {
	case t := <-b.tasks:
		return protect(func() error { return t(ctx) })
	case <-b.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wakeIdle handles a guest that is suspended with nothing left to wake it.
// The guest runtime treats an event with id 0 as a deadlock report and
// exits; a guest that neither exits nor schedules more work is deadlocked.
func (b *Bridge) wakeIdle(ctx context.Context) error {
	b.log.Debug("guest idle with no pending events")
	if _, err := b.dispatchEvent(ctx, 0, Undefined, nil); err != nil {
		return err
	}
	if b.exited.Load() || len(b.timers) > 0 || len(b.tasks) > 0 {
		return nil
	}
	return ErrDeadlock
}

// protect runs fn, turning a panic into its error.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("bridge: %v", r)
		}
	}()
	return fn()
}

// post queues t on the event loop. It reports false once the loop is gone.
func (b *Bridge) post(t task) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.tasks <- t:
		return true
	case <-b.done:
		return false
	}
}

// do runs f on the event loop and waits for its result.
func (b *Bridge) do(ctx context.Context, f func(ctx context.Context) (any, error)) (any, error) {
	if !b.started.Load() {
		return nil, ErrNotStarted
	}

	ch := make(chan callResult, 1)
	ok := b.post(func(ctx context.Context) error {
		v, err := f(ctx)
		ch <- callResult{value: v, err: err}
		if err != nil && isFatal(err) {
			return err
		}
		return nil
	})
	if !ok {
		return nil, b.doneErr()
	}

	select {
	case r := <-ch:
		return r.value, r.err
	case <-b.done:
		select {
		case r := <-ch:
			return r.value, r.err
		default:
		}
		return nil, b.doneErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bridge) doneErr() error {
	if b.err != nil {
		return b.err
	}
	return ErrExited
}

// schedule arranges for fn to run on the event loop after d and returns the
// handle that cancels it. Handles are never reused.
func (b *Bridge) schedule(d time.Duration, fn func(ctx context.Context) error) int32 {
	return b.addTimer(d, &timerEntry{fn: fn})
}

// scheduleEvent arranges for the guest to be resumed after d. The guest
// acknowledges the event by clearing the handle; until it does, every
// return from resume is followed by another resume.
func (b *Bridge) scheduleEvent(d time.Duration) int32 {
	return b.addTimer(d, &timerEntry{fn: b.resume, event: true})
}

func (b *Bridge) addTimer(d time.Duration, entry *timerEntry) int32 {
	b.nextTimer++
	id := b.nextTimer

	b.timers[id] = entry
	entry.timer = b.cfg.clock.AfterFunc(d, func() {
		b.post(func(ctx context.Context) error {
			return b.fire(ctx, id)
		})
	})
	return id
}

// fire runs the callback for id. A plain timer is removed before its
// callback runs, so a cancel that raced with the timer leaves nothing to
// fire and a fire can never be delivered twice. A timeout event stays
// registered while the guest runs and the guest is resumed again for as
// long as it has not cleared the handle.
func (b *Bridge) fire(ctx context.Context, id int32) error {
	entry, ok := b.timers[id]
	if !ok {
		return nil
	}
	if !entry.event {
		delete(b.timers, id)
		return entry.fn(ctx)
	}
	for !b.exited.Load() && b.timers[id] == entry {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := entry.fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// cancel stops the timer for id. Unknown and already fired ids are ignored.
func (b *Bridge) cancel(id int32) {
	entry, ok := b.timers[id]
	if !ok {
		return
	}
	entry.timer.Stop()
	delete(b.timers, id)
}

func (b *Bridge) stopTimers() {
	for id, entry := range b.timers {
		entry.timer.Stop()
		delete(b.timers, id)
	}
}
