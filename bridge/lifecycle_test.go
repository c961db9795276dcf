package bridge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartWritesArgsAndEnv(t *testing.T) {
	g := newFakeGuest()
	g.run = func(ctx context.Context, _, _ uint32) { g.exit(ctx, 0) }

	b := New(WithArgs("prog", "--flag"), WithEnv(map[string]string{"B": "2", "A": "1"}))
	code, err := b.Run(context.Background(), g)
	require.NoError(t, err)
	require.Equal(t, int32(0), code)

	require.Equal(t, uint32(2), g.argc)
	require.Equal(t, uint32(4128), g.argv)

	v := g.view()
	cstring := func(addr uint32) string {
		end := addr
		for g.mem.buf[end] != 0 {
			end++
		}
		return string(g.mem.buf[addr:end])
	}

	var ptrs []uint64
	for i := uint32(0); i < 6; i++ {
		ptrs = append(ptrs, v.Uint64(g.argv+i*8))
	}
	require.Equal(t, []uint64{4096, 4104, 0, 4112, 4120, 0}, ptrs)
	require.Equal(t, "prog", cstring(4096))
	require.Equal(t, "--flag", cstring(4104))
	require.Equal(t, "A=1", cstring(4112))
	require.Equal(t, "B=2", cstring(4120))
}

func TestStartRejectsOversizedArgs(t *testing.T) {
	g := newFakeGuest()
	b := New(WithEnv(map[string]string{"BIG": strings.Repeat("x", 9000)}))
	_, err := b.Run(context.Background(), g)
	require.ErrorIs(t, err, ErrArgsTooLong)
	require.Zero(t, g.resumes)
}

func TestExitTearsDownState(t *testing.T) {
	clock := &fakeClock{}
	g := newFakeGuest()

	var liveBeforeExit int
	g.run = func(ctx context.Context, _, _ uint32) {
		b := FromContext(ctx)
		g.putString(g.sp+8, "kept")
		g.call(ctx, "syscall/js.stringVal")
		g.view().SetInt64(g.sp+8, 1000)
		g.call(ctx, "runtime.scheduleTimeoutEvent")
		liveBeforeExit = b.values.Live()
		g.exit(ctx, 3)
	}

	b := New(WithClock(clock))
	code, err := b.Run(context.Background(), g)
	require.NoError(t, err)
	require.Equal(t, int32(3), code)
	require.True(t, b.Exited())
	require.Equal(t, 1, liveBeforeExit)

	stats := b.Stats()
	require.Equal(t, RegistrySizes{}, stats.Registry)
	require.Zero(t, stats.LiveValues)
	require.Zero(t, stats.Timers)
	require.False(t, stats.PendingEvent)
	require.True(t, clock.timers[0].stopped)

	err = b.Resume(context.Background())
	require.ErrorIs(t, err, ErrExited)
	require.Zero(t, g.resumes)
}

func TestIdleGuestIsWokenThenDeadlocks(t *testing.T) {
	g := newFakeGuest()
	var eventID any
	g.resume = func(ctx context.Context) {
		eventID = handleEvent(FromContext(ctx)).Get("id")
	}

	_, err := New().Run(context.Background(), g)
	require.ErrorIs(t, err, ErrDeadlock)
	require.Equal(t, 1, g.resumes)
	require.Equal(t, 0.0, eventID)
}

func TestIdleGuestMayExitOnWake(t *testing.T) {
	g := newFakeGuest()
	g.resume = func(ctx context.Context) {
		handleEvent(FromContext(ctx))
		g.exit(ctx, 2)
	}

	code, err := New().Run(context.Background(), g)
	require.NoError(t, err)
	require.Equal(t, int32(2), code)
}

func TestTimeoutEventResumesGuest(t *testing.T) {
	clock := &fakeClock{}
	g := newFakeGuest()

	var timerID int32
	g.run = func(ctx context.Context, _, _ uint32) {
		g.view().SetInt64(g.sp+8, 10)
		g.call(ctx, "runtime.scheduleTimeoutEvent")
		timerID = g.view().Int32(g.sp + 16)
	}
	g.resume = func(ctx context.Context) { g.exit(ctx, 0) }

	b := New(WithClock(clock))
	ctx := context.Background()
	require.NoError(t, b.Start(ctx, g))
	require.Equal(t, int32(1), timerID)
	require.Equal(t, 10*time.Millisecond, clock.timers[0].d)
	require.Equal(t, 1, clock.fireAll())

	code, err := b.Wait(ctx)
	require.NoError(t, err)
	require.Zero(t, code)
	require.Equal(t, 1, g.resumes)
}

func TestTimeoutEventResumesUntilCleared(t *testing.T) {
	clock := &fakeClock{}
	g := newFakeGuest()

	var timerID int32
	g.run = func(ctx context.Context, _, _ uint32) {
		g.view().SetInt64(g.sp+8, 10)
		g.call(ctx, "runtime.scheduleTimeoutEvent")
		timerID = g.view().Int32(g.sp + 16)
	}
	// The first resume misses the timeout; the second one sees it.
	g.resume = func(ctx context.Context) {
		if g.resumes < 2 {
			return
		}
		g.view().SetInt32(g.sp+8, timerID)
		g.call(ctx, "runtime.clearTimeoutEvent")
		g.exit(ctx, 0)
	}

	b := New(WithClock(clock))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Start(ctx, g))
	require.Equal(t, 1, clock.fireAll())

	code, err := b.Wait(ctx)
	require.NoError(t, err)
	require.Zero(t, code)
	require.Equal(t, 2, g.resumes)
	require.Zero(t, b.Stats().Timers)
}

func TestTimeoutEventClearedDuringResume(t *testing.T) {
	clock := &fakeClock{}
	g := newFakeGuest()

	var timerID int32
	g.run = func(ctx context.Context, _, _ uint32) {
		g.view().SetInt64(g.sp+8, 10)
		g.call(ctx, "runtime.scheduleTimeoutEvent")
		timerID = g.view().Int32(g.sp + 16)
	}
	g.resume = func(ctx context.Context) {
		g.view().SetInt32(g.sp+8, timerID)
		g.call(ctx, "runtime.clearTimeoutEvent")
	}

	b := New(WithClock(clock), WithKeepAlive())
	ctx := context.Background()
	go func() {
		for clock.fireAll() == 0 {
			time.Sleep(time.Millisecond)
		}
	}()
	require.NoError(t, b.Start(ctx, g))
	require.Equal(t, 1, g.resumes)
	require.Zero(t, b.Stats().Timers)
	require.NoError(t, b.Close())
}

func TestKeepAliveStartWaitsForTimers(t *testing.T) {
	g := newFakeGuest()

	var timerID int32
	g.run = func(ctx context.Context, _, _ uint32) {
		g.view().SetInt64(g.sp+8, 20)
		g.call(ctx, "runtime.scheduleTimeoutEvent")
		timerID = g.view().Int32(g.sp + 16)
	}
	registered := false
	g.resume = func(ctx context.Context) {
		if !registered {
			// Initialisation continues after the sleep.
			registered = true
			g.view().SetInt32(g.sp+8, timerID)
			g.call(ctx, "runtime.clearTimeoutEvent")
			exportAdd(ctx, g)
			return
		}
		ev := handleEvent(FromContext(ctx))
		ev.Set("result", 2.0)
	}

	b := New(WithKeepAlive())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Start(ctx, g))
	require.True(t, registered)

	got, err := b.CallGlobal(ctx, "add", 2, 0)
	require.NoError(t, err)
	require.Equal(t, 2.0, got)
	require.NoError(t, b.Close())
}

func TestKeepAliveStartBoundedByContext(t *testing.T) {
	clock := &fakeClock{}
	g := newFakeGuest()
	g.run = func(ctx context.Context, _, _ uint32) {
		g.view().SetInt64(g.sp+8, 1000)
		g.call(ctx, "runtime.scheduleTimeoutEvent")
	}

	b := New(WithClock(clock), WithKeepAlive())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Start(ctx, g), context.DeadlineExceeded)
}

// exportAdd stores a function wrapper as the global "add", the way
// js.Global().Set("add", js.FuncOf(...)) does.
func exportAdd(ctx context.Context, g *fakeGuest) {
	wrapper, ok := g.callMethod(ctx, selfRef, "_makeFuncWrapper", num(3))
	if !ok {
		panic("wrapper not created")
	}
	v := g.view()
	v.SetUint64(g.sp+8, globalRef)
	g.putString(g.sp+16, "add")
	v.SetUint64(g.sp+32, wrapper)
	g.call(ctx, "syscall/js.valueSet")
}

func TestClearTimeoutEvent(t *testing.T) {
	clock := &fakeClock{}
	g := newFakeGuest()

	var pending int
	g.run = func(ctx context.Context, _, _ uint32) {
		v := g.view()
		v.SetInt64(g.sp+8, 5)
		g.call(ctx, "runtime.scheduleTimeoutEvent")
		first := v.Int32(g.sp + 16)
		g.call(ctx, "runtime.scheduleTimeoutEvent")

		v.SetInt32(g.sp+8, first)
		g.call(ctx, "runtime.clearTimeoutEvent")
		// Clearing twice, or clearing an unknown handle, is harmless.
		g.call(ctx, "runtime.clearTimeoutEvent")
		v.SetInt32(g.sp+8, 42)
		g.call(ctx, "runtime.clearTimeoutEvent")

		pending = FromContext(ctx).stats().Timers
		g.exit(ctx, 0)
	}

	_, err := New(WithClock(clock)).Run(context.Background(), g)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
	require.True(t, clock.timers[0].stopped)
}

func TestTimerFiresOnce(t *testing.T) {
	b := New(WithClock(&fakeClock{}))
	ctx := context.Background()

	var calls int
	fn := func(context.Context) error {
		calls++
		return nil
	}

	id := b.schedule(0, fn)
	require.NoError(t, b.fire(ctx, id))
	require.NoError(t, b.fire(ctx, id))
	require.Equal(t, 1, calls)

	// A fire that raced with cancellation finds nothing to run.
	id = b.schedule(0, fn)
	b.cancel(id)
	require.NoError(t, b.fire(ctx, id))
	require.Equal(t, 1, calls)

	require.NotEqual(t, id, b.schedule(0, fn), "handles are not reused")
}

func TestSecondPendingEventIsRejected(t *testing.T) {
	b := New()
	b.pending = NewObject()
	_, err := b.dispatchEvent(context.Background(), 1, Undefined, nil)
	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
	require.ErrorIs(t, err, ErrEventPending)
}

func TestCallsBeforeStart(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.ErrorIs(t, b.Resume(ctx), ErrNotStarted)
	_, err := b.CallGlobal(ctx, "f")
	require.ErrorIs(t, err, ErrNotStarted)
	_, err = b.Wait(ctx)
	require.ErrorIs(t, err, ErrNotStarted)
	require.NoError(t, b.Close())
}

func TestStartTwice(t *testing.T) {
	g := newFakeGuest()
	g.run = func(ctx context.Context, _, _ uint32) { g.exit(ctx, 0) }
	b := New()
	_, err := b.Run(context.Background(), g)
	require.NoError(t, err)
	require.ErrorIs(t, b.Start(context.Background(), g), ErrAlreadyStarted)
}

func TestKeepAliveServesHostCalls(t *testing.T) {
	g := newFakeGuest()
	g.run = func(ctx context.Context, _, _ uint32) { exportAdd(ctx, g) }
	g.resume = func(ctx context.Context) {
		ev := handleEvent(FromContext(ctx))
		args := ev.Get("args").(*Array)
		sum := 0.0
		for _, a := range args.Elements() {
			sum += a.(float64)
		}
		ev.Set("result", sum)
	}

	b := New(WithKeepAlive())
	ctx := context.Background()
	require.NoError(t, b.Start(ctx, g))

	got, err := b.CallGlobal(ctx, "add", 2, 3)
	require.NoError(t, err)
	require.Equal(t, 5.0, got)

	got, err = b.Invoke(ctx, b.Global().Get("add"), 10)
	require.NoError(t, err)
	require.Equal(t, 10.0, got)

	_, err = b.CallGlobal(ctx, "missing")
	require.Error(t, err)

	stats := b.Stats()
	require.False(t, stats.PendingEvent)
	require.Equal(t, 1, stats.LiveValues)

	require.NoError(t, b.Close())
	_, err = b.Wait(ctx)
	require.ErrorIs(t, err, ErrClosed)
}
