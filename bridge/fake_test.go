package bridge

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

type fakeMemory struct {
	buf []byte
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{buf: make([]byte, size)}
}

func (m *fakeMemory) Size() uint32 { return uint32(len(m.buf)) }

func (m *fakeMemory) Read(offset, n uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(n)
	if end > uint64(len(m.buf)) {
		return nil, false
	}
	return m.buf[offset:end:end], true
}

// grow moves the memory to a new, larger buffer, as a guest growing its
// memory can.
func (m *fakeMemory) grow(extra int) {
	buf := make([]byte, len(m.buf)+extra)
	copy(buf, m.buf)
	m.buf = buf
}

// fakeGuest plays the guest side of the protocol. run and resume stand in
// for guest code; they call host imports through call, which resolves the
// bridge from the context like the gojs host module does.
type fakeGuest struct {
	mem     *fakeMemory
	sp      uint32
	heap    uint32
	run     func(ctx context.Context, argc, argv uint32)
	resume  func(ctx context.Context)
	resumes int
	argc    uint32
	argv    uint32
}

func newFakeGuest() *fakeGuest {
	return &fakeGuest{
		mem:  newFakeMemory(64 << 10),
		sp:   1024,
		heap: 16 << 10,
	}
}

func (g *fakeGuest) Memory() Memory { return g.mem }

func (g *fakeGuest) Run(ctx context.Context, argc, argv uint32) (err error) {
	defer recoverInto(&err)
	g.argc, g.argv = argc, argv
	if g.run != nil {
		g.run(ctx, argc, argv)
	}
	return nil
}

func (g *fakeGuest) Resume(ctx context.Context) (err error) {
	defer recoverInto(&err)
	g.resumes++
	if g.resume != nil {
		g.resume(ctx)
	}
	return nil
}

func (g *fakeGuest) StackPointer(context.Context) (uint32, error) {
	return g.sp, nil
}

// recoverInto turns a panic into an error the way wazero reports a panic
// in a host function.
func recoverInto(err *error) {
	if r := recover(); r != nil {
		if e, ok := r.(error); ok {
			*err = fmt.Errorf("%w (recovered by wazero)", e)
			return
		}
		*err = fmt.Errorf("%v (recovered by wazero)", r)
	}
}

func (g *fakeGuest) view() View { return NewView(g.mem) }

func (g *fakeGuest) call(ctx context.Context, name string) {
	guestImports[name](FromContext(ctx), ctx, g.sp)
}

func (g *fakeGuest) alloc(n int) uint32 {
	p := g.heap
	g.heap += uint32(n+7) &^ 7
	return p
}

// putBytes stores a (pointer, length, capacity) slice header for data at addr.
func (g *fakeGuest) putBytes(addr uint32, data []byte) uint32 {
	p := g.alloc(len(data))
	copy(g.mem.buf[p:], data)
	v := g.view()
	v.SetUint64(addr, uint64(p))
	v.SetUint64(addr+8, uint64(len(data)))
	v.SetUint64(addr+16, uint64(len(data)))
	return p
}

func (g *fakeGuest) putString(addr uint32, s string) {
	g.putBytes(addr, []byte(s))
}

// putRefs stores a slice of encoded values at addr.
func (g *fakeGuest) putRefs(addr uint32, refs ...uint64) {
	p := g.alloc(8 * len(refs))
	v := g.view()
	for i, r := range refs {
		v.SetUint64(p+uint32(i)*8, r)
	}
	v.SetUint64(addr, uint64(p))
	v.SetUint64(addr+8, uint64(len(refs)))
	v.SetUint64(addr+16, uint64(len(refs)))
}

func (g *fakeGuest) exit(ctx context.Context, code int32) {
	g.view().SetInt32(g.sp+8, code)
	g.call(ctx, "runtime.wasmExit")
}

// get performs valueGet(v, key) and returns the encoded result.
func (g *fakeGuest) get(ctx context.Context, v uint64, key string) uint64 {
	g.view().SetUint64(g.sp+8, v)
	g.putString(g.sp+16, key)
	g.call(ctx, "syscall/js.valueGet")
	return g.view().Uint64(g.sp + 32)
}

// callMethod performs valueCall(v, name, args) and returns the encoded
// result and the success flag.
func (g *fakeGuest) callMethod(ctx context.Context, v uint64, name string, args ...uint64) (uint64, bool) {
	g.view().SetUint64(g.sp+8, v)
	g.putString(g.sp+16, name)
	g.putRefs(g.sp+32, args...)
	g.call(ctx, "syscall/js.valueCall")
	return g.view().Uint64(g.sp + 56), g.view().Uint8(g.sp+64) == 1
}

// handleEvent consumes the pending event the way the guest runtime does.
func handleEvent(b *Bridge) *Object {
	ev, _ := b.self.Get("_pendingEvent").(*Object)
	b.self.Set("_pendingEvent", Null)
	return ev
}

func num(f float64) uint64 {
	if f == 0 {
		return makeRef(idZero, typeFlagNone)
	}
	return math.Float64bits(f)
}

var (
	globalRef = makeRef(idGlobal, typeFlagObject)
	selfRef   = makeRef(idSelf, typeFlagObject)
	nullRef   = makeRef(idNull, typeFlagNone)
)

type fakeClock struct {
	mu     sync.Mutex
	nanos  int64
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) Nanotime() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nanos
}

func (c *fakeClock) Walltime() (int64, int32) {
	return 1700000000, 500
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fireAll runs every timer that is neither stopped nor fired.
func (c *fakeClock) fireAll() int {
	c.mu.Lock()
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
	return len(due)
}
