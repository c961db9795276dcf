package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Bridge connects one GOOS=js guest instance to the host object model.
//
// All guest entries (the initial run, resumes after timers, and host calls
// into guest functions) happen on the bridge's event-loop goroutine, so the
// registry, the pending event and the timer table need no locking.
// ExitCode and Exited may be read from any goroutine.
type Bridge struct {
	cfg   config
	log   *zap.Logger
	guest Guest

	global *Object
	self   *selfObject
	values *Registry
	codec  *Codec

	pending   *Object
	timers    map[int32]*timerEntry
	nextTimer int32
	memResets uint64

	started  atomic.Bool
	exited   atomic.Bool
	exitCode atomic.Int32

	tasks    chan task
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

type bridgeKey struct{}

// WithContext returns a context carrying b. The gojs host module resolves
// the bridge for each import call from the context of the guest call.
func WithContext(ctx context.Context, b *Bridge) context.Context {
	return context.WithValue(ctx, bridgeKey{}, b)
}

// FromContext returns the bridge carried by ctx, or nil.
func FromContext(ctx context.Context) *Bridge {
	b, _ := ctx.Value(bridgeKey{}).(*Bridge)
	return b
}

// New returns a bridge ready to start a guest.
func New(opts ...Option) *Bridge {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	log := cfg.logger
	if log == nil {
		log = Logger()
	}

	b := &Bridge{
		cfg:    cfg,
		log:    log,
		timers: make(map[int32]*timerEntry),
		tasks:  make(chan task, 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	b.self = newSelfObject(b)
	b.global = newGlobal(b)
	for _, g := range cfg.globals {
		b.global.Set(g.name, g.value)
	}
	return b
}

// Global returns the global object. It must only be mutated before Start
// or from host functions running on the event loop.
func (b *Bridge) Global() *Object {
	return b.global
}

// Exited reports whether the guest has signalled exit.
func (b *Bridge) Exited() bool {
	return b.exited.Load()
}

// ExitCode returns the code the guest exited with. It is 0 until Exited.
func (b *Bridge) ExitCode() int32 {
	return b.exitCode.Load()
}

// Start runs the guest's entry point on a new event loop and returns once
// the guest has exited or suspended waiting for an event. With keep-alive,
// Start also waits for the guest's pending timers to run out, so that a
// guest which sleeps before exporting its functions has exported them when
// Start returns; ctx bounds that wait.
func (b *Bridge) Start(ctx context.Context, guest Guest) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	b.guest = guest

	started := make(chan error, 1)
	go b.loop(WithContext(ctx, b), started)
	return <-started
}

// Wait blocks until the event loop ends and returns the guest's exit code.
// A non-nil error means the run ended without a clean guest exit: a
// protocol violation, a guest trap, a deadlock, cancellation or Close.
func (b *Bridge) Wait(ctx context.Context) (int32, error) {
	if !b.started.Load() {
		return 0, ErrNotStarted
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return b.ExitCode(), b.err
}

// Run starts the guest and waits for it to exit.
func (b *Bridge) Run(ctx context.Context, guest Guest) (int32, error) {
	if err := b.Start(ctx, guest); err != nil {
		return 0, err
	}
	return b.Wait(ctx)
}

// Resume re-enters the guest at its resume point.
func (b *Bridge) Resume(ctx context.Context) error {
	if b.exited.Load() {
		return violation("resume", 0, ErrExited)
	}
	_, err := b.do(ctx, func(ctx context.Context) (any, error) {
		return nil, b.resume(ctx)
	})
	return err
}

// Invoke applies fn, typically a function the guest handed to the host, to
// args on the event loop and returns its result.
func (b *Bridge) Invoke(ctx context.Context, fn any, args ...any) (any, error) {
	return b.do(ctx, func(ctx context.Context) (any, error) {
		return b.apply(ctx, fn, Undefined, valuesOf(args))
	})
}

// CallGlobal calls the global function name with args. Guests export
// functions to the host by assigning js.FuncOf values to the global object.
func (b *Bridge) CallGlobal(ctx context.Context, name string, args ...any) (any, error) {
	return b.do(ctx, func(ctx context.Context) (any, error) {
		fn := b.global.Get(name)
		if _, ok := fn.(Callable); !ok {
			return nil, fmt.Errorf("global %q is not a function", name)
		}
		return b.apply(ctx, fn, b.global, valuesOf(args))
	})
}

// Close stops the event loop. A running guest is abandoned; its module is
// the caller's to close.
func (b *Bridge) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	if b.started.Load() {
		<-b.done
	}
	return nil
}

// Stats describes the bridge's internal tables.
type Stats struct {
	Registry     RegistrySizes
	LiveValues   int
	Timers       int
	PendingEvent bool
	MemoryResets uint64
}

// Stats returns a snapshot of the bridge's internal tables.
func (b *Bridge) Stats() Stats {
	if !b.started.Load() || b.loopDone() {
		return b.stats()
	}
	v, err := b.do(context.Background(), func(context.Context) (any, error) {
		return b.stats(), nil
	})
	if err != nil {
		return b.stats()
	}
	return v.(Stats)
}

func (b *Bridge) stats() Stats {
	s := Stats{
		Timers:       len(b.timers),
		PendingEvent: b.pending != nil,
		MemoryResets: b.memResets,
	}
	if b.values != nil {
		s.Registry = b.values.Sizes()
		s.LiveValues = b.values.Live()
	}
	return s
}

func (b *Bridge) loopDone() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *Bridge) mem() View {
	return NewView(b.guest.Memory())
}

// refreshSP re-reads the guest stack pointer. The stack may have moved if
// the guest was re-entered since sp was passed in.
func (b *Bridge) refreshSP(ctx context.Context) uint32 {
	sp, err := b.guest.StackPointer(ctx)
	if err != nil {
		panic(guestFailure("getsp", err))
	}
	return sp
}

func (b *Bridge) resume(ctx context.Context) error {
	if b.exited.Load() {
		return violation("resume", 0, ErrExited)
	}
	if err := b.guest.Resume(ctx); err != nil {
		return guestFailure("resume", err)
	}
	return nil
}

// apply calls fn with this and args. Failures of the host function come
// back as err; fatal bridge errors keep unwinding.
func (b *Bridge) apply(ctx context.Context, fn, this any, args []any) (result any, err error) {
	c, ok := fn.(Callable)
	if !ok {
		return nil, NewTypeError(ToString(fn) + " is not a function")
	}
	defer recoverHostPanic(&err)
	return c.Call(ctx, this, args)
}

func (b *Bridge) construct(ctx context.Context, ctor any, args []any) (result any, err error) {
	c, ok := ctor.(Constructor)
	if !ok {
		return nil, NewTypeError(ToString(ctor) + " is not a constructor")
	}
	defer recoverHostPanic(&err)
	return c.Construct(ctx, args)
}

func recoverHostPanic(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if e, ok := r.(error); ok {
		if isFatal(e) {
			panic(r)
		}
		*err = e
		return
	}
	*err = fmt.Errorf("host panic: %v", r)
}

// dispatchEvent hands a host-to-guest call to the guest and returns the
// result the guest stored on the event.
func (b *Bridge) dispatchEvent(ctx context.Context, id uint32, this any, args []any) (any, error) {
	if b.exited.Load() {
		return nil, violation("event", id, ErrExited)
	}
	if b.pending != nil {
		return nil, violation("event", id, ErrEventPending)
	}

	ev := NewObject()
	ev.Set("id", float64(id))
	ev.Set("this", this)
	ev.Set("args", NewArray(args...))
	b.pending = ev

	err := b.resume(ctx)
	if b.pending == ev {
		b.pending = nil
	}
	if err != nil {
		return nil, err
	}
	return ev.Get("result"), nil
}

// makeFuncWrapper returns the host function standing in for the guest
// function registered under id.
func (b *Bridge) makeFuncWrapper(id uint32) *Func {
	return NewFunc("", func(ctx context.Context, this any, args []any) (any, error) {
		result, err := b.dispatchEvent(ctx, id, this, args)
		if err != nil {
			panic(err)
		}
		return result, nil
	})
}

func valuesOf(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = ValueOf(a)
	}
	return out
}

// selfObject is the bridge as the guest sees it: the object behind the
// guest's jsGo value.
type selfObject struct {
	Object
	b           *Bridge
	makeWrapper *Func
}

func newSelfObject(b *Bridge) *selfObject {
	s := &selfObject{b: b}
	s.makeWrapper = NewFunc("_makeFuncWrapper", func(_ context.Context, _ any, args []any) (any, error) {
		if len(args) != 1 {
			return nil, errors.New("_makeFuncWrapper: expected one argument")
		}
		id, ok := args[0].(float64)
		if !ok {
			return nil, errors.New("_makeFuncWrapper: id must be a number")
		}
		return b.makeFuncWrapper(uint32(id)), nil
	})
	return s
}

func (s *selfObject) Get(key string) any {
	switch key {
	case "_pendingEvent":
		if s.b.pending == nil {
			return Null
		}
		return s.b.pending
	case "_makeFuncWrapper":
		return s.makeWrapper
	case "exited":
		return s.b.exited.Load()
	}
	return s.Object.Get(key)
}

func (s *selfObject) Set(key string, value any) {
	if key == "_pendingEvent" {
		ev, _ := value.(*Object)
		s.b.pending = ev
		return
	}
	s.Object.Set(key, value)
}
