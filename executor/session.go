package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caffeineduck/gobridge/bridge"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrClosed        = errors.New("executor closed")
	ErrSessionClosed = errors.New("session closed")
)

// Session is a program kept alive after main parks, so the host can call
// the functions it exported by assigning them to the global object:
//
//	js.Global().Set("add", js.FuncOf(add))
//	select {}
type Session struct {
	exec   *Executor
	prog   *Program
	cfg    runConfig
	in     *instance
	out    *output
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewSession starts prog and returns once its main function has parked.
// The timeout option bounds start-up and each Call. A program that exits
// during start-up is an error.
func (e *Executor) NewSession(ctx context.Context, prog *Program, opts ...Option) (*Session, error) {
	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	out := &output{}
	loopCtx, cancel := context.WithCancel(context.Background())
	in, err := e.instantiate(ctx, prog, &cfg, out, bridge.WithKeepAlive())
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Session{
		exec:   e,
		prog:   prog,
		cfg:    cfg,
		in:     in,
		out:    out,
		cancel: cancel,
	}

	if err := s.start(ctx, loopCtx); err != nil {
		s.shutdown()
		return nil, fmt.Errorf("start session: %w", err)
	}

	e.metrics.sessionOpened()
	e.log.Debug("session started", zap.String("program", prog.Name()))
	return s, nil
}

// start runs the entry point on the session's own context, so the guest
// outlives ctx, which only bounds how long start-up may take.
func (s *Session) start(ctx, loopCtx context.Context) error {
	if s.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.timeout)
		defer cancel()
	}

	started := make(chan error, 1)
	go func() {
		started <- s.in.bridge.Start(loopCtx, s.in.guest)
	}()

	select {
	case err := <-started:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		// Interrupt the guest so Start returns.
		s.cancel()
		<-started
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("timeout after %v", s.cfg.timeout)
		}
		return ctx.Err()
	}

	if s.in.bridge.Exited() {
		return fmt.Errorf("%w with code %d", bridge.ErrExited, s.in.bridge.ExitCode())
	}
	return nil
}

// Call calls the global function name with args and returns its result as
// plain Go data (see bridge.Export). If the call times out the session is
// closed, since the guest may still be running it.
func (s *Session) Call(ctx context.Context, name string, args ...any) (any, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}

	start := time.Now()
	if s.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.timeout)
		defer cancel()
	}

	result, err := s.in.bridge.CallGlobal(ctx, name, args...)
	if err != nil {
		outcome := outcomeError
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome = outcomeTimeout
			s.Close()
			err = fmt.Errorf("timeout after %v: %w", s.cfg.timeout, ErrSessionClosed)
		}
		s.exec.metrics.observeCall(outcome, time.Since(start))
		return nil, err
	}

	s.exec.metrics.observeCall(outcomeOK, time.Since(start))
	return bridge.Export(result), nil
}

// Output returns what the program has written since the last call to
// Output.
func (s *Session) Output() string {
	return s.out.take()
}

// Exited reports whether the program has exited. An exited session
// answers every Call with an error.
func (s *Session) Exited() bool {
	return s.in.bridge.Exited()
}

// ExitCode returns the code the program exited with.
func (s *Session) ExitCode() int {
	return int(s.in.bridge.ExitCode())
}

// Stats describes the bridge state behind the session.
func (s *Session) Stats() bridge.Stats {
	return s.in.bridge.Stats()
}

// Close stops the program and releases its resources.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.shutdown()
	s.exec.metrics.sessionClosed()
	s.exec.log.Debug("session closed", zap.String("program", s.prog.Name()), zap.Error(err))
	return err
}

func (s *Session) shutdown() error {
	s.cancel()
	return multierr.Combine(
		s.in.bridge.Close(),
		s.in.close(),
	)
}
