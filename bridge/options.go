package bridge

import (
	"crypto/rand"
	"io"
	"time"

	"go.uber.org/zap"
)

// Clock supplies the time sources and timer facility the guest runtime
// consumes.
type Clock interface {
	// Nanotime returns a monotonic reading in nanoseconds.
	Nanotime() int64
	// Walltime returns the current wall-clock time.
	Walltime() (sec int64, nsec int32)
	// AfterFunc calls f on its own goroutine after d.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	Stop() bool
}

type systemClock struct {
	start time.Time
	base  int64
}

// SystemClock returns a Clock backed by package time.
func SystemClock() Clock {
	now := time.Now()
	return &systemClock{start: now, base: now.UnixNano()}
}

func (c *systemClock) Nanotime() int64 {
	return c.base + int64(time.Since(c.start))
}

func (c *systemClock) Walltime() (int64, int32) {
	now := time.Now()
	return now.Unix(), int32(now.Nanosecond())
}

func (c *systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option configures a Bridge.
type Option func(*config)

type config struct {
	args      []string
	env       map[string]string
	stdin     io.Reader
	stdout    io.Writer
	stderr    io.Writer
	clock     Clock
	rand      io.Reader
	logger    *zap.Logger
	globals   []global
	keepAlive bool
	workDir   string
}

type global struct {
	name  string
	value any
}

func defaultConfig() config {
	return config{
		args:    []string{"js"},
		env:     map[string]string{},
		stdout:  io.Discard,
		stderr:  io.Discard,
		clock:   SystemClock(),
		rand:    rand.Reader,
		workDir: "/",
	}
}

// WithArgs sets the guest's argument vector, program name first.
func WithArgs(args ...string) Option {
	return func(c *config) {
		c.args = args
	}
}

// WithEnv sets the guest's environment. Entries are handed to the guest
// sorted by name.
func WithEnv(env map[string]string) Option {
	return func(c *config) {
		c.env = make(map[string]string, len(env))
		for k, v := range env {
			c.env[k] = v
		}
	}
}

// WithStdin sets the reader behind file descriptor 0 of the default fs.
func WithStdin(r io.Reader) Option {
	return func(c *config) {
		c.stdin = r
	}
}

// WithStdout sets the writer behind file descriptor 1.
func WithStdout(w io.Writer) Option {
	return func(c *config) {
		c.stdout = w
	}
}

// WithStderr sets the writer behind file descriptor 2.
func WithStderr(w io.Writer) Option {
	return func(c *config) {
		c.stderr = w
	}
}

// WithClock replaces the time and timer source.
func WithClock(clock Clock) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// WithRandom replaces the secure random source used by getRandomData and
// crypto.getRandomValues.
func WithRandom(r io.Reader) Option {
	return func(c *config) {
		c.rand = r
	}
}

// WithLogger sets the logger for this bridge instead of the package logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithGlobal installs value as a property of the global object, replacing
// any default of the same name.
func WithGlobal(name string, value any) Option {
	return func(c *config) {
		c.globals = append(c.globals, global{name: name, value: value})
	}
}

// WithKeepAlive keeps the event loop running while the guest is idle, so
// host code can keep calling functions the guest exported. Without it an
// idle guest with no pending timers is treated as deadlocked.
func WithKeepAlive() Option {
	return func(c *config) {
		c.keepAlive = true
	}
}

// WithWorkDir sets the directory reported by process.cwd().
func WithWorkDir(dir string) Option {
	return func(c *config) {
		c.workDir = dir
	}
}
