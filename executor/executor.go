package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caffeineduck/gobridge/bridge"
	"github.com/caffeineduck/gobridge/hostfunc"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Result holds the output and metadata from a program run.
type Result struct {
	Output   string
	ExitCode int
	Duration time.Duration
	Error    error
}

// Executor manages the WASM runtime and compiled module caching.
type Executor struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled map[string]wazero.CompiledModule
	registry *hostfunc.Registry
	log      *zap.Logger
	metrics  *Metrics
	mu       sync.RWMutex
	closed   bool
}

// New creates an Executor with the given host function registry. The
// registry's functions are offered to every program as methods of the
// host global.
func New(registry *hostfunc.Registry, opts ...ExecutorOption) (*Executor, error) {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := bridge.Instantiate(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate %s: %w", bridge.ModuleName, err)
	}

	log := cfg.logger
	if log == nil {
		log = Logger()
	}

	e := &Executor{
		runtime:  rt,
		cache:    cache,
		compiled: make(map[string]wazero.CompiledModule),
		registry: registry,
		log:      log,
		metrics:  cfg.metrics,
	}

	var g errgroup.Group
	for _, prog := range cfg.precompile {
		g.Go(func() error {
			if _, err := e.getCompiled(ctx, prog); err != nil {
				return fmt.Errorf("precompile %s: %w", prog.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.Close()
		return nil, err
	}

	return e, nil
}

// instance is one instantiated program with the bridge driving it.
type instance struct {
	bridge *bridge.Bridge
	module api.Module
	guest  bridge.Guest
	files  *hostfunc.FileTable
}

// close releases the module and every file the program left open. The
// bridge must have been closed first.
func (in *instance) close() error {
	return multierr.Combine(
		in.module.Close(context.Background()),
		in.files.CloseAll(),
	)
}

// instantiate compiles (or reuses) prog, builds its host environment from
// cfg and instantiates it. Output from both standard streams goes to out.
func (e *Executor) instantiate(ctx context.Context, prog *Program, cfg *runConfig, out io.Writer, extra ...bridge.Option) (*instance, error) {
	compiled, err := e.getCompiled(ctx, prog)
	if err != nil {
		return nil, err
	}

	if cfg.stdout != nil {
		out = io.MultiWriter(out, cfg.stdout)
	}

	registry := e.hostRegistry(cfg)
	fsys := hostfunc.NewFS(cfg.mounts, cfg.fsOptions...)
	if len(cfg.mounts) > 0 {
		fsys.Register(registry)
	}
	files := fsys.Files()

	log := e.log.With(zap.String("program", prog.Name()))
	node := &nodeFS{
		files:   files,
		stdin:   cfg.stdin,
		stdout:  out,
		stderr:  out,
		workDir: cfg.workDir,
		log:     log,
	}

	opts := []bridge.Option{
		bridge.WithArgs(append([]string{prog.argv0()}, cfg.args...)...),
		bridge.WithEnv(cfg.env),
		bridge.WithStdout(out),
		bridge.WithStderr(out),
		bridge.WithWorkDir(cfg.workDir),
		bridge.WithLogger(log),
		bridge.WithGlobal("fs", node.object()),
		bridge.WithGlobal("host", hostObject(registry)),
	}
	if cfg.stdin != nil {
		opts = append(opts, bridge.WithStdin(cfg.stdin))
	}
	b := bridge.New(append(opts, extra...)...)

	modConfig := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions()
	mod, err := e.runtime.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", prog.Name(), err)
	}

	guest, err := bridge.NewModuleGuest(mod)
	if err != nil {
		mod.Close(ctx)
		return nil, fmt.Errorf("instantiate %s: %w", prog.Name(), err)
	}

	return &instance{bridge: b, module: mod, guest: guest, files: files}, nil
}

// hostRegistry returns the functions one run may call: the executor's
// registry plus the capabilities cfg enables.
func (e *Executor) hostRegistry(cfg *runConfig) *hostfunc.Registry {
	registry := hostfunc.NewRegistry()
	if e.registry != nil {
		for name, fn := range e.registry.All() {
			registry.Register(name, fn)
		}
	}

	registry.Register("time_now", func(ctx context.Context, args map[string]any) (any, error) {
		return float64(time.Now().UnixNano()) / 1e9, nil
	})

	if cfg.kvEnabled {
		kv := cfg.kv
		if kv == nil {
			kv = hostfunc.NewKV(hostfunc.DefaultKVConfig(), cfg.kvOptions...)
		}
		kv.Register(registry)
	}

	if len(cfg.allowedHosts) > 0 {
		hostfunc.NewHTTP(hostfunc.HTTPConfig{
			AllowedHosts:   cfg.allowedHosts,
			MaxURLLength:   cfg.httpMaxURLLength,
			MaxBodySize:    cfg.httpMaxBodySize,
			RequestTimeout: cfg.httpTimeout,
		}).Register(registry)
	}

	return registry
}

// Run executes prog to completion and returns its output and exit code.
// A program that exits with a non-zero code is not an error; Error reports
// runs that did not end in an exit, such as traps, deadlocks and timeouts.
func (e *Executor) Run(ctx context.Context, prog *Program, opts ...Option) Result {
	start := time.Now()

	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	var out output
	in, err := e.instantiate(ctx, prog, &cfg, &out)
	if err != nil {
		e.metrics.observeRun(outcomeError, time.Since(start))
		return Result{Error: err, Duration: time.Since(start)}
	}

	code, err := in.bridge.Run(ctx, in.guest)
	in.bridge.Close()
	if cerr := in.close(); cerr != nil {
		e.log.Warn("release run resources", zap.String("program", prog.Name()), zap.Error(cerr))
	}

	result := Result{
		Output:   out.String(),
		ExitCode: int(code),
		Duration: time.Since(start),
	}

	outcome := outcomeOK
	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.Error = fmt.Errorf("timeout after %v", cfg.timeout)
		outcome = outcomeTimeout
	case err != nil:
		result.Error = fmt.Errorf("execution failed: %w", err)
		outcome = outcomeError
	case code != 0:
		outcome = outcomeExit
	}
	e.metrics.observeRun(outcome, result.Duration)

	e.log.Debug("run finished",
		zap.String("program", prog.Name()),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration),
		zap.Error(result.Error))

	return result
}

// getCompiled returns a cached compiled module, compiling if necessary.
func (e *Executor) getCompiled(ctx context.Context, prog *Program) (wazero.CompiledModule, error) {
	name := prog.Name()

	e.mu.RLock()
	compiled, ok := e.compiled[name]
	closed := e.closed
	e.mu.RUnlock()
	switch {
	case closed:
		return nil, ErrClosed
	case ok:
		return compiled, nil
	}

	// Compile without the lock so different programs compile concurrently.
	compiled, err := e.runtime.CompileModule(ctx, prog.Module())
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	// A concurrent compile of the same program shares its engine entry
	// with ours, so the loser is dropped rather than closed.
	if existing, ok := e.compiled[name]; ok {
		return existing, nil
	}
	e.compiled[name] = compiled
	return compiled, nil
}

// Close releases all resources held by the Executor.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	ctx := context.Background()

	err := e.runtime.Close(ctx)
	if e.cache != nil {
		err = multierr.Append(err, e.cache.Close(ctx))
	}
	return err
}

// output collects what a program writes. Timer callbacks and host calls
// may write while the host reads it.
type output struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (o *output) Write(data []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Write(data)
}

func (o *output) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}

// take returns the collected output and clears it.
func (o *output) take() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.buf.String()
	o.buf.Reset()
	return s
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "gobridge")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "gobridge")
	}
	return filepath.Join(os.TempDir(), "gobridge-cache")
}
