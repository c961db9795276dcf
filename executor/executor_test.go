package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caffeineduck/gobridge/bridge"
	"github.com/caffeineduck/gobridge/hostfunc"
	"github.com/prometheus/client_golang/prometheus"
)

func newTestExecutor(t *testing.T, opts ...ExecutorOption) *Executor {
	t.Helper()
	exec, err := New(hostfunc.NewRegistry(), opts...)
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	t.Cleanup(func() { exec.Close() })
	return exec
}

func TestRunExitCode(t *testing.T) {
	exec := newTestExecutor(t)

	for _, code := range []int32{0, 1, 3} {
		prog := NewProgram(fmt.Sprintf("exit%d", code), exitProgram(code))
		result := exec.Run(context.Background(), prog)
		if result.Error != nil {
			t.Fatalf("exit %d: unexpected error: %v", code, result.Error)
		}
		if result.ExitCode != int(code) {
			t.Errorf("expected exit code %d, got %d", code, result.ExitCode)
		}
	}
}

func TestRunOutput(t *testing.T) {
	exec := newTestExecutor(t)

	var tee strings.Builder
	prog := NewProgram("print", printProgram("hello\n", 0))
	result := exec.Run(context.Background(), prog, WithOutput(&tee))
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Output != "hello\n" {
		t.Errorf("expected 'hello\\n', got %q", result.Output)
	}
	if tee.String() != "hello\n" {
		t.Errorf("expected output copied to writer, got %q", tee.String())
	}
	if result.Duration <= 0 {
		t.Error("expected a positive duration")
	}
}

func TestRunDeadlock(t *testing.T) {
	exec := newTestExecutor(t)

	result := exec.Run(context.Background(), NewProgram("idle", idleProgram()))
	if !errors.Is(result.Error, bridge.ErrDeadlock) {
		t.Fatalf("expected deadlock, got %v", result.Error)
	}
}

func TestRunTimeout(t *testing.T) {
	exec := newTestExecutor(t)

	start := time.Now()
	result := exec.Run(context.Background(), NewProgram("spin", spinProgram()), WithTimeout(100*time.Millisecond))
	if result.Error == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(result.Error.Error(), "timeout") {
		t.Errorf("expected timeout error, got: %v", result.Error)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestRunCancelled(t *testing.T) {
	exec := newTestExecutor(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	result := exec.Run(ctx, NewProgram("spin", spinProgram()), WithTimeout(0))
	if result.Error == nil {
		t.Fatal("expected error after cancellation")
	}
	if strings.Contains(result.Error.Error(), "timeout") {
		t.Errorf("cancellation reported as timeout: %v", result.Error)
	}
}

func TestRunMissingExport(t *testing.T) {
	exec := newTestExecutor(t)

	wasm := assemble([]guestFunc{
		{name: "run", typ: typeRun},
		{name: "getsp", typ: typeGetSP, code: i32Const(guestSP)},
	}, nil)
	result := exec.Run(context.Background(), NewProgram("noresume", wasm))
	if !errors.Is(result.Error, bridge.ErrMissingExport) {
		t.Fatalf("expected missing export error, got %v", result.Error)
	}
	if !strings.Contains(result.Error.Error(), "resume") {
		t.Errorf("expected error to name the export, got %v", result.Error)
	}
}

func TestRunInvalidModule(t *testing.T) {
	exec := newTestExecutor(t)

	result := exec.Run(context.Background(), NewProgram("garbage", []byte("not wasm")))
	if result.Error == nil {
		t.Fatal("expected compile error")
	}
	if !strings.Contains(result.Error.Error(), "compile garbage") {
		t.Errorf("expected compile error, got %v", result.Error)
	}
}

func TestRunConcurrent(t *testing.T) {
	exec := newTestExecutor(t)
	prog := NewProgram("exit7", exitProgram(7))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := exec.Run(context.Background(), prog)
			if result.Error != nil {
				errs <- result.Error
				return
			}
			if result.ExitCode != 7 {
				errs <- fmt.Errorf("expected exit code 7, got %d", result.ExitCode)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCompiledModuleIsCached(t *testing.T) {
	prog := NewProgram("exit0", exitProgram(0))
	exec := newTestExecutor(t, WithPrecompile(prog))

	if len(exec.compiled) != 1 {
		t.Fatalf("expected 1 precompiled module, got %d", len(exec.compiled))
	}
	first, err := exec.getCompiled(context.Background(), prog)
	if err != nil {
		t.Fatal(err)
	}
	second, err := exec.getCompiled(context.Background(), NewProgram("exit0", nil))
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("expected the compiled module to be reused by name")
	}
}

func TestPrecompileMany(t *testing.T) {
	progs := []*Program{
		NewProgram("exit0", exitProgram(0)),
		NewProgram("exit1", exitProgram(1)),
		NewProgram("print", printProgram("hi", 0)),
		NewProgram("idle", idleProgram()),
	}
	exec := newTestExecutor(t, WithPrecompile(progs...))

	if len(exec.compiled) != len(progs) {
		t.Fatalf("expected %d precompiled modules, got %d", len(progs), len(exec.compiled))
	}
	if result := exec.Run(context.Background(), progs[1]); result.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %d (%v)", result.ExitCode, result.Error)
	}
}

func TestPrecompileFailure(t *testing.T) {
	_, err := New(nil, WithPrecompile(NewProgram("bad", []byte{0x00})))
	if err == nil {
		t.Fatal("expected precompile error")
	}
	if !strings.Contains(err.Error(), "precompile bad") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRunAfterClose(t *testing.T) {
	exec, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	exec.Close()
	if err := exec.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	result := exec.Run(context.Background(), NewProgram("exit0", exitProgram(0)))
	if !errors.Is(result.Error, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", result.Error)
	}
}

func TestDiskCache(t *testing.T) {
	dir := t.TempDir()
	exec := newTestExecutor(t, WithDiskCache(dir))

	result := exec.Run(context.Background(), NewProgram("exit0", exitProgram(0)))
	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if exec.cache == nil {
		t.Error("expected a compilation cache")
	}
}

func TestProgramFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.wasm")
	if err := os.WriteFile(path, exitProgram(0), 0o644); err != nil {
		t.Fatal(err)
	}

	prog, err := ProgramFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(prog.Name()) {
		t.Errorf("expected absolute name, got %q", prog.Name())
	}
	if prog.argv0() != "hello" {
		t.Errorf("expected argv0 'hello', got %q", prog.argv0())
	}

	if _, err := ProgramFromFile(filepath.Join(t.TempDir(), "missing.wasm")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestHostRegistry(t *testing.T) {
	base := hostfunc.NewRegistry()
	base.Register("custom", func(context.Context, map[string]any) (any, error) { return "x", nil })
	exec := &Executor{registry: base}

	cfg := defaultRunConfig()
	got := exec.hostRegistry(&cfg).List()
	if strings.Join(got, ",") != "custom,time_now" {
		t.Errorf("unexpected default functions: %v", got)
	}

	cfg = defaultRunConfig()
	WithKV()(&cfg)
	WithAllowedHosts([]string{"example.com"})(&cfg)
	reg := exec.hostRegistry(&cfg)
	for _, name := range []string{"kv_get", "kv_set", "kv_delete", "kv_keys", "http_request", "http_get"} {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("expected %s to be registered", name)
		}
	}
	if len(base.List()) != 1 {
		t.Error("run registry must not modify the executor's registry")
	}
}

func TestSharedKVStore(t *testing.T) {
	kv := hostfunc.NewKV(hostfunc.DefaultKVConfig())
	exec := &Executor{}

	cfg := defaultRunConfig()
	WithKVStore(kv)(&cfg)
	set, _ := exec.hostRegistry(&cfg).Get("kv_set")
	if _, err := set(context.Background(), map[string]any{"key": "k", "value": "v"}); err != nil {
		t.Fatal(err)
	}
	if kv.Len() != 1 {
		t.Errorf("expected the shared store to hold 1 entry, got %d", kv.Len())
	}
}

func TestRunMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	exec := newTestExecutor(t, WithMetrics(m))

	exec.Run(context.Background(), NewProgram("exit0", exitProgram(0)))
	exec.Run(context.Background(), NewProgram("exit2", exitProgram(2)))
	exec.Run(context.Background(), NewProgram("idle", idleProgram()))

	counts := gatherCounts(t, reg, "gobridge_runs_total")
	want := map[string]float64{"ok": 1, "exit": 1, "error": 1}
	for outcome, n := range want {
		if counts[outcome] != n {
			t.Errorf("runs_total{outcome=%q} = %v, want %v", outcome, counts[outcome], n)
		}
	}

	if _, err := NewMetrics(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

// gatherCounts returns the values of a counter family by outcome label.
func gatherCounts(t *testing.T, reg *prometheus.Registry, name string) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "outcome" {
					counts[label.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}
	return counts
}
