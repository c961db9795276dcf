package executor

import (
	"io"
	"time"

	"github.com/caffeineduck/gobridge/hostfunc"
	"go.uber.org/zap"
)

// Option configures a run or a session.
type Option func(*runConfig)

type runConfig struct {
	timeout time.Duration
	args    []string
	env     map[string]string
	workDir string
	stdin   io.Reader
	stdout  io.Writer

	allowedHosts []string
	kv           *hostfunc.KV
	kvEnabled    bool
	mounts       []hostfunc.Mount

	// Security limits
	kvOptions        []hostfunc.KVOption
	httpMaxURLLength int
	httpMaxBodySize  int64
	httpTimeout      time.Duration
	fsOptions        []hostfunc.FSOption
}

func defaultRunConfig() runConfig {
	return runConfig{
		timeout: 30 * time.Second,
		env:     make(map[string]string),
		workDir: "/",
	}
}

// WithTimeout sets the maximum execution time. For a session it bounds
// start-up and each call.
func WithTimeout(d time.Duration) Option {
	return func(c *runConfig) {
		c.timeout = d
	}
}

// WithArgs sets the arguments passed to the program after its name.
func WithArgs(args ...string) Option {
	return func(c *runConfig) {
		c.args = append([]string(nil), args...)
	}
}

// WithEnv adds environment variables.
func WithEnv(env map[string]string) Option {
	return func(c *runConfig) {
		for k, v := range env {
			c.env[k] = v
		}
	}
}

// WithWorkDir sets the guest's initial working directory. Relative paths
// are resolved against it.
func WithWorkDir(dir string) Option {
	return func(c *runConfig) {
		c.workDir = dir
	}
}

// WithStdin sets what the program reads from standard input.
func WithStdin(r io.Reader) Option {
	return func(c *runConfig) {
		c.stdin = r
	}
}

// WithOutput copies the program's output to w as it is written, in
// addition to collecting it in the result.
func WithOutput(w io.Writer) Option {
	return func(c *runConfig) {
		c.stdout = w
	}
}

// WithAllowedHosts sets the list of hosts that HTTP requests can access.
func WithAllowedHosts(hosts []string) Option {
	return func(c *runConfig) {
		c.allowedHosts = hosts
	}
}

// WithKV gives the program a fresh in-memory key-value store.
func WithKV() Option {
	return func(c *runConfig) {
		c.kvEnabled = true
	}
}

// WithKVStore provides a KV store shared across runs.
func WithKVStore(kv *hostfunc.KV) Option {
	return func(c *runConfig) {
		c.kv = kv
		c.kvEnabled = true
	}
}

// Mount permission modes (re-exported from hostfunc for convenience).
const (
	MountReadOnly        = hostfunc.MountReadOnly
	MountReadWrite       = hostfunc.MountReadWrite
	MountReadWriteCreate = hostfunc.MountReadWriteCreate
)

// WithMount adds a filesystem mount point with the specified permissions.
// The virtual path is what the program sees; host path is the actual location.
//
// Examples:
//
//	executor.WithMount("/data", "./input", executor.MountReadOnly)
//	executor.WithMount("/output", "./results", executor.MountReadWrite)
//	executor.WithMount("/workspace", "./work", executor.MountReadWriteCreate)
func WithMount(virtualPath, hostPath string, mode hostfunc.MountMode) Option {
	return func(c *runConfig) {
		c.mounts = append(c.mounts, hostfunc.Mount{
			VirtualPath: virtualPath,
			HostPath:    hostPath,
			Mode:        mode,
		})
	}
}

// WithMounts adds several mount points at once.
func WithMounts(mounts ...hostfunc.Mount) Option {
	return func(c *runConfig) {
		c.mounts = append(c.mounts, mounts...)
	}
}

// Security limit options

// WithKVMaxKeySize sets the maximum key size for a fresh KV store.
func WithKVMaxKeySize(size int) Option {
	return func(c *runConfig) {
		c.kvOptions = append(c.kvOptions, hostfunc.WithMaxKeySize(size))
	}
}

// WithKVMaxValueSize sets the maximum value size for a fresh KV store.
func WithKVMaxValueSize(size int) Option {
	return func(c *runConfig) {
		c.kvOptions = append(c.kvOptions, hostfunc.WithMaxValueSize(size))
	}
}

// WithKVMaxEntries sets the maximum number of entries in a fresh KV store.
func WithKVMaxEntries(n int) Option {
	return func(c *runConfig) {
		c.kvOptions = append(c.kvOptions, hostfunc.WithMaxEntries(n))
	}
}

// WithHTTPMaxURLLength sets the maximum URL length for HTTP requests.
func WithHTTPMaxURLLength(size int) Option {
	return func(c *runConfig) {
		c.httpMaxURLLength = size
	}
}

// WithHTTPMaxBodySize sets the maximum response body size for HTTP requests.
func WithHTTPMaxBodySize(size int64) Option {
	return func(c *runConfig) {
		c.httpMaxBodySize = size
	}
}

// WithHTTPTimeout sets the timeout of a single HTTP request.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *runConfig) {
		c.httpTimeout = d
	}
}

// WithFSMaxFileSize sets the maximum file size for read operations.
func WithFSMaxFileSize(size int64) Option {
	return func(c *runConfig) {
		c.fsOptions = append(c.fsOptions, hostfunc.WithMaxFileSize(size))
	}
}

// WithFSMaxWriteSize sets the maximum content size for write operations.
func WithFSMaxWriteSize(size int64) Option {
	return func(c *runConfig) {
		c.fsOptions = append(c.fsOptions, hostfunc.WithMaxWriteSize(size))
	}
}

// WithFSMaxPathLength sets the maximum path length for filesystem operations.
func WithFSMaxPathLength(length int) Option {
	return func(c *runConfig) {
		c.fsOptions = append(c.fsOptions, hostfunc.WithMaxPathLength(length))
	}
}

// ExecutorOption configures the Executor at creation time.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	diskCache        bool
	cacheDir         string
	precompile       []*Program
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = default (4GB)
	logger           *zap.Logger
	metrics          *Metrics
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		diskCache:        false,
		memoryLimitPages: 0, // 0 means use wazero default (65536 pages = 4GB)
	}
}

// WithDiskCache enables persistent compilation cache for faster CLI startup.
// Optionally provide a custom directory; otherwise uses ~/.cache/gobridge or XDG_CACHE_HOME/gobridge.
//
// Examples:
//
//	executor.New(registry, executor.WithDiskCache())            // default dir
//	executor.New(registry, executor.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) ExecutorOption {
	return func(c *executorConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithPrecompile compiles the given programs at Executor creation time.
// This moves the compilation cost to startup rather than first execution.
func WithPrecompile(progs ...*Program) ExecutorOption {
	return func(c *executorConfig) {
		c.precompile = progs
	}
}

// WithMemoryLimit sets the maximum memory available to WASM modules.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(256) = 16MB max
//   - WithMemoryLimit(1024) = 64MB max
//   - WithMemoryLimit(4096) = 256MB max
//
// Default is 0 (no limit, up to 4GB). Go programs reserve a few MB of
// heap at start-up, so very small limits make every run fail.
func WithMemoryLimit(pages uint32) ExecutorOption {
	return func(c *executorConfig) {
		c.memoryLimitPages = pages
	}
}

// WithLogger sets the logger used for the executor and the bridges it
// creates.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(c *executorConfig) {
		c.logger = l
	}
}

// WithMetrics records runs and session calls in m.
func WithMetrics(m *Metrics) ExecutorOption {
	return func(c *executorConfig) {
		c.metrics = m
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)
