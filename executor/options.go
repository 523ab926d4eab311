package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/caffeineduck/wasmgate/hostfunc"
	"github.com/caffeineduck/wasmgate/instance"
)

// Option configures a single instance or run.
type Option func(*runConfig)

// Resumer answers a yield. Returning false leaves the instance yielded.
type Resumer func(y instance.YieldedVal) (val any, ok bool)

type runConfig struct {
	timeout time.Duration
	name    string
	kv      *hostfunc.KV
	mounts  []hostfunc.Mount
	fsOpts  []hostfunc.FSOption
	embed   []func(*instance.EmbedCtx)
	resumer Resumer
}

func defaultRunConfig() runConfig {
	return runConfig{
		timeout: 30 * time.Second,
	}
}

// WithTimeout sets the maximum execution time of Executor.Run.
func WithTimeout(d time.Duration) Option {
	return func(c *runConfig) {
		c.timeout = d
	}
}

// WithName sets the wazero module name. Names must be unique within an
// executor; by default the instance ID is used.
func WithName(name string) Option {
	return func(c *runConfig) {
		c.name = name
	}
}

// WithKV makes kv available to the kv_* hostcalls.
func WithKV(kv *hostfunc.KV) Option {
	return func(c *runConfig) {
		c.kv = kv
	}
}

// Mount permission modes (re-exported from hostfunc for convenience).
const (
	MountReadOnly        = hostfunc.MountReadOnly
	MountReadWrite       = hostfunc.MountReadWrite
	MountReadWriteCreate = hostfunc.MountReadWriteCreate
)

// WithMount adds a filesystem mount point for the fs_* hostcalls.
// The virtual path is what the guest sees; host path is the actual location.
//
// Examples:
//
//	executor.WithMount("/data", "./input", executor.MountReadOnly)
//	executor.WithMount("/output", "./results", executor.MountReadWrite)
func WithMount(virtualPath, hostPath string, mode hostfunc.MountMode) Option {
	return func(c *runConfig) {
		c.mounts = append(c.mounts, hostfunc.Mount{
			VirtualPath: virtualPath,
			HostPath:    hostPath,
			Mode:        mode,
		})
	}
}

// WithFSMaxFileSize sets the largest file fs_read returns.
func WithFSMaxFileSize(size int64) Option {
	return func(c *runConfig) {
		c.fsOpts = append(c.fsOpts, hostfunc.WithMaxFileSize(size))
	}
}

// WithFSMaxWriteSize sets the largest content fs_write accepts.
func WithFSMaxWriteSize(size int64) Option {
	return func(c *runConfig) {
		c.fsOpts = append(c.fsOpts, hostfunc.WithMaxWriteSize(size))
	}
}

// WithEmbed populates the instance's embed context before it first runs.
//
//	executor.WithEmbed(func(c *instance.EmbedCtx) {
//	    instance.InsertCtx(c, &Quota{Remaining: 10})
//	})
func WithEmbed(fn func(*instance.EmbedCtx)) Option {
	return func(c *runConfig) {
		c.embed = append(c.embed, fn)
	}
}

// WithResumer lets Executor.Run answer yields instead of returning at the
// first one.
func WithResumer(r Resumer) Option {
	return func(c *runConfig) {
		c.resumer = r
	}
}

// ExecutorOption configures the Executor at creation time.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	diskCache        bool
	cacheDir         string
	precompile       []Program
	memoryLimitPages uint32 // 0 = wazero default (4GB)
	interpreter      bool
	hostModule       string
	logger           *zap.Logger
	registerer       prometheus.Registerer
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		hostModule: hostfunc.DefaultModule,
	}
}

// WithDiskCache enables persistent compilation cache for faster CLI startup.
// Optionally provide a custom directory; otherwise uses ~/.cache/wasmgate or
// XDG_CACHE_HOME/wasmgate.
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
func WithPrecompile(progs ...Program) ExecutorOption {
	return func(c *executorConfig) {
		c.precompile = progs
	}
}

// WithMemoryLimit sets the maximum memory available to WASM modules.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(16) = 1MB max
//   - WithMemoryLimit(256) = 16MB max
//   - WithMemoryLimit(1024) = 64MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) ExecutorOption {
	return func(c *executorConfig) {
		c.memoryLimitPages = pages
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16    // 1 MB
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)

// WithInterpreter uses wazero's interpreter instead of the compiler.
func WithInterpreter() ExecutorOption {
	return func(c *executorConfig) {
		c.interpreter = true
	}
}

// WithHostModule changes the import module name host functions are bound
// under. Default is "env".
func WithHostModule(name string) ExecutorOption {
	return func(c *executorConfig) {
		c.hostModule = name
	}
}

// WithLogger sets the logger used by the executor and its instances.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(c *executorConfig) {
		c.logger = l
	}
}

// WithMetrics registers executor metrics with reg.
func WithMetrics(reg prometheus.Registerer) ExecutorOption {
	return func(c *executorConfig) {
		c.registerer = reg
	}
}
