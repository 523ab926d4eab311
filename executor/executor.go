package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/caffeineduck/wasmgate/hostfunc"
	"github.com/caffeineduck/wasmgate/instance"
	"github.com/caffeineduck/wasmgate/internal/wasmbin"
)

// ErrClosed is returned by operations on a closed Executor.
var ErrClosed = errors.New("executor closed")

// Result holds the outcome and timing of a run or resume.
type Result struct {
	Run      instance.RunResult
	Duration time.Duration
	Error    error
}

// Executor owns a wazero runtime, the host module bound from a registry and
// a cache of compiled programs.
type Executor struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled map[string]*compiled
	registry *hostfunc.Registry
	log      *zap.Logger
	metrics  *Metrics
	mu       sync.RWMutex
	closed   bool
}

// compiled is a compiled program plus the layout wazero does not expose.
type compiled struct {
	module  wazero.CompiledModule
	globals []instance.GlobalExport
	tables  []instance.TableLayout
	funcs   map[uint32]string
}

// New creates an Executor and binds the functions in registry as the host
// module. A nil registry binds the built-in hostcalls.
func New(registry *hostfunc.Registry, opts ...ExecutorOption) (*Executor, error) {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()

	log := cfg.logger
	if log == nil {
		log = instance.Logger()
	}

	if registry == nil {
		registry = hostfunc.NewRegistry()
		hostfunc.RegisterBuiltins(registry)
		hostfunc.RegisterKV(registry)
		hostfunc.RegisterFS(registry)
	}

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

	rtConfig := wazero.NewRuntimeConfig()
	if cfg.interpreter {
		rtConfig = wazero.NewRuntimeConfigInterpreter()
	}
	rtConfig = rtConfig.WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := registry.Bind(ctx, rt, cfg.hostModule); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, err
	}

	e := &Executor{
		runtime:  rt,
		cache:    cache,
		compiled: make(map[string]*compiled),
		registry: registry,
		log:      log,
	}
	if cfg.registerer != nil {
		e.metrics = NewMetrics(cfg.registerer)
	}

	for _, prog := range cfg.precompile {
		if _, err := e.getCompiled(ctx, prog); err != nil {
			e.Close()
			return nil, fmt.Errorf("precompile %s: %w", prog.Name(), err)
		}
	}

	log.Debug("executor ready",
		zap.Strings("hostcalls", registry.List()),
		zap.Bool("interpreter", cfg.interpreter),
		zap.Uint32("memory_limit_pages", cfg.memoryLimitPages))
	return e, nil
}

// Registry returns the registry the host module was bound from.
func (e *Executor) Registry() *hostfunc.Registry {
	return e.registry
}

// Metrics returns the executor's collectors, or nil without WithMetrics.
func (e *Executor) Metrics() *Metrics {
	return e.metrics
}

// NewInstance instantiates prog. The caller owns the instance and must
// Close it.
func (e *Executor) NewInstance(ctx context.Context, prog Program, opts ...Option) (*instance.Instance, error) {
	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return e.newInstance(ctx, prog, cfg)
}

func (e *Executor) newInstance(ctx context.Context, prog Program, cfg runConfig) (*instance.Instance, error) {
	c, err := e.getCompiled(ctx, prog)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate instance id: %w", err)
	}
	name := cfg.name
	if name == "" {
		name = id.String()
	}

	mod, err := e.runtime.InstantiateModule(ctx, c.module, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", prog.Name(), err)
	}

	embed := instance.NewEmbedCtx()
	if cfg.kv != nil {
		instance.InsertCtx(embed, cfg.kv)
	}
	if len(cfg.mounts) > 0 {
		instance.InsertCtx(embed, hostfunc.NewFS(cfg.mounts, cfg.fsOpts...))
	}
	for _, fn := range cfg.embed {
		fn(embed)
	}

	inst, err := instance.New(mod, instance.Config{
		ID:        id,
		Globals:   c.globals,
		Tables:    c.tables,
		Functions: c.funcs,
		Embed:     embed,
		Logger:    e.log,
	})
	if err != nil {
		mod.Close(ctx)
		return nil, err
	}

	e.metrics.instanceCreated()
	e.log.Debug("instance created", zap.String("program", prog.Name()), zap.Stringer("instance", id))
	return inst, nil
}

// Run instantiates prog, runs export with args and closes the instance.
// Yields are answered by the WithResumer option, where a nil value resumes
// without one; without a resumer, Run returns at the first yield and the
// instance is discarded.
func (e *Executor) Run(ctx context.Context, prog Program, export string, args []uint64, opts ...Option) Result {
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

	inst, err := e.newInstance(ctx, prog, cfg)
	if err != nil {
		return Result{Error: err, Duration: time.Since(start)}
	}
	defer inst.Close(context.Background())

	res, err := inst.Run(ctx, export, args...)
	for err == nil && res.Yielded() && cfg.resumer != nil {
		val, ok := cfg.resumer(*res.Yield)
		if !ok {
			break
		}
		if val == nil {
			res, err = inst.Resume(ctx)
			continue
		}
		res, err = inst.ResumeWithVal(ctx, val)
	}

	result := Result{Run: res, Error: err, Duration: time.Since(start)}
	if err == nil && res.Terminated() && ctx.Err() == context.DeadlineExceeded {
		result.Error = fmt.Errorf("timeout after %v", cfg.timeout)
	}
	e.metrics.observe(result)
	return result
}

// getCompiled returns a cached compiled program, compiling if necessary.
func (e *Executor) getCompiled(ctx context.Context, prog Program) (*compiled, error) {
	name := prog.Name()

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrClosed
	}
	if c, ok := e.compiled[name]; ok {
		e.mu.RUnlock()
		return c, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	if c, ok := e.compiled[name]; ok {
		return c, nil
	}

	info, err := wasmbin.Scan(prog.Module())
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", name, err)
	}
	// Table entries are looked up by export name.
	bin, err := wasmbin.ExportTableFuncs(prog.Module(), info)
	if err != nil {
		return nil, fmt.Errorf("export table functions of %s: %w", name, err)
	}

	mod, err := e.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}

	c := layout(info)
	c.module = mod
	e.compiled[name] = c
	e.metrics.compiled()
	return c, nil
}

func layout(info *wasmbin.Info) *compiled {
	c := &compiled{funcs: info.Functions()}
	for _, g := range info.Globals() {
		c.globals = append(c.globals, instance.GlobalExport{Name: g.Name, Index: g.Index})
	}
	for _, t := range info.Tables {
		for uint32(len(c.tables)) <= t.Index {
			c.tables = append(c.tables, instance.TableLayout{})
		}
		c.tables[t.Index] = instance.TableLayout{Size: t.Size, Slots: t.Slots}
	}
	return c
}

// Close releases all resources held by the Executor, including instances
// that were not closed.
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

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "wasmgate")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "wasmgate")
	}
	return filepath.Join(os.TempDir(), "wasmgate-cache")
}
