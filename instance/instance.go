package instance

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/caffeineduck/wasmgate/borrow"
)

// GlobalExport names an exported global and its index in the module's
// global index space.
type GlobalExport struct {
	Name  string
	Index uint32
}

// TableLayout is the static content of one funcref table: slot -> function
// index in the module's function index space.
type TableLayout struct {
	Size  uint32
	Slots map[uint32]uint32
}

// Config describes the parts of a module wazero does not expose directly.
// The executor fills it from the module binary.
type Config struct {
	ID        uuid.UUID
	Globals   []GlobalExport
	Tables    []TableLayout
	Functions map[uint32]string
	Embed     *EmbedCtx
	Logger    *zap.Logger
}

// Instance is a guest module instance plus the state of its boundary with
// the host: borrow cells over its heap and globals, the embed context store
// and the run/yield/terminate state machine.
//
// An Instance is driven by one host goroutine at a time. Run, Resume and
// Close must not be called concurrently.
type Instance struct {
	magic  uint64
	anchor anchor

	id      uuid.UUID
	module  api.Module
	memory  api.Memory
	globals Globals
	tables  []TableLayout
	funcs   map[uint32]string
	embed   *EmbedCtx
	log     *zap.Logger

	heapCell    borrow.Cell
	globalsCell borrow.Cell

	mu         sync.Mutex
	st         state
	resumed    any
	hasResumed bool
	runCtx     context.Context
	closed     bool

	events chan event
	resume chan resumeMsg
}

// New wraps an instantiated module. The instance takes ownership of mod and
// closes it in Close.
func New(mod api.Module, cfg Config) (*Instance, error) {
	if mod == nil {
		return nil, newError(KindInvalidArgument, "new instance", "nil module")
	}

	id := cfg.ID
	if id == uuid.Nil {
		var err error
		if id, err = uuid.NewRandom(); err != nil {
			return nil, fmt.Errorf("generate instance id: %w", err)
		}
	}

	globals := make([]global, 0, len(cfg.Globals))
	for _, g := range cfg.Globals {
		v := mod.ExportedGlobal(g.Name)
		if v == nil {
			return nil, newError(KindSymbolNotFound, "new instance", "exported global %q", g.Name)
		}
		globals = append(globals, global{name: g.Name, index: g.Index, g: v})
	}

	embed := cfg.Embed
	if embed == nil {
		embed = NewEmbedCtx()
	}

	log := cfg.Logger
	if log == nil {
		log = Logger()
	}

	return &Instance{
		magic:   instanceMagic,
		id:      id,
		module:  mod,
		memory:  mod.Memory(),
		globals: Globals{entries: globals},
		tables:  cfg.Tables,
		funcs:   cfg.Functions,
		embed:   embed,
		log:     log.With(zap.Stringer("instance", id)),
		st:      state{kind: StateReady},
		events:  make(chan event, 1),
		resume:  make(chan resumeMsg, 1),
	}, nil
}

// ID returns the instance's identity.
func (i *Instance) ID() uuid.UUID {
	return i.id
}

// Module returns the underlying wazero module.
func (i *Instance) Module() api.Module {
	return i.module
}

// EmbedCtx returns the embedder context store. Populate it before Run.
func (i *Instance) EmbedCtx() *EmbedCtx {
	return i.embed
}

// State returns the current lifecycle state.
func (i *Instance) State() StateKind {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.st.kind
}

// Termination returns the termination details once the instance is
// terminating.
func (i *Instance) Termination() (*TerminationDetails, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.st.details, i.st.kind == StateTerminating
}

// Fault returns the cause of a StateFaulted instance.
func (i *Instance) Fault() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.st.fault
}

// HeapSize returns the current linear memory size in bytes.
func (i *Instance) HeapSize() uint32 {
	if i.memory == nil {
		return 0
	}
	return i.memory.Size()
}

// Close destroys the instance. A yielded guest is unwound without running
// any more guest code. The heap is released with the module.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	yielding := i.st.kind == StateYielding
	if yielding {
		i.st = state{kind: StateTerminating, details: &TerminationDetails{Kind: TerminationRemote}}
	}
	i.mu.Unlock()

	if yielding {
		i.resume <- resumeMsg{kill: true}
		<-i.events
	}

	i.magic = 0
	i.log.Debug("instance closed")
	return i.module.Close(ctx)
}

// heapView returns a view over the whole current heap. The slice aliases
// the module's memory; it never owns or copies it.
func (i *Instance) heapView() []byte {
	if i.memory == nil {
		return nil
	}
	view, ok := i.memory.Read(0, i.memory.Size())
	if !ok {
		return nil
	}
	return view
}

// terminating records d as the termination reason unless the instance has
// already stopped, and returns the reason to raise.
func (i *Instance) terminating(d *TerminationDetails) *TerminationDetails {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.st.kind != StateTerminating {
		i.st = state{kind: StateTerminating, details: d}
		i.log.Debug("instance terminating", zap.Stringer("kind", d.Kind))
	}
	return i.st.details
}

// checkLive re-raises an earlier termination so no hostcall keeps working on
// a stopped instance.
func (i *Instance) checkLive() {
	i.mu.Lock()
	st := i.st
	i.mu.Unlock()
	switch st.kind {
	case StateTerminating:
		panic(st.details)
	case StateFaulted:
		panic(st.fault)
	}
}
