package hostfunc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/caffeineduck/wasmgate/instance"
)

// DefaultModule is the import module name guests use for host functions.
const DefaultModule = "env"

// Def describes one host function: its import name, wasm signature and
// implementation.
type Def struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
	Fn      instance.HostFunc
}

type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Def
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Def)}
}

// Register adds or replaces def.
func (r *Registry) Register(def Def) {
	r.mu.Lock()
	r.funcs[def.Name] = def
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Def, bool) {
	r.mu.RLock()
	def, ok := r.funcs[name]
	r.mu.RUnlock()
	return def, ok
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns an independent copy of r.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := NewRegistry()
	for name, def := range r.funcs {
		c.funcs[name] = def
	}
	return c
}

// Bind instantiates every registered function as a host module called name
// in rt. Functions registered afterwards are not visible to rt.
func (r *Registry) Bind(ctx context.Context, rt wazero.Runtime, name string) (api.Module, error) {
	b := rt.NewHostModuleBuilder(name)
	for _, fn := range r.List() {
		def, _ := r.Get(fn)
		if def.Fn == nil {
			return nil, fmt.Errorf("host function %q has no implementation", fn)
		}
		b.NewFunctionBuilder().
			WithGoModuleFunction(def.Fn.GoModuleFunc(), def.Params, def.Results).
			WithName(def.Name).
			Export(def.Name)
	}
	mod, err := b.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiate host module %q: %w", name, err)
	}
	return mod, nil
}
