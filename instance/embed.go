package instance

import (
	"reflect"
	"sync"

	"github.com/caffeineduck/wasmgate/borrow"
)

// EmbedCtx holds embedder state keyed by Go type, at most one value per type.
// Hostcalls reach it through GetEmbedCtx and GetEmbedCtxMut; each entry has
// its own borrow cell, so borrowing one type never conflicts with another.
type EmbedCtx struct {
	mu      sync.RWMutex
	entries map[reflect.Type]*embedEntry
}

type embedEntry struct {
	cell borrow.Cell
	ptr  any // *T
}

func NewEmbedCtx() *EmbedCtx {
	return &EmbedCtx{entries: make(map[reflect.Type]*embedEntry)}
}

// Len returns the number of stored types.
func (c *EmbedCtx) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *EmbedCtx) entry(t reflect.Type) *embedEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[t]
}

// InsertCtx stores v under its type, replacing any previous value of that
// type. It reports whether a value was replaced.
func InsertCtx[T any](c *EmbedCtx, v T) bool {
	t := reflect.TypeOf((*T)(nil)).Elem()
	c.mu.Lock()
	defer c.mu.Unlock()
	_, replaced := c.entries[t]
	p := new(T)
	*p = v
	c.entries[t] = &embedEntry{ptr: p}
	return replaced
}

// LookupCtx returns a copy of the value stored for T. It is meant for the
// host side between runs; hostcalls use GetEmbedCtx.
func LookupCtx[T any](c *EmbedCtx) (T, bool) {
	e := c.entry(reflect.TypeOf((*T)(nil)).Elem())
	if e == nil {
		var zero T
		return zero, false
	}
	return *e.ptr.(*T), true
}

// RemoveCtx drops the value stored for T.
func RemoveCtx[T any](c *EmbedCtx) bool {
	t := reflect.TypeOf((*T)(nil)).Elem()
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[t]
	delete(c.entries, t)
	return ok
}

// GetEmbedCtx borrows the embedder value of type T immutably. A missing type
// terminates the instance with TerminationCtxNotFound; a live mutable borrow
// of the same type terminates it with TerminationBorrowError.
func GetEmbedCtx[T any](h *Handle) *borrow.ReadGuard[T] {
	h.inst.checkLive()
	e := h.embedEntry(reflect.TypeOf((*T)(nil)).Elem())
	g, err := borrow.TryBorrow(&e.cell, *e.ptr.(*T))
	if err != nil {
		panic(h.inst.terminating(borrowError("embed_ctx")))
	}
	return g
}

// GetEmbedCtxMut borrows the embedder value of type T mutably. Writes through
// the returned pointer are visible to later borrows.
func GetEmbedCtxMut[T any](h *Handle) *borrow.WriteGuard[*T] {
	h.inst.checkLive()
	e := h.embedEntry(reflect.TypeOf((*T)(nil)).Elem())
	g, err := borrow.TryBorrowMut(&e.cell, e.ptr.(*T))
	if err != nil {
		panic(h.inst.terminating(borrowError("embed_ctx_mut")))
	}
	return g
}

func (h *Handle) embedEntry(t reflect.Type) *embedEntry {
	e := h.inst.embed.entry(t)
	if e == nil {
		panic(h.inst.terminating(&TerminationDetails{Kind: TerminationCtxNotFound, Type: t.String()}))
	}
	return e
}
