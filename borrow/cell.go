// Package borrow enforces "one writer or many readers" at runtime over data
// that is reachable through shared handles and therefore cannot be proven
// exclusive statically.
//
// Acquisition never blocks. A conflicting request fails immediately with an
// error matching [ErrConflict]; callers decide the failure policy.
//
//	var c borrow.Cell
//	g, err := borrow.TryBorrowMut(&c, buf)
//	if err != nil {
//	    return err
//	}
//	defer g.Release()
package borrow

import (
	"errors"

	"go.uber.org/atomic"
)

// ErrConflict matches every failed acquisition.
var ErrConflict = errors.New("borrow conflict")

// Mode is the kind of access held or requested on a Cell.
type Mode int

const (
	Shared Mode = iota + 1
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return "none"
	}
}

// Conflict describes a rejected acquisition.
type Conflict struct {
	Want Mode
	Held Mode
}

func (c *Conflict) Error() string {
	if c.Held == Exclusive {
		return "already mutably borrowed"
	}
	return "already borrowed"
}

func (c *Conflict) Is(target error) bool {
	return target == ErrConflict
}

// writer marks a Cell held exclusively. Positive values count readers.
const writer = -1

// Cell tracks the borrow state of one piece of data. The zero value is an
// unborrowed cell. A Cell must not be copied after first use.
type Cell struct {
	state atomic.Int64
}

// Readers returns the number of live shared borrows.
func (c *Cell) Readers() int {
	if s := c.state.Load(); s > 0 {
		return int(s)
	}
	return 0
}

// Writing reports whether an exclusive borrow is live.
func (c *Cell) Writing() bool {
	return c.state.Load() == writer
}

func (c *Cell) acquireShared() error {
	for {
		s := c.state.Load()
		if s == writer {
			return &Conflict{Want: Shared, Held: Exclusive}
		}
		if c.state.CompareAndSwap(s, s+1) {
			return nil
		}
	}
}

func (c *Cell) acquireExclusive() error {
	if c.state.CompareAndSwap(0, writer) {
		return nil
	}
	held := Shared
	if c.state.Load() == writer {
		held = Exclusive
	}
	return &Conflict{Want: Exclusive, Held: held}
}

func (c *Cell) releaseShared() {
	c.state.Dec()
}

func (c *Cell) releaseExclusive() {
	c.state.Store(0)
}

// ReadGuard is a live shared borrow of a value of type T.
type ReadGuard[T any] struct {
	cell     *Cell
	value    T
	released atomic.Bool
}

// TryBorrow takes a shared borrow on c and returns a guard exposing v.
func TryBorrow[T any](c *Cell, v T) (*ReadGuard[T], error) {
	if err := c.acquireShared(); err != nil {
		return nil, err
	}
	return &ReadGuard[T]{cell: c, value: v}, nil
}

// Get returns the borrowed value.
func (g *ReadGuard[T]) Get() T {
	return g.value
}

// Release ends the borrow. Calling it more than once is a no-op.
func (g *ReadGuard[T]) Release() {
	if g.released.CompareAndSwap(false, true) {
		g.cell.releaseShared()
	}
}

// WriteGuard is a live exclusive borrow of a value of type T.
type WriteGuard[T any] struct {
	cell     *Cell
	value    T
	released atomic.Bool
}

// TryBorrowMut takes an exclusive borrow on c and returns a guard exposing v.
func TryBorrowMut[T any](c *Cell, v T) (*WriteGuard[T], error) {
	if err := c.acquireExclusive(); err != nil {
		return nil, err
	}
	return &WriteGuard[T]{cell: c, value: v}, nil
}

// Get returns the borrowed value.
func (g *WriteGuard[T]) Get() T {
	return g.value
}

// Release ends the borrow. Calling it more than once is a no-op.
func (g *WriteGuard[T]) Release() {
	if g.released.CompareAndSwap(false, true) {
		g.cell.releaseExclusive()
	}
}
