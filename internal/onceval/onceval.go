// Package onceval implements a write-once value cell that many readers can
// await concurrently. It is the Go counterpart of the asyncio.Future() cells
// slick/identity.py uses for port_result, name_result and service_id_result:
// a value that is resolved exactly once, arbitrarily later, with every
// caller of Wait blocking until it is.
package onceval

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadySet is returned by Set if the cell already holds a value.
var ErrAlreadySet = errors.New("onceval: value already set")

// Cell is a write-once value cell safe for concurrent use. The zero value is
// ready to use.
type Cell[T any] struct {
	once sync.Once
	done chan struct{}
	init sync.Once

	mu  sync.Mutex
	val T
	set bool
}

// lazyInit lets Cell be used as a zero value without an explicit constructor,
// mirroring how little ceremony the teacher's config structs require.
func (c *Cell[T]) lazyInit() {
	c.init.Do(func() {
		c.done = make(chan struct{})
	})
}

// Set resolves the cell. Only the first call has any effect; subsequent
// calls return ErrAlreadySet.
func (c *Cell[T]) Set(v T) error {
	c.lazyInit()

	err := ErrAlreadySet
	c.once.Do(func() {
		c.mu.Lock()
		c.val, c.set = v, true
		c.mu.Unlock()
		close(c.done)
		err = nil
	})
	return err
}

// Wait blocks until the cell is resolved or the context is cancelled.
func (c *Cell[T]) Wait(ctx context.Context) (T, error) {
	c.lazyInit()

	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Peek returns the current value and whether it has been set, without
// blocking.
func (c *Cell[T]) Peek() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val, c.set
}
