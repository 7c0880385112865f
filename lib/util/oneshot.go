package util

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrOneshotFired is returned when a second value is sent into a Oneshot.
// A completion callback must fire exactly once; a duplicate delivery is a
// bug in the caller and must fail loudly instead of overwriting the result.
var ErrOneshotFired = errors.New("oneshot: result already delivered")

// Oneshot is a single-fire result slot. One side sends exactly one value,
// the other side receives it exactly once. It bridges an engine completion
// callback (which may run on any goroutine) into the request handler that
// is waiting for the result.
type Oneshot[T any] struct {
	mu    sync.Mutex
	fired bool
	ch    chan T
}

// NewOneshot creates an unfired slot.
func NewOneshot[T any]() *Oneshot[T] {
	return &Oneshot[T]{ch: make(chan T, 1)}
}

// Send delivers the value. The second and any further call returns
// ErrOneshotFired and leaves the original value in place.
func (o *Oneshot[T]) Send(v T) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.fired {
		return ErrOneshotFired
	}
	o.fired = true
	o.ch <- v
	return nil
}

// Recv returns the channel the single value is delivered on.
func (o *Oneshot[T]) Recv() <-chan T {
	return o.ch
}
