package util

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrWorkerStopped is returned by Schedule after the worker shut down.
var ErrWorkerStopped = errors.New("worker: stopped")

// Runnable processes tasks handed to a Worker. Run is only ever invoked
// from the worker's own goroutine, so a Runnable may keep mutable state
// without synchronization.
type Runnable[T any] interface {
	Run(task *T)
}

// Worker owns a single consumer goroutine that feeds scheduled tasks to a
// Runnable one at a time. Producers on any goroutine call Schedule; the
// Runnable's state stays confined to the consumer.
type Worker[T any] struct {
	name string
	q    *MPSC[T]
	wg   sync.WaitGroup
}

// NewWorker creates a stopped worker. Call Start before Schedule.
func NewWorker[T any](name string) *Worker[T] {
	return &Worker[T]{
		name: name,
		q:    NewMPSC[T](),
	}
}

// Start launches the consumer goroutine.
func (w *Worker[T]) Start(r Runnable[T]) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for task := range w.q.Recv() {
			r.Run(task)
		}
	}()
}

// Schedule hands a task to the worker. It never blocks; the queue is
// unbounded. Returns ErrWorkerStopped if the worker was stopped.
func (w *Worker[T]) Schedule(task *T) error {
	if !w.q.Push(task) {
		return errors.Wrap(ErrWorkerStopped, w.name)
	}
	return nil
}

// Stop closes the queue and waits for queued tasks to drain.
func (w *Worker[T]) Stop() {
	w.q.Close()
	w.wg.Wait()
}
