// Package coprocessor hosts the pluggable request endpoint. Executors
// register themselves by request type; the host schedules each request onto
// a bounded worker pool and delivers the response through a callback,
// keeping the dispatch layer free of executor logic.
package coprocessor

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/flame4/tikv/rpc/common"
)

var logger = common.CreateLogger("endpoint")

var (
	// ErrEndpointBusy means the endpoint's admission queue is full.
	ErrEndpointBusy = errors.New("coprocessor: endpoint is too busy")

	// ErrEndpointClosed is returned for requests issued after shutdown.
	ErrEndpointClosed = errors.New("coprocessor: endpoint closed")
)

// Executor evaluates one class of requests. The payload is opaque to the
// host; the executor owns its encoding.
type Executor interface {
	// Handle evaluates req and returns the response payload.
	Handle(req *common.CopRequest) ([]byte, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(req *common.CopRequest) ([]byte, error)

// docu see Executor
func (f ExecutorFunc) Handle(req *common.CopRequest) ([]byte, error) {
	return f(req)
}

// Callback delivers the finished response. It fires exactly once per
// admitted request, from a pool goroutine.
type Callback func(resp *common.CopResponse)

// Host runs registered executors on a fixed pool of worker goroutines.
type Host struct {
	executors *xsync.MapOf[int64, Executor]

	mu     sync.Mutex
	closed bool
	queue  chan task
	wg     sync.WaitGroup
}

type task struct {
	req *common.CopRequest
	cb  Callback
}

// NewHost creates a Host with concurrency workers and an admission queue
// sized to match. Requests beyond the queue's capacity fail fast with
// ErrEndpointBusy.
func NewHost(concurrency int) *Host {
	if concurrency < 1 {
		concurrency = 1
	}
	h := &Host{
		executors: xsync.NewMapOf[int64, Executor](),
		queue:     make(chan task, concurrency*64),
	}
	for i := 0; i < concurrency; i++ {
		h.wg.Add(1)
		go h.workLoop()
	}
	logger.Infof("endpoint started with %d workers", concurrency)
	return h
}

// Register installs the executor for request type tp, replacing any
// previous one.
func (h *Host) Register(tp int64, e Executor) {
	h.executors.Store(tp, e)
}

// Handle admits one request. A nil error guarantees cb will fire.
func (h *Host) Handle(req *common.CopRequest, cb Callback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrEndpointClosed
	}
	select {
	case h.queue <- task{req: req, cb: cb}:
		return nil
	default:
		return ErrEndpointBusy
	}
}

// Close stops admission and waits for queued requests to finish.
func (h *Host) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()
	h.wg.Wait()
	logger.Infof("endpoint stopped")
}

func (h *Host) workLoop() {
	defer h.wg.Done()
	for t := range h.queue {
		t.cb(h.run(t.req))
	}
}

func (h *Host) run(req *common.CopRequest) *common.CopResponse {
	e, ok := h.executors.Load(req.Tp)
	if !ok {
		return &common.CopResponse{
			OtherError: fmt.Sprintf("unsupported request type %d", req.Tp),
		}
	}
	data, err := e.Handle(req)
	if err != nil {
		return &common.CopResponse{OtherError: err.Error()}
	}
	return &common.CopResponse{Data: data}
}
