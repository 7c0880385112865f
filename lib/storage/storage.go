package storage

import (
	"sync"

	"github.com/flame4/tikv/rpc/common"
)

var logger = common.CreateLogger("storage")

// Storage is the node's transactional engine behind an asynchronous API.
// Every call validates its request context, then hands the MVCC work to a
// bounded scheduler pool and returns immediately; the completion callback
// fires exactly once from a scheduler goroutine. When the admission queue is
// full the call fails fast with ErrSchedTooBusy instead of blocking the
// caller.
type Storage struct {
	mvcc  *mvccStore
	guard RegionGuard

	mu     sync.Mutex
	closed bool
	queue  chan func()
	wg     sync.WaitGroup
}

// NewStorage creates a Storage with concurrency scheduler goroutines and an
// admission queue sized to match. A nil guard admits every context.
func NewStorage(guard RegionGuard, concurrency int) *Storage {
	if guard == nil {
		guard = AllowAll{}
	}
	if concurrency < 1 {
		concurrency = 1
	}
	st := &Storage{
		mvcc:  newMVCCStore(),
		guard: guard,
		queue: make(chan func(), concurrency*256),
	}
	for i := 0; i < concurrency; i++ {
		st.wg.Add(1)
		go st.schedLoop()
	}
	logger.Infof("storage started with %d scheduler workers", concurrency)
	return st
}

func (st *Storage) schedLoop() {
	defer st.wg.Done()
	for task := range st.queue {
		task()
	}
}

// Close stops admission and waits for queued work to drain. Calls issued
// after Close fail with ErrClosed.
func (st *Storage) Close() {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	close(st.queue)
	st.mu.Unlock()
	st.wg.Wait()
	logger.Infof("storage stopped")
}

// schedule admits one task. It returns without error only if the task is
// guaranteed to run.
func (st *Storage) schedule(ctx common.Context, task func()) error {
	if rerr := st.guard.Check(ctx); rerr != nil {
		return &RequestError{RegionError: rerr}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return ErrClosed
	}
	select {
	case st.queue <- task:
		return nil
	default:
		return ErrSchedTooBusy
	}
}

// --------------------------------------------------------------------------
// Transactional API
// --------------------------------------------------------------------------

// AsyncGet reads key at version ver.
func (st *Storage) AsyncGet(ctx common.Context, key Key, ver uint64, cb ValueCallback) error {
	return st.schedule(ctx, func() {
		cb(st.mvcc.Get(key, ver))
	})
}

// AsyncScan reads up to limit keys starting at start, at version ver.
func (st *Storage) AsyncScan(ctx common.Context, start Key, limit int, ver uint64, opts Options, cb ResultsCallback) error {
	return st.schedule(ctx, func() {
		cb(st.mvcc.Scan(start, limit, ver, opts.KeyOnly), nil)
	})
}

// AsyncBatchGet reads each key at version ver.
func (st *Storage) AsyncBatchGet(ctx common.Context, keys []Key, ver uint64, cb ResultsCallback) error {
	return st.schedule(ctx, func() {
		cb(st.mvcc.BatchGet(keys, ver), nil)
	})
}

// AsyncPrewrite locks the mutations' keys for transaction startTS. Per-key
// outcomes arrive in the callback's error slice, one slot per mutation.
func (st *Storage) AsyncPrewrite(ctx common.Context, mutations []Mutation, primary []byte, startTS uint64, opts Options, cb KeyErrsCallback) error {
	return st.schedule(ctx, func() {
		cb(st.mvcc.Prewrite(mutations, primary, startTS, opts), nil)
	})
}

// AsyncCommit commits transaction startTS on the given keys at commitTS.
func (st *Storage) AsyncCommit(ctx common.Context, keys []Key, startTS, commitTS uint64, cb DoneCallback) error {
	return st.schedule(ctx, func() {
		cb(st.mvcc.Commit(keys, startTS, commitTS))
	})
}

// AsyncBatchRollback rolls back transaction startTS on the given keys.
func (st *Storage) AsyncBatchRollback(ctx common.Context, keys []Key, startTS uint64, cb DoneCallback) error {
	return st.schedule(ctx, func() {
		cb(st.mvcc.Rollback(keys, startTS))
	})
}

// AsyncCleanup rolls back transaction startTS on one key; a CommittedError
// reports the commit timestamp if the transaction already committed.
func (st *Storage) AsyncCleanup(ctx common.Context, key Key, startTS uint64, cb DoneCallback) error {
	return st.schedule(ctx, func() {
		cb(st.mvcc.Cleanup(key, startTS))
	})
}

// AsyncScanLock reports every lock at or below maxVer.
func (st *Storage) AsyncScanLock(ctx common.Context, maxVer uint64, cb LocksCallback) error {
	return st.schedule(ctx, func() {
		cb(st.mvcc.ScanLock(maxVer), nil)
	})
}

// AsyncResolveLock settles transaction startTS everywhere it holds locks:
// commit at commitTS, or roll back when commitTS is zero.
func (st *Storage) AsyncResolveLock(ctx common.Context, startTS, commitTS uint64, cb DoneCallback) error {
	return st.schedule(ctx, func() {
		cb(st.mvcc.ResolveLock(startTS, commitTS))
	})
}

// AsyncGC drops versions invisible to readers at or above safePoint.
func (st *Storage) AsyncGC(ctx common.Context, safePoint uint64, cb DoneCallback) error {
	return st.schedule(ctx, func() {
		cb(st.mvcc.GC(safePoint))
	})
}

// --------------------------------------------------------------------------
// Raw API
// --------------------------------------------------------------------------

// AsyncRawGet reads key from the raw column family.
func (st *Storage) AsyncRawGet(ctx common.Context, key Key, cb ValueCallback) error {
	return st.schedule(ctx, func() {
		cb(st.mvcc.RawGet(key), nil)
	})
}

// AsyncRawPut writes key into the raw column family.
func (st *Storage) AsyncRawPut(ctx common.Context, key Key, value []byte, cb DoneCallback) error {
	return st.schedule(ctx, func() {
		st.mvcc.RawPut(key, value)
		cb(nil)
	})
}

// AsyncRawDelete removes key from the raw column family.
func (st *Storage) AsyncRawDelete(ctx common.Context, key Key, cb DoneCallback) error {
	return st.schedule(ctx, func() {
		st.mvcc.RawDelete(key)
		cb(nil)
	})
}
