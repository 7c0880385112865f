package storage

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/flame4/tikv/rpc/common"
)

// --------------------------------------------------------------------------
// Engine value types
// --------------------------------------------------------------------------

// Key is the engine's structured key type. Raw wire keys are converted with
// NewKey at the dispatch boundary.
type Key []byte

// NewKey converts a raw wire key into the engine key type.
func NewKey(raw []byte) Key {
	return Key(raw)
}

// MutationKind selects the kind of a prewrite mutation.
type MutationKind byte

const (
	MutationPut MutationKind = iota
	MutationDelete
	MutationLock
)

// Mutation is one prewrite element in engine terms.
type Mutation struct {
	Kind  MutationKind
	Key   Key
	Value []byte
}

// Options carries the per-call options assembled by the dispatch layer.
type Options struct {
	LockTTL             uint64
	SkipConstraintCheck bool
	KeyOnly             bool
}

// Result is one slot of a batch or scan result. Either Err is set or the
// pair is valid. Value is nil for keys without a visible version.
type Result struct {
	Key   []byte
	Value []byte
	Err   error
}

// --------------------------------------------------------------------------
// Error taxonomy
// --------------------------------------------------------------------------

var (
	// ErrWriteConflict means a concurrent transaction committed into the
	// caller's read-write window. The whole transaction should be retried.
	ErrWriteConflict = errors.New("storage: write conflict")

	// ErrTxnLockNotFound means the lock a commit expected was gone,
	// typically rolled back by a concurrent lock resolution.
	ErrTxnLockNotFound = errors.New("storage: txn lock not found")

	// ErrSchedTooBusy means the scheduler's admission queue is full and the
	// call was never issued.
	ErrSchedTooBusy = errors.New("storage: scheduler is too busy")

	// ErrClosed is returned for calls issued after shutdown.
	ErrClosed = errors.New("storage: closed")
)

// LockedError reports that a key is locked by another pending transaction.
// It carries what a client needs to resolve the lock and retry.
type LockedError struct {
	Key     []byte
	Primary []byte
	StartTS uint64
	TTL     uint64
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("storage: key %q locked by txn %d", e.Key, e.StartTS)
}

// CommittedError reports that a cleanup or rollback target was already
// committed; the commit timestamp lets the caller treat this as success.
type CommittedError struct {
	CommitTS uint64
}

func (e *CommittedError) Error() string {
	return fmt.Sprintf("storage: txn already committed at %d", e.CommitTS)
}

// RequestError wraps a region-level error raised while validating the
// request context, before any MVCC work happened.
type RequestError struct {
	RegionError *common.RegionError
}

func (e *RequestError) Error() string {
	return "storage: " + e.RegionError.Error()
}

// --------------------------------------------------------------------------
// Completion callbacks
// --------------------------------------------------------------------------

// Engine completions are delivered through callbacks that may run on any
// scheduler goroutine. Each callback fires exactly once per issued call.
type (
	// ValueCallback delivers a single value; nil means absent.
	ValueCallback func(value []byte, err error)

	// ResultsCallback delivers per-key results in input order.
	ResultsCallback func(results []Result, err error)

	// KeyErrsCallback delivers one error slot per input mutation; a nil
	// slot means that mutation succeeded.
	KeyErrsCallback func(errs []error, err error)

	// DoneCallback delivers a bare completion.
	DoneCallback func(err error)

	// LocksCallback delivers the locks found by a lock scan.
	LocksCallback func(locks []common.LockInfo, err error)
)

// --------------------------------------------------------------------------
// Region validation
// --------------------------------------------------------------------------

// RegionGuard validates a request context against this node's view of the
// addressed region. A non-nil result aborts the call with a RequestError.
type RegionGuard interface {
	Check(ctx common.Context) *common.RegionError
}

// AllowAll is a RegionGuard that accepts every context. Used for single
// region deployments and tests.
type AllowAll struct{}

func (AllowAll) Check(common.Context) *common.RegionError { return nil }
