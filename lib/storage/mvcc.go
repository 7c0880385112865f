package storage

import (
	"sync"

	"github.com/flame4/tikv/rpc/common"
)

// mvccStore implements the transactional protocol on top of the memstore
// column families. A key is written in two phases: prewrite places a lock
// and the tentative data version keyed by the transaction's start timestamp,
// commit replaces the lock with a write record keyed by the commit
// timestamp. Readers only see keys through write records, so a transaction
// is invisible until its primary lock commits.
//
// All exported methods are safe for concurrent use; one mutex covers each
// whole operation so multi-key operations are atomic.
type mvccStore struct {
	mu sync.Mutex
	s  *memstore
}

func newMVCCStore() *mvccStore {
	return &mvccStore{s: newMemstore()}
}

func commitKindOf(k MutationKind) writeKind {
	switch k {
	case MutationDelete:
		return writeDelete
	case MutationLock:
		return writeLock
	default:
		return writePut
	}
}

func (l *lockRecord) toInfo() common.LockInfo {
	return common.LockInfo{
		PrimaryLock: l.primary,
		LockVersion: l.startTS,
		Key:         l.key,
		LockTTL:     l.ttl,
	}
}

func lockedErr(l *lockRecord) *LockedError {
	return &LockedError{
		Key:     l.key,
		Primary: l.primary,
		StartTS: l.startTS,
		TTL:     l.ttl,
	}
}

// getValue resolves the newest committed value of key visible at ver.
// Callers must hold the mutex and have already checked locks.
func (m *mvccStore) getValue(key Key, ver uint64) []byte {
	var value []byte
	m.s.seekWrite(key, ver, func(_ uint64, rec *verItem) bool {
		switch rec.kind {
		case writePut:
			value = m.s.getData(key, rec.startTS)
			return false
		case writeDelete:
			return false
		default:
			// rollback and lock records carry no data
			return true
		}
	})
	return value
}

// checkLock returns the blocking lock of key at read version ver, if any.
// A lock placed after ver does not block the read.
func (m *mvccStore) checkLock(key Key, ver uint64) *lockRecord {
	if l := m.s.getLock(key); l != nil && l.startTS <= ver {
		return l
	}
	return nil
}

// Get reads the value of key as of version ver. A pending lock older than
// ver fails the read with a LockedError.
func (m *mvccStore) Get(key Key, ver uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l := m.checkLock(key, ver); l != nil {
		return nil, lockedErr(l)
	}
	return m.getValue(key, ver), nil
}

// BatchGet reads each key as of ver. Per-key lock errors land in the
// result slots; absent keys yield slots with a nil value.
func (m *mvccStore) BatchGet(keys []Key, ver uint64) []Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]Result, 0, len(keys))
	for _, key := range keys {
		if l := m.checkLock(key, ver); l != nil {
			results = append(results, Result{Key: key, Err: lockedErr(l)})
			continue
		}
		results = append(results, Result{Key: key, Value: m.getValue(key, ver)})
	}
	return results
}

// Scan returns up to limit keys starting at start, as of ver. Locked keys
// occupy a result slot with their lock error; keys whose visible version is
// a delete are skipped.
func (m *mvccStore) Scan(start Key, limit int, ver uint64, keyOnly bool) []Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]Result, 0, limit)
	m.s.iterKeys(start, func(key Key) bool {
		if len(results) >= limit {
			return false
		}
		if l := m.checkLock(key, ver); l != nil {
			results = append(results, Result{Key: key, Err: lockedErr(l)})
			return true
		}
		value := m.getValue(key, ver)
		if value == nil {
			return true
		}
		if keyOnly {
			value = nil
		}
		results = append(results, Result{Key: key, Value: value})
		return true
	})
	return results
}

// Prewrite locks every mutation's key for the transaction identified by
// startTS. Per-key failures are reported in the returned slice, one slot per
// mutation; a nil slot means that mutation's lock is in place.
func (m *mvccStore) Prewrite(mutations []Mutation, primary []byte, startTS uint64, opts Options) []error {
	m.mu.Lock()
	defer m.mu.Unlock()

	errs := make([]error, len(mutations))
	for i, mut := range mutations {
		errs[i] = m.prewriteKey(mut, primary, startTS, opts)
	}
	return errs
}

func (m *mvccStore) prewriteKey(mut Mutation, primary []byte, startTS uint64, opts Options) error {
	if l := m.s.getLock(mut.Key); l != nil {
		if l.startTS == startTS {
			// retried prewrite of an already locked key
			return nil
		}
		return lockedErr(l)
	}
	if !opts.SkipConstraintCheck {
		conflict := false
		m.s.seekWrite(mut.Key, ^uint64(0), func(commitTS uint64, _ *verItem) bool {
			conflict = commitTS >= startTS
			return false
		})
		if conflict {
			return ErrWriteConflict
		}
	}
	if mut.Kind == MutationPut {
		m.s.putData(mut.Key, startTS, mut.Value)
	}
	m.s.putLock(&lockRecord{
		key:     mut.Key,
		primary: primary,
		startTS: startTS,
		ttl:     opts.LockTTL,
		kind:    mut.Kind,
	})
	return nil
}

// Commit turns the locks of transaction startTS on the given keys into
// write records at commitTS. Committing a key whose lock is gone succeeds
// only if the key already committed at this start timestamp; otherwise the
// lock was rolled back and ErrTxnLockNotFound is returned.
func (m *mvccStore) Commit(keys []Key, startTS, commitTS uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		if err := m.commitKey(key, startTS, commitTS); err != nil {
			return err
		}
	}
	return nil
}

func (m *mvccStore) commitKey(key Key, startTS, commitTS uint64) error {
	l := m.s.getLock(key)
	if l != nil && l.startTS == startTS {
		m.s.putWrite(key, commitTS, startTS, commitKindOf(l.kind))
		m.s.deleteLock(key)
		return nil
	}
	// Lock is gone: either this key already committed (idempotent retry)
	// or a concurrent resolver rolled it back.
	var committed bool
	m.s.seekWrite(key, ^uint64(0), func(_ uint64, rec *verItem) bool {
		if rec.startTS != startTS {
			return true
		}
		committed = rec.kind != writeRollback
		return false
	})
	if committed {
		return nil
	}
	return ErrTxnLockNotFound
}

// Rollback undoes the prewrite of transaction startTS on key. Rolling back
// a committed key fails with a CommittedError carrying the commit
// timestamp; rolling back an absent or already rolled back lock is a no-op
// that still leaves a rollback record to fence a late prewrite.
func (m *mvccStore) Rollback(keys []Key, startTS uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		if err := m.rollbackKey(key, startTS); err != nil {
			return err
		}
	}
	return nil
}

func (m *mvccStore) rollbackKey(key Key, startTS uint64) error {
	if l := m.s.getLock(key); l != nil && l.startTS == startTS {
		m.s.deleteData(key, startTS)
		m.s.deleteLock(key)
		m.s.putWrite(key, startTS, startTS, writeRollback)
		return nil
	}
	var committedAt uint64
	done := false
	m.s.seekWrite(key, ^uint64(0), func(commitTS uint64, rec *verItem) bool {
		if rec.startTS != startTS {
			return true
		}
		if rec.kind != writeRollback {
			committedAt = commitTS
		}
		done = true
		return false
	})
	if committedAt != 0 {
		return &CommittedError{CommitTS: committedAt}
	}
	if !done {
		// no lock, no record: fence the start timestamp
		m.s.putWrite(key, startTS, startTS, writeRollback)
	}
	return nil
}

// Cleanup is Rollback for a single key, used by readers resolving an
// expired lock.
func (m *mvccStore) Cleanup(key Key, startTS uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollbackKey(key, startTS)
}

// ScanLock returns every lock with a start timestamp at or below maxVer.
func (m *mvccStore) ScanLock(maxVer uint64) []common.LockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var locks []common.LockInfo
	m.s.iterLocks(func(l *lockRecord) bool {
		if l.startTS <= maxVer {
			locks = append(locks, l.toInfo())
		}
		return true
	})
	return locks
}

// ResolveLock settles every lock of transaction startTS: commits them at
// commitTS, or rolls them back when commitTS is zero.
func (m *mvccStore) ResolveLock(startTS, commitTS uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []Key
	m.s.iterLocks(func(l *lockRecord) bool {
		if l.startTS == startTS {
			keys = append(keys, l.key)
		}
		return true
	})
	for _, key := range keys {
		var err error
		if commitTS == 0 {
			err = m.rollbackKey(key, startTS)
		} else {
			err = m.commitKey(key, startTS, commitTS)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// GC drops versions no reader at or above safePoint can see: everything
// older than the newest write record at safePoint, plus that record itself
// when it is a delete, lock or rollback.
func (m *mvccStore) GC(safePoint uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	type gcTarget struct {
		key      Key
		commitTS uint64
		startTS  uint64
		kind     writeKind
	}
	var targets []gcTarget

	m.s.iterKeys(nil, func(key Key) bool {
		keep := true
		m.s.seekWrite(key, safePoint, func(commitTS uint64, rec *verItem) bool {
			drop := !keep || rec.kind != writePut
			if drop {
				targets = append(targets, gcTarget{key, commitTS, rec.startTS, rec.kind})
			}
			keep = false
			return true
		})
		return true
	})

	for _, t := range targets {
		m.s.deleteWrite(t.key, t.commitTS)
		if t.kind == writePut || t.kind == writeDelete {
			m.s.deleteData(t.key, t.startTS)
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// raw API
// --------------------------------------------------------------------------

func (m *mvccStore) RawGet(key Key) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.rawGet(key)
}

func (m *mvccStore) RawPut(key Key, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.rawPut(key, value)
}

func (m *mvccStore) RawDelete(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.rawDelete(key)
}
