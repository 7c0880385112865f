package storage

import (
	"bytes"

	"github.com/google/btree"
)

// The versioned column families live in in-memory btrees. Items within one
// user key sort newest version first, so a descending version walk is an
// ascending tree walk starting at (key, maxTS).

const btreeDegree = 32

// writeKind records what a commit record stands for.
type writeKind byte

const (
	writePut writeKind = iota
	writeDelete
	writeLock
	writeRollback
)

// verItem is one versioned entry: a data version keyed by start timestamp,
// or a write record keyed by commit timestamp.
type verItem struct {
	key   Key
	ts    uint64
	value []byte
	// write record fields (write tree only)
	startTS uint64
	kind    writeKind
}

func (a *verItem) Less(b btree.Item) bool {
	o := b.(*verItem)
	if c := bytes.Compare(a.key, o.key); c != 0 {
		return c < 0
	}
	// same key: newer versions first
	return a.ts > o.ts
}

// lockRecord is the pending-transaction lock on one key.
type lockRecord struct {
	key     Key
	primary []byte
	startTS uint64
	ttl     uint64
	kind    MutationKind
}

func (a *lockRecord) Less(b btree.Item) bool {
	return bytes.Compare(a.key, b.(*lockRecord).key) < 0
}

// rawItem is an unversioned raw entry.
type rawItem struct {
	key   Key
	value []byte
}

func (a *rawItem) Less(b btree.Item) bool {
	return bytes.Compare(a.key, b.(*rawItem).key) < 0
}

// memstore holds the four column families. Callers synchronize access; the
// MVCC layer holds its mutex across every multi-step operation.
type memstore struct {
	data  *btree.BTree
	write *btree.BTree
	lock  *btree.BTree
	raw   *btree.BTree
}

func newMemstore() *memstore {
	return &memstore{
		data:  btree.New(btreeDegree),
		write: btree.New(btreeDegree),
		lock:  btree.New(btreeDegree),
		raw:   btree.New(btreeDegree),
	}
}

// --------------------------------------------------------------------------
// data tree
// --------------------------------------------------------------------------

func (s *memstore) putData(key Key, startTS uint64, value []byte) {
	s.data.ReplaceOrInsert(&verItem{key: key, ts: startTS, value: value})
}

func (s *memstore) getData(key Key, startTS uint64) []byte {
	item := s.data.Get(&verItem{key: key, ts: startTS})
	if item == nil {
		return nil
	}
	return item.(*verItem).value
}

func (s *memstore) deleteData(key Key, startTS uint64) {
	s.data.Delete(&verItem{key: key, ts: startTS})
}

// --------------------------------------------------------------------------
// write tree
// --------------------------------------------------------------------------

func (s *memstore) putWrite(key Key, commitTS, startTS uint64, kind writeKind) {
	s.write.ReplaceOrInsert(&verItem{key: key, ts: commitTS, startTS: startTS, kind: kind})
}

func (s *memstore) deleteWrite(key Key, commitTS uint64) {
	s.write.Delete(&verItem{key: key, ts: commitTS})
}

// seekWrite walks the write records of key with commit timestamp <= maxTS,
// newest first, until fn returns false.
func (s *memstore) seekWrite(key Key, maxTS uint64, fn func(commitTS uint64, rec *verItem) bool) {
	s.write.AscendGreaterOrEqual(&verItem{key: key, ts: maxTS}, func(i btree.Item) bool {
		rec := i.(*verItem)
		if !bytes.Equal(rec.key, key) {
			return false
		}
		return fn(rec.ts, rec)
	})
}

// --------------------------------------------------------------------------
// lock tree
// --------------------------------------------------------------------------

func (s *memstore) putLock(l *lockRecord) {
	s.lock.ReplaceOrInsert(l)
}

func (s *memstore) getLock(key Key) *lockRecord {
	item := s.lock.Get(&lockRecord{key: key})
	if item == nil {
		return nil
	}
	return item.(*lockRecord)
}

func (s *memstore) deleteLock(key Key) {
	s.lock.Delete(&lockRecord{key: key})
}

func (s *memstore) iterLocks(fn func(l *lockRecord) bool) {
	s.lock.Ascend(func(i btree.Item) bool {
		return fn(i.(*lockRecord))
	})
}

// --------------------------------------------------------------------------
// key iteration (scan support)
// --------------------------------------------------------------------------

// iterKeys walks the distinct user keys at or after start, ascending. Keys
// appear if they have any write record or a pending lock.
func (s *memstore) iterKeys(start Key, fn func(key Key) bool) {
	// Collect the lock-only keys first; locks are few compared to writes.
	lockKeys := make([]Key, 0, 8)
	s.lock.AscendGreaterOrEqual(&lockRecord{key: start}, func(i btree.Item) bool {
		lockKeys = append(lockKeys, i.(*lockRecord).key)
		return true
	})

	emit := func(key Key) bool {
		// merge in lock keys strictly before this write key
		for len(lockKeys) > 0 && bytes.Compare(lockKeys[0], key) < 0 {
			if !fn(lockKeys[0]) {
				return false
			}
			lockKeys = lockKeys[1:]
		}
		if len(lockKeys) > 0 && bytes.Equal(lockKeys[0], key) {
			lockKeys = lockKeys[1:]
		}
		return fn(key)
	}

	var prev Key
	stopped := false
	s.write.AscendGreaterOrEqual(&verItem{key: start, ts: ^uint64(0)}, func(i btree.Item) bool {
		key := i.(*verItem).key
		if prev != nil && bytes.Equal(prev, key) {
			return true // another version of the same key
		}
		prev = key
		if !emit(key) {
			stopped = true
			return false
		}
		return true
	})

	if stopped {
		return
	}
	// trailing lock-only keys
	for _, key := range lockKeys {
		if !fn(key) {
			return
		}
	}
}

// --------------------------------------------------------------------------
// raw tree
// --------------------------------------------------------------------------

func (s *memstore) rawPut(key Key, value []byte) {
	s.raw.ReplaceOrInsert(&rawItem{key: key, value: value})
}

func (s *memstore) rawGet(key Key) []byte {
	item := s.raw.Get(&rawItem{key: key})
	if item == nil {
		return nil
	}
	return item.(*rawItem).value
}

func (s *memstore) rawDelete(key Key) {
	s.raw.Delete(&rawItem{key: key})
}
