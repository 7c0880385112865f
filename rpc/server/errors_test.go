package server

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/flame4/tikv/lib/storage"
	"github.com/flame4/tikv/rpc/common"
)

func TestExtractRegionError(t *testing.T) {
	notLeader := &storage.RequestError{RegionError: &common.RegionError{
		NotLeader: &common.NotLeader{RegionID: 7, Leader: common.Peer{ID: 2, StoreID: 3}},
	}}
	rerr := extractRegionError(notLeader)
	if rerr == nil || rerr.NotLeader == nil || rerr.NotLeader.RegionID != 7 {
		t.Fatalf("expected not-leader region error, got %+v", rerr)
	}

	rerr = extractRegionError(errors.Wrap(storage.ErrSchedTooBusy, "issue get"))
	if rerr == nil || rerr.ServerIsBusy == nil {
		t.Fatalf("expected server-is-busy, got %+v", rerr)
	}
	if rerr.Message == "" {
		t.Fatal("busy error should carry a message")
	}

	if extractRegionError(storage.ErrWriteConflict) != nil {
		t.Fatal("write conflict is not a region error")
	}
	if extractRegionError(nil) != nil {
		t.Fatal("nil error must map to nil")
	}
}

func TestExtractKeyError(t *testing.T) {
	locked := &storage.LockedError{
		Key:     []byte("k2"),
		Primary: []byte("k1"),
		StartTS: 5,
		TTL:     3000,
	}
	kerr := extractKeyError(locked)
	if kerr.Locked == nil {
		t.Fatalf("expected locked error, got %+v", kerr)
	}
	if kerr.Locked.LockVersion != 5 || kerr.Locked.LockTTL != 3000 {
		t.Fatalf("lock info not preserved: %+v", kerr.Locked)
	}
	if string(kerr.Locked.PrimaryLock) != "k1" || string(kerr.Locked.Key) != "k2" {
		t.Fatalf("lock keys not preserved: %+v", kerr.Locked)
	}

	kerr = extractKeyError(errors.Wrap(storage.ErrWriteConflict, "prewrite k1"))
	if kerr.Retryable == "" {
		t.Fatalf("write conflict should be retryable, got %+v", kerr)
	}
	kerr = extractKeyError(storage.ErrTxnLockNotFound)
	if kerr.Retryable == "" {
		t.Fatalf("missing txn lock should be retryable, got %+v", kerr)
	}
	kerr = extractKeyError(errors.New("disk on fire"))
	if kerr.Abort == "" {
		t.Fatalf("unknown errors must abort, got %+v", kerr)
	}
}

func TestExtractCommitted(t *testing.T) {
	ts, ok := extractCommitted(&storage.CommittedError{CommitTS: 42})
	if !ok || ts != 42 {
		t.Fatalf("expected (42, true), got (%d, %v)", ts, ok)
	}
	if _, ok := extractCommitted(storage.ErrWriteConflict); ok {
		t.Fatal("write conflict is not a committed error")
	}
}

func TestExtractKeyErrors(t *testing.T) {
	errs := []error{
		nil,
		&storage.LockedError{Key: []byte("b"), StartTS: 9},
		nil,
		storage.ErrWriteConflict,
	}
	out := extractKeyErrors(errs)
	if len(out) != 2 {
		t.Fatalf("expected 2 error slots, got %d", len(out))
	}
	if out[0].Locked == nil || out[0].Locked.LockVersion != 9 {
		t.Fatalf("first slot should be the lock, got %+v", out[0])
	}
	if out[1].Retryable == "" {
		t.Fatalf("second slot should be retryable, got %+v", out[1])
	}
}

func TestExtractKvPairs(t *testing.T) {
	results := []storage.Result{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Err: &storage.LockedError{Key: []byte("b"), StartTS: 3}},
		{Key: []byte("c"), Value: []byte("3")},
	}
	pairs := extractKvPairs(results)
	if len(pairs) != 3 {
		t.Fatalf("expected 3 pairs, got %d", len(pairs))
	}
	if string(pairs[0].Value) != "1" || pairs[0].Error != nil {
		t.Fatalf("unexpected first pair: %+v", pairs[0])
	}
	if pairs[1].Error == nil || pairs[1].Error.Locked == nil {
		t.Fatalf("locked key should occupy an error slot: %+v", pairs[1])
	}
	if string(pairs[2].Key) != "c" {
		t.Fatalf("order not preserved: %+v", pairs[2])
	}
}
