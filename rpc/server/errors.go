package server

import (
	"github.com/pkg/errors"

	"github.com/flame4/tikv/lib/coprocessor"
	"github.com/flame4/tikv/lib/storage"
	"github.com/flame4/tikv/rpc/common"
)

// The translation from engine errors to wire errors lives here so every
// handler classifies failures the same way. A region error invalidates the
// whole request and always supersedes per-key errors.

// extractRegionError returns the region error hiding in err, or nil if the
// failure is not region-scoped. Admission failures surface as ServerIsBusy
// so clients back off instead of treating them as data errors.
func extractRegionError(err error) *common.RegionError {
	var rerr *storage.RequestError
	if errors.As(err, &rerr) {
		return rerr.RegionError
	}
	if errors.Is(err, storage.ErrSchedTooBusy) ||
		errors.Is(err, storage.ErrClosed) ||
		errors.Is(err, coprocessor.ErrEndpointBusy) ||
		errors.Is(err, coprocessor.ErrEndpointClosed) {
		return &common.RegionError{
			Message:      err.Error(),
			ServerIsBusy: &common.ServerIsBusy{},
		}
	}
	return nil
}

// extractKeyError classifies a per-key transaction failure: locks are
// resolvable, conflicts are retryable, anything else aborts the
// transaction.
func extractKeyError(err error) *common.KeyError {
	var locked *storage.LockedError
	if errors.As(err, &locked) {
		return &common.KeyError{
			Locked: &common.LockInfo{
				PrimaryLock: locked.Primary,
				LockVersion: locked.StartTS,
				Key:         locked.Key,
				LockTTL:     locked.TTL,
			},
		}
	}
	if errors.Is(err, storage.ErrWriteConflict) || errors.Is(err, storage.ErrTxnLockNotFound) {
		return &common.KeyError{Retryable: err.Error()}
	}
	return &common.KeyError{Abort: err.Error()}
}

// extractCommitted reports the commit timestamp if err says the transaction
// already committed.
func extractCommitted(err error) (uint64, bool) {
	var committed *storage.CommittedError
	if errors.As(err, &committed) {
		return committed.CommitTS, true
	}
	return 0, false
}

// extractKeyErrors collects the failures of a multi-key operation, in input
// order, dropping the slots that succeeded.
func extractKeyErrors(errs []error) []common.KeyError {
	var out []common.KeyError
	for _, err := range errs {
		if err != nil {
			out = append(out, *extractKeyError(err))
		}
	}
	return out
}

// extractKvPairs converts engine results to wire pairs, keeping input order
// and turning per-key errors into error slots.
func extractKvPairs(results []storage.Result) []common.KvPair {
	pairs := make([]common.KvPair, 0, len(results))
	for _, res := range results {
		if res.Err != nil {
			pairs = append(pairs, common.KvPair{Error: extractKeyError(res.Err), Key: res.Key})
			continue
		}
		pairs = append(pairs, common.KvPair{Key: res.Key, Value: res.Value})
	}
	return pairs
}
