package client

import (
	"github.com/pkg/errors"

	"github.com/flame4/tikv/rpc/common"
	"github.com/flame4/tikv/rpc/serializer"
	"github.com/flame4/tikv/rpc/transport"
)

var Logger = common.CreateLogger("client")

// Client is a typed KV client for one store node. It wraps a connected
// client transport and translates between the wire protocol and Go values.
//
// All methods are safe for concurrent use; requests are multiplexed over
// the underlying connection.
type Client struct {
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

// NewClient connects the given transport to endpoint and returns a client
// speaking the given serialization format. The format must match the
// server's.
func NewClient(
	endpoint string,
	config common.PeerConfig,
	tr transport.IRPCClientTransport,
	ser serializer.IRPCSerializer,
) (*Client, error) {
	if err := tr.Connect(endpoint, config); err != nil {
		return nil, errors.Wrapf(err, "connect to %s", endpoint)
	}
	return &Client{transport: tr, serializer: ser}, nil
}

// Close closes the underlying connection. In-flight calls fail.
func (c *Client) Close() error {
	return c.transport.Close()
}

// invoke performs one request/response roundtrip. Error responses and
// mismatched response types are turned into errors, anything else is
// decoded into resp.
func (c *Client) invoke(op common.MessageType, req, resp interface{}) error {
	payload, err := c.serializer.Serialize(req)
	if err != nil {
		return errors.Wrapf(err, "serialize %s request", op)
	}

	respOp, respPayload, err := c.transport.Call(op, payload)
	if err != nil {
		return errors.Wrapf(err, "call %s", op)
	}

	if respOp == common.MsgTError {
		errResp := &common.ErrorResponse{}
		if err := c.serializer.Deserialize(respPayload, errResp); err != nil {
			return errors.Wrapf(err, "deserialize %s error response", op)
		}
		return errors.Errorf("%s failed: %s", op, errResp.Error)
	}
	if respOp != op {
		return errors.Errorf("unexpected response type %s, expected %s", respOp, op)
	}

	return errors.Wrapf(c.serializer.Deserialize(respPayload, resp), "deserialize %s response", op)
}

// --------------------------------------------------------------------------
// Transactional KV
// --------------------------------------------------------------------------

// Get reads the newest version of key visible at version. A nil value with
// a nil error means the key has no visible version.
func (c *Client) Get(ctx common.Context, key []byte, version uint64) ([]byte, error) {
	resp := &common.GetResponse{}
	err := c.invoke(common.MsgTKVGet, &common.GetRequest{
		Context: ctx,
		Key:     key,
		Version: version,
	}, resp)
	switch {
	case err != nil:
		return nil, err
	case resp.RegionError != nil:
		return nil, resp.RegionError
	case resp.Error != nil:
		return nil, resp.Error
	}
	return resp.Value, nil
}

// Scan reads up to limit consecutive keys starting at startKey, at the
// given version. Locked keys occupy error slots in the result.
func (c *Client) Scan(ctx common.Context, startKey []byte, limit uint32, version uint64, keyOnly bool) ([]common.KvPair, error) {
	resp := &common.ScanResponse{}
	err := c.invoke(common.MsgTKVScan, &common.ScanRequest{
		Context:  ctx,
		StartKey: startKey,
		Limit:    limit,
		Version:  version,
		KeyOnly:  keyOnly,
	}, resp)
	if err != nil {
		return nil, err
	}
	if resp.RegionError != nil {
		return nil, resp.RegionError
	}
	return resp.Pairs, nil
}

// BatchGet reads several keys at the given version in one roundtrip.
func (c *Client) BatchGet(ctx common.Context, keys [][]byte, version uint64) ([]common.KvPair, error) {
	resp := &common.BatchGetResponse{}
	err := c.invoke(common.MsgTKVBatchGet, &common.BatchGetRequest{
		Context: ctx,
		Keys:    keys,
		Version: version,
	}, resp)
	if err != nil {
		return nil, err
	}
	if resp.RegionError != nil {
		return nil, resp.RegionError
	}
	return resp.Pairs, nil
}

// PrewriteOptions tunes a Prewrite call. SkipConstraintCheck suppresses
// the write-conflict check, for loads where the caller already knows the
// keys are fresh (e.g. bulk import).
type PrewriteOptions struct {
	LockTTL             uint64
	SkipConstraintCheck bool
}

// Prewrite locks the mutated keys at startVersion. The returned key errors
// are the per-key failures; an empty slice means every mutation succeeded.
func (c *Client) Prewrite(ctx common.Context, mutations []common.Mutation, primary []byte, startVersion uint64, opts PrewriteOptions) ([]common.KeyError, error) {
	resp := &common.PrewriteResponse{}
	err := c.invoke(common.MsgTKVPrewrite, &common.PrewriteRequest{
		Context:             ctx,
		Mutations:           mutations,
		PrimaryLock:         primary,
		StartVersion:        startVersion,
		LockTTL:             opts.LockTTL,
		SkipConstraintCheck: opts.SkipConstraintCheck,
	}, resp)
	if err != nil {
		return nil, err
	}
	if resp.RegionError != nil {
		return nil, resp.RegionError
	}
	return resp.Errors, nil
}

// Commit makes the prewritten keys of a transaction visible at
// commitVersion.
func (c *Client) Commit(ctx common.Context, keys [][]byte, startVersion, commitVersion uint64) error {
	resp := &common.CommitResponse{}
	err := c.invoke(common.MsgTKVCommit, &common.CommitRequest{
		Context:       ctx,
		Keys:          keys,
		StartVersion:  startVersion,
		CommitVersion: commitVersion,
	}, resp)
	switch {
	case err != nil:
		return err
	case resp.RegionError != nil:
		return resp.RegionError
	case resp.Error != nil:
		return resp.Error
	}
	return nil
}

// BatchRollback rolls the transaction's keys back and fences its
// startVersion against late commits.
func (c *Client) BatchRollback(ctx common.Context, keys [][]byte, startVersion uint64) error {
	resp := &common.BatchRollbackResponse{}
	err := c.invoke(common.MsgTKVBatchRollback, &common.BatchRollbackRequest{
		Context:      ctx,
		Keys:         keys,
		StartVersion: startVersion,
	}, resp)
	switch {
	case err != nil:
		return err
	case resp.RegionError != nil:
		return resp.RegionError
	case resp.Error != nil:
		return resp.Error
	}
	return nil
}

// Cleanup resolves a single possibly-abandoned lock. A non-zero commit
// version means the transaction turned out to be committed and the lock
// was left in place.
func (c *Client) Cleanup(ctx common.Context, key []byte, startVersion uint64) (uint64, error) {
	resp := &common.CleanupResponse{}
	err := c.invoke(common.MsgTKVCleanup, &common.CleanupRequest{
		Context:      ctx,
		Key:          key,
		StartVersion: startVersion,
	}, resp)
	switch {
	case err != nil:
		return 0, err
	case resp.RegionError != nil:
		return 0, resp.RegionError
	case resp.Error != nil:
		return 0, resp.Error
	}
	return resp.CommitVersion, nil
}

// ScanLock lists the locks with a version at or below maxVersion.
func (c *Client) ScanLock(ctx common.Context, maxVersion uint64) ([]common.LockInfo, error) {
	resp := &common.ScanLockResponse{}
	err := c.invoke(common.MsgTKVScanLock, &common.ScanLockRequest{
		Context:    ctx,
		MaxVersion: maxVersion,
	}, resp)
	switch {
	case err != nil:
		return nil, err
	case resp.RegionError != nil:
		return nil, resp.RegionError
	case resp.Error != nil:
		return nil, resp.Error
	}
	return resp.Locks, nil
}

// ResolveLock finishes a transaction's leftover locks: commitVersion zero
// rolls them back, anything else commits them at that version.
func (c *Client) ResolveLock(ctx common.Context, startVersion, commitVersion uint64) error {
	resp := &common.ResolveLockResponse{}
	err := c.invoke(common.MsgTKVResolveLock, &common.ResolveLockRequest{
		Context:       ctx,
		StartVersion:  startVersion,
		CommitVersion: commitVersion,
	}, resp)
	switch {
	case err != nil:
		return err
	case resp.RegionError != nil:
		return resp.RegionError
	case resp.Error != nil:
		return resp.Error
	}
	return nil
}

// GC drops versions that no transaction at or below safePoint can see.
func (c *Client) GC(ctx common.Context, safePoint uint64) error {
	resp := &common.GCResponse{}
	err := c.invoke(common.MsgTKVGC, &common.GCRequest{
		Context:   ctx,
		SafePoint: safePoint,
	}, resp)
	switch {
	case err != nil:
		return err
	case resp.RegionError != nil:
		return resp.RegionError
	case resp.Error != nil:
		return resp.Error
	}
	return nil
}

// --------------------------------------------------------------------------
// Raw KV
// --------------------------------------------------------------------------

// RawGet reads a key outside of transaction semantics.
func (c *Client) RawGet(ctx common.Context, key []byte) ([]byte, error) {
	resp := &common.RawGetResponse{}
	err := c.invoke(common.MsgTRawGet, &common.RawGetRequest{Context: ctx, Key: key}, resp)
	switch {
	case err != nil:
		return nil, err
	case resp.RegionError != nil:
		return nil, resp.RegionError
	case resp.Error != "":
		return nil, errors.New(resp.Error)
	}
	return resp.Value, nil
}

// RawPut writes a key outside of transaction semantics.
func (c *Client) RawPut(ctx common.Context, key, value []byte) error {
	resp := &common.RawPutResponse{}
	err := c.invoke(common.MsgTRawPut, &common.RawPutRequest{Context: ctx, Key: key, Value: value}, resp)
	switch {
	case err != nil:
		return err
	case resp.RegionError != nil:
		return resp.RegionError
	case resp.Error != "":
		return errors.New(resp.Error)
	}
	return nil
}

// RawDelete deletes a key outside of transaction semantics.
func (c *Client) RawDelete(ctx common.Context, key []byte) error {
	resp := &common.RawDeleteResponse{}
	err := c.invoke(common.MsgTRawDelete, &common.RawDeleteRequest{Context: ctx, Key: key}, resp)
	switch {
	case err != nil:
		return err
	case resp.RegionError != nil:
		return resp.RegionError
	case resp.Error != "":
		return errors.New(resp.Error)
	}
	return nil
}

// --------------------------------------------------------------------------
// Coprocessor
// --------------------------------------------------------------------------

// Coprocessor offloads a computation to the node. The request and result
// payloads are interpreted by the executor registered for req.Tp.
func (c *Client) Coprocessor(req *common.CopRequest) (*common.CopResponse, error) {
	resp := &common.CopResponse{}
	if err := c.invoke(common.MsgTCoprocessor, req, resp); err != nil {
		return nil, err
	}
	if resp.RegionError != nil {
		return nil, resp.RegionError
	}
	return resp, nil
}
