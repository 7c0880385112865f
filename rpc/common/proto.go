package common

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// --------------------------------------------------------------------------
// Request Context
// --------------------------------------------------------------------------

// Peer identifies one replica of a region: the replica id and the store
// (node) it lives on.
type Peer struct {
	ID      uint64
	StoreID uint64
}

// Context accompanies every request and names the region and replica the
// caller believes it is talking to. The storage engine validates it and
// answers with a RegionError when the caller's view is stale.
type Context struct {
	RegionID uint64
	Peer     Peer
	Term     uint64
}

// --------------------------------------------------------------------------
// Error Taxonomy (wire visible)
// --------------------------------------------------------------------------

// NotLeader reports that the addressed replica is not the region's leader.
// The caller should redirect to the indicated leader, if known.
type NotLeader struct {
	RegionID uint64
	Leader   Peer
}

// RegionNotFound reports that this store does not host the region at all.
type RegionNotFound struct {
	RegionID uint64
}

// StaleEpoch reports that the region's boundaries or membership changed
// since the caller fetched its routing information.
type StaleEpoch struct{}

// ServerIsBusy reports that the engine's admission-control queue is
// saturated; the caller should back off and retry.
type ServerIsBusy struct{}

// RegionError is the region-level error class. Exactly one sub-field is set.
// A region error always supersedes per-key errors in the same response.
type RegionError struct {
	Message        string
	NotLeader      *NotLeader
	RegionNotFound *RegionNotFound
	StaleEpoch     *StaleEpoch
	ServerIsBusy   *ServerIsBusy
}

func (e *RegionError) Error() string {
	switch {
	case e.NotLeader != nil:
		return fmt.Sprintf("not leader of region %d", e.NotLeader.RegionID)
	case e.RegionNotFound != nil:
		return fmt.Sprintf("region %d not found", e.RegionNotFound.RegionID)
	case e.StaleEpoch != nil:
		return "stale region epoch"
	case e.ServerIsBusy != nil:
		return "server is busy"
	default:
		return e.Message
	}
}

// LockInfo describes a lock held by a pending transaction, in enough detail
// for the client to attempt lock resolution.
type LockInfo struct {
	PrimaryLock []byte
	LockVersion uint64
	Key         []byte
	LockTTL     uint64
}

// KeyError is the single-key transaction error class. Exactly one field is
// set: Locked (resolvable), Retryable (retry the whole transaction) or
// Abort (unrecoverable).
type KeyError struct {
	Locked    *LockInfo
	Retryable string
	Abort     string
}

func (e *KeyError) Error() string {
	switch {
	case e.Locked != nil:
		return fmt.Sprintf("key %q is locked (primary %q, version %d)",
			e.Locked.Key, e.Locked.PrimaryLock, e.Locked.LockVersion)
	case e.Retryable != "":
		return "retryable: " + e.Retryable
	default:
		return "abort: " + e.Abort
	}
}

// KvPair is one slot of a batch or scan result: either a key/value pair or
// the key error that replaced it.
type KvPair struct {
	Error *KeyError
	Key   []byte
	Value []byte
}

// --------------------------------------------------------------------------
// KV Operations
// --------------------------------------------------------------------------

// MutationOp selects the kind of a prewrite mutation.
type MutationOp byte

const (
	OpPut MutationOp = iota
	OpDel
	OpLock
)

// Mutation is one element of a prewrite: a put, delete, or lock-only marker.
type Mutation struct {
	Op    MutationOp
	Key   []byte
	Value []byte
}

type GetRequest struct {
	Context Context
	Key     []byte
	Version uint64
}

type GetResponse struct {
	RegionError *RegionError
	Error       *KeyError
	Value       []byte
}

type ScanRequest struct {
	Context  Context
	StartKey []byte
	Limit    uint32
	Version  uint64
	KeyOnly  bool
}

type ScanResponse struct {
	RegionError *RegionError
	Pairs       []KvPair
}

type BatchGetRequest struct {
	Context Context
	Keys    [][]byte
	Version uint64
}

type BatchGetResponse struct {
	RegionError *RegionError
	Pairs       []KvPair
}

type PrewriteRequest struct {
	Context             Context
	Mutations           []Mutation
	PrimaryLock         []byte
	StartVersion        uint64
	LockTTL             uint64
	SkipConstraintCheck bool
}

type PrewriteResponse struct {
	RegionError *RegionError
	Errors      []KeyError
}

type CommitRequest struct {
	Context       Context
	Keys          [][]byte
	StartVersion  uint64
	CommitVersion uint64
}

type CommitResponse struct {
	RegionError *RegionError
	Error       *KeyError
}

type BatchRollbackRequest struct {
	Context      Context
	Keys         [][]byte
	StartVersion uint64
}

type BatchRollbackResponse struct {
	RegionError *RegionError
	Error       *KeyError
}

type CleanupRequest struct {
	Context      Context
	Key          []byte
	StartVersion uint64
}

// CleanupResponse reports CommitVersion instead of Error when the cleanup
// target turned out to be already committed.
type CleanupResponse struct {
	RegionError   *RegionError
	Error         *KeyError
	CommitVersion uint64
}

type ScanLockRequest struct {
	Context    Context
	MaxVersion uint64
}

type ScanLockResponse struct {
	RegionError *RegionError
	Error       *KeyError
	Locks       []LockInfo
}

type ResolveLockRequest struct {
	Context      Context
	StartVersion uint64
	// CommitVersion == 0 means the transaction is rolled back.
	CommitVersion uint64
}

type ResolveLockResponse struct {
	RegionError *RegionError
	Error       *KeyError
}

type GCRequest struct {
	Context   Context
	SafePoint uint64
}

type GCResponse struct {
	RegionError *RegionError
	Error       *KeyError
}

// --------------------------------------------------------------------------
// Raw Operations (bypass transaction semantics)
// --------------------------------------------------------------------------

type RawGetRequest struct {
	Context Context
	Key     []byte
}

type RawGetResponse struct {
	RegionError *RegionError
	Error       string
	Value       []byte
}

type RawPutRequest struct {
	Context Context
	Key     []byte
	Value   []byte
}

type RawPutResponse struct {
	RegionError *RegionError
	Error       string
}

type RawDeleteRequest struct {
	Context Context
	Key     []byte
}

type RawDeleteResponse struct {
	RegionError *RegionError
	Error       string
}

// --------------------------------------------------------------------------
// Coprocessor
// --------------------------------------------------------------------------

// KeyRange bounds one range of a coprocessor request, end exclusive.
type KeyRange struct {
	Start []byte
	End   []byte
}

// CopRequest is an opaque computation-offload descriptor; Data is
// interpreted only by the endpoint executor registered for Tp.
type CopRequest struct {
	Context Context
	Tp      int64
	Data    []byte
	Ranges  []KeyRange
}

type CopResponse struct {
	RegionError *RegionError
	OtherError  string
	Data        []byte
}

// --------------------------------------------------------------------------
// Peer Traffic
// --------------------------------------------------------------------------

// RaftMessage is an opaque consensus message for a peer on another store.
// Data is produced and consumed by the consensus engine; this layer only
// routes it. IsSnapshot marks a snapshot transfer, in which case Data is
// the opaque snapshot payload to be streamed in chunks.
type RaftMessage struct {
	RegionID   uint64
	FromPeer   Peer
	ToPeer     Peer
	IsSnapshot bool
	Data       []byte
}

// Done is the single acknowledgment closing a client-side stream.
type Done struct{}

// ErrorResponse is the generic internal-error reply used when a request
// could not be dispatched at all.
type ErrorResponse struct {
	Error string
}

// --------------------------------------------------------------------------
// Snapshot Chunk Stream Format
// --------------------------------------------------------------------------

// Bit flags marking which fields of a SnapshotChunk are present on the wire
const (
	chunkHasMessage byte = 1 << 0
	chunkHasData    byte = 1 << 1
)

// SnapshotChunk is one element of a chunked snapshot stream. A header chunk
// carries Message (the serialized RaftMessage describing the transfer) and
// no data; every later chunk carries a non-empty Data payload. A chunk with
// neither is a protocol violation.
//
// The chunk encoding is a fixed binary format independent of the configured
// serializer, since both ends of a snapshot stream may be different builds:
//
//	1 byte  flags
//	4 bytes message length (if flags&chunkHasMessage), big endian
//	N bytes message
//	4 bytes data length (if flags&chunkHasData), big endian
//	N bytes data
type SnapshotChunk struct {
	Message []byte
	Data    []byte
}

// IsHeader reports whether the chunk carries transfer metadata.
func (c *SnapshotChunk) IsHeader() bool {
	return len(c.Message) > 0
}

// Marshal encodes the chunk into the wire format.
func (c *SnapshotChunk) Marshal() []byte {
	size := 1
	if len(c.Message) > 0 {
		size += 4 + len(c.Message)
	}
	if len(c.Data) > 0 {
		size += 4 + len(c.Data)
	}

	buf := make([]byte, size)
	var flags byte
	pos := 1

	if len(c.Message) > 0 {
		flags |= chunkHasMessage
		binary.BigEndian.PutUint32(buf[pos:pos+4], uint32(len(c.Message)))
		pos += 4
		copy(buf[pos:], c.Message)
		pos += len(c.Message)
	}

	if len(c.Data) > 0 {
		flags |= chunkHasData
		binary.BigEndian.PutUint32(buf[pos:pos+4], uint32(len(c.Data)))
		pos += 4
		copy(buf[pos:], c.Data)
	}

	buf[0] = flags
	return buf
}

// UnmarshalSnapshotChunk decodes a chunk from the wire format.
func UnmarshalSnapshotChunk(data []byte) (*SnapshotChunk, error) {
	if len(data) < 1 {
		return nil, errors.New("snapshot chunk too short")
	}

	flags := data[0]
	pos := 1
	chunk := &SnapshotChunk{}

	if flags&chunkHasMessage != 0 {
		if pos+4 > len(data) {
			return nil, errors.New("snapshot chunk too short for message length")
		}
		n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if pos+n > len(data) {
			return nil, errors.New("snapshot chunk too short for message")
		}
		chunk.Message = make([]byte, n)
		copy(chunk.Message, data[pos:pos+n])
		pos += n
	}

	if flags&chunkHasData != 0 {
		if pos+4 > len(data) {
			return nil, errors.New("snapshot chunk too short for data length")
		}
		n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if pos+n > len(data) {
			return nil, errors.New("snapshot chunk too short for data")
		}
		chunk.Data = make([]byte, n)
		copy(chunk.Data, data[pos:pos+n])
	}

	return chunk, nil
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType is the op code carried in every transport frame.
type MessageType uint8

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTError               // Generic internal-error response

	// Transactional KV operations

	MsgTKVGet
	MsgTKVScan
	MsgTKVBatchGet
	MsgTKVPrewrite
	MsgTKVCommit
	MsgTKVBatchRollback
	MsgTKVCleanup
	MsgTKVScanLock
	MsgTKVResolveLock
	MsgTKVGC

	// Raw KV operations

	MsgTRawGet
	MsgTRawPut
	MsgTRawDelete

	// Computation offload

	MsgTCoprocessor

	// Peer traffic (client streamed)

	MsgTRaft
	MsgTSnapshot
)

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTError:
		return "error"
	case MsgTKVGet:
		return "kv_get"
	case MsgTKVScan:
		return "kv_scan"
	case MsgTKVBatchGet:
		return "kv_batch_get"
	case MsgTKVPrewrite:
		return "kv_prewrite"
	case MsgTKVCommit:
		return "kv_commit"
	case MsgTKVBatchRollback:
		return "kv_batch_rollback"
	case MsgTKVCleanup:
		return "kv_cleanup"
	case MsgTKVScanLock:
		return "kv_scan_lock"
	case MsgTKVResolveLock:
		return "kv_resolve_lock"
	case MsgTKVGC:
		return "kv_gc"
	case MsgTRawGet:
		return "raw_get"
	case MsgTRawPut:
		return "raw_put"
	case MsgTRawDelete:
		return "raw_delete"
	case MsgTCoprocessor:
		return "coprocessor"
	case MsgTRaft:
		return "raft"
	case MsgTSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}
