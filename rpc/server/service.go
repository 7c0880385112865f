package server

import (
	"fmt"
	"time"

	"github.com/flame4/tikv/lib/coprocessor"
	"github.com/flame4/tikv/lib/raftstore"
	"github.com/flame4/tikv/lib/storage"
	"github.com/flame4/tikv/lib/util"
	"github.com/flame4/tikv/rpc/common"
	"github.com/flame4/tikv/rpc/router"
	"github.com/flame4/tikv/rpc/serializer"
	"github.com/flame4/tikv/rpc/transport"
)

// Service is the node's request dispatcher. Each inbound frame is decoded,
// handed to the owning subsystem as one asynchronous call, and answered
// from that call's completion callback. Handlers never block the transport
// read loop.
type Service struct {
	store  *storage.Storage
	cop    *coprocessor.Host
	router *router.Router
	raft   raftstore.RaftStoreRouter
	ser    serializer.IRPCSerializer
}

// NewService wires the dispatcher to its subsystems.
func NewService(
	store *storage.Storage,
	cop *coprocessor.Host,
	rt *router.Router,
	raft raftstore.RaftStoreRouter,
	ser serializer.IRPCSerializer,
) *Service {
	return &Service{
		store:  store,
		cop:    cop,
		router: rt,
		raft:   raft,
		ser:    ser,
	}
}

// --------------------------------------------------------------------------
// Response plumbing
// --------------------------------------------------------------------------

// responder writes exactly one response for one request, no matter how many
// completion paths race to it.
type responder struct {
	svc       *Service
	op        common.MessageType
	requestID uint64
	sink      transport.ResponseSink
	start     time.Time
	fired     *util.Oneshot[struct{}]
}

func (s *Service) newResponder(op common.MessageType, requestID uint64, sink transport.ResponseSink) *responder {
	return &responder{
		svc:       s,
		op:        op,
		requestID: requestID,
		sink:      sink,
		start:     time.Now(),
		fired:     util.NewOneshot[struct{}](),
	}
}

// respond serializes resp and writes it with the request's op code. A
// second completion for the same request is a bug in the issuing
// subsystem and is logged, never written.
func (r *responder) respond(resp interface{}) {
	if err := r.fired.Send(struct{}{}); err != nil {
		Logger.Errorf("duplicate completion for %s request %d: %v", r.op, r.requestID, err)
		return
	}
	payload, err := r.svc.ser.Serialize(resp)
	if err != nil {
		Logger.Errorf("serialize %s response failed: %v", r.op, err)
		r.write(common.MsgTError, r.mustError(fmt.Sprintf("serialize response: %v", err)))
		return
	}
	r.write(r.op, payload)
}

// fail writes a generic internal-error response. Used when a request could
// not be dispatched at all, so even issuance failures produce an answer
// instead of a client-side timeout.
func (r *responder) fail(msg string) {
	if err := r.fired.Send(struct{}{}); err != nil {
		Logger.Errorf("duplicate completion for %s request %d: %v", r.op, r.requestID, err)
		return
	}
	requestFailCounter(r.op).Inc()
	r.write(common.MsgTError, r.mustError(msg))
}

func (r *responder) mustError(msg string) []byte {
	payload, err := r.svc.ser.Serialize(&common.ErrorResponse{Error: msg})
	if err != nil {
		// the serializers encode a one-field struct, this cannot fail
		Logger.Panicf("serialize error response failed: %v", err)
	}
	return payload
}

func (r *responder) write(op common.MessageType, payload []byte) {
	observeDuration(r.op, r.start)
	if err := r.sink.Respond(op, r.requestID, payload); err != nil {
		Logger.Errorf("write %s response failed: %v", r.op, err)
	}
}

// issueFailed answers an engine issuance failure: region-scoped failures
// keep the typed response shape, everything else degrades to the generic
// error response.
func (r *responder) issueFailed(err error, resp func(*common.RegionError) interface{}) {
	if rerr := extractRegionError(err); rerr != nil {
		requestFailCounter(r.op).Inc()
		r.respond(resp(rerr))
		return
	}
	r.fail(fmt.Sprintf("dispatch %s: %v", r.op, err))
}

// --------------------------------------------------------------------------
// transport.ServerHandler
// --------------------------------------------------------------------------

// docu see transport.ServerHandler
func (s *Service) HandleRequest(op common.MessageType, requestID uint64, payload []byte, sink transport.ResponseSink) {
	requestCounter(op).Inc()

	switch op {
	case common.MsgTRaft:
		s.handleRaft(payload)
		return
	case common.MsgTKVGet:
		s.handleGet(requestID, payload, sink)
	case common.MsgTKVScan:
		s.handleScan(requestID, payload, sink)
	case common.MsgTKVBatchGet:
		s.handleBatchGet(requestID, payload, sink)
	case common.MsgTKVPrewrite:
		s.handlePrewrite(requestID, payload, sink)
	case common.MsgTKVCommit:
		s.handleCommit(requestID, payload, sink)
	case common.MsgTKVBatchRollback:
		s.handleBatchRollback(requestID, payload, sink)
	case common.MsgTKVCleanup:
		s.handleCleanup(requestID, payload, sink)
	case common.MsgTKVScanLock:
		s.handleScanLock(requestID, payload, sink)
	case common.MsgTKVResolveLock:
		s.handleResolveLock(requestID, payload, sink)
	case common.MsgTKVGC:
		s.handleGC(requestID, payload, sink)
	case common.MsgTRawGet:
		s.handleRawGet(requestID, payload, sink)
	case common.MsgTRawPut:
		s.handleRawPut(requestID, payload, sink)
	case common.MsgTRawDelete:
		s.handleRawDelete(requestID, payload, sink)
	case common.MsgTCoprocessor:
		s.handleCoprocessor(requestID, payload, sink)
	default:
		r := s.newResponder(op, requestID, sink)
		r.fail(fmt.Sprintf("unsupported message type %s", op))
	}
}

// docu see transport.ServerHandler
func (s *Service) HandleChunk(connID, streamID uint64, op common.MessageType, payload []byte, eos bool, sink transport.ResponseSink) {
	if op != common.MsgTSnapshot {
		Logger.Errorf("unexpected stream op %s on conn %d", op, connID)
		return
	}
	ack := func() {
		done, err := s.ser.Serialize(&common.Done{})
		if err != nil {
			Logger.Errorf("serialize snapshot ack failed: %v", err)
			return
		}
		if err := sink.Respond(common.MsgTSnapshot, streamID, done); err != nil {
			Logger.Errorf("write snapshot ack failed: %v", err)
		}
	}
	if err := s.router.HandleSnapChunk(connID, streamID, payload, eos, ack); err != nil {
		Logger.Errorf("route snapshot chunk failed: %v", err)
	}
}

// docu see transport.ServerHandler
func (s *Service) HandleConnClose(connID uint64) {
	s.router.HandleConnClose(connID)
}

// --------------------------------------------------------------------------
// Peer traffic
// --------------------------------------------------------------------------

// handleRaft hands an inbound consensus message to the raft layer. The
// sender gets no response either way: delivery here is best effort and
// raft's own retransmission covers losses.
func (s *Service) handleRaft(payload []byte) {
	msg := &common.RaftMessage{}
	if err := s.ser.Deserialize(payload, msg); err != nil {
		Logger.Errorf("undecodable peer message: %v", err)
		return
	}
	if err := s.raft.SendRaftMsg(msg); err != nil {
		Logger.Errorf("deliver peer message for region %d failed: %v", msg.RegionID, err)
	}
}

// --------------------------------------------------------------------------
// Transactional KV
// --------------------------------------------------------------------------

func (s *Service) handleGet(requestID uint64, payload []byte, sink transport.ResponseSink) {
	req := &common.GetRequest{}
	r := s.newResponder(common.MsgTKVGet, requestID, sink)
	if err := s.ser.Deserialize(payload, req); err != nil {
		r.fail(fmt.Sprintf("decode request: %v", err))
		return
	}

	err := s.store.AsyncGet(req.Context, storage.NewKey(req.Key), req.Version,
		func(value []byte, err error) {
			resp := &common.GetResponse{}
			switch {
			case extractRegionError(err) != nil:
				resp.RegionError = extractRegionError(err)
			case err != nil:
				resp.Error = extractKeyError(err)
			default:
				resp.Value = value
			}
			r.respond(resp)
		})
	if err != nil {
		r.issueFailed(err, func(rerr *common.RegionError) interface{} {
			return &common.GetResponse{RegionError: rerr}
		})
	}
}

func (s *Service) handleScan(requestID uint64, payload []byte, sink transport.ResponseSink) {
	req := &common.ScanRequest{}
	r := s.newResponder(common.MsgTKVScan, requestID, sink)
	if err := s.ser.Deserialize(payload, req); err != nil {
		r.fail(fmt.Sprintf("decode request: %v", err))
		return
	}

	opts := storage.Options{KeyOnly: req.KeyOnly}
	err := s.store.AsyncScan(req.Context, storage.NewKey(req.StartKey), int(req.Limit), req.Version, opts,
		func(results []storage.Result, err error) {
			resp := &common.ScanResponse{}
			if rerr := extractRegionError(err); rerr != nil {
				resp.RegionError = rerr
			} else {
				resp.Pairs = extractKvPairs(results)
			}
			r.respond(resp)
		})
	if err != nil {
		r.issueFailed(err, func(rerr *common.RegionError) interface{} {
			return &common.ScanResponse{RegionError: rerr}
		})
	}
}

func (s *Service) handleBatchGet(requestID uint64, payload []byte, sink transport.ResponseSink) {
	req := &common.BatchGetRequest{}
	r := s.newResponder(common.MsgTKVBatchGet, requestID, sink)
	if err := s.ser.Deserialize(payload, req); err != nil {
		r.fail(fmt.Sprintf("decode request: %v", err))
		return
	}

	keys := make([]storage.Key, 0, len(req.Keys))
	for _, k := range req.Keys {
		keys = append(keys, storage.NewKey(k))
	}
	err := s.store.AsyncBatchGet(req.Context, keys, req.Version,
		func(results []storage.Result, err error) {
			resp := &common.BatchGetResponse{}
			if rerr := extractRegionError(err); rerr != nil {
				resp.RegionError = rerr
			} else {
				resp.Pairs = extractKvPairs(results)
			}
			r.respond(resp)
		})
	if err != nil {
		r.issueFailed(err, func(rerr *common.RegionError) interface{} {
			return &common.BatchGetResponse{RegionError: rerr}
		})
	}
}

func (s *Service) handlePrewrite(requestID uint64, payload []byte, sink transport.ResponseSink) {
	req := &common.PrewriteRequest{}
	r := s.newResponder(common.MsgTKVPrewrite, requestID, sink)
	if err := s.ser.Deserialize(payload, req); err != nil {
		r.fail(fmt.Sprintf("decode request: %v", err))
		return
	}

	mutations := make([]storage.Mutation, 0, len(req.Mutations))
	for _, m := range req.Mutations {
		var kind storage.MutationKind
		switch m.Op {
		case common.OpDel:
			kind = storage.MutationDelete
		case common.OpLock:
			kind = storage.MutationLock
		default:
			kind = storage.MutationPut
		}
		mutations = append(mutations, storage.Mutation{
			Kind:  kind,
			Key:   storage.NewKey(m.Key),
			Value: m.Value,
		})
	}
	opts := storage.Options{
		LockTTL:             req.LockTTL,
		SkipConstraintCheck: req.SkipConstraintCheck,
	}

	err := s.store.AsyncPrewrite(req.Context, mutations, req.PrimaryLock, req.StartVersion, opts,
		func(errs []error, err error) {
			resp := &common.PrewriteResponse{}
			if rerr := extractRegionError(err); rerr != nil {
				resp.RegionError = rerr
			} else {
				resp.Errors = extractKeyErrors(errs)
			}
			r.respond(resp)
		})
	if err != nil {
		r.issueFailed(err, func(rerr *common.RegionError) interface{} {
			return &common.PrewriteResponse{RegionError: rerr}
		})
	}
}

func (s *Service) handleCommit(requestID uint64, payload []byte, sink transport.ResponseSink) {
	req := &common.CommitRequest{}
	r := s.newResponder(common.MsgTKVCommit, requestID, sink)
	if err := s.ser.Deserialize(payload, req); err != nil {
		r.fail(fmt.Sprintf("decode request: %v", err))
		return
	}

	keys := make([]storage.Key, 0, len(req.Keys))
	for _, k := range req.Keys {
		keys = append(keys, storage.NewKey(k))
	}
	err := s.store.AsyncCommit(req.Context, keys, req.StartVersion, req.CommitVersion,
		func(err error) {
			resp := &common.CommitResponse{}
			if rerr := extractRegionError(err); rerr != nil {
				resp.RegionError = rerr
			} else if err != nil {
				resp.Error = extractKeyError(err)
			}
			r.respond(resp)
		})
	if err != nil {
		r.issueFailed(err, func(rerr *common.RegionError) interface{} {
			return &common.CommitResponse{RegionError: rerr}
		})
	}
}

func (s *Service) handleBatchRollback(requestID uint64, payload []byte, sink transport.ResponseSink) {
	req := &common.BatchRollbackRequest{}
	r := s.newResponder(common.MsgTKVBatchRollback, requestID, sink)
	if err := s.ser.Deserialize(payload, req); err != nil {
		r.fail(fmt.Sprintf("decode request: %v", err))
		return
	}

	keys := make([]storage.Key, 0, len(req.Keys))
	for _, k := range req.Keys {
		keys = append(keys, storage.NewKey(k))
	}
	err := s.store.AsyncBatchRollback(req.Context, keys, req.StartVersion,
		func(err error) {
			resp := &common.BatchRollbackResponse{}
			if rerr := extractRegionError(err); rerr != nil {
				resp.RegionError = rerr
			} else if err != nil {
				resp.Error = extractKeyError(err)
			}
			r.respond(resp)
		})
	if err != nil {
		r.issueFailed(err, func(rerr *common.RegionError) interface{} {
			return &common.BatchRollbackResponse{RegionError: rerr}
		})
	}
}

func (s *Service) handleCleanup(requestID uint64, payload []byte, sink transport.ResponseSink) {
	req := &common.CleanupRequest{}
	r := s.newResponder(common.MsgTKVCleanup, requestID, sink)
	if err := s.ser.Deserialize(payload, req); err != nil {
		r.fail(fmt.Sprintf("decode request: %v", err))
		return
	}

	err := s.store.AsyncCleanup(req.Context, storage.NewKey(req.Key), req.StartVersion,
		func(err error) {
			resp := &common.CleanupResponse{}
			if rerr := extractRegionError(err); rerr != nil {
				resp.RegionError = rerr
			} else if commitTS, ok := extractCommitted(err); ok {
				// already committed wins over the error shape, the
				// client treats the commit version as success
				resp.CommitVersion = commitTS
			} else if err != nil {
				resp.Error = extractKeyError(err)
			}
			r.respond(resp)
		})
	if err != nil {
		r.issueFailed(err, func(rerr *common.RegionError) interface{} {
			return &common.CleanupResponse{RegionError: rerr}
		})
	}
}

func (s *Service) handleScanLock(requestID uint64, payload []byte, sink transport.ResponseSink) {
	req := &common.ScanLockRequest{}
	r := s.newResponder(common.MsgTKVScanLock, requestID, sink)
	if err := s.ser.Deserialize(payload, req); err != nil {
		r.fail(fmt.Sprintf("decode request: %v", err))
		return
	}

	err := s.store.AsyncScanLock(req.Context, req.MaxVersion,
		func(locks []common.LockInfo, err error) {
			resp := &common.ScanLockResponse{}
			if rerr := extractRegionError(err); rerr != nil {
				resp.RegionError = rerr
			} else if err != nil {
				resp.Error = extractKeyError(err)
			} else {
				resp.Locks = locks
			}
			r.respond(resp)
		})
	if err != nil {
		r.issueFailed(err, func(rerr *common.RegionError) interface{} {
			return &common.ScanLockResponse{RegionError: rerr}
		})
	}
}

func (s *Service) handleResolveLock(requestID uint64, payload []byte, sink transport.ResponseSink) {
	req := &common.ResolveLockRequest{}
	r := s.newResponder(common.MsgTKVResolveLock, requestID, sink)
	if err := s.ser.Deserialize(payload, req); err != nil {
		r.fail(fmt.Sprintf("decode request: %v", err))
		return
	}

	err := s.store.AsyncResolveLock(req.Context, req.StartVersion, req.CommitVersion,
		func(err error) {
			resp := &common.ResolveLockResponse{}
			if rerr := extractRegionError(err); rerr != nil {
				resp.RegionError = rerr
			} else if err != nil {
				resp.Error = extractKeyError(err)
			}
			r.respond(resp)
		})
	if err != nil {
		r.issueFailed(err, func(rerr *common.RegionError) interface{} {
			return &common.ResolveLockResponse{RegionError: rerr}
		})
	}
}

func (s *Service) handleGC(requestID uint64, payload []byte, sink transport.ResponseSink) {
	req := &common.GCRequest{}
	r := s.newResponder(common.MsgTKVGC, requestID, sink)
	if err := s.ser.Deserialize(payload, req); err != nil {
		r.fail(fmt.Sprintf("decode request: %v", err))
		return
	}

	err := s.store.AsyncGC(req.Context, req.SafePoint,
		func(err error) {
			resp := &common.GCResponse{}
			if rerr := extractRegionError(err); rerr != nil {
				resp.RegionError = rerr
			} else if err != nil {
				resp.Error = extractKeyError(err)
			}
			r.respond(resp)
		})
	if err != nil {
		r.issueFailed(err, func(rerr *common.RegionError) interface{} {
			return &common.GCResponse{RegionError: rerr}
		})
	}
}

// --------------------------------------------------------------------------
// Raw KV
// --------------------------------------------------------------------------

func (s *Service) handleRawGet(requestID uint64, payload []byte, sink transport.ResponseSink) {
	req := &common.RawGetRequest{}
	r := s.newResponder(common.MsgTRawGet, requestID, sink)
	if err := s.ser.Deserialize(payload, req); err != nil {
		r.fail(fmt.Sprintf("decode request: %v", err))
		return
	}

	err := s.store.AsyncRawGet(req.Context, storage.NewKey(req.Key),
		func(value []byte, err error) {
			resp := &common.RawGetResponse{}
			if rerr := extractRegionError(err); rerr != nil {
				resp.RegionError = rerr
			} else if err != nil {
				resp.Error = err.Error()
			} else {
				resp.Value = value
			}
			r.respond(resp)
		})
	if err != nil {
		r.issueFailed(err, func(rerr *common.RegionError) interface{} {
			return &common.RawGetResponse{RegionError: rerr}
		})
	}
}

func (s *Service) handleRawPut(requestID uint64, payload []byte, sink transport.ResponseSink) {
	req := &common.RawPutRequest{}
	r := s.newResponder(common.MsgTRawPut, requestID, sink)
	if err := s.ser.Deserialize(payload, req); err != nil {
		r.fail(fmt.Sprintf("decode request: %v", err))
		return
	}

	err := s.store.AsyncRawPut(req.Context, storage.NewKey(req.Key), req.Value,
		func(err error) {
			resp := &common.RawPutResponse{}
			if rerr := extractRegionError(err); rerr != nil {
				resp.RegionError = rerr
			} else if err != nil {
				resp.Error = err.Error()
			}
			r.respond(resp)
		})
	if err != nil {
		r.issueFailed(err, func(rerr *common.RegionError) interface{} {
			return &common.RawPutResponse{RegionError: rerr}
		})
	}
}

func (s *Service) handleRawDelete(requestID uint64, payload []byte, sink transport.ResponseSink) {
	req := &common.RawDeleteRequest{}
	r := s.newResponder(common.MsgTRawDelete, requestID, sink)
	if err := s.ser.Deserialize(payload, req); err != nil {
		r.fail(fmt.Sprintf("decode request: %v", err))
		return
	}

	err := s.store.AsyncRawDelete(req.Context, storage.NewKey(req.Key),
		func(err error) {
			resp := &common.RawDeleteResponse{}
			if rerr := extractRegionError(err); rerr != nil {
				resp.RegionError = rerr
			} else if err != nil {
				resp.Error = err.Error()
			}
			r.respond(resp)
		})
	if err != nil {
		r.issueFailed(err, func(rerr *common.RegionError) interface{} {
			return &common.RawDeleteResponse{RegionError: rerr}
		})
	}
}

// --------------------------------------------------------------------------
// Coprocessor
// --------------------------------------------------------------------------

func (s *Service) handleCoprocessor(requestID uint64, payload []byte, sink transport.ResponseSink) {
	req := &common.CopRequest{}
	r := s.newResponder(common.MsgTCoprocessor, requestID, sink)
	if err := s.ser.Deserialize(payload, req); err != nil {
		r.fail(fmt.Sprintf("decode request: %v", err))
		return
	}

	err := s.cop.Handle(req, func(resp *common.CopResponse) {
		r.respond(resp)
	})
	if err != nil {
		r.issueFailed(err, func(rerr *common.RegionError) interface{} {
			return &common.CopResponse{RegionError: rerr}
		})
	}
}
