package router

import (
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"

	"github.com/flame4/tikv/lib/raftstore"
	"github.com/flame4/tikv/lib/util"
	"github.com/flame4/tikv/rpc/common"
	"github.com/flame4/tikv/rpc/serializer"
)

var logger = common.CreateLogger("router")

// ErrRouterStopped is returned for messages handed to a stopped router.
var ErrRouterStopped = errors.New("router: stopped")

func resolveCounter(result string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`tikv_resolve_store_total{result=%q}`, result))
}

// --------------------------------------------------------------------------
// Control loop messages
// --------------------------------------------------------------------------

type msgKind int

const (
	msgSendStore msgKind = iota
	msgResolveResult
	msgCloseConn
	msgSnapChunk
	msgConnClosed
	msgQuit
)

type routerMsg struct {
	kind    msgKind
	storeID uint64

	// peer message being routed (msgSendStore, msgResolveResult)
	raftMsg *common.RaftMessage

	// resolution outcome (msgResolveResult)
	addr string
	err  error

	// inbound snapshot chunk (msgSnapChunk, msgConnClosed)
	connID   uint64
	streamID uint64
	chunk    *common.SnapshotChunk
	eos      bool
	ack      func()
}

// --------------------------------------------------------------------------
// Router
// --------------------------------------------------------------------------

// streamKey identifies one inbound snapshot stream across connections.
type streamKey struct {
	connID   uint64
	streamID uint64
}

// recvStream is the control loop's view of one inbound transfer.
type recvStream struct {
	token     uint64
	meta      *common.RaftMessage
	discarded bool
}

// Router routes peer messages to other stores. A single control loop owns
// all routing state: the address cache, the set of stores being resolved,
// the connection pool and the inbound snapshot streams. Everything reaches
// that state by message, so none of it needs a lock.
//
// Delivery is best effort. Messages to unresolved stores are dropped with
// an unreachable report while resolution runs; raft retries on its own.
type Router struct {
	cfg      common.PeerConfig
	resolver StoreAddrResolver
	raft     raftstore.RaftStoreRouter
	ser      serializer.IRPCSerializer

	queue *util.MPSC[routerMsg]
	pool  *connPool
	snap  *util.Worker[snapTask]

	// control loop state, touched only by run()
	storeAddrs     map[uint64]string
	storeResolving map[uint64]struct{}
	streams        map[streamKey]*recvStream
	nextToken      uint64

	stopOnce sync.Once
	done     chan struct{}
}

// NewRouter wires the router. Start must be called before use.
func NewRouter(
	cfg common.PeerConfig,
	resolver StoreAddrResolver,
	raft raftstore.RaftStoreRouter,
	snapMgr *raftstore.SnapManager,
	factory ClientFactory,
	ser serializer.IRPCSerializer,
) *Router {
	r := &Router{
		cfg:            cfg,
		resolver:       resolver,
		raft:           raft,
		ser:            ser,
		queue:          util.NewMPSC[routerMsg](),
		pool:           newConnPool(factory, cfg),
		snap:           util.NewWorker[snapTask]("snap"),
		storeAddrs:     make(map[uint64]string),
		storeResolving: make(map[uint64]struct{}),
		streams:        make(map[streamKey]*recvStream),
		done:           make(chan struct{}),
	}
	r.snap.Start(newSnapRunner(snapMgr, raft, factory, cfg, ser))
	return r
}

// Start launches the control loop.
func (r *Router) Start() {
	go r.run()
}

// Stop shuts the control loop down and closes every pooled connection.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		r.queue.Push(&routerMsg{kind: msgQuit})
		<-r.done
		r.snap.Stop()
	})
}

// SendRaftMessage routes one outbound peer message to the store its target
// peer lives on.
func (r *Router) SendRaftMessage(msg *common.RaftMessage) error {
	return r.push(&routerMsg{
		kind:    msgSendStore,
		storeID: msg.ToPeer.StoreID,
		raftMsg: msg,
	})
}

// CloseStoreConn drops the cached address of storeID and closes its pooled
// connection.
func (r *Router) CloseStoreConn(storeID uint64) error {
	return r.push(&routerMsg{kind: msgCloseConn, storeID: storeID})
}

// HandleSnapChunk feeds one inbound snapshot stream frame into the router.
// An empty payload with eos set is the stream terminator; ack fires only if
// the transfer commits.
func (r *Router) HandleSnapChunk(connID, streamID uint64, payload []byte, eos bool, ack func()) error {
	msg := &routerMsg{
		kind:     msgSnapChunk,
		connID:   connID,
		streamID: streamID,
		eos:      eos,
		ack:      ack,
	}
	if len(payload) > 0 {
		chunk, err := common.UnmarshalSnapshotChunk(payload)
		if err != nil {
			logger.Errorf("malformed snapshot chunk on conn %d stream %d: %v", connID, streamID, err)
			chunk = &common.SnapshotChunk{} // empty chunk discards the stream
		}
		msg.chunk = chunk
	}
	return r.push(msg)
}

// HandleConnClose tells the router a server connection went away, ending
// any snapshot stream it carried.
func (r *Router) HandleConnClose(connID uint64) {
	r.push(&routerMsg{kind: msgConnClosed, connID: connID})
}

func (r *Router) push(msg *routerMsg) error {
	if !r.queue.Push(msg) {
		return ErrRouterStopped
	}
	return nil
}

// --------------------------------------------------------------------------
// Control loop
// --------------------------------------------------------------------------

func (r *Router) run() {
	defer close(r.done)
	for msg := range r.queue.Recv() {
		switch msg.kind {
		case msgSendStore:
			r.onSendStore(msg.storeID, msg.raftMsg)
		case msgResolveResult:
			r.onResolveResult(msg.storeID, msg.addr, msg.err, msg.raftMsg)
		case msgCloseConn:
			r.onCloseConn(msg.storeID)
		case msgSnapChunk:
			r.onSnapChunk(msg)
		case msgConnClosed:
			r.onConnClosed(msg.connID)
		case msgQuit:
			r.queue.Close()
			r.pool.CloseAll()
			logger.Infof("router stopped")
			return
		}
	}
}

func (r *Router) onSendStore(storeID uint64, msg *common.RaftMessage) {
	if msg.IsSnapshot {
		// a snapshot is worth a fresh address, stale ones waste the
		// whole transfer
		resolveCounter("snap").Inc()
		r.resolveStore(storeID, msg)
		return
	}

	if addr, ok := r.storeAddrs[storeID]; ok {
		r.writeTo(storeID, addr, msg)
		return
	}

	if _, ok := r.storeResolving[storeID]; ok {
		// resolution in flight, drop the message and let raft retry
		resolveCounter("resolving").Inc()
		r.reportUnreachable(msg)
		return
	}

	resolveCounter("resolve").Inc()
	r.storeResolving[storeID] = struct{}{}
	r.resolveStore(storeID, msg)
}

// resolveStore schedules a fresh address lookup carrying msg. Snapshot
// transfers never enter the resolving set, so their lookups do not block
// or get blocked by ordinary sends to the same store.
func (r *Router) resolveStore(storeID uint64, msg *common.RaftMessage) {
	logger.Debugf("begin to resolve store %d address", storeID)
	err := r.resolver.Resolve(storeID, func(addr string, err error) {
		r.push(&routerMsg{
			kind:    msgResolveResult,
			storeID: storeID,
			addr:    addr,
			err:     err,
			raftMsg: msg,
		})
	})
	if err != nil {
		if !msg.IsSnapshot {
			delete(r.storeResolving, storeID)
		}
		resolveCounter("failed").Inc()
		logger.Errorf("schedule resolve of store %d failed: %v", storeID, err)
		r.reportUnreachable(msg)
	}
}

func (r *Router) onResolveResult(storeID uint64, addr string, err error, msg *common.RaftMessage) {
	if !msg.IsSnapshot {
		delete(r.storeResolving, storeID)
	}
	if err != nil {
		resolveCounter("failed").Inc()
		logger.Errorf("resolve store %d failed: %v", storeID, err)
		r.reportUnreachable(msg)
		return
	}
	resolveCounter("success").Inc()
	logger.Infof("resolved store %d to %s", storeID, addr)
	r.storeAddrs[storeID] = addr
	r.writeTo(storeID, addr, msg)
}

// writeTo hands msg to its delivery path: snapshots to the snapshot worker,
// everything else to the pooled connection.
func (r *Router) writeTo(storeID uint64, addr string, msg *common.RaftMessage) {
	if msg.IsSnapshot {
		if err := r.snap.Schedule(&snapTask{kind: snapSend, addr: addr, msg: msg}); err != nil {
			logger.Errorf("schedule snapshot send to store %d failed: %v", storeID, err)
			r.reportUnreachable(msg)
		}
		return
	}

	payload, err := r.ser.Serialize(msg)
	if err != nil {
		logger.Errorf("serialize peer message for store %d failed: %v", storeID, err)
		return
	}
	if err := r.pool.Send(addr, payload); err != nil {
		logger.Errorf("send to store %d at %s failed: %v", storeID, addr, err)
		delete(r.storeAddrs, storeID)
		r.reportUnreachable(msg)
	}
}

func (r *Router) onCloseConn(storeID uint64) {
	if addr, ok := r.storeAddrs[storeID]; ok {
		r.pool.Close(addr)
		delete(r.storeAddrs, storeID)
	}
}

func (r *Router) reportUnreachable(msg *common.RaftMessage) {
	if err := r.raft.ReportUnreachable(msg.RegionID, msg.ToPeer.ID, msg.ToPeer.StoreID); err != nil {
		logger.Errorf("report unreachable store %d failed: %v", msg.ToPeer.StoreID, err)
	}
	if msg.IsSnapshot {
		if err := r.raft.ReportSnapshot(msg.RegionID, msg.ToPeer.ID, raftstore.SnapshotFailure); err != nil {
			logger.Errorf("report snapshot failure for region %d failed: %v", msg.RegionID, err)
		}
	}
}

// --------------------------------------------------------------------------
// Inbound snapshot streams
// --------------------------------------------------------------------------

// onSnapChunk advances one inbound stream. A stream must open with a header
// chunk; after that every chunk must carry data. Any violation discards the
// transfer, the rest of the stream is ignored and no ack is sent.
func (r *Router) onSnapChunk(msg *routerMsg) {
	key := streamKey{connID: msg.connID, streamID: msg.streamID}
	st, known := r.streams[key]

	if msg.chunk != nil {
		switch {
		case !known:
			if !msg.chunk.IsHeader() {
				logger.Errorf("snapshot stream %d/%d opened without a header", msg.connID, msg.streamID)
				r.streams[key] = &recvStream{discarded: true}
				break
			}
			meta := &common.RaftMessage{}
			if err := r.ser.Deserialize(msg.chunk.Message, meta); err != nil {
				logger.Errorf("snapshot stream %d/%d header undecodable: %v", msg.connID, msg.streamID, err)
				r.streams[key] = &recvStream{discarded: true}
				break
			}
			r.nextToken++
			st = &recvStream{token: r.nextToken, meta: meta}
			r.streams[key] = st
			r.scheduleSnap(st, &snapTask{kind: snapRegister, token: st.token, msg: meta})
			if len(msg.chunk.Data) > 0 {
				r.scheduleSnap(st, &snapTask{kind: snapWrite, token: st.token, data: msg.chunk.Data})
			}
		case st.discarded:
			// ignore the rest of a failed stream
		case msg.chunk.IsHeader():
			logger.Errorf("snapshot stream %d/%d sent a second header", msg.connID, msg.streamID)
			r.discardStream(st)
		case len(msg.chunk.Data) == 0:
			logger.Errorf("snapshot stream %d/%d sent an empty chunk", msg.connID, msg.streamID)
			r.discardStream(st)
		default:
			r.scheduleSnap(st, &snapTask{kind: snapWrite, token: st.token, data: msg.chunk.Data})
		}
	} else if !known && !msg.eos {
		logger.Errorf("snapshot stream %d/%d opened without a header", msg.connID, msg.streamID)
		r.streams[key] = &recvStream{discarded: true}
		return
	}

	if !msg.eos {
		return
	}
	st = r.streams[key]
	delete(r.streams, key)
	if st == nil || st.discarded {
		return
	}
	r.scheduleSnap(st, &snapTask{kind: snapCommit, token: st.token, msg: st.meta, ack: msg.ack})
}

func (r *Router) scheduleSnap(st *recvStream, task *snapTask) {
	if st.discarded {
		return
	}
	if err := r.snap.Schedule(task); err != nil {
		logger.Errorf("schedule snapshot task failed: %v", err)
		st.discarded = true
	}
}

func (r *Router) discardStream(st *recvStream) {
	if !st.discarded {
		st.discarded = true
		if err := r.snap.Schedule(&snapTask{kind: snapDiscard, token: st.token}); err != nil {
			logger.Errorf("schedule snapshot discard failed: %v", err)
		}
	}
}

func (r *Router) onConnClosed(connID uint64) {
	for key, st := range r.streams {
		if key.connID != connID {
			continue
		}
		r.discardStream(st)
		delete(r.streams, key)
	}
}
