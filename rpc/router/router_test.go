package router

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/flame4/tikv/lib/raftstore"
	"github.com/flame4/tikv/rpc/common"
	"github.com/flame4/tikv/rpc/serializer"
	"github.com/flame4/tikv/rpc/transport"
)

// --------------------------------------------------------------------------
// Mocks
// --------------------------------------------------------------------------

// mockResolver records resolve calls and lets the test fire the callbacks.
// Several lookups for the same store may be open at once; fire pops the
// oldest.
type mockResolver struct {
	mu    sync.Mutex
	calls []uint64
	cbs   map[uint64][]ResolveCallback
}

func newMockResolver() *mockResolver {
	return &mockResolver{cbs: make(map[uint64][]ResolveCallback)}
}

func (m *mockResolver) Resolve(storeID uint64, cb ResolveCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, storeID)
	m.cbs[storeID] = append(m.cbs[storeID], cb)
	return nil
}

func (m *mockResolver) fire(storeID uint64, addr string, err error) {
	m.mu.Lock()
	cb := m.cbs[storeID][0]
	m.cbs[storeID] = m.cbs[storeID][1:]
	m.mu.Unlock()
	cb(addr, err)
}

func (m *mockResolver) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// mockRaft records everything the router reports to consensus.
type mockRaft struct {
	mu          sync.Mutex
	msgs        []*common.RaftMessage
	unreachable []uint64
	snapStatus  []raftstore.SnapshotStatus
}

func (m *mockRaft) SendRaftMsg(msg *common.RaftMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *mockRaft) ReportUnreachable(regionID, toPeerID, toStoreID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable = append(m.unreachable, toStoreID)
	return nil
}

func (m *mockRaft) ReportSnapshot(regionID, toPeerID uint64, status raftstore.SnapshotStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapStatus = append(m.snapStatus, status)
	return nil
}

func (m *mockRaft) counts() (msgs, unreachable, snaps int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs), len(m.unreachable), len(m.snapStatus)
}

// mockClient is a peer connection that records sent payloads. failSends
// makes every Send fail, simulating a dead peer.
type mockClient struct {
	mu        sync.Mutex
	endpoint  string
	sent      [][]byte
	chunks    [][]byte
	failSends bool
}

type mockFactory struct {
	mu        sync.Mutex
	clients   []*mockClient
	failSends bool
}

func (f *mockFactory) factory() transport.IRPCClientTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &mockClient{failSends: f.failSends}
	f.clients = append(f.clients, c)
	return c
}

func (f *mockFactory) dialed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *mockFactory) totalSent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.clients {
		c.mu.Lock()
		n += len(c.sent)
		c.mu.Unlock()
	}
	return n
}

func (c *mockClient) Connect(endpoint string, _ common.PeerConfig) error {
	c.endpoint = endpoint
	return nil
}

func (c *mockClient) Call(op common.MessageType, payload []byte) (common.MessageType, []byte, error) {
	return op, nil, nil
}

func (c *mockClient) Send(op common.MessageType, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSends {
		return errors.New("peer gone")
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *mockClient) OpenStream(op common.MessageType) (transport.IClientStream, error) {
	return &mockStream{client: c}, nil
}

func (c *mockClient) Close() error { return nil }

type mockStream struct {
	client *mockClient
}

func (s *mockStream) Send(payload []byte) error {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	s.client.chunks = append(s.client.chunks, payload)
	return nil
}

func (s *mockStream) CloseAndRecv() (common.MessageType, []byte, error) {
	return common.MsgTSnapshot, nil, nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

type fixture struct {
	router   *Router
	resolver *mockResolver
	raft     *mockRaft
	factory  *mockFactory
	mgr      *raftstore.SnapManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mgr, err := raftstore.NewSnapManager(t.TempDir())
	if err != nil {
		t.Fatalf("snap manager: %v", err)
	}
	f := &fixture{
		resolver: newMockResolver(),
		raft:     &mockRaft{},
		factory:  &mockFactory{},
		mgr:      mgr,
	}
	f.router = NewRouter(
		common.PeerConfig{},
		f.resolver,
		f.raft,
		mgr,
		f.factory.factory,
		serializer.NewGOBSerializer(),
	)
	f.router.Start()
	t.Cleanup(f.router.Stop)
	return f
}

func peerMsg(region, storeID uint64) *common.RaftMessage {
	return &common.RaftMessage{
		RegionID: region,
		FromPeer: common.Peer{ID: 1, StoreID: 1},
		ToPeer:   common.Peer{ID: region * 10, StoreID: storeID},
		Data:     []byte("entries"),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

// TestResolveOnce sends two messages to an unresolved store: the first
// starts resolution, the second is dropped with an unreachable report, and
// only one resolve call is ever made.
func TestResolveOnce(t *testing.T) {
	f := newFixture(t)

	first := peerMsg(1, 5)
	second := peerMsg(2, 5)
	if err := f.router.SendRaftMessage(first); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := f.router.SendRaftMessage(second); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "unreachable report", func() bool {
		_, unreachable, _ := f.raft.counts()
		return unreachable == 1
	})
	if got := f.resolver.callCount(); got != 1 {
		t.Fatalf("resolver called %d times, want 1", got)
	}

	f.resolver.fire(5, "store5:20160", nil)
	waitFor(t, "first message delivery", func() bool {
		return f.factory.totalSent() == 1
	})
}

// TestCachedAddrReuse verifies later sends use the cached address without
// another resolution.
func TestCachedAddrReuse(t *testing.T) {
	f := newFixture(t)

	if err := f.router.SendRaftMessage(peerMsg(1, 5)); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "resolve call", func() bool { return f.resolver.callCount() == 1 })
	f.resolver.fire(5, "store5:20160", nil)
	waitFor(t, "delivery", func() bool { return f.factory.totalSent() == 1 })

	for i := 0; i < 5; i++ {
		if err := f.router.SendRaftMessage(peerMsg(uint64(10+i), 5)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	waitFor(t, "cached deliveries", func() bool { return f.factory.totalSent() == 6 })
	if got := f.resolver.callCount(); got != 1 {
		t.Fatalf("resolver called %d times, want 1", got)
	}
}

// TestResolveFailure drops the pending message with an unreachable report
// and allows a later send to resolve again.
func TestResolveFailure(t *testing.T) {
	f := newFixture(t)

	if err := f.router.SendRaftMessage(peerMsg(1, 9)); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "resolve call", func() bool { return f.resolver.callCount() == 1 })
	f.resolver.fire(9, "", errors.New("no such store"))

	waitFor(t, "unreachable report", func() bool {
		_, unreachable, _ := f.raft.counts()
		return unreachable == 1
	})

	// the store is no longer marked resolving, a new send retries
	if err := f.router.SendRaftMessage(peerMsg(2, 9)); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "second resolve call", func() bool { return f.resolver.callCount() == 2 })
}

// TestPoolRedial drops a failed connection and dials a fresh one on the
// next send.
func TestPoolRedial(t *testing.T) {
	f := newFixture(t)
	f.factory.failSends = true

	if err := f.router.SendRaftMessage(peerMsg(1, 5)); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "resolve call", func() bool { return f.resolver.callCount() == 1 })
	f.resolver.fire(5, "store5:20160", nil)
	waitFor(t, "first dial", func() bool { return f.factory.dialed() == 1 })

	// let the write fail and the writer drop the connection
	time.Sleep(20 * time.Millisecond)
	f.factory.mu.Lock()
	f.factory.failSends = false
	f.factory.mu.Unlock()

	// the address cache was invalidated along with the connection, so
	// the next send resolves again and dials fresh
	waitFor(t, "send retry path", func() bool {
		if err := f.router.SendRaftMessage(peerMsg(2, 5)); err != nil {
			return false
		}
		if f.resolver.callCount() >= 2 {
			f.resolver.fire(5, "store5:20160", nil)
			return true
		}
		return false
	})
	waitFor(t, "redial delivery", func() bool { return f.factory.totalSent() >= 1 })
}

// TestSnapshotReResolve verifies a snapshot message ignores the cached
// address and resolves afresh, then streams through the snapshot worker.
func TestSnapshotReResolve(t *testing.T) {
	f := newFixture(t)

	if err := f.router.SendRaftMessage(peerMsg(1, 5)); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "resolve call", func() bool { return f.resolver.callCount() == 1 })
	f.resolver.fire(5, "store5:20160", nil)
	waitFor(t, "delivery", func() bool { return f.factory.totalSent() == 1 })

	snap := peerMsg(1, 5)
	snap.IsSnapshot = true
	// stage the snapshot file the sender streams out
	if err := os.WriteFile(f.mgr.SnapPath(snap), []byte("snapshot-bytes"), 0o644); err != nil {
		t.Fatalf("stage snapshot file: %v", err)
	}

	if err := f.router.SendRaftMessage(snap); err != nil {
		t.Fatalf("send snapshot: %v", err)
	}
	waitFor(t, "snapshot re-resolve", func() bool { return f.resolver.callCount() == 2 })
	f.resolver.fire(5, "store5:20160", nil)

	waitFor(t, "snapshot delivery report", func() bool {
		_, _, snaps := f.raft.counts()
		return snaps == 1
	})
	f.raft.mu.Lock()
	status := f.raft.snapStatus[0]
	f.raft.mu.Unlock()
	if status != raftstore.SnapshotFinish {
		t.Fatalf("snapshot status = %v, want finish", status)
	}
}

// TestSnapshotKeepsCacheAndOrdinarySends verifies a snapshot's fresh
// resolution neither evicts the cached address nor blocks ordinary sends
// to the same store while it is in flight.
func TestSnapshotKeepsCacheAndOrdinarySends(t *testing.T) {
	f := newFixture(t)

	if err := f.router.SendRaftMessage(peerMsg(1, 5)); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "resolve call", func() bool { return f.resolver.callCount() == 1 })
	f.resolver.fire(5, "store5:20160", nil)
	waitFor(t, "delivery", func() bool { return f.factory.totalSent() == 1 })

	snap := peerMsg(1, 5)
	snap.IsSnapshot = true
	if err := os.WriteFile(f.mgr.SnapPath(snap), []byte("snapshot-bytes"), 0o644); err != nil {
		t.Fatalf("stage snapshot file: %v", err)
	}
	if err := f.router.SendRaftMessage(snap); err != nil {
		t.Fatalf("send snapshot: %v", err)
	}
	waitFor(t, "snapshot resolve", func() bool { return f.resolver.callCount() == 2 })

	// the snapshot's lookup is still open; an ordinary send must keep
	// using the cached address instead of being dropped
	if err := f.router.SendRaftMessage(peerMsg(2, 5)); err != nil {
		t.Fatalf("send during snapshot resolve: %v", err)
	}
	waitFor(t, "cached delivery", func() bool { return f.factory.totalSent() == 2 })
	if _, unreachable, _ := f.raft.counts(); unreachable != 0 {
		t.Fatalf("unexpected unreachable reports: %d", unreachable)
	}
	if got := f.resolver.callCount(); got != 2 {
		t.Fatalf("resolver called %d times, want 2", got)
	}

	f.resolver.fire(5, "store5:20160", nil)
	waitFor(t, "snapshot delivery report", func() bool {
		_, _, snaps := f.raft.counts()
		return snaps == 1
	})
}

// TestSnapshotDuringResolve sends a snapshot while an ordinary resolution
// for the same store is open: the snapshot resolves fresh instead of being
// dropped, and its completion does not clear the ordinary lookup's state.
func TestSnapshotDuringResolve(t *testing.T) {
	f := newFixture(t)

	if err := f.router.SendRaftMessage(peerMsg(1, 9)); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "resolve call", func() bool { return f.resolver.callCount() == 1 })

	snap := peerMsg(1, 9)
	snap.IsSnapshot = true
	if err := os.WriteFile(f.mgr.SnapPath(snap), []byte("snapshot-bytes"), 0o644); err != nil {
		t.Fatalf("stage snapshot file: %v", err)
	}
	if err := f.router.SendRaftMessage(snap); err != nil {
		t.Fatalf("send snapshot: %v", err)
	}
	waitFor(t, "snapshot resolve", func() bool { return f.resolver.callCount() == 2 })
	if _, unreachable, _ := f.raft.counts(); unreachable != 0 {
		t.Fatalf("snapshot was dropped with %d unreachable reports", unreachable)
	}

	// complete both lookups, oldest first
	f.resolver.fire(9, "store9:20160", nil)
	waitFor(t, "ordinary delivery", func() bool { return f.factory.totalSent() == 1 })
	f.resolver.fire(9, "store9:20160", nil)
	waitFor(t, "snapshot delivery report", func() bool {
		_, _, snaps := f.raft.counts()
		return snaps == 1
	})

	// the store resolved, later sends ride the cache
	if err := f.router.SendRaftMessage(peerMsg(2, 9)); err != nil {
		t.Fatalf("send after resolve: %v", err)
	}
	waitFor(t, "cached delivery", func() bool { return f.factory.totalSent() == 2 })
	if got := f.resolver.callCount(); got != 2 {
		t.Fatalf("resolver called %d times, want 2", got)
	}
}

// TestSnapshotFailureReported delivers SnapshotFailure to consensus when a
// snapshot transfer dies before the stream starts.
func TestSnapshotFailureReported(t *testing.T) {
	f := newFixture(t)

	snap := peerMsg(1, 7)
	snap.IsSnapshot = true
	if err := f.router.SendRaftMessage(snap); err != nil {
		t.Fatalf("send snapshot: %v", err)
	}
	waitFor(t, "snapshot resolve", func() bool { return f.resolver.callCount() == 1 })
	f.resolver.fire(7, "", errors.New("no such store"))

	waitFor(t, "failure report", func() bool {
		_, unreachable, snaps := f.raft.counts()
		return unreachable == 1 && snaps == 1
	})
	f.raft.mu.Lock()
	status := f.raft.snapStatus[0]
	f.raft.mu.Unlock()
	if status != raftstore.SnapshotFailure {
		t.Fatalf("snapshot status = %v, want failure", status)
	}
}

// --------------------------------------------------------------------------
// Inbound snapshot stream tests
// --------------------------------------------------------------------------

func headerChunk(t *testing.T, msg *common.RaftMessage) []byte {
	t.Helper()
	meta, err := serializer.NewGOBSerializer().Serialize(msg)
	if err != nil {
		t.Fatalf("serialize header: %v", err)
	}
	return (&common.SnapshotChunk{Message: meta}).Marshal()
}

func dataChunk(data string) []byte {
	return (&common.SnapshotChunk{Data: []byte(data)}).Marshal()
}

// TestRecvSnapshot drives a full inbound transfer: header, data chunks,
// end-of-stream. The file commits, consensus gets the message and the
// sender gets exactly one ack.
func TestRecvSnapshot(t *testing.T) {
	f := newFixture(t)

	msg := peerMsg(3, 1)
	msg.IsSnapshot = true

	var acks atomic.Int32
	ack := func() { acks.Add(1) }

	if err := f.router.HandleSnapChunk(1, 7, headerChunk(t, msg), false, nil); err != nil {
		t.Fatalf("header: %v", err)
	}
	if err := f.router.HandleSnapChunk(1, 7, dataChunk("part1"), false, nil); err != nil {
		t.Fatalf("data: %v", err)
	}
	if err := f.router.HandleSnapChunk(1, 7, dataChunk("part2"), false, nil); err != nil {
		t.Fatalf("data: %v", err)
	}
	if err := f.router.HandleSnapChunk(1, 7, nil, true, ack); err != nil {
		t.Fatalf("eos: %v", err)
	}

	waitFor(t, "commit and delivery", func() bool {
		msgs, _, _ := f.raft.counts()
		return msgs == 1
	})
	waitFor(t, "ack", func() bool { return acks.Load() == 1 })

	data, err := os.ReadFile(f.mgr.SnapPath(msg))
	if err != nil {
		t.Fatalf("read committed snapshot: %v", err)
	}
	if string(data) != "part1part2" {
		t.Fatalf("committed data = %q", data)
	}
}

// TestRecvWithoutHeader discards a stream that opens with a data chunk and
// never acks it.
func TestRecvWithoutHeader(t *testing.T) {
	f := newFixture(t)

	var acked atomic.Bool
	if err := f.router.HandleSnapChunk(1, 8, dataChunk("rogue"), false, nil); err != nil {
		t.Fatalf("data: %v", err)
	}
	if err := f.router.HandleSnapChunk(1, 8, nil, true, func() { acked.Store(true) }); err != nil {
		t.Fatalf("eos: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if acked.Load() {
		t.Fatal("discarded stream was acked")
	}
	msgs, _, _ := f.raft.counts()
	if msgs != 0 {
		t.Fatal("discarded stream reached consensus")
	}
}

// TestRecvEmptyChunk discards a transfer when a chunk carries neither
// header nor data.
func TestRecvEmptyChunk(t *testing.T) {
	f := newFixture(t)

	msg := peerMsg(4, 1)
	msg.IsSnapshot = true

	var acked atomic.Bool
	if err := f.router.HandleSnapChunk(2, 9, headerChunk(t, msg), false, nil); err != nil {
		t.Fatalf("header: %v", err)
	}
	empty := (&common.SnapshotChunk{}).Marshal()
	if err := f.router.HandleSnapChunk(2, 9, empty, false, nil); err != nil {
		t.Fatalf("empty: %v", err)
	}
	if err := f.router.HandleSnapChunk(2, 9, nil, true, func() { acked.Store(true) }); err != nil {
		t.Fatalf("eos: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if acked.Load() {
		t.Fatal("violated stream was acked")
	}
	if _, err := os.ReadFile(f.mgr.SnapPath(msg)); err == nil {
		t.Fatal("violated stream left a committed file")
	}
}

// TestRecvConnClose discards the half-open transfer of a dropped
// connection.
func TestRecvConnClose(t *testing.T) {
	f := newFixture(t)

	msg := peerMsg(5, 1)
	msg.IsSnapshot = true

	if err := f.router.HandleSnapChunk(3, 1, headerChunk(t, msg), false, nil); err != nil {
		t.Fatalf("header: %v", err)
	}
	if err := f.router.HandleSnapChunk(3, 1, dataChunk("partial"), false, nil); err != nil {
		t.Fatalf("data: %v", err)
	}
	f.router.HandleConnClose(3)

	time.Sleep(50 * time.Millisecond)
	if _, err := os.ReadFile(f.mgr.SnapPath(msg)); err == nil {
		t.Fatal("broken transfer left a committed file")
	}
}

// TestCloseStoreConn drops the cached address so the next send resolves
// again.
func TestCloseStoreConn(t *testing.T) {
	f := newFixture(t)

	if err := f.router.SendRaftMessage(peerMsg(1, 6)); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "resolve call", func() bool { return f.resolver.callCount() == 1 })
	f.resolver.fire(6, "store6:20160", nil)
	waitFor(t, "delivery", func() bool { return f.factory.totalSent() == 1 })

	if err := f.router.CloseStoreConn(6); err != nil {
		t.Fatalf("close conn: %v", err)
	}

	waitFor(t, "re-resolve after close", func() bool {
		if err := f.router.SendRaftMessage(peerMsg(2, 6)); err != nil {
			return false
		}
		return f.resolver.callCount() == 2
	})
}
