package server

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/flame4/tikv/lib/coprocessor"
	"github.com/flame4/tikv/lib/raftstore"
	"github.com/flame4/tikv/lib/storage"
	"github.com/flame4/tikv/rpc/common"
	"github.com/flame4/tikv/rpc/serializer"
)

// --------------------------------------------------------------------------
// Test doubles
// --------------------------------------------------------------------------

type sinkWrite struct {
	op        common.MessageType
	requestID uint64
	payload   []byte
}

type captureSink struct {
	writes chan sinkWrite
}

func newCaptureSink() *captureSink {
	return &captureSink{writes: make(chan sinkWrite, 8)}
}

// docu see transport.ResponseSink
func (s *captureSink) Respond(op common.MessageType, requestID uint64, payload []byte) error {
	s.writes <- sinkWrite{op: op, requestID: requestID, payload: payload}
	return nil
}

func (s *captureSink) await(t *testing.T) sinkWrite {
	t.Helper()
	select {
	case w := <-s.writes:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a response")
		return sinkWrite{}
	}
}

type recordingRaft struct {
	mu   sync.Mutex
	msgs []*common.RaftMessage
}

// docu see raftstore.RaftStoreRouter
func (r *recordingRaft) SendRaftMsg(msg *common.RaftMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

// docu see raftstore.RaftStoreRouter
func (r *recordingRaft) ReportUnreachable(regionID, toPeerID, toStoreID uint64) error {
	return nil
}

// docu see raftstore.RaftStoreRouter
func (r *recordingRaft) ReportSnapshot(regionID, toPeerID uint64, status raftstore.SnapshotStatus) error {
	return nil
}

func (r *recordingRaft) delivered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

// recordingLogger captures error-level output so tests can assert on it.
type recordingLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *recordingLogger) SetLevel(logger.LogLevel)                  {}
func (l *recordingLogger) Debugf(format string, args ...interface{}) {}
func (l *recordingLogger) Infof(format string, args ...interface{})  {}
func (l *recordingLogger) Warningf(format string, args ...interface{}) {
}

func (l *recordingLogger) Errorf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) Panicf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

func (l *recordingLogger) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

type notLeaderGuard struct{}

// docu see storage.RegionGuard
func (notLeaderGuard) Check(ctx common.Context) *common.RegionError {
	return &common.RegionError{NotLeader: &common.NotLeader{
		RegionID: ctx.RegionID,
		Leader:   common.Peer{ID: 9, StoreID: 9},
	}}
}

// --------------------------------------------------------------------------
// Fixture
// --------------------------------------------------------------------------

type serviceFixture struct {
	svc  *Service
	cop  *coprocessor.Host
	raft *recordingRaft
	ser  serializer.IRPCSerializer
}

func newServiceFixture(t *testing.T, guard storage.RegionGuard) *serviceFixture {
	t.Helper()
	store := storage.NewStorage(guard, 2)
	cop := coprocessor.NewHost(2)
	raft := &recordingRaft{}
	ser := serializer.NewGOBSerializer()
	t.Cleanup(func() {
		store.Close()
		cop.Close()
	})
	return &serviceFixture{
		svc:  NewService(store, cop, nil, raft, ser),
		cop:  cop,
		raft: raft,
		ser:  ser,
	}
}

// call serializes req, dispatches it and decodes the response into resp.
// It fails the test unless the response op matches the request op.
func (f *serviceFixture) call(t *testing.T, op common.MessageType, req, resp interface{}) {
	t.Helper()
	payload, err := f.ser.Serialize(req)
	if err != nil {
		t.Fatalf("serialize request: %v", err)
	}
	sink := newCaptureSink()
	f.svc.HandleRequest(op, 1, payload, sink)
	w := sink.await(t)
	if w.op != op {
		t.Fatalf("expected response op %s, got %s", op, w.op)
	}
	if err := f.ser.Deserialize(w.payload, resp); err != nil {
		t.Fatalf("deserialize response: %v", err)
	}
}

func (f *serviceFixture) mustPrewrite(t *testing.T, mutations []common.Mutation, primary []byte, startTS, ttl uint64) {
	t.Helper()
	resp := &common.PrewriteResponse{}
	f.call(t, common.MsgTKVPrewrite, &common.PrewriteRequest{
		Mutations:    mutations,
		PrimaryLock:  primary,
		StartVersion: startTS,
		LockTTL:      ttl,
	}, resp)
	if resp.RegionError != nil || len(resp.Errors) != 0 {
		t.Fatalf("prewrite failed: %+v", resp)
	}
}

func (f *serviceFixture) mustCommit(t *testing.T, keys [][]byte, startTS, commitTS uint64) {
	t.Helper()
	resp := &common.CommitResponse{}
	f.call(t, common.MsgTKVCommit, &common.CommitRequest{
		Keys:          keys,
		StartVersion:  startTS,
		CommitVersion: commitTS,
	}, resp)
	if resp.RegionError != nil || resp.Error != nil {
		t.Fatalf("commit failed: %+v", resp)
	}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestTxnRoundtrip(t *testing.T) {
	f := newServiceFixture(t, nil)

	f.mustPrewrite(t, []common.Mutation{
		{Op: common.OpPut, Key: []byte("k1"), Value: []byte("v1")},
	}, []byte("k1"), 10, 3000)
	f.mustCommit(t, [][]byte{[]byte("k1")}, 10, 20)

	resp := &common.GetResponse{}
	f.call(t, common.MsgTKVGet, &common.GetRequest{Key: []byte("k1"), Version: 25}, resp)
	if resp.RegionError != nil || resp.Error != nil {
		t.Fatalf("get failed: %+v", resp)
	}
	if string(resp.Value) != "v1" {
		t.Fatalf("expected v1, got %q", resp.Value)
	}
}

func TestPrewriteReportsLock(t *testing.T) {
	f := newServiceFixture(t, nil)

	// txn A holds a lock on k2
	f.mustPrewrite(t, []common.Mutation{
		{Op: common.OpPut, Key: []byte("k2"), Value: []byte("a")},
	}, []byte("k2"), 5, 3000)

	// txn B touches k1 and k2; only the k2 slot may fail
	resp := &common.PrewriteResponse{}
	f.call(t, common.MsgTKVPrewrite, &common.PrewriteRequest{
		Mutations: []common.Mutation{
			{Op: common.OpPut, Key: []byte("k1"), Value: []byte("b")},
			{Op: common.OpLock, Key: []byte("k2")},
		},
		PrimaryLock:  []byte("k1"),
		StartVersion: 10,
		LockTTL:      3000,
	}, resp)

	if resp.RegionError != nil {
		t.Fatalf("unexpected region error: %+v", resp.RegionError)
	}
	if len(resp.Errors) != 1 {
		t.Fatalf("expected exactly one key error, got %d", len(resp.Errors))
	}
	lock := resp.Errors[0].Locked
	if lock == nil {
		t.Fatalf("expected a lock error, got %+v", resp.Errors[0])
	}
	if lock.LockVersion != 5 || lock.LockTTL != 3000 || string(lock.Key) != "k2" {
		t.Fatalf("lock info mismatch: %+v", lock)
	}
}

func TestCleanupReportsCommitVersion(t *testing.T) {
	f := newServiceFixture(t, nil)

	f.mustPrewrite(t, []common.Mutation{
		{Op: common.OpPut, Key: []byte("k1"), Value: []byte("v1")},
	}, []byte("k1"), 10, 3000)
	f.mustCommit(t, [][]byte{[]byte("k1")}, 10, 20)

	resp := &common.CleanupResponse{}
	f.call(t, common.MsgTKVCleanup, &common.CleanupRequest{
		Key:          []byte("k1"),
		StartVersion: 10,
	}, resp)
	if resp.RegionError != nil || resp.Error != nil {
		t.Fatalf("cleanup of a committed txn must not error: %+v", resp)
	}
	if resp.CommitVersion != 20 {
		t.Fatalf("expected commit version 20, got %d", resp.CommitVersion)
	}
}

func TestRegionErrorKeepsTypedResponse(t *testing.T) {
	f := newServiceFixture(t, notLeaderGuard{})

	resp := &common.GetResponse{}
	f.call(t, common.MsgTKVGet, &common.GetRequest{
		Context: common.Context{RegionID: 7},
		Key:     []byte("k"),
		Version: 1,
	}, resp)
	if resp.RegionError == nil || resp.RegionError.NotLeader == nil {
		t.Fatalf("expected not-leader region error, got %+v", resp)
	}
	if resp.RegionError.NotLeader.RegionID != 7 {
		t.Fatalf("region id not preserved: %+v", resp.RegionError.NotLeader)
	}
	if resp.Error != nil {
		t.Fatalf("region error must supersede key errors: %+v", resp)
	}
}

func TestMalformedRequest(t *testing.T) {
	f := newServiceFixture(t, nil)

	sink := newCaptureSink()
	f.svc.HandleRequest(common.MsgTKVGet, 3, []byte("not a gob payload"), sink)
	w := sink.await(t)
	if w.op != common.MsgTError {
		t.Fatalf("expected error response, got op %s", w.op)
	}
	errResp := &common.ErrorResponse{}
	if err := f.ser.Deserialize(w.payload, errResp); err != nil {
		t.Fatalf("deserialize error response: %v", err)
	}
	if errResp.Error == "" {
		t.Fatal("error response must carry a message")
	}
	if w.requestID != 3 {
		t.Fatalf("request id not echoed: %d", w.requestID)
	}
}

func TestUnsupportedMessageType(t *testing.T) {
	f := newServiceFixture(t, nil)

	sink := newCaptureSink()
	f.svc.HandleRequest(common.MsgTUnknown, 4, nil, sink)
	w := sink.await(t)
	if w.op != common.MsgTError {
		t.Fatalf("expected error response, got op %s", w.op)
	}
}

// TestDuplicateCompletionSurfaced delivers a completion twice: exactly one
// response is written and the second delivery is reported as an error
// instead of vanishing.
func TestDuplicateCompletionSurfaced(t *testing.T) {
	f := newServiceFixture(t, nil)

	rec := &recordingLogger{}
	old := Logger
	Logger = rec
	defer func() { Logger = old }()

	sink := newCaptureSink()
	r := f.svc.newResponder(common.MsgTKVGet, 7, sink)
	r.respond(&common.GetResponse{Value: []byte("v")})
	r.respond(&common.GetResponse{Value: []byte("again")})

	w := sink.await(t)
	if w.op != common.MsgTKVGet || w.requestID != 7 {
		t.Fatalf("unexpected response: op %s id %d", w.op, w.requestID)
	}
	select {
	case extra := <-sink.writes:
		t.Fatalf("second completion must not be written, got op %s", extra.op)
	default:
	}
	if rec.errorCount() != 1 {
		t.Fatalf("expected the duplicate to be logged once, got %d errors", rec.errorCount())
	}
}

func TestRaftIsFireAndForget(t *testing.T) {
	f := newServiceFixture(t, nil)

	payload, err := f.ser.Serialize(&common.RaftMessage{
		RegionID: 3,
		FromPeer: common.Peer{ID: 1, StoreID: 1},
		ToPeer:   common.Peer{ID: 2, StoreID: 2},
		Data:     []byte("entries"),
	})
	if err != nil {
		t.Fatalf("serialize raft message: %v", err)
	}
	sink := newCaptureSink()
	f.svc.HandleRequest(common.MsgTRaft, 0, payload, sink)

	if f.raft.delivered() != 1 {
		t.Fatalf("expected one delivered message, got %d", f.raft.delivered())
	}
	select {
	case w := <-sink.writes:
		t.Fatalf("raft messages must not be answered, got op %s", w.op)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCoprocessorDispatch(t *testing.T) {
	f := newServiceFixture(t, nil)
	f.cop.Register(104, coprocessor.ExecutorFunc(func(req *common.CopRequest) ([]byte, error) {
		return append([]byte("seen:"), req.Data...), nil
	}))

	resp := &common.CopResponse{}
	f.call(t, common.MsgTCoprocessor, &common.CopRequest{Tp: 104, Data: []byte("q")}, resp)
	if resp.RegionError != nil || resp.OtherError != "" {
		t.Fatalf("coprocessor call failed: %+v", resp)
	}
	if string(resp.Data) != "seen:q" {
		t.Fatalf("unexpected executor output: %q", resp.Data)
	}

	resp = &common.CopResponse{}
	f.call(t, common.MsgTCoprocessor, &common.CopRequest{Tp: 999}, resp)
	if resp.OtherError == "" {
		t.Fatal("unregistered request type must report an error")
	}
}

func TestRawOps(t *testing.T) {
	f := newServiceFixture(t, nil)

	putResp := &common.RawPutResponse{}
	f.call(t, common.MsgTRawPut, &common.RawPutRequest{Key: []byte("rk"), Value: []byte("rv")}, putResp)
	if putResp.RegionError != nil || putResp.Error != "" {
		t.Fatalf("raw put failed: %+v", putResp)
	}

	getResp := &common.RawGetResponse{}
	f.call(t, common.MsgTRawGet, &common.RawGetRequest{Key: []byte("rk")}, getResp)
	if string(getResp.Value) != "rv" {
		t.Fatalf("expected rv, got %q", getResp.Value)
	}

	delResp := &common.RawDeleteResponse{}
	f.call(t, common.MsgTRawDelete, &common.RawDeleteRequest{Key: []byte("rk")}, delResp)
	if delResp.RegionError != nil || delResp.Error != "" {
		t.Fatalf("raw delete failed: %+v", delResp)
	}

	getResp = &common.RawGetResponse{}
	f.call(t, common.MsgTRawGet, &common.RawGetRequest{Key: []byte("rk")}, getResp)
	if getResp.Value != nil {
		t.Fatalf("expected deleted key, got %q", getResp.Value)
	}
}
