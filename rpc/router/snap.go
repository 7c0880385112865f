package router

import (
	"io"
	"os"

	"github.com/flame4/tikv/lib/raftstore"
	"github.com/flame4/tikv/rpc/common"
	"github.com/flame4/tikv/rpc/serializer"
)

// snapChunkLen is how much snapshot data one stream frame carries.
const snapChunkLen = 1024 * 1024

type snapTaskKind int

const (
	snapRegister snapTaskKind = iota
	snapWrite
	snapCommit
	snapDiscard
	snapSend
)

// snapTask is one unit of snapshot work. Disk and peer IO run on the
// snapshot worker so the control loop never touches either.
type snapTask struct {
	kind  snapTaskKind
	token uint64

	// inbound
	msg  *common.RaftMessage
	data []byte
	ack  func()

	// outbound
	addr string
}

// snapRunner executes snapshot tasks sequentially. Tasks of one transfer
// are scheduled in stream order, so sequential execution keeps the file
// consistent.
type snapRunner struct {
	mgr     *raftstore.SnapManager
	raft    raftstore.RaftStoreRouter
	factory ClientFactory
	cfg     common.PeerConfig
	ser     serializer.IRPCSerializer

	// tokens whose transfer broke on disk; later tasks for them are
	// dropped. Only the runner goroutine touches this.
	broken map[uint64]bool
}

func newSnapRunner(mgr *raftstore.SnapManager, raft raftstore.RaftStoreRouter, factory ClientFactory, cfg common.PeerConfig, ser serializer.IRPCSerializer) *snapRunner {
	return &snapRunner{
		mgr:     mgr,
		raft:    raft,
		factory: factory,
		cfg:     cfg,
		ser:     ser,
		broken:  make(map[uint64]bool),
	}
}

// docu see util.Runnable
func (r *snapRunner) Run(task *snapTask) {
	switch task.kind {
	case snapRegister:
		if err := r.mgr.Register(task.token, task.msg); err != nil {
			logger.Errorf("register snapshot transfer %d failed: %v", task.token, err)
			r.broken[task.token] = true
		}
	case snapWrite:
		if r.broken[task.token] {
			return
		}
		if err := r.mgr.Write(task.token, task.data); err != nil {
			logger.Errorf("write snapshot transfer %d failed: %v", task.token, err)
			r.mgr.Discard(task.token)
			r.broken[task.token] = true
		}
	case snapCommit:
		r.commit(task)
	case snapDiscard:
		delete(r.broken, task.token)
		r.mgr.Discard(task.token)
	case snapSend:
		r.send(task.addr, task.msg)
	}
}

// commit finalizes an inbound transfer: the staged file is committed, the
// snapshot's raft message is handed to consensus and the sender gets its
// ack. Consensus errors are logged, not propagated; the sender already did
// its part and raft recovers on its own.
func (r *snapRunner) commit(task *snapTask) {
	if r.broken[task.token] {
		delete(r.broken, task.token)
		return
	}
	if err := r.mgr.Close(task.token); err != nil {
		logger.Errorf("commit snapshot transfer %d failed: %v", task.token, err)
		return
	}
	if err := r.raft.SendRaftMsg(task.msg); err != nil {
		logger.Errorf("deliver snapshot message for region %d failed: %v", task.msg.RegionID, err)
	}
	if task.ack != nil {
		task.ack()
	}
}

// send streams one committed snapshot file to addr on a dedicated
// connection and reports the outcome to consensus.
func (r *snapRunner) send(addr string, msg *common.RaftMessage) {
	status := raftstore.SnapshotFailure
	defer func() {
		if err := r.raft.ReportSnapshot(msg.RegionID, msg.ToPeer.ID, status); err != nil {
			logger.Errorf("report snapshot %s for region %d failed: %v", status, msg.RegionID, err)
		}
	}()

	if err := r.stream(addr, msg); err != nil {
		logger.Errorf("send snapshot for region %d to %s failed: %v", msg.RegionID, addr, err)
		return
	}
	status = raftstore.SnapshotFinish
	logger.Infof("sent snapshot for region %d to %s", msg.RegionID, addr)
}

func (r *snapRunner) stream(addr string, msg *common.RaftMessage) error {
	file, err := os.Open(r.mgr.SnapPath(msg))
	if err != nil {
		return err
	}
	defer file.Close()

	client := r.factory()
	if err := client.Connect(addr, r.cfg); err != nil {
		return err
	}
	defer client.Close()

	stream, err := client.OpenStream(common.MsgTSnapshot)
	if err != nil {
		return err
	}

	meta, err := r.ser.Serialize(msg)
	if err != nil {
		return err
	}
	header := common.SnapshotChunk{Message: meta}
	if err := stream.Send(header.Marshal()); err != nil {
		return err
	}

	buf := make([]byte, snapChunkLen)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			chunk := common.SnapshotChunk{Data: buf[:n]}
			if err := stream.Send(chunk.Marshal()); err != nil {
				return err
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	_, _, err = stream.CloseAndRecv()
	return err
}
