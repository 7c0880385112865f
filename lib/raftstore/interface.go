// Package raftstore defines the boundary between the node's transport
// surface and the consensus layer that sits behind it. The transport only
// needs three things from consensus: a way to hand over inbound peer
// messages, and two report channels telling it how outbound delivery went.
package raftstore

import (
	"github.com/flame4/tikv/rpc/common"
)

// SnapshotStatus is the delivery outcome of one outbound snapshot.
type SnapshotStatus int

const (
	// SnapshotFinish means the receiving peer acknowledged the full
	// snapshot stream.
	SnapshotFinish SnapshotStatus = iota
	// SnapshotFailure means the stream broke before the acknowledgment.
	SnapshotFailure
)

func (s SnapshotStatus) String() string {
	if s == SnapshotFinish {
		return "finish"
	}
	return "failure"
}

// RaftStoreRouter is the consensus layer's inbound surface. Implementations
// must not block: reports and messages are handed over from transport
// goroutines that may not stall.
type RaftStoreRouter interface {
	// SendRaftMsg hands an inbound peer message to the consensus layer.
	SendRaftMsg(msg *common.RaftMessage) error

	// ReportUnreachable tells the region's replica that a peer could not
	// be reached.
	ReportUnreachable(regionID, toPeerID, toStoreID uint64) error

	// ReportSnapshot tells the region's replica how an outbound snapshot
	// delivery ended.
	ReportSnapshot(regionID, toPeerID uint64, status SnapshotStatus) error
}

// DiscardRouter is a RaftStoreRouter for nodes running without an attached
// consensus engine. Inbound peer traffic is logged at debug level and
// dropped; delivery reports are ignored.
type DiscardRouter struct{}

// docu see RaftStoreRouter
func (DiscardRouter) SendRaftMsg(msg *common.RaftMessage) error {
	logger.Debugf("no consensus engine attached, dropping message for region %d", msg.RegionID)
	return nil
}

// docu see RaftStoreRouter
func (DiscardRouter) ReportUnreachable(regionID, toPeerID, toStoreID uint64) error {
	return nil
}

// docu see RaftStoreRouter
func (DiscardRouter) ReportSnapshot(regionID, toPeerID uint64, status SnapshotStatus) error {
	return nil
}
