package raftstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/flame4/tikv/rpc/common"
)

var logger = common.CreateLogger("snap")

var (
	// ErrUnknownToken means the token was never registered or already
	// closed or discarded.
	ErrUnknownToken = errors.New("raftstore: unknown snapshot token")
)

// SnapManager owns the snapshot files on disk. Inbound snapshot data is
// staged in a temp file registered under a transfer token; Close renames it
// into place atomically, Discard removes it. A crash leaves only temp files
// behind, which the next start sweeps away.
type SnapManager struct {
	dir string

	mu        sync.Mutex
	transfers map[uint64]*transfer
}

type transfer struct {
	msg  *common.RaftMessage
	file *os.File
}

// NewSnapManager creates the manager rooted at dir, creating it if needed
// and removing temp files left by a previous run.
func NewSnapManager(dir string) (*SnapManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create snapshot dir")
	}
	stale, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	for _, f := range stale {
		if err := os.Remove(f); err == nil {
			logger.Infof("removed stale snapshot temp file %s", f)
		}
	}
	return &SnapManager{
		dir:       dir,
		transfers: make(map[uint64]*transfer),
	}, nil
}

func (m *SnapManager) snapName(msg *common.RaftMessage) string {
	return fmt.Sprintf("rev_%d_%d_%d", msg.RegionID, msg.FromPeer.ID, msg.ToPeer.ID)
}

// Register opens the staging file for a new inbound transfer identified by
// token. The header message describes the snapshot being received.
func (m *SnapManager) Register(token uint64, msg *common.RaftMessage) error {
	path := filepath.Join(m.dir, m.snapName(msg)+".tmp")
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create snapshot temp file")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.transfers[token]; ok {
		old.file.Close()
	}
	m.transfers[token] = &transfer{msg: msg, file: file}
	return nil
}

// Write appends one data chunk to the transfer's staging file.
func (m *SnapManager) Write(token uint64, data []byte) error {
	m.mu.Lock()
	tr, ok := m.transfers[token]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownToken
	}
	if _, err := tr.file.Write(data); err != nil {
		return errors.Wrap(err, "write snapshot chunk")
	}
	return nil
}

// Close commits the transfer: the staged file is flushed and renamed into
// its final name. The transfer token is consumed.
func (m *SnapManager) Close(token uint64) error {
	m.mu.Lock()
	tr, ok := m.transfers[token]
	delete(m.transfers, token)
	m.mu.Unlock()
	if !ok {
		return ErrUnknownToken
	}

	if err := tr.file.Sync(); err != nil {
		tr.file.Close()
		return errors.Wrap(err, "sync snapshot file")
	}
	if err := tr.file.Close(); err != nil {
		return errors.Wrap(err, "close snapshot file")
	}
	final := filepath.Join(m.dir, m.snapName(tr.msg))
	if err := os.Rename(tr.file.Name(), final); err != nil {
		return errors.Wrap(err, "commit snapshot file")
	}
	logger.Infof("committed snapshot %s for region %d", final, tr.msg.RegionID)
	return nil
}

// Discard aborts the transfer and removes the staged file. The transfer
// token is consumed; discarding an unknown token is a no-op.
func (m *SnapManager) Discard(token uint64) {
	m.mu.Lock()
	tr, ok := m.transfers[token]
	delete(m.transfers, token)
	m.mu.Unlock()
	if !ok {
		return
	}
	tr.file.Close()
	os.Remove(tr.file.Name())
	logger.Warningf("discarded snapshot transfer for region %d", tr.msg.RegionID)
}

// Meta returns the header message of an active transfer.
func (m *SnapManager) Meta(token uint64) (*common.RaftMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.transfers[token]
	if !ok {
		return nil, false
	}
	return tr.msg, true
}

// SnapPath returns the committed file path for the snapshot msg describes.
// Used by the sender side to stream a snapshot out.
func (m *SnapManager) SnapPath(msg *common.RaftMessage) string {
	return filepath.Join(m.dir, m.snapName(msg))
}
