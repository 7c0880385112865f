package router

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/flame4/tikv/lib/util"
	"github.com/flame4/tikv/rpc/common"
	"github.com/flame4/tikv/rpc/transport"
)

// ClientFactory creates one unconnected peer client. Injected so tests and
// deployments pick the transport kind.
type ClientFactory func() transport.IRPCClientTransport

// peerConn is one pooled connection to a peer address. Messages go through
// an unbounded queue drained by a single writer goroutine, so the control
// loop never blocks on a peer's socket.
type peerConn struct {
	addr   string
	client transport.IRPCClientTransport
	queue  *util.MPSC[[]byte]
	failed atomic.Bool
}

func (c *peerConn) writeLoop() {
	for payload := range c.queue.Recv() {
		if err := c.client.Send(common.MsgTRaft, *payload); err != nil {
			logger.Errorf("write to store at %s failed, dropping connection: %v", c.addr, err)
			c.failed.Store(true)
			c.client.Close()
			// drain whatever raced in; the messages are lost, raft
			// retransmits
			c.queue.Close()
			return
		}
	}
}

func (c *peerConn) close() {
	c.queue.Close()
	c.client.Close()
}

// connPool keeps one live connection per peer address. A connection whose
// write failed is dropped wholesale and the next send dials a fresh one.
// All methods run on the router's control loop, so the pool needs no lock.
type connPool struct {
	factory ClientFactory
	cfg     common.PeerConfig
	conns   map[string]*peerConn
}

func newConnPool(factory ClientFactory, cfg common.PeerConfig) *connPool {
	return &connPool{
		factory: factory,
		cfg:     cfg,
		conns:   make(map[string]*peerConn),
	}
}

// Send queues one serialized peer message for addr, dialing if needed.
func (p *connPool) Send(addr string, payload []byte) error {
	conn, ok := p.conns[addr]
	if ok && conn.failed.Load() {
		delete(p.conns, addr)
		ok = false
	}
	if !ok {
		client := p.factory()
		if err := client.Connect(addr, p.cfg); err != nil {
			return errors.Wrapf(err, "dial %s", addr)
		}
		conn = &peerConn{
			addr:   addr,
			client: client,
			queue:  util.NewMPSC[[]byte](),
		}
		go conn.writeLoop()
		p.conns[addr] = conn
	}
	if !conn.queue.Push(&payload) {
		// writer died between the failed check and the push
		delete(p.conns, addr)
		return errors.Errorf("connection to %s is gone", addr)
	}
	return nil
}

// Close drops the connection to addr if one is pooled.
func (p *connPool) Close(addr string) {
	if conn, ok := p.conns[addr]; ok {
		conn.close()
		delete(p.conns, addr)
	}
}

// CloseAll drops every pooled connection.
func (p *connPool) CloseAll() {
	for addr, conn := range p.conns {
		conn.close()
		delete(p.conns, addr)
	}
}
