package base

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/flame4/tikv/rpc/common"
	"github.com/flame4/tikv/rpc/transport"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server
// operations.
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.ServerConfig) (net.Listener, error)

	// UpgradeConnection applies protocol-specific settings to an
	// accepted connection
	UpgradeConnection(conn net.Conn, config common.ServerConfig) error

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// connSink serializes response writes to one connection. Handlers respond
// from arbitrary goroutines, so every write goes through the mutex.
type connSink struct {
	conn    net.Conn
	mu      sync.Mutex
	timeout time.Duration
}

// docu see transport.ResponseSink
func (s *connSink) Respond(op common.MessageType, requestID uint64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return errors.Wrap(err, "set write deadline")
		}
	}
	return writeFrame(s.conn, op, 0, requestID, payload)
}

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector  IServerConnector
	handler    transport.ServerHandler
	config     common.ServerConfig
	listener   net.Listener
	bufferPool *sync.Pool
	nextConnID atomic.Uint64
	closed     atomic.Bool
	wg         sync.WaitGroup

	connsMu sync.Mutex
	conns   map[uint64]net.Conn
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport with the given
// connector and read buffer size.
func NewBaseServerTransport(connector IServerConnector, bufferSize int) transport.IRPCServerTransport {
	return &serverTransport{
		connector: connector,
		conns:     make(map[uint64]net.Conn),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]byte, bufferSize)
			},
		},
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ServerHandler) {
	t.handler = handler
}

func (t *serverTransport) Listen(config common.ServerConfig) error {
	if t.handler == nil {
		return errors.New("no handler registered")
	}
	t.config = config

	listener, err := t.connector.Listen(config)
	if err != nil {
		return errors.Wrap(err, "failed to create listener")
	}
	t.listener = listener

	Logger.Infof("%s server listening on %s", t.connector.GetName(), listener.Addr())

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *serverTransport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *serverTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.listener.Close()

	t.connsMu.Lock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.connsMu.Unlock()

	t.wg.Wait()
	Logger.Infof("%s server on %s stopped", t.connector.GetName(), t.config.Endpoint)
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *serverTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.closed.Load() {
				return
			}
			Logger.Errorf("Accept error: %v", err)
			continue
		}

		if err := t.connector.UpgradeConnection(conn, t.config); err != nil {
			Logger.Errorf("Failed to upgrade connection: %v", err)
			conn.Close()
			continue
		}

		connID := t.nextConnID.Add(1)
		t.connsMu.Lock()
		t.conns[connID] = conn
		t.connsMu.Unlock()

		t.wg.Add(1)
		go t.handleConnection(connID, conn)
	}
}

// handleConnection reads frames from one connection and feeds them to the
// handler. Frames are dispatched inline so stream chunks keep their order;
// handlers hand long work off to their own queues.
func (t *serverTransport) handleConnection(connID uint64, conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		conn.Close()
		t.connsMu.Lock()
		delete(t.conns, connID)
		t.connsMu.Unlock()
		t.handler.HandleConnClose(connID)
	}()

	timeout := time.Duration(t.config.TimeoutSecond) * time.Second
	sink := &connSink{conn: conn, timeout: timeout}

	for {
		if timeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				Logger.Errorf("Failed to set read deadline: %v", err)
				return
			}
		}

		buf := t.bufferPool.Get().([]byte)
		op, flags, requestID, data, err := readFrame(conn, buf)
		if err != nil {
			t.bufferPool.Put(buf)
			if err == io.EOF || t.closed.Load() {
				Logger.Infof("Connection %d closed", connID)
			} else {
				Logger.Errorf("Error reading from connection %d: %v", connID, err)
			}
			return
		}

		// Handlers retain payloads beyond this frame, the pooled buffer
		// cannot leave the loop.
		payload := make([]byte, len(data))
		copy(payload, data)
		t.bufferPool.Put(buf)

		if flags&flagStream != 0 {
			t.handler.HandleChunk(connID, requestID, op, payload, flags&flagEOS != 0, sink)
			continue
		}
		if flags&flagNoReply != 0 {
			t.handler.HandleRequest(op, requestID, payload, noReplySink{})
			continue
		}
		t.handler.HandleRequest(op, requestID, payload, sink)
	}
}

// noReplySink swallows responses to fire-and-forget frames.
type noReplySink struct{}

func (noReplySink) Respond(common.MessageType, uint64, []byte) error { return nil }
