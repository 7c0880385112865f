package base

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/flame4/tikv/rpc/common"
	"github.com/flame4/tikv/rpc/transport"
)

var Logger = common.CreateLogger("transport")

var (
	// ErrConnClosed means the connection failed or was closed; the owner
	// should drop this client and dial a new one.
	ErrConnClosed = errors.New("transport: connection closed")

	// ErrCallTimeout means no response arrived within the configured
	// timeout.
	ErrCallTimeout = errors.New("transport: call timed out")
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection
// operations.
type IClientConnector interface {
	// Connect establishes a single connection to the endpoint
	Connect(endpoint string) (net.Conn, error)

	// UpgradeConnection applies protocol-specific settings to an
	// established connection
	UpgradeConnection(conn net.Conn, config common.PeerConfig) error

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// callResult carries one correlated response.
type callResult struct {
	op   common.MessageType
	data []byte
	err  error
}

// clientTransport is one persistent connection. There is no retry or
// reconnect logic here on purpose: connection management policy lives with
// the owner, which drops failed clients and dials fresh ones.
type clientTransport struct {
	connector IClientConnector
	config    common.PeerConfig
	endpoint  string

	conn    net.Conn
	writeMu sync.Mutex
	pending *xsync.MapOf[uint64, chan callResult]
	nextID  atomic.Uint64
	closed  atomic.Bool
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the
// specified connector.
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{
		connector: connector,
		pending:   xsync.NewMapOf[uint64, chan callResult](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(endpoint string, config common.PeerConfig) error {
	conn, err := t.connector.Connect(endpoint)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", endpoint)
	}
	if err := t.connector.UpgradeConnection(conn, config); err != nil {
		conn.Close()
		return errors.Wrapf(err, "failed to upgrade connection to %s", endpoint)
	}

	t.endpoint = endpoint
	t.config = config
	t.conn = conn

	Logger.Infof("Connected to %s via %s", endpoint, t.connector.GetName())

	go t.readResponses()
	return nil
}

func (t *clientTransport) Call(op common.MessageType, payload []byte) (common.MessageType, []byte, error) {
	if t.closed.Load() {
		return 0, nil, ErrConnClosed
	}

	requestID := t.nextID.Add(1)
	respCh := make(chan callResult, 1)
	t.pending.Store(requestID, respCh)
	defer t.pending.Delete(requestID)

	if err := t.write(op, 0, requestID, payload); err != nil {
		return 0, nil, err
	}
	return t.await(respCh)
}

func (t *clientTransport) Send(op common.MessageType, payload []byte) error {
	if t.closed.Load() {
		return ErrConnClosed
	}
	return t.write(op, flagNoReply, t.nextID.Add(1), payload)
}

func (t *clientTransport) OpenStream(op common.MessageType) (transport.IClientStream, error) {
	if t.closed.Load() {
		return nil, ErrConnClosed
	}
	return &clientStream{
		parent:   t,
		op:       op,
		streamID: t.nextID.Add(1),
	}, nil
}

func (t *clientTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.conn.Close()
	t.failPending(ErrConnClosed)
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *clientTransport) write(op common.MessageType, flags byte, requestID uint64, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.config.TimeoutSecond > 0 {
		timeout := time.Duration(t.config.TimeoutSecond) * time.Second
		if err := t.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return errors.Wrap(err, "set write deadline")
		}
	}
	if err := writeFrame(t.conn, op, flags, requestID, payload); err != nil {
		return errors.Wrapf(err, "write to %s", t.endpoint)
	}
	return nil
}

func (t *clientTransport) await(respCh chan callResult) (common.MessageType, []byte, error) {
	var timeoutCh <-chan time.Time
	if t.config.TimeoutSecond > 0 {
		timeoutCh = time.After(time.Duration(t.config.TimeoutSecond) * time.Second)
	}

	select {
	case result := <-respCh:
		return result.op, result.data, result.err
	case <-timeoutCh:
		return 0, nil, ErrCallTimeout
	}
}

// failPending delivers err to every waiting call.
func (t *clientTransport) failPending(err error) {
	t.pending.Range(func(id uint64, ch chan callResult) bool {
		select {
		case ch <- callResult{err: err}:
		default:
		}
		t.pending.Delete(id)
		return true
	})
}

// readResponses reads response frames in a loop and distributes them to
// waiting calls. A read error ends the connection for good.
func (t *clientTransport) readResponses() {
	for {
		op, _, requestID, data, err := readFrame(t.conn, nil)
		if err != nil {
			if !t.closed.Load() {
				Logger.Errorf("Connection to %s failed: %v", t.endpoint, err)
				t.closed.Store(true)
				t.conn.Close()
			}
			t.failPending(ErrConnClosed)
			return
		}

		if respCh, found := t.pending.Load(requestID); found {
			// data points into readFrame's buffer which is freshly
			// allocated per frame here, safe to hand over
			respCh <- callResult{op: op, data: data}
		} else {
			Logger.Warningf("Received response for unknown request ID %d from %s", requestID, t.endpoint)
		}
	}
}

// --------------------------------------------------------------------------
// Client stream
// --------------------------------------------------------------------------

// clientStream writes one stream of frames sharing a stream ID.
type clientStream struct {
	parent   *clientTransport
	op       common.MessageType
	streamID uint64
}

// docu see transport.IClientStream
func (s *clientStream) Send(payload []byte) error {
	if s.parent.closed.Load() {
		return ErrConnClosed
	}
	return s.parent.write(s.op, flagStream, s.streamID, payload)
}

// docu see transport.IClientStream
func (s *clientStream) CloseAndRecv() (common.MessageType, []byte, error) {
	if s.parent.closed.Load() {
		return 0, nil, ErrConnClosed
	}

	respCh := make(chan callResult, 1)
	s.parent.pending.Store(s.streamID, respCh)
	defer s.parent.pending.Delete(s.streamID)

	if err := s.parent.write(s.op, flagStream|flagEOS, s.streamID, nil); err != nil {
		return 0, nil, err
	}
	return s.parent.await(respCh)
}
