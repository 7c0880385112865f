package tcp

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/flame4/tikv/rpc/common"
	"github.com/flame4/tikv/rpc/transport"
	"github.com/flame4/tikv/rpc/transport/base"
)

const (
	defaultBufferSize = 512 * 1024 // 512 KB
)

// serverConnector implements the IServerConnector interface for TCP sockets
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "tcp"
}

func (c *serverConnector) Listen(config common.ServerConfig) (net.Listener, error) {
	listener, err := net.Listen("tcp", config.Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create TCP socket")
	}
	return listener, nil
}

func (c *serverConnector) UpgradeConnection(conn net.Conn, config common.ServerConfig) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}
	return applyTCPOptions(tcpConn, config.TCPConf, config.SocketConf)
}

// applyTCPOptions applies the shared TCP tuning knobs to one connection.
func applyTCPOptions(tcpConn *net.TCPConn, tc common.TCPConf, sc common.SocketConf) error {
	if err := tcpConn.SetNoDelay(tc.TCPNoDelay); err != nil {
		return err
	}

	if sc.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(sc.WriteBufferSize); err != nil {
			return err
		}
	}

	if sc.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(sc.ReadBufferSize); err != nil {
			return err
		}
	}

	if tc.TCPKeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(tc.TCPKeepAliveSec) * time.Second); err != nil {
			return err
		}
	}

	if tc.TCPLingerSec >= 0 {
		if err := tcpConn.SetLinger(tc.TCPLingerSec); err != nil {
			return err
		}
	}

	return nil
}

// --------------------------------------------------------------------------
// Server Transport Factory Method
// --------------------------------------------------------------------------

// NewTCPServerTransport creates a new TCP server transport with the default
// buffer size.
func NewTCPServerTransport() transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{}, defaultBufferSize)
}
