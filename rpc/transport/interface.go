package transport

import (
	"github.com/flame4/tikv/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ResponseSink writes response frames back to one connection. A sink stays
// valid for the connection's lifetime and is safe for concurrent use, so a
// handler may hold it and respond from another goroutine later.
type ResponseSink interface {
	// Respond writes one response frame correlated by requestID.
	Respond(op common.MessageType, requestID uint64, payload []byte) error
}

// ServerHandler receives everything a server connection produces. Handlers
// must not block: the per-connection read loop calls them inline to
// preserve frame order, so long work has to be handed off.
type ServerHandler interface {
	// HandleRequest delivers one unary request. The payload is owned by
	// the handler. A response, if any, goes through the sink with the
	// same requestID.
	HandleRequest(op common.MessageType, requestID uint64, payload []byte, sink ResponseSink)

	// HandleChunk delivers one frame of an inbound stream. Frames of one
	// stream share a streamID and arrive in order; connID disambiguates
	// streams across connections. eos marks the final frame, which
	// carries no payload. The ack, if any, goes through the sink with
	// the streamID as requestID.
	HandleChunk(connID, streamID uint64, op common.MessageType, payload []byte, eos bool, sink ResponseSink)

	// HandleConnClose reports that a connection went away, ending any
	// stream it carried.
	HandleConnClose(connID uint64)
}

// IRPCServerTransport is the interface for the server side of the RPC
// transport layer.
type IRPCServerTransport interface {
	// RegisterHandler registers the handler for all inbound traffic.
	// Must be called before Listen.
	RegisterHandler(handler ServerHandler)

	// Listen binds the endpoint from config and starts accepting
	// connections in the background.
	Listen(config common.ServerConfig) error

	// Addr returns the bound address. Valid after Listen returned nil;
	// useful when the endpoint asked for an ephemeral port.
	Addr() string

	// Close stops accepting and closes all open connections.
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IClientStream sends one outbound stream over the client's connection.
type IClientStream interface {
	// Send writes one stream frame.
	Send(payload []byte) error

	// CloseAndRecv writes the end-of-stream frame and waits for the
	// receiver's ack.
	CloseAndRecv() (op common.MessageType, payload []byte, err error)
}

// IRPCClientTransport is one persistent connection to a peer store. It is
// not self-healing: once the connection fails every call errors and the
// owner is expected to drop the client and dial a fresh one.
type IRPCClientTransport interface {
	// Connect establishes the connection.
	Connect(endpoint string, config common.PeerConfig) error

	// Call sends a request and waits for the correlated response.
	Call(op common.MessageType, payload []byte) (respOp common.MessageType, resp []byte, err error)

	// Send writes a fire-and-forget frame; no response will come back.
	Send(op common.MessageType, payload []byte) error

	// OpenStream starts an outbound stream of op-typed frames.
	OpenStream(op common.MessageType) (IClientStream, error)

	// Close closes the connection and fails all pending calls.
	Close() error
}
