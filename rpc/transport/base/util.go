package base

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/flame4/tikv/rpc/common"
)

// Frame flags.
const (
	// flagStream marks a frame as part of a stream identified by its
	// request ID.
	flagStream = 1 << 0
	// flagEOS marks the final frame of a stream. It carries no payload.
	flagEOS = 1 << 1
	// flagNoReply marks a fire-and-forget frame; the receiver must not
	// respond to it.
	flagNoReply = 1 << 2
)

const headerSize = 14

// writeFrame writes a frame to the connection with the format:
// - 1 byte:  operation (common.MessageType)
// - 1 byte:  flags
// - 8 bytes: requestID (uint64, big endian)
// - 4 bytes: data length (uint32, big endian)
// - N bytes: data payload
func writeFrame(conn net.Conn, op common.MessageType, flags byte, requestID uint64, data []byte) error {
	header := make([]byte, headerSize)
	header[0] = byte(op)
	header[1] = flags
	binary.BigEndian.PutUint64(header[2:10], requestID)
	binary.BigEndian.PutUint32(header[10:14], uint32(len(data)))

	// one writev for header and payload
	b := net.Buffers{header, data}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads a frame from the connection using the provided buffer.
// If the buffer is too small, it allocates a new temporary buffer for the
// data.
func readFrame(conn net.Conn, buf []byte) (common.MessageType, byte, uint64, []byte, error) {
	if len(buf) < headerSize {
		buf = make([]byte, headerSize)
	}

	if _, err := io.ReadFull(conn, buf[:headerSize]); err != nil {
		return 0, 0, 0, nil, err
	}

	op := common.MessageType(buf[0])
	flags := buf[1]
	requestID := binary.BigEndian.Uint64(buf[2:10])
	contentLength := binary.BigEndian.Uint32(buf[10:14])

	if contentLength == 0 {
		return op, flags, requestID, nil, nil
	}

	if len(buf) < int(contentLength) {
		buf = make([]byte, contentLength)
	}

	if _, err := io.ReadFull(conn, buf[:contentLength]); err != nil {
		return 0, 0, 0, nil, err
	}

	return op, flags, requestID, buf[:contentLength], nil
}
