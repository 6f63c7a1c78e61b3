// Package device is the client side of the wire protocol: the library a
// descendant process (or anything else producing log records) links
// against to talk to the supervisor's stream and datagram sockets. It
// lives outside internal/ because, unlike the rest of this module, it is
// a contract meant to be imported by arbitrary external Go programs, not
// just code inside this repository.
package device

import (
	"fmt"
	"net"

	"github.com/ianremillard/mpld/internal/wire"
)

// StreamClient is a connection-oriented producer: one handshake, then a
// plain io.Writer for raw bytes split into lines by the stream acceptor.
type StreamClient struct {
	conn net.Conn
}

// DialStream connects to the stream socket at path and sends a StreamHello
// carrying attrs, pid, and streamType. Any of attrs, pid, or streamType may
// be left at their zero values when the caller has nothing to report for
// them.
func DialStream(path string, attrs wire.AttrMap, pid int64, streamType wire.Atom) (*StreamClient, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("device: dial stream socket %s: %w", path, err)
	}

	hello := wire.StreamHello{Attributes: attrs}
	if pid != 0 {
		hello.PID = &pid
	}
	if streamType != "" {
		hello.StreamType = &streamType
	}
	data, err := wire.EncodeStreamHello(hello)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("device: encode handshake: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		conn.Close()
		return nil, fmt.Errorf("device: send handshake: %w", err)
	}

	return &StreamClient{conn: conn}, nil
}

// Write sends raw bytes on the connection; the stream acceptor splits them
// into lines on the other end. It is safe to call Write repeatedly with
// partial lines.
func (c *StreamClient) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

// Close closes the underlying connection.
func (c *StreamClient) Close() error {
	return c.conn.Close()
}
