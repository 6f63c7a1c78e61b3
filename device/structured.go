package device

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ianremillard/mpld/internal/wire"
)

// dgramFallbackSize is the payload size at or above which Send proactively uses
// the fd-passing fallback instead of waiting to be told EMSGSIZE/ENOBUFS by
// the kernel; most unixgram buffers start refusing well under this.
const dgramFallbackSize = 64 * 1024

// StructuredClient is a connectionless producer: every call to Send is one
// self-contained StructuredLogMessage, sent as a single datagram when it
// fits or handed across via an attached file descriptor when it doesn't.
type StructuredClient struct {
	conn *net.UnixConn
}

// DialStructured connects to the datagram socket at path.
func DialStructured(path string) (*StructuredClient, error) {
	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("device: dial structured socket %s: %w", path, err)
	}

	if rc, err := conn.SyscallConn(); err == nil {
		_ = rc.Control(func(fd uintptr) {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, 1<<20)
		})
	}

	return &StructuredClient{conn: conn}, nil
}

// Send encodes msg and delivers it to the datagram receiver. Oversize
// messages that the kernel rejects as a single datagram (or whose encoding
// is already known to be at least dgramFallbackSize bytes) fall back to
// writing the encoded message into an unlinked temporary file and passing
// its file descriptor alongside a small AttachedFileProxy datagram. The
// payload is fully written before Send returns, so the caller may exit
// right afterwards without truncating it.
func (c *StructuredClient) Send(msg wire.StructuredLogMessage) error {
	for _, p := range msg.Attributes {
		if err := wire.ValidateValue(p.Key); err != nil {
			return fmt.Errorf("device: attribute key %v: %w", p.Key, err)
		}
		if err := wire.ValidateValue(p.Value); err != nil {
			return fmt.Errorf("device: attribute %v: %w", p.Key, err)
		}
	}

	data, err := wire.EncodeStructuredLogMessage(msg)
	if err != nil {
		return fmt.Errorf("device: encode message: %w", err)
	}

	if len(data) < dgramFallbackSize {
		if _, _, err := c.conn.WriteMsgUnix(data, nil, nil); err == nil {
			return nil
		} else if !isOversizeError(err) {
			return fmt.Errorf("device: send datagram: %w", err)
		}
	}

	return c.sendViaFD(data)
}

func (c *StructuredClient) sendViaFD(data []byte) error {
	f, err := os.CreateTemp("", "mpld-proxy-")
	if err != nil {
		return fmt.Errorf("device: create proxy file: %w", err)
	}
	defer f.Close()
	os.Remove(f.Name())

	// WriteAt leaves the file offset at 0, so the receiver reads from the start.
	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("device: write proxy file: %w", err)
	}

	proxy, err := wire.EncodeAttachedFileProxy()
	if err != nil {
		return fmt.Errorf("device: encode proxy message: %w", err)
	}

	rights := unix.UnixRights(int(f.Fd()))
	if _, _, err := c.conn.WriteMsgUnix(proxy, rights, nil); err != nil {
		return fmt.Errorf("device: send proxy datagram: %w", err)
	}
	return nil
}

// Close closes the underlying socket.
func (c *StructuredClient) Close() error {
	return c.conn.Close()
}

func isOversizeError(err error) bool {
	return errors.Is(err, unix.EMSGSIZE) || errors.Is(err, unix.ENOBUFS)
}
