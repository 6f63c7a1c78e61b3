package server

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/mpld/internal/config"
	"github.com/ianremillard/mpld/internal/wire"
)

func TestAcceptDgramsHandlesDirectMessage(t *testing.T) {
	sink := &recordingSink{msgs: make(chan wire.StructuredLogMessage, 8)}
	sockPath := filepath.Join(t.TempDir(), "dgram.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()

	s := &Server{cfg: config.Config{}, sink: sink, dgramConn: conn, conns: make(map[net.Conn]struct{})}
	go s.acceptDgrams()

	client, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	require.NoError(t, err)
	defer client.Close()

	data, err := wire.EncodeStructuredLogMessage(wire.StructuredLogMessage{MessageText: []byte("hi")})
	require.NoError(t, err)
	_, err = client.Write(data)
	require.NoError(t, err)

	m := recvMsg(t, sink)
	assert.Equal(t, "hi", string(m.MessageText))
	assert.Equal(t, int64(1), s.DatagramsReceived())
}

func TestAcceptDgramsHandlesAttachedFileProxy(t *testing.T) {
	sink := &recordingSink{msgs: make(chan wire.StructuredLogMessage, 8)}
	sockPath := filepath.Join(t.TempDir(), "dgram.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()

	s := &Server{cfg: config.Config{}, sink: sink, dgramConn: conn, conns: make(map[net.Conn]struct{})}
	go s.acceptDgrams()

	client, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	require.NoError(t, err)
	defer client.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	inner, err := wire.EncodeStructuredLogMessage(wire.StructuredLogMessage{MessageText: []byte("attached")})
	require.NoError(t, err)
	go func() {
		w.Write(inner)
		w.Close()
	}()

	proxy, err := wire.EncodeAttachedFileProxy()
	require.NoError(t, err)
	rights := unix.UnixRights(int(r.Fd()))
	_, _, err = client.WriteMsgUnix(proxy, rights, nil)
	require.NoError(t, err)
	r.Close()

	m := recvMsg(t, sink)
	assert.Equal(t, "attached", string(m.MessageText))
}

func TestAcceptDgramsDiscardsMalformedDatagram(t *testing.T) {
	sink := &recordingSink{msgs: make(chan wire.StructuredLogMessage, 8)}
	sockPath := filepath.Join(t.TempDir(), "dgram.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()

	s := &Server{cfg: config.Config{}, sink: sink, dgramConn: conn, conns: make(map[net.Conn]struct{})}
	go s.acceptDgrams()

	client, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte{0xff, 0xff, 0xff})
	require.NoError(t, err)

	// A second, well-formed datagram should still go through, proving the
	// malformed one didn't take the receiver down.
	data, err := wire.EncodeStructuredLogMessage(wire.StructuredLogMessage{MessageText: []byte("ok")})
	require.NoError(t, err)
	_, err = client.Write(data)
	require.NoError(t, err)

	m := recvMsg(t, sink)
	assert.Equal(t, "ok", string(m.MessageText))

	select {
	case extra := <-sink.msgs:
		t.Fatalf("unexpected extra message: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}
