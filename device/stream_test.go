package device

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/mpld/internal/wire"
)

func TestDialStreamSendsHandshakeThenRawBytes(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "stream.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		accepted <- conn
	}()

	client, err := DialStream(sockPath, wire.AttrMap{{Key: "source", Value: "test"}}, 42, wire.Atom("stdout"))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("first line\n"))
	require.NoError(t, err)

	conn := <-accepted
	defer conn.Close()

	br := bufio.NewReader(conn)
	kind, v, err := wire.DecodeFromReader(br)
	require.NoError(t, err)
	require.Equal(t, wire.KindStreamHello, kind)

	hello := v.(wire.StreamHello)
	assert.Equal(t, int64(42), *hello.PID)
	assert.Equal(t, wire.Atom("stdout"), *hello.StreamType)
	val, ok := hello.Attributes.Get("source")
	require.True(t, ok)
	assert.Equal(t, "test", val)

	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "first line\n", line)
}
