package server

import (
	"bufio"
	"log"
	"net"

	"github.com/ianremillard/mpld/internal/wire"
)

// dispatch delivers msg to the framing sink, serialized so every
// OnMessage call writes its output atomically with respect to every
// other, regardless of which goroutine (a stream connection or the
// datagram receiver) produced it.
func (s *Server) dispatch(msg wire.StructuredLogMessage) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	if err := s.sink.OnMessage(msg); err != nil {
		log.Printf("mpld: framing sink error: %v", err)
	}
}

// acceptStream runs the stream acceptor's accept loop, spawning one
// goroutine per connection. It returns once the listener is closed during
// shutdown.
func (s *Server) acceptStream() {
	for {
		conn, err := s.streamLn.AcceptUnix()
		if err != nil {
			return
		}

		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.activeConns.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.activeConns.Dec()
			defer func() {
				s.connsMu.Lock()
				delete(s.conns, conn)
				s.connsMu.Unlock()
			}()
			s.handleStreamConn(conn)
		}()
	}
}

// handleStreamConn performs the handshake-then-raw-bytes protocol
// described in spec §4.3: one StreamHello, then newline-delimited raw
// bytes split into one StructuredLogMessage per line (or per
// max_line_length chunk, whichever boundary comes first). It takes a
// plain net.Conn (rather than *net.UnixConn) so it can be exercised
// directly against any connected pipe in tests.
func (s *Server) handleStreamConn(conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	kind, v, err := wire.DecodeFromReader(br)
	if err != nil {
		return
	}
	if kind != wire.KindStreamHello {
		return
	}
	hello := v.(wire.StreamHello)

	maxLen := s.cfg.MaxLineLength
	var chunk []byte

	for {
		b, err := br.ReadByte()
		if err != nil {
			if len(chunk) > 0 {
				s.emitLine(hello, chunk)
			}
			return
		}

		chunk = append(chunk, b)

		if b == '\n' {
			s.emitLine(hello, chunk)
			chunk = nil
			continue
		}
		if maxLen > 0 && int64(len(chunk)) >= maxLen {
			s.emitLine(hello, chunk)
			chunk = nil
		}
	}
}

func (s *Server) emitLine(hello wire.StreamHello, text []byte) {
	line := make([]byte, len(text))
	copy(line, text)
	s.dispatch(wire.StructuredLogMessage{
		MessageText: line,
		Attributes:  hello.Attributes,
		PID:         hello.PID,
		StreamType:  hello.StreamType,
	})
}
