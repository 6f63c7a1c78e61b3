package server

import (
	"io"
	"log"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ianremillard/mpld/internal/wire"
)

// dgramReadBufSize is large enough for any datagram a well-behaved
// producer sends directly; oversize messages arrive via the
// AttachedFileProxy fallback instead, never as one enormous datagram.
const dgramReadBufSize = 64 * 1024

// acceptDgrams runs the datagram receiver's loop. A single malformed or
// hostile datagram is discarded without affecting any other producer.
func (s *Server) acceptDgrams() {
	buf := make([]byte, dgramReadBufSize)
	oob := make([]byte, unix.CmsgSpace(4*4))

	for {
		n, oobn, _, _, err := s.dgramConn.ReadMsgUnix(buf, oob)
		if err != nil {
			return
		}
		s.dgramsReceived.Inc()
		s.handleDgram(buf[:n], oob[:oobn])
	}
}

func (s *Server) handleDgram(data, oob []byte) {
	fds := parseAncillaryFDs(oob)

	kind, v, err := wire.DecodeMessage(data)
	if err != nil {
		closeFDs(fds)
		log.Printf("mpld: discarding malformed datagram: %v", err)
		return
	}

	switch kind {
	case wire.KindStructuredLogMessage:
		closeFDs(fds)
		s.dispatch(v.(wire.StructuredLogMessage))

	case wire.KindAttachedFileProxy:
		if len(fds) == 0 {
			log.Printf("mpld: discarding AttachedFileProxy datagram with no attached descriptor")
			return
		}
		f := os.NewFile(uintptr(fds[0]), "mpld-proxy")
		payload, readErr := io.ReadAll(f)
		f.Close()
		closeFDs(fds[1:])

		if readErr != nil {
			log.Printf("mpld: reading attached file proxy: %v", readErr)
			return
		}
		pkind, pv, err := wire.DecodeMessage(payload)
		if err != nil || pkind != wire.KindStructuredLogMessage {
			log.Printf("mpld: discarding malformed attached file proxy payload")
			return
		}
		s.dispatch(pv.(wire.StructuredLogMessage))

	default:
		closeFDs(fds)
		log.Printf("mpld: discarding datagram of unsupported kind")
	}
}

func parseAncillaryFDs(oob []byte) []int {
	if len(oob) == 0 {
		return nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil
	}
	var fds []int
	for i := range scms {
		rights, err := unix.ParseUnixRights(&scms[i])
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
