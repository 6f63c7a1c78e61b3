// Package server implements the supervisor's server loop: it binds the
// stream and datagram sockets, forks the supervised child, relays signals
// to it, and drives startup/steady-state/shutdown exactly as spec'd for
// the original multiproc_log_device, translated into Go's goroutine and
// channel idioms the way the teacher's own daemon.go drives its Accept
// loop and request handlers.
package server

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/atomic"

	"github.com/ianremillard/mpld/internal/config"
	"github.com/ianremillard/mpld/internal/framing"
)

// Server owns both sockets, the supervised child, and the single framing
// sink every ingest path writes through.
type Server struct {
	cfg  config.Config
	sink framing.Sink

	sinkMu sync.Mutex

	runtimeDir     string
	streamSockPath string
	dgramSockPath  string

	streamLn  *net.UnixListener
	dgramConn *net.UnixConn

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup

	activeConns    atomic.Int64
	dgramsReceived atomic.Int64

	stopFlusher func()

	// OnChildReady, if set, runs once the child has been started and its
	// pid is known, before the server enters steady state.
	OnChildReady func(pid int)
}

// New creates a Server for cfg, writing framed output to os.Stdout.
func New(cfg config.Config) (*Server, error) {
	return NewWithOutput(cfg, os.Stdout)
}

// NewWithOutput creates a Server for cfg, writing framed output to out
// instead of os.Stdout. It exists mainly so tests can capture output
// without touching the process's real stdout; cmd/mpld always uses New.
// It allocates a fresh runtime directory under cfg.RuntimeDir to hold the
// two sockets, so concurrent mpld invocations never collide on socket
// paths.
func NewWithOutput(cfg config.Config, out io.Writer) (*Server, error) {
	wrapped, bw := prepareOutput(out)

	sink, err := framing.New(cfg.Framing, wrapped)
	if err != nil {
		return nil, err
	}

	runtimeDir, err := os.MkdirTemp(cfg.RuntimeDir, "mpld-")
	if err != nil {
		return nil, fmt.Errorf("server: create runtime dir: %w", err)
	}

	s := &Server{
		cfg:            cfg,
		sink:           sink,
		runtimeDir:     runtimeDir,
		streamSockPath: filepath.Join(runtimeDir, "multiproc_log_device_stream.sock"),
		dgramSockPath:  filepath.Join(runtimeDir, "multiproc_log_device_dgram.sock"),
		conns:          make(map[net.Conn]struct{}),
		stopFlusher:    func() {},
	}
	if bw != nil {
		s.stopFlusher = s.startOutputFlusher(bw)
	}
	return s, nil
}

// ActiveStreamConns returns the number of currently connected stream
// clients. Observability only; it never gates a control-flow decision.
func (s *Server) ActiveStreamConns() int64 { return s.activeConns.Load() }

// DatagramsReceived returns the total number of datagrams accepted since
// startup, counting both direct StructuredLogMessage datagrams and
// AttachedFileProxy ones.
func (s *Server) DatagramsReceived() int64 { return s.dgramsReceived.Load() }

// Run binds both sockets, starts the child given by cfg.Command, and
// blocks until the child exits. Terminating signals received meanwhile
// are relayed to the child rather than ending Run directly. It returns
// the child's exit code.
func (s *Server) Run() (int, error) {
	defer os.RemoveAll(s.runtimeDir)

	if err := s.bindSockets(); err != nil {
		return 1, err
	}
	defer s.streamLn.Close()
	defer s.dgramConn.Close()

	go s.acceptStream()
	go s.acceptDgrams()

	child, err := s.startChild(s.cfg.Command)
	if err != nil {
		return 1, fmt.Errorf("server: start child: %w", err)
	}

	if s.OnChildReady != nil {
		if err := s.callChildReadyHook(child); err != nil {
			return 1, err
		}
	}

	go s.relaySignals(child)

	<-child.doneCh

	s.shutdown()
	s.stopFlusher()

	return child.exitCode, nil
}

// callChildReadyHook runs OnChildReady guarded by recover. If the hook
// panics, the supervising control path has aborted per spec.md §4.5/§7: the
// child is killed with SIGKILL and reaped before the panic is propagated as
// an error, rather than left running with the panic unwinding past it.
func (s *Server) callChildReadyHook(child *childProcess) (err error) {
	defer func() {
		if r := recover(); r != nil {
			syscall.Kill(child.pid, syscall.SIGKILL)
			<-child.doneCh
			err = fmt.Errorf("server: startup hook panicked: %v", r)
		}
	}()
	s.OnChildReady(child.pid)
	return nil
}

func (s *Server) bindSockets() error {
	os.Remove(s.streamSockPath)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.streamSockPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("server: bind stream socket: %w", err)
	}
	s.streamLn = ln

	os.Remove(s.dgramSockPath)
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: s.dgramSockPath, Net: "unixgram"})
	if err != nil {
		ln.Close()
		return fmt.Errorf("server: bind datagram socket: %w", err)
	}
	s.dgramConn = conn

	return nil
}

// shutdown closes the stream listener so no new connections are accepted,
// waits for currently-connected stream tasks to drain up to
// cfg.ShutdownTimeout, and forcibly closes whatever remains past that.
func (s *Server) shutdown() {
	s.streamLn.Close()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	timeout := time.Duration(s.cfg.ShutdownTimeout * float64(time.Second))
	select {
	case <-drained:
	case <-time.After(timeout):
		log.Printf("mpld: shutdown timeout (%s) exceeded, closing remaining stream connections", timeout)
		s.forceCloseConns()
		<-drained
	}

	s.dgramConn.Close()
}

func (s *Server) forceCloseConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}
