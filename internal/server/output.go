package server

import (
	"bufio"
	"io"
	"os"
	"time"

	"golang.org/x/term"
)

// outputFlushInterval is how often a buffered (non-terminal) output is
// flushed, so a piped or redirected-to-file mpld still surfaces records
// promptly without paying a syscall per record.
const outputFlushInterval = 200 * time.Millisecond

// prepareOutput wraps out in a *bufio.Writer when it is an *os.File that
// is not an interactive terminal, trading per-record flush latency for
// throughput; an interactive terminal, or any writer that is not an
// *os.File, gets every record written as soon as it is produced. bw is
// non-nil when wrapping happened, in which case the caller is responsible
// for starting a flusher on it.
func prepareOutput(out io.Writer) (w io.Writer, bw *bufio.Writer) {
	f, isFile := out.(*os.File)
	if !isFile || term.IsTerminal(int(f.Fd())) {
		return out, nil
	}
	buffered := bufio.NewWriter(out)
	return buffered, buffered
}

// startOutputFlusher periodically flushes bw, guarded by the same mutex
// that serializes every sink write, and returns a function that stops the
// flusher and performs one final flush.
func (s *Server) startOutputFlusher(bw *bufio.Writer) func() {
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(outputFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sinkMu.Lock()
				bw.Flush()
				s.sinkMu.Unlock()
			case <-stopCh:
				s.sinkMu.Lock()
				bw.Flush()
				s.sinkMu.Unlock()
				return
			}
		}
	}()

	return func() {
		close(stopCh)
		<-doneCh
	}
}
