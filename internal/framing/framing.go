// Package framing turns a wire.StructuredLogMessage into bytes on the
// collector's output stream. It defines the Sink contract plus four
// built-in formats (none, line, json, logfmt) and a registry that lets a
// caller-supplied extension add more without this package knowing about it
// ahead of time — the Go analogue of the "dynamic framing class lookup"
// spec.md describes for languages with runtime symbol lookup.
package framing

import (
	"fmt"
	"io"
	"sync"

	"github.com/ianremillard/mpld/internal/wire"
)

// Sink is the pluggable formatter every ingest path writes through. Calls
// may come concurrently from the stream acceptor and the datagram
// receiver; callers are expected to serialize access (internal/server does
// this with a single mutex) so that each call's bytes land on the output
// stream whole, never interleaved with another call's bytes.
type Sink interface {
	OnMessage(msg wire.StructuredLogMessage) error
}

// Builtin names selectable via -f/--framing.
const (
	None   = "none"
	Line   = "line"
	JSON   = "json"
	Logfmt = "logfmt"
)

// Factory builds a Sink that writes to w.
type Factory func(w io.Writer) Sink

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{
		None:   func(w io.Writer) Sink { return newNoneSink(w) },
		Line:   func(w io.Writer) Sink { return newLineSink(w) },
		JSON:   func(w io.Writer) Sink { return newJSONSink(w) },
		Logfmt: func(w io.Writer) Sink { return newLogfmtSink(w) },
	}
)

// Register adds a named framing factory, for use by -r/--require plugins
// (see internal/config) and by Go programs embedding this package
// directly. Registering a name that already exists overwrites it, so a
// plugin can deliberately shadow a built-in if it needs to.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New builds the named framing sink writing to w. An unknown name is a
// configuration error, reported before the server loop starts rather than
// discovered mid-stream.
func New(name string, w io.Writer) (Sink, error) {
	registryMu.Lock()
	factory, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("framing: unknown framing %q", name)
	}
	return factory(w), nil
}
