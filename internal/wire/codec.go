package wire

import (
	"bufio"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode/decMode configure the CBOR codec once for the whole package:
// timestamps round-trip through the standard CBOR tag 0 (RFC 8949 §3.4.1,
// text-based date/time) rather than through a bespoke extension, since CBOR
// already has a canonical representation for that and there is no reason
// to reinvent it alongside the protocol's own tags.
var (
	encMode = func() cbor.EncMode {
		m, err := cbor.EncOptions{
			Time:    cbor.TimeRFC3339Nano,
			TimeTag: cbor.EncTagRequired,
			Sort:    cbor.SortNone,
		}.EncMode()
		if err != nil {
			panic(fmt.Sprintf("wire: bad encoder options: %v", err))
		}
		return m
	}()

	decMode = func() cbor.DecMode {
		m, err := cbor.DecOptions{}.DecMode()
		if err != nil {
			panic(fmt.Sprintf("wire: bad decoder options: %v", err))
		}
		return m
	}()
)

const tagTimestamp = 0 // RFC 8949 standard date/time text tag

// MessageKind identifies which of the three protocol messages a decoded
// frame carried.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindStructuredLogMessage
	KindStreamHello
	KindAttachedFileProxy
)

// StructuredLogMessage is the unit that reaches a framing sink.
type StructuredLogMessage struct {
	_           struct{} `cbor:",toarray"`
	MessageText []byte
	Attributes  AttrMap
	PID         *int64
	TID         *int64
	StreamType  *Atom
}

// StreamHello is the first and only handshake frame on a stream connection.
type StreamHello struct {
	_          struct{} `cbor:",toarray"`
	Attributes AttrMap
	PID        *int64
	StreamType *Atom
}

// AttachedFileProxy is a zero-content sentinel: the real payload is the
// first file descriptor carried in the datagram's ancillary data.
type AttachedFileProxy struct{}

// EncodeStructuredLogMessage encodes m as a tagged StructuredLogMessage frame.
func EncodeStructuredLogMessage(m StructuredLogMessage) ([]byte, error) {
	b, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal structured log message: %w", err)
	}
	return encMode.Marshal(cbor.RawTag{Number: tagStructuredLogMessage, Content: b})
}

// EncodeStreamHello encodes h as a tagged StreamHello frame.
func EncodeStreamHello(h StreamHello) ([]byte, error) {
	b, err := encMode.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal stream hello: %w", err)
	}
	return encMode.Marshal(cbor.RawTag{Number: tagStreamHello, Content: b})
}

// EncodeAttachedFileProxy encodes the empty AttachedFileProxy sentinel.
func EncodeAttachedFileProxy() ([]byte, error) {
	return encMode.Marshal(cbor.RawTag{Number: tagAttachedFileProxy, Content: []byte{0xf6}}) // CBOR null
}

// DecodeMessage decodes a complete, self-contained message (as received
// whole from a datagram) and dispatches on its extension tag. Unknown tags
// are returned as an error so the caller can apply its own "malformed
// message" policy (close the connection, or discard the datagram).
func DecodeMessage(data []byte) (MessageKind, any, error) {
	var rt cbor.RawTag
	if err := decMode.Unmarshal(data, &rt); err != nil {
		return KindUnknown, nil, fmt.Errorf("wire: decode message envelope: %w", err)
	}
	return decodeTagged(rt)
}

// DecodeFromReader reads exactly one complete message from r and
// dispatches on its extension tag, per DecodeMessage. r should be the
// *bufio.Reader wrapping a stream connection for its whole lifetime. The
// CBOR decoder is fed from r one byte at a time, so it never consumes
// bytes past the end of the message; whatever r has buffered beyond it
// remains available to subsequent reads from the same r, which is how the
// raw byte phase that follows the handshake picks up exactly where the
// handshake left off.
func DecodeFromReader(r *bufio.Reader) (MessageKind, any, error) {
	dec := decMode.NewDecoder(oneByteReader{r})
	var rt cbor.RawTag
	if err := dec.Decode(&rt); err != nil {
		return KindUnknown, nil, fmt.Errorf("wire: decode message envelope: %w", err)
	}
	return decodeTagged(rt)
}

// oneByteReader returns at most one byte per Read, which keeps the CBOR
// decoder's own read-ahead buffer from swallowing bytes that follow the
// message it is decoding.
type oneByteReader struct{ r *bufio.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b, err := o.r.ReadByte()
	if err != nil {
		return 0, err
	}
	p[0] = b
	return 1, nil
}

func decodeTagged(rt cbor.RawTag) (MessageKind, any, error) {
	switch rt.Number {
	case tagStructuredLogMessage:
		var m StructuredLogMessage
		if err := decMode.Unmarshal(rt.Content, &m); err != nil {
			return KindUnknown, nil, fmt.Errorf("wire: decode structured log message: %w", err)
		}
		return KindStructuredLogMessage, m, nil
	case tagStreamHello:
		var h StreamHello
		if err := decMode.Unmarshal(rt.Content, &h); err != nil {
			return KindUnknown, nil, fmt.Errorf("wire: decode stream hello: %w", err)
		}
		return KindStreamHello, h, nil
	case tagAttachedFileProxy:
		return KindAttachedFileProxy, AttachedFileProxy{}, nil
	default:
		return KindUnknown, nil, fmt.Errorf("wire: unknown extension tag %d", rt.Number)
	}
}

