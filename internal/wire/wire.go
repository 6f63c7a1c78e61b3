// Package wire implements the self-describing binary protocol used between
// mpld and its clients: the stream handshake, the structured log message,
// and the file-descriptor-proxy datagram body.
//
// The wire format is CBOR (RFC 8949) with a handful of custom tag numbers
// standing in for the "extension mechanism that tags a payload with a small
// integer type code" described by the collector's protocol: an atom, a
// structured log message, a stream handshake, and an attached-file-proxy
// sentinel. A fifth, unexported tag carries ordered attribute maps, since
// CBOR's native map type does not guarantee the encounter order this
// protocol requires attributes to preserve.
package wire

import (
	"fmt"
	"time"
)

// Extension tag numbers. These are CBOR tag numbers (RFC 8949 §3.4), chosen
// well above the IANA-reserved low range (date/time, bignum, ...) so they
// never collide with a generic CBOR decoder's built-in tag handling.
const (
	tagAtom                 = 1001
	tagStructuredLogMessage = 1002
	tagStreamHello          = 1003
	tagAttachedFileProxy    = 1004
	tagAttrMap              = 1005
)

// Atom is a small symbolic name, such as a stream_type ("stdout", "stderr",
// "structured") or an attribute key. It is wire-distinct from a plain
// string so a decoder can tell "the literal string stdout" apart from "the
// atom :stdout" the way the source protocol does.
type Atom string

// Value is the closed set of types an attribute value (or array element)
// may hold: string, int64, float64, bool, nil, time.Time, Atom, []Value, or
// AttrMap. Go has no sum-type syntax, so this is enforced by convention and
// by the encode/decode paths in codec.go rather than by the type system;
// device.StructuredClient rejects anything else at the client boundary.
type Value = any

// ValidateValue reports an error if v (or, recursively, any element of a
// []Value or AttrMap) is not one of the types Value's closed set documents.
// Without this check, the CBOR encoder would happily reflect-encode an
// arbitrary struct instead of rejecting it, silently widening the wire
// format beyond what decoders on the other end are required to understand.
func ValidateValue(v Value) error {
	switch val := v.(type) {
	case nil, string, Atom, bool, int64, float64, time.Time:
		return nil
	case AttrMap:
		for _, p := range val {
			if err := ValidateValue(p.Key); err != nil {
				return fmt.Errorf("attribute key %v: %w", p.Key, err)
			}
			if err := ValidateValue(p.Value); err != nil {
				return fmt.Errorf("attribute %v: %w", p.Key, err)
			}
		}
		return nil
	case []Value:
		for i, elem := range val {
			if err := ValidateValue(elem); err != nil {
				return fmt.Errorf("array element %d: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("value of type %T is not in the closed attribute value set", v)
	}
}
