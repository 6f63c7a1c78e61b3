package wire

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// AttrPair is one key/value entry in an AttrMap.
type AttrPair struct {
	Key   Value
	Value Value
}

// AttrMap is an ordered mapping from attribute key to attribute value. It
// preserves insertion order on the wire by encoding as a tagged array of
// [key, value] pairs instead of a native CBOR map, whose key order a
// decoder is not obliged to preserve.
type AttrMap []AttrPair

// Get returns the value for key and whether it was present. Keys are
// compared with ==, so only comparable Value kinds (string, Atom, bool,
// numbers) can usefully be looked up this way.
func (m AttrMap) Get(key Value) (Value, bool) {
	for _, p := range m {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// MarshalCBOR implements cbor.Marshaler.
func (m AttrMap) MarshalCBOR() ([]byte, error) {
	pairs := make([][2]Value, len(m))
	for i, p := range m {
		pairs[i] = [2]Value{p.Key, p.Value}
	}
	content, err := encMode.Marshal(pairs)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal attributes: %w", err)
	}
	return encMode.Marshal(cbor.RawTag{Number: tagAttrMap, Content: content})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (m *AttrMap) UnmarshalCBOR(data []byte) error {
	var rt cbor.RawTag
	if err := decMode.Unmarshal(data, &rt); err != nil {
		return fmt.Errorf("wire: decode attribute map envelope: %w", err)
	}
	if rt.Number != tagAttrMap {
		return fmt.Errorf("wire: unknown extension tag %d where attribute map was expected", rt.Number)
	}

	var rawPairs [][2]cbor.RawMessage
	if err := decMode.Unmarshal(rt.Content, &rawPairs); err != nil {
		return fmt.Errorf("wire: decode attribute pairs: %w", err)
	}

	out := make(AttrMap, 0, len(rawPairs))
	for _, rp := range rawPairs {
		k, err := decodeValue(rp[0])
		if err != nil {
			return fmt.Errorf("wire: decode attribute key: %w", err)
		}
		v, err := decodeValue(rp[1])
		if err != nil {
			return fmt.Errorf("wire: decode attribute value: %w", err)
		}
		out = append(out, AttrPair{Key: k, Value: v})
	}
	*m = out
	return nil
}

// MarshalCBOR implements cbor.Marshaler for Atom, wrapping the atom name in
// its extension tag.
func (a Atom) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(cbor.Tag{Number: tagAtom, Content: string(a)})
}

// UnmarshalCBOR implements cbor.Unmarshaler for Atom.
func (a *Atom) UnmarshalCBOR(data []byte) error {
	var rt cbor.RawTag
	if err := decMode.Unmarshal(data, &rt); err != nil {
		return fmt.Errorf("wire: decode atom envelope: %w", err)
	}
	if rt.Number != tagAtom {
		return fmt.Errorf("wire: unknown extension tag %d where atom was expected", rt.Number)
	}
	var s string
	if err := decMode.Unmarshal(rt.Content, &s); err != nil {
		return fmt.Errorf("wire: decode atom name: %w", err)
	}
	*a = Atom(s)
	return nil
}

// decodeValue decodes a single dynamically-typed Value, recognizing the
// Atom and AttrMap extension tags and otherwise falling back to CBOR's
// native scalar/array decoding (string, integer, float, bool, nil, and
// nested arrays of the same).
func decodeValue(raw cbor.RawMessage) (Value, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("wire: empty value")
	}

	major := raw[0] >> 5
	switch major {
	case 6: // CBOR tag
		var rt cbor.RawTag
		if err := decMode.Unmarshal(raw, &rt); err != nil {
			return nil, fmt.Errorf("wire: decode tagged value: %w", err)
		}
		switch rt.Number {
		case tagAtom:
			var a Atom
			if err := a.UnmarshalCBOR(raw); err != nil {
				return nil, err
			}
			return a, nil
		case tagAttrMap:
			var m AttrMap
			if err := m.UnmarshalCBOR(raw); err != nil {
				return nil, err
			}
			return m, nil
		case tagTimestamp:
			var t time.Time
			if err := decMode.Unmarshal(raw, &t); err != nil {
				return nil, fmt.Errorf("wire: decode timestamp value: %w", err)
			}
			return t, nil
		default:
			return nil, fmt.Errorf("wire: unknown extension tag %d", rt.Number)
		}

	case 4: // array
		var rawElems []cbor.RawMessage
		if err := decMode.Unmarshal(raw, &rawElems); err != nil {
			return nil, fmt.Errorf("wire: decode array value: %w", err)
		}
		elems := make([]Value, len(rawElems))
		for i, re := range rawElems {
			v, err := decodeValue(re)
			if err != nil {
				return nil, err
			}
			elems[i] = v
		}
		return elems, nil

	default:
		var v any
		if err := decMode.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("wire: decode scalar value: %w", err)
		}
		return v, nil
	}
}
