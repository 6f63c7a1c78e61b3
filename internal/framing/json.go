package framing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ianremillard/mpld/internal/wire"
)

// jsonSink writes one compact JSON object per record. Built-in fields
// (pid, tid, stream_type) are nested under "_mpld"; user attributes sit at
// top level; "message" always comes last. Absent built-ins are omitted
// entirely rather than written as null, and attribute order is preserved
// from the wire rather than routed through Go's unordered map[string]any,
// which is why this writes JSON by hand instead of calling json.Marshal on
// a whole record.
type jsonSink struct {
	w io.Writer
}

func newJSONSink(w io.Writer) *jsonSink {
	return &jsonSink{w: w}
}

func (s *jsonSink) OnMessage(msg wire.StructuredLogMessage) error {
	var buf bytes.Buffer
	buf.WriteByte('{')
	wroteAny := false

	var mpld wire.AttrMap
	if msg.PID != nil {
		mpld = append(mpld, wire.AttrPair{Key: "pid", Value: *msg.PID})
	}
	if msg.TID != nil {
		mpld = append(mpld, wire.AttrPair{Key: "tid", Value: *msg.TID})
	}
	if msg.StreamType != nil {
		mpld = append(mpld, wire.AttrPair{Key: "stream_type", Value: string(*msg.StreamType)})
	}
	if len(mpld) > 0 {
		buf.WriteString(`"_mpld":`)
		if err := writeJSONObject(&buf, mpld); err != nil {
			return fmt.Errorf("framing: encode _mpld fields: %w", err)
		}
		wroteAny = true
	}

	for _, p := range msg.Attributes {
		if wroteAny {
			buf.WriteByte(',')
		}
		writeJSONString(&buf, jsonKeyString(p.Key))
		buf.WriteByte(':')
		if err := writeJSONValue(&buf, p.Value); err != nil {
			return fmt.Errorf("framing: encode attribute %v: %w", p.Key, err)
		}
		wroteAny = true
	}

	if wroteAny {
		buf.WriteByte(',')
	}
	buf.WriteString(`"message":`)
	writeJSONString(&buf, string(msg.MessageText))
	buf.WriteByte('}')
	buf.WriteByte('\n')

	_, err := s.w.Write(buf.Bytes())
	return err
}

func jsonKeyString(key wire.Value) string {
	switch k := key.(type) {
	case string:
		return k
	case wire.Atom:
		return string(k)
	default:
		return fmt.Sprint(k)
	}
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s) // string marshal never fails
	buf.Write(b)
}

func writeJSONObject(buf *bytes.Buffer, m wire.AttrMap) error {
	buf.WriteByte('{')
	for i, p := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(buf, jsonKeyString(p.Key))
		buf.WriteByte(':')
		if err := writeJSONValue(buf, p.Value); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeJSONArray(buf *bytes.Buffer, vals []wire.Value) error {
	buf.WriteByte('[')
	for i, v := range vals {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONValue(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeJSONValue(buf *bytes.Buffer, v wire.Value) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case string:
		writeJSONString(buf, val)
	case wire.Atom:
		writeJSONString(buf, string(val))
	case bool, int64, uint64, float64, int:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	case time.Time:
		writeJSONString(buf, val.UTC().Format(time.RFC3339Nano))
	case wire.AttrMap:
		return writeJSONObject(buf, val)
	case []wire.Value:
		return writeJSONArray(buf, val)
	default:
		return fmt.Errorf("framing: unsupported attribute value type %T", v)
	}
	return nil
}
