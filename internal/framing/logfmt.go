package framing

import (
	"bytes"
	"io"
	"time"

	"github.com/go-logfmt/logfmt"

	"github.com/ianremillard/mpld/internal/wire"
)

// logfmtSink writes one logfmt-encoded line per record using
// go-logfmt/logfmt for key=value quoting and escaping. Built-in fields are
// emitted under a "_mpld." prefix (_mpld.pid, _mpld.tid,
// _mpld.stream_type); user attributes are unprefixed; "message" is always
// last. A trailing newline already present on message_text is stripped
// first since logfmt lines are themselves newline-terminated records.
type logfmtSink struct {
	w io.Writer
}

func newLogfmtSink(w io.Writer) *logfmtSink {
	return &logfmtSink{w: w}
}

func (s *logfmtSink) OnMessage(msg wire.StructuredLogMessage) error {
	var buf bytes.Buffer
	enc := logfmt.NewEncoder(&buf)

	if msg.PID != nil {
		if err := enc.EncodeKeyval("_mpld.pid", *msg.PID); err != nil {
			return err
		}
	}
	if msg.TID != nil {
		if err := enc.EncodeKeyval("_mpld.tid", *msg.TID); err != nil {
			return err
		}
	}
	if msg.StreamType != nil {
		if err := enc.EncodeKeyval("_mpld.stream_type", string(*msg.StreamType)); err != nil {
			return err
		}
	}

	for _, p := range msg.Attributes {
		if err := enc.EncodeKeyval(jsonKeyString(p.Key), logfmtValue(p.Value)); err != nil {
			return err
		}
	}

	text := bytes.TrimSuffix(msg.MessageText, []byte("\n"))
	if err := enc.EncodeKeyval("message", string(text)); err != nil {
		return err
	}
	if err := enc.EndRecord(); err != nil {
		return err
	}

	_, err := s.w.Write(buf.Bytes())
	return err
}

// logfmtValue reduces a decoded wire value to something logfmt's encoder
// can quote directly; nested maps and arrays have no flat logfmt
// representation, so they fall back to their JSON rendering.
func logfmtValue(v wire.Value) any {
	switch val := v.(type) {
	case wire.Atom:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case wire.AttrMap:
		var buf bytes.Buffer
		if err := writeJSONObject(&buf, val); err != nil {
			return err.Error()
		}
		return buf.String()
	case []wire.Value:
		var buf bytes.Buffer
		if err := writeJSONArray(&buf, val); err != nil {
			return err.Error()
		}
		return buf.String()
	default:
		return val
	}
}
