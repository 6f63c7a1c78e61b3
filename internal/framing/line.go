package framing

import (
	"bytes"
	"io"

	"github.com/ianremillard/mpld/internal/wire"
)

// lineSink writes message_text, appending a newline if one is not already
// present.
type lineSink struct {
	w io.Writer
}

func newLineSink(w io.Writer) *lineSink {
	return &lineSink{w: w}
}

func (s *lineSink) OnMessage(msg wire.StructuredLogMessage) error {
	if _, err := s.w.Write(msg.MessageText); err != nil {
		return err
	}
	if !bytes.HasSuffix(msg.MessageText, []byte("\n")) {
		if _, err := s.w.Write([]byte("\n")); err != nil {
			return err
		}
	}
	return nil
}
