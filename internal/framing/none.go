package framing

import (
	"io"

	"github.com/ianremillard/mpld/internal/wire"
)

// noneSink writes message_text verbatim, with no added framing at all.
type noneSink struct {
	w io.Writer
}

func newNoneSink(w io.Writer) *noneSink {
	return &noneSink{w: w}
}

func (s *noneSink) OnMessage(msg wire.StructuredLogMessage) error {
	_, err := s.w.Write(msg.MessageText)
	return err
}
