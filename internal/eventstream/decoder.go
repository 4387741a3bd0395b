package eventstream

import (
	"errors"
	"io"
)

// Decoder turns a byte stream into a lazy sequence of semantic events, one
// frame read per Next call, giving the caller natural backpressure: the
// next frame is not read from the wire until the previous one has been
// consumed.
type Decoder struct {
	r io.Reader
}

// NewDecoder wraps r, which must yield a well-formed event-stream body.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next reads and decodes the next frame. It returns io.EOF when the
// stream ends cleanly on a frame boundary, or a *DecodeError for any
// other failure.
func (d *Decoder) Next() (SemanticEvent, error) {
	frame, err := ReadFrame(d.r)
	if err != nil {
		if errors.Is(err, ErrEndOfStream) {
			return SemanticEvent{}, io.EOF
		}
		return SemanticEvent{}, err
	}
	return DecodeSemanticEvent(frame), nil
}
