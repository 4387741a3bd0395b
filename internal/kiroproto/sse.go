package kiroproto

import (
	"encoding/json"
	"fmt"
	"io"
)

// SSEEvent is one Anthropic server-sent event: an "event:" line naming the
// kind, a "data:" line carrying the JSON payload, and the trailing blank
// line the SSE wire format requires.
type SSEEvent struct {
	Name string
	Data []byte
}

// WriteTo writes the event in wire form. Errors are I/O errors from w.
func (e SSEEvent) WriteTo(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", e.Name); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", e.Data); err != nil {
		return err
	}
	return nil
}

func sseEvent(name string, payload any) SSEEvent {
	data, err := json.Marshal(payload)
	if err != nil {
		// payload is always one of this package's own literal maps; a
		// marshal failure here is a programmer error, not a runtime one.
		panic("kiroproto: failed to marshal sse payload: " + err.Error())
	}
	return SSEEvent{Name: name, Data: data}
}
