package utils

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
)

// SendSSEChunk writes one "data:" frame and flushes it.
func SendSSEChunk(w http.ResponseWriter, flusher http.Flusher, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal sse payload")
	}

	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	if _, err := w.Write(frame); err != nil {
		return errors.Wrap(err, "write sse frame")
	}
	flusher.Flush()
	return nil
}

// SendSSEComment writes a comment line, which EventSource clients ignore.
func SendSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		return errors.Wrap(err, "write sse comment")
	}
	flusher.Flush()
	return nil
}

// SetupSSEHeaders prepares w for a Server-Sent Events response.
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
