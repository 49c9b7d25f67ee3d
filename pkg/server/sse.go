package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tribridrag/tribrid/pkg/answer"
)

// serveSSE drains the composer's event channel into SSE framing. The
// channel always closes after a terminal event; a client disconnect
// cancels the request context and the composer stops producing.
func (s *Server) serveSSE(w http.ResponseWriter, events <-chan answer.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming_unsupported",
			"response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for ev := range events {
		var payload any
		switch ev.Type {
		case answer.EventDone:
			payload = ev.Done
		case answer.EventError:
			payload = map[string]string{"message": ev.Text}
		default:
			payload = map[string]string{"text": ev.Text}
		}

		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Warn("Failed to marshal SSE event", "type", ev.Type, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return
		}
		flusher.Flush()
	}
}
