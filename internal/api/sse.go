package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/MikeSquared-Agency/casesmith/internal/stream"
)

// streamEvents writes every client event as an SSE data frame until the
// channel closes. A client that goes away stops the write loop; the
// producer side is bounded by ctx.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, conversationID string, events <-chan stream.ClientEvent) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Conversation-ID", conversationID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for ce := range events {
		data, err := json.Marshal(ce)
		if err != nil {
			s.logger.Error("failed to encode event", "conversation_id", conversationID, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			s.logger.Debug("client disconnected", "conversation_id", conversationID, "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
