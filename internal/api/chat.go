package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MikeSquared-Agency/casesmith/internal/processor"
	"github.com/MikeSquared-Agency/casesmith/internal/stream"
)

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	SystemMessage  string `json:"system_message"`
}

type chatResponse struct {
	Message        string    `json:"message"`
	ConversationID string    `json:"conversation_id"`
	Timestamp      time.Time `json:"timestamp"`
}

type cleanupResponse struct {
	Message string          `json:"message"`
	Evicted int             `json:"evicted"`
	Stats   processor.Stats `json:"stats"`
}

func decodeChat(r *http.Request) (processor.ChatRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return processor.ChatRequest{}, false
	}
	return processor.ChatRequest{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		SystemMessage:  req.SystemMessage,
	}, true
}

func (s *Server) chatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChat(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := s.pipeline.Chat(r.Context(), req)
	if err != nil {
		s.writePipelineError(w, req.ConversationID, err)
		return
	}
	s.streamEvents(w, r, sess.ConversationID, sess.Events)
}

// chat waits for the whole reply and returns it in one response.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChat(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := s.pipeline.Chat(r.Context(), req)
	if err != nil {
		s.writePipelineError(w, req.ConversationID, err)
		return
	}

	var final *stream.ClientEvent
	for ce := range sess.Events {
		switch ce.Type {
		case stream.TypeResult, stream.TypeError:
			final = &ce
		}
	}
	if final == nil || final.Type == stream.TypeError {
		msg := "chat ended without a reply"
		if final != nil {
			msg = final.Content
		}
		s.logger.Error("chat failed", "conversation_id", sess.ConversationID, "error", msg)
		writeError(w, http.StatusBadGateway, msg)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Message:        final.Content,
		ConversationID: sess.ConversationID,
		Timestamp:      time.Now().UTC(),
	})
}

func (s *Server) deleteChat(w http.ResponseWriter, r *http.Request) {
	s.pipeline.ClearChat(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Stats())
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	n := s.pipeline.Cleanup()
	writeJSON(w, http.StatusOK, cleanupResponse{
		Message: "cleanup completed",
		Evicted: n,
		Stats:   s.pipeline.Stats(),
	})
}
