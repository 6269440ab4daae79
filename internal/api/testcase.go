package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MikeSquared-Agency/casesmith/internal/agents"
	"github.com/MikeSquared-Agency/casesmith/internal/processor"
	"github.com/MikeSquared-Agency/casesmith/internal/runtime"
)

type generateRequest struct {
	ConversationID string           `json:"conversation_id"`
	TextContent    string           `json:"text_content"`
	Files          []agents.FileRef `json:"files"`
}

type feedbackRequest struct {
	ConversationID string `json:"conversation_id"`
	Feedback       string `json:"feedback"`
	RoundNumber    int    `json:"round_number"`
}

type maxRoundsResponse struct {
	ConversationID   string `json:"conversation_id"`
	MaxRoundsReached bool   `json:"max_rounds_reached"`
	RoundNumber      int    `json:"round_number"`
	Message          string `json:"message"`
}

type archivedConversation struct {
	ConversationID string                 `json:"conversation_id"`
	FinalResult    json.RawMessage        `json:"final_result,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	History        []runtime.HistoryEntry `json:"history"`
	Archived       bool                   `json:"archived"`
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := checkFiles(req.Files); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	s.startGeneration(w, r, processor.GenerationRequest{
		ConversationID: req.ConversationID,
		Content:        req.TextContent,
		Files:          req.Files,
	})
}

func (s *Server) generateSSE(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.startGeneration(w, r, processor.GenerationRequest{
		ConversationID: q.Get("conversation_id"),
		Content:        q.Get("text_content"),
	})
}

func (s *Server) startGeneration(w http.ResponseWriter, r *http.Request, req processor.GenerationRequest) {
	sess, err := s.pipeline.StartGeneration(r.Context(), req)
	if err != nil {
		s.writePipelineError(w, req.ConversationID, err)
		return
	}
	s.streamEvents(w, r, sess.ConversationID, sess.Events)
}

func (s *Server) feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if strings.TrimSpace(req.Feedback) == "" {
		writeError(w, http.StatusBadRequest, "feedback is required")
		return
	}

	res, err := s.pipeline.SubmitFeedback(r.Context(), req.ConversationID, req.Feedback, req.RoundNumber)
	if err != nil {
		s.writePipelineError(w, req.ConversationID, err)
		return
	}
	if res.MaxRoundsReached {
		writeJSON(w, http.StatusOK, maxRoundsResponse{
			ConversationID:   res.ConversationID,
			MaxRoundsReached: true,
			RoundNumber:      res.Round,
			Message:          "maximum feedback rounds reached",
		})
		return
	}
	s.streamEvents(w, r, res.ConversationID, res.Events)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.pipeline.Conversation(id)
	if err == nil {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	if !errors.Is(err, runtime.ErrConversationNotFound) || s.archive == nil {
		s.writePipelineError(w, id, err)
		return
	}

	conv, err := s.archive.GetConversation(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load archived conversation", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	history, err := s.archive.History(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load conversation history", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	out := archivedConversation{
		ConversationID: conv.ID,
		CompletedAt:    conv.CompletedAt,
		History:        history,
		Archived:       true,
	}
	if conv.FinalResult != "" {
		out.FinalResult = json.RawMessage(conv.FinalResult)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Clear(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writePipelineError(w http.ResponseWriter, conversationID string, err error) {
	switch {
	case errors.Is(err, processor.ErrEmptyRequirement), errors.Is(err, processor.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, runtime.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, runtime.ErrConversationBusy):
		writeError(w, http.StatusConflict, "conversation has a request in flight")
	case errors.Is(err, runtime.ErrNotAwaitingFeedback):
		writeError(w, http.StatusConflict, "conversation is not awaiting feedback")
	default:
		s.logger.Error("request failed", "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// checkFiles enforces the per-file size limit on both the declared size
// and the decoded payload.
func checkFiles(files []agents.FileRef) error {
	for _, f := range files {
		if f.Size > agents.MaxFileSize || base64.StdEncoding.DecodedLen(len(f.Content)) > agents.MaxFileSize+2 {
			return fmt.Errorf("file %q exceeds %d MB", f.Filename, agents.MaxFileSize>>20)
		}
	}
	return nil
}
