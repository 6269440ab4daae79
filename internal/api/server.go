package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/casesmith/internal/processor"
	"github.com/MikeSquared-Agency/casesmith/internal/runtime"
	"github.com/MikeSquared-Agency/casesmith/internal/store"
)

// Pipeline is the part of processor.Processor the HTTP layer drives.
type Pipeline interface {
	StartGeneration(ctx context.Context, req processor.GenerationRequest) (*processor.Session, error)
	SubmitFeedback(ctx context.Context, conversationID, text string, round int) (*processor.FeedbackResult, error)
	Conversation(conversationID string) (runtime.Snapshot, error)
	Clear(conversationID string)

	Chat(ctx context.Context, req processor.ChatRequest) (*processor.Session, error)
	ClearChat(conversationID string)
	Stats() processor.Stats
	Cleanup() int
}

// Archive serves conversations that are no longer held in memory.
type Archive interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	History(ctx context.Context, conversationID string) ([]runtime.HistoryEntry, error)
}

type Server struct {
	router   *chi.Mux
	port     int
	pipeline Pipeline
	archive  Archive
	logger   *slog.Logger
	srv      *http.Server
}

// NewServer builds the HTTP API. archive may be nil; an empty apiToken
// disables bearer auth.
func NewServer(port int, pipeline Pipeline, archive Archive, apiToken string, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		port:     port,
		pipeline: pipeline,
		archive:  archive,
		logger:   logger,
	}

	router.Get("/health", s.health)

	router.Route("/api/v1/testcase", func(r chi.Router) {
		r.Use(BearerAuth(apiToken))
		r.Post("/generate", s.generate)
		r.Get("/generate/sse", s.generateSSE)
		r.Post("/feedback", s.feedback)
		r.Get("/conversations/{id}", s.getConversation)
		r.Delete("/conversations/{id}", s.deleteConversation)
	})

	router.Route("/api/v1/chat", func(r chi.Router) {
		r.Use(BearerAuth(apiToken))
		r.Post("/", s.chat)
		r.Post("/stream", s.chatStream)
		r.Delete("/conversations/{id}", s.deleteChat)
	})

	router.Group(func(r chi.Router) {
		r.Use(BearerAuth(apiToken))
		r.Get("/api/v1/stats", s.stats)
		r.Post("/api/v1/cleanup", s.cleanup)
	})

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server starting", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
