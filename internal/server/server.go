// Package server exposes the chat API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"voxbooks/internal/app"
	"voxbooks/internal/ratelimit"
	"voxbooks/internal/usertoken"
	"voxbooks/internal/util"
	"voxbooks/pkg/voice"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *usertoken.Verifier
	Limiter       *ratelimit.FixedWindowLimiter
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	app           *app.App
	tokenVerifier *usertoken.Verifier
	limiter       *ratelimit.FixedWindowLimiter
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		limiter:       cfg.Limiter,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("chat", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/chats", s.withReader(s.handleChats))
	s.mux.Handle("/voice", s.withReader(s.handleVoice))
	s.mux.Handle("/conversations", s.withReader(s.handleConversations))
	s.mux.Handle("/conversations/{id}/messages", s.withReader(s.handleConversationMessages))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readerHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withReader(next readerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		readerID, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, readerID)
	})
}

type chatRequest struct {
	Message        string `json:"message"`
	BookID         string `json:"bookId"`
	ConversationID string `json:"conversationId"`
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request, readerID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.limiter != nil && !s.limiter.Allow(readerID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if strings.TrimSpace(req.BookID) == "" {
		writeError(w, http.StatusBadRequest, "bookId is required")
		return
	}

	result, err := s.app.HandleTurn(r.Context(), app.TurnRequest{
		ReaderID:       readerID,
		BookID:         req.BookID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
	})
	if err != nil {
		s.writeTurnError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeTurnError(w http.ResponseWriter, r *http.Request, err error) {
	logger := util.LoggerFromContext(r.Context())
	switch {
	case errors.Is(err, app.ErrBookNotFound):
		writeError(w, http.StatusNotFound, "book not found")
	case errors.Is(err, app.ErrBookNotReady):
		writeError(w, http.StatusConflict, "book is still processing")
	case errors.Is(err, app.ErrEmbeddingFailed):
		logger.Error("embedding failed", "err", err)
		writeError(w, http.StatusBadGateway, "could not process your question, please try again")
	case errors.Is(err, app.ErrPersistenceFailed):
		logger.Error("turn persistence failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "could not save your conversation, please try again")
	case errors.Is(err, app.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, app.ErrConversationForbidden):
		writeError(w, http.StatusForbidden, "conversation forbidden")
	case errors.Is(err, context.Canceled):
		// Caller is gone; nothing useful to write.
	default:
		logger.Error("chat turn failed", "err", err)
		writeError(w, http.StatusInternalServerError, "something went wrong")
	}
}

type voiceRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId"`
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request, readerID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.limiter != nil && !s.limiter.Allow(readerID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req voiceRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if strings.TrimSpace(req.VoiceID) == "" {
		writeError(w, http.StatusBadRequest, "voiceId is required")
		return
	}

	audioURL, err := s.app.Speak(r.Context(), req.Text, req.VoiceID)
	if err != nil {
		var synthErr *voice.SynthesisError
		if errors.As(err, &synthErr) {
			switch synthErr.Reason {
			case voice.ReasonVoiceNotFound:
				writeError(w, http.StatusNotFound, "voice not found")
			case voice.ReasonQuotaExceeded:
				writeError(w, http.StatusTooManyRequests, "voice quota exceeded")
			default:
				writeError(w, http.StatusBadGateway, "voice synthesis failed")
			}
			return
		}
		writeError(w, http.StatusBadGateway, "voice synthesis failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"audioUrl": audioURL})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, readerID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.app.ListConversations(readerID, r.URL.Query().Get("bookId"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "something went wrong")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": items})
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request, readerID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.app.ListConversationMessages(readerID, r.PathValue("id"), limit)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrConversationNotFound):
			writeError(w, http.StatusNotFound, "conversation not found")
		case errors.Is(err, app.ErrConversationForbidden):
			writeError(w, http.StatusForbidden, "conversation forbidden")
		default:
			writeError(w, http.StatusInternalServerError, "something went wrong")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": items})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
