// Package app orchestrates one chat turn: embed the question, rank the
// book's passages, compose a grounded answer, speak it, and persist both
// sides of the exchange.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"voxbooks/internal/compose"
	"voxbooks/internal/rank"
	"voxbooks/internal/util"
	"voxbooks/pkg/ai"
	"voxbooks/pkg/domain"
	"voxbooks/pkg/store"
	"voxbooks/pkg/voice"
)

const (
	defaultTopK             = 3
	defaultEmbedTimeout     = 10 * time.Second
	defaultSynthesisTimeout = 20 * time.Second
)

// Config wires the pipeline's collaborators. All providers are injected so
// tests can substitute fakes.
type Config struct {
	Store       store.Store
	Embedder    ai.Embedder
	Composer    compose.Composer
	Synthesizer voice.Synthesizer

	TopK             int
	EmbedTimeout     time.Duration
	SynthesisTimeout time.Duration
	// DisableCancelSafePersist turns off the best-effort persist of the user
	// message when the caller disconnects between synthesis and persistence.
	DisableCancelSafePersist bool
}

// App runs the conversation pipeline.
type App struct {
	store             store.Store
	embedder          ai.Embedder
	composer          compose.Composer
	synth             voice.Synthesizer
	topK              int
	embedTimeout      time.Duration
	synthTimeout      time.Duration
	cancelSafePersist bool

	convMu    sync.Mutex
	convLocks map[string]*refLock
}

// TurnRequest is one incoming chat turn.
type TurnRequest struct {
	ReaderID       string
	BookID         string
	ConversationID string
	Message        string
}

// TurnResult is the completed turn returned to the caller. AudioURL is empty
// when synthesis was skipped or failed.
type TurnResult struct {
	ConversationID string `json:"conversationId"`
	Response       string `json:"response"`
	AudioURL       string `json:"audioUrl,omitempty"`
}

// New constructs the pipeline.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder required")
	}
	composer := cfg.Composer
	if composer == nil {
		composer = compose.NewTemplateComposer()
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	embedTimeout := cfg.EmbedTimeout
	if embedTimeout <= 0 {
		embedTimeout = defaultEmbedTimeout
	}
	synthTimeout := cfg.SynthesisTimeout
	if synthTimeout <= 0 {
		synthTimeout = defaultSynthesisTimeout
	}
	return &App{
		store:             cfg.Store,
		embedder:          cfg.Embedder,
		composer:          composer,
		synth:             cfg.Synthesizer,
		topK:              topK,
		embedTimeout:      embedTimeout,
		synthTimeout:      synthTimeout,
		cancelSafePersist: !cfg.DisableCancelSafePersist,
		convLocks:         make(map[string]*refLock),
	}, nil
}

// HandleTurn answers one reader question against a processed book.
//
// Turns within the same conversation are serialized so messages keep strict
// user/assistant alternation; turns across conversations run concurrently.
func (a *App) HandleTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	question := strings.TrimSpace(req.Message)
	if question == "" {
		return TurnResult{}, fmt.Errorf("message required")
	}
	if strings.TrimSpace(req.BookID) == "" {
		return TurnResult{}, fmt.Errorf("bookId required")
	}

	book, ok, err := a.store.GetBook(req.BookID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("load book: %w", err)
	}
	if !ok {
		return TurnResult{}, ErrBookNotFound
	}
	if book.Status != domain.StatusProcessed {
		return TurnResult{}, ErrBookNotReady
	}

	conversation, err := a.resolveConversation(req, book)
	if err != nil {
		return TurnResult{}, err
	}

	unlock := a.lockKey(conversation.ID)
	defer unlock()

	logger := util.LoggerFromContext(ctx).With("book_id", book.ID, "conversation_id", conversation.ID)

	embedCtx, cancelEmbed := context.WithTimeout(ctx, a.embedTimeout)
	queryVec, err := a.embedder.EmbedText(embedCtx, question)
	cancelEmbed()
	if err != nil {
		return TurnResult{}, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	passages, err := a.store.ListPassages(book.ID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("load embedding index: %w", err)
	}
	ranked, err := rank.TopK(queryVec, passages, a.topK)
	if err != nil {
		return TurnResult{}, fmt.Errorf("rank passages: %w", err)
	}

	answer, err := a.composer.Compose(ctx, question, passagesOf(ranked))
	if err != nil {
		if errors.Is(err, compose.ErrNoContext) {
			// A processed book without an index is an ingestion bug; readers
			// just see it as not ready yet.
			logger.Error("processed book has empty embedding index")
			return TurnResult{}, ErrBookNotReady
		}
		return TurnResult{}, fmt.Errorf("compose answer: %w", err)
	}

	audioURL := a.synthesizeBestEffort(ctx, logger, answer, book.VoiceID)

	if err := ctx.Err(); err != nil {
		// Caller disconnected after the expensive work. Keep the reader's
		// question so the conversation history is not silently truncated.
		if a.cancelSafePersist {
			if persistErr := a.persistUserMessage(conversation.ID, question); persistErr != nil {
				logger.Warn("cancel-safe persist failed", "err", persistErr)
			}
		}
		if audioURL != "" {
			logger.Warn("synthesized audio orphaned by cancellation", "audio_url", audioURL)
		}
		return TurnResult{}, err
	}

	if err := a.persistTurn(conversation.ID, question, answer, audioURL); err != nil {
		if audioURL != "" {
			logger.Warn("synthesized audio orphaned by persistence failure", "audio_url", audioURL)
		}
		return TurnResult{}, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	return TurnResult{
		ConversationID: conversation.ID,
		Response:       answer,
		AudioURL:       audioURL,
	}, nil
}

// Speak synthesizes arbitrary text in a voice and returns the audio URL.
func (a *App) Speak(ctx context.Context, text, voiceID string) (string, error) {
	if a.synth == nil {
		return "", fmt.Errorf("voice synthesis not configured")
	}
	synthCtx, cancel := context.WithTimeout(ctx, a.synthTimeout)
	defer cancel()
	return a.synth.Synthesize(synthCtx, text, voiceID)
}

// ListConversations lists recent conversations for a reader, optionally
// restricted to one book.
func (a *App) ListConversations(readerID, bookID string, limit int) ([]domain.Conversation, error) {
	if strings.TrimSpace(readerID) == "" {
		return nil, fmt.Errorf("reader id required")
	}
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	conversations, err := a.store.ListConversationsByReader(readerID, limit)
	if err != nil {
		return nil, err
	}
	bookID = strings.TrimSpace(bookID)
	if bookID == "" {
		return conversations, nil
	}
	filtered := conversations[:0]
	for _, c := range conversations {
		if c.BookID == bookID {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

// ListConversationMessages lists a conversation's messages in chronological
// order, restricted to its owning reader.
func (a *App) ListConversationMessages(readerID, conversationID string, limit int) ([]domain.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id required")
	}
	conversation, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return nil, ErrConversationNotFound
	}
	if conversation.ReaderID != readerID {
		return nil, ErrConversationForbidden
	}
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	return a.store.ListMessages(conversationID, limit)
}

// resolveConversation serializes first turns on the (book, reader) pair so
// two concurrent turns without a conversation ID cannot each create one.
func (a *App) resolveConversation(req TurnRequest, book domain.Book) (domain.Conversation, error) {
	if strings.TrimSpace(req.ConversationID) == "" {
		unlock := a.lockKey("pair\x00" + book.ID + "\x00" + req.ReaderID)
		defer unlock()
	}
	return a.ensureConversation(req, book)
}

func (a *App) ensureConversation(req TurnRequest, book domain.Book) (domain.Conversation, error) {
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID != "" {
		conversation, ok, err := a.store.GetConversation(conversationID)
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
		}
		if !ok {
			return domain.Conversation{}, ErrConversationNotFound
		}
		if conversation.ReaderID != req.ReaderID {
			return domain.Conversation{}, ErrConversationForbidden
		}
		if conversation.BookID != book.ID {
			return domain.Conversation{}, fmt.Errorf("conversation book mismatch")
		}
		return conversation, nil
	}

	conversation, ok, err := a.store.FindConversation(book.ID, req.ReaderID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("find conversation: %w", err)
	}
	if ok {
		return conversation, nil
	}

	now := time.Now().UTC()
	conversation = domain.Conversation{
		ID:        util.NewID(),
		ReaderID:  req.ReaderID,
		BookID:    book.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateConversation(conversation); err != nil {
		// Another replica may have won the (book, reader) unique index;
		// reuse its conversation.
		existing, found, findErr := a.store.FindConversation(book.ID, req.ReaderID)
		if findErr == nil && found {
			return existing, nil
		}
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conversation, nil
}

func (a *App) synthesizeBestEffort(ctx context.Context, logger *slog.Logger, answer, voiceID string) string {
	if a.synth == nil || strings.TrimSpace(voiceID) == "" {
		return ""
	}
	synthCtx, cancel := context.WithTimeout(ctx, a.synthTimeout)
	defer cancel()
	audioURL, err := a.synth.Synthesize(synthCtx, answer, voiceID)
	if err != nil {
		var synthErr *voice.SynthesisError
		if errors.As(err, &synthErr) {
			logger.Warn("voice synthesis failed, answering text-only", "reason", string(synthErr.Reason), "err", err)
		} else {
			logger.Warn("voice synthesis failed, answering text-only", "err", err)
		}
		return ""
	}
	return audioURL
}

func (a *App) persistTurn(conversationID, question, answer, audioURL string) error {
	if err := a.persistUserMessage(conversationID, question); err != nil {
		return err
	}
	assistantAt := time.Now().UTC()
	if err := a.store.AppendMessage(conversationID, domain.Message{
		ID:             util.NewID(),
		ConversationID: conversationID,
		Content:        answer,
		IsUser:         false,
		AudioURL:       audioURL,
		CreatedAt:      assistantAt,
	}); err != nil {
		return fmt.Errorf("save assistant message: %w", err)
	}
	if err := a.store.TouchConversation(conversationID, assistantAt); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

func (a *App) persistUserMessage(conversationID, question string) error {
	if err := a.store.AppendMessage(conversationID, domain.Message{
		ID:             util.NewID(),
		ConversationID: conversationID,
		Content:        question,
		IsUser:         true,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("save user message: %w", err)
	}
	return nil
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// lockKey serializes callers on an arbitrary key. Entries are reference
// counted and removed once the last holder releases, so the lock table stays
// bounded by in-flight turns rather than conversations ever served.
func (a *App) lockKey(key string) func() {
	a.convMu.Lock()
	l, ok := a.convLocks[key]
	if !ok {
		l = &refLock{}
		a.convLocks[key] = l
	}
	l.refs++
	a.convMu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		a.convMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.convLocks, key)
		}
		a.convMu.Unlock()
	}
}

func passagesOf(ranked []rank.Scored) []domain.Passage {
	passages := make([]domain.Passage, 0, len(ranked))
	for _, s := range ranked {
		passages = append(passages, s.Passage)
	}
	return passages
}
