package app

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"voxbooks/internal/compose"
	"voxbooks/internal/rank"
	"voxbooks/pkg/domain"
	"voxbooks/pkg/store"
	"voxbooks/pkg/voice"
)

type fakeEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.vector, nil
}

type fakeSynthesizer struct {
	url   string
	err   error
	calls int
}

func (f *fakeSynthesizer) Synthesize(context.Context, string, string) (string, error) {
	f.calls++
	return f.url, f.err
}

func seededStore(t *testing.T, status domain.BookStatus) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	now := time.Now().UTC()
	if err := s.SaveBook(domain.Book{
		ID:        "b1",
		AuthorID:  "author-1",
		Title:     "The Glass Coast",
		VoiceID:   "voice-1",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed book: %v", err)
	}
	// Cosine similarities to query (1,0): 0.9, 0.95, 0.2.
	if err := s.ReplacePassages("b1", []domain.Passage{
		{ID: "p1", BookID: "b1", Position: 0, Content: "the storm chapter", Embedding: unit(0.9)},
		{ID: "p2", BookID: "b1", Position: 1, Content: "the lighthouse chapter", Embedding: unit(0.95)},
		{ID: "p3", BookID: "b1", Position: 2, Content: "the harbor chapter", Embedding: unit(0.2)},
	}); err != nil {
		t.Fatalf("seed passages: %v", err)
	}
	return s
}

func unit(x float64) []float32 {
	return []float32{float32(x), float32(math.Sqrt(math.Max(0, 1-x*x)))}
}

func newTestApp(t *testing.T, s store.Store, embedder *fakeEmbedder, synth voice.Synthesizer) *App {
	t.Helper()
	a, err := New(Config{
		Store:       s,
		Embedder:    embedder,
		Synthesizer: synth,
		TopK:        2,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

func TestHandleTurnFullSuccess(t *testing.T) {
	s := seededStore(t, domain.StatusProcessed)
	embedder := &fakeEmbedder{vector: []float32{1, 0}}
	synth := &fakeSynthesizer{url: "https://cdn.example.com/audio/1.mp3"}
	a := newTestApp(t, s, embedder, synth)

	result, err := a.HandleTurn(context.Background(), TurnRequest{
		ReaderID: "r1",
		BookID:   "b1",
		Message:  "what happens at the lighthouse?",
	})
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if !strings.Contains(result.Response, "the lighthouse chapter") {
		t.Fatalf("answer not derived from top passage:\n%s", result.Response)
	}
	// Top-2 of similarities [0.9, 0.95, 0.2] is p2 then p1; p3 must not leak in.
	if !strings.Contains(result.Response, "the storm chapter") || strings.Contains(result.Response, "the harbor chapter") {
		t.Fatalf("wrong grounding context:\n%s", result.Response)
	}
	if result.AudioURL == "" {
		t.Fatalf("expected audio url on successful synthesis")
	}

	msgs, err := s.ListMessages(result.ConversationID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(msgs))
	}
	if !msgs[0].IsUser || msgs[1].IsUser {
		t.Fatalf("messages not in user/assistant order: %+v", msgs)
	}
	if msgs[1].AudioURL != result.AudioURL {
		t.Fatalf("assistant message missing audio reference")
	}
	if !msgs[0].CreatedAt.Before(msgs[1].CreatedAt) && !msgs[0].CreatedAt.Equal(msgs[1].CreatedAt) {
		t.Fatalf("message timestamps not monotonic")
	}
}

func TestHandleTurnBookNotFound(t *testing.T) {
	s := seededStore(t, domain.StatusProcessed)
	embedder := &fakeEmbedder{vector: []float32{1, 0}}
	a := newTestApp(t, s, embedder, &fakeSynthesizer{})

	_, err := a.HandleTurn(context.Background(), TurnRequest{ReaderID: "r1", BookID: "missing", Message: "hi"})
	if !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("expected ErrBookNotFound, got %v", err)
	}
	if embedder.calls != 0 {
		t.Fatalf("embedder called for missing book")
	}
	if _, ok, _ := s.FindConversation("missing", "r1"); ok {
		t.Fatalf("conversation created for missing book")
	}
}

func TestHandleTurnBookNotReady(t *testing.T) {
	for _, status := range []domain.BookStatus{domain.StatusPending, domain.StatusProcessing, domain.StatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			s := seededStore(t, status)
			a := newTestApp(t, s, &fakeEmbedder{vector: []float32{1, 0}}, &fakeSynthesizer{})

			_, err := a.HandleTurn(context.Background(), TurnRequest{ReaderID: "r1", BookID: "b1", Message: "hi"})
			if !errors.Is(err, ErrBookNotReady) {
				t.Fatalf("expected ErrBookNotReady, got %v", err)
			}
			conv, ok, _ := s.FindConversation("b1", "r1")
			if ok {
				if msgs, _ := s.ListMessages(conv.ID, 0); len(msgs) != 0 {
					t.Fatalf("messages persisted for unready book: %d", len(msgs))
				}
			}
		})
	}
}

func TestHandleTurnEmbeddingFailureIsFatal(t *testing.T) {
	s := seededStore(t, domain.StatusProcessed)
	synth := &fakeSynthesizer{url: "https://cdn.example.com/a.mp3"}
	a := newTestApp(t, s, &fakeEmbedder{err: errors.New("provider down")}, synth)

	_, err := a.HandleTurn(context.Background(), TurnRequest{ReaderID: "r1", BookID: "b1", Message: "hi"})
	if !errors.Is(err, ErrEmbeddingFailed) {
		t.Fatalf("expected ErrEmbeddingFailed, got %v", err)
	}
	if synth.calls != 0 {
		t.Fatalf("synthesis attempted after embedding failure")
	}
	conv, _, _ := s.FindConversation("b1", "r1")
	if msgs, _ := s.ListMessages(conv.ID, 0); len(msgs) != 0 {
		t.Fatalf("messages persisted after embedding failure: %d", len(msgs))
	}
}

func TestHandleTurnSynthesisFailureDegradesToTextOnly(t *testing.T) {
	s := seededStore(t, domain.StatusProcessed)
	synthErr := &voice.SynthesisError{Reason: voice.ReasonTimeout, Err: errors.New("deadline exceeded")}
	a := newTestApp(t, s, &fakeEmbedder{vector: []float32{1, 0}}, &fakeSynthesizer{err: synthErr})

	result, err := a.HandleTurn(context.Background(), TurnRequest{ReaderID: "r1", BookID: "b1", Message: "hi"})
	if err != nil {
		t.Fatalf("turn should survive synthesis failure: %v", err)
	}
	if result.AudioURL != "" {
		t.Fatalf("audio url set despite synthesis failure")
	}
	if result.Response == "" {
		t.Fatalf("empty answer text")
	}

	msgs, _ := s.ListMessages(result.ConversationID, 0)
	if len(msgs) != 2 {
		t.Fatalf("expected both messages persisted, got %d", len(msgs))
	}
	if msgs[1].AudioURL != "" {
		t.Fatalf("assistant message carries audio despite failure")
	}
}

func TestHandleTurnDimensionMismatch(t *testing.T) {
	s := seededStore(t, domain.StatusProcessed)
	a := newTestApp(t, s, &fakeEmbedder{vector: []float32{1, 0, 0}}, &fakeSynthesizer{})

	_, err := a.HandleTurn(context.Background(), TurnRequest{ReaderID: "r1", BookID: "b1", Message: "hi"})
	var dimErr *rank.DimensionError
	if !errors.As(err, &dimErr) {
		t.Fatalf("expected DimensionError, got %v", err)
	}
}

func TestHandleTurnEmptyIndexReportsNotReady(t *testing.T) {
	s := seededStore(t, domain.StatusProcessed)
	if err := s.ReplacePassages("b1", nil); err != nil {
		t.Fatalf("clear passages: %v", err)
	}
	a := newTestApp(t, s, &fakeEmbedder{vector: []float32{1, 0}}, &fakeSynthesizer{})

	_, err := a.HandleTurn(context.Background(), TurnRequest{ReaderID: "r1", BookID: "b1", Message: "hi"})
	if !errors.Is(err, ErrBookNotReady) {
		t.Fatalf("expected ErrBookNotReady for empty index, got %v", err)
	}
}

func TestHandleTurnPersistenceFailure(t *testing.T) {
	s := seededStore(t, domain.StatusProcessed)
	failing := &failingStore{Store: s, failAfter: 1}
	a := newTestApp(t, failing, &fakeEmbedder{vector: []float32{1, 0}}, &fakeSynthesizer{url: "https://cdn.example.com/a.mp3"})

	_, err := a.HandleTurn(context.Background(), TurnRequest{ReaderID: "r1", BookID: "b1", Message: "hi"})
	if !errors.Is(err, ErrPersistenceFailed) {
		t.Fatalf("expected ErrPersistenceFailed, got %v", err)
	}
}

func TestHandleTurnReusesConversationPerReaderAndBook(t *testing.T) {
	s := seededStore(t, domain.StatusProcessed)
	a := newTestApp(t, s, &fakeEmbedder{vector: []float32{1, 0}}, &fakeSynthesizer{})

	first, err := a.HandleTurn(context.Background(), TurnRequest{ReaderID: "r1", BookID: "b1", Message: "one"})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	second, err := a.HandleTurn(context.Background(), TurnRequest{ReaderID: "r1", BookID: "b1", Message: "two"})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if first.ConversationID != second.ConversationID {
		t.Fatalf("conversation not reused: %s vs %s", first.ConversationID, second.ConversationID)
	}

	msgs, _ := s.ListMessages(first.ConversationID, 0)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages after two turns, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.IsUser != (i%2 == 0) {
			t.Fatalf("message %d breaks user/assistant alternation", i)
		}
	}
}

func TestHandleTurnForeignConversationRejected(t *testing.T) {
	s := seededStore(t, domain.StatusProcessed)
	a := newTestApp(t, s, &fakeEmbedder{vector: []float32{1, 0}}, &fakeSynthesizer{})

	result, err := a.HandleTurn(context.Background(), TurnRequest{ReaderID: "r1", BookID: "b1", Message: "one"})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}

	_, err = a.HandleTurn(context.Background(), TurnRequest{
		ReaderID:       "intruder",
		BookID:         "b1",
		ConversationID: result.ConversationID,
		Message:        "two",
	})
	if !errors.Is(err, ErrConversationForbidden) {
		t.Fatalf("expected ErrConversationForbidden, got %v", err)
	}
}

func TestHandleTurnCancelledBeforePersistKeepsUserMessage(t *testing.T) {
	s := seededStore(t, domain.StatusProcessed)
	ctx, cancel := context.WithCancel(context.Background())
	synth := &cancellingSynthesizer{cancel: cancel}
	a := newTestApp(t, s, &fakeEmbedder{vector: []float32{1, 0}}, synth)

	_, err := a.HandleTurn(ctx, TurnRequest{ReaderID: "r1", BookID: "b1", Message: "kept question"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	conv, ok, _ := s.FindConversation("b1", "r1")
	if !ok {
		t.Fatalf("conversation missing")
	}
	msgs, _ := s.ListMessages(conv.ID, 0)
	if len(msgs) != 1 || !msgs[0].IsUser || msgs[0].Content != "kept question" {
		t.Fatalf("expected only the user message persisted, got %+v", msgs)
	}
}

func TestHandleTurnConcurrentTurnsSameConversationAlternate(t *testing.T) {
	s := seededStore(t, domain.StatusProcessed)
	a := newTestApp(t, s, &fakeEmbedder{vector: []float32{1, 0}}, &fakeSynthesizer{})

	// Resolve the conversation once so all goroutines share it.
	first, err := a.HandleTurn(context.Background(), TurnRequest{ReaderID: "r1", BookID: "b1", Message: "warmup"})
	if err != nil {
		t.Fatalf("warmup turn: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.HandleTurn(context.Background(), TurnRequest{
				ReaderID:       "r1",
				BookID:         "b1",
				ConversationID: first.ConversationID,
				Message:        "concurrent question",
			})
			if err != nil {
				t.Errorf("concurrent turn: %v", err)
			}
		}()
	}
	wg.Wait()

	msgs, _ := s.ListMessages(first.ConversationID, 0)
	if len(msgs) != 18 {
		t.Fatalf("expected 18 messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.IsUser != (i%2 == 0) {
			t.Fatalf("message %d breaks alternation under concurrency", i)
		}
	}
}

// racingFindStore widens the window between the first-turn lookup miss and
// the create, so unserialized resolution would create duplicates.
type racingFindStore struct {
	store.Store
	mu      sync.Mutex
	creates int
}

func (r *racingFindStore) FindConversation(bookID, readerID string) (domain.Conversation, bool, error) {
	conv, ok, err := r.Store.FindConversation(bookID, readerID)
	time.Sleep(20 * time.Millisecond)
	return conv, ok, err
}

func (r *racingFindStore) CreateConversation(c domain.Conversation) error {
	r.mu.Lock()
	r.creates++
	r.mu.Unlock()
	return r.Store.CreateConversation(c)
}

func TestHandleTurnConcurrentFirstTurnsShareConversation(t *testing.T) {
	racing := &racingFindStore{Store: seededStore(t, domain.StatusProcessed)}
	a := newTestApp(t, racing, &fakeEmbedder{vector: []float32{1, 0}}, &fakeSynthesizer{})

	results := make([]TurnResult, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := a.HandleTurn(context.Background(), TurnRequest{
				ReaderID: "r1",
				BookID:   "b1",
				Message:  "first question",
			})
			if err != nil {
				t.Errorf("first turn: %v", err)
				return
			}
			results[i] = result
		}(i)
	}
	wg.Wait()

	if results[0].ConversationID == "" || results[0].ConversationID != results[1].ConversationID {
		t.Fatalf("first turns split across conversations: %q vs %q", results[0].ConversationID, results[1].ConversationID)
	}
	if racing.creates != 1 {
		t.Fatalf("CreateConversation called %d times, want 1", racing.creates)
	}
	conversations, err := racing.ListConversationsByReader("r1", 10)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(conversations) != 1 {
		t.Fatalf("got %d conversations for one (book, reader) pair", len(conversations))
	}
	msgs, _ := racing.ListMessages(results[0].ConversationID, 0)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages in the shared conversation, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.IsUser != (i%2 == 0) {
			t.Fatalf("message %d breaks alternation", i)
		}
	}
}

func TestHandleTurnCreateConflictReusesWinner(t *testing.T) {
	s := seededStore(t, domain.StatusProcessed)
	if err := s.CreateConversation(domain.Conversation{ID: "winner", ReaderID: "r1", BookID: "b1"}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	// A store whose lookup misses once simulates another replica winning the
	// unique index between our miss and our insert.
	hiding := &hideOnceStore{Store: s}
	a := newTestApp(t, hiding, &fakeEmbedder{vector: []float32{1, 0}}, &fakeSynthesizer{})

	result, err := a.HandleTurn(context.Background(), TurnRequest{ReaderID: "r1", BookID: "b1", Message: "hello"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if result.ConversationID != "winner" {
		t.Fatalf("conversation = %q, want the existing one", result.ConversationID)
	}
}

type hideOnceStore struct {
	store.Store
	mu      sync.Mutex
	lookups int
}

func (h *hideOnceStore) FindConversation(bookID, readerID string) (domain.Conversation, bool, error) {
	h.mu.Lock()
	h.lookups++
	first := h.lookups == 1
	h.mu.Unlock()
	if first {
		return domain.Conversation{}, false, nil
	}
	return h.Store.FindConversation(bookID, readerID)
}

func TestLockTableDrainsAfterTurns(t *testing.T) {
	s := seededStore(t, domain.StatusProcessed)
	a := newTestApp(t, s, &fakeEmbedder{vector: []float32{1, 0}}, &fakeSynthesizer{})

	for i := 0; i < 3; i++ {
		if _, err := a.HandleTurn(context.Background(), TurnRequest{ReaderID: "r1", BookID: "b1", Message: "question"}); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}

	a.convMu.Lock()
	remaining := len(a.convLocks)
	a.convMu.Unlock()
	if remaining != 0 {
		t.Fatalf("%d lock entries left after all turns completed", remaining)
	}
}

func TestSpeakUsesSynthesizer(t *testing.T) {
	s := seededStore(t, domain.StatusProcessed)
	synth := &fakeSynthesizer{url: "https://cdn.example.com/spoken.mp3"}
	a := newTestApp(t, s, &fakeEmbedder{vector: []float32{1, 0}}, synth)

	url, err := a.Speak(context.Background(), "hello", "voice-1")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if url != synth.url {
		t.Fatalf("url = %q, want %q", url, synth.url)
	}
}

func TestComposerFailurePropagates(t *testing.T) {
	s := seededStore(t, domain.StatusProcessed)
	a, err := New(Config{
		Store:    s,
		Embedder: &fakeEmbedder{vector: []float32{1, 0}},
		Composer: composerFunc(func(context.Context, string, []domain.Passage) (string, error) {
			return "", errors.New("generator down")
		}),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	_, err = a.HandleTurn(context.Background(), TurnRequest{ReaderID: "r1", BookID: "b1", Message: "hi"})
	if err == nil || errors.Is(err, compose.ErrNoContext) {
		t.Fatalf("expected composer error, got %v", err)
	}
}

type composerFunc func(context.Context, string, []domain.Passage) (string, error)

func (f composerFunc) Compose(ctx context.Context, question string, passages []domain.Passage) (string, error) {
	return f(ctx, question, passages)
}

// cancellingSynthesizer cancels the turn's context while "synthesizing",
// simulating a caller that disconnects after step 5.
type cancellingSynthesizer struct {
	cancel context.CancelFunc
}

func (c *cancellingSynthesizer) Synthesize(context.Context, string, string) (string, error) {
	c.cancel()
	return "", &voice.SynthesisError{Reason: voice.ReasonTimeout, Err: context.Canceled}
}

// failingStore fails message appends after the first N succeed.
type failingStore struct {
	store.Store
	mu        sync.Mutex
	appended  int
	failAfter int
}

func (f *failingStore) AppendMessage(conversationID string, msg domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appended >= f.failAfter {
		return errors.New("db unavailable")
	}
	f.appended++
	return f.Store.AppendMessage(conversationID, msg)
}
