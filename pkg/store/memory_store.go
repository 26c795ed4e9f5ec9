package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"voxbooks/pkg/domain"
)

// MemoryStore keeps everything in-process. Used by tests and local runs
// without Postgres.
type MemoryStore struct {
	mu            sync.RWMutex
	books         map[string]domain.Book
	bookOrder     []string
	passages      map[string][]domain.Passage
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:         make(map[string]domain.Book),
		passages:      make(map[string][]domain.Passage),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
	}
}

// SaveBook stores or replaces a book record.
func (m *MemoryStore) SaveBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[b.ID]; !exists {
		m.bookOrder = append(m.bookOrder, b.ID)
	}
	m.books[b.ID] = b
	return nil
}

// GetBook retrieves a book by ID.
func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

// SetBookStatus updates status and optional error message.
func (m *MemoryStore) SetBookStatus(id string, status domain.BookStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[id]
	if !ok {
		return nil
	}
	book.Status = status
	book.ErrorMessage = errMsg
	now := time.Now().UTC()
	book.UpdatedAt = now
	if status == domain.StatusProcessed {
		book.ProcessedAt = &now
	}
	m.books[id] = book
	return nil
}

// ListBooksByAuthor returns books filtered by author in insertion order.
func (m *MemoryStore) ListBooksByAuthor(authorID string) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0)
	for _, id := range m.bookOrder {
		if b, ok := m.books[id]; ok && b.AuthorID == authorID {
			res = append(res, b)
		}
	}
	return res, nil
}

// ReplacePassages swaps the embedding index for a book.
func (m *MemoryStore) ReplacePassages(bookID string, passages []domain.Passage) error {
	copied := make([]domain.Passage, len(passages))
	copy(copied, passages)
	sort.SliceStable(copied, func(i, j int) bool { return copied[i].Position < copied[j].Position })
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passages[bookID] = copied
	return nil
}

// ListPassages returns a book's index in ingestion order.
func (m *MemoryStore) ListPassages(bookID string) ([]domain.Passage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Passage, len(m.passages[bookID]))
	copy(res, m.passages[bookID])
	return res, nil
}

// CreateConversation records a conversation. One conversation per
// (book, reader) pair, matching the unique index in the SQL store.
func (m *MemoryStore) CreateConversation(c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.conversations {
		if existing.BookID == c.BookID && existing.ReaderID == c.ReaderID {
			return fmt.Errorf("conversation exists for book %s and reader %s", c.BookID, c.ReaderID)
		}
	}
	m.conversations[c.ID] = c
	return nil
}

// GetConversation returns one conversation by ID.
func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}

// FindConversation looks up the conversation for a (book, reader) pair.
func (m *MemoryStore) FindConversation(bookID, readerID string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found domain.Conversation
	ok := false
	for _, c := range m.conversations {
		if c.BookID != bookID || c.ReaderID != readerID {
			continue
		}
		if !ok || c.CreatedAt.Before(found.CreatedAt) {
			found = c
			ok = true
		}
	}
	return found, ok, nil
}

// TouchConversation refreshes the last-message timestamp.
func (m *MemoryStore) TouchConversation(id string, lastMessageAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil
	}
	c.UpdatedAt = time.Now().UTC()
	if !lastMessageAt.IsZero() {
		ts := lastMessageAt.UTC()
		c.LastMessageAt = &ts
	}
	m.conversations[id] = c
	return nil
}

// ListConversationsByReader returns latest conversations of a reader.
func (m *MemoryStore) ListConversationsByReader(readerID string, limit int) ([]domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Conversation, 0)
	for _, c := range m.conversations {
		if c.ReaderID == readerID {
			res = append(res, c)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		return lastActivity(res[i]).After(lastActivity(res[j]))
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func lastActivity(c domain.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.UpdatedAt
}

// AppendMessage records a message.
func (m *MemoryStore) AppendMessage(conversationID string, msg domain.Message) error {
	msg.ConversationID = conversationID
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	return nil
}

// ListMessages returns conversation messages in chronological order.
func (m *MemoryStore) ListMessages(conversationID string, limit int) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[conversationID]
	res := make([]domain.Message, len(msgs))
	copy(res, msgs)
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}
