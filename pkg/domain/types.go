package domain

import "time"

type BookStatus string

const (
	StatusPending    BookStatus = "pending"
	StatusProcessing BookStatus = "processing"
	StatusProcessed  BookStatus = "processed"
	StatusFailed     BookStatus = "failed"
)

// Book is a marketplace title readers can converse with. The embedding index
// and voice identity are produced at ingestion time; readers never mutate it.
type Book struct {
	ID           string     `json:"id"`
	AuthorID     string     `json:"authorId"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	StorageKey   string     `json:"-"`
	VoiceID      string     `json:"-"`
	Status       BookStatus `json:"status"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Passage is one indexed excerpt of a book's text with its embedding vector.
// Position is the ingestion order; ranking ties preserve it.
type Passage struct {
	ID        string            `json:"id"`
	BookID    string            `json:"bookId"`
	Position  int               `json:"position"`
	Content   string            `json:"content"`
	Embedding []float32         `json:"-"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Conversation is the message history between one reader and one book.
type Conversation struct {
	ID            string     `json:"id"`
	ReaderID      string     `json:"readerId"`
	BookID        string     `json:"bookId"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Message is one side of a chat turn. AudioURL is set only on assistant
// messages whose voice synthesis succeeded.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	IsUser         bool      `json:"isUser"`
	AudioURL       string    `json:"audioUrl,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}
