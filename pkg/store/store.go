package store

import (
	"time"

	"voxbooks/pkg/domain"
)

// Store defines persistence for books, their embedding indexes, and
// conversations. Messages are append-only; passages are replaced wholesale on
// reingestion.
type Store interface {
	// books
	SaveBook(domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	SetBookStatus(id string, status domain.BookStatus, errMsg string) error
	ListBooksByAuthor(authorID string) ([]domain.Book, error)

	// embedding index
	ReplacePassages(bookID string, passages []domain.Passage) error
	ListPassages(bookID string) ([]domain.Passage, error)

	// conversations
	CreateConversation(domain.Conversation) error
	GetConversation(id string) (domain.Conversation, bool, error)
	FindConversation(bookID, readerID string) (domain.Conversation, bool, error)
	TouchConversation(id string, lastMessageAt time.Time) error
	ListConversationsByReader(readerID string, limit int) ([]domain.Conversation, error)

	// messages
	AppendMessage(conversationID string, msg domain.Message) error
	ListMessages(conversationID string, limit int) ([]domain.Message, error)
}
