package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type BookModel struct {
	ID           string `gorm:"primaryKey"`
	AuthorID     string `gorm:"not null;index"`
	Title        string `gorm:"not null"`
	Description  string
	StorageKey   string
	VoiceID      string
	Status       string `gorm:"not null"`
	ErrorMessage string
	ProcessedAt  *time.Time
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

type PassageModel struct {
	ID        string           `gorm:"primaryKey"`
	BookID    string           `gorm:"not null;index"`
	Position  int              `gorm:"not null"`
	Content   string           `gorm:"type:text;not null"`
	Embedding *pgvector.Vector `gorm:"type:vector(768)"`
	Metadata  datatypes.JSON   `gorm:"type:jsonb"`
	CreatedAt time.Time        `gorm:"not null"`
}

type ConversationModel struct {
	ID            string `gorm:"primaryKey"`
	ReaderID      string `gorm:"not null;uniqueIndex:idx_conversation_reader_book"`
	BookID        string `gorm:"not null;uniqueIndex:idx_conversation_reader_book"`
	LastMessageAt *time.Time
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID             string    `gorm:"primaryKey"`
	ConversationID string    `gorm:"not null;index"`
	Content        string    `gorm:"type:text;not null"`
	IsUser         bool      `gorm:"not null"`
	AudioURL       string
	CreatedAt      time.Time `gorm:"not null;index"`
}
