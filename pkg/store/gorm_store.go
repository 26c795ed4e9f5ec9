package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"voxbooks/pkg/domain"
)

const migrateLockID int64 = 52315231

const defaultEmbeddingDim = 768

type GormStoreOptions struct {
	EmbeddingDim int
}

type GormStoreOption func(*GormStoreOptions)

// WithEmbeddingDim sets the embedding dimension of the passage vector column.
func WithEmbeddingDim(dim int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.EmbeddingDim = dim
	}
}

// GormStore implements Store using GORM + Postgres with pgvector columns.
type GormStore struct {
	db           *gorm.DB
	embeddingDim int
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	embeddingDim := opts.EmbeddingDim
	if embeddingDim <= 0 {
		embeddingDim = defaultEmbeddingDim
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(&BookModel{}, &PassageModel{}, &ConversationModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(fmt.Sprintf(`
			DO $$
			BEGIN
			IF EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_name = 'passage_models' AND column_name = 'embedding'
			) THEN
				ALTER TABLE passage_models ALTER COLUMN embedding TYPE vector(%d);
			END IF;
			END $$;
		`, embeddingDim)).Error; err != nil {
			return fmt.Errorf("alter passage embedding type: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM passage_models p
				WHERE NOT EXISTS (SELECT 1 FROM book_models b WHERE b.id = p.book_id);
				DELETE FROM message_models m
				WHERE NOT EXISTS (SELECT 1 FROM conversation_models c WHERE c.id = m.conversation_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'passage_models'
					AND constraint_name = 'passage_models_book_id_fkey'
				) THEN
					ALTER TABLE passage_models
					ADD CONSTRAINT passage_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_conversation_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_conversation_id_fkey
					FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, embeddingDim: embeddingDim}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveBook stores or updates a book.
func (s *GormStore) SaveBook(b domain.Book) error {
	model := bookToModel(b)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"author_id", "title", "description", "storage_key", "voice_id", "status", "error_message", "processed_at", "updated_at"}),
	}).Create(&model).Error
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// SetBookStatus updates status and optional error message. Reaching
// "processed" also stamps processed_at.
func (s *GormStore) SetBookStatus(id string, status domain.BookStatus, errMsg string) error {
	updates := map[string]any{
		"status":        string(status),
		"error_message": errMsg,
		"updated_at":    time.Now().UTC(),
	}
	if status == domain.StatusProcessed {
		updates["processed_at"] = time.Now().UTC()
	}
	return s.db.Model(&BookModel{}).Where("id = ?", id).Updates(updates).Error
}

// ListBooksByAuthor returns the author's books ordered by creation time.
func (s *GormStore) ListBooksByAuthor(authorID string) ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.Where("author_id = ?", authorID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	books := make([]domain.Book, 0, len(models))
	for _, m := range models {
		books = append(books, bookFromModel(m))
	}
	return books, nil
}

// ReplacePassages swaps the whole embedding index for a book.
func (s *GormStore) ReplacePassages(bookID string, passages []domain.Passage) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&PassageModel{}, "book_id = ?", bookID).Error; err != nil {
			return err
		}
		if len(passages) == 0 {
			return nil
		}
		models := make([]PassageModel, 0, len(passages))
		for _, p := range passages {
			model, err := passageToModel(p)
			if err != nil {
				return err
			}
			model.BookID = bookID
			models = append(models, model)
		}
		return tx.CreateInBatches(&models, 200).Error
	})
}

// ListPassages returns a book's index in ingestion order.
func (s *GormStore) ListPassages(bookID string) ([]domain.Passage, error) {
	var models []PassageModel
	if err := s.db.Where("book_id = ?", bookID).Order("position ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	passages := make([]domain.Passage, 0, len(models))
	for _, m := range models {
		passages = append(passages, passageFromModel(m))
	}
	return passages, nil
}

// CreateConversation creates a conversation record.
func (s *GormStore) CreateConversation(c domain.Conversation) error {
	model := conversationToModel(c)
	return s.db.Create(&model).Error
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// FindConversation looks up the conversation for a (book, reader) pair.
func (s *GormStore) FindConversation(bookID, readerID string) (domain.Conversation, bool, error) {
	var model ConversationModel
	err := s.db.Where("book_id = ? AND reader_id = ?", bookID, readerID).
		Order("created_at ASC").
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// TouchConversation refreshes the last-message timestamp.
func (s *GormStore) TouchConversation(id string, lastMessageAt time.Time) error {
	updates := map[string]any{
		"updated_at": time.Now().UTC(),
	}
	if !lastMessageAt.IsZero() {
		updates["last_message_at"] = lastMessageAt.UTC()
	}
	return s.db.Model(&ConversationModel{}).Where("id = ?", id).Updates(updates).Error
}

// ListConversationsByReader returns latest conversations of a reader.
func (s *GormStore) ListConversationsByReader(readerID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []ConversationModel
	if err := s.db.Where("reader_id = ?", readerID).
		Order("last_message_at DESC NULLS LAST").
		Order("updated_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		items = append(items, conversationFromModel(model))
	}
	return items, nil
}

// AppendMessage records a message.
func (s *GormStore) AppendMessage(conversationID string, msg domain.Message) error {
	model := messageToModel(msg)
	model.ConversationID = conversationID
	return s.db.Create(&model).Error
}

// ListMessages returns conversation messages in chronological order.
func (s *GormStore) ListMessages(conversationID string, limit int) ([]domain.Message, error) {
	query := s.db.Where("conversation_id = ?", conversationID).Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []MessageModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	return msgs, nil
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:           b.ID,
		AuthorID:     b.AuthorID,
		Title:        b.Title,
		Description:  b.Description,
		StorageKey:   b.StorageKey,
		VoiceID:      b.VoiceID,
		Status:       string(b.Status),
		ErrorMessage: b.ErrorMessage,
		ProcessedAt:  b.ProcessedAt,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	status := domain.BookStatus(m.Status)
	if status == "" {
		status = domain.StatusPending
	}
	return domain.Book{
		ID:           m.ID,
		AuthorID:     m.AuthorID,
		Title:        m.Title,
		Description:  m.Description,
		StorageKey:   m.StorageKey,
		VoiceID:      m.VoiceID,
		Status:       status,
		ErrorMessage: m.ErrorMessage,
		ProcessedAt:  m.ProcessedAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func passageToModel(p domain.Passage) (PassageModel, error) {
	model := PassageModel{
		ID:        p.ID,
		BookID:    p.BookID,
		Position:  p.Position,
		Content:   p.Content,
		CreatedAt: p.CreatedAt,
	}
	if len(p.Embedding) > 0 {
		vec := pgvector.NewVector(p.Embedding)
		model.Embedding = &vec
	}
	if len(p.Metadata) > 0 {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return PassageModel{}, fmt.Errorf("marshal passage metadata: %w", err)
		}
		model.Metadata = raw
	}
	return model, nil
}

func passageFromModel(m PassageModel) domain.Passage {
	p := domain.Passage{
		ID:        m.ID,
		BookID:    m.BookID,
		Position:  m.Position,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
	if m.Embedding != nil {
		p.Embedding = m.Embedding.Slice()
	}
	if len(m.Metadata) > 0 {
		meta := map[string]string{}
		if err := json.Unmarshal(m.Metadata, &meta); err == nil {
			p.Metadata = meta
		}
	}
	return p
}

func conversationToModel(c domain.Conversation) ConversationModel {
	return ConversationModel{
		ID:            c.ID,
		ReaderID:      c.ReaderID,
		BookID:        c.BookID,
		LastMessageAt: c.LastMessageAt,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:            m.ID,
		ReaderID:      m.ReaderID,
		BookID:        m.BookID,
		LastMessageAt: m.LastMessageAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func messageToModel(m domain.Message) MessageModel {
	return MessageModel{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		IsUser:         m.IsUser,
		AudioURL:       m.AudioURL,
		CreatedAt:      m.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		IsUser:         m.IsUser,
		AudioURL:       m.AudioURL,
		CreatedAt:      m.CreatedAt,
	}
}
