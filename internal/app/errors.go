package app

import "errors"

var (
	// ErrBookNotFound indicates the requested book does not exist.
	ErrBookNotFound = errors.New("book not found")
	// ErrBookNotReady indicates the book's embedding index is not built yet.
	ErrBookNotReady = errors.New("book is still processing")
	// ErrEmbeddingFailed indicates the query could not be embedded; the turn
	// cannot produce a grounded answer and is aborted.
	ErrEmbeddingFailed = errors.New("embedding failed")
	// ErrPersistenceFailed indicates the turn's messages could not be saved.
	ErrPersistenceFailed = errors.New("persistence failed")

	ErrConversationNotFound  = errors.New("conversation not found")
	ErrConversationForbidden = errors.New("conversation forbidden")
)
