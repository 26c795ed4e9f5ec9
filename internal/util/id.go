package util

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
)

var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a random 26-character lowercase identifier. Used for
// conversations, messages, passages, and queue consumers.
func NewID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	id := idEncoding.EncodeToString(b)
	return strings.ToLower(id)
}
