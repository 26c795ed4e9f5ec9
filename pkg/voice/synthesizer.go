package voice

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"voxbooks/pkg/storage"
)

// Synthesizer speaks text in a voice and returns a dereferenceable audio URL.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) (string, error)
}

// Generator is the raw text-to-speech provider. Satisfied by
// ElevenLabsClient.
type Generator interface {
	Generate(ctx context.Context, text, voiceID string) ([]byte, error)
}

// StoredSynthesizer generates audio and persists it to object storage under a
// fresh key per call, so artifacts are never overwritten.
type StoredSynthesizer struct {
	generator Generator
	store     storage.ObjectStore
	keyPrefix string
}

// NewStoredSynthesizer wires a TTS provider to audio storage.
func NewStoredSynthesizer(generator Generator, store storage.ObjectStore) *StoredSynthesizer {
	return &StoredSynthesizer{generator: generator, store: store, keyPrefix: "audio"}
}

// Synthesize returns the public URL of the stored audio artifact.
func (s *StoredSynthesizer) Synthesize(ctx context.Context, text, voiceID string) (string, error) {
	audio, err := s.generator.Generate(ctx, text, voiceID)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("%s/%d_%s.mp3", s.keyPrefix, time.Now().UTC().Unix(), uuid.NewString())
	if err := s.store.Put(ctx, key, bytes.NewReader(audio), int64(len(audio)), "audio/mpeg"); err != nil {
		return "", &SynthesisError{Reason: ReasonProvider, Err: fmt.Errorf("store audio: %w", err)}
	}
	return s.store.PublicURL(key), nil
}
