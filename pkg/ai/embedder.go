package ai

import "context"

// Embedder produces a fixed-dimension embedding for text.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder optionally embeds multiple texts per call. Ingestion prefers
// it when the provider supports batching.
type BatchEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// OllamaEmbedder binds an Ollama client to a fixed model and dimension so
// callers cannot accidentally mix embedding spaces.
type OllamaEmbedder struct {
	client     *OllamaClient
	model      string
	dimensions int
}

// NewOllamaEmbedder builds an Ollama-backed embedder.
func NewOllamaEmbedder(client *OllamaClient, model string, dimensions int) *OllamaEmbedder {
	return &OllamaEmbedder{client: client, model: model, dimensions: dimensions}
}

// EmbedText embeds a single text.
func (e *OllamaEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return e.client.Embed(ctx, e.model, text, e.dimensions)
}

// EmbedTexts embeds a batch of texts.
func (e *OllamaEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return e.client.EmbedBatch(ctx, e.model, texts, e.dimensions)
}
