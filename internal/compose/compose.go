// Package compose turns a reader question plus ranked passages into a
// grounded answer.
package compose

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"voxbooks/pkg/domain"
)

// ErrNoContext indicates composition was attempted without any retrieved
// passages, which only happens when a book's index is missing or empty.
var ErrNoContext = errors.New("no grounding context available")

// Composer produces an answer traceable to the supplied passages. It must
// fail with ErrNoContext rather than invent an answer when passages is empty.
type Composer interface {
	Compose(ctx context.Context, question string, passages []domain.Passage) (string, error)
}

// TemplateComposer is the deterministic default strategy: it quotes the
// retrieved passages verbatim ahead of the question, so the answer is always
// traceable to its grounding context.
type TemplateComposer struct{}

// NewTemplateComposer returns the default composer.
func NewTemplateComposer() *TemplateComposer {
	return &TemplateComposer{}
}

// Compose concatenates the ranked passages and the question into an answer.
func (c *TemplateComposer) Compose(_ context.Context, question string, passages []domain.Passage) (string, error) {
	if len(passages) == 0 {
		return "", ErrNoContext
	}
	var sb strings.Builder
	sb.WriteString("Based on the book's content: ")
	for i, p := range passages {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Content)
	}
	sb.WriteString("\n\nIn response to your question: ")
	sb.WriteString(question)
	return sb.String(), nil
}

// Generator produces text from a system and user prompt. Satisfied by
// ai.GeminiClient bound to a model.
type Generator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// GroundedComposer asks a generation model to answer from the retrieved
// passages only. It carries the same empty-context contract as the template
// strategy.
type GroundedComposer struct {
	generator Generator
	bookTitle string
}

// NewGroundedComposer wraps a generator. bookTitle is optional; when set it
// is included in the prompt.
func NewGroundedComposer(generator Generator, bookTitle string) *GroundedComposer {
	return &GroundedComposer{generator: generator, bookTitle: bookTitle}
}

// Compose builds a numbered-context prompt and delegates to the generator.
func (c *GroundedComposer) Compose(ctx context.Context, question string, passages []domain.Passage) (string, error) {
	if len(passages) == 0 {
		return "", ErrNoContext
	}
	var sb strings.Builder
	for i, p := range passages {
		fmt.Fprintf(&sb, "[%d] %s\n\n", i+1, p.Content)
	}
	var header string
	if c.bookTitle != "" {
		header = fmt.Sprintf("Book: %s\n", c.bookTitle)
	}
	userPrompt := fmt.Sprintf("%sQuestion: %s\n\nExcerpts:\n%s\nAnswer the question using only the excerpts above. Say so if they are insufficient.", header, question, sb.String())
	systemPrompt := "You are the author of this book answering a reader. Ground every statement in the provided excerpts and cite them by number."
	answer, err := c.generator.GenerateText(ctx, systemPrompt, userPrompt)
	if err != nil {
		return "", fmt.Errorf("generate answer: %w", err)
	}
	return answer, nil
}
