package compose

import (
	"context"
	"errors"
	"strings"
	"testing"

	"voxbooks/pkg/domain"
)

func TestTemplateComposerEmptyContext(t *testing.T) {
	c := NewTemplateComposer()
	_, err := c.Compose(context.Background(), "what happens in chapter 3?", nil)
	if !errors.Is(err, ErrNoContext) {
		t.Fatalf("expected ErrNoContext, got %v", err)
	}
}

func TestTemplateComposerAnswerContainsContext(t *testing.T) {
	c := NewTemplateComposer()
	passages := []domain.Passage{
		{ID: "p1", Content: "The lighthouse keeper kept a second logbook."},
		{ID: "p2", Content: "Every entry was written in mirror script."},
	}

	answer, err := c.Compose(context.Background(), "what did the keeper hide?", passages)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	for _, p := range passages {
		if !strings.Contains(answer, p.Content) {
			t.Fatalf("answer missing passage %q:\n%s", p.ID, answer)
		}
	}
	if !strings.Contains(answer, "what did the keeper hide?") {
		t.Fatalf("answer missing the question:\n%s", answer)
	}
}

type fakeGenerator struct {
	gotUser   string
	gotSystem string
	response  string
	err       error
}

func (f *fakeGenerator) GenerateText(_ context.Context, systemPrompt, userPrompt string) (string, error) {
	f.gotSystem = systemPrompt
	f.gotUser = userPrompt
	return f.response, f.err
}

func TestGroundedComposerPromptsWithExcerpts(t *testing.T) {
	gen := &fakeGenerator{response: "The keeper hid a logbook [1]."}
	c := NewGroundedComposer(gen, "The Glass Coast")

	answer, err := c.Compose(context.Background(), "what did the keeper hide?", []domain.Passage{
		{ID: "p1", Content: "The lighthouse keeper kept a second logbook."},
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if answer != gen.response {
		t.Fatalf("answer = %q, want generator response", answer)
	}
	if !strings.Contains(gen.gotUser, "[1] The lighthouse keeper kept a second logbook.") {
		t.Fatalf("prompt missing numbered excerpt:\n%s", gen.gotUser)
	}
	if !strings.Contains(gen.gotUser, "The Glass Coast") {
		t.Fatalf("prompt missing book title:\n%s", gen.gotUser)
	}
}

func TestGroundedComposerEmptyContext(t *testing.T) {
	c := NewGroundedComposer(&fakeGenerator{}, "The Glass Coast")
	_, err := c.Compose(context.Background(), "anything?", []domain.Passage{})
	if !errors.Is(err, ErrNoContext) {
		t.Fatalf("expected ErrNoContext, got %v", err)
	}
}

func TestGroundedComposerGeneratorError(t *testing.T) {
	c := NewGroundedComposer(&fakeGenerator{err: errors.New("provider down")}, "The Glass Coast")
	_, err := c.Compose(context.Background(), "anything?", []domain.Passage{{Content: "x"}})
	if err == nil || errors.Is(err, ErrNoContext) {
		t.Fatalf("expected wrapped generator error, got %v", err)
	}
}
