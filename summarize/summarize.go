// Package summarize reduces the chunks of one message to a bullet list.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dhcgn/newsletter-digest/llm"
)

const (
	PromptTemplate = "Summarize the content of this string using bullet points: %s"
	Separator      = "\n- "

	DefaultTemperature = 1.0
	DefaultMaxTokens   = 1000
)

// ErrEmptyBody is returned for a message without any chunk to summarize.
var ErrEmptyBody = errors.New("message body is empty")

// ErrEmptySummary is returned when every chunk came back without text.
var ErrEmptySummary = errors.New("summary is empty")

// Completer produces one completion per request.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

type Summarizer struct {
	completer   Completer
	temperature float64
	maxTokens   int
}

func New(c Completer) *Summarizer {
	return &Summarizer{
		completer:   c,
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
	}
}

// Summarize requests one summary per chunk, in order, and joins them with
// Separator. The first failing chunk fails the whole message.
func (s *Summarizer) Summarize(ctx context.Context, chunks []string) (string, error) {
	if len(chunks) == 0 {
		return "", ErrEmptyBody
	}

	parts := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		text, err := s.completer.Complete(ctx, llm.Request{
			Prompt:      fmt.Sprintf(PromptTemplate, chunk),
			Temperature: llm.Float(s.temperature),
			MaxTokens:   s.maxTokens,
		})
		if err != nil {
			return "", fmt.Errorf("summarize chunk %d/%d: %w", i+1, len(chunks), err)
		}
		parts = append(parts, text)
	}

	for _, part := range parts {
		if strings.TrimSpace(part) != "" {
			return strings.Join(parts, Separator), nil
		}
	}
	return "", ErrEmptySummary
}
