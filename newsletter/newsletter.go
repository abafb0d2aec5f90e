// Package newsletter turns a digest table into one narrative newsletter.
package newsletter

import (
	"context"
	"errors"
	"fmt"

	"github.com/dhcgn/newsletter-digest/digest"
	"github.com/dhcgn/newsletter-digest/llm"
)

const (
	PromptTemplate   = "Generate a newsletter from the following content:\n%s"
	DefaultMaxTokens = 1700
)

var ErrEmptyDigest = errors.New("digest has no rows")

type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

type Composer struct {
	completer Completer
	maxTokens int
}

func New(c Completer) *Composer {
	return &Composer{completer: c, maxTokens: DefaultMaxTokens}
}

// Compose asks for a single newsletter built from the serialized table.
func (c *Composer) Compose(ctx context.Context, table digest.Table) (string, error) {
	if table.Len() == 0 {
		return "", ErrEmptyDigest
	}

	text, err := c.completer.Complete(ctx, llm.Request{
		Prompt:    fmt.Sprintf(PromptTemplate, table.Text()),
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("compose newsletter: %w", err)
	}
	return text, nil
}
