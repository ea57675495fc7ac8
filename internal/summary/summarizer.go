// Package summary compresses older conversation turns into short digests
// and persists the rolling digest per owning identity, with an in-memory
// fallback when the durable store is unavailable.
package summary

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/quietloop/memochat/internal/chat"
)

// Completer produces a one-shot completion from the model backend.
type Completer interface {
	Chat(ctx context.Context, model string, messages []chat.Message) (string, error)
}

// Summarizer compresses a batch of messages into a short digest.
type Summarizer struct {
	client       Completer
	model        string
	previewChars int
}

// NewSummarizer creates a summarizer using the given backend and model.
func NewSummarizer(client Completer, model string, previewChars int) *Summarizer {
	if previewChars <= 0 {
		previewChars = 280
	}
	return &Summarizer{client: client, model: model, previewChars: previewChars}
}

const summarizePrompt = "Summarize the following conversation in 2-3 sentences. " +
	"Focus on the key topics and any facts the user shared about themselves.\n\n"

// Summarize compresses the batch into a digest. It never fails: on any
// backend error it falls back to a locally built digest.
func (s *Summarizer) Summarize(ctx context.Context, messages []chat.Message) string {
	if len(messages) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(summarizePrompt)
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, chat.Truncate(m.Content, s.previewChars))
	}

	digest, err := s.client.Chat(ctx, s.model, []chat.Message{
		{Role: chat.RoleUser, Content: b.String()},
	})
	if err != nil || strings.TrimSpace(digest) == "" {
		if err != nil {
			log.Printf("[summary] digest generation failed, using fallback: %v", err)
		}
		return s.fallbackDigest(messages)
	}
	return strings.TrimSpace(digest)
}

// fallbackDigest concatenates truncated previews of the first few
// messages so a backend outage never hard-fails the turn.
func (s *Summarizer) fallbackDigest(messages []chat.Message) string {
	const maxParts = 3
	parts := make([]string, 0, maxParts)
	for _, m := range messages {
		if len(parts) == maxParts {
			break
		}
		preview := strings.TrimSpace(chat.Truncate(m.Content, s.previewChars))
		if preview == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", m.Role, preview))
	}
	return strings.Join(parts, " | ")
}
