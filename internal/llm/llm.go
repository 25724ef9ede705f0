package llm

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// ErrEmptyResponse is returned when the model answers with no text
var ErrEmptyResponse = errors.New("llm: empty response")

// NoneSentinel is the answer the model gives when it has nothing to add
const NoneSentinel = "NONE"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Image struct {
	MIMEType string
	Data     []byte
}

type Message struct {
	Role    Role
	Content string
	Images  []Image
}

type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Client is a language model backend. Stream calls onDelta with every text
// fragment as it arrives and returns the full text.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request, onDelta func(string)) (string, error)
}

// Ask is a one-shot single-message completion
func Ask(ctx context.Context, client Client, prompt string, maxTokens int) (string, error) {
	return client.Complete(ctx, Request{
		Messages:    []Message{{Role: RoleUser, Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: 0.3,
	})
}

// Alternate merges consecutive turns of the same role and makes the history
// start with a user turn, as strict chat endpoints require
func Alternate(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs)+1)
	for _, m := range msgs {
		if len(out) == 0 && m.Role == RoleAssistant {
			out = append(out, Message{Role: RoleUser, Content: "."})
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			prev := &out[n-1]
			prev.Content = strings.TrimSpace(prev.Content + "\n" + m.Content)
			prev.Images = append(append([]Image(nil), prev.Images...), m.Images...)
			continue
		}
		out = append(out, m)
	}
	return out
}

// IsNone reports whether the answer is the "nothing to add" sentinel
func IsNone(answer string) bool {
	trimmed := strings.ToUpper(strings.Trim(strings.TrimSpace(answer), ".!\"'` "))
	if trimmed == "" {
		return true
	}
	return trimmed == NoneSentinel || trimmed == "НЕТ" ||
		strings.HasPrefix(trimmed, NoneSentinel+" ") || strings.HasPrefix(trimmed, "НЕТ ")
}

var (
	citationRe   = regexp.MustCompile(`\[\d+\]`)
	emoticonRe   = regexp.MustCompile(`\s+(\)+|\(+)`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// CleanResponse removes [n] citation markers, glues ")" / "(" smileys to the
// preceding word and collapses whitespace.
func CleanResponse(text string) string {
	if text == "" {
		return text
	}
	text = citationRe.ReplaceAllString(text, "")
	text = emoticonRe.ReplaceAllString(text, "$1")
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
