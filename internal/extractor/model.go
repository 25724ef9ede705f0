package extractor

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xaenox/companion-bot/internal/llm"
	"go.uber.org/zap"
)

// ModelExtractor asks the language model for up to MaxFacts short facts
type ModelExtractor struct {
	client    llm.Client
	maxFacts  int
	maxLen    int
	maxTokens int
	logger    *zap.Logger
}

func NewModelExtractor(client llm.Client, maxFacts, maxLen int, logger *zap.Logger) *ModelExtractor {
	return &ModelExtractor{
		client:    client,
		maxFacts:  maxFacts,
		maxLen:    maxLen,
		maxTokens: 100,
		logger:    logger.Named("model_extractor"),
	}
}

func (e *ModelExtractor) prompt(in Input) string {
	speaker := in.Speaker
	if speaker == "" {
		speaker = "unknown"
	}
	contextPart := ""
	if in.Context != "" {
		contextPart = "Chat context: " + in.Context + "\n"
	}
	return fmt.Sprintf(`Extract important facts about the user from this exchange.
User: %s

Question: %s
Answer: %s
%s
Output ONLY facts about the person (interests, preferences, plans, work, etc.).
Format: one fact per line, short (3-7 words).
If there are no facts, answer exactly %s.
At most %d facts.`, speaker, in.Question, in.Answer, contextPart, llm.NoneSentinel, e.maxFacts)
}

func (e *ModelExtractor) Extract(ctx context.Context, in Input) ([]string, error) {
	if utf8.RuneCountInString(strings.TrimSpace(in.Question)) < 10 {
		return nil, nil
	}

	result, err := llm.Ask(ctx, e.client, e.prompt(in), e.maxTokens)
	if err != nil {
		return nil, fmt.Errorf("error asking model for facts: %w", err)
	}
	facts := ParseFacts(result, in.Speaker, e.maxFacts, e.maxLen)
	e.logger.Debug("Model extracted facts", zap.Int("count", len(facts)))
	return facts, nil
}

// ParseFacts reads one fact per line, drops bullets and the none sentinel
// and keeps lines strictly between 3 and maxLen characters
func ParseFacts(result, speaker string, maxFacts, maxLen int) []string {
	result = strings.TrimSpace(result)
	if llm.IsNone(result) || utf8.RuneCountInString(result) < 5 {
		return nil
	}

	var facts []string
	for _, line := range strings.Split(result, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-•*"))
		n := utf8.RuneCountInString(line)
		if n <= 3 || n >= maxLen || llm.IsNone(line) {
			continue
		}
		if speaker != "" && !strings.HasPrefix(line, speaker) {
			line = speaker + ": " + line
		}
		facts = append(facts, line)
		if len(facts) == maxFacts {
			break
		}
	}
	return facts
}
