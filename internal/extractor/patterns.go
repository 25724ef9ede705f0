package extractor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Pattern turns a first-person statement into a third-person fact.
// Template receives the first capture group.
type Pattern struct {
	Matcher  *regexp.Regexp
	Template string
}

const word = `([\p{L}\p{N}-]+)`
const phrase = `(.+?)(?:[.,!?;]|$)`

// DefaultPatterns is checked in order. Negated forms come before the
// positive ones because a match consumes its span of the text.
var DefaultPatterns = []Pattern{
	{regexp.MustCompile(`не люблю\s+` + word), "не любит %s"},
	{regexp.MustCompile(`не ем\s+` + word), "не ест %s"},
	{regexp.MustCompile(`люблю\s+` + word), "любит %s"},
	{regexp.MustCompile(`нравится\s+` + word), "нравится %s"},
	{regexp.MustCompile(`работаю\s+` + phrase), "работает %s"},
	{regexp.MustCompile(`живу\s+` + phrase), "живёт %s"},

	{regexp.MustCompile(`\bi (?:don't|do not) like\s+` + word), "doesn't like %s"},
	{regexp.MustCompile(`\bi (?:don't|do not) eat\s+` + word), "doesn't eat %s"},
	{regexp.MustCompile(`\bi (?:really )?(?:like|love)\s+` + word), "likes %s"},
	{regexp.MustCompile(`\bi work as\s+` + phrase), "works as %s"},
	{regexp.MustCompile(`\bi live in\s+` + phrase), "lives in %s"},
}

// PatternExtractor is the deterministic, offline extractor
type PatternExtractor struct {
	patterns []Pattern
	maxLen   int
}

func NewPatternExtractor(patterns []Pattern, maxLen int) *PatternExtractor {
	if patterns == nil {
		patterns = DefaultPatterns
	}
	return &PatternExtractor{patterns: patterns, maxLen: maxLen}
}

func (e *PatternExtractor) Extract(ctx context.Context, in Input) ([]string, error) {
	text := strings.ToLower(in.Question)
	var facts []string

	for _, p := range e.patterns {
		loc := p.Matcher.FindStringSubmatchIndex(text)
		if loc == nil || len(loc) < 4 || loc[2] < 0 {
			continue
		}
		value := strings.TrimSpace(text[loc[2]:loc[3]])
		if value == "" {
			continue
		}

		fact := fmt.Sprintf(p.Template, value)
		if in.Speaker != "" {
			fact = in.Speaker + " " + fact
		}
		if e.maxLen > 0 && utf8.RuneCountInString(fact) > e.maxLen {
			continue
		}
		facts = append(facts, fact)

		// consume the match so "не люблю" is not also read as "люблю"
		text = text[:loc[0]] + strings.Repeat(" ", loc[1]-loc[0]) + text[loc[1]:]
	}
	return facts, nil
}
