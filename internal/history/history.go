package history

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one turn of a conversation as it is replayed to the model
type Entry struct {
	Role      Role
	Speaker   string
	Text      string
	Timestamp time.Time
}

type Config struct {
	MaxEntries    int
	MaxAge        time.Duration
	SweepInterval time.Duration
	MaxTextLen    int
	// FallbackSize is how many durable entries are replayed after a restart
	FallbackSize int
}

func DefaultConfig() Config {
	return Config{
		MaxEntries:    10,
		MaxAge:        time.Hour,
		SweepInterval: 5 * time.Minute,
		MaxTextLen:    500,
		FallbackSize:  15,
	}
}

// RecentSource is the durable newest-first message buffer consulted when the
// in-memory context is empty
type RecentSource interface {
	ChatMessages(ctx context.Context, conversationID int64, n int) ([]string, error)
}

// ContextStore keeps a bounded rolling buffer of turns per conversation.
// Conversations whose last turn is older than MaxAge are dropped by
// EvictStale.
type ContextStore struct {
	mu        sync.Mutex
	cfg       Config
	convs     map[int64][]Entry
	lastSweep time.Time
	recent    RecentSource
	logger    *zap.Logger
	now       func() time.Time
}

func NewContextStore(cfg Config, recent RecentSource, logger *zap.Logger) *ContextStore {
	return NewContextStoreWithClock(cfg, recent, logger, time.Now)
}

func NewContextStoreWithClock(cfg Config, recent RecentSource, logger *zap.Logger, now func() time.Time) *ContextStore {
	return &ContextStore{
		cfg:       cfg,
		convs:     make(map[int64][]Entry),
		lastSweep: now(),
		recent:    recent,
		logger:    logger.Named("history"),
		now:       now,
	}
}

// Append records a turn, dropping the oldest ones beyond MaxEntries
func (s *ContextStore) Append(conversationID int64, role Role, speaker, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.convs[conversationID], Entry{
		Role:      role,
		Speaker:   speaker,
		Text:      Truncate(text, s.cfg.MaxTextLen),
		Timestamp: s.now(),
	})
	if over := len(entries) - s.cfg.MaxEntries; over > 0 {
		entries = append([]Entry(nil), entries[over:]...)
	}
	s.convs[conversationID] = entries
}

// Read returns a copy of the conversation, oldest first
func (s *ContextStore) Read(conversationID int64) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.convs[conversationID]...)
}

// ReadWithFallback reads the in-memory context and, when it is empty for a
// group conversation, rebuilds it from the durable recent-message buffer.
func (s *ContextStore) ReadWithFallback(ctx context.Context, conversationID int64, private bool) []Entry {
	entries := s.Read(conversationID)
	if len(entries) > 0 || private || s.recent == nil {
		return entries
	}

	recent, err := s.recent.ChatMessages(ctx, conversationID, s.cfg.FallbackSize)
	if err != nil {
		s.logger.Warn("Durable context fallback failed",
			zap.Int64("chat_id", conversationID),
			zap.Error(err))
		return entries
	}

	// durable buffer is newest first
	for i := len(recent) - 1; i >= 0; i-- {
		speaker, text := splitSpeaker(recent[i])
		entries = append(entries, Entry{
			Role:    RoleUser,
			Speaker: speaker,
			Text:    Truncate(text, s.cfg.MaxTextLen),
		})
	}
	if len(entries) > 0 {
		s.logger.Info("Loaded context from durable buffer",
			zap.Int64("chat_id", conversationID),
			zap.Int("entries", len(entries)))
	}
	return entries
}

// EvictStale drops idle conversations. It is a no-op until SweepInterval
// has passed since the previous sweep.
func (s *ContextStore) EvictStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) < s.cfg.SweepInterval {
		return 0
	}
	s.lastSweep = now

	evicted := 0
	for id, entries := range s.convs {
		if len(entries) == 0 || now.Sub(entries[len(entries)-1].Timestamp) > s.cfg.MaxAge {
			delete(s.convs, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Debug("Evicted stale contexts", zap.Int("count", evicted))
	}
	return evicted
}

// Len is the number of tracked conversations
func (s *ContextStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

// Truncate cuts text to at most n runes
func Truncate(text string, n int) string {
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n])
}

// Split cuts text into pieces of at most limit runes, preferring
// line breaks and then spaces as cut points
func Split(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		window := string(runes[:limit])
		if i := strings.LastIndex(window, "\n"); i > 0 {
			cut = utf8.RuneCountInString(window[:i])
		} else if i := strings.LastIndex(window, " "); i > 0 {
			cut = utf8.RuneCountInString(window[:i])
		}
		if chunk := strings.TrimSpace(string(runes[:cut])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = []rune(strings.TrimLeft(string(runes[cut:]), " \n"))
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// splitSpeaker splits a "name: text" buffer line
func splitSpeaker(line string) (string, string) {
	if name, text, ok := strings.Cut(line, ": "); ok && name != "" && !strings.ContainsAny(name, "\n") {
		return name, text
	}
	return "", line
}
