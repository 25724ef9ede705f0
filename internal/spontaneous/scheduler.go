package spontaneous

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/xaenox/companion-bot/internal/history"
	"github.com/xaenox/companion-bot/internal/llm"
	"github.com/xaenox/companion-bot/internal/models"
	"github.com/xaenox/companion-bot/internal/router"
	"go.uber.org/zap"
)

type Config struct {
	Probability  float64
	KeywordBoost float64
	Topics       []string
	Cooldown     time.Duration
	MinMessages  int
	MaxPerHour   int

	// Quiet hours are [QuietStart, QuietEnd) in Location and may wrap midnight
	QuietStart int
	QuietEnd   int
	Location   *time.Location

	MaxTracked int
	StaleAge   time.Duration

	Community       string
	MaxTokens       int
	GenerateTimeout time.Duration
	StoreTimeout    time.Duration
}

func DefaultConfig() Config {
	loc, err := time.LoadLocation("Europe/Tallinn")
	if err != nil {
		loc = time.UTC
	}
	return Config{
		Probability:  0.03,
		KeywordBoost: 0.12,
		Topics: []string{
			"таллинн", "tallinn", "эстони", "estonia", "бар", "ресторан",
			"кафе", "клуб", "кино", "концерт", "мероприят", "фестивал",
			"погод", "рекоменд", "посоветуй", "сходить", "пойти",
			"event", "weekend", "выходн",
		},
		Cooldown:        600 * time.Second,
		MinMessages:     5,
		MaxPerHour:      3,
		QuietStart:      23,
		QuietEnd:        8,
		Location:        loc,
		MaxTracked:      500,
		StaleAge:        2 * time.Hour,
		Community:       "жизни в Таллинне",
		MaxTokens:       80,
		GenerateTimeout: 15 * time.Second,
		StoreTimeout:    5 * time.Second,
	}
}

type Sender interface {
	Reply(ctx context.Context, conversationID int64, replyTo int, text string) (int, error)
}

type RecentStore interface {
	Push(ctx context.Context, chatID, userID int64, name, text string) error
}

type StyleCounter interface {
	Update(ctx context.Context, userID int64, text string) error
}

type MuteFlags interface {
	IsQuiet(ctx context.Context, chatID int64) bool
}

type ContextSource interface {
	Read(conversationID int64) []history.Entry
}

// Deps are the collaborators of the scheduler. Recent and Style are optional.
type Deps struct {
	Sender   Sender
	Model    llm.Client
	Contexts ContextSource
	Mute     MuteFlags
	Recent   RecentStore
	Style    StyleCounter
}

type convState struct {
	lastSpontaneous time.Time
	lastSeen        time.Time
	sinceReply      int
	hourly          []time.Time
	generating      bool
}

// Scheduler occasionally chimes into group conversations on its own
type Scheduler struct {
	cfg    Config
	deps   Deps
	bot    router.Identity
	logger *zap.Logger
	now    func() time.Time
	rand   func() float64

	mu     sync.Mutex
	states map[int64]*convState

	background sync.WaitGroup
}

func New(cfg Config, bot router.Identity, deps Deps, logger *zap.Logger) *Scheduler {
	return NewWithSource(cfg, bot, deps, logger, time.Now, rand.Float64)
}

// NewWithSource injects the clock and the random source
func NewWithSource(cfg Config, bot router.Identity, deps Deps, logger *zap.Logger, now func() time.Time, random func() float64) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{
		cfg:    cfg,
		deps:   deps,
		bot:    bot,
		logger: logger.Named("spontaneous"),
		now:    now,
		rand:   random,
		states: make(map[int64]*convState),
	}
}

// Wait blocks until background store tasks have finished
func (s *Scheduler) Wait() {
	s.background.Wait()
}

// RecordBotReplied resets the message counter after a regular reply
func (s *Scheduler) RecordBotReplied(conversationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(conversationID).sinceReply = 0
}

// MessagesSinceReply is the counter used by the min-messages rule
func (s *Scheduler) MessagesSinceReply(conversationID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[conversationID]; ok {
		return st.sinceReply
	}
	return 0
}

// Tracked is the number of conversations with scheduler state
func (s *Scheduler) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// state must be called with mu held
func (s *Scheduler) state(conversationID int64) *convState {
	st, ok := s.states[conversationID]
	if !ok {
		st = &convState{}
		s.states[conversationID] = st
	}
	return st
}

// Observe processes one group message and reports whether a spontaneous
// reply was sent for it
func (s *Scheduler) Observe(ctx context.Context, msg *models.Message) bool {
	if msg == nil || msg.IsPrivate() {
		return false
	}
	text := msg.Content()
	if text == "" {
		return false
	}
	name := msg.SpeakerName()
	if name == "" {
		name = "user"
	}

	s.store(msg.ConversationID, msg.From.ID, name, text)

	now := s.now()
	s.mu.Lock()
	st := s.state(msg.ConversationID)
	st.sinceReply++
	st.lastSeen = now
	s.evictStale(now)
	s.mu.Unlock()

	if s.isOwn(msg) || s.isQuietHours(now) {
		return false
	}

	s.mu.Lock()
	if !s.eligible(st, now) {
		s.mu.Unlock()
		return false
	}
	if s.rand() >= s.probability(text) {
		s.mu.Unlock()
		return false
	}
	st.generating = true
	s.mu.Unlock()

	sent := false
	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		st.generating = false
		if sent {
			at := s.now()
			st.lastSpontaneous = at
			st.sinceReply = 0
			st.hourly = append(st.hourly, at)
		}
	}()

	// durable lookup, so it runs only once everything else passed
	if s.deps.Mute != nil && s.deps.Mute.IsQuiet(ctx, msg.ConversationID) {
		return false
	}

	comment, err := s.generate(ctx, msg.ConversationID, name, text)
	if err != nil {
		s.logger.Error("Spontaneous comment generation failed",
			zap.Int64("chat_id", msg.ConversationID),
			zap.Error(err))
		return false
	}
	if comment == "" {
		return false
	}

	if _, err := s.deps.Sender.Reply(ctx, msg.ConversationID, msg.ID, comment); err != nil {
		s.logger.Error("Failed to send spontaneous reply",
			zap.Int64("chat_id", msg.ConversationID),
			zap.Error(err))
		return false
	}
	sent = true
	s.logger.Info("Replied spontaneously",
		zap.Int64("chat_id", msg.ConversationID),
		zap.String("comment", history.Truncate(comment, 60)))
	return true
}

// store saves the message for proactive memory and style profiling without
// holding up the caller
func (s *Scheduler) store(chatID, userID int64, name, text string) {
	if s.deps.Recent == nil && s.deps.Style == nil {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
		defer cancel()

		if s.deps.Recent != nil {
			if err := s.deps.Recent.Push(ctx, chatID, userID, name, text); err != nil {
				s.logger.Error("Failed to store recent message", zap.Error(err))
			}
		}
		if s.deps.Style != nil {
			if err := s.deps.Style.Update(ctx, userID, text); err != nil {
				s.logger.Error("Failed to update style counters", zap.Error(err))
			}
		}
	}()
}

func (s *Scheduler) isOwn(msg *models.Message) bool {
	if s.bot.ID != 0 && msg.From.ID == s.bot.ID {
		return true
	}
	return s.bot.Username != "" && strings.EqualFold(msg.From.Username, s.bot.Username)
}

func (s *Scheduler) isQuietHours(now time.Time) bool {
	hour := now.In(s.cfg.Location).Hour()
	start, end := s.cfg.QuietStart, s.cfg.QuietEnd
	if start == end {
		return false
	}
	if start > end {
		return hour >= start || hour < end
	}
	return hour >= start && hour < end
}

// eligible applies cooldown, minimum message count and the hourly quota.
// Must be called with mu held.
func (s *Scheduler) eligible(st *convState, now time.Time) bool {
	if st.generating {
		return false
	}
	if !st.lastSpontaneous.IsZero() && now.Sub(st.lastSpontaneous) < s.cfg.Cooldown {
		return false
	}
	if st.sinceReply < s.cfg.MinMessages {
		return false
	}

	kept := st.hourly[:0]
	for _, at := range st.hourly {
		if now.Sub(at) < time.Hour {
			kept = append(kept, at)
		}
	}
	st.hourly = kept
	return len(st.hourly) < s.cfg.MaxPerHour
}

func (s *Scheduler) probability(text string) float64 {
	p := s.cfg.Probability
	lower := strings.ToLower(text)
	for _, kw := range s.cfg.Topics {
		if strings.Contains(lower, kw) {
			return p + s.cfg.KeywordBoost
		}
	}
	return p
}

// evictStale drops idle conversations once too many are tracked. Must be
// called with mu held.
func (s *Scheduler) evictStale(now time.Time) {
	if len(s.states) <= s.cfg.MaxTracked {
		return
	}
	evicted := 0
	for id, st := range s.states {
		if st.generating {
			continue
		}
		if now.Sub(st.lastSeen) > s.cfg.StaleAge {
			delete(s.states, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Info("Evicted stale conversation state", zap.Int("evicted", evicted))
	}
}

func (s *Scheduler) generate(ctx context.Context, conversationID int64, name, text string) (string, error) {
	lines := make([]string, 0)
	for _, e := range s.deps.Contexts.Read(conversationID) {
		lines = append(lines, e.Speaker+": "+e.Text)
	}

	prompt := fmt.Sprintf(`Ты участник группового чата о %s. Вот недавний контекст:
%s

Последнее сообщение от %s: %s

Если тебе есть что добавить, напиши ОДНО короткое неформальное сообщение (1-2 предложения, без эмодзи). Будь как обычный участник чата, не как бот. Если добавить нечего, ответь только %s.`,
		s.cfg.Community, strings.Join(lines, "\n"), name, text, llm.NoneSentinel)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.GenerateTimeout)
	defer cancel()

	result, err := s.deps.Model.Complete(ctx, llm.Request{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: 0.7,
	})
	if err != nil {
		return "", err
	}
	if llm.IsNone(result) {
		return "", nil
	}
	result = llm.CleanResponse(result)
	if utf8.RuneCountInString(result) < 3 {
		return "", nil
	}
	return result, nil
}
