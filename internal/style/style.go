package style

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xaenox/companion-bot/internal/llm"
	"github.com/xaenox/companion-bot/internal/memory"
	"github.com/xaenox/companion-bot/internal/storage"
	"go.uber.org/zap"
)

var (
	emojiRe     = regexp.MustCompile(`[\x{1F600}-\x{1F64F}\x{1F300}-\x{1F5FF}\x{1F680}-\x{1F6FF}\x{1F900}-\x{1F9FF}\x{2702}-\x{27B0}]`)
	profanityRe = regexp.MustCompile(`(?:^|[^\p{L}])(?:бля|хуй|пизд|сук|нах|ебан|дерьм|блин|fuck|shit)`)
	slangRe     = regexp.MustCompile(`(?:^|[^\p{L}])(?:чел|кста|норм|имхо|лол|кек|хз|ваще|ок|пон|рофл|изи|го|lol|imho|btw|idk|tbh|omg)(?:$|[^\p{L}])`)
	smileyRe    = regexp.MustCompile(`[)(]{2,}`)
)

// Signals are the style markers of one message
type Signals struct {
	Emoji             bool
	Caps              bool
	Profanity         bool
	Slang             bool
	ParenthesisSmiley bool
	Length            int
}

func Analyze(text string) Signals {
	lower := strings.ToLower(text)
	return Signals{
		Emoji:             emojiRe.MatchString(text),
		Caps:              utf8.RuneCountInString(text) > 3 && strings.ToUpper(text) == text && lower != text,
		Profanity:         profanityRe.MatchString(lower),
		Slang:             slangRe.MatchString(lower),
		ParenthesisSmiley: smileyRe.MatchString(text),
		Length:            utf8.RuneCountInString(text),
	}
}

type Config struct {
	MinMessages int
	SummaryTTL  time.Duration
	RecentKept  int
	OpTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinMessages: 5,
		SummaryTTL:  24 * time.Hour,
		RecentKept:  20,
		OpTimeout:   3 * time.Second,
	}
}

// UserMessages is the per-user recent message source
type UserMessages interface {
	UserMessages(ctx context.Context, userID int64, n int) ([]string, error)
}

// Profiler keeps per-user style counters and turns them into a short
// instruction for the model
type Profiler struct {
	store  storage.Storage
	recent UserMessages
	client llm.Client
	cfg    Config
	logger *zap.Logger
}

func NewProfiler(store storage.Storage, recent UserMessages, client llm.Client, cfg Config, logger *zap.Logger) *Profiler {
	return &Profiler{
		store:  store,
		recent: recent,
		client: client,
		cfg:    cfg,
		logger: logger.Named("style"),
	}
}

// Update folds one message into the user's counters
func (p *Profiler) Update(ctx context.Context, userID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
	defer cancel()

	s := Analyze(text)
	key := memory.StyleKey(userID)

	counters := []struct {
		field string
		on    bool
	}{
		{"msg_count", true},
		{"emoji_count", s.Emoji},
		{"profanity_count", s.Profanity},
		{"slang_count", s.Slang},
		{"caps_count", s.Caps},
		{"smiley_count", s.ParenthesisSmiley},
	}
	for _, c := range counters {
		if !c.on {
			continue
		}
		if err := p.store.HIncrBy(ctx, key, c.field, 1); err != nil {
			return fmt.Errorf("error updating style counter %s: %w", c.field, err)
		}
	}
	if err := p.store.HIncrByFloat(ctx, key, "total_msg_length", float64(s.Length)); err != nil {
		return fmt.Errorf("error updating style length: %w", err)
	}
	return nil
}

// Summary returns the cached model-written summary or, failing that, one
// derived from the counters. Empty when there is too little data or the
// style is neutral.
func (p *Profiler) Summary(ctx context.Context, userID int64) string {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
	defer cancel()

	cached, err := p.store.Get(ctx, memory.StyleSummaryKey(userID))
	if err == nil && cached != "" {
		return cached
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		p.logger.Warn("Failed to read cached style summary", zap.Int64("user_id", userID), zap.Error(err))
	}

	data, err := p.store.HGetAll(ctx, memory.StyleKey(userID))
	if err != nil {
		p.logger.Warn("Failed to read style counters", zap.Int64("user_id", userID), zap.Error(err))
		return ""
	}
	return SummaryFromCounters(data, p.cfg.MinMessages)
}

// SummaryFromCounters renders the rate thresholds into an instruction
func SummaryFromCounters(data map[string]string, minMessages int) string {
	count, _ := strconv.Atoi(data["msg_count"])
	if count < minMessages || count == 0 {
		return ""
	}
	rate := func(field string) float64 {
		n, _ := strconv.Atoi(data[field])
		return float64(n) / float64(count)
	}
	totalLen, _ := strconv.ParseFloat(data["total_msg_length"], 64)
	avgLen := totalLen / float64(count)

	var traits []string
	switch profanity := rate("profanity_count"); {
	case profanity > 0.3:
		traits = append(traits, "swears a lot, a rough and humorous tone is fine")
	case profanity > 0.1:
		traits = append(traits, "swears now and then, an informal tone is fine")
	}
	if rate("slang_count") > 0.4 {
		traits = append(traits, "uses slang and abbreviations")
	}
	switch emoji := rate("emoji_count"); {
	case emoji > 0.3:
		traits = append(traits, "uses emoji, you may add some")
	case emoji < 0.05 && count >= 10:
		traits = append(traits, "never uses emoji, do not add any")
	}
	switch {
	case avgLen < 30:
		traits = append(traits, "writes briefly, answer just as briefly")
	case avgLen > 150:
		traits = append(traits, "writes at length, longer answers are fine")
	}

	if len(traits) == 0 {
		return ""
	}
	return "This user's style: " + strings.Join(traits, "; ") + "."
}

// Generate asks the model for a richer summary from the user's recent
// messages and caches it for SummaryTTL
func (p *Profiler) Generate(ctx context.Context, userID int64, name string) (string, error) {
	recent, err := p.recent.UserMessages(ctx, userID, p.cfg.RecentKept)
	if err != nil {
		return "", err
	}
	if len(recent) < p.cfg.MinMessages {
		return "", nil
	}

	var b strings.Builder
	for _, msg := range recent {
		b.WriteString("- ")
		b.WriteString(msg)
		b.WriteString("\n")
	}
	prompt := fmt.Sprintf(`Analyse how %s writes, based on these messages:

%s
Describe the style briefly (1-2 sentences): formality, swearing, slang, message length, mood, humour. Phrase it as a direct instruction to the bot on how to answer this user. If the style is neutral, answer exactly %s.`,
		name, b.String(), llm.NoneSentinel)

	result, err := llm.Ask(ctx, p.client, prompt, 100)
	if err != nil {
		return "", fmt.Errorf("error generating style summary: %w", err)
	}
	result = strings.TrimSpace(result)
	if llm.IsNone(result) || utf8.RuneCountInString(result) < 10 {
		return "", nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
	defer cancel()
	if err := p.store.Set(storeCtx, memory.StyleSummaryKey(userID), result, p.cfg.SummaryTTL); err != nil {
		return result, fmt.Errorf("error caching style summary: %w", err)
	}
	p.logger.Info("Generated style summary", zap.Int64("user_id", userID))
	return result, nil
}

// ActiveUsers lists users that have style counters
func (p *Profiler) ActiveUsers(ctx context.Context) ([]int64, error) {
	keys, err := p.store.Scan(ctx, "user:*:style")
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(keys))
	for _, key := range keys {
		parts := strings.Split(key, ":")
		if len(parts) != 3 {
			continue
		}
		if id, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
