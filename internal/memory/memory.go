package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/xaenox/companion-bot/internal/storage"
	"go.uber.org/zap"
)

type Config struct {
	UserFactCap    int
	GroupFactCap   int
	MaxFactLen     int
	KeyTTL         time.Duration
	ChatRecentSize int
	UserRecentSize int
	MaxMessageLen  int
	OpTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		UserFactCap:    20,
		GroupFactCap:   30,
		MaxFactLen:     500,
		KeyTTL:         90 * 24 * time.Hour,
		ChatRecentSize: 20,
		UserRecentSize: 20,
		MaxMessageLen:  500,
		OpTimeout:      3 * time.Second,
	}
}

// Service bundles everything persisted about users and conversations
type Service struct {
	Facts    *FactMemory
	Profiles *Profiles
	Recent   *RecentBuffer
	Quiet    *QuietFlags

	store  storage.Storage
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store storage.Storage, cfg Config, logger *zap.Logger) *Service {
	return NewServiceWithClock(store, cfg, logger, time.Now)
}

func NewServiceWithClock(store storage.Storage, cfg Config, logger *zap.Logger, now func() time.Time) *Service {
	logger = logger.Named("memory")
	b := base{store: store, cfg: cfg, logger: logger, now: now}
	return &Service{
		Facts:    &FactMemory{base: b},
		Profiles: &Profiles{base: b},
		Recent:   &RecentBuffer{base: b},
		Quiet:    &QuietFlags{base: b},
		store:    store,
		cfg:      cfg,
		logger:   logger,
		now:      now,
	}
}

type base struct {
	store  storage.Storage
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func (b base) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.cfg.OpTimeout)
}

// touch refreshes the inactivity TTL of a key
func (b base) touch(ctx context.Context, key string) error {
	if err := b.store.Expire(ctx, key, b.cfg.KeyTTL); err != nil {
		return fmt.Errorf("error refreshing ttl of %s: %w", key, err)
	}
	return nil
}

func profileKey(userID int64) string    { return fmt.Sprintf("user:%d:profile", userID) }
func userRecentKey(userID int64) string { return fmt.Sprintf("user:%d:recent_msgs", userID) }
func chatRecentKey(chatID int64) string { return fmt.Sprintf("chat:%d:recent", chatID) }
func quietKey(chatID int64) string      { return fmt.Sprintf("chat:%d:quiet", chatID) }

func StyleKey(userID int64) string        { return fmt.Sprintf("user:%d:style", userID) }
func StyleSummaryKey(userID int64) string { return fmt.Sprintf("user:%d:style_summary", userID) }
