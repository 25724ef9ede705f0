package main

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/companion-bot/internal/bot"
	"github.com/xaenox/companion-bot/internal/extractor"
	"github.com/xaenox/companion-bot/internal/fetcher"
	"github.com/xaenox/companion-bot/internal/history"
	"github.com/xaenox/companion-bot/internal/llm"
	"github.com/xaenox/companion-bot/internal/maintenance"
	"github.com/xaenox/companion-bot/internal/memory"
	"github.com/xaenox/companion-bot/internal/pipeline"
	"github.com/xaenox/companion-bot/internal/ratelimit"
	"github.com/xaenox/companion-bot/internal/router"
	"github.com/xaenox/companion-bot/internal/spontaneous"
	"github.com/xaenox/companion-bot/internal/storage"
	"github.com/xaenox/companion-bot/internal/style"
	"github.com/xaenox/companion-bot/pkg/config"
	"go.uber.org/zap"
)

// app owns every long-lived component of the serve command
type app struct {
	store       storage.Storage
	bot         *bot.Bot
	handler     *pipeline.Handler
	scheduler   *spontaneous.Scheduler
	maintenance *maintenance.Service
	logger      *zap.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	answerModel, err := newModel(cfg, true, logger)
	if err != nil {
		return nil, err
	}
	backgroundModel, err := newModel(cfg, false, logger)
	if err != nil {
		return nil, err
	}

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	identity := router.Identity{ID: api.Self.ID, Username: api.Self.UserName}
	if cfg.Telegram.BotUsername != "" {
		identity.Username = cfg.Telegram.BotUsername
	}
	logger.Info("Authorized on Telegram",
		zap.String("username", identity.Username),
		zap.Int64("bot_id", identity.ID))

	store := openStorage(cfg, logger)
	mem := memory.NewService(store, memoryConfig(cfg), logger)
	contexts := history.NewContextStore(history.Config{
		MaxEntries:    cfg.Context.MaxEntries,
		MaxAge:        cfg.Context.MaxAge,
		SweepInterval: cfg.Context.SweepInterval,
		MaxTextLen:    cfg.Context.MaxTextLen,
		FallbackSize:  cfg.Context.FallbackSize,
	}, mem.Recent, logger)

	profiler := style.NewProfiler(store, mem.Recent, backgroundModel, style.Config{
		MinMessages: cfg.Style.MinMessages,
		SummaryTTL:  cfg.Style.SummaryTTL,
		RecentKept:  cfg.Style.RecentKept,
		OpTimeout:   cfg.Memory.OpTimeout,
	}, logger)

	upkeep := maintenance.New(maintenanceConfig(cfg), mem, backgroundModel, profiler, logger)

	botCfg := bot.DefaultConfig()
	botCfg.DisplayNames = cfg.Telegram.DisplayNames
	botCfg.UpdateTimeout = cfg.Telegram.UpdateTimeout
	botCfg.MaxMessageLen = cfg.Telegram.MaxMessageLen
	botCfg.MaxRememberLen = cfg.Telegram.MaxRememberLen
	telegram := bot.New(api, identity, botCfg, mem, upkeep, logger)

	scheduler := spontaneous.New(spontaneousConfig(cfg), identity, spontaneous.Deps{
		Sender:   telegram,
		Model:    backgroundModel,
		Contexts: contexts,
		Mute:     mem.Quiet,
		Recent:   mem.Recent,
		Style:    profiler,
	}, logger)

	fetchCfg := fetcher.DefaultConfig()
	fetchCfg.AttemptTimeout = cfg.Fetcher.AttemptTimeout
	fetchCfg.CacheTTL = cfg.Fetcher.CacheTTL
	fetchCfg.CacheSize = cfg.Fetcher.CacheSize

	handler := pipeline.New(pipelineConfig(cfg), identity, pipeline.Deps{
		Transport: telegram,
		Model:     answerModel,
		Fetcher:   fetcher.New(fetchCfg, fetcher.DefaultProfiles(), logger),
		Limiter: ratelimit.New(ratelimit.Config{
			Cooldown:      cfg.RateLimit.Cooldown,
			MaxAge:        cfg.RateLimit.MaxAge,
			SweepInterval: cfg.RateLimit.SweepInterval,
		}),
		Contexts:  contexts,
		Memory:    mem,
		Style:     profiler,
		Extractor: newLearner(cfg, backgroundModel, logger),
		Observer:  scheduler,
	}, logger)

	return &app{
		store:       store,
		bot:         telegram,
		handler:     handler,
		scheduler:   scheduler,
		maintenance: upkeep,
		logger:      logger,
	}, nil
}

// Run blocks until ctx is cancelled, then drains background work
func (a *app) Run(ctx context.Context) error {
	if err := a.maintenance.Start(ctx); err != nil {
		return err
	}
	defer a.maintenance.Stop()

	err := a.bot.Start(ctx, a.handler, a.scheduler)
	a.handler.Wait()
	a.scheduler.Wait()
	return err
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close storage", zap.Error(err))
	}
}

// openStorage prefers Redis, then PostgreSQL, and falls back to memory when
// neither is reachable
func openStorage(cfg *config.Config, logger *zap.Logger) storage.Storage {
	if cfg.Redis.URL != "" {
		store, err := storage.NewRedisStorage(storage.RedisConfig{URL: cfg.Redis.URL}, logger)
		if err == nil {
			logger.Info("Using Redis storage")
			return store
		}
		logger.Warn("Redis unavailable, trying next storage", zap.Error(err))
	}
	if !cfg.Database.UseInMemory {
		store, err := storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
		if err == nil {
			logger.Info("Using PostgreSQL storage")
			return store
		}
		logger.Warn("PostgreSQL unavailable, falling back to memory", zap.Error(err))
	}
	logger.Info("Using in-memory storage")
	return storage.NewMemoryStorage()
}

func newModel(cfg *config.Config, answers bool, logger *zap.Logger) (llm.Client, error) {
	pick := cfg.BackgroundProvider
	if answers {
		pick = cfg.AnswerProvider
	}
	name, err := pick()
	if err != nil {
		return nil, err
	}
	p, _ := cfg.Provider(name)

	if name == config.ProviderAnthropic {
		return llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:      p.APIKey,
			BaseURL:     p.BaseURL,
			Model:       p.Model,
			MaxTokens:   p.MaxTokens,
			Temperature: p.Temperature,
			MaxRetries:  2,
			Timeout:     p.Timeout,
		}, logger), nil
	}
	return llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:      p.APIKey,
		BaseURL:     p.BaseURL,
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		Timeout:     p.Timeout,
	}, logger), nil
}

// newLearner extracts facts from finished exchanges, model first
func newLearner(cfg *config.Config, model llm.Client, logger *zap.Logger) *extractor.Chain {
	return extractor.NewChain(
		extractor.NewModelExtractor(model, cfg.Memory.MaxFacts, cfg.Memory.MaxExtractedFactLen, logger),
		extractor.NewPatternExtractor(nil, cfg.Memory.MaxExtractedFactLen),
		logger,
	)
}

func memoryConfig(cfg *config.Config) memory.Config {
	mc := memory.DefaultConfig()
	mc.UserFactCap = cfg.Memory.UserFactCap
	mc.GroupFactCap = cfg.Memory.GroupFactCap
	mc.MaxFactLen = cfg.Memory.MaxFactLen
	mc.KeyTTL = cfg.Memory.KeyTTL
	mc.ChatRecentSize = cfg.Memory.ChatRecentSize
	mc.UserRecentSize = cfg.Memory.UserRecentSize
	mc.OpTimeout = cfg.Memory.OpTimeout
	return mc
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	pc := pipeline.DefaultConfig()
	pc.Locale = cfg.Assistant.Locale
	pc.LocaleKeywords = cfg.Assistant.LocaleKeywords
	pc.MaxTokens = cfg.Assistant.MaxTokens
	pc.Temperature = cfg.Assistant.Temperature
	pc.StreamReplies = cfg.Assistant.StreamReplies
	pc.StreamInterval = cfg.Assistant.StreamInterval
	pc.ModelTimeout = cfg.Assistant.ModelTimeout
	pc.LearnTimeout = cfg.Assistant.LearnTimeout
	pc.MaxImages = cfg.Assistant.MaxImages
	pc.MaxPromptFacts = cfg.Assistant.MaxPromptFacts
	pc.MinArticleLen = cfg.Assistant.MinArticleLen
	pc.MaxMessageLen = cfg.Telegram.MaxMessageLen
	return pc
}

func spontaneousConfig(cfg *config.Config) spontaneous.Config {
	sc := spontaneous.DefaultConfig()
	sc.Probability = cfg.Spontaneous.Probability
	sc.KeywordBoost = cfg.Spontaneous.KeywordBoost
	sc.Topics = cfg.Spontaneous.Topics
	sc.Cooldown = cfg.Spontaneous.Cooldown
	sc.MinMessages = cfg.Spontaneous.MinMessages
	sc.MaxPerHour = cfg.Spontaneous.MaxPerHour
	sc.QuietStart = cfg.Spontaneous.QuietStart
	sc.QuietEnd = cfg.Spontaneous.QuietEnd
	sc.Community = cfg.Spontaneous.Community
	if loc, err := time.LoadLocation(cfg.Spontaneous.Timezone); err == nil {
		sc.Location = loc
	}
	return sc
}

func maintenanceConfig(cfg *config.Config) maintenance.Config {
	mc := maintenance.DefaultConfig()
	mc.CleanupSchedule = cfg.Maintenance.CleanupSchedule
	mc.MemorySchedule = cfg.Maintenance.MemorySchedule
	mc.StyleSchedule = cfg.Maintenance.StyleSchedule
	mc.MaxAge = time.Duration(cfg.Maintenance.MaxAgeDays) * 24 * time.Hour
	mc.JobTimeout = cfg.Maintenance.JobTimeout
	mc.MaxFactLen = cfg.Memory.MaxExtractedFactLen
	if loc, err := time.LoadLocation(cfg.Spontaneous.Timezone); err == nil {
		mc.Location = loc
	}
	return mc
}
