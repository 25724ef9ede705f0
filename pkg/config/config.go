package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ProviderOpenAI     = "openai"
	ProviderPerplexity = "perplexity"
	ProviderAnthropic  = "anthropic"
)

type Config struct {
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	LLM         LLMConfig         `mapstructure:"llm"`
	OpenAI      ProviderConfig    `mapstructure:"openai"`
	Perplexity  ProviderConfig    `mapstructure:"perplexity"`
	Anthropic   ProviderConfig    `mapstructure:"anthropic"`
	Assistant   AssistantConfig   `mapstructure:"assistant"`
	Context     ContextConfig     `mapstructure:"context"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Memory      MemoryConfig      `mapstructure:"memory"`
	Fetcher     FetcherConfig     `mapstructure:"fetcher"`
	Spontaneous SpontaneousConfig `mapstructure:"spontaneous"`
	Style       StyleConfig       `mapstructure:"style"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

type TelegramConfig struct {
	Token       string `mapstructure:"token"`
	BotUsername string `mapstructure:"bot_username"`
	// DisplayNames maps usernames to the names used in context and facts.
	// Keys are matched case-insensitively.
	DisplayNames   map[string]string `mapstructure:"display_names"`
	UpdateTimeout  int               `mapstructure:"update_timeout"`
	MaxMessageLen  int               `mapstructure:"max_message_len"`
	MaxRememberLen int               `mapstructure:"max_remember_len"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type LLMConfig struct {
	// Provider answers users; BackgroundProvider serves extraction,
	// spontaneous comments, style summaries and memory review. Empty means
	// the first provider with an API key.
	Provider           string `mapstructure:"provider"`
	BackgroundProvider string `mapstructure:"background_provider"`
}

type ProviderConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type AssistantConfig struct {
	Locale         string        `mapstructure:"locale"`
	LocaleKeywords []string      `mapstructure:"locale_keywords"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Temperature    float64       `mapstructure:"temperature"`
	StreamReplies  bool          `mapstructure:"stream_replies"`
	StreamInterval time.Duration `mapstructure:"stream_interval"`
	ModelTimeout   time.Duration `mapstructure:"model_timeout"`
	LearnTimeout   time.Duration `mapstructure:"learn_timeout"`
	MaxImages      int           `mapstructure:"max_images"`
	MaxPromptFacts int           `mapstructure:"max_prompt_facts"`
	MinArticleLen  int           `mapstructure:"min_article_len"`
}

type ContextConfig struct {
	MaxEntries    int           `mapstructure:"max_entries"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxTextLen    int           `mapstructure:"max_text_len"`
	FallbackSize  int           `mapstructure:"fallback_size"`
}

type RateLimitConfig struct {
	Cooldown      time.Duration `mapstructure:"cooldown"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type MemoryConfig struct {
	UserFactCap    int           `mapstructure:"user_fact_cap"`
	GroupFactCap   int           `mapstructure:"group_fact_cap"`
	MaxFactLen     int           `mapstructure:"max_fact_len"`
	MaxFacts       int           `mapstructure:"max_facts_per_exchange"`
	KeyTTL         time.Duration `mapstructure:"key_ttl"`
	ChatRecentSize int           `mapstructure:"chat_recent_size"`
	UserRecentSize int           `mapstructure:"user_recent_size"`
	OpTimeout      time.Duration `mapstructure:"op_timeout"`

	// MaxExtractedFactLen bounds facts found by the extractors. MaxFactLen
	// bounds anything stored, /remember included.
	MaxExtractedFactLen int `mapstructure:"max_extracted_fact_len"`
}

type FetcherConfig struct {
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	CacheSize      int           `mapstructure:"cache_size"`
}

type SpontaneousConfig struct {
	Probability  float64       `mapstructure:"probability"`
	KeywordBoost float64       `mapstructure:"keyword_boost"`
	Topics       []string      `mapstructure:"topics"`
	Cooldown     time.Duration `mapstructure:"cooldown"`
	MinMessages  int           `mapstructure:"min_messages"`
	MaxPerHour   int           `mapstructure:"max_per_hour"`
	QuietStart   int           `mapstructure:"quiet_start"`
	QuietEnd     int           `mapstructure:"quiet_end"`
	Timezone     string        `mapstructure:"timezone"`
	Community    string        `mapstructure:"community"`
}

type StyleConfig struct {
	MinMessages int           `mapstructure:"min_messages"`
	SummaryTTL  time.Duration `mapstructure:"summary_ttl"`
	RecentKept  int           `mapstructure:"recent_kept"`
}

type MaintenanceConfig struct {
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
	MemorySchedule  string        `mapstructure:"memory_schedule"`
	StyleSchedule   string        `mapstructure:"style_schedule"`
	MaxAgeDays      int           `mapstructure:"max_age_days"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		if _, err := fmt.Sscanf(u.Port(), "%d", &port); err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q", u.Port())
		}
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.update_timeout", 60)
	v.SetDefault("telegram.max_message_len", 4000)
	v.SetDefault("telegram.max_remember_len", 500)
	v.SetDefault("telegram.display_names", map[string]string{})

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", true)

	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.timeout", 30*time.Second)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar")
	v.SetDefault("perplexity.timeout", 30*time.Second)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("anthropic.timeout", 30*time.Second)

	v.SetDefault("assistant.locale", "Tallinn, Estonia")
	v.SetDefault("assistant.locale_keywords", []string{"таллин", "tallinn", "эстони", "estonia"})
	v.SetDefault("assistant.max_tokens", 1000)
	v.SetDefault("assistant.temperature", 0.7)
	v.SetDefault("assistant.stream_replies", false)
	v.SetDefault("assistant.stream_interval", time.Second)
	v.SetDefault("assistant.model_timeout", 30*time.Second)
	v.SetDefault("assistant.learn_timeout", 60*time.Second)
	v.SetDefault("assistant.max_images", 3)
	v.SetDefault("assistant.max_prompt_facts", 5)
	v.SetDefault("assistant.min_article_len", 100)

	v.SetDefault("context.max_entries", 10)
	v.SetDefault("context.max_age", time.Hour)
	v.SetDefault("context.sweep_interval", 5*time.Minute)
	v.SetDefault("context.max_text_len", 500)
	v.SetDefault("context.fallback_size", 15)

	v.SetDefault("rate_limit.cooldown", 5*time.Second)
	v.SetDefault("rate_limit.max_age", 5*time.Minute)
	v.SetDefault("rate_limit.sweep_interval", 5*time.Minute)

	v.SetDefault("memory.user_fact_cap", 20)
	v.SetDefault("memory.group_fact_cap", 30)
	v.SetDefault("memory.max_fact_len", 500)
	v.SetDefault("memory.max_extracted_fact_len", 100)
	v.SetDefault("memory.max_facts_per_exchange", 3)
	v.SetDefault("memory.key_ttl", 90*24*time.Hour)
	v.SetDefault("memory.chat_recent_size", 20)
	v.SetDefault("memory.user_recent_size", 20)
	v.SetDefault("memory.op_timeout", 3*time.Second)

	v.SetDefault("fetcher.attempt_timeout", 20*time.Second)
	v.SetDefault("fetcher.cache_ttl", 5*time.Minute)
	v.SetDefault("fetcher.cache_size", 50)

	v.SetDefault("spontaneous.probability", 0.03)
	v.SetDefault("spontaneous.keyword_boost", 0.12)
	v.SetDefault("spontaneous.topics", []string{
		"таллинн", "tallinn", "эстони", "estonia", "бар", "ресторан",
		"кафе", "клуб", "кино", "концерт", "мероприят", "фестивал",
		"погод", "рекоменд", "посоветуй", "сходить", "пойти",
		"event", "weekend", "выходн",
	})
	v.SetDefault("spontaneous.cooldown", 600*time.Second)
	v.SetDefault("spontaneous.min_messages", 5)
	v.SetDefault("spontaneous.max_per_hour", 3)
	v.SetDefault("spontaneous.quiet_start", 23)
	v.SetDefault("spontaneous.quiet_end", 8)
	v.SetDefault("spontaneous.timezone", "Europe/Tallinn")
	v.SetDefault("spontaneous.community", "жизни в Таллинне")

	v.SetDefault("style.min_messages", 5)
	v.SetDefault("style.summary_ttl", 24*time.Hour)
	v.SetDefault("style.recent_kept", 20)

	v.SetDefault("maintenance.cleanup_schedule", "30 4 * * *")
	v.SetDefault("maintenance.memory_schedule", "@every 8h")
	v.SetDefault("maintenance.style_schedule", "@every 24h")
	v.SetDefault("maintenance.max_age_days", 90)
	v.SetDefault("maintenance.job_timeout", 10*time.Minute)
}

// LoadConfig reads the YAML file at path when it exists and applies
// environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable support, e.g. ASSISTANT_STREAM_REPLIES
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading config %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if username := v.GetString("BOT_USERNAME"); username != "" {
		config.Telegram.BotUsername = strings.TrimPrefix(username, "@")
	}
	if redisURL := v.GetString("REDIS_URL"); redisURL != "" {
		config.Redis.URL = redisURL
	}
	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}
	if apiKey := v.GetString("PERPLEXITY_API_KEY"); apiKey != "" {
		config.Perplexity.APIKey = apiKey
	}
	if apiKey := v.GetString("ANTHROPIC_API_KEY"); apiKey != "" {
		config.Anthropic.APIKey = apiKey
	}

	lowered := make(map[string]string, len(config.Telegram.DisplayNames))
	for username, name := range config.Telegram.DisplayNames {
		lowered[strings.ToLower(username)] = name
	}
	config.Telegram.DisplayNames = lowered

	return &config, nil
}

// Validate checks the settings the bot cannot start without
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return errors.New("telegram token is required (TELEGRAM_TOKEN)")
	}
	if _, err := c.AnswerProvider(); err != nil {
		return err
	}
	if c.Spontaneous.QuietStart < 0 || c.Spontaneous.QuietStart > 23 ||
		c.Spontaneous.QuietEnd < 0 || c.Spontaneous.QuietEnd > 23 {
		return fmt.Errorf("quiet hours must be within 0-23, got %d-%d",
			c.Spontaneous.QuietStart, c.Spontaneous.QuietEnd)
	}
	if c.Spontaneous.Probability < 0 || c.Spontaneous.Probability > 1 {
		return fmt.Errorf("spontaneous probability must be within [0, 1], got %v", c.Spontaneous.Probability)
	}
	return nil
}

// Provider returns the settings of a named provider
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	switch name {
	case ProviderOpenAI:
		return c.OpenAI, true
	case ProviderPerplexity:
		return c.Perplexity, true
	case ProviderAnthropic:
		return c.Anthropic, true
	}
	return ProviderConfig{}, false
}

// AnswerProvider is the provider that answers users
func (c *Config) AnswerProvider() (string, error) {
	return c.pickProvider(c.LLM.Provider, ProviderAnthropic, ProviderPerplexity, ProviderOpenAI)
}

// BackgroundProvider is the provider for extraction and other side work
func (c *Config) BackgroundProvider() (string, error) {
	return c.pickProvider(c.LLM.BackgroundProvider, ProviderPerplexity, ProviderOpenAI, ProviderAnthropic)
}

func (c *Config) pickProvider(explicit string, order ...string) (string, error) {
	if explicit != "" {
		p, ok := c.Provider(explicit)
		if !ok {
			return "", fmt.Errorf("unknown llm provider %q", explicit)
		}
		if p.APIKey == "" {
			return "", fmt.Errorf("llm provider %q has no api key", explicit)
		}
		return explicit, nil
	}
	for _, name := range order {
		if p, _ := c.Provider(name); p.APIKey != "" {
			return name, nil
		}
	}
	return "", errors.New("no llm api key configured (ANTHROPIC_API_KEY, PERPLEXITY_API_KEY or OPENAI_API_KEY)")
}
