package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/xaenox/companion-bot/internal/extractor"
	"github.com/xaenox/companion-bot/internal/llm"
	"github.com/xaenox/companion-bot/internal/memory"
	"github.com/xaenox/companion-bot/internal/models"
	"go.uber.org/zap"
)

type Config struct {
	// Schedules use the standard five-field cron syntax or descriptors
	// such as "@daily" and "@every 8h". An empty schedule disables the job.
	CleanupSchedule string
	MemorySchedule  string
	StyleSchedule   string
	Location        *time.Location

	MaxAge         time.Duration
	ReviewMessages int
	MinMessages    int
	MaxGroupFacts  int
	MaxFactLen     int
	JobTimeout     time.Duration
	StopTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		CleanupSchedule: "30 4 * * *",
		MemorySchedule:  "@every 8h",
		StyleSchedule:   "@every 24h",
		Location:        time.UTC,
		MaxAge:          90 * 24 * time.Hour,
		ReviewMessages:  20,
		MinMessages:     5,
		MaxGroupFacts:   5,
		MaxFactLen:      500,
		JobTimeout:      10 * time.Minute,
		StopTimeout:     5 * time.Second,
	}
}

// StyleGenerator refreshes cached per-user style summaries
type StyleGenerator interface {
	ActiveUsers(ctx context.Context) ([]int64, error)
	Generate(ctx context.Context, userID int64, name string) (string, error)
}

// Service runs the periodic background jobs: the inactivity sweep, the
// review of recent group messages for missed facts and style summaries.
type Service struct {
	cfg    Config
	memory *memory.Service
	model  llm.Client
	style  StyleGenerator
	logger *zap.Logger

	mu     sync.Mutex
	cron   *rcron.Cron
	cancel context.CancelFunc
}

// New creates the service. model and style may be nil, which disables the
// jobs that need them.
func New(cfg Config, mem *memory.Service, model llm.Client, style StyleGenerator, logger *zap.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{
		cfg:    cfg,
		memory: mem,
		model:  model,
		style:  style,
		logger: logger.Named("maintenance"),
	}
}

// Start registers the jobs and starts the scheduler. Jobs run until Stop is
// called or ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("maintenance already started")
	}

	cronLogger := zapCronLogger{s.logger.Sugar()}
	c := rcron.New(
		rcron.WithLocation(s.cfg.Location),
		rcron.WithLogger(cronLogger),
		rcron.WithChain(rcron.Recover(cronLogger), rcron.SkipIfStillRunning(cronLogger)),
	)

	runCtx, cancel := context.WithCancel(ctx)
	jobs := []struct {
		name     string
		schedule string
		enabled  bool
		run      func(context.Context) error
	}{
		{"cleanup", s.cfg.CleanupSchedule, true, s.cleanupJob},
		{"proactive_memory", s.cfg.MemorySchedule, s.model != nil, s.memoryJob},
		{"style_summaries", s.cfg.StyleSchedule, s.style != nil, s.styleJob},
	}
	for _, job := range jobs {
		job := job // per-iteration copy: go directive is 1.21 (pre-1.22 loop var scoping)
		if job.schedule == "" || !job.enabled {
			continue
		}
		if _, err := c.AddFunc(job.schedule, func() { s.runJob(runCtx, job.name, job.run) }); err != nil {
			cancel()
			return fmt.Errorf("error scheduling %s job: %w", job.name, err)
		}
		s.logger.Info("Scheduled job",
			zap.String("job", job.name),
			zap.String("schedule", job.schedule))
	}

	s.cron = c
	s.cancel = cancel
	c.Start()
	return nil
}

// Stop cancels running jobs and waits for them up to StopTimeout
func (s *Service) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	cancel()
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("Timed out waiting for running jobs")
	}
	s.logger.Info("Maintenance stopped")
}

// Entries is the number of scheduled jobs
func (s *Service) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return 0
	}
	return len(s.cron.Entries())
}

func (s *Service) runJob(ctx context.Context, name string, run func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	if err := run(ctx); err != nil {
		s.logger.Error("Job failed", zap.String("job", name), zap.Error(err))
		return
	}
	s.logger.Info("Job finished",
		zap.String("job", name),
		zap.Duration("elapsed", time.Since(start)))
}

func (s *Service) cleanupJob(ctx context.Context) error {
	_, err := s.RunCleanup(ctx)
	return err
}

func (s *Service) memoryJob(ctx context.Context) error {
	_, err := s.RunProactiveMemory(ctx)
	return err
}

func (s *Service) styleJob(ctx context.Context) error {
	_, err := s.RunStyleSummaries(ctx)
	return err
}

// RunCleanup deletes users and groups inactive for longer than MaxAge
func (s *Service) RunCleanup(ctx context.Context) (memory.CleanupStats, error) {
	return s.memory.Cleanup(ctx, s.cfg.MaxAge)
}

// RunProactiveMemory reviews the recent buffer of every active group and
// saves facts the per-message extraction missed. It returns the number of
// facts saved.
func (s *Service) RunProactiveMemory(ctx context.Context) (int, error) {
	if s.model == nil {
		return 0, nil
	}
	chats, err := s.memory.Recent.ActiveChats(ctx)
	if err != nil {
		return 0, err
	}

	saved := 0
	for _, chatID := range chats {
		if err := ctx.Err(); err != nil {
			return saved, err
		}
		n, err := s.reviewChat(ctx, chatID)
		if err != nil {
			s.logger.Warn("Failed to review chat",
				zap.Int64("chat_id", chatID),
				zap.Error(err))
			continue
		}
		saved += n
	}
	s.logger.Info("Proactive memory review done",
		zap.Int("chats", len(chats)),
		zap.Int("saved", saved))
	return saved, nil
}

func (s *Service) reviewChat(ctx context.Context, chatID int64) (int, error) {
	lines, err := s.memory.Recent.ChatMessages(ctx, chatID, s.cfg.ReviewMessages)
	if err != nil {
		return 0, err
	}
	if len(lines) < s.cfg.MinMessages {
		return 0, nil
	}
	// the buffer is newest first
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}

	group := models.GroupOf(chatID)
	known := s.memory.Facts.List(ctx, group)
	result, err := llm.Ask(ctx, s.model, s.reviewPrompt(lines, known), 300)
	if err != nil {
		return 0, fmt.Errorf("error asking model for group facts: %w", err)
	}

	seen := make(map[string]bool, len(known))
	for _, f := range known {
		seen[strings.ToLower(f)] = true
	}
	saved := 0
	for _, fact := range extractor.ParseFacts(result, "", s.cfg.MaxGroupFacts, s.cfg.MaxFactLen) {
		if seen[strings.ToLower(fact)] {
			continue
		}
		if err := s.memory.Facts.Save(ctx, group, fact); err != nil {
			return saved, err
		}
		seen[strings.ToLower(fact)] = true
		saved++
	}
	return saved, nil
}

func (s *Service) reviewPrompt(lines, known []string) string {
	knownPart := "(nothing yet)"
	if len(known) > 0 {
		knownPart = "- " + strings.Join(known, "\n- ")
	}
	return fmt.Sprintf(`Here are the latest messages of a group chat:
%s

Facts already remembered about this group:
%s

List new durable facts worth remembering about the group or its members: interests, plans, places they go, recurring events.
One fact per line, short (3-10 words), prefixed with the person's name when the fact is about one person.
Do not repeat remembered facts. If there is nothing new, answer exactly %s.
At most %d facts.`, strings.Join(lines, "\n"), knownPart, llm.NoneSentinel, s.cfg.MaxGroupFacts)
}

// RunStyleSummaries regenerates the cached style summary of every user with
// style counters and returns how many summaries were written
func (s *Service) RunStyleSummaries(ctx context.Context) (int, error) {
	if s.style == nil {
		return 0, nil
	}
	users, err := s.style.ActiveUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("error listing style users: %w", err)
	}

	written := 0
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		name := "user"
		if profile, ok, err := s.memory.Profiles.Get(ctx, userID); err == nil && ok && profile.Name != "" {
			name = profile.Name
		}
		summary, err := s.style.Generate(ctx, userID, name)
		if err != nil {
			s.logger.Warn("Failed to generate style summary",
				zap.Int64("user_id", userID),
				zap.Error(err))
			continue
		}
		if summary != "" {
			written++
		}
	}
	return written, nil
}

// zapCronLogger routes scheduler events into zap
type zapCronLogger struct {
	sugar *zap.SugaredLogger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
