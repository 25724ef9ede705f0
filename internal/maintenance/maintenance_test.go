package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/companion-bot/internal/llm"
	"github.com/xaenox/companion-bot/internal/memory"
	"github.com/xaenox/companion-bot/internal/models"
	"github.com/xaenox/companion-bot/internal/storage"
	"github.com/xaenox/companion-bot/internal/style"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type fakeModel struct {
	mu      sync.Mutex
	answer  string
	err     error
	prompts []string
}

func (m *fakeModel) Complete(_ context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, req.Messages[0].Content)
	return m.answer, m.err
}

func (m *fakeModel) Stream(ctx context.Context, req llm.Request, _ func(string)) (string, error) {
	return m.Complete(ctx, req)
}

type env struct {
	store *storage.MemoryStorage
	mem   *memory.Service
	model *fakeModel
	clock time.Time
}

func newEnv() *env {
	e := &env{
		model: &fakeModel{},
		clock: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return e.clock }
	e.store = storage.NewMemoryStorage().WithClock(now)
	e.mem = memory.NewServiceWithClock(e.store, memory.DefaultConfig(), zap.NewNop(), now)
	return e
}

func (e *env) fillChat(t *testing.T, chatID int64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, e.mem.Recent.Push(context.Background(), chatID, 42, "Ann", fmt.Sprintf("message %d", i)))
	}
}

func TestProactiveMemorySavesGroupFacts(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.fillChat(t, -100, 6)
	e.fillChat(t, -200, 2)
	require.NoError(t, e.mem.Facts.Save(ctx, models.GroupOf(-100), "Ann: любит джаз"))
	e.model.answer = "- Ann: любит джаз\n- Группа собирается в пятницу в баре\nок"

	svc := New(DefaultConfig(), e.mem, e.model, nil, zap.NewNop())
	saved, err := svc.RunProactiveMemory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, saved)

	require.Len(t, e.model.prompts, 1, "chat with too few messages is skipped")
	prompt := e.model.prompts[0]
	assert.Contains(t, prompt, "- Ann: любит джаз")
	assert.Less(t, strings.Index(prompt, "Ann: message 0"), strings.Index(prompt, "Ann: message 5"), "oldest first")

	assert.Equal(t, []string{"Ann: любит джаз", "Группа собирается в пятницу в баре"},
		e.mem.Facts.List(ctx, models.GroupOf(-100)))
}

func TestProactiveMemoryNothingNew(t *testing.T) {
	e := newEnv()
	e.fillChat(t, -100, 5)
	e.model.answer = llm.NoneSentinel

	svc := New(DefaultConfig(), e.mem, e.model, nil, zap.NewNop())
	saved, err := svc.RunProactiveMemory(context.Background())
	require.NoError(t, err)
	assert.Zero(t, saved)
	assert.Empty(t, e.mem.Facts.List(context.Background(), models.GroupOf(-100)))
}

func TestProactiveMemoryModelFailureSkipsChat(t *testing.T) {
	e := newEnv()
	e.fillChat(t, -100, 5)
	e.model.err = errors.New("overloaded")

	svc := New(DefaultConfig(), e.mem, e.model, nil, zap.NewNop())
	saved, err := svc.RunProactiveMemory(context.Background())
	require.NoError(t, err)
	assert.Zero(t, saved)
}

func TestProactiveMemoryWithoutModel(t *testing.T) {
	e := newEnv()
	e.fillChat(t, -100, 5)

	svc := New(DefaultConfig(), e.mem, nil, nil, zap.NewNop())
	saved, err := svc.RunProactiveMemory(context.Background())
	require.NoError(t, err)
	assert.Zero(t, saved)
}

func TestRunCleanupRemovesInactiveSubjects(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	require.NoError(t, e.mem.Facts.Save(ctx, models.UserOf(1), "old fact"))
	require.NoError(t, e.mem.Facts.Save(ctx, models.GroupOf(-5), "old group fact"))

	e.clock = e.clock.Add(60 * 24 * time.Hour)
	require.NoError(t, e.mem.Facts.Save(ctx, models.UserOf(2), "fresh fact"))
	e.clock = e.clock.Add(25 * 24 * time.Hour)

	cfg := DefaultConfig()
	cfg.MaxAge = 30 * 24 * time.Hour
	svc := New(cfg, e.mem, nil, nil, zap.NewNop())
	stats, err := svc.RunCleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Scanned)
	assert.Positive(t, stats.Deleted)

	assert.Empty(t, e.mem.Facts.List(ctx, models.UserOf(1)))
	assert.Empty(t, e.mem.Facts.List(ctx, models.GroupOf(-5)))
	assert.Equal(t, []string{"fresh fact"}, e.mem.Facts.List(ctx, models.UserOf(2)))
}

func TestRunStyleSummaries(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	profiler := style.NewProfiler(e.store, e.mem.Recent, e.model, style.DefaultConfig(), zap.NewNop())

	require.NoError(t, e.mem.Profiles.Touch(ctx, models.User{ID: 42, FirstName: "Ann"}, "Аня"))
	for i := 0; i < 6; i++ {
		text := fmt.Sprintf("ну чё как дела %d", i)
		require.NoError(t, e.mem.Recent.Push(ctx, -100, 42, "Аня", text))
		require.NoError(t, profiler.Update(ctx, 42, text))
	}
	require.NoError(t, profiler.Update(ctx, 43, "привет"))
	e.model.answer = "Пиши коротко и неформально, на ты."

	svc := New(DefaultConfig(), e.mem, e.model, profiler, zap.NewNop())
	written, err := svc.RunStyleSummaries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, written, "user 43 has too few messages")

	require.Len(t, e.model.prompts, 1)
	assert.Contains(t, e.model.prompts[0], "Аня")
	assert.Equal(t, "Пиши коротко и неформально, на ты.", profiler.Summary(ctx, 42))
}

func TestStartSchedulesEnabledJobs(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEnv()

	svc := New(DefaultConfig(), e.mem, nil, nil, zap.NewNop())
	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, 1, svc.Entries(), "only cleanup runs without a model")
	assert.Error(t, svc.Start(context.Background()))
	svc.Stop()
	svc.Stop()
	assert.Zero(t, svc.Entries())

	svc = New(DefaultConfig(), e.mem, e.model, style.NewProfiler(e.store, e.mem.Recent, e.model, style.DefaultConfig(), zap.NewNop()), zap.NewNop())
	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, 3, svc.Entries())
	svc.Stop()
}

func TestStartRejectsBadSchedule(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEnv()
	cfg := DefaultConfig()
	cfg.CleanupSchedule = "every day please"

	svc := New(cfg, e.mem, nil, nil, zap.NewNop())
	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cleanup")
	assert.Zero(t, svc.Entries())
}
