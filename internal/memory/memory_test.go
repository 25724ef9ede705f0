package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/companion-bot/internal/models"
	"github.com/xaenox/companion-bot/internal/storage"
	"go.uber.org/zap"
)

type testEnv struct {
	svc   *Service
	store *storage.MemoryStorage
	clock *time.Time
}

func newEnv() testEnv {
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	store := storage.NewMemoryStorage().WithClock(now)
	return testEnv{
		svc:   NewServiceWithClock(store, DefaultConfig(), zap.NewNop(), now),
		store: store,
		clock: &clock,
	}
}

func (e testEnv) advance(d time.Duration) { *e.clock = e.clock.Add(d) }

func TestFactsCappedOldestDropped(t *testing.T) {
	env := newEnv()
	ctx := context.Background()
	user := models.UserOf(10)

	for i := 0; i < 25; i++ {
		require.NoError(t, env.svc.Facts.Save(ctx, user, fmt.Sprintf("fact %02d", i)))
		assert.LessOrEqual(t, len(env.svc.Facts.List(ctx, user)), 20)
		env.advance(time.Second)
	}

	facts := env.svc.Facts.List(ctx, user)
	require.Len(t, facts, 20)
	assert.Equal(t, "fact 05", facts[0], "oldest five pruned")
	assert.Equal(t, "fact 24", facts[19])
}

func TestFactsKeepInsertionOrderWithinOneTick(t *testing.T) {
	env := newEnv()
	ctx := context.Background()
	user := models.UserOf(11)

	// names sort opposite to insertion order
	for i := 24; i >= 0; i-- {
		require.NoError(t, env.svc.Facts.Save(ctx, user, fmt.Sprintf("fact %02d", i)))
	}

	facts := env.svc.Facts.List(ctx, user)
	require.Len(t, facts, 20)
	assert.Equal(t, "fact 19", facts[0])
	assert.Equal(t, "fact 00", facts[19])
}

func TestGroupFactCap(t *testing.T) {
	env := newEnv()
	ctx := context.Background()
	group := models.GroupOf(-100)

	for i := 0; i < 35; i++ {
		require.NoError(t, env.svc.Facts.Save(ctx, group, fmt.Sprintf("g%02d", i)))
		env.advance(time.Second)
	}
	facts := env.svc.Facts.List(ctx, group)
	require.Len(t, facts, 30)
	assert.Equal(t, "g05", facts[0])
}

func TestSaveTruncatesAndSkipsEmpty(t *testing.T) {
	env := newEnv()
	ctx := context.Background()
	user := models.UserOf(1)

	require.NoError(t, env.svc.Facts.Save(ctx, user, "   "))
	assert.Empty(t, env.svc.Facts.List(ctx, user))

	long := make([]rune, 700)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, env.svc.Facts.Save(ctx, user, string(long)))
	facts := env.svc.Facts.List(ctx, user)
	require.Len(t, facts, 1)
	assert.Len(t, facts[0], 500)
}

func TestForget(t *testing.T) {
	env := newEnv()
	ctx := context.Background()
	user := models.UserOf(1)

	require.NoError(t, env.svc.Facts.Save(ctx, user, "likes tea"))
	require.NoError(t, env.svc.Facts.Forget(ctx, user))
	assert.Empty(t, env.svc.Facts.List(ctx, user))
}

func TestFactsExpireAfterInactivity(t *testing.T) {
	env := newEnv()
	ctx := context.Background()
	user := models.UserOf(1)

	require.NoError(t, env.svc.Facts.Save(ctx, user, "likes tea"))
	env.advance(89 * 24 * time.Hour)
	require.NoError(t, env.svc.Facts.Save(ctx, user, "works as a baker"))
	env.advance(89 * 24 * time.Hour)
	assert.Len(t, env.svc.Facts.List(ctx, user), 2, "ttl refreshed on write")

	env.advance(2 * 24 * time.Hour)
	assert.Empty(t, env.svc.Facts.List(ctx, user))
}

func TestRecentBufferNewestFirst(t *testing.T) {
	env := newEnv()
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, env.svc.Recent.Push(ctx, -5, 7, "Ann", fmt.Sprintf("m%d", i)))
	}

	lines, err := env.svc.Recent.ChatMessages(ctx, -5, 100)
	require.NoError(t, err)
	require.Len(t, lines, 20)
	assert.Equal(t, "Ann: m24", lines[0])

	texts, err := env.svc.Recent.UserMessages(ctx, 7, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"m24", "m23", "m22"}, texts)

	chats, err := env.svc.Recent.ActiveChats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{-5}, chats)
}

func TestQuietToggle(t *testing.T) {
	env := newEnv()
	ctx := context.Background()

	assert.False(t, env.svc.Quiet.IsQuiet(ctx, 3))
	quiet, err := env.svc.Quiet.Toggle(ctx, 3)
	require.NoError(t, err)
	assert.True(t, quiet)
	assert.True(t, env.svc.Quiet.IsQuiet(ctx, 3))

	quiet, err = env.svc.Quiet.Toggle(ctx, 3)
	require.NoError(t, err)
	assert.False(t, quiet)
	assert.False(t, env.svc.Quiet.IsQuiet(ctx, 3))
}

func TestProfiles(t *testing.T) {
	env := newEnv()
	ctx := context.Background()

	require.NoError(t, env.svc.Profiles.Touch(ctx, models.User{ID: 9, Username: "ann_k"}, "Ann"))
	profile, ok, err := env.svc.Profiles.Get(ctx, 9)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Ann", profile.Name)
	assert.Equal(t, "ann_k", profile.Username)
	assert.True(t, profile.LastSeen.Equal(*env.clock))

	_, ok, err = env.svc.Profiles.Get(ctx, 10)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanupRemovesInactiveSubjects(t *testing.T) {
	env := newEnv()
	ctx := context.Background()

	require.NoError(t, env.svc.Profiles.Touch(ctx, models.User{ID: 1}, "Old"))
	require.NoError(t, env.svc.Facts.Save(ctx, models.UserOf(1), "old fact"))
	require.NoError(t, env.svc.Facts.Save(ctx, models.GroupOf(-1), "old group fact"))

	env.advance(60 * 24 * time.Hour)
	require.NoError(t, env.svc.Profiles.Touch(ctx, models.User{ID: 2}, "Fresh"))

	stats, err := env.svc.Cleanup(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Scanned)
	assert.Positive(t, stats.Deleted)

	assert.Empty(t, env.svc.Facts.List(ctx, models.UserOf(1)))
	assert.Empty(t, env.svc.Facts.List(ctx, models.GroupOf(-1)))
	_, ok, err := env.svc.Profiles.Get(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)
}
