package memory

import (
	"context"
	"errors"

	"github.com/xaenox/companion-bot/internal/storage"
	"go.uber.org/zap"
)

// QuietFlags is the per-chat mute switch for spontaneous messages
type QuietFlags struct {
	base
}

// IsQuiet reports whether the chat is muted. Read errors count as not muted.
func (q *QuietFlags) IsQuiet(ctx context.Context, chatID int64) bool {
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	_, err := q.store.Get(ctx, quietKey(chatID))
	if err == nil {
		return true
	}
	if !errors.Is(err, storage.ErrNotFound) {
		q.logger.Warn("Failed to read quiet flag",
			zap.Int64("chat_id", chatID),
			zap.Error(err))
	}
	return false
}

func (q *QuietFlags) SetQuiet(ctx context.Context, chatID int64, quiet bool) error {
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	if quiet {
		return q.store.Set(ctx, quietKey(chatID), "1", 0)
	}
	return q.store.Del(ctx, quietKey(chatID))
}

// Toggle flips the flag and returns the new state
func (q *QuietFlags) Toggle(ctx context.Context, chatID int64) (bool, error) {
	quiet := !q.IsQuiet(ctx, chatID)
	if err := q.SetQuiet(ctx, chatID, quiet); err != nil {
		return !quiet, err
	}
	return quiet, nil
}
