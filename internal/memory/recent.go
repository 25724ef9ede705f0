package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/xaenox/companion-bot/internal/history"
)

// RecentBuffer keeps the last messages of every group chat and of every user.
// Both lists are newest first.
type RecentBuffer struct {
	base
}

func (r *RecentBuffer) Push(ctx context.Context, chatID, userID int64, name, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	text = history.Truncate(text, r.cfg.MaxMessageLen)

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	line := text
	if name != "" {
		line = name + ": " + text
	}
	if err := r.push(ctx, chatRecentKey(chatID), line, r.cfg.ChatRecentSize); err != nil {
		return err
	}
	if userID != 0 {
		return r.push(ctx, userRecentKey(userID), text, r.cfg.UserRecentSize)
	}
	return nil
}

func (r *RecentBuffer) push(ctx context.Context, key, value string, size int) error {
	if err := r.store.LPush(ctx, key, value); err != nil {
		return fmt.Errorf("error pushing to %s: %w", key, err)
	}
	if err := r.store.LTrim(ctx, key, 0, int64(size-1)); err != nil {
		return fmt.Errorf("error trimming %s: %w", key, err)
	}
	return r.touch(ctx, key)
}

// ChatMessages returns up to n "name: text" lines, newest first
func (r *RecentBuffer) ChatMessages(ctx context.Context, chatID int64, n int) ([]string, error) {
	return r.read(ctx, chatRecentKey(chatID), n)
}

// UserMessages returns up to n raw texts of one user, newest first
func (r *RecentBuffer) UserMessages(ctx context.Context, userID int64, n int) ([]string, error) {
	return r.read(ctx, userRecentKey(userID), n)
}

func (r *RecentBuffer) read(ctx context.Context, key string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	lines, err := r.store.LRange(ctx, key, 0, int64(n-1))
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", key, err)
	}
	return lines, nil
}

// ActiveChats lists the chats that have a recent-message buffer
func (r *RecentBuffer) ActiveChats(ctx context.Context) ([]int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	keys, err := r.store.Scan(ctx, "chat:*:recent")
	if err != nil {
		return nil, fmt.Errorf("error scanning chats: %w", err)
	}
	ids := make([]int64, 0, len(keys))
	for _, key := range keys {
		if id, ok := idFromKey(key); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// idFromKey extracts 42 from "chat:42:recent"
func idFromKey(key string) (int64, bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 3 {
		return 0, false
	}
	return parseID(parts[1])
}
