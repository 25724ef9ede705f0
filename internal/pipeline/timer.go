package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type checkpoint struct {
	name    string
	elapsed time.Duration
}

// timer is a per-request stopwatch. done logs one [perf] line with the time
// spent between consecutive checkpoints.
type timer struct {
	id          string
	chatID      int64
	start, last time.Time
	checkpoints []checkpoint
	logger      *zap.Logger
}

func newTimer(logger *zap.Logger, chatID int64) *timer {
	now := time.Now()
	return &timer{
		id:     uuid.New().String(),
		chatID: chatID,
		start:  now,
		last:   now,
		logger: logger,
	}
}

func (t *timer) checkpoint(name string) time.Duration {
	now := time.Now()
	step := now.Sub(t.last)
	t.checkpoints = append(t.checkpoints, checkpoint{name: name, elapsed: step})
	t.last = now
	return step
}

func (t *timer) done() time.Duration {
	total := time.Since(t.start)
	parts := make([]string, 0, len(t.checkpoints))
	for _, c := range t.checkpoints {
		parts = append(parts, fmt.Sprintf("%s=%dms", c.name, c.elapsed.Milliseconds()))
	}
	t.logger.Info("[perf] "+strings.Join(parts, " | "),
		zap.String("request_id", t.id),
		zap.Int64("chat_id", t.chatID),
		zap.Duration("total", total))
	return total
}
