package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/xaenox/companion-bot/internal/history"
	"github.com/xaenox/companion-bot/internal/models"
	"go.uber.org/zap"
)

// FactMemory keeps a capped, insertion-ordered fact list per subject. The
// insertion time is the sorted-set score, so pruning by rank drops the
// oldest facts.
type FactMemory struct {
	base
}

// scoreStep is one microsecond, well above float64 resolution for unix
// seconds
const scoreStep = 1e-6

func (m *FactMemory) cap(subject models.Subject) int {
	if subject.Kind == models.GroupSubject {
		return m.cfg.GroupFactCap
	}
	return m.cfg.UserFactCap
}

func (m *FactMemory) Save(ctx context.Context, subject models.Subject, fact string) error {
	fact = history.Truncate(strings.TrimSpace(fact), m.cfg.MaxFactLen)
	if fact == "" {
		return nil
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	key := subject.FactsKey()
	score, err := m.nextScore(ctx, key)
	if err != nil {
		return fmt.Errorf("error reading facts for %s: %w", subject, err)
	}
	if err := m.store.ZAdd(ctx, key, fact, score); err != nil {
		return fmt.Errorf("error saving fact for %s: %w", subject, err)
	}

	limit := m.cap(subject)
	count, err := m.store.ZCard(ctx, key)
	if err != nil {
		return fmt.Errorf("error counting facts for %s: %w", subject, err)
	}
	if count > int64(limit) {
		if err := m.store.ZRemRangeByRank(ctx, key, 0, -int64(limit+1)); err != nil {
			return fmt.Errorf("error pruning facts for %s: %w", subject, err)
		}
	}

	if err := m.touch(ctx, key); err != nil {
		return err
	}

	m.logger.Debug("Saved fact",
		zap.Stringer("subject", subject),
		zap.Int64("count", count))
	return nil
}

// nextScore is the insertion time, moved past the newest stored score so
// facts saved within one clock tick keep their insertion order
func (m *FactMemory) nextScore(ctx context.Context, key string) (float64, error) {
	score := float64(m.now().UnixNano()) / 1e9
	newest, ok, err := m.store.ZMaxScore(ctx, key)
	if err != nil {
		return 0, err
	}
	if ok && score <= newest {
		score = newest + scoreStep
	}
	return score, nil
}

// List returns facts oldest to newest. Storage errors degrade to an empty list.
func (m *FactMemory) List(ctx context.Context, subject models.Subject) []string {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	facts, err := m.store.ZRange(ctx, subject.FactsKey(), 0, -1)
	if err != nil {
		m.logger.Error("Failed to list facts",
			zap.Stringer("subject", subject),
			zap.Error(err))
		return nil
	}
	return facts
}

func (m *FactMemory) Forget(ctx context.Context, subject models.Subject) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.store.Del(ctx, subject.FactsKey()); err != nil {
		return fmt.Errorf("error forgetting facts for %s: %w", subject, err)
	}
	m.logger.Info("Forgot facts", zap.Stringer("subject", subject))
	return nil
}
