package memory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type CleanupStats struct {
	Scanned int
	Deleted int
}

// Cleanup removes users and groups with no activity newer than maxAge.
// Activity is the newest fact and, for users, the profile's last_seen.
// Subjects with no recorded activity are left to their key TTL.
func (s *Service) Cleanup(ctx context.Context, maxAge time.Duration) (CleanupStats, error) {
	var stats CleanupStats
	cutoff := s.now().Add(-maxAge)

	userKeys, err := s.store.Scan(ctx, "user:*")
	if err != nil {
		return stats, fmt.Errorf("error scanning user keys: %w", err)
	}
	users := make(map[int64]struct{})
	for _, key := range userKeys {
		if id, ok := idFromKey(key); ok {
			users[id] = struct{}{}
		}
	}

	for id := range users {
		stats.Scanned++
		last, err := s.userActivity(ctx, id)
		if err != nil {
			s.logger.Warn("Failed to read user activity", zap.Int64("user_id", id), zap.Error(err))
			continue
		}
		if last.IsZero() || last.After(cutoff) {
			continue
		}
		keys := []string{
			fmt.Sprintf("user:%d:facts", id),
			profileKey(id),
			userRecentKey(id),
			StyleKey(id),
			StyleSummaryKey(id),
		}
		if err := s.store.Del(ctx, keys...); err != nil {
			return stats, fmt.Errorf("error deleting user %d: %w", id, err)
		}
		stats.Deleted += len(keys)
	}

	groupKeys, err := s.store.Scan(ctx, "group:*:facts")
	if err != nil {
		return stats, fmt.Errorf("error scanning group keys: %w", err)
	}
	for _, key := range groupKeys {
		id, ok := idFromKey(key)
		if !ok {
			continue
		}
		stats.Scanned++
		score, ok, err := s.store.ZMaxScore(ctx, key)
		if err != nil {
			s.logger.Warn("Failed to read group activity", zap.Int64("chat_id", id), zap.Error(err))
			continue
		}
		if !ok || scoreTime(score).After(cutoff) {
			continue
		}
		keys := []string{key, chatRecentKey(id), quietKey(id)}
		if err := s.store.Del(ctx, keys...); err != nil {
			return stats, fmt.Errorf("error deleting group %d: %w", id, err)
		}
		stats.Deleted += len(keys)
	}

	s.logger.Info("Cleanup finished",
		zap.Int("scanned", stats.Scanned),
		zap.Int("deleted", stats.Deleted))
	return stats, nil
}

func (s *Service) userActivity(ctx context.Context, id int64) (time.Time, error) {
	var last time.Time

	score, ok, err := s.store.ZMaxScore(ctx, fmt.Sprintf("user:%d:facts", id))
	if err != nil {
		return last, err
	}
	if ok {
		last = scoreTime(score)
	}

	profile, ok, err := s.Profiles.Get(ctx, id)
	if err != nil {
		return last, err
	}
	if ok && profile.LastSeen.After(last) {
		last = profile.LastSeen
	}
	return last, nil
}

func scoreTime(score float64) time.Time {
	return time.Unix(0, int64(score*1e9))
}
