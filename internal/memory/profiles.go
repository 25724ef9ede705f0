package memory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/xaenox/companion-bot/internal/models"
)

type Profiles struct {
	base
}

// Touch records that the user just talked to the bot
func (p *Profiles) Touch(ctx context.Context, user models.User, name string) error {
	if name == "" {
		return nil
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	key := profileKey(user.ID)
	err := p.store.HSet(ctx, key, map[string]string{
		"name":      name,
		"username":  user.Username,
		"last_seen": p.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("error saving profile: %w", err)
	}
	return p.touch(ctx, key)
}

// Get returns the stored profile, ok=false when none exists
func (p *Profiles) Get(ctx context.Context, userID int64) (models.UserProfile, bool, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	fields, err := p.store.HGetAll(ctx, profileKey(userID))
	if err != nil {
		return models.UserProfile{}, false, fmt.Errorf("error reading profile: %w", err)
	}
	if len(fields) == 0 {
		return models.UserProfile{}, false, nil
	}

	profile := models.UserProfile{
		UserID:   userID,
		Name:     fields["name"],
		Username: fields["username"],
	}
	if ts, err := time.Parse(time.RFC3339, fields["last_seen"]); err == nil {
		profile.LastSeen = ts
	}
	return profile, true, nil
}

func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil
}
