package models

import "time"

// UserProfile is the "last seen" record kept for everyone who talks to the bot
type UserProfile struct {
	UserID   int64     `json:"user_id"`
	Name     string    `json:"name"`
	Username string    `json:"username"`
	LastSeen time.Time `json:"last_seen"`
}
