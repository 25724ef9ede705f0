package router

import (
	"regexp"
	"strings"

	"github.com/xaenox/companion-bot/internal/models"
)

// Identity is how the bot recognises itself in a conversation
type Identity struct {
	ID       int64
	Username string
}

// ShouldRespond decides whether the bot answers a message at all. Messages
// without text, caption, forward marker or image are never answered.
// Private chats are always answered; in groups the bot answers replies to its
// own messages and explicit @mentions.
func ShouldRespond(msg *models.Message, bot Identity) bool {
	if msg == nil {
		return false
	}
	if msg.Content() == "" && !msg.Forwarded && !msg.HasImage() {
		return false
	}
	if msg.IsPrivate() {
		return true
	}
	return IsReplyToBot(msg, bot) || msg.Mentions(bot.Username)
}

// IsReplyToBot matches the replied-to author by username and falls back to
// the numeric id when the handle is stale
func IsReplyToBot(msg *models.Message, bot Identity) bool {
	if msg == nil || msg.ReplyTo == nil {
		return false
	}
	author := msg.ReplyTo.From
	if bot.Username != "" && author.Username != "" && strings.EqualFold(author.Username, bot.Username) {
		return true
	}
	return bot.ID != 0 && author.ID == bot.ID
}

// StripMention removes the bot handle from the question text
func StripMention(text string, bot Identity) string {
	if bot.Username == "" {
		return strings.TrimSpace(text)
	}
	re := regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(bot.Username))
	return strings.TrimSpace(re.ReplaceAllString(text, ""))
}
