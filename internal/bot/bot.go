package bot

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/companion-bot/internal/memory"
	"github.com/xaenox/companion-bot/internal/models"
	"github.com/xaenox/companion-bot/internal/router"
	"go.uber.org/zap"
)

// TelegramAPI is the part of *tgbotapi.BotAPI the bot uses
type TelegramAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
}

// MessageHandler answers messages addressed to the bot
type MessageHandler interface {
	Handle(ctx context.Context, msg *models.Message)
}

// Observer sees every group message after the handler is done with it
type Observer interface {
	Observe(ctx context.Context, msg *models.Message) bool
}

// Cleaner removes data of inactive users and groups
type Cleaner interface {
	RunCleanup(ctx context.Context) (memory.CleanupStats, error)
}

type Config struct {
	// DisplayNames maps usernames to the names used in context and facts
	DisplayNames    map[string]string
	UpdateTimeout   int
	MaxMessageLen   int
	MaxRememberLen  int
	DownloadTimeout time.Duration
	MaxImageBytes   int64
}

func DefaultConfig() Config {
	return Config{
		DisplayNames:    map[string]string{},
		UpdateTimeout:   60,
		MaxMessageLen:   4000,
		MaxRememberLen:  500,
		DownloadTimeout: 20 * time.Second,
		MaxImageBytes:   10 << 20,
	}
}

type Bot struct {
	api      TelegramAPI
	cfg      Config
	identity router.Identity
	memory   *memory.Service
	cleaner  Cleaner
	http     *http.Client
	logger   *zap.Logger

	handler  MessageHandler
	observer Observer
	inflight sync.WaitGroup
}

func New(api TelegramAPI, identity router.Identity, cfg Config, mem *memory.Service, cleaner Cleaner, logger *zap.Logger) *Bot {
	names := make(map[string]string, len(cfg.DisplayNames))
	for username, name := range cfg.DisplayNames {
		names[strings.ToLower(username)] = name
	}
	cfg.DisplayNames = names

	return &Bot{
		api:      api,
		cfg:      cfg,
		identity: identity,
		memory:   mem,
		cleaner:  cleaner,
		http:     &http.Client{Timeout: cfg.DownloadTimeout},
		logger:   logger.Named("bot"),
	}
}

// Start polls for updates until ctx is cancelled. Every message is handled
// on its own goroutine; Start returns once they have all finished.
func (b *Bot) Start(ctx context.Context, handler MessageHandler, observer Observer) error {
	b.handler = handler
	b.observer = observer

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.UpdateTimeout

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Polling for updates", zap.String("username", b.identity.Username))

	defer b.inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			b.inflight.Add(1)
			go func() {
				defer b.inflight.Done()
				b.handleMessage(ctx, update.Message)
			}()
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic while handling update",
				zap.Any("panic", r),
				zap.Int64("chat_id", message.Chat.ID))
		}
	}()

	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	msg := b.convert(message)
	if b.handler != nil {
		b.handler.Handle(ctx, msg)
	}
	// Observe runs once the message is in context and any reply has reset
	// the spontaneous counter
	if !msg.IsPrivate() && b.observer != nil {
		b.observer.Observe(ctx, msg)
	}
}

// convert resolves everything the core needs from a raw update
func (b *Bot) convert(message *tgbotapi.Message) *models.Message {
	if message == nil {
		return nil
	}
	msg := &models.Message{
		ID:        message.MessageID,
		Text:      message.Text,
		Caption:   message.Caption,
		Forwarded: isForwarded(message),
		Date:      message.Time(),
	}
	if message.Chat != nil {
		msg.ConversationID = message.Chat.ID
		msg.ChatType = models.GroupChat
		if message.Chat.IsPrivate() {
			msg.ChatType = models.PrivateChat
		}
	}
	if message.From != nil {
		msg.From = models.User{
			ID:        message.From.ID,
			Username:  message.From.UserName,
			FirstName: message.From.FirstName,
			IsBot:     message.From.IsBot,
		}
		msg.DisplayName = b.cfg.DisplayNames[strings.ToLower(message.From.UserName)]
	}

	entities := message.Entities
	if message.Text == "" {
		entities = message.CaptionEntities
	}
	for _, e := range entities {
		var kind models.EntityType
		switch e.Type {
		case "url":
			kind = models.EntityURL
		case "text_link":
			kind = models.EntityTextLink
		case "mention":
			kind = models.EntityMention
		default:
			continue
		}
		msg.Entities = append(msg.Entities, models.Entity{
			Type:   kind,
			Offset: e.Offset,
			Length: e.Length,
			URL:    e.URL,
		})
	}

	if photo := largestPhoto(message.Photo); photo != nil {
		msg.Images = []models.ImageRef{{FileID: photo.FileID}}
	}
	if message.ReplyToMessage != nil {
		msg.ReplyTo = b.convert(message.ReplyToMessage)
	}
	return msg
}

func isForwarded(message *tgbotapi.Message) bool {
	return message.ForwardFrom != nil || message.ForwardFromChat != nil ||
		message.ForwardSenderName != "" || message.ForwardDate != 0
}

func largestPhoto(sizes []tgbotapi.PhotoSize) *tgbotapi.PhotoSize {
	var best *tgbotapi.PhotoSize
	for i := range sizes {
		if best == nil || sizes[i].Width*sizes[i].Height > best.Width*best.Height {
			best = &sizes[i]
		}
	}
	return best
}

// displayName is the name a user is known by in facts
func (b *Bot) displayName(user *tgbotapi.User) string {
	if user == nil {
		return ""
	}
	if name, ok := b.cfg.DisplayNames[strings.ToLower(user.UserName)]; ok {
		return name
	}
	if user.UserName != "" {
		return user.UserName
	}
	return strings.TrimSpace(user.FirstName)
}
