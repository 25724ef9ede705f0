package bot

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/companion-bot/internal/models"
	"go.uber.org/zap"
)

const (
	startText = `Привет! Спрашивай про ивенты, бары, кино, погоду, что угодно.

Можешь пересылать посты, ссылки или фото:
- "о чём это?"
- "какой фильм лучше?"
- "это правда?"
- "что на фото?"

В группе тэгай меня или отвечай на мои сообщения.`

	helpText = `Спрашивай что угодно!

Анализ постов и ссылок:
1. Перешли пост или скинь ссылку
2. Ответь на него и спроси что хочешь

Анализ фото:
1. Скинь фото (меню, афиша, что угодно)
2. Спроси что хочешь или просто жди ответ

Анализ сообщений из чата:
1. Сделай reply на любое сообщение
2. Тэгни меня и спроси
3. Я прочитаю сообщение и контекст разговора

Память:
/memory - посмотреть что помню
/remember <факт> - запомнить
/forget - забыть всё

Группы (для админов):
/quiet - выключить или включить спонтанные сообщения
/cleanup - удалить старые данные`

	rememberUsageText = "Использование: /remember <факт>\nНапример: /remember люблю IPA"
	tooLongText       = "Слишком длинно, напиши покороче (до %d символов)"
	rememberedText    = "Запомнил)"
	forgotText        = "Забыл всё)"
	forgetFailedText  = "Не получилось забыть("
	saveFailedText    = "Не получилось запомнить("
	adminOnlyText     = "Только админ может это делать)"
	groupOnlyText     = "Эта команда для групповых чатов)"
	nothingYetText    = "Пока ничего не помню"
	nothingAboutText  = "Пока ничего не помню про тебя"
	quietOnText       = "Выключил спонтанные сообщения. /quiet чтобы вернуть)"
	quietOffText      = "Включил спонтанные сообщения)"
	quietFailedText   = "Не получилось переключить("
	cleanupStartText  = "Чищу старые данные..."
	cleanupDoneText   = "Готово! Просканировано: %d, удалено: %d"
	cleanupFailedText = "Не получилось почистить("
	unknownText       = "Не знаю такой команды. /help"
)

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	if !b.addressedToMe(message) {
		return
	}

	switch message.Command() {
	case "start":
		b.sendMessage(message.Chat.ID, 0, startText)
	case "help":
		b.sendMessage(message.Chat.ID, 0, helpText)
	case "remember":
		b.handleRemember(ctx, message)
	case "forget":
		b.handleForget(ctx, message)
	case "memory":
		b.handleMemory(ctx, message)
	case "quiet":
		b.handleQuiet(ctx, message)
	case "cleanup":
		b.handleCleanup(ctx, message)
	default:
		if message.Chat.IsPrivate() {
			b.sendMessage(message.Chat.ID, message.MessageID, unknownText)
		}
	}
}

// addressedToMe drops /command@otherbot in groups
func (b *Bot) addressedToMe(message *tgbotapi.Message) bool {
	withAt := message.CommandWithAt()
	at := strings.IndexByte(withAt, '@')
	if at < 0 {
		return true
	}
	return b.identity.Username != "" && strings.EqualFold(withAt[at+1:], b.identity.Username)
}

func (b *Bot) isAdmin(message *tgbotapi.Message) bool {
	if message.Chat.IsPrivate() {
		return true
	}
	if message.From == nil {
		return false
	}
	member, err := b.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{
			ChatID: message.Chat.ID,
			UserID: message.From.ID,
		},
	})
	if err != nil {
		b.logger.Error("Failed to get chat member",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID),
			zap.Int64("user_id", message.From.ID))
		return false
	}
	return member.IsCreator() || member.IsAdministrator()
}

func (b *Bot) handleRemember(ctx context.Context, message *tgbotapi.Message) {
	fact := strings.TrimSpace(message.CommandArguments())
	if fact == "" {
		b.sendMessage(message.Chat.ID, message.MessageID, rememberUsageText)
		return
	}
	if utf8.RuneCountInString(fact) > b.cfg.MaxRememberLen {
		b.sendMessage(message.Chat.ID, message.MessageID, fmt.Sprintf(tooLongText, b.cfg.MaxRememberLen))
		return
	}
	if name := b.displayName(message.From); name != "" {
		fact = name + ": " + fact
	}

	subject := models.GroupOf(message.Chat.ID)
	if message.Chat.IsPrivate() && message.From != nil {
		subject = models.UserOf(message.From.ID)
	}
	if err := b.memory.Facts.Save(ctx, subject, fact); err != nil {
		b.logger.Error("Failed to remember fact",
			zap.Error(err),
			zap.Stringer("subject", subject))
		b.sendMessage(message.Chat.ID, message.MessageID, saveFailedText)
		return
	}
	b.sendMessage(message.Chat.ID, message.MessageID, rememberedText)
}

func (b *Bot) handleForget(ctx context.Context, message *tgbotapi.Message) {
	if !b.isAdmin(message) {
		b.sendMessage(message.Chat.ID, message.MessageID, adminOnlyText)
		return
	}

	subject := models.GroupOf(message.Chat.ID)
	if message.Chat.IsPrivate() && message.From != nil {
		subject = models.UserOf(message.From.ID)
	}
	if err := b.memory.Facts.Forget(ctx, subject); err != nil {
		b.logger.Error("Failed to forget facts",
			zap.Error(err),
			zap.Stringer("subject", subject))
		b.sendMessage(message.Chat.ID, message.MessageID, forgetFailedText)
		return
	}
	b.sendMessage(message.Chat.ID, message.MessageID, forgotText)
}

func (b *Bot) handleMemory(ctx context.Context, message *tgbotapi.Message) {
	var userFacts []string
	if message.From != nil {
		userFacts = b.memory.Facts.List(ctx, models.UserOf(message.From.ID))
	}

	if message.Chat.IsPrivate() {
		if len(userFacts) == 0 {
			b.sendMessage(message.Chat.ID, message.MessageID, nothingAboutText)
			return
		}
		b.sendMarkdown(message.Chat.ID, message.MessageID, "*Что я помню про тебя:*\n\n"+factList(userFacts))
		return
	}

	groupFacts := b.memory.Facts.List(ctx, models.GroupOf(message.Chat.ID))
	if len(userFacts) == 0 && len(groupFacts) == 0 {
		b.sendMessage(message.Chat.ID, message.MessageID, nothingYetText)
		return
	}

	var sections []string
	if len(userFacts) > 0 {
		name := b.displayName(message.From)
		if name == "" {
			name = "тебя"
		}
		sections = append(sections, "*Про "+escapeMarkdown(name)+":*\n"+factList(userFacts))
	}
	if len(groupFacts) > 0 {
		sections = append(sections, "*Про группу:*\n"+factList(groupFacts))
	}
	b.sendMarkdown(message.Chat.ID, message.MessageID, strings.Join(sections, "\n\n"))
}

func factList(facts []string) string {
	lines := make([]string, len(facts))
	for i, fact := range facts {
		lines[i] = escapeMarkdown("- " + fact)
	}
	return strings.Join(lines, "\n")
}

func (b *Bot) handleQuiet(ctx context.Context, message *tgbotapi.Message) {
	if message.Chat.IsPrivate() {
		b.sendMessage(message.Chat.ID, message.MessageID, groupOnlyText)
		return
	}
	if !b.isAdmin(message) {
		b.sendMessage(message.Chat.ID, message.MessageID, adminOnlyText)
		return
	}

	quiet, err := b.memory.Quiet.Toggle(ctx, message.Chat.ID)
	if err != nil {
		b.logger.Error("Failed to toggle quiet mode",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
		b.sendMessage(message.Chat.ID, message.MessageID, quietFailedText)
		return
	}
	if quiet {
		b.sendMessage(message.Chat.ID, message.MessageID, quietOnText)
		return
	}
	b.sendMessage(message.Chat.ID, message.MessageID, quietOffText)
}

func (b *Bot) handleCleanup(ctx context.Context, message *tgbotapi.Message) {
	if !b.isAdmin(message) {
		b.sendMessage(message.Chat.ID, message.MessageID, adminOnlyText)
		return
	}
	if b.cleaner == nil {
		b.sendMessage(message.Chat.ID, message.MessageID, cleanupFailedText)
		return
	}

	b.sendMessage(message.Chat.ID, message.MessageID, cleanupStartText)
	stats, err := b.cleaner.RunCleanup(ctx)
	if err != nil {
		b.logger.Error("Cleanup failed", zap.Error(err))
		b.sendMessage(message.Chat.ID, message.MessageID, cleanupFailedText)
		return
	}
	b.sendMessage(message.Chat.ID, message.MessageID, fmt.Sprintf(cleanupDoneText, stats.Scanned, stats.Deleted))
}
